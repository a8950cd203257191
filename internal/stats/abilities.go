// Package stats holds D&D-style ability scores and dice rolling.
package stats

// AbilityScores holds the six core ability scores.
type AbilityScores struct {
	Strength     int `json:"strength" yaml:"strength"`
	Dexterity    int `json:"dexterity" yaml:"dexterity"`
	Constitution int `json:"constitution" yaml:"constitution"`
	Intelligence int `json:"intelligence" yaml:"intelligence"`
	Wisdom       int `json:"wisdom" yaml:"wisdom"`
	Charisma     int `json:"charisma" yaml:"charisma"`
}

// DefaultScores returns ability scores with all values at 10.
func DefaultScores() AbilityScores {
	return AbilityScores{
		Strength:     10,
		Dexterity:    10,
		Constitution: 10,
		Intelligence: 10,
		Wisdom:       10,
		Charisma:     10,
	}
}

// Modifier calculates the ability modifier using floor division.
// Formula: floor((score - 10) / 2). Examples: 8=-1, 10=0, 14=+2, 18=+4.
func Modifier(score int) int {
	diff := score - 10
	if diff >= 0 {
		return diff / 2
	}
	return (diff - 1) / 2
}

// DexterityMod returns the dexterity modifier.
func (a AbilityScores) DexterityMod() int {
	return Modifier(a.Dexterity)
}
