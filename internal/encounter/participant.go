// Package encounter implements the combat encounter state machine: the
// participant store, initiative order, turn clock, and the condition and
// resource ledger. A Session is not safe for concurrent use; the hub
// serializes all access to it.
package encounter

import "github.com/dmforge/encounterd/internal/stats"

// Kind classifies a combatant.
type Kind string

const (
	KindPlayer   Kind = "player"
	KindCreature Kind = "creature"
	KindNPC      Kind = "npc"
	KindHazard   Kind = "hazard"
	KindTrap     Kind = "trap"
	KindOther    Kind = "other"
)

// ValidKind reports whether k is a recognized participant kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindPlayer, KindCreature, KindNPC, KindHazard, KindTrap, KindOther:
		return true
	}
	return false
}

// VitalStatus describes a participant's life state.
type VitalStatus string

const (
	StatusAlive       VitalStatus = "alive"
	StatusUnconscious VitalStatus = "unconscious"
	StatusDying       VitalStatus = "dying"
	StatusStable      VitalStatus = "stable"
	StatusDead        VitalStatus = "dead"
)

// ValidVitalStatus reports whether s is a recognized vital status.
func ValidVitalStatus(s VitalStatus) bool {
	switch s {
	case StatusAlive, StatusUnconscious, StatusDying, StatusStable, StatusDead:
		return true
	}
	return false
}

// Concentration records a sustained effect that damage can break.
type Concentration struct {
	Spell string `json:"spell"`
	DC    int    `json:"dc"`
}

// Participant is one combatant inside an encounter.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	Initiative    int                 `json:"initiative"`
	ArmorClass    int                 `json:"armorClass"`
	Speed         int                 `json:"speed"`
	Abilities     stats.AbilityScores `json:"abilities"`
	SaveOverrides map[string]int      `json:"saveOverrides,omitempty"`
	SkillBonuses  map[string]int      `json:"skillBonuses,omitempty"`

	HP         int         `json:"hp"`
	MaxHP      int         `json:"maxHp"`
	TempHP     int         `json:"tempHp"`
	Status     VitalStatus `json:"status"`
	Conditions []string    `json:"conditions"`

	LegendaryActions     int            `json:"legendaryActions"`
	LegendaryActionsMax  int            `json:"legendaryActionsMax"`
	LegendaryResistances int            `json:"legendaryResistances"`
	Concentration        *Concentration `json:"concentration,omitempty"`

	// Seq is the insertion sequence within the encounter. It is assigned by
	// the session on add and breaks full initiative ties deterministically.
	Seq int `json:"seq"`
}

// hasCondition reports whether cond is active on the participant.
func (p *Participant) hasCondition(cond string) bool {
	for _, c := range p.Conditions {
		if c == cond {
			return true
		}
	}
	return false
}

// addCondition appends cond if absent. Returns true if the set changed.
func (p *Participant) addCondition(cond string) bool {
	if p.hasCondition(cond) {
		return false
	}
	p.Conditions = append(p.Conditions, cond)
	return true
}

// removeCondition removes cond if present. Returns true if the set changed.
func (p *Participant) removeCondition(cond string) bool {
	for i, c := range p.Conditions {
		if c == cond {
			p.Conditions = append(p.Conditions[:i], p.Conditions[i+1:]...)
			return true
		}
	}
	return false
}

// applyDamage subtracts from the temporary pool first, then current HP,
// flooring at 0. Dropping to 0 HP sets unconscious unless already dead.
func (p *Participant) applyDamage(amount int) {
	if p.TempHP > 0 {
		if amount <= p.TempHP {
			p.TempHP -= amount
			return
		}
		amount -= p.TempHP
		p.TempHP = 0
	}

	p.HP -= amount
	if p.HP <= 0 {
		p.HP = 0
		if p.Status != StatusDead {
			p.Status = StatusUnconscious
		}
	}
}

// applyHealing adds to current HP, capped at max. A participant brought
// above 0 HP returns to alive unless they are dead.
func (p *Participant) applyHealing(amount int) {
	p.HP += amount
	if p.HP > p.MaxHP {
		p.HP = p.MaxHP
	}
	if p.HP > 0 && p.Status != StatusDead {
		p.Status = StatusAlive
	}
}

// clone returns a deep copy, safe to hand outside the session lock.
func (p *Participant) clone() *Participant {
	cp := *p
	if p.Conditions != nil {
		cp.Conditions = append([]string(nil), p.Conditions...)
	}
	if p.SaveOverrides != nil {
		cp.SaveOverrides = make(map[string]int, len(p.SaveOverrides))
		for k, v := range p.SaveOverrides {
			cp.SaveOverrides[k] = v
		}
	}
	if p.SkillBonuses != nil {
		cp.SkillBonuses = make(map[string]int, len(p.SkillBonuses))
		for k, v := range p.SkillBonuses {
			cp.SkillBonuses[k] = v
		}
	}
	if p.Concentration != nil {
		conc := *p.Concentration
		cp.Concentration = &conc
	}
	return &cp
}
