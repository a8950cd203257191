// Package roster loads creature and party definitions from YAML files so a
// gamemaster can pre-seed encounters without retyping stat blocks.
package roster

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dmforge/encounterd/internal/encounter"
	"github.com/dmforge/encounterd/internal/stats"
)

// Definition represents a combatant definition from the YAML file.
type Definition struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	MaxHP      int    `yaml:"max_hp"`
	ArmorClass int    `yaml:"armor_class,omitempty"`
	Speed      int    `yaml:"speed,omitempty"`

	Abilities stats.AbilityScores `yaml:"abilities,omitempty"`

	SaveOverrides map[string]int `yaml:"save_overrides,omitempty"`
	SkillBonuses  map[string]int `yaml:"skill_bonuses,omitempty"`

	LegendaryActions     int `yaml:"legendary_actions,omitempty"`
	LegendaryResistances int `yaml:"legendary_resistances,omitempty"`
}

// Config represents the structure of a roster YAML file. Parties name
// groups of definitions that are added to an encounter together.
type Config struct {
	Combatants map[string]Definition `yaml:"combatants"`
	Parties    map[string][]string   `yaml:"parties"`
}

// LoadFromYAML loads combatant definitions from a YAML file.
func LoadFromYAML(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse roster YAML: %w", err)
	}

	for key, def := range config.Combatants {
		if def.Name == "" {
			return nil, fmt.Errorf("roster entry %q has no name", key)
		}
		if def.MaxHP <= 0 {
			return nil, fmt.Errorf("roster entry %q has no hit points", key)
		}
		if def.Kind != "" && !encounter.ValidKind(encounter.Kind(def.Kind)) {
			return nil, fmt.Errorf("roster entry %q has unknown kind %q", key, def.Kind)
		}
	}
	for party, members := range config.Parties {
		for _, member := range members {
			if _, ok := config.Combatants[member]; !ok {
				return nil, fmt.Errorf("party %q references unknown combatant %q", party, member)
			}
		}
	}

	return &config, nil
}

// Participant builds a fresh participant from the named definition. Each
// call mints a new id so the same stat block can appear multiple times in
// one encounter.
func (c *Config) Participant(key string) (*encounter.Participant, error) {
	def, ok := c.Combatants[key]
	if !ok {
		return nil, fmt.Errorf("unknown roster entry %q", key)
	}
	return def.build(), nil
}

// Party builds participants for every member of the named party.
func (c *Config) Party(name string) ([]*encounter.Participant, error) {
	members, ok := c.Parties[name]
	if !ok {
		return nil, fmt.Errorf("unknown party %q", name)
	}

	participants := make([]*encounter.Participant, 0, len(members))
	for _, member := range members {
		p, err := c.Participant(member)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, nil
}

func (d Definition) build() *encounter.Participant {
	kind := encounter.Kind(d.Kind)
	if kind == "" {
		kind = encounter.KindCreature
	}

	abilities := d.Abilities
	if abilities == (stats.AbilityScores{}) {
		abilities = stats.DefaultScores()
	}

	return &encounter.Participant{
		ID:                   uuid.NewString(),
		Name:                 d.Name,
		Kind:                 kind,
		ArmorClass:           d.ArmorClass,
		Speed:                d.Speed,
		Abilities:            abilities,
		SaveOverrides:        d.SaveOverrides,
		SkillBonuses:         d.SkillBonuses,
		HP:                   d.MaxHP,
		MaxHP:                d.MaxHP,
		Status:               encounter.StatusAlive,
		LegendaryActionsMax:  d.LegendaryActions,
		LegendaryResistances: d.LegendaryResistances,
	}
}
