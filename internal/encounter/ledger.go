package encounter

import "fmt"

// The ledger operations below are decoupled from turn advancement: damage
// and healing can land at any time (reactions, lair effects), so they are
// accepted in every state except completed. Legendary action spend is a
// combat action and requires an active encounter.

// ApplyDamage applies damage to a participant: the temporary pool is
// consumed first, then current HP, floored at 0.
func (s *Session) ApplyDamage(id string, amount int) (*Participant, error) {
	if terr := s.guardOpen(); terr != nil {
		return nil, terr
	}
	if amount < 0 {
		return nil, newError(CodeValidation, "damage must not be negative")
	}
	p, terr := s.participant(id)
	if terr != nil {
		return nil, terr
	}
	p.applyDamage(amount)
	return p.clone(), nil
}

// ApplyHealing heals a participant, capped at their max HP.
func (s *Session) ApplyHealing(id string, amount int) (*Participant, error) {
	if terr := s.guardOpen(); terr != nil {
		return nil, terr
	}
	if amount < 0 {
		return nil, newError(CodeValidation, "healing must not be negative")
	}
	p, terr := s.participant(id)
	if terr != nil {
		return nil, terr
	}
	p.applyHealing(amount)
	return p.clone(), nil
}

// SetHitPoints overwrites current (and optionally max) HP directly. This
// backs the health_update command where the referee types in a number.
func (s *Session) SetHitPoints(id string, hp int, maxHP *int) (*Participant, error) {
	if terr := s.guardOpen(); terr != nil {
		return nil, terr
	}
	if hp < 0 || (maxHP != nil && *maxHP < 0) {
		return nil, newError(CodeValidation, "hit points must not be negative")
	}
	p, terr := s.participant(id)
	if terr != nil {
		return nil, terr
	}
	p.HP = hp
	if maxHP != nil {
		p.MaxHP = *maxHP
	}
	if p.HP == 0 {
		if p.Status != StatusDead {
			p.Status = StatusUnconscious
		}
	} else if p.Status != StatusDead {
		p.Status = StatusAlive
	}
	return p.clone(), nil
}

// AddCondition adds a condition to a participant. Adding an already-present
// condition is a no-op, not an error.
func (s *Session) AddCondition(id, condition string) (*Participant, error) {
	if terr := s.guardOpen(); terr != nil {
		return nil, terr
	}
	if condition == "" {
		return nil, newError(CodeValidation, "condition must not be empty")
	}
	p, terr := s.participant(id)
	if terr != nil {
		return nil, terr
	}
	p.addCondition(condition)
	return p.clone(), nil
}

// RemoveCondition removes a condition from a participant. Removing an
// absent condition is a no-op, not an error.
func (s *Session) RemoveCondition(id, condition string) (*Participant, error) {
	if terr := s.guardOpen(); terr != nil {
		return nil, terr
	}
	p, terr := s.participant(id)
	if terr != nil {
		return nil, terr
	}
	p.removeCondition(condition)
	return p.clone(), nil
}

// SetConditions replaces a participant's condition set wholesale,
// preserving the given order and dropping duplicates.
func (s *Session) SetConditions(id string, conditions []string) (*Participant, error) {
	if terr := s.guardOpen(); terr != nil {
		return nil, terr
	}
	for _, c := range conditions {
		if c == "" {
			return nil, newError(CodeValidation, "condition must not be empty")
		}
	}
	p, terr := s.participant(id)
	if terr != nil {
		return nil, terr
	}

	seen := make(map[string]bool, len(conditions))
	next := make([]string, 0, len(conditions))
	for _, c := range conditions {
		if !seen[c] {
			seen[c] = true
			next = append(next, c)
		}
	}
	p.Conditions = next
	return p.clone(), nil
}

// SetConcentration marks a participant as concentrating on a spell with the
// given save DC.
func (s *Session) SetConcentration(id, spell string, dc int) (*Participant, error) {
	if terr := s.guardOpen(); terr != nil {
		return nil, terr
	}
	if spell == "" {
		return nil, newError(CodeValidation, "concentration spell must not be empty")
	}
	p, terr := s.participant(id)
	if terr != nil {
		return nil, terr
	}
	p.Concentration = &Concentration{Spell: spell, DC: dc}
	return p.clone(), nil
}

// ClearConcentration drops a participant's concentration, if any.
func (s *Session) ClearConcentration(id string) (*Participant, error) {
	if terr := s.guardOpen(); terr != nil {
		return nil, terr
	}
	p, terr := s.participant(id)
	if terr != nil {
		return nil, terr
	}
	p.Concentration = nil
	return p.clone(), nil
}

// SpendLegendaryAction deducts cost from a participant's legendary action
// budget for this turn cycle.
func (s *Session) SpendLegendaryAction(id string, cost int) (*Participant, error) {
	if terr := s.guardCombat("legendary_action"); terr != nil {
		return nil, terr
	}
	if cost < 1 {
		return nil, newError(CodeValidation, "legendary action cost must be at least 1")
	}
	p, terr := s.participant(id)
	if terr != nil {
		return nil, terr
	}
	if cost > p.LegendaryActions {
		return nil, newError(CodeInsufficientResource,
			fmt.Sprintf("legendary action cost %d exceeds remaining budget %d", cost, p.LegendaryActions))
	}
	p.LegendaryActions -= cost
	return p.clone(), nil
}

// UseLegendaryResistance consumes one legendary resistance.
func (s *Session) UseLegendaryResistance(id string) (*Participant, error) {
	if terr := s.guardCombat("legendary_resistance"); terr != nil {
		return nil, terr
	}
	p, terr := s.participant(id)
	if terr != nil {
		return nil, terr
	}
	if p.LegendaryResistances < 1 {
		return nil, newError(CodeInsufficientResource, "no legendary resistances remaining")
	}
	p.LegendaryResistances--
	return p.clone(), nil
}
