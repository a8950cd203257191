package encounter

import (
	"fmt"
	"sort"
	"time"

	"github.com/dmforge/encounterd/internal/stats"
)

// State is the encounter lifecycle state.
type State string

const (
	StatePreparing State = "preparing"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
)

// Session is the live, server-authoritative state of one combat instance.
// It aggregates the participant store, the turn clock, and the condition
// and resource ledger. Every mutation either fully applies or fails with a
// typed error leaving state unchanged.
type Session struct {
	ID      string
	OwnerID string

	Status       State
	CurrentRound int
	CurrentTurn  int

	// TurnOrder is the single source of truth for whose turn it is. While
	// active it is always a permutation of the participant ids.
	TurnOrder []string

	// Environment is opaque table metadata (lighting, terrain, hazards),
	// passed through unchanged.
	Environment map[string]any

	StartedAt   *time.Time
	CompletedAt *time.Time

	participants map[string]*Participant
	nextSeq      int
}

// NewSession creates an encounter in the preparing state.
func NewSession(id, ownerID string) *Session {
	return &Session{
		ID:           id,
		OwnerID:      ownerID,
		Status:       StatePreparing,
		participants: make(map[string]*Participant),
	}
}

// guardOpen rejects mutations on a completed encounter.
func (s *Session) guardOpen() *Error {
	if s.Status == StateCompleted {
		return newError(CodeEncounterClosed, "encounter is completed and read-only")
	}
	return nil
}

// guardCombat rejects combat-advancing commands outside the active state.
func (s *Session) guardCombat(op string) *Error {
	switch s.Status {
	case StateActive:
		return nil
	case StateCompleted:
		return newError(CodeEncounterClosed, "encounter is completed and read-only")
	default:
		return newError(CodeInvalidState, fmt.Sprintf("%s requires an active encounter (currently %s)", op, s.Status))
	}
}

// guardRoster rejects participant mutations outside preparing or active.
// Paused encounters accept out-of-band edits but not roster changes.
func (s *Session) guardRoster(op string) *Error {
	switch s.Status {
	case StatePreparing, StateActive:
		return nil
	case StateCompleted:
		return newError(CodeEncounterClosed, "encounter is completed and read-only")
	default:
		return newError(CodeInvalidState, fmt.Sprintf("%s is not accepted while the encounter is %s", op, s.Status))
	}
}

func (s *Session) participant(id string) (*Participant, *Error) {
	p, ok := s.participants[id]
	if !ok {
		return nil, newError(CodeNotFound, fmt.Sprintf("no participant %q in encounter", id))
	}
	return p, nil
}

// Participant returns a copy of the participant with the given id.
func (s *Session) Participant(id string) (*Participant, error) {
	p, terr := s.participant(id)
	if terr != nil {
		return nil, terr
	}
	return p.clone(), nil
}

// Participants returns copies of all participants in insertion order.
func (s *Session) Participants() []*Participant {
	out := make([]*Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// CurrentParticipantID returns the id of the participant whose turn it is,
// or "" when the turn order is empty.
func (s *Session) CurrentParticipantID() string {
	if len(s.TurnOrder) == 0 {
		return ""
	}
	return s.TurnOrder[s.CurrentTurn]
}

// AddParticipant adds a combatant to the encounter. While active, the new
// participant is appended to the end of the turn order; the order is not
// re-sorted until a manual reorder.
func (s *Session) AddParticipant(p *Participant) (*Participant, error) {
	if terr := s.guardRoster("participant_add"); terr != nil {
		return nil, terr
	}
	if p == nil || p.ID == "" {
		return nil, newError(CodeValidation, "participant id is required")
	}
	if p.Name == "" {
		return nil, newError(CodeValidation, "participant name is required")
	}
	if _, exists := s.participants[p.ID]; exists {
		return nil, newError(CodeValidation, fmt.Sprintf("participant %q already exists", p.ID))
	}
	if p.Kind == "" {
		p.Kind = KindOther
	} else if !ValidKind(p.Kind) {
		return nil, newError(CodeValidation, fmt.Sprintf("unknown participant kind %q", p.Kind))
	}
	if p.HP < 0 || p.MaxHP < 0 || p.TempHP < 0 {
		return nil, newError(CodeValidation, "hit points must not be negative")
	}
	if p.Status == "" {
		p.Status = StatusAlive
	} else if !ValidVitalStatus(p.Status) {
		return nil, newError(CodeValidation, fmt.Sprintf("unknown vital status %q", p.Status))
	}
	if p.LegendaryActionsMax < 0 || p.LegendaryResistances < 0 {
		return nil, newError(CodeValidation, "legendary budgets must not be negative")
	}

	stored := p.clone()
	stored.Seq = s.nextSeq
	s.nextSeq++
	stored.LegendaryActions = stored.LegendaryActionsMax
	s.participants[stored.ID] = stored

	if s.Status == StateActive {
		s.TurnOrder = append(s.TurnOrder, stored.ID)
	}

	return stored.clone(), nil
}

// RemoveParticipant removes a combatant. If the removed turn-order slot is
// at or before the current one, the current pointer shifts down so it never
// points past the end.
func (s *Session) RemoveParticipant(id string) error {
	if terr := s.guardRoster("participant_remove"); terr != nil {
		return terr
	}
	if _, terr := s.participant(id); terr != nil {
		return terr
	}

	delete(s.participants, id)

	idx := -1
	for i, pid := range s.TurnOrder {
		if pid == id {
			idx = i
			break
		}
	}
	if idx >= 0 {
		s.TurnOrder = append(s.TurnOrder[:idx], s.TurnOrder[idx+1:]...)
		if idx <= s.CurrentTurn {
			s.CurrentTurn--
		}
		if s.CurrentTurn < 0 {
			s.CurrentTurn = 0
		}
		if max := len(s.TurnOrder) - 1; s.CurrentTurn > max && max >= 0 {
			s.CurrentTurn = max
		}
	}

	return nil
}

// ParticipantUpdate is a partial update; nil fields are left unchanged.
type ParticipantUpdate struct {
	Name                 *string      `json:"name"`
	Kind                 *Kind        `json:"kind"`
	Initiative           *int         `json:"initiative"`
	ArmorClass           *int         `json:"armorClass"`
	Speed                *int         `json:"speed"`
	HP                   *int         `json:"hp"`
	MaxHP                *int         `json:"maxHp"`
	TempHP               *int         `json:"tempHp"`
	Status               *VitalStatus `json:"status"`
	LegendaryActionsMax  *int         `json:"legendaryActionsMax"`
	LegendaryResistances *int         `json:"legendaryResistances"`
}

// UpdateParticipant applies a partial update to a participant.
func (s *Session) UpdateParticipant(id string, update ParticipantUpdate) (*Participant, error) {
	if terr := s.guardRoster("participant_update"); terr != nil {
		return nil, terr
	}
	p, terr := s.participant(id)
	if terr != nil {
		return nil, terr
	}

	// Validate everything before touching the participant.
	if update.Name != nil && *update.Name == "" {
		return nil, newError(CodeValidation, "participant name must not be empty")
	}
	if update.Kind != nil && !ValidKind(*update.Kind) {
		return nil, newError(CodeValidation, fmt.Sprintf("unknown participant kind %q", *update.Kind))
	}
	if update.Status != nil && !ValidVitalStatus(*update.Status) {
		return nil, newError(CodeValidation, fmt.Sprintf("unknown vital status %q", *update.Status))
	}
	for _, v := range []*int{update.HP, update.MaxHP, update.TempHP, update.LegendaryActionsMax, update.LegendaryResistances} {
		if v != nil && *v < 0 {
			return nil, newError(CodeValidation, "value must not be negative")
		}
	}

	if update.Name != nil {
		p.Name = *update.Name
	}
	if update.Kind != nil {
		p.Kind = *update.Kind
	}
	if update.Initiative != nil {
		p.Initiative = *update.Initiative
	}
	if update.ArmorClass != nil {
		p.ArmorClass = *update.ArmorClass
	}
	if update.Speed != nil {
		p.Speed = *update.Speed
	}
	if update.HP != nil {
		p.HP = *update.HP
	}
	if update.MaxHP != nil {
		p.MaxHP = *update.MaxHP
	}
	if update.TempHP != nil {
		p.TempHP = *update.TempHP
	}
	if update.Status != nil {
		p.Status = *update.Status
	}
	if update.LegendaryActionsMax != nil {
		p.LegendaryActionsMax = *update.LegendaryActionsMax
		if p.LegendaryActions > p.LegendaryActionsMax {
			p.LegendaryActions = p.LegendaryActionsMax
		}
	}
	if update.LegendaryResistances != nil {
		p.LegendaryResistances = *update.LegendaryResistances
	}

	return p.clone(), nil
}

// SetInitiative records a new initiative roll for a participant. The turn
// order is not re-sorted until Start or a manual reorder.
func (s *Session) SetInitiative(id string, initiative int) (*Participant, error) {
	if terr := s.guardRoster("initiative_update"); terr != nil {
		return nil, terr
	}
	p, terr := s.participant(id)
	if terr != nil {
		return nil, terr
	}
	p.Initiative = initiative
	return p.clone(), nil
}

// RollInitiative rolls d20 plus the participant's dexterity modifier and
// records the result as their initiative.
func (s *Session) RollInitiative(id string) (*Participant, error) {
	if terr := s.guardRoster("initiative_update"); terr != nil {
		return nil, terr
	}
	p, terr := s.participant(id)
	if terr != nil {
		return nil, terr
	}
	p.Initiative = stats.D20() + p.Abilities.DexterityMod()
	return p.clone(), nil
}

// Start transitions preparing -> active: computes the initial turn order,
// sets round 1 turn 0, and resets every legendary action budget.
func (s *Session) Start(now time.Time) error {
	if s.Status != StatePreparing {
		if s.Status == StateCompleted {
			return newError(CodeEncounterClosed, "encounter is completed and read-only")
		}
		return newError(CodeInvalidState, fmt.Sprintf("cannot start an encounter that is %s", s.Status))
	}
	if len(s.participants) == 0 {
		return newError(CodeInvalidState, "cannot start an encounter with no participants")
	}

	ordered := make([]*Participant, 0, len(s.participants))
	for _, p := range s.participants {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	s.TurnOrder = sortTurnOrder(ordered)
	s.Status = StateActive
	s.CurrentRound = 1
	s.CurrentTurn = 0
	s.StartedAt = &now

	for _, p := range s.participants {
		p.LegendaryActions = p.LegendaryActionsMax
	}

	return nil
}

// SetTurnOrder replaces the turn order with an explicit permutation of the
// current participant ids. The current turn index is kept as-is.
func (s *Session) SetTurnOrder(order []string) error {
	if terr := s.guardCombat("set_turn_order"); terr != nil {
		return terr
	}
	if terr := validateTurnOrder(order, s.participants); terr != nil {
		return terr
	}
	s.TurnOrder = append([]string(nil), order...)
	return nil
}

// NextTurn advances to the next turn, rolling over to a new round at the
// end of the order. The participant whose turn begins regains their
// legendary actions.
func (s *Session) NextTurn() error {
	if terr := s.guardCombat("turn_next"); terr != nil {
		return terr
	}
	if len(s.TurnOrder) == 0 {
		return newError(CodeInvalidState, "encounter has no participants in the turn order")
	}

	s.CurrentTurn++
	if s.CurrentTurn >= len(s.TurnOrder) {
		s.CurrentTurn = 0
		s.CurrentRound++
	}

	// Legendary creatures regain legendary actions at the start of their
	// own turn, each time they become current.
	if p, ok := s.participants[s.TurnOrder[s.CurrentTurn]]; ok {
		p.LegendaryActions = p.LegendaryActionsMax
	}

	return nil
}

// PreviousTurn steps the clock back one turn, never regressing past round 1
// turn 0.
func (s *Session) PreviousTurn() error {
	if terr := s.guardCombat("turn_previous"); terr != nil {
		return terr
	}
	if len(s.TurnOrder) == 0 {
		return newError(CodeInvalidState, "encounter has no participants in the turn order")
	}

	if s.CurrentTurn == 0 {
		if s.CurrentRound <= 1 {
			return nil
		}
		s.CurrentTurn = len(s.TurnOrder) - 1
		s.CurrentRound--
		return nil
	}

	s.CurrentTurn--
	return nil
}

// Pause gates combat advancement without touching any counters.
func (s *Session) Pause() error {
	if s.Status != StateActive {
		if s.Status == StateCompleted {
			return newError(CodeEncounterClosed, "encounter is completed and read-only")
		}
		return newError(CodeInvalidState, fmt.Sprintf("cannot pause an encounter that is %s", s.Status))
	}
	s.Status = StatePaused
	return nil
}

// Resume reopens a paused encounter for combat commands.
func (s *Session) Resume() error {
	if s.Status != StatePaused {
		if s.Status == StateCompleted {
			return newError(CodeEncounterClosed, "encounter is completed and read-only")
		}
		return newError(CodeInvalidState, fmt.Sprintf("cannot resume an encounter that is %s", s.Status))
	}
	s.Status = StateActive
	return nil
}

// Complete terminally closes the encounter. All subsequent combat
// mutations are rejected with encounter_closed.
func (s *Session) Complete(now time.Time) error {
	switch s.Status {
	case StateActive, StatePaused:
		s.Status = StateCompleted
		s.CompletedAt = &now
		return nil
	case StateCompleted:
		return newError(CodeEncounterClosed, "encounter is already completed")
	default:
		return newError(CodeInvalidState, fmt.Sprintf("cannot complete an encounter that is %s", s.Status))
	}
}

// SetEnvironment replaces the opaque environment metadata.
func (s *Session) SetEnvironment(env map[string]any) error {
	if terr := s.guardOpen(); terr != nil {
		return terr
	}
	s.Environment = env
	return nil
}
