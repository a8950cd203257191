package encounter

import (
	"fmt"
	"time"
)

// Snapshot is the serializable form of a Session, written to the snapshot
// store and restored when an encounter goes hot again.
type Snapshot struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"ownerId"`
	Status       State          `json:"status"`
	CurrentRound int            `json:"currentRound"`
	CurrentTurn  int            `json:"currentTurn"`
	TurnOrder    []string       `json:"turnOrder"`
	Participants []*Participant `json:"participants"`
	Environment  map[string]any `json:"environment,omitempty"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// Snapshot captures the session's full state. The result shares nothing
// with the live session.
func (s *Session) Snapshot() *Snapshot {
	snap := &Snapshot{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		Status:       s.Status,
		CurrentRound: s.CurrentRound,
		CurrentTurn:  s.CurrentTurn,
		TurnOrder:    append([]string(nil), s.TurnOrder...),
		Participants: s.Participants(),
	}
	if s.Environment != nil {
		snap.Environment = make(map[string]any, len(s.Environment))
		for k, v := range s.Environment {
			snap.Environment[k] = v
		}
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		snap.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		snap.CompletedAt = &t
	}
	return snap
}

// FromSnapshot rebuilds a live session from a stored snapshot.
func FromSnapshot(snap *Snapshot) (*Session, error) {
	if snap == nil || snap.ID == "" {
		return nil, fmt.Errorf("snapshot has no encounter id")
	}

	s := NewSession(snap.ID, snap.OwnerID)
	s.Status = snap.Status
	if s.Status == "" {
		s.Status = StatePreparing
	}
	s.CurrentRound = snap.CurrentRound
	s.CurrentTurn = snap.CurrentTurn
	s.TurnOrder = append([]string(nil), snap.TurnOrder...)
	s.Environment = snap.Environment
	s.StartedAt = snap.StartedAt
	s.CompletedAt = snap.CompletedAt

	maxSeq := -1
	for _, p := range snap.Participants {
		if p == nil || p.ID == "" {
			return nil, fmt.Errorf("snapshot %s has a participant without an id", snap.ID)
		}
		if _, dup := s.participants[p.ID]; dup {
			return nil, fmt.Errorf("snapshot %s has duplicate participant %q", snap.ID, p.ID)
		}
		s.participants[p.ID] = p.clone()
		if p.Seq > maxSeq {
			maxSeq = p.Seq
		}
	}
	s.nextSeq = maxSeq + 1

	if s.Status == StateActive || s.Status == StatePaused {
		if terr := validateTurnOrder(s.TurnOrder, s.participants); terr != nil {
			return nil, fmt.Errorf("snapshot %s: %w", snap.ID, terr)
		}
		if len(s.TurnOrder) > 0 && (s.CurrentTurn < 0 || s.CurrentTurn >= len(s.TurnOrder)) {
			return nil, fmt.Errorf("snapshot %s: current turn %d out of range", snap.ID, s.CurrentTurn)
		}
	}

	return s, nil
}
