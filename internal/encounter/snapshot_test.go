package encounter

import (
	"encoding/json"
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	s := startedSession(t,
		makeCombatant("wizard", 18, 14),
		makeCombatant("troll", 12, 8),
	)
	if _, err := s.ApplyDamage("troll", 9); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddCondition("troll", "poisoned"); err != nil {
		t.Fatal(err)
	}
	if err := s.NextTurn(); err != nil {
		t.Fatal(err)
	}
	s.SetEnvironment(map[string]any{"terrain": "swamp"})

	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}

	restored, err := FromSnapshot(&snap)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Status != StateActive {
		t.Errorf("status = %q, want %q", restored.Status, StateActive)
	}
	if restored.CurrentRound != s.CurrentRound || restored.CurrentTurn != s.CurrentTurn {
		t.Errorf("clock = (%d, %d), want (%d, %d)",
			restored.CurrentRound, restored.CurrentTurn, s.CurrentRound, s.CurrentTurn)
	}
	troll, err := restored.Participant("troll")
	if err != nil {
		t.Fatal(err)
	}
	if troll.HP != 1 {
		t.Errorf("troll HP = %d, want 1", troll.HP)
	}
	if !troll.hasCondition("poisoned") {
		t.Error("troll lost poisoned condition across the round trip")
	}
	if restored.Environment["terrain"] != "swamp" {
		t.Errorf("environment terrain = %v, want swamp", restored.Environment["terrain"])
	}
}

func TestFromSnapshotAssignsFreshSeq(t *testing.T) {
	s := startedSession(t, makeCombatant("a", 10, 10), makeCombatant("b", 9, 9))
	restored, err := FromSnapshot(s.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := restored.AddParticipant(makeCombatant("c", 8, 8)); err != nil {
		t.Fatal(err)
	}
	parts := restored.Participants()
	if got := parts[len(parts)-1].ID; got != "c" {
		t.Errorf("newest participant = %q, want c", got)
	}
}

func TestFromSnapshotRejectsBadState(t *testing.T) {
	base := startedSession(t, makeCombatant("a", 10, 10)).Snapshot()

	tests := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"missing id", func(s *Snapshot) { s.ID = "" }},
		{"turn order references unknown", func(s *Snapshot) { s.TurnOrder = []string{"ghost"} }},
		{"turn index out of range", func(s *Snapshot) { s.CurrentTurn = 5 }},
		{"duplicate participants", func(s *Snapshot) {
			s.Participants = append(s.Participants, s.Participants[0])
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			snap := *base
			snap.TurnOrder = append([]string(nil), base.TurnOrder...)
			snap.Participants = append([]*Participant(nil), base.Participants...)
			tc.mutate(&snap)
			if _, err := FromSnapshot(&snap); err == nil {
				t.Fatal("expected restore to fail")
			}
		})
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	s := NewSession("enc-1", "dm-1")
	if _, err := s.AddParticipant(makeCombatant("a", 10, 10)); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	snap.Participants[0].HP = 1
	snap.TurnOrder = append(snap.TurnOrder, "ghost")

	p, err := s.Participant("a")
	if err != nil {
		t.Fatal(err)
	}
	if p.HP == 1 {
		t.Error("mutating the snapshot reached the live session")
	}
	if len(s.TurnOrder) != 0 {
		t.Error("snapshot shares the turn order slice with the session")
	}
}
