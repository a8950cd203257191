package encounter

import (
	"fmt"
	"sort"
)

// sortTurnOrder computes turn order from the given participants: initiative
// descending, then dexterity descending, then insertion order. The sort is
// deterministic, so re-running it on unchanged participants yields the same
// order.
func sortTurnOrder(participants []*Participant) []string {
	sorted := append([]*Participant(nil), participants...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Initiative != b.Initiative {
			return a.Initiative > b.Initiative
		}
		if a.Abilities.Dexterity != b.Abilities.Dexterity {
			return a.Abilities.Dexterity > b.Abilities.Dexterity
		}
		return a.Seq < b.Seq
	})

	order := make([]string, len(sorted))
	for i, p := range sorted {
		order[i] = p.ID
	}
	return order
}

// validateTurnOrder checks that order is exactly a permutation of the
// participant ids. Returns an invalid_turn_order error naming the first
// problem found.
func validateTurnOrder(order []string, participants map[string]*Participant) *Error {
	if len(order) != len(participants) {
		return newError(CodeInvalidTurnOrder,
			fmt.Sprintf("turn order has %d entries, encounter has %d participants", len(order), len(participants)))
	}

	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if _, ok := participants[id]; !ok {
			return newError(CodeInvalidTurnOrder, fmt.Sprintf("unknown participant id %q", id))
		}
		if seen[id] {
			return newError(CodeInvalidTurnOrder, fmt.Sprintf("duplicate participant id %q", id))
		}
		seen[id] = true
	}

	return nil
}
