package hub

import "sync"

// subscriptions maps encounter ids to the clients watching them. Its own
// lock keeps subscribe/unsubscribe safe against concurrent broadcasts.
type subscriptions struct {
	mu    sync.RWMutex
	rooms map[string]map[Client]bool
}

func newSubscriptions() *subscriptions {
	return &subscriptions{rooms: make(map[string]map[Client]bool)}
}

func (s *subscriptions) subscribe(encounterID string, c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[encounterID]
	if !ok {
		room = make(map[Client]bool)
		s.rooms[encounterID] = room
	}
	room[c] = true
}

func (s *subscriptions) unsubscribe(encounterID string, c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room, ok := s.rooms[encounterID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(s.rooms, encounterID)
		}
	}
}

// drop removes the client from every room it watches, for disconnects.
func (s *subscriptions) drop(c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, room := range s.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(s.rooms, id)
		}
	}
}

// members returns a copied slice of the room's clients so broadcast never
// iterates the live map.
func (s *subscriptions) members(encounterID string) []Client {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[encounterID]
	if !ok {
		return nil
	}
	members := make([]Client, 0, len(room))
	for c := range room {
		members = append(members, c)
	}
	return members
}

// isMember reports whether the client currently watches the encounter.
func (s *subscriptions) isMember(encounterID string, c Client) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[encounterID]
	return ok && room[c]
}

func (s *subscriptions) count(encounterID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[encounterID])
}
