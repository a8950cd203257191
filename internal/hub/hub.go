// Package hub synchronizes encounter sessions across websocket clients.
// Commands for the same encounter run under that encounter's mutex, so
// every subscriber observes the same event order; commands for different
// encounters run in parallel. Persistence happens on a background worker
// and never holds a session lock.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmforge/encounterd/internal/config"
	"github.com/dmforge/encounterd/internal/encounter"
	"github.com/dmforge/encounterd/internal/logger"
	"github.com/dmforge/encounterd/internal/roster"
	"github.com/dmforge/encounterd/internal/stats"
	"github.com/dmforge/encounterd/internal/store"
)

// Gateway persists encounter snapshots.
type Gateway interface {
	LoadSnapshot(id string) (*encounter.Snapshot, error)
	SaveSnapshot(snap *encounter.Snapshot) error
}

// AccessControl decides whether a caller may mutate an encounter.
type AccessControl interface {
	CanMutate(callerID, encounterID string) bool
}

// IdentityProvider resolves API tokens to caller ids.
type IdentityProvider interface {
	Authenticate(token string) (callerID string, err error)
}

// sessionEntry pairs a hot session with the mutex that linearizes its
// commands.
type sessionEntry struct {
	mu   sync.Mutex
	sess *encounter.Session
}

// Hub owns the hot-session cache, the subscriber rooms, and the save queue.
type Hub struct {
	cfg      config.SessionConfig
	gateway  Gateway
	access   AccessControl
	identity IdentityProvider
	roster   *roster.Config

	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	callersMu sync.RWMutex
	callers   map[Client]string

	subs   *subscriptions
	saveCh chan *encounter.Snapshot
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewHub creates a hub over the given collaborators. The roster may be nil
// when no roster file is configured.
func NewHub(cfg config.SessionConfig, gateway Gateway, identity IdentityProvider, rosterCfg *roster.Config) *Hub {
	queueSize := cfg.SaveQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		cfg:      cfg,
		gateway:  gateway,
		identity: identity,
		roster:   rosterCfg,
		sessions: make(map[string]*sessionEntry),
		callers:  make(map[Client]string),
		subs:     newSubscriptions(),
		saveCh:   make(chan *encounter.Snapshot, queueSize),
		done:     make(chan struct{}),
	}
}

// SetAccessControl wires the access policy. Done after construction because
// the default policy needs the hub's own owner lookup.
func (h *Hub) SetAccessControl(access AccessControl) {
	h.access = access
}

// Owner reports the owner of an encounter, consulting the hot cache first
// and the gateway second.
func (h *Hub) Owner(encounterID string) (string, bool) {
	h.mu.RLock()
	entry, ok := h.sessions[encounterID]
	h.mu.RUnlock()
	if ok {
		return entry.sess.OwnerID, true
	}

	snap, err := h.gateway.LoadSnapshot(encounterID)
	if err != nil {
		return "", false
	}
	return snap.OwnerID, true
}

// Start launches the persistence worker and the autosave ticker.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.runSaver()
}

// Stop drains the hub: the worker exits and every hot session is saved
// synchronously.
func (h *Hub) Stop() {
	close(h.done)
	h.wg.Wait()
	h.saveAll()
	logger.Info("Hub stopped, all encounters saved")
}

// Authenticate resolves the token in the auth frame.
func (h *Hub) Authenticate(token string) (string, error) {
	return h.identity.Authenticate(token)
}

// Register associates a connected client with its caller id.
func (h *Hub) Register(c Client, callerID string) {
	h.callersMu.Lock()
	h.callers[c] = callerID
	h.callersMu.Unlock()
}

// Disconnect removes the client from every room and the caller registry.
func (h *Hub) Disconnect(c Client) {
	h.subs.drop(c)
	h.callersMu.Lock()
	delete(h.callers, c)
	h.callersMu.Unlock()
}

func (h *Hub) callerOf(c Client) string {
	h.callersMu.RLock()
	defer h.callersMu.RUnlock()
	return h.callers[c]
}

// Dispatch routes one command frame from an authenticated client. Errors
// are unicast to the sender; successful mutations broadcast to the room.
func (h *Hub) Dispatch(c Client, callerID string, cmd *Command) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in command handler",
				"command", cmd.Type,
				"caller_id", callerID,
				"panic", fmt.Sprint(r))
			h.sendError(c, encounter.NewError(encounter.CodeInternal, "internal error"))
		}
	}()

	switch cmd.Type {
	case CmdCreateEncounter:
		h.handleCreate(c, callerID, cmd.Payload)
	case CmdJoinEncounter:
		h.handleJoin(c, callerID, cmd.Payload)
	case CmdLeaveEncounter:
		h.handleLeave(c, callerID, cmd.Payload)
	case CmdChatMessage:
		h.handleChat(c, callerID, cmd.Payload)
	case CmdDiceRoll:
		h.handleDiceRoll(c, callerID, cmd.Payload)
	default:
		h.dispatchMutation(c, callerID, cmd)
	}
}

// dispatchMutation handles every command that changes encounter state.
func (h *Hub) dispatchMutation(c Client, callerID string, cmd *Command) {
	switch cmd.Type {
	case CmdStartEncounter:
		h.lifecycle(c, callerID, cmd.Payload, EventEncounterStarted, func(s *encounter.Session) error {
			return s.Start(time.Now().UTC())
		})
	case CmdPauseEncounter:
		h.lifecycle(c, callerID, cmd.Payload, EventEncounterPaused, func(s *encounter.Session) error {
			return s.Pause()
		})
	case CmdResumeEncounter:
		h.lifecycle(c, callerID, cmd.Payload, EventEncounterResumed, func(s *encounter.Session) error {
			return s.Resume()
		})
	case CmdCompleteEncounter:
		h.lifecycle(c, callerID, cmd.Payload, EventEncounterCompleted, func(s *encounter.Session) error {
			return s.Complete(time.Now().UTC())
		})
	case CmdTurnNext:
		h.lifecycle(c, callerID, cmd.Payload, EventTurnAdvanced, func(s *encounter.Session) error {
			return s.NextTurn()
		})
	case CmdTurnPrevious:
		h.lifecycle(c, callerID, cmd.Payload, EventTurnRewound, func(s *encounter.Session) error {
			return s.PreviousTurn()
		})
	case CmdSetTurnOrder:
		h.handleSetTurnOrder(c, callerID, cmd.Payload)
	case CmdEnvironmentUpdate:
		h.handleEnvironmentUpdate(c, callerID, cmd.Payload)
	case CmdParticipantAdd:
		h.handleParticipantAdd(c, callerID, cmd.Payload)
	case CmdParticipantRemove:
		h.handleParticipantRemove(c, callerID, cmd.Payload)
	case CmdParticipantUpdate:
		h.handleParticipantUpdate(c, callerID, cmd.Payload)
	case CmdInitiativeUpdate:
		h.handleInitiativeUpdate(c, callerID, cmd.Payload)
	case CmdHealthUpdate:
		h.handleHealthUpdate(c, callerID, cmd.Payload)
	case CmdApplyDamage:
		h.handleAmount(c, callerID, cmd.Payload, func(s *encounter.Session, id string, amount int) (*encounter.Participant, error) {
			return s.ApplyDamage(id, amount)
		})
	case CmdApplyHealing:
		h.handleAmount(c, callerID, cmd.Payload, func(s *encounter.Session, id string, amount int) (*encounter.Participant, error) {
			return s.ApplyHealing(id, amount)
		})
	case CmdConditionUpdate:
		h.handleConditionSet(c, callerID, cmd.Payload)
	case CmdConditionAdd:
		h.handleCondition(c, callerID, cmd.Payload, func(s *encounter.Session, id, cond string) (*encounter.Participant, error) {
			return s.AddCondition(id, cond)
		})
	case CmdConditionRemove:
		h.handleCondition(c, callerID, cmd.Payload, func(s *encounter.Session, id, cond string) (*encounter.Participant, error) {
			return s.RemoveCondition(id, cond)
		})
	case CmdConcentrationUpdate:
		h.handleConcentration(c, callerID, cmd.Payload)
	case CmdLegendaryAction:
		h.handleLegendaryAction(c, callerID, cmd.Payload)
	case CmdLegendaryResistance:
		h.handleLegendaryResistance(c, callerID, cmd.Payload)
	default:
		h.sendError(c, encounter.NewError(encounter.CodeValidation,
			fmt.Sprintf("unknown command %q", cmd.Type)))
	}
}

// session returns the hot entry for the encounter, loading it from the
// gateway on first touch. The gateway read happens outside h.mu so a slow
// cold load never stalls commands for encounters that are already hot; if
// two goroutines race the load, the loser's snapshot is discarded.
func (h *Hub) session(encounterID string) (*sessionEntry, error) {
	h.mu.RLock()
	entry, ok := h.sessions[encounterID]
	h.mu.RUnlock()
	if ok {
		return entry, nil
	}

	snap, err := h.gateway.LoadSnapshot(encounterID)
	if errors.Is(err, store.ErrSnapshotNotFound) {
		return nil, encounter.NewError(encounter.CodeNotFound,
			fmt.Sprintf("encounter %q not found", encounterID))
	}
	if err != nil {
		logger.Error("Failed to load encounter", "encounter_id", encounterID, "error", err)
		return nil, encounter.NewError(encounter.CodeInternal, "failed to load encounter")
	}

	sess, err := encounter.FromSnapshot(snap)
	if err != nil {
		logger.Error("Stored encounter is corrupt", "encounter_id", encounterID, "error", err)
		return nil, encounter.NewError(encounter.CodeInternal, "stored encounter is corrupt")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.sessions[encounterID]; ok {
		return existing, nil
	}
	entry = &sessionEntry{sess: sess}
	h.sessions[encounterID] = entry
	return entry, nil
}

// mutate runs fn under the encounter's mutex after the access check, then
// broadcasts the event fn produced and queues an asynchronous save. The
// unauthorized message is uniform so callers cannot probe encounter ids.
func (h *Hub) mutate(c Client, callerID, encounterID string, fn func(s *encounter.Session) (*Event, error)) {
	if encounterID == "" {
		h.sendError(c, encounter.NewError(encounter.CodeValidation, "encounterId is required"))
		return
	}
	if !h.access.CanMutate(callerID, encounterID) {
		h.sendError(c, encounter.NewError(encounter.CodeUnauthorized, "not allowed"))
		return
	}

	entry, err := h.session(encounterID)
	if err != nil {
		h.sendError(c, err)
		return
	}

	entry.mu.Lock()
	event, err := fn(entry.sess)
	if err != nil {
		entry.mu.Unlock()
		h.sendError(c, err)
		return
	}
	snap := entry.sess.Snapshot()
	h.broadcast(encounterID, event)
	entry.mu.Unlock()

	h.enqueueSave(snap)
}

// lifecycle covers commands whose event body is just the clock diff.
func (h *Hub) lifecycle(c Client, callerID string, payload json.RawMessage, eventType string, op func(*encounter.Session) error) {
	var ref EncounterRef
	if err := decode(payload, &ref); err != nil {
		h.sendError(c, err)
		return
	}
	h.mutate(c, callerID, ref.EncounterID, func(s *encounter.Session) (*Event, error) {
		if err := op(s); err != nil {
			return nil, err
		}
		return &Event{Type: eventType, Payload: h.mutation(s, callerID)}, nil
	})
}

func (h *Hub) handleCreate(c Client, callerID string, payload json.RawMessage) {
	var p CreateEncounterPayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}

	encounterID := p.EncounterID
	if encounterID == "" {
		encounterID = uuid.NewString()
	}

	// Duplicate check and party build run before taking h.mu; the gateway
	// read in particular must not hold up dispatch for hot encounters.
	h.mu.RLock()
	_, exists := h.sessions[encounterID]
	h.mu.RUnlock()
	if exists {
		h.sendError(c, encounter.NewError(encounter.CodeValidation,
			fmt.Sprintf("encounter %q already exists", encounterID)))
		return
	}
	if _, err := h.gateway.LoadSnapshot(encounterID); err == nil {
		h.sendError(c, encounter.NewError(encounter.CodeValidation,
			fmt.Sprintf("encounter %q already exists", encounterID)))
		return
	}

	sess := encounter.NewSession(encounterID, callerID)
	if p.Party != "" {
		if h.roster == nil {
			h.sendError(c, encounter.NewError(encounter.CodeValidation, "no roster file is configured"))
			return
		}
		party, err := h.roster.Party(p.Party)
		if err != nil {
			h.sendError(c, encounter.NewError(encounter.CodeValidation, err.Error()))
			return
		}
		for _, member := range party {
			if _, err := sess.AddParticipant(member); err != nil {
				h.sendError(c, err)
				return
			}
		}
	}
	snap := sess.Snapshot()

	h.mu.Lock()
	if _, exists := h.sessions[encounterID]; exists {
		h.mu.Unlock()
		h.sendError(c, encounter.NewError(encounter.CodeValidation,
			fmt.Sprintf("encounter %q already exists", encounterID)))
		return
	}
	h.sessions[encounterID] = &sessionEntry{sess: sess}
	h.mu.Unlock()

	h.subs.subscribe(encounterID, c)
	h.enqueueSave(snap)

	logger.Info("Encounter created",
		"encounter_id", encounterID,
		"owner_id", callerID,
		"participants", len(snap.Participants))

	c.Send(&Event{Type: EventEncounterCreated, Payload: h.stateOf(snap)})
}

func (h *Hub) handleJoin(c Client, callerID string, payload json.RawMessage) {
	var ref EncounterRef
	if err := decode(payload, &ref); err != nil {
		h.sendError(c, err)
		return
	}
	if ref.EncounterID == "" {
		h.sendError(c, encounter.NewError(encounter.CodeValidation, "encounterId is required"))
		return
	}

	entry, err := h.session(ref.EncounterID)
	if err != nil {
		h.sendError(c, err)
		return
	}

	entry.mu.Lock()
	snap := entry.sess.Snapshot()
	h.subs.subscribe(ref.EncounterID, c)
	entry.mu.Unlock()

	logger.Info("Client joined encounter",
		"encounter_id", ref.EncounterID,
		"caller_id", callerID,
		"subscribers", h.subs.count(ref.EncounterID))

	c.Send(&Event{Type: EventEncounterJoined, Payload: h.stateOf(snap)})
}

func (h *Hub) handleLeave(c Client, callerID string, payload json.RawMessage) {
	var ref EncounterRef
	if err := decode(payload, &ref); err != nil {
		h.sendError(c, err)
		return
	}

	h.subs.unsubscribe(ref.EncounterID, c)
	c.Send(&Event{Type: EventEncounterLeft, Payload: EncounterRef{EncounterID: ref.EncounterID}})
}

func (h *Hub) handleSetTurnOrder(c Client, callerID string, payload json.RawMessage) {
	var p SetTurnOrderPayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}
	h.mutate(c, callerID, p.EncounterID, func(s *encounter.Session) (*Event, error) {
		if err := s.SetTurnOrder(p.Order); err != nil {
			return nil, err
		}
		return &Event{Type: EventOrderChanged, Payload: h.mutation(s, callerID)}, nil
	})
}

func (h *Hub) handleParticipantAdd(c Client, callerID string, payload json.RawMessage) {
	var p ParticipantAddPayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}

	combatant := p.Participant
	if combatant == nil && p.RosterKey != "" {
		if h.roster == nil {
			h.sendError(c, encounter.NewError(encounter.CodeValidation, "no roster file is configured"))
			return
		}
		built, err := h.roster.Participant(p.RosterKey)
		if err != nil {
			h.sendError(c, encounter.NewError(encounter.CodeValidation, err.Error()))
			return
		}
		combatant = built
	}
	if combatant == nil {
		h.sendError(c, encounter.NewError(encounter.CodeValidation, "participant or rosterKey is required"))
		return
	}
	if combatant.ID == "" {
		combatant.ID = uuid.NewString()
	}

	h.mutate(c, callerID, p.EncounterID, func(s *encounter.Session) (*Event, error) {
		added, err := s.AddParticipant(combatant)
		if err != nil {
			return nil, err
		}
		body := h.mutation(s, callerID)
		body.Participant = added
		return &Event{Type: EventParticipantAdded, Payload: body}, nil
	})
}

func (h *Hub) handleParticipantRemove(c Client, callerID string, payload json.RawMessage) {
	var p ParticipantRefPayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}
	h.mutate(c, callerID, p.EncounterID, func(s *encounter.Session) (*Event, error) {
		if err := s.RemoveParticipant(p.ParticipantID); err != nil {
			return nil, err
		}
		body := h.mutation(s, callerID)
		body.ParticipantID = p.ParticipantID
		return &Event{Type: EventParticipantRemoved, Payload: body}, nil
	})
}

func (h *Hub) handleParticipantUpdate(c Client, callerID string, payload json.RawMessage) {
	var p ParticipantUpdatePayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}
	h.participantEvent(c, callerID, p.EncounterID, func(s *encounter.Session) (*encounter.Participant, error) {
		return s.UpdateParticipant(p.ParticipantID, p.Update)
	})
}

func (h *Hub) handleInitiativeUpdate(c Client, callerID string, payload json.RawMessage) {
	var p InitiativeUpdatePayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}
	h.participantEvent(c, callerID, p.EncounterID, func(s *encounter.Session) (*encounter.Participant, error) {
		if p.Roll {
			return s.RollInitiative(p.ParticipantID)
		}
		return s.SetInitiative(p.ParticipantID, p.Initiative)
	})
}

func (h *Hub) handleEnvironmentUpdate(c Client, callerID string, payload json.RawMessage) {
	var p EnvironmentUpdatePayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}
	h.mutate(c, callerID, p.EncounterID, func(s *encounter.Session) (*Event, error) {
		if err := s.SetEnvironment(p.Environment); err != nil {
			return nil, err
		}
		body := h.mutation(s, callerID)
		body.Environment = s.Environment
		return &Event{Type: EventEnvironmentChanged, Payload: body}, nil
	})
}

func (h *Hub) handleHealthUpdate(c Client, callerID string, payload json.RawMessage) {
	var p HealthUpdatePayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}
	h.participantEvent(c, callerID, p.EncounterID, func(s *encounter.Session) (*encounter.Participant, error) {
		return s.SetHitPoints(p.ParticipantID, p.HP, p.MaxHP)
	})
}

func (h *Hub) handleAmount(c Client, callerID string, payload json.RawMessage, op func(*encounter.Session, string, int) (*encounter.Participant, error)) {
	var p AmountPayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}
	h.participantEvent(c, callerID, p.EncounterID, func(s *encounter.Session) (*encounter.Participant, error) {
		return op(s, p.ParticipantID, p.Amount)
	})
}

func (h *Hub) handleConditionSet(c Client, callerID string, payload json.RawMessage) {
	var p ConditionSetPayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}
	h.participantEvent(c, callerID, p.EncounterID, func(s *encounter.Session) (*encounter.Participant, error) {
		return s.SetConditions(p.ParticipantID, p.Conditions)
	})
}

func (h *Hub) handleCondition(c Client, callerID string, payload json.RawMessage, op func(*encounter.Session, string, string) (*encounter.Participant, error)) {
	var p ConditionPayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}
	h.participantEvent(c, callerID, p.EncounterID, func(s *encounter.Session) (*encounter.Participant, error) {
		return op(s, p.ParticipantID, p.Condition)
	})
}

func (h *Hub) handleConcentration(c Client, callerID string, payload json.RawMessage) {
	var p ConcentrationPayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}
	h.participantEvent(c, callerID, p.EncounterID, func(s *encounter.Session) (*encounter.Participant, error) {
		if p.Spell == "" {
			return s.ClearConcentration(p.ParticipantID)
		}
		return s.SetConcentration(p.ParticipantID, p.Spell, p.DC)
	})
}

func (h *Hub) handleLegendaryAction(c Client, callerID string, payload json.RawMessage) {
	var p LegendaryActionPayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}
	cost := p.Cost
	if cost == 0 {
		cost = 1
	}
	h.participantEvent(c, callerID, p.EncounterID, func(s *encounter.Session) (*encounter.Participant, error) {
		return s.SpendLegendaryAction(p.ParticipantID, cost)
	})
}

func (h *Hub) handleLegendaryResistance(c Client, callerID string, payload json.RawMessage) {
	var p ParticipantRefPayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}
	h.participantEvent(c, callerID, p.EncounterID, func(s *encounter.Session) (*encounter.Participant, error) {
		return s.UseLegendaryResistance(p.ParticipantID)
	})
}

// participantEvent wraps the overwhelmingly common case: run an op that
// returns the changed combatant, broadcast it as participant:updated.
func (h *Hub) participantEvent(c Client, callerID, encounterID string, op func(*encounter.Session) (*encounter.Participant, error)) {
	h.mutate(c, callerID, encounterID, func(s *encounter.Session) (*Event, error) {
		changed, err := op(s)
		if err != nil {
			return nil, err
		}
		body := h.mutation(s, callerID)
		body.Participant = changed
		return &Event{Type: EventParticipantUpdated, Payload: body}, nil
	})
}

func (h *Hub) handleChat(c Client, callerID string, payload json.RawMessage) {
	var p ChatMessagePayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}
	if p.EncounterID == "" || p.Text == "" {
		h.sendError(c, encounter.NewError(encounter.CodeValidation, "encounterId and text are required"))
		return
	}
	visibility := p.Visibility
	if visibility == "" {
		visibility = ChatPublic
	}
	if visibility != ChatPublic && visibility != ChatDMOnly && visibility != ChatSystem {
		h.sendError(c, encounter.NewError(encounter.CodeValidation,
			fmt.Sprintf("unknown visibility %q", visibility)))
		return
	}
	// Only joined clients may post into a room. The message matches the
	// mutation denial so callers cannot probe encounter ids.
	if !h.subs.isMember(p.EncounterID, c) {
		h.sendError(c, encounter.NewError(encounter.CodeUnauthorized, "not allowed"))
		return
	}

	logger.Audit("Chat message",
		"encounter_id", p.EncounterID,
		"caller_id", callerID,
		"visibility", visibility,
		"text", p.Text)

	event := &Event{Type: EventChatMessage, Payload: ChatEventPayload{
		EncounterID: p.EncounterID,
		ActorID:     callerID,
		Text:        p.Text,
		Visibility:  visibility,
	}}

	if visibility == ChatDMOnly {
		owner, _ := h.Owner(p.EncounterID)
		h.broadcastFiltered(p.EncounterID, event, func(member Client) bool {
			memberID := h.callerOf(member)
			return member == c || memberID == owner
		})
		return
	}
	h.broadcast(p.EncounterID, event)
}

func (h *Hub) handleDiceRoll(c Client, callerID string, payload json.RawMessage) {
	var p DiceRollPayload
	if err := decode(payload, &p); err != nil {
		h.sendError(c, err)
		return
	}

	// Broadcasting a roll into a room requires having joined it first.
	if p.EncounterID != "" && !p.Private && !h.subs.isMember(p.EncounterID, c) {
		h.sendError(c, encounter.NewError(encounter.CodeUnauthorized, "not allowed"))
		return
	}

	result, err := stats.RollNotation(p.Notation)
	if err != nil {
		h.sendError(c, encounter.NewError(encounter.CodeValidation, err.Error()))
		return
	}

	event := &Event{Type: EventDiceRolled, Payload: DiceEventPayload{
		EncounterID: p.EncounterID,
		ActorID:     callerID,
		Result:      result,
		Private:     p.Private,
	}}

	if p.Private || p.EncounterID == "" {
		c.Send(event)
		return
	}
	h.broadcast(p.EncounterID, event)
}

// mutation builds the common event body from the session's current state.
// Called under the session mutex.
func (h *Hub) mutation(s *encounter.Session, actorID string) *MutationPayload {
	return &MutationPayload{
		EncounterID:  s.ID,
		ActorID:      actorID,
		Status:       s.Status,
		CurrentRound: s.CurrentRound,
		CurrentTurn:  s.CurrentTurn,
		TurnOrder:    append([]string(nil), s.TurnOrder...),
	}
}

func (h *Hub) stateOf(snap *encounter.Snapshot) *EncounterState {
	return &EncounterState{
		EncounterID:  snap.ID,
		OwnerID:      snap.OwnerID,
		Status:       snap.Status,
		CurrentRound: snap.CurrentRound,
		CurrentTurn:  snap.CurrentTurn,
		TurnOrder:    snap.TurnOrder,
		Participants: snap.Participants,
		Environment:  snap.Environment,
	}
}

// broadcast sends the event to every subscriber, the actor included.
func (h *Hub) broadcast(encounterID string, event *Event) {
	h.broadcastFiltered(encounterID, event, nil)
}

func (h *Hub) broadcastFiltered(encounterID string, event *Event, include func(Client) bool) {
	for _, member := range h.subs.members(encounterID) {
		if include != nil && !include(member) {
			continue
		}
		if err := member.Send(event); err != nil {
			logger.Warning("Failed to send event",
				"encounter_id", encounterID,
				"event", event.Type,
				"remote_addr", member.RemoteAddr(),
				"error", err)
		}
	}
}

func (h *Hub) sendError(c Client, err error) {
	typed := encounter.AsError(err)
	c.Send(&Event{Type: EventError, Payload: ErrorPayload{Code: typed.Code, Message: typed.Message}})
}

// enqueueSave hands the snapshot to the persistence worker without ever
// blocking the caller. A full queue drops the save and logs; the autosave
// pass will pick the encounter up again.
func (h *Hub) enqueueSave(snap *encounter.Snapshot) {
	select {
	case h.saveCh <- snap:
	default:
		logger.Warning("Save queue full, dropping snapshot", "encounter_id", snap.ID)
	}
}

func (h *Hub) runSaver() {
	defer h.wg.Done()

	interval := time.Duration(h.cfg.AutoSaveIntervalMinutes) * time.Minute
	if interval <= 0 {
		// Autosave disabled; keep a ticker anyway so the select stays simple.
		interval = time.Hour * 24 * 365
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case snap := <-h.saveCh:
			h.save(snap)
		case <-ticker.C:
			if h.cfg.AutoSaveIntervalMinutes > 0 {
				h.saveAll()
			}
		case <-h.done:
			// Drain anything already queued before exiting.
			for {
				select {
				case snap := <-h.saveCh:
					h.save(snap)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) save(snap *encounter.Snapshot) {
	if err := h.gateway.SaveSnapshot(snap); err != nil {
		logger.Error("Failed to save encounter", "encounter_id", snap.ID, "error", err)
	}
}

// saveAll snapshots every hot session. Used by the autosave pass and
// shutdown.
func (h *Hub) saveAll() {
	h.mu.RLock()
	entries := make(map[string]*sessionEntry, len(h.sessions))
	for id, entry := range h.sessions {
		entries[id] = entry
	}
	h.mu.RUnlock()

	for _, entry := range entries {
		entry.mu.Lock()
		snap := entry.sess.Snapshot()
		entry.mu.Unlock()
		h.save(snap)
	}
}

// decode unmarshals a command payload, mapping failures to validation_error.
func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return encounter.NewError(encounter.CodeValidation, "malformed payload: "+err.Error())
	}
	return nil
}
