package hub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dmforge/encounterd/internal/auth"
	"github.com/dmforge/encounterd/internal/config"
	"github.com/dmforge/encounterd/internal/encounter"
	"github.com/dmforge/encounterd/internal/store"
)

// memoryGateway is an in-memory Gateway for hub tests.
type memoryGateway struct {
	mu    sync.Mutex
	snaps map[string]*encounter.Snapshot
	saves int
}

func newMemoryGateway() *memoryGateway {
	return &memoryGateway{snaps: make(map[string]*encounter.Snapshot)}
}

func (g *memoryGateway) LoadSnapshot(id string) (*encounter.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap, ok := g.snaps[id]
	if !ok {
		return nil, store.ErrSnapshotNotFound
	}
	return snap, nil
}

func (g *memoryGateway) SaveSnapshot(snap *encounter.Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snaps[snap.ID] = snap
	g.saves++
	return nil
}

func (g *memoryGateway) saveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.saves
}

// fakeClient records everything the hub sends it.
type fakeClient struct {
	mu     sync.Mutex
	events []*Event
}

func (c *fakeClient) Send(event *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *fakeClient) Close() error      { return nil }
func (c *fakeClient) RemoteAddr() string { return "test" }

func (c *fakeClient) lastEvent(t *testing.T) *Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		t.Fatal("client received no events")
	}
	return c.events[len(c.events)-1]
}

func (c *fakeClient) lastError(t *testing.T) ErrorPayload {
	t.Helper()
	last := c.lastEvent(t)
	if last.Type != EventError {
		t.Fatalf("last event = %q, want error", last.Type)
	}
	p, ok := last.Payload.(ErrorPayload)
	if !ok {
		t.Fatalf("error payload has type %T", last.Payload)
	}
	return p
}

func (c *fakeClient) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestHub(t *testing.T) (*Hub, *memoryGateway) {
	t.Helper()

	reg, err := testRegistry()
	if err != nil {
		t.Fatal(err)
	}
	gateway := newMemoryGateway()
	h := NewHub(config.SessionConfig{SaveQueueSize: 64}, gateway, reg, nil)
	h.SetAccessControl(auth.NewOwnerPolicy(h.Owner, reg))
	return h, gateway
}

func testRegistry() (*auth.Registry, error) {
	reg, err := auth.LoadRegistry("does-not-exist.yaml")
	if err != nil {
		return nil, err
	}
	if err := reg.Add("dm-alice", auth.RoleGamemaster, "secret"); err != nil {
		return nil, err
	}
	if err := reg.Add("dm-bob", auth.RoleGamemaster, "secret"); err != nil {
		return nil, err
	}
	if err := reg.Add("root", auth.RoleAdmin, "secret"); err != nil {
		return nil, err
	}
	return reg, nil
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// createEncounter drives the create command and returns the encounter id.
func createEncounter(t *testing.T, h *Hub, c Client, callerID string) string {
	t.Helper()
	h.Dispatch(c, callerID, &Command{
		Type:    CmdCreateEncounter,
		Payload: payload(t, CreateEncounterPayload{}),
	})
	fc := c.(*fakeClient)
	last := fc.lastEvent(t)
	if last.Type != EventEncounterCreated {
		t.Fatalf("create produced %q, want %q", last.Type, EventEncounterCreated)
	}
	state, ok := last.Payload.(*EncounterState)
	if !ok {
		t.Fatalf("created payload has type %T", last.Payload)
	}
	return state.EncounterID
}

func addFighter(t *testing.T, h *Hub, c Client, callerID, encounterID, name string, initiative int) string {
	t.Helper()
	h.Dispatch(c, callerID, &Command{
		Type: CmdParticipantAdd,
		Payload: payload(t, ParticipantAddPayload{
			EncounterRef: EncounterRef{EncounterID: encounterID},
			Participant: &encounter.Participant{
				Name:       name,
				Kind:       encounter.KindCreature,
				Initiative: initiative,
				HP:         20,
				MaxHP:      20,
			},
		}),
	})
	last := c.(*fakeClient).lastEvent(t)
	if last.Type != EventParticipantAdded {
		t.Fatalf("participant_add produced %q", last.Type)
	}
	return last.Payload.(*MutationPayload).Participant.ID
}

func TestCreateJoinStartFlow(t *testing.T) {
	h, _ := newTestHub(t)
	owner := &fakeClient{}
	watcher := &fakeClient{}
	h.Register(owner, "dm-alice")
	h.Register(watcher, "dm-bob")

	encID := createEncounter(t, h, owner, "dm-alice")
	addFighter(t, h, owner, "dm-alice", encID, "Wizard", 18)
	addFighter(t, h, owner, "dm-alice", encID, "Troll", 12)

	h.Dispatch(watcher, "dm-bob", &Command{
		Type:    CmdJoinEncounter,
		Payload: payload(t, EncounterRef{EncounterID: encID}),
	})
	joined := watcher.lastEvent(t)
	if joined.Type != EventEncounterJoined {
		t.Fatalf("join produced %q", joined.Type)
	}
	state := joined.Payload.(*EncounterState)
	if len(state.Participants) != 2 {
		t.Errorf("joiner saw %d participants, want 2", len(state.Participants))
	}

	h.Dispatch(owner, "dm-alice", &Command{
		Type:    CmdStartEncounter,
		Payload: payload(t, EncounterRef{EncounterID: encID}),
	})

	started := watcher.lastEvent(t)
	if started.Type != EventEncounterStarted {
		t.Fatalf("watcher did not get the start broadcast, got %q", started.Type)
	}
	body := started.Payload.(*MutationPayload)
	if body.CurrentRound != 1 || body.CurrentTurn != 0 {
		t.Errorf("start clock = (%d, %d), want (1, 0)", body.CurrentRound, body.CurrentTurn)
	}
	if body.ActorID != "dm-alice" {
		t.Errorf("actorId = %q, want dm-alice", body.ActorID)
	}
	if len(body.TurnOrder) != 2 {
		t.Errorf("turn order has %d entries, want 2", len(body.TurnOrder))
	}

	// The actor receives its own broadcast too.
	if ownLast := owner.lastEvent(t); ownLast.Type != EventEncounterStarted {
		t.Errorf("owner's last event = %q, want the start broadcast", ownLast.Type)
	}
}

func TestTurnAdvanceBroadcast(t *testing.T) {
	h, _ := newTestHub(t)
	owner := &fakeClient{}
	h.Register(owner, "dm-alice")

	encID := createEncounter(t, h, owner, "dm-alice")
	addFighter(t, h, owner, "dm-alice", encID, "A", 18)
	addFighter(t, h, owner, "dm-alice", encID, "B", 12)
	h.Dispatch(owner, "dm-alice", &Command{Type: CmdStartEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})

	h.Dispatch(owner, "dm-alice", &Command{Type: CmdTurnNext, Payload: payload(t, EncounterRef{EncounterID: encID})})
	adv := owner.lastEvent(t)
	if adv.Type != EventTurnAdvanced {
		t.Fatalf("turn_next produced %q", adv.Type)
	}
	body := adv.Payload.(*MutationPayload)
	if body.CurrentRound != 1 || body.CurrentTurn != 1 {
		t.Errorf("clock = (%d, %d), want (1, 1)", body.CurrentRound, body.CurrentTurn)
	}

	// Wrap to the next round.
	h.Dispatch(owner, "dm-alice", &Command{Type: CmdTurnNext, Payload: payload(t, EncounterRef{EncounterID: encID})})
	body = owner.lastEvent(t).Payload.(*MutationPayload)
	if body.CurrentRound != 2 || body.CurrentTurn != 0 {
		t.Errorf("wrapped clock = (%d, %d), want (2, 0)", body.CurrentRound, body.CurrentTurn)
	}
}

func TestUnauthorizedMutation(t *testing.T) {
	h, _ := newTestHub(t)
	owner := &fakeClient{}
	stranger := &fakeClient{}
	h.Register(owner, "dm-alice")
	h.Register(stranger, "dm-bob")

	encID := createEncounter(t, h, owner, "dm-alice")
	fighterID := addFighter(t, h, owner, "dm-alice", encID, "Wizard", 18)

	ownerEvents := owner.eventCount()

	h.Dispatch(stranger, "dm-bob", &Command{
		Type: CmdApplyDamage,
		Payload: payload(t, AmountPayload{
			EncounterRef:  EncounterRef{EncounterID: encID},
			ParticipantID: fighterID,
			Amount:        5,
		}),
	})

	errPayload := stranger.lastError(t)
	if errPayload.Code != encounter.CodeUnauthorized {
		t.Errorf("code = %q, want unauthorized", errPayload.Code)
	}
	if owner.eventCount() != ownerEvents {
		t.Error("unauthorized command leaked a broadcast to the room")
	}

	// State unchanged: the fighter still has full hit points.
	h.Dispatch(owner, "dm-alice", &Command{
		Type:    CmdJoinEncounter,
		Payload: payload(t, EncounterRef{EncounterID: encID}),
	})
	state := owner.lastEvent(t).Payload.(*EncounterState)
	if state.Participants[0].HP != 20 {
		t.Errorf("HP = %d after rejected damage, want 20", state.Participants[0].HP)
	}
}

func TestUnauthorizedDoesNotDiscloseExistence(t *testing.T) {
	h, _ := newTestHub(t)
	c := &fakeClient{}
	h.Register(c, "dm-bob")

	// Same command against a real and a fake encounter must fail identically.
	owner := &fakeClient{}
	h.Register(owner, "dm-alice")
	encID := createEncounter(t, h, owner, "dm-alice")

	h.Dispatch(c, "dm-bob", &Command{Type: CmdStartEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})
	realErr := c.lastError(t)

	h.Dispatch(c, "dm-bob", &Command{Type: CmdStartEncounter, Payload: payload(t, EncounterRef{EncounterID: "no-such-encounter"})})
	fakeErr := c.lastError(t)

	if realErr != fakeErr {
		t.Errorf("errors differ between real and missing encounters: %+v vs %+v", realErr, fakeErr)
	}
	if realErr.Code != encounter.CodeUnauthorized {
		t.Errorf("code = %q, want unauthorized", realErr.Code)
	}
}

func TestAdminMayMutate(t *testing.T) {
	h, _ := newTestHub(t)
	owner := &fakeClient{}
	admin := &fakeClient{}
	h.Register(owner, "dm-alice")
	h.Register(admin, "root")

	encID := createEncounter(t, h, owner, "dm-alice")
	addFighter(t, h, owner, "dm-alice", encID, "Wizard", 18)

	h.Dispatch(admin, "root", &Command{Type: CmdStartEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})
	if last := admin.lastEvent(t); last.Type == EventError {
		t.Errorf("admin start rejected: %+v", last.Payload)
	}
}

func TestInvalidStateErrors(t *testing.T) {
	h, _ := newTestHub(t)
	owner := &fakeClient{}
	h.Register(owner, "dm-alice")

	encID := createEncounter(t, h, owner, "dm-alice")

	// turn_next before starting the encounter
	h.Dispatch(owner, "dm-alice", &Command{Type: CmdTurnNext, Payload: payload(t, EncounterRef{EncounterID: encID})})
	if got := owner.lastError(t).Code; got != encounter.CodeInvalidState {
		t.Errorf("turn_next in preparing = %q, want invalid_state", got)
	}

	// Any combat command after completion reports the encounter closed.
	addFighter(t, h, owner, "dm-alice", encID, "Wizard", 18)
	h.Dispatch(owner, "dm-alice", &Command{Type: CmdStartEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})
	h.Dispatch(owner, "dm-alice", &Command{Type: CmdCompleteEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})
	h.Dispatch(owner, "dm-alice", &Command{Type: CmdTurnNext, Payload: payload(t, EncounterRef{EncounterID: encID})})
	if got := owner.lastError(t).Code; got != encounter.CodeEncounterClosed {
		t.Errorf("turn_next after complete = %q, want encounter_closed", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	h, _ := newTestHub(t)
	c := &fakeClient{}
	h.Register(c, "dm-alice")

	h.Dispatch(c, "dm-alice", &Command{Type: "cast_fireball"})
	if got := c.lastError(t).Code; got != encounter.CodeValidation {
		t.Errorf("code = %q, want validation_error", got)
	}
}

func TestMalformedPayload(t *testing.T) {
	h, _ := newTestHub(t)
	c := &fakeClient{}
	h.Register(c, "dm-alice")

	h.Dispatch(c, "dm-alice", &Command{Type: CmdStartEncounter, Payload: json.RawMessage(`{"encounterId": 7}`)})
	if got := c.lastError(t).Code; got != encounter.CodeValidation {
		t.Errorf("code = %q, want validation_error", got)
	}
}

func TestJoinUnknownEncounter(t *testing.T) {
	h, _ := newTestHub(t)
	c := &fakeClient{}
	h.Register(c, "dm-alice")

	h.Dispatch(c, "dm-alice", &Command{Type: CmdJoinEncounter, Payload: payload(t, EncounterRef{EncounterID: "ghost"})})
	if got := c.lastError(t).Code; got != encounter.CodeNotFound {
		t.Errorf("code = %q, want not_found", got)
	}
}

func TestColdSessionLoadsFromGateway(t *testing.T) {
	h, gateway := newTestHub(t)

	// Seed the gateway directly, as if the server had restarted.
	sess := encounter.NewSession("enc-stored", "dm-alice")
	if _, err := sess.AddParticipant(&encounter.Participant{
		ID: "w1", Name: "Wizard", Kind: encounter.KindPlayer, Initiative: 18, HP: 20, MaxHP: 20,
	}); err != nil {
		t.Fatal(err)
	}
	if err := gateway.SaveSnapshot(sess.Snapshot()); err != nil {
		t.Fatal(err)
	}

	c := &fakeClient{}
	h.Register(c, "dm-alice")
	h.Dispatch(c, "dm-alice", &Command{Type: CmdJoinEncounter, Payload: payload(t, EncounterRef{EncounterID: "enc-stored"})})

	state := c.lastEvent(t).Payload.(*EncounterState)
	if state.OwnerID != "dm-alice" || len(state.Participants) != 1 {
		t.Errorf("restored state = owner %q with %d participants", state.OwnerID, len(state.Participants))
	}
}

func TestMutationsAreSaved(t *testing.T) {
	h, gateway := newTestHub(t)
	h.Start()

	owner := &fakeClient{}
	h.Register(owner, "dm-alice")
	encID := createEncounter(t, h, owner, "dm-alice")
	addFighter(t, h, owner, "dm-alice", encID, "Wizard", 18)

	h.Stop()

	snap, err := gateway.LoadSnapshot(encID)
	if err != nil {
		t.Fatalf("encounter was never saved: %v", err)
	}
	if len(snap.Participants) != 1 {
		t.Errorf("saved snapshot has %d participants, want 1", len(snap.Participants))
	}
}

func TestDMOnlyChat(t *testing.T) {
	h, _ := newTestHub(t)
	owner := &fakeClient{}
	stranger := &fakeClient{}
	h.Register(owner, "dm-alice")
	h.Register(stranger, "dm-bob")

	encID := createEncounter(t, h, owner, "dm-alice")
	h.Dispatch(stranger, "dm-bob", &Command{Type: CmdJoinEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})

	strangerEvents := stranger.eventCount()

	// A dm-only line from the owner reaches the owner but not the stranger.
	h.Dispatch(owner, "dm-alice", &Command{
		Type: CmdChatMessage,
		Payload: payload(t, ChatMessagePayload{
			EncounterRef: EncounterRef{EncounterID: encID},
			Text:         "the troll has 1 hp left",
			Visibility:   ChatDMOnly,
		}),
	})

	if owner.lastEvent(t).Type != EventChatMessage {
		t.Error("owner did not receive the dm-only line")
	}
	if stranger.eventCount() != strangerEvents {
		t.Error("dm-only chat leaked to a non-owner subscriber")
	}

	// A public line reaches everyone.
	h.Dispatch(owner, "dm-alice", &Command{
		Type: CmdChatMessage,
		Payload: payload(t, ChatMessagePayload{
			EncounterRef: EncounterRef{EncounterID: encID},
			Text:         "roll initiative!",
		}),
	})
	if stranger.lastEvent(t).Type != EventChatMessage {
		t.Error("public chat did not reach the room")
	}
}

func TestPrivateDiceRoll(t *testing.T) {
	h, _ := newTestHub(t)
	owner := &fakeClient{}
	watcher := &fakeClient{}
	h.Register(owner, "dm-alice")
	h.Register(watcher, "dm-bob")

	encID := createEncounter(t, h, owner, "dm-alice")
	h.Dispatch(watcher, "dm-bob", &Command{Type: CmdJoinEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})

	watcherEvents := watcher.eventCount()

	h.Dispatch(owner, "dm-alice", &Command{
		Type: CmdDiceRoll,
		Payload: payload(t, DiceRollPayload{
			EncounterRef: EncounterRef{EncounterID: encID},
			Notation:     "2d6+3",
			Private:      true,
		}),
	})

	rolled := owner.lastEvent(t)
	if rolled.Type != EventDiceRolled {
		t.Fatalf("dice_roll produced %q", rolled.Type)
	}
	result := rolled.Payload.(DiceEventPayload).Result
	if result.Total < 5 || result.Total > 15 {
		t.Errorf("2d6+3 total = %d, out of range", result.Total)
	}
	if watcher.eventCount() != watcherEvents {
		t.Error("private roll leaked to the room")
	}

	// Bad notation is a validation error.
	h.Dispatch(owner, "dm-alice", &Command{
		Type:    CmdDiceRoll,
		Payload: payload(t, DiceRollPayload{Notation: "d"}),
	})
	if got := owner.lastError(t).Code; got != encounter.CodeValidation {
		t.Errorf("bad notation code = %q, want validation_error", got)
	}
}

func TestLeaveStopsBroadcasts(t *testing.T) {
	h, _ := newTestHub(t)
	owner := &fakeClient{}
	watcher := &fakeClient{}
	h.Register(owner, "dm-alice")
	h.Register(watcher, "dm-bob")

	encID := createEncounter(t, h, owner, "dm-alice")
	h.Dispatch(watcher, "dm-bob", &Command{Type: CmdJoinEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})
	h.Dispatch(watcher, "dm-bob", &Command{Type: CmdLeaveEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})

	watcherEvents := watcher.eventCount()
	addFighter(t, h, owner, "dm-alice", encID, "Wizard", 18)

	if watcher.eventCount() != watcherEvents {
		t.Error("broadcast reached a client that had left")
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	h, _ := newTestHub(t)
	c := &fakeClient{}
	h.Register(c, "dm-alice")

	h.Dispatch(c, "dm-alice", &Command{Type: CmdCreateEncounter, Payload: payload(t, CreateEncounterPayload{EncounterID: "enc-1"})})
	if c.lastEvent(t).Type != EventEncounterCreated {
		t.Fatal("first create failed")
	}
	h.Dispatch(c, "dm-alice", &Command{Type: CmdCreateEncounter, Payload: payload(t, CreateEncounterPayload{EncounterID: "enc-1"})})
	if got := c.lastError(t).Code; got != encounter.CodeValidation {
		t.Errorf("duplicate create code = %q, want validation_error", got)
	}
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	h, _ := newTestHub(t)
	owner := &fakeClient{}
	watcher := &fakeClient{}
	h.Register(owner, "dm-alice")
	h.Register(watcher, "dm-bob")

	encID := createEncounter(t, h, owner, "dm-alice")
	h.Dispatch(watcher, "dm-bob", &Command{Type: CmdJoinEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})

	h.Disconnect(watcher)
	watcherEvents := watcher.eventCount()
	addFighter(t, h, owner, "dm-alice", encID, "Wizard", 18)

	if watcher.eventCount() != watcherEvents {
		t.Error("broadcast reached a disconnected client")
	}
}

// eventsOfType returns every received event of the given type, in receive
// order.
func (c *fakeClient) eventsOfType(eventType string) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []*Event
	for _, event := range c.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

// blockingGateway parks LoadSnapshot for one encounter id until released,
// so tests can hold a cold load open.
type blockingGateway struct {
	*memoryGateway
	blockID string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *blockingGateway) LoadSnapshot(id string) (*encounter.Snapshot, error) {
	if id == g.blockID {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.memoryGateway.LoadSnapshot(id)
}

func TestColdLoadDoesNotBlockHotEncounters(t *testing.T) {
	reg, err := testRegistry()
	if err != nil {
		t.Fatal(err)
	}
	mem := newMemoryGateway()
	cold := encounter.NewSession("enc-cold", "dm-bob")
	mem.snaps["enc-cold"] = cold.Snapshot()
	gw := &blockingGateway{
		memoryGateway: mem,
		blockID:       "enc-cold",
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	h := NewHub(config.SessionConfig{SaveQueueSize: 64}, gw, reg, nil)
	h.SetAccessControl(auth.NewOwnerPolicy(h.Owner, reg))

	owner := &fakeClient{}
	h.Register(owner, "dm-alice")
	encID := createEncounter(t, h, owner, "dm-alice")
	addFighter(t, h, owner, "dm-alice", encID, "Wizard", 18)

	joiner := &fakeClient{}
	h.Register(joiner, "dm-bob")
	joinPayload := payload(t, EncounterRef{EncounterID: "enc-cold"})
	startPayload := payload(t, EncounterRef{EncounterID: encID})

	joinDone := make(chan struct{})
	go func() {
		defer close(joinDone)
		h.Dispatch(joiner, "dm-bob", &Command{Type: CmdJoinEncounter, Payload: joinPayload})
	}()
	<-gw.entered

	// The hot encounter must keep taking commands while the cold load
	// is stuck in the gateway.
	hotDone := make(chan struct{})
	go func() {
		defer close(hotDone)
		h.Dispatch(owner, "dm-alice", &Command{Type: CmdStartEncounter, Payload: startPayload})
	}()
	select {
	case <-hotDone:
	case <-time.After(2 * time.Second):
		t.Fatal("command on a hot encounter stalled behind a cold load")
	}
	if got := owner.lastEvent(t).Type; got != EventEncounterStarted {
		t.Fatalf("start produced %q", got)
	}

	close(gw.release)
	<-joinDone
	if got := joiner.lastEvent(t).Type; got != EventEncounterJoined {
		t.Fatalf("cold join produced %q", got)
	}
}

func TestConcurrentDamageSerializes(t *testing.T) {
	h, _ := newTestHub(t)
	owner := &fakeClient{}
	watcher := &fakeClient{}
	h.Register(owner, "dm-alice")
	h.Register(watcher, "dm-bob")

	encID := createEncounter(t, h, owner, "dm-alice")
	fighterID := addFighter(t, h, owner, "dm-alice", encID, "Troll", 12)
	h.Dispatch(owner, "dm-alice", &Command{Type: CmdStartEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})
	h.Dispatch(watcher, "dm-bob", &Command{Type: CmdJoinEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})

	const workers, perWorker = 3, 5
	dmg := payload(t, AmountPayload{
		EncounterRef:  EncounterRef{EncounterID: encID},
		ParticipantID: fighterID,
		Amount:        1,
	})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				h.Dispatch(owner, "dm-alice", &Command{Type: CmdApplyDamage, Payload: dmg})
			}
		}()
	}
	wg.Wait()

	// Every observer sees one broadcast per applied point of damage, each
	// reflecting exactly one more hit than the last. Interleaved partial
	// state would break the strict descent.
	updates := watcher.eventsOfType(EventParticipantUpdated)
	if len(updates) != workers*perWorker {
		t.Fatalf("watcher saw %d updates, want %d", len(updates), workers*perWorker)
	}
	wantHP := 20
	for i, update := range updates {
		wantHP--
		body := update.Payload.(*MutationPayload)
		if body.Participant.HP != wantHP {
			t.Fatalf("update %d has HP %d, want %d", i, body.Participant.HP, wantHP)
		}
	}
}

func TestConcurrentTurnAdvancesTotalOrder(t *testing.T) {
	h, _ := newTestHub(t)
	owner := &fakeClient{}
	h.Register(owner, "dm-alice")

	encID := createEncounter(t, h, owner, "dm-alice")
	addFighter(t, h, owner, "dm-alice", encID, "A", 18)
	addFighter(t, h, owner, "dm-alice", encID, "B", 12)
	h.Dispatch(owner, "dm-alice", &Command{Type: CmdStartEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})

	const advances = 9
	next := payload(t, EncounterRef{EncounterID: encID})
	var wg sync.WaitGroup
	for i := 0; i < advances; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Dispatch(owner, "dm-alice", &Command{Type: CmdTurnNext, Payload: next})
		}()
	}
	wg.Wait()

	// Nine advances over two combatants from (1, 0) land on (5, 1)
	// regardless of arrival order.
	advanced := owner.eventsOfType(EventTurnAdvanced)
	if len(advanced) != advances {
		t.Fatalf("owner saw %d advances, want %d", len(advanced), advances)
	}
	final := advanced[len(advanced)-1].Payload.(*MutationPayload)
	if final.CurrentRound != 5 || final.CurrentTurn != 1 {
		t.Errorf("final clock = (%d, %d), want (5, 1)", final.CurrentRound, final.CurrentTurn)
	}
}

func TestRoomPostsRequireJoin(t *testing.T) {
	h, _ := newTestHub(t)
	owner := &fakeClient{}
	stranger := &fakeClient{}
	h.Register(owner, "dm-alice")
	h.Register(stranger, "dm-bob")

	encID := createEncounter(t, h, owner, "dm-alice")
	ownerEvents := owner.eventCount()

	h.Dispatch(stranger, "dm-bob", &Command{
		Type:    CmdChatMessage,
		Payload: payload(t, ChatMessagePayload{EncounterRef: EncounterRef{EncounterID: encID}, Text: "boo"}),
	})
	if got := stranger.lastError(t).Code; got != encounter.CodeUnauthorized {
		t.Errorf("chat before join code = %q, want unauthorized", got)
	}

	h.Dispatch(stranger, "dm-bob", &Command{
		Type:    CmdDiceRoll,
		Payload: payload(t, DiceRollPayload{EncounterRef: EncounterRef{EncounterID: encID}, Notation: "1d6"}),
	})
	if got := stranger.lastError(t).Code; got != encounter.CodeUnauthorized {
		t.Errorf("dice before join code = %q, want unauthorized", got)
	}
	if owner.eventCount() != ownerEvents {
		t.Error("unjoined caller's post reached the room")
	}

	// Joining lifts the gate.
	h.Dispatch(stranger, "dm-bob", &Command{Type: CmdJoinEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})
	h.Dispatch(stranger, "dm-bob", &Command{
		Type:    CmdChatMessage,
		Payload: payload(t, ChatMessagePayload{EncounterRef: EncounterRef{EncounterID: encID}, Text: "hello"}),
	})
	if got := owner.lastEvent(t).Type; got != EventChatMessage {
		t.Fatalf("owner's last event = %q, want chat after join", got)
	}
}

func TestEnvironmentUpdate(t *testing.T) {
	h, _ := newTestHub(t)
	owner := &fakeClient{}
	watcher := &fakeClient{}
	h.Register(owner, "dm-alice")
	h.Register(watcher, "dm-bob")

	encID := createEncounter(t, h, owner, "dm-alice")
	h.Dispatch(watcher, "dm-bob", &Command{Type: CmdJoinEncounter, Payload: payload(t, EncounterRef{EncounterID: encID})})

	h.Dispatch(owner, "dm-alice", &Command{
		Type: CmdEnvironmentUpdate,
		Payload: payload(t, EnvironmentUpdatePayload{
			EncounterRef: EncounterRef{EncounterID: encID},
			Environment:  map[string]any{"terrain": "swamp", "lighting": "dim"},
		}),
	})

	changed := watcher.lastEvent(t)
	if changed.Type != EventEnvironmentChanged {
		t.Fatalf("environment_update produced %q", changed.Type)
	}
	body := changed.Payload.(*MutationPayload)
	if body.Environment["terrain"] != "swamp" {
		t.Errorf("terrain = %v, want swamp", body.Environment["terrain"])
	}

	// Non-owners may not touch the environment.
	h.Dispatch(watcher, "dm-bob", &Command{
		Type: CmdEnvironmentUpdate,
		Payload: payload(t, EnvironmentUpdatePayload{
			EncounterRef: EncounterRef{EncounterID: encID},
			Environment:  map[string]any{"terrain": "lava"},
		}),
	})
	if got := watcher.lastError(t).Code; got != encounter.CodeUnauthorized {
		t.Errorf("stranger environment_update code = %q, want unauthorized", got)
	}
}
