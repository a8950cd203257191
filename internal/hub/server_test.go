package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmforge/encounterd/internal/auth"
	"github.com/dmforge/encounterd/internal/config"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	reg, err := testRegistry()
	if err != nil {
		t.Fatal(err)
	}
	gateway := newMemoryGateway()
	h := NewHub(config.SessionConfig{SaveQueueSize: 64}, gateway, reg, nil)
	h.SetAccessControl(auth.NewOwnerPolicy(h.Owner, reg))

	cfg := config.DefaultConfig()
	cfg.WebSocket.AllowedOrigins = []string{"*"}
	srv := NewServer(cfg, h)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleUpgrade))
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event map[string]any
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return event
}

func TestWebSocketAuthFlow(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(map[string]any{
		"type":    "auth",
		"payload": map[string]string{"token": "dm-alice:secret"},
	}); err != nil {
		t.Fatal(err)
	}

	event := readEvent(t, conn)
	if event["type"] != EventAuthOK {
		t.Fatalf("auth produced %v, want auth:ok", event["type"])
	}
	payload := event["payload"].(map[string]any)
	if payload["callerId"] != "dm-alice" {
		t.Errorf("callerId = %v, want dm-alice", payload["callerId"])
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(map[string]any{
		"type":    "auth",
		"payload": map[string]string{"token": "dm-alice:wrong"},
	}); err != nil {
		t.Fatal(err)
	}

	event := readEvent(t, conn)
	if event["type"] != EventError {
		t.Fatalf("bad token produced %v, want error", event["type"])
	}

	// The server closes the connection after a failed handshake.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection stayed open after failed auth")
	}
}

func TestWebSocketRequiresAuthFirst(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(map[string]any{
		"type":    CmdCreateEncounter,
		"payload": map[string]string{},
	}); err != nil {
		t.Fatal(err)
	}

	event := readEvent(t, conn)
	if event["type"] != EventError {
		t.Fatalf("unauthenticated command produced %v, want error", event["type"])
	}
	payload := event["payload"].(map[string]any)
	if payload["code"] != "unauthorized" {
		t.Errorf("code = %v, want unauthorized", payload["code"])
	}
}

func TestWebSocketCommandRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(map[string]any{
		"type":    "auth",
		"payload": map[string]string{"token": "dm-alice:secret"},
	}); err != nil {
		t.Fatal(err)
	}
	if event := readEvent(t, conn); event["type"] != EventAuthOK {
		t.Fatalf("auth failed: %v", event)
	}

	if err := conn.WriteJSON(map[string]any{
		"type":    CmdCreateEncounter,
		"payload": map[string]string{"encounterId": "enc-ws"},
	}); err != nil {
		t.Fatal(err)
	}

	event := readEvent(t, conn)
	if event["type"] != EventEncounterCreated {
		t.Fatalf("create produced %v, want encounter:created", event["type"])
	}
	payload := event["payload"].(map[string]any)
	if payload["encounterId"] != "enc-ws" {
		t.Errorf("encounterId = %v, want enc-ws", payload["encounterId"])
	}
	if payload["status"] != "preparing" {
		t.Errorf("status = %v, want preparing", payload["status"])
	}
}

func TestWebSocketBroadcastBetweenClients(t *testing.T) {
	_, ts := newTestServer(t)

	owner := dialWS(t, ts)
	if err := owner.WriteJSON(map[string]any{"type": "auth", "payload": map[string]string{"token": "dm-alice:secret"}}); err != nil {
		t.Fatal(err)
	}
	if event := readEvent(t, owner); event["type"] != EventAuthOK {
		t.Fatalf("owner auth failed: %v", event)
	}

	watcher := dialWS(t, ts)
	if err := watcher.WriteJSON(map[string]any{"type": "auth", "payload": map[string]string{"token": "dm-bob:secret"}}); err != nil {
		t.Fatal(err)
	}
	if event := readEvent(t, watcher); event["type"] != EventAuthOK {
		t.Fatalf("watcher auth failed: %v", event)
	}

	if err := owner.WriteJSON(map[string]any{
		"type":    CmdCreateEncounter,
		"payload": map[string]string{"encounterId": "enc-shared"},
	}); err != nil {
		t.Fatal(err)
	}
	if event := readEvent(t, owner); event["type"] != EventEncounterCreated {
		t.Fatalf("create failed: %v", event)
	}

	if err := watcher.WriteJSON(map[string]any{
		"type":    CmdJoinEncounter,
		"payload": map[string]string{"encounterId": "enc-shared"},
	}); err != nil {
		t.Fatal(err)
	}
	if event := readEvent(t, watcher); event["type"] != EventEncounterJoined {
		t.Fatalf("join failed: %v", event)
	}

	if err := owner.WriteJSON(map[string]any{
		"type": CmdParticipantAdd,
		"payload": map[string]any{
			"encounterId": "enc-shared",
			"participant": map[string]any{
				"name":       "Wizard",
				"kind":       "player",
				"initiative": 18,
				"hp":         20,
				"maxHp":      20,
			},
		},
	}); err != nil {
		t.Fatal(err)
	}

	event := readEvent(t, watcher)
	if event["type"] != EventParticipantAdded {
		t.Fatalf("watcher saw %v, want encounter:participant:added", event["type"])
	}
	payload := event["payload"].(map[string]any)
	if payload["actorId"] != "dm-alice" {
		t.Errorf("actorId = %v, want dm-alice", payload["actorId"])
	}
	participant := payload["participant"].(map[string]any)
	if participant["name"] != "Wizard" {
		t.Errorf("participant name = %v, want Wizard", participant["name"])
	}
}
