package hub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmforge/encounterd/internal/config"
	"github.com/dmforge/encounterd/internal/encounter"
	"github.com/dmforge/encounterd/internal/logger"
)

// authTimeout bounds how long a fresh connection may sit before its first
// auth frame.
const authTimeout = 30 * time.Second

// Server accepts websocket connections and feeds their command frames to
// the hub.
type Server struct {
	cfg         *config.ServerConfig
	hub         *Hub
	connLimiter *ConnLimiter
	httpServer  *http.Server
}

// NewServer creates a websocket server for the hub.
func NewServer(cfg *config.ServerConfig, h *Hub) *Server {
	return &Server{
		cfg:         cfg,
		hub:         h,
		connLimiter: NewConnLimiter(cfg.Connections),
	}
}

// Start listens on the given address until Shutdown is called.
func (s *Server) Start(address string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	s.httpServer = &http.Server{Addr: address, Handler: mux}

	logger.Info("WebSocket server listening", "address", address)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	total, ips := s.connLimiter.Stats()
	logger.Info("Server shutting down", "connections", total, "distinct_ips", ips)

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.hub.Stop()
	return err
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Get the real client IP (supports X-Forwarded-For from reverse proxies)
	clientIP := getRealIP(r)

	if !s.connLimiter.TryAcquire(clientIP) {
		logger.Warning("Connection rejected, limit exceeded",
			"remote_addr", r.RemoteAddr,
			"client_ip", clientIP)
		http.Error(w, "Too many connections. Please try again later.", http.StatusTooManyRequests)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			allowed := s.cfg.WebSocket.IsOriginAllowed(origin, r.Host)
			if !allowed {
				logger.Warning("Connection rejected, origin not allowed",
					"origin", origin,
					"host", r.Host,
					"remote_addr", r.RemoteAddr)
			}
			return allowed
		},
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", "error", err)
		s.connLimiter.Release(clientIP)
		return
	}

	go s.handleConnection(wsConn, clientIP)
}

func (s *Server) handleConnection(wsConn *websocket.Conn, clientIP string) {
	defer s.connLimiter.Release(clientIP)

	if s.cfg.WebSocket.MaxMessageSize > 0 {
		wsConn.SetReadLimit(s.cfg.WebSocket.MaxMessageSize)
	}

	// Closing the client stops its writer goroutine and the socket.
	client := NewWebSocketClient(wsConn)
	defer client.Close()

	callerID, ok := s.authenticate(client, wsConn)
	if !ok {
		return
	}

	s.hub.Register(client, callerID)
	defer s.hub.Disconnect(client)

	logger.Info("Client authenticated",
		"caller_id", callerID,
		"remote_addr", client.RemoteAddr())

	for {
		cmd, err := client.ReadCommand()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warning("Client connection lost",
					"caller_id", callerID,
					"error", err)
			}
			return
		}
		s.hub.Dispatch(client, callerID, cmd)
	}
}

// authenticate enforces the auth-first handshake: the first frame must be
// an auth command with a valid token, or the connection closes.
func (s *Server) authenticate(client *WebSocketClient, wsConn *websocket.Conn) (string, bool) {
	wsConn.SetReadDeadline(time.Now().Add(authTimeout))
	defer wsConn.SetReadDeadline(time.Time{})

	cmd, err := client.ReadCommand()
	if err != nil {
		return "", false
	}
	if cmd.Type != CmdAuth {
		writeHandshake(wsConn, &Event{Type: EventError, Payload: ErrorPayload{
			Code:    encounter.CodeUnauthorized,
			Message: "first frame must be auth",
		}})
		return "", false
	}

	var p AuthPayload
	if err := decode(cmd.Payload, &p); err != nil {
		writeHandshake(wsConn, &Event{Type: EventError, Payload: ErrorPayload{
			Code:    encounter.CodeValidation,
			Message: "malformed auth payload",
		}})
		return "", false
	}

	callerID, err := s.hub.Authenticate(p.Token)
	if err != nil {
		logger.Warning("Authentication failed", "remote_addr", client.RemoteAddr())
		writeHandshake(wsConn, &Event{Type: EventError, Payload: ErrorPayload{
			Code:    encounter.CodeUnauthorized,
			Message: "invalid token",
		}})
		return "", false
	}

	writeHandshake(wsConn, &Event{Type: EventAuthOK, Payload: AuthOKPayload{CallerID: callerID}})
	return callerID, true
}

// writeHandshake writes a frame directly to the socket. Used only during
// the auth handshake, where the connection may close before the client's
// writer goroutine gets scheduled and no other writer is active yet.
func writeHandshake(wsConn *websocket.Conn, event *Event) {
	wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	wsConn.WriteJSON(event)
}
