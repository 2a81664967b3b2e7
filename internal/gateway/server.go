// Package gateway is the real-time router: it owns connection membership
// and event fan-out. Business rules live in the stores; the gateway only
// mirrors their results to the connections that should observe them live.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shoplane/livechat/internal/config"
	"github.com/shoplane/livechat/internal/domain"
	"github.com/shoplane/livechat/internal/events"
	"github.com/shoplane/livechat/internal/logging"
	"github.com/shoplane/livechat/internal/store"
	"github.com/shoplane/livechat/internal/version"
)

// Server is the livechat HTTP + WebSocket server.
type Server struct {
	cfg      config.Config
	auth     ResolvedAuth
	log      *logging.Logger
	clients  *ClientRegistry
	rooms    *Rooms
	handlers map[string]RequestHandler
	version  string
	eventSeq atomic.Int64

	agents    *store.AgentRegistry
	sessions  *store.SessionStore
	messages  *store.MessageLog
	publisher events.Publisher

	startedAt   time.Time
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	connLimiter *connRateLimiter
}

// connRateLimiter tracks failed handshakes per IP to slow brute-force
// token guessing.
type connRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

const (
	connRateWindow   = 5 * time.Minute
	connRateMaxFails = 10
)

func newConnRateLimiter() *connRateLimiter {
	return &connRateLimiter{failures: make(map[string][]time.Time)}
}

func (l *connRateLimiter) allow(remoteAddr string) bool {
	host, _, _ := net.SplitHostPort(remoteAddr)
	if host == "" {
		host = remoteAddr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-connRateWindow)
	recent := l.failures[host][:0]
	for _, t := range l.failures[host] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(l.failures, host)
		return true
	}
	l.failures[host] = recent
	return len(recent) < connRateMaxFails
}

func (l *connRateLimiter) recordFailure(remoteAddr string) {
	host, _, _ := net.SplitHostPort(remoteAddr)
	if host == "" {
		host = remoteAddr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[host] = append(l.failures[host], time.Now())
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithPublisher sets the downstream event publisher.
func WithPublisher(p events.Publisher) ServerOption {
	return func(s *Server) {
		s.publisher = p
	}
}

// New creates a new gateway server over the given stores.
func New(cfg config.Config, agents *store.AgentRegistry, sessions *store.SessionStore, messages *store.MessageLog, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:         cfg,
		auth:        ResolveAuth(cfg.Server.Auth),
		log:         log.Sub("gateway"),
		clients:     NewClientRegistry(log.Sub("clients")),
		rooms:       NewRooms(log.Sub("rooms")),
		handlers:    make(map[string]RequestHandler),
		version:     version.Version,
		agents:      agents,
		sessions:    sessions,
		messages:    messages,
		connLimiter: newConnRateLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Server.AllowedOrigins),
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.publisher == nil {
		s.publisher = events.NewFallback(log)
	}

	s.registerRPCHandlers()
	return s
}

// checkWebSocketOrigin returns a function that validates WebSocket Origin
// headers. No Origin header (non-browser clients) is always allowed;
// browser origins must match the configured list.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Handle registers an RPC method handler.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// Methods returns the list of registered RPC method names.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	return methods
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.ServerConfig) string {
	switch cfg.Bind {
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start begins listening for HTTP and WebSocket connections. It blocks
// until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Server)

	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux)

	handler := withMiddleware(mux, s.log, s.cfg.Server.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.startedAt = time.Now()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Server.Bind).
		Int("methods", len(s.handlers)).
		Msg("gateway server starting")

	// Shutdown when context is cancelled
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.clients.CloseAll()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}

// registerHTTPRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// handleWebSocket upgrades HTTP to WebSocket and runs the connection loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.connLimiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited, too many failed handshakes")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn.SetReadLimit(1 * 1024 * 1024) // 1MB, matches advertised max payload

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("new websocket connection")

	client, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Msg("handshake failed")
		s.connLimiter.recordFailure(conn.RemoteAddr().String())
		conn.Close()
		return
	}

	s.clients.Add(client)
	s.onConnect(client)
	defer func() {
		s.onDisconnect(client)
		s.rooms.RemoveConn(client.ConnID)
		s.clients.Remove(client.ConnID)
		client.Close()
	}()

	s.readLoop(client)
}

// handshake performs the WebSocket connect handshake.
// Flow: server sends challenge, client sends connect, server validates and
// sends hello-ok.
func (s *Server) handshake(conn *websocket.Conn) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	challenge, err := NewEvent("connect.challenge", map[string]any{
		"nonce": uuid.New().String(),
		"ts":    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("creating challenge: %w", err)
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("parsing connect frame: %w", err)
	}

	if frame.Type != FrameTypeRequest || frame.Method != "connect" {
		sendErrorAndClose(conn, frame.ID, "protocol_error", "expected connect request")
		return nil, fmt.Errorf("expected connect request, got type=%s method=%s", frame.Type, frame.Method)
	}

	var params ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		sendErrorAndClose(conn, frame.ID, "invalid_params", "invalid connect params")
		return nil, fmt.Errorf("parsing connect params: %w", err)
	}

	authResult := Authorize(s.auth, params)
	if !authResult.OK {
		sendErrorAndClose(conn, frame.ID, "unauthorized", authResult.Reason)
		return nil, fmt.Errorf("auth failed: %s", authResult.Reason)
	}

	conn.SetReadDeadline(time.Time{})

	client := NewClient(conn, params.Principal, s.log.Sub("ws"))

	hello := HelloOK{
		Protocol: ProtocolVersion,
		Server: ServerInfo{
			Version: s.version,
			ConnID:  client.ConnID,
		},
		Features: Features{
			Methods: s.Methods(),
			Events: []string{
				"connect.challenge", "message.new", "message.read",
				"session.assigned", "session.closed", "session.transferred",
				"agent.status", "user.joined", "user.left", "user.typing",
				"notification",
			},
		},
		Policy: ServerPolicy{
			MaxPayload:     1 * 1024 * 1024,
			TickIntervalMs: 30000,
		},
	}

	resp, err := NewResponse(frame.ID, hello)
	if err != nil {
		return nil, fmt.Errorf("creating hello response: %w", err)
	}
	if err := conn.WriteJSON(resp); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	s.log.Info().
		Str("connId", client.ConnID).
		Str("role", params.Principal.Role).
		Int64("userId", params.Principal.UserID).
		Int64("agentId", params.Principal.AgentID).
		Msg("client authenticated")

	return client, nil
}

// onConnect wires a freshly authenticated connection into its rooms. An
// agent coming online changes their availability and may immediately drain
// the queue.
func (s *Server) onConnect(c *Client) {
	if !c.Principal.IsAgent() {
		return
	}

	agentID := c.Principal.AgentID
	s.rooms.Join(AgentRoom(agentID), c)
	s.rooms.Join(RoomAgents, c)

	if err := s.agents.SetStatus(agentID, domain.AgentOnline); err != nil {
		s.log.Warn().Err(err).Int64("agent", agentID).Msg("failed to set agent online")
		return
	}
	s.broadcastAgentStatus(agentID, domain.AgentOnline)
	s.drainQueue()
}

// onDisconnect undoes connection side effects. An agent dropping goes
// offline and stops receiving assignments; a user dropping notifies their
// active sessions but does not close them.
func (s *Server) onDisconnect(c *Client) {
	if c.Principal.IsAgent() {
		agentID := c.Principal.AgentID
		if err := s.agents.SetStatus(agentID, domain.AgentOffline); err != nil {
			s.log.Warn().Err(err).Int64("agent", agentID).Msg("failed to set agent offline")
			return
		}
		s.broadcastAgentStatus(agentID, domain.AgentOffline)
		return
	}

	sessions, err := s.sessions.ActiveByUser(c.Principal.UserID)
	if err != nil {
		s.log.Warn().Err(err).Int64("user", c.Principal.UserID).Msg("failed to list user sessions on disconnect")
		return
	}
	for _, sess := range sessions {
		s.emit(SessionRoom(sess.ID), "user.left", map[string]any{
			"sessionId": sess.ID,
			"userId":    c.Principal.UserID,
		}, c.ConnID)
	}
}

// readLoop processes incoming frames from an authenticated client.
func (s *Server) readLoop(client *Client) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("read error")
			}
			return
		}

		if frame.Type != FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}

		s.dispatch(client, frame)
	}
}

// dispatch routes a request frame to the appropriate handler.
func (s *Server) dispatch(client *Client, frame Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		client.RespondError(frame.ID, ErrorShape{
			Code:    "method_not_found",
			Message: "unknown method: " + frame.Method,
		})
		return
	}

	handler(&RequestContext{
		Client: client,
		Frame:  frame,
		Server: s,
	})
}

// emit broadcasts an event to a room with the next sequence number.
func (s *Server) emit(room, event string, payload any, exceptConnID string) {
	s.rooms.Broadcast(room, event, payload, s.eventSeq.Add(1), exceptConnID)
}

// publish hands an event envelope to the downstream publisher. Publish
// failures are logged, never surfaced to chat participants.
func (s *Server) publish(key string, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, key, events.NewEnvelope(key, data)); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("event publish failed")
	}
}

// notify sends a notification envelope to a single connection.
func (s *Server) notify(c *Client, kind, message string, data any) {
	if err := c.SendEvent("notification", map[string]any{
		"type":    kind,
		"message": message,
		"data":    data,
	}, s.eventSeq.Add(1)); err != nil {
		s.log.Debug().Err(err).Str("connId", c.ConnID).Msg("notification dropped")
	}
}

// broadcastAgentStatus tells the agent side about an availability change.
func (s *Server) broadcastAgentStatus(agentID int64, status domain.AgentStatus) {
	s.emit(RoomAgents, "agent.status", map[string]any{
		"agentId": agentID,
		"status":  status,
	}, "")
}

// announceAssignment broadcasts a successful assignment to the session
// room and the assigned agent's room, and publishes it downstream.
// Persistence happened first; fan-out never precedes the write.
func (s *Server) announceAssignment(sess *domain.Session) {
	payload := map[string]any{
		"sessionId":  sess.ID,
		"sessionKey": sess.SessionKey,
		"userId":     sess.UserID,
		"agentId":    sess.AgentID,
		"assignedAt": sess.AssignedAt,
	}
	s.emit(SessionRoom(sess.ID), "session.assigned", payload, "")
	s.emit(AgentRoom(sess.AgentID), "session.assigned", payload, "")
	s.publish(events.TypeSessionAssigned, payload)
}

// NotifySessionClosed broadcasts a session closure to its room and
// publishes it downstream. Exported for the reaper, which closes sessions
// outside any connection's request.
func (s *Server) NotifySessionClosed(sess *domain.Session) {
	payload := map[string]any{
		"sessionId":   sess.ID,
		"closeReason": sess.CloseReason,
		"closedAt":    sess.ClosedAt,
	}
	s.emit(SessionRoom(sess.ID), "session.closed", payload, "")
	if sess.AgentID != 0 {
		s.emit(AgentRoom(sess.AgentID), "session.closed", payload, "")
	}
	s.publish(events.TypeSessionClosed, payload)
}

// drainQueue assigns waiting sessions while eligible agents have capacity.
// Runs when an agent comes online. Sessions that still find no agent stay
// queued; that is a normal outcome.
func (s *Server) drainQueue() {
	queued, err := s.sessions.NextQueued(20)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to list queued sessions")
		return
	}

	for _, sess := range queued {
		assigned, err := s.sessions.AutoAssign(sess.ID, sess.Metadata["specialtyTag"])
		if err != nil {
			s.log.Warn().Err(err).Int64("session", sess.ID).Msg("queue drain assignment failed")
			continue
		}
		if assigned.Status != domain.SessionActive {
			// No eligible agent for this one; later sessions may still
			// match a different specialty
			continue
		}
		s.announceAssignment(assigned)
	}
}

// sendErrorAndClose sends an error response and closes the connection.
func sendErrorAndClose(conn *websocket.Conn, reqID, code, message string) {
	conn.WriteJSON(NewErrorResponse(reqID, ErrorShape{
		Code:    code,
		Message: message,
	}))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, message))
}
