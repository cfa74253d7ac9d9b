package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/halcyonlabs/rendezvous/internal/metrics"
	"github.com/halcyonlabs/rendezvous/internal/origin"
	"github.com/halcyonlabs/rendezvous/internal/ratelimit"
	"github.com/halcyonlabs/rendezvous/internal/room"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// AllowedOrigins is the browser Origin allowlist. Empty means same-host
	// origins only; requests without an Origin header are always accepted.
	AllowedOrigins []string

	// MaxConnectionsPerIP caps concurrent WebSocket connections per source
	// address. <= 0 disables the cap.
	MaxConnectionsPerIP int

	// MaxMessagesPerSecond is the per-connection command budget.
	MaxMessagesPerSecond int

	// MaxMessageBytes bounds a single inbound frame.
	MaxMessageBytes int64

	Metrics *metrics.Metrics
	Clock   ratelimit.Clock
	Logger  *slog.Logger
}

// Server accepts signaling WebSocket connections and dispatches client
// commands into the room registry. It is the registry's event Sender: room
// events are looked up by connection ID and enqueued onto that connection's
// send queue, never written under the registry lock.
type Server struct {
	// Registry routes room operations. It is set by the caller after
	// construction because the registry itself needs the server as its
	// Sender.
	Registry *room.Registry

	cfg      Config
	metrics  *metrics.Metrics
	clock    ratelimit.Clock
	log      *slog.Logger
	ipTable  *ratelimit.IPTable
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

func NewServer(cfg Config) *Server {
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = 10
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		ipTable: ratelimit.NewIPTable(cfg.MaxConnectionsPerIP),
		clients: make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	normalized, host, ok := origin.Normalize(raw)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := remoteHost(r.RemoteAddr)
	connID := uuid.NewString()

	if !s.ipTable.Admit(addr, connID) {
		s.ipTable.Release(addr, connID)
		s.metrics.Inc(metrics.ConnectionsRejected)
		s.log.Warn("connection rejected, per-address cap reached", "addr", addr)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.ipTable.Release(addr, connID)
		return
	}

	s.metrics.Inc(metrics.ConnectionsAccepted)
	c := newClient(connID, addr, conn, s.log)
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	s.mu.Lock()
	s.clients[connID] = c
	s.mu.Unlock()

	go c.writePump()
	s.log.Info("connection accepted", "conn", connID, "addr", addr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, connID)
		s.mu.Unlock()

		s.Registry.RemoveConnection(connID)
		s.ipTable.Release(addr, connID)
		c.shutdown()
		s.log.Info("connection closed", "conn", connID, "addr", addr)
	}()

	bucket := ratelimit.NewTokenBucket(s.clock, int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			c.writeClose(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !bucket.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			s.sendAck(c, errAck(envelopeOp(data), errCodeRateLimit))
			continue
		}

		s.handleMessage(c, data)
	}
}

// handleMessage parses and dispatches one client command. A panic in a
// handler is confined to that command: the client sees server_error and the
// connection stays up.
func (s *Server) handleMessage(c *client, data []byte) {
	op := envelopeOp(data)
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic handling client message", "conn", c.id, "op", op, "panic", rec)
			s.sendAck(c, errAck(op, errCodeServerError))
		}
	}()

	msg, err := parseClientMessage(data)
	if err != nil {
		s.sendAck(c, errAck(op, errCodeMissingParams))
		return
	}

	switch msg.Type {
	case commandCreateRoom:
		info, err := s.Registry.CreateRoom(c.id, room.Options{
			TTLMinutes: msg.TTLMinutes,
			MaxPeers:   msg.MaxPeers,
			UsageLimit: msg.UsageLimit,
		})
		if err != nil {
			s.sendAck(c, errAck(msg.Type, errCodeServerError))
			return
		}
		s.sendAck(c, createdAck(info))

	case commandJoinRoom:
		hostID, err := s.Registry.JoinRoom(c.id, msg.Code, msg.Token)
		if err != nil {
			s.sendAck(c, errAck(msg.Type, roomErrorCode(err)))
			return
		}
		s.sendAck(c, joinedAck(hostID))

	case commandSignal:
		s.Registry.Relay(c.id, msg.Code, msg.To, msg.Data)
		s.sendAck(c, okAck(msg.Type))

	case commandTransferComplete:
		if err := s.Registry.RecordUsage(c.id, msg.Code); err != nil {
			s.sendAck(c, errAck(msg.Type, roomErrorCode(err)))
			return
		}
		s.sendAck(c, okAck(msg.Type))

	case commandLeaveRoom:
		s.Registry.LeaveRoom(c.id, msg.Code)
		s.sendAck(c, okAck(msg.Type))
	}
}

// Send implements room.Sender. Unknown connection IDs (already disconnected)
// are dropped silently; a full send queue drops the event and counts it.
func (s *Server) Send(connID string, ev room.Event) {
	s.mu.Lock()
	c, ok := s.clients[connID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if !c.enqueueJSON(ev) {
		s.metrics.Inc(metrics.SendBufferOverflow)
		s.log.Warn("dropped event, send queue full", "conn", connID, "event", ev.Type)
	}
}

// ActiveConnections reports how many WebSocket connections are currently
// registered.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) sendAck(c *client, a ack) {
	if !c.enqueueJSON(a) {
		s.metrics.Inc(metrics.SendBufferOverflow)
	}
}

func roomErrorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return errCodeRoomNotFound
	case errors.Is(err, room.ErrInvalidToken):
		return errCodeInvalidToken
	case errors.Is(err, room.ErrRoomFull):
		return errCodeRoomFull
	default:
		return errCodeServerError
	}
}

// envelopeOp extracts the command type for error acks without requiring the
// full message to parse.
func envelopeOp(data []byte) commandType {
	var envelope struct {
		Type commandType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ""
	}
	return envelope.Type
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
