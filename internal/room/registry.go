package room

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/halcyonlabs/rendezvous/internal/metrics"
	"github.com/halcyonlabs/rendezvous/internal/ratelimit"
)

// Config bounds what clients may request when creating rooms.
type Config struct {
	// MaxRooms caps the number of concurrently live rooms. <= 0 disables the cap.
	MaxRooms int

	DefaultTTLMinutes int
	MaxTTLMinutes     int
	DefaultMaxPeers   int
	MaxPeersCap       int

	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTTLMinutes <= 0 {
		c.DefaultTTLMinutes = 60
	}
	if c.MaxTTLMinutes <= 0 {
		c.MaxTTLMinutes = 24 * 60
	}
	if c.DefaultMaxPeers <= 0 {
		c.DefaultMaxPeers = 8
	}
	if c.MaxPeersCap <= 0 {
		c.MaxPeersCap = 64
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// Options are the client-supplied knobs for a new room. Nil fields fall back
// to the server defaults; set fields are clamped to the configured bounds.
type Options struct {
	TTLMinutes *int
	MaxPeers   *int
	// UsageLimit > 0 enables usage tracking: the room is destroyed after that
	// many transfer-complete events. Fractional values are floored.
	UsageLimit *float64
}

// Info describes a created room, echoed back to the host once. UsageLeft is
// -1 when usage tracking is disabled.
type Info struct {
	Code       string
	Token      string
	TTLMinutes int
	MaxPeers   int
	UsageLeft  int
}

type state struct {
	code      string
	token     string
	host      string
	peers     map[string]struct{}
	createdAt time.Time
	ttl       time.Duration
	maxPeers  int
	usageLeft int // -1 = unlimited
}

func (st *state) isMember(connID string) bool {
	if st.host == connID {
		return true
	}
	_, ok := st.peers[connID]
	return ok
}

// delivery is an event addressed to one connection, accumulated under the
// registry lock and flushed after it is released.
type delivery struct {
	to string
	ev Event
}

// Registry is the authoritative mapping of room codes to room state.
//
// A single mutex guards rooms and the connection index; every mutation is
// validate-then-commit under that lock, and event delivery happens strictly
// after the lock is released. Teardown paths are idempotent so disconnects,
// explicit leaves, and sweeps may race harmlessly.
type Registry struct {
	cfg     Config
	sender  Sender
	metrics *metrics.Metrics
	clock   ratelimit.Clock
	log     *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*state
	byConn map[string]map[string]struct{} // connID -> set of room codes

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewRegistry(cfg Config, sender Sender, m *metrics.Metrics, clock ratelimit.Clock, log *slog.Logger) *Registry {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:     cfg.withDefaults(),
		sender:  sender,
		metrics: m,
		clock:   clock,
		log:     log,
		rooms:   make(map[string]*state),
		byConn:  make(map[string]map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// CreateRoom registers a new room with hostID as its host and returns the
// room code and join token.
func (g *Registry) CreateRoom(hostID string, opts Options) (Info, error) {
	ttlMinutes := g.cfg.DefaultTTLMinutes
	if opts.TTLMinutes != nil {
		ttlMinutes = clamp(*opts.TTLMinutes, 1, g.cfg.MaxTTLMinutes)
	}
	maxPeers := g.cfg.DefaultMaxPeers
	if opts.MaxPeers != nil {
		maxPeers = clamp(*opts.MaxPeers, 1, g.cfg.MaxPeersCap)
	}
	usageLeft := -1
	if opts.UsageLimit != nil {
		if n := int(math.Floor(*opts.UsageLimit)); n > 0 {
			usageLeft = n
		}
	}

	token, err := newRoomToken()
	if err != nil {
		return Info{}, err
	}

	for attempt := 0; attempt < 4; attempt++ {
		code, err := newRoomCode()
		if err != nil {
			return Info{}, err
		}

		g.mu.Lock()
		if g.cfg.MaxRooms > 0 && len(g.rooms) >= g.cfg.MaxRooms {
			g.mu.Unlock()
			g.metrics.Inc(metrics.DropReasonTooManyRooms)
			return Info{}, ErrTooManyRooms
		}
		if _, exists := g.rooms[code]; exists {
			// 50 bits of entropy make this essentially unreachable. Try again.
			g.mu.Unlock()
			continue
		}

		g.rooms[code] = &state{
			code:      code,
			token:     token,
			host:      hostID,
			peers:     make(map[string]struct{}),
			createdAt: g.clock.Now(),
			ttl:       time.Duration(ttlMinutes) * time.Minute,
			maxPeers:  maxPeers,
			usageLeft: usageLeft,
		}
		g.indexLocked(hostID, code)
		g.mu.Unlock()

		g.metrics.Inc(metrics.RoomsCreated)
		g.log.Info("room created",
			"code", code,
			"host", hostID,
			"ttl_minutes", ttlMinutes,
			"max_peers", maxPeers,
			"usage_left", usageLeft,
		)
		return Info{
			Code:       code,
			Token:      token,
			TTLMinutes: ttlMinutes,
			MaxPeers:   maxPeers,
			UsageLeft:  usageLeft,
		}, nil
	}

	return Info{}, errors.New("failed to allocate unique room code")
}

// JoinRoom adds connID to the room's peer set after validating the token and
// capacity. On success it returns the host's connection ID and notifies the
// host with a peer-joined event; peers are not told about each other.
// Joining a room the connection already belongs to is an idempotent no-op.
func (g *Registry) JoinRoom(connID, code, token string) (string, error) {
	g.mu.Lock()
	st, ok := g.rooms[code]
	if !ok {
		g.mu.Unlock()
		g.metrics.Inc(metrics.DropReasonRoomNotFound)
		return "", ErrRoomNotFound
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(st.token)) != 1 {
		g.mu.Unlock()
		g.metrics.Inc(metrics.DropReasonInvalidToken)
		return "", ErrInvalidToken
	}
	host := st.host
	if st.isMember(connID) {
		g.mu.Unlock()
		return host, nil
	}
	if len(st.peers) >= st.maxPeers {
		g.mu.Unlock()
		g.metrics.Inc(metrics.DropReasonRoomFull)
		return "", ErrRoomFull
	}

	st.peers[connID] = struct{}{}
	g.indexLocked(connID, code)
	g.mu.Unlock()

	g.metrics.Inc(metrics.PeersJoined)
	g.log.Info("peer joined room", "code", code, "peer", connID)
	g.flush([]delivery{{to: host, ev: Event{Type: EventPeerJoined, Code: code, PeerID: connID}}})
	return host, nil
}

// LeaveRoom applies departure semantics: a departing host always destroys the
// room (host-left to every peer, no host migration); a departing peer is
// removed and the host notified with peer-left. Unknown room or non-member is
// a no-op.
func (g *Registry) LeaveRoom(connID, code string) {
	g.mu.Lock()
	st, ok := g.rooms[code]
	if !ok {
		g.mu.Unlock()
		return
	}

	var out []delivery
	switch {
	case st.host == connID:
		out = g.destroyLocked(st, Event{Type: EventHostLeft, Code: code}, false)
		g.mu.Unlock()
		g.metrics.Inc(metrics.RoomsClosedHostLeft)
		g.log.Info("room closed, host left", "code", code, "host", connID)
	default:
		if _, isPeer := st.peers[connID]; !isPeer {
			g.mu.Unlock()
			return
		}
		delete(st.peers, connID)
		g.unindexLocked(connID, code)
		out = []delivery{{to: st.host, ev: Event{Type: EventPeerLeft, Code: code, PeerID: connID}}}
		g.mu.Unlock()
		g.log.Info("peer left room", "code", code, "peer", connID)
	}

	g.flush(out)
}

// RecordUsage consumes one unit of the room's usage budget on behalf of a
// member connection. When the budget reaches zero the room is destroyed and
// every member receives room-expired with reason usage_exhausted. Rooms
// without usage tracking ignore the call. Unknown rooms (including rooms
// already destroyed by a racing teardown) and non-members report
// ErrRoomNotFound so membership is not leaked.
func (g *Registry) RecordUsage(connID, code string) error {
	g.mu.Lock()
	st, ok := g.rooms[code]
	if !ok || !st.isMember(connID) {
		g.mu.Unlock()
		g.metrics.Inc(metrics.DropReasonRoomNotFound)
		return ErrRoomNotFound
	}
	if st.usageLeft < 0 {
		g.mu.Unlock()
		return nil
	}

	st.usageLeft--
	if st.usageLeft > 0 {
		g.mu.Unlock()
		return nil
	}

	out := g.destroyLocked(st, Event{Type: EventRoomExpired, Code: code, Reason: ReasonUsageExhausted}, true)
	g.mu.Unlock()

	g.metrics.Inc(metrics.RoomsExpiredUsage)
	g.log.Info("room expired", "code", code, "reason", ReasonUsageExhausted)
	g.flush(out)
	return nil
}

// SweepExpired destroys every room whose TTL elapsed at or before now,
// broadcasting room-expired with reason ttl to all members.
func (g *Registry) SweepExpired(now time.Time) {
	g.mu.Lock()
	var out []delivery
	var expired []string
	for code, st := range g.rooms {
		if !st.createdAt.Add(st.ttl).After(now) {
			expired = append(expired, code)
			out = append(out, g.destroyLocked(st, Event{Type: EventRoomExpired, Code: code, Reason: ReasonTTL}, true)...)
		}
	}
	g.mu.Unlock()

	for _, code := range expired {
		g.metrics.Inc(metrics.RoomsExpiredTTL)
		g.log.Info("room expired", "code", code, "reason", ReasonTTL)
	}
	g.flush(out)
}

// RemoveConnection applies leave semantics for every room the connection
// touched. Called on disconnect; calling it twice for the same connection is
// a safe no-op.
func (g *Registry) RemoveConnection(connID string) {
	g.mu.Lock()
	codes := make([]string, 0, len(g.byConn[connID]))
	for code := range g.byConn[connID] {
		codes = append(codes, code)
	}
	g.mu.Unlock()

	for _, code := range codes {
		g.LeaveRoom(connID, code)
	}
}

// Relay routes an opaque signaling payload within a room. Senders that are
// not current members are dropped silently; the registry counts the drop but
// surfaces nothing, so membership cannot be probed. With a target the payload
// goes to that single member only; otherwise it is broadcast to every member
// except the sender. Events carry the authenticated sender ID, never a
// claimed one.
func (g *Registry) Relay(senderID, code, targetID string, data json.RawMessage) {
	g.mu.Lock()
	st, ok := g.rooms[code]
	if !ok || !st.isMember(senderID) {
		g.mu.Unlock()
		g.metrics.Inc(metrics.DropReasonNonMemberSignal)
		return
	}

	var recipients []string
	if targetID != "" {
		if targetID != senderID && st.isMember(targetID) {
			recipients = []string{targetID}
		}
	} else {
		if st.host != senderID {
			recipients = append(recipients, st.host)
		}
		for peer := range st.peers {
			if peer != senderID {
				recipients = append(recipients, peer)
			}
		}
	}
	g.mu.Unlock()

	if len(recipients) == 0 {
		return
	}
	ev := Event{Type: EventSignal, Code: code, From: senderID, Data: data}
	out := make([]delivery, 0, len(recipients))
	for _, to := range recipients {
		out = append(out, delivery{to: to, ev: ev})
	}
	g.metrics.Inc(metrics.SignalsRelayed)
	g.flush(out)
}

// Len returns the number of live rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// StartSweeper runs the periodic TTL sweep until Stop is called.
func (g *Registry) StartSweeper() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.SweepExpired(g.clock.Now())
			case <-g.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the sweeper. Safe to call multiple times.
func (g *Registry) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

// destroyLocked removes the room and all index entries and returns the
// pending notifications: ev to every peer, plus the host when includeHost is
// set (expiry events reach the host; host-left obviously does not).
func (g *Registry) destroyLocked(st *state, ev Event, includeHost bool) []delivery {
	out := make([]delivery, 0, len(st.peers)+1)
	for peer := range st.peers {
		g.unindexLocked(peer, st.code)
		out = append(out, delivery{to: peer, ev: ev})
	}
	if includeHost {
		out = append(out, delivery{to: st.host, ev: ev})
	}
	g.unindexLocked(st.host, st.code)
	delete(g.rooms, st.code)
	return out
}

func (g *Registry) indexLocked(connID, code string) {
	set, ok := g.byConn[connID]
	if !ok {
		set = make(map[string]struct{})
		g.byConn[connID] = set
	}
	set[code] = struct{}{}
}

func (g *Registry) unindexLocked(connID, code string) {
	set, ok := g.byConn[connID]
	if !ok {
		return
	}
	delete(set, code)
	if len(set) == 0 {
		delete(g.byConn, connID)
	}
}

func (g *Registry) flush(out []delivery) {
	if g.sender == nil {
		return
	}
	for _, d := range out {
		g.sender.Send(d.to, d.ev)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
