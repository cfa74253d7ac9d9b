package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halcyonlabs/rendezvous/internal/metrics"
	"github.com/halcyonlabs/rendezvous/internal/room"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// serverMessage is the union of every frame the server can send.
type serverMessage struct {
	Type  string `json:"type"`
	Op    string `json:"op"`
	OK    bool   `json:"ok"`
	Error string `json:"error"`

	Code       string `json:"code"`
	Token      string `json:"token"`
	TTLMinutes int    `json:"ttlMinutes"`
	MaxPeers   int    `json:"maxPeers"`
	UsageLeft  *int   `json:"usageLeft"`
	HostID     string `json:"hostId"`

	PeerID string          `json:"peerId"`
	From   string          `json:"from"`
	Reason string          `json:"reason"`
	Data   json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv := NewServer(cfg)
	reg := room.NewRegistry(room.Config{}, srv, cfg.Metrics, cfg.Clock, nil)
	srv.Registry = reg

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(reg.Stop)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write %s: %v", frame, err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func recvAck(t *testing.T, conn *websocket.Conn, op string) serverMessage {
	t.Helper()
	msg := recv(t, conn)
	if msg.Type != "ack" || msg.Op != op {
		t.Fatalf("got %+v, want ack for %s", msg, op)
	}
	return msg
}

func createRoom(t *testing.T, conn *websocket.Conn, frame string) serverMessage {
	t.Helper()
	send(t, conn, frame)
	a := recvAck(t, conn, "create-room")
	if !a.OK {
		t.Fatalf("create-room failed: %s", a.Error)
	}
	return a
}

func TestCreateJoinSignalFlow(t *testing.T) {
	_, url := newTestServer(t, Config{})

	host := dial(t, url)
	peer := dial(t, url)

	created := createRoom(t, host, `{"type":"create-room","maxPeers":4}`)
	if created.Code == "" || created.Token == "" {
		t.Fatalf("create-room ack missing code/token: %+v", created)
	}
	if created.UsageLeft == nil || *created.UsageLeft != -1 {
		t.Fatalf("usageLeft=%v, want -1", created.UsageLeft)
	}

	send(t, peer, `{"type":"join-room","code":"`+created.Code+`","token":"`+created.Token+`"}`)
	joined := recvAck(t, peer, "join-room")
	if !joined.OK || joined.HostID == "" {
		t.Fatalf("join-room ack=%+v, want ok with hostId", joined)
	}

	notified := recv(t, host)
	if notified.Type != "peer-joined" || notified.Code != created.Code || notified.PeerID == "" {
		t.Fatalf("host got %+v, want peer-joined", notified)
	}

	// Peer broadcasts a signal; the host receives it tagged with the peer's
	// server-assigned ID, payload untouched.
	send(t, peer, `{"type":"signal","code":"`+created.Code+`","data":{"sdp":"offer-v1"}}`)
	if a := recvAck(t, peer, "signal"); !a.OK {
		t.Fatalf("signal ack failed: %s", a.Error)
	}

	sig := recv(t, host)
	if sig.Type != "signal" || sig.From != notified.PeerID {
		t.Fatalf("host got %+v, want signal from %s", sig, notified.PeerID)
	}
	if !strings.Contains(string(sig.Data), "offer-v1") {
		t.Fatalf("payload=%s, want opaque passthrough", sig.Data)
	}

	// Host answers the peer directly, addressed by ID.
	send(t, host, `{"type":"signal","code":"`+created.Code+`","to":"`+notified.PeerID+`","data":{"sdp":"answer-v1"}}`)
	if a := recvAck(t, host, "signal"); !a.OK {
		t.Fatalf("signal ack failed: %s", a.Error)
	}
	answer := recv(t, peer)
	if answer.Type != "signal" || !strings.Contains(string(answer.Data), "answer-v1") {
		t.Fatalf("peer got %+v, want targeted answer", answer)
	}
}

func TestJoinRoomFailures(t *testing.T) {
	_, url := newTestServer(t, Config{})

	host := dial(t, url)
	created := createRoom(t, host, `{"type":"create-room","maxPeers":1}`)

	peer := dial(t, url)

	send(t, peer, `{"type":"join-room","code":"`+created.Code+`","token":"wrong"}`)
	if a := recvAck(t, peer, "join-room"); a.OK || a.Error != "invalid_token" {
		t.Fatalf("ack=%+v, want invalid_token", a)
	}

	send(t, peer, `{"type":"join-room","code":"nosuchroom","token":"`+created.Token+`"}`)
	if a := recvAck(t, peer, "join-room"); a.OK || a.Error != "room_not_found" {
		t.Fatalf("ack=%+v, want room_not_found", a)
	}

	send(t, peer, `{"type":"join-room","code":"`+created.Code+`","token":"`+created.Token+`"}`)
	if a := recvAck(t, peer, "join-room"); !a.OK {
		t.Fatalf("ack=%+v, want ok", a)
	}

	late := dial(t, url)
	send(t, late, `{"type":"join-room","code":"`+created.Code+`","token":"`+created.Token+`"}`)
	if a := recvAck(t, late, "join-room"); a.OK || a.Error != "room_full" {
		t.Fatalf("ack=%+v, want room_full", a)
	}
}

func TestMalformedMessagesGetMissingParams(t *testing.T) {
	_, url := newTestServer(t, Config{})
	conn := dial(t, url)

	send(t, conn, `{"type":"join-room","code":"abc"}`)
	if a := recvAck(t, conn, "join-room"); a.OK || a.Error != "missing_params" {
		t.Fatalf("ack=%+v, want missing_params", a)
	}

	send(t, conn, `{"type":"no-such-command"}`)
	msg := recv(t, conn)
	if msg.Type != "ack" || msg.OK || msg.Error != "missing_params" {
		t.Fatalf("got %+v, want missing_params ack", msg)
	}

	// The connection survives bad input.
	createRoom(t, conn, `{"type":"create-room"}`)
}

func TestTransferCompleteMembershipNotLeaked(t *testing.T) {
	_, url := newTestServer(t, Config{})

	host := dial(t, url)
	created := createRoom(t, host, `{"type":"create-room"}`)

	// A connection that never joined gets the same answer as one reporting
	// against a room that does not exist.
	outsider := dial(t, url)
	send(t, outsider, `{"type":"transfer-complete","code":"`+created.Code+`"}`)
	if a := recvAck(t, outsider, "transfer-complete"); a.OK || a.Error != "room_not_found" {
		t.Fatalf("ack=%+v, want room_not_found", a)
	}
	send(t, outsider, `{"type":"transfer-complete","code":"nosuchroom"}`)
	if a := recvAck(t, outsider, "transfer-complete"); a.OK || a.Error != "room_not_found" {
		t.Fatalf("ack=%+v, want room_not_found", a)
	}
}

func TestRateLimit(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	_, url := newTestServer(t, Config{MaxMessagesPerSecond: 1, Clock: clk})

	conn := dial(t, url)

	createRoom(t, conn, `{"type":"create-room"}`)

	// Budget exhausted: the command is refused but the connection stays up.
	send(t, conn, `{"type":"create-room"}`)
	if a := recvAck(t, conn, "create-room"); a.OK || a.Error != "rate_limit" {
		t.Fatalf("ack=%+v, want rate_limit", a)
	}

	// Capacity returns after refill.
	clk.Advance(time.Second)
	createRoom(t, conn, `{"type":"create-room"}`)
}

func TestPerAddressConnectionCap(t *testing.T) {
	srv, url := newTestServer(t, Config{MaxConnectionsPerIP: 1})

	first := dial(t, url)
	_ = first

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("second dial succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status=%v, want 429", resp)
	}
	deadline := time.Now().Add(2 * time.Second)
	for srv.ActiveConnections() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("active connections=%d, want 1", srv.ActiveConnections())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHostDisconnectClosesRoom(t *testing.T) {
	_, url := newTestServer(t, Config{})

	host := dial(t, url)
	created := createRoom(t, host, `{"type":"create-room"}`)

	peer := dial(t, url)
	send(t, peer, `{"type":"join-room","code":"`+created.Code+`","token":"`+created.Token+`"}`)
	recvAck(t, peer, "join-room")

	host.Close()

	gone := recv(t, peer)
	if gone.Type != "host-left" || gone.Code != created.Code {
		t.Fatalf("peer got %+v, want host-left", gone)
	}

	// The room cannot be rejoined.
	send(t, peer, `{"type":"join-room","code":"`+created.Code+`","token":"`+created.Token+`"}`)
	if a := recvAck(t, peer, "join-room"); a.OK || a.Error != "room_not_found" {
		t.Fatalf("ack=%+v, want room_not_found", a)
	}
}

func TestWorkedExample_SingleUseRoom(t *testing.T) {
	_, url := newTestServer(t, Config{})

	host := dial(t, url)
	created := createRoom(t, host, `{"type":"create-room","ttlMinutes":1,"maxPeers":2,"usageLimit":1}`)
	if created.TTLMinutes != 1 || created.MaxPeers != 2 {
		t.Fatalf("ack=%+v, want ttlMinutes=1 maxPeers=2", created)
	}
	if created.UsageLeft == nil || *created.UsageLeft != 1 {
		t.Fatalf("usageLeft=%v, want 1", created.UsageLeft)
	}

	peerA := dial(t, url)
	send(t, peerA, `{"type":"join-room","code":"`+created.Code+`","token":"`+created.Token+`"}`)
	recvAck(t, peerA, "join-room")
	if ev := recv(t, host); ev.Type != "peer-joined" {
		t.Fatalf("host got %+v, want peer-joined", ev)
	}

	// The single transfer consumes the room. The expiry event is queued
	// before the ack, so peerA sees room-expired first.
	send(t, peerA, `{"type":"transfer-complete","code":"`+created.Code+`"}`)
	expired := recv(t, peerA)
	if expired.Type != "room-expired" || expired.Reason != "usage_exhausted" {
		t.Fatalf("peerA got %+v, want room-expired usage_exhausted", expired)
	}
	if a := recvAck(t, peerA, "transfer-complete"); !a.OK {
		t.Fatalf("transfer-complete ack=%+v, want ok", a)
	}
	if ev := recv(t, host); ev.Type != "room-expired" || ev.Reason != "usage_exhausted" {
		t.Fatalf("host got %+v, want room-expired usage_exhausted", ev)
	}

	peerB := dial(t, url)
	send(t, peerB, `{"type":"join-room","code":"`+created.Code+`","token":"`+created.Token+`"}`)
	if a := recvAck(t, peerB, "join-room"); a.OK || a.Error != "room_not_found" {
		t.Fatalf("ack=%+v, want room_not_found", a)
	}
}

func TestBinaryFramesAreRejected(t *testing.T) {
	_, url := newTestServer(t, Config{})
	conn := dial(t, url)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("read succeeded, want close")
	}
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("err=%v, want unsupported data close", err)
	}
}

func TestOriginPolicy(t *testing.T) {
	_, url := newTestServer(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("cross-origin dial succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%v, want 403", resp)
	}

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowlisted dial: %v", err)
	}
	conn.Close()
}
