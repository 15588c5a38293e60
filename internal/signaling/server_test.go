package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telemeet/signaling/internal/metrics"
	"github.com/telemeet/signaling/internal/protocol"
	"github.com/telemeet/signaling/internal/registry"
	"github.com/telemeet/signaling/internal/relay"
)

type testEnv struct {
	reg      *registry.Registry
	presence *registry.Presence
	metrics  *metrics.Metrics
	wsURL    string
}

func startTestServer(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	m := metrics.New()
	reg := registry.New(registry.Config{}, m, nil)
	presence := registry.NewPresence()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rel := relay.New(reg, m, log)

	cfg := Config{
		Registry:             reg,
		Presence:             presence,
		Relay:                rel,
		Metrics:              m,
		Logger:               log,
		IdleTimeout:          10 * time.Second,
		PingInterval:         3 * time.Second,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 100,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	mux := http.NewServeMux()
	New(cfg).Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{
		reg:      reg,
		presence: presence,
		metrics:  m,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
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

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func joinRoom(t *testing.T, conn *websocket.Conn, sessionKey, participantID string) protocol.Message {
	t.Helper()
	send(t, conn, `{"type":"join_video_room","sessionKey":"`+sessionKey+`","participantId":"`+participantID+`","name":"`+participantID+`"}`)
	msg := recv(t, conn)
	if msg.Kind != protocol.KindRoomJoined {
		t.Fatalf("join reply kind=%q: %+v", msg.Kind, msg)
	}
	return msg
}

func TestJoinHandshakeAndPeerNotification(t *testing.T) {
	env := startTestServer(t, nil)

	a := dial(t, env.wsURL)
	joined := joinRoom(t, a, "room-1", "alice")
	if joined.Role != protocol.RoleInitiator {
		t.Fatalf("first joiner role=%q, want initiator", joined.Role)
	}
	if len(joined.Members) != 1 {
		t.Fatalf("members=%d, want 1", len(joined.Members))
	}

	b := dial(t, env.wsURL)
	joinedB := joinRoom(t, b, "room-1", "bob")
	if joinedB.Role != protocol.RoleResponder {
		t.Fatalf("second joiner role=%q, want responder", joinedB.Role)
	}
	if len(joinedB.Members) != 2 || joinedB.Members[0].ParticipantID != "alice" {
		t.Fatalf("members=%+v", joinedB.Members)
	}

	notice := recv(t, a)
	if notice.Kind != protocol.KindUserJoined || notice.ParticipantID != "bob" {
		t.Fatalf("user_joined=%+v", notice)
	}

	if _, ok := env.presence.Lookup("alice"); !ok {
		t.Fatalf("alice not tracked in presence")
	}
}

func TestEnvelopeForwardingBothDirections(t *testing.T) {
	env := startTestServer(t, nil)

	a := dial(t, env.wsURL)
	joinRoom(t, a, "room-1", "alice")
	b := dial(t, env.wsURL)
	joinRoom(t, b, "room-1", "bob")
	recv(t, a) // user_joined bob

	send(t, a, `{"type":"offer","sessionKey":"room-1","payload":{"type":"offer","sdp":"v=0 alice"}}`)
	offer := recv(t, b)
	if offer.Kind != protocol.KindOffer {
		t.Fatalf("kind=%q, want offer", offer.Kind)
	}
	var sdp struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(offer.Payload, &sdp); err != nil || sdp.SDP != "v=0 alice" {
		t.Fatalf("offer payload corrupted: %s", offer.Payload)
	}

	send(t, b, `{"type":"answer","sessionKey":"room-1","payload":{"type":"answer","sdp":"v=0 bob"}}`)
	answer := recv(t, a)
	if answer.Kind != protocol.KindAnswer {
		t.Fatalf("kind=%q, want answer", answer.Kind)
	}

	send(t, a, `{"type":"ice_candidate","sessionKey":"room-1","payload":{"candidate":"candidate:1 1 udp 1 10.0.0.1 1234 typ host"}}`)
	cand := recv(t, b)
	if cand.Kind != protocol.KindICECandidate {
		t.Fatalf("kind=%q, want ice_candidate", cand.Kind)
	}
}

func TestOfferWithoutPeerYieldsRoomError(t *testing.T) {
	env := startTestServer(t, nil)

	a := dial(t, env.wsURL)
	joinRoom(t, a, "room-1", "alice")

	send(t, a, `{"type":"offer","sessionKey":"room-1","payload":{"type":"offer","sdp":"v=0"}}`)
	reply := recv(t, a)
	if reply.Kind != protocol.KindError || reply.Error == nil || reply.Error.Type != protocol.ErrorTypeRoom {
		t.Fatalf("reply=%+v, want room_error", reply)
	}
}

func TestThirdJoinRejected(t *testing.T) {
	env := startTestServer(t, nil)

	a := dial(t, env.wsURL)
	joinRoom(t, a, "room-1", "alice")
	b := dial(t, env.wsURL)
	joinRoom(t, b, "room-1", "bob")

	c := dial(t, env.wsURL)
	send(t, c, `{"type":"join_video_room","sessionKey":"room-1","participantId":"carol","name":"carol"}`)
	reply := recv(t, c)
	if reply.Kind != protocol.KindError || reply.Error == nil || reply.Error.Type != protocol.ErrorTypeRoom {
		t.Fatalf("reply=%+v, want room_error", reply)
	}

	if got := len(env.reg.Members("room-1")); got != 2 {
		t.Fatalf("roster=%d after rejected join, want 2", got)
	}
	if env.metrics.Get(metrics.JoinRejectedCapacity) != 1 {
		t.Fatalf("expected capacity rejection counter")
	}
}

func TestPeerDisconnectEmitsUserLeft(t *testing.T) {
	env := startTestServer(t, nil)

	a := dial(t, env.wsURL)
	joinRoom(t, a, "room-1", "alice")
	b := dial(t, env.wsURL)
	joinRoom(t, b, "room-1", "bob")
	recv(t, a) // user_joined bob

	b.Close()

	left := recv(t, a)
	if left.Kind != protocol.KindUserLeft || left.ParticipantID != "bob" {
		t.Fatalf("got %+v, want user_left bob", left)
	}

	// bob's slot is free again.
	c := dial(t, env.wsURL)
	joinRoom(t, c, "room-1", "carol")
}

func TestEndCallForwardsAndLeaves(t *testing.T) {
	env := startTestServer(t, nil)

	a := dial(t, env.wsURL)
	joinRoom(t, a, "room-1", "alice")
	b := dial(t, env.wsURL)
	joinRoom(t, b, "room-1", "bob")
	recv(t, a) // user_joined bob

	send(t, a, `{"type":"end_call","sessionKey":"room-1"}`)

	end := recv(t, b)
	if end.Kind != protocol.KindEndCall {
		t.Fatalf("kind=%q, want end_call", end.Kind)
	}
	left := recv(t, b)
	if left.Kind != protocol.KindUserLeft || left.ParticipantID != "alice" {
		t.Fatalf("got %+v, want user_left alice", left)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(env.reg.Members("room-1")) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("roster=%d, want 1", len(env.reg.Members("room-1")))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMalformedMessageKeepsConnectionUsable(t *testing.T) {
	env := startTestServer(t, nil)

	a := dial(t, env.wsURL)

	send(t, a, `{"type":"offer"`)
	reply := recv(t, a)
	if reply.Kind != protocol.KindError || reply.Error == nil || reply.Error.Type != protocol.ErrorTypeServer {
		t.Fatalf("reply=%+v, want server_error", reply)
	}

	send(t, a, `{"type":"join_video_room","sessionKey":"room-1","participantId":"alice","extra":true}`)
	reply = recv(t, a)
	if reply.Kind != protocol.KindError {
		t.Fatalf("unknown field accepted: %+v", reply)
	}

	// The connection survives both bad messages.
	joinRoom(t, a, "room-1", "alice")

	if env.metrics.Get(metrics.SignalingBadMessage) != 2 {
		t.Fatalf("bad message counter=%d, want 2", env.metrics.Get(metrics.SignalingBadMessage))
	}
}

func TestBinaryMessageClosesConnection(t *testing.T) {
	env := startTestServer(t, nil)

	a := dial(t, env.wsURL)
	if err := a.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("err=%v, want unsupported data close", err)
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	env := startTestServer(t, func(cfg *Config) {
		cfg.MaxMessagesPerSecond = 1
	})

	a := dial(t, env.wsURL)
	joinRoom(t, a, "room-1", "alice")

	// Burst capacity is 1, so an immediate second message exceeds it.
	send(t, a, `{"type":"offer","sessionKey":"room-1","payload":{"type":"offer","sdp":"v=0"}}`)

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := a.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("err=%v, want policy violation close", err)
			}
			break
		}
	}

	if env.metrics.Get(metrics.SignalingRateLimited) != 1 {
		t.Fatalf("rate limit counter=%d, want 1", env.metrics.Get(metrics.SignalingRateLimited))
	}
}

func TestReconnectReplacesHandleWithoutGhost(t *testing.T) {
	env := startTestServer(t, nil)

	a := dial(t, env.wsURL)
	joinRoom(t, a, "room-1", "alice")
	b := dial(t, env.wsURL)
	joinRoom(t, b, "room-1", "bob")
	recv(t, a) // user_joined bob

	// bob rejoins on a new connection before the old one is torn down.
	b2 := dial(t, env.wsURL)
	rejoined := joinRoom(t, b2, "room-1", "bob")
	if rejoined.Role != protocol.RoleResponder {
		t.Fatalf("rejoin role=%q, want responder", rejoined.Role)
	}
	if got := len(env.reg.Members("room-1")); got != 2 {
		t.Fatalf("roster=%d, want 2 (no ghost)", got)
	}

	// The stale connection dying must not evict the rejoined member.
	b.Close()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := len(env.reg.Members("room-1")); got != 2 {
		t.Fatalf("roster=%d after stale close, want 2", got)
	}

	// And envelopes now reach the fresh connection.
	send(t, a, `{"type":"offer","sessionKey":"room-1","payload":{"type":"offer","sdp":"v=0"}}`)
	offer := recv(t, b2)
	if offer.Kind != protocol.KindOffer {
		t.Fatalf("kind=%q, want offer on fresh connection", offer.Kind)
	}
}
