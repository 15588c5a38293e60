package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telemeet/signaling/internal/protocol"
)

// echoServer upgrades /ws and echoes every text frame back verbatim.
type echoServer struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

func (s *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

func (s *echoServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func startEcho(t *testing.T) (*echoServer, string) {
	t.Helper()
	es := &echoServer{}
	ts := httptest.NewServer(es)
	t.Cleanup(ts.Close)
	return es, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitEvent(t *testing.T, c *Conn, want EventKind) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("event channel closed while waiting for kind %d", want)
		}
		if ev.Kind != want {
			t.Fatalf("event kind=%d, want %d (err=%v)", ev.Kind, want, ev.Err)
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for event kind %d", want)
	}
	return Event{}
}

func TestSendAndReceiveRoundTrip(t *testing.T) {
	_, url := startEcho(t)

	c, err := Dial(context.Background(), url, Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	out := protocol.Message{Kind: protocol.KindUserJoined, ParticipantID: "alice", Name: "Alice"}
	if err := c.Send(out); err != nil {
		t.Fatalf("send: %v", err)
	}

	ev := waitEvent(t, c, EventMessage)
	if ev.Message.Kind != protocol.KindUserJoined || ev.Message.ParticipantID != "alice" {
		t.Fatalf("echoed message=%+v", ev.Message)
	}
}

func TestUnparseableInboundIsDroppedNotFatal(t *testing.T) {
	es, url := startEcho(t)

	c, err := Dial(context.Background(), url, Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	// The echo server bounces garbage back; the transport must skip it
	// and keep delivering later messages.
	es.mu.Lock()
	server := es.conns[0]
	es.mu.Unlock()
	if err := server.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}

	if err := c.Send(protocol.Message{Kind: protocol.KindUserLeft, ParticipantID: "bob"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev := waitEvent(t, c, EventMessage)
	if ev.Message.Kind != protocol.KindUserLeft {
		t.Fatalf("message=%+v, want user_left", ev.Message)
	}
}

func TestRedialAfterDrop(t *testing.T) {
	es, url := startEcho(t)

	c, err := Dial(context.Background(), url, Options{
		RedialAttempts: 3,
		RedialBackoff:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	es.dropAll()

	waitEvent(t, c, EventDisconnected)
	waitEvent(t, c, EventConnected)

	// The fresh link carries traffic again.
	if err := c.Send(protocol.Message{Kind: protocol.KindUserJoined, ParticipantID: "alice", Name: "a"}); err != nil {
		t.Fatalf("send after redial: %v", err)
	}
	waitEvent(t, c, EventMessage)
}

func TestRedialBudgetExhaustedClosesEvents(t *testing.T) {
	es, url := startEcho(t)

	c, err := Dial(context.Background(), url, Options{
		RedialAttempts: 0,
		RedialBackoff:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	es.dropAll()

	waitEvent(t, c, EventDisconnected)
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatalf("expected channel close after exhausted redial budget")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for channel close")
	}

	if err := c.Send(protocol.Message{Kind: protocol.KindUserLeft, ParticipantID: "x"}); err == nil {
		t.Fatalf("send succeeded on dead transport")
	}
}

func TestCloseStopsEvents(t *testing.T) {
	_, url := startEcho(t)

	c, err := Dial(context.Background(), url, Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = c.Close()

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatalf("unexpected event after close")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for channel close")
	}

	if err := c.Send(protocol.Message{Kind: protocol.KindUserLeft, ParticipantID: "x"}); err != ErrClosed {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}
