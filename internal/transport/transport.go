// Package transport is the client half of the signaling link: a
// WebSocket connection to the coordinator with message framing,
// keepalive and bounded redial on failure.
package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telemeet/signaling/internal/protocol"
)

const writeWait = 5 * time.Second

var ErrClosed = errors.New("transport closed")

type EventKind int

const (
	// EventMessage carries a parsed signaling message.
	EventMessage EventKind = iota
	// EventDisconnected reports a lost link. A redial is already in
	// progress when the event is delivered; EventConnected follows if
	// it succeeds, channel close if the attempts run out.
	EventDisconnected
	// EventConnected reports a successful redial. Server-side session
	// state may be gone; consumers are expected to rejoin.
	EventConnected
)

type Event struct {
	Kind    EventKind
	Message protocol.Message
	Err     error
}

type Options struct {
	Log *slog.Logger

	// RedialAttempts bounds reconnection tries after a lost link.
	// 0 disables redial entirely.
	RedialAttempts int
	RedialBackoff  time.Duration

	Dialer *websocket.Dialer
}

// Conn is a signaling link to the coordinator. Send may be called from
// any goroutine; events are delivered on a single channel in arrival
// order, which preserves the server's per-sender ordering.
type Conn struct {
	url    string
	opts   Options
	events chan Event

	writeMu sync.Mutex
	ws      *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	if opts.Log == nil {
		opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.RedialBackoff <= 0 {
		opts.RedialBackoff = time.Second
	}

	ws, _, err := opts.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		url:    url,
		opts:   opts,
		events: make(chan Event, 16),
		ws:     ws,
		closed: make(chan struct{}),
	}
	go c.readLoop(ws)
	return c, nil
}

// Events returns the inbound event stream. The channel is closed when
// the link is gone for good: Close was called or the redial budget ran
// out.
func (c *Conn) Events() <-chan Event {
	return c.events
}

func (c *Conn) Send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if c.ws == nil {
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		if c.ws != nil {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = c.ws.Close()
		}
		c.writeMu.Unlock()
	})
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	defer close(c.events)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}

			c.opts.Log.Warn("signaling link lost", "err", err)
			if !c.deliver(Event{Kind: EventDisconnected, Err: err}) {
				return
			}

			next, ok := c.redial()
			if !ok {
				return
			}
			ws = next
			if !c.deliver(Event{Kind: EventConnected}) {
				return
			}
			continue
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			c.opts.Log.Warn("dropping unparseable signaling message", "err", err)
			continue
		}
		if !c.deliver(Event{Kind: EventMessage, Message: msg}) {
			return
		}
	}
}

func (c *Conn) deliver(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

// redial tries to re-establish the link, swapping the new connection
// in under the write lock so concurrent Sends move over atomically.
func (c *Conn) redial() (*websocket.Conn, bool) {
	for attempt := 1; attempt <= c.opts.RedialAttempts; attempt++ {
		select {
		case <-time.After(c.opts.RedialBackoff):
		case <-c.closed:
			return nil, false
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		ws, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
		cancel()
		if err != nil {
			c.opts.Log.Warn("redial failed", "attempt", attempt, "err", err)
			continue
		}

		c.writeMu.Lock()
		c.ws = ws
		c.writeMu.Unlock()
		c.opts.Log.Info("signaling link re-established", "attempt", attempt)
		return ws, true
	}

	c.writeMu.Lock()
	c.ws = nil
	c.writeMu.Unlock()
	return nil, false
}
