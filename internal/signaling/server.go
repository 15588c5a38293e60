package signaling

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/telemeet/signaling/internal/metrics"
	"github.com/telemeet/signaling/internal/origin"
	"github.com/telemeet/signaling/internal/protocol"
	"github.com/telemeet/signaling/internal/ratelimit"
	"github.com/telemeet/signaling/internal/registry"
	"github.com/telemeet/signaling/internal/relay"
)

const wsWriteWait = 1 * time.Second

type Config struct {
	Registry *registry.Registry
	Presence *registry.Presence
	Relay    *relay.Relay
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	AllowedOrigins []string

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// Clock feeds the per-connection rate limiter. Nil means wall clock.
	Clock ratelimit.Clock
}

// Server owns the signaling WebSocket endpoint. One goroutine per
// connection reads and dispatches messages; replies and relayed
// envelopes are written synchronously under a per-connection mutex,
// which is what preserves per-sender ordering end to end.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	clock    ratelimit.Clock
	upgrader websocket.Upgrader
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	s := &Server{
		cfg:     cfg,
		log:     log,
		metrics: m,
		clock:   clock,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			header := strings.TrimSpace(r.Header.Get("Origin"))
			if header == "" {
				return true
			}
			normalized, originHost, ok := origin.Normalize(header)
			return ok && origin.Allowed(normalized, originHost, r.Host, cfg.AllowedOrigins)
		},
	}
	return s
}

// Register installs the WebSocket route on mux. Must be called before
// the HTTP server starts serving.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

// wsConn is the registry-facing handle for one WebSocket connection.
// Send is safe for concurrent use; the relay calls it from other
// participants' read goroutines.
type wsConn struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := &wsConn{id: uuid.NewString(), conn: raw}
	log := s.log.With("conn_id", conn.id, "remote_addr", r.RemoteAddr)
	log.Debug("signaling connection open")

	sess := &wsSession{
		srv:  s,
		conn: conn,
		log:  log,
	}
	if s.cfg.MaxMessagesPerSecond > 0 {
		sess.limiter = ratelimit.NewTokenBucket(
			s.clock,
			int64(s.cfg.MaxMessagesPerSecond),
			int64(s.cfg.MaxMessagesPerSecond),
		)
	}
	sess.run()
}

// wsSession is the per-connection read loop state.
type wsSession struct {
	srv  *Server
	conn *wsConn
	log  *slog.Logger

	limiter *ratelimit.TokenBucket

	// participantID is set by the first successful join and used to
	// release presence when the transport goes away.
	participantID string
}

func (ws *wsSession) run() {
	s := ws.srv
	raw := ws.conn.conn
	defer raw.Close()
	defer ws.teardown()

	if s.cfg.MaxMessageBytes > 0 {
		raw.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	_ = raw.SetReadDeadline(ws.readDeadline())
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(ws.readDeadline())
	})

	if s.cfg.PingInterval > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go ws.pingLoop(stop)
	}

	for {
		msgType, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		_ = raw.SetReadDeadline(ws.readDeadline())

		if msgType != websocket.TextMessage {
			ws.conn.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if ws.limiter != nil && !ws.limiter.Allow(1) {
			s.metrics.Inc(metrics.SignalingRateLimited)
			ws.conn.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			// A malformed message costs the sender an error reply, never
			// the connection or another participant's call.
			s.metrics.Inc(metrics.SignalingBadMessage)
			ws.log.Warn("bad signaling message", "err", err)
			_ = ws.conn.Send(protocol.ErrorMessage(protocol.ErrorTypeServer, "invalid message: "+err.Error()))
			continue
		}

		ws.dispatch(msg)
	}
}

func (ws *wsSession) readDeadline() time.Time {
	if ws.srv.cfg.IdleTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ws.srv.cfg.IdleTimeout)
}

func (ws *wsSession) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(ws.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// WriteControl is safe to call concurrently with WriteJSON.
			if err := ws.conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (ws *wsSession) dispatch(msg protocol.Message) {
	switch {
	case msg.Kind == protocol.KindJoin:
		ws.handleJoin(msg)
	case protocol.IsEnvelopeKind(msg.Kind):
		ws.handleEnvelope(msg)
	default:
		// Server-to-client kinds echoed back by a confused client.
		ws.srv.metrics.Inc(metrics.SignalingBadMessage)
		_ = ws.conn.Send(protocol.ErrorMessage(protocol.ErrorTypeServer, "unexpected message type "+string(msg.Kind)))
	}
}

func (ws *wsSession) handleJoin(msg protocol.Message) {
	s := ws.srv
	info := registry.ParticipantInfo{ParticipantID: msg.ParticipantID, Name: msg.Name}

	res, err := s.cfg.Registry.Join(msg.SessionKey, info, ws.conn)
	if err != nil {
		switch err {
		case registry.ErrCapacityExceeded:
			ws.log.Info("join rejected, session full", "session_key", msg.SessionKey, "participant", msg.ParticipantID)
			_ = ws.conn.Send(protocol.ErrorMessage(protocol.ErrorTypeRoom, "session already has two participants"))
		case registry.ErrTooManySessions:
			_ = ws.conn.Send(protocol.ErrorMessage(protocol.ErrorTypeServer, "server at session capacity"))
		default:
			_ = ws.conn.Send(protocol.ErrorMessage(protocol.ErrorTypeRoom, err.Error()))
		}
		return
	}

	ws.participantID = msg.ParticipantID
	s.cfg.Presence.Track(msg.ParticipantID, ws.conn)

	members := make([]protocol.Member, 0, len(res.Roster))
	var joiner registry.Participant
	for _, p := range res.Roster {
		members = append(members, p.Member())
		if p.Info.ParticipantID == msg.ParticipantID {
			joiner = p
		}
	}
	reply := protocol.Message{
		Kind:       protocol.KindRoomJoined,
		SessionKey: msg.SessionKey,
		Role:       res.Role,
		Members:    members,
	}
	if err := ws.conn.Send(reply); err != nil {
		return
	}

	ws.log.Info("participant joined",
		"session_key", msg.SessionKey,
		"participant", msg.ParticipantID,
		"role", res.Role,
		"rejoined", res.Rejoined,
	)

	// A handle refresh is invisible to the peer; only a genuinely new
	// membership is announced.
	if !res.Rejoined {
		s.cfg.Relay.NotifyJoined(msg.SessionKey, joiner)
	}
}

func (ws *wsSession) handleEnvelope(msg protocol.Message) {
	s := ws.srv
	env, err := msg.Envelope()
	if err != nil {
		_ = ws.conn.Send(protocol.ErrorMessage(protocol.ErrorTypeServer, err.Error()))
		return
	}

	ferr := s.cfg.Relay.Forward(ws.conn, env)

	if env.Kind == protocol.KindEndCall {
		// Ending a call also ends the membership. The forward is best
		// effort; the peer may already be gone.
		res := s.cfg.Registry.Leave(env.SessionKey, ws.conn)
		s.cfg.Relay.NotifyLeft(res)
		ws.log.Info("call ended", "session_key", env.SessionKey, "participant", ws.participantID)
		return
	}

	if ferr != nil {
		ws.log.Debug("envelope dropped", "session_key", env.SessionKey, "kind", env.Kind, "err", ferr)
		_ = ws.conn.Send(protocol.ErrorMessage(protocol.ErrorTypeRoom, "no other participant in session"))
	}
}

// teardown reaps every membership held by the dying connection and
// lets the surviving peers know. This runs exactly once per connection
// whether the close was graceful or not.
func (ws *wsSession) teardown() {
	s := ws.srv
	results := s.cfg.Registry.OnTransportClosed(ws.conn)
	for _, res := range results {
		s.cfg.Relay.NotifyLeft(res)
	}
	if ws.participantID != "" {
		s.cfg.Presence.Untrack(ws.participantID, ws.conn)
	}
	ws.log.Debug("signaling connection closed", "sessions_swept", len(results))
}
