// Package registry owns session membership for the signaling
// coordinator: which participants are present under which session key,
// and who acts as the call initiator.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/telemeet/signaling/internal/metrics"
	"github.com/telemeet/signaling/internal/protocol"
	"github.com/telemeet/signaling/internal/ratelimit"
)

var (
	ErrEmptySessionKey  = errors.New("session key must not be empty")
	ErrCapacityExceeded = errors.New("session already has two participants")
	ErrTooManySessions  = errors.New("too many sessions")
)

// A session carries exactly one 1:1 call, so two members.
const maxMembers = 2

// Conn is the opaque transport handle the registry routes by. The
// registry never owns the connection lifecycle; it only looks handles
// up to deliver events.
type Conn interface {
	ID() string
	Send(protocol.Message) error
}

type ParticipantInfo struct {
	ParticipantID string
	Name          string
}

type Participant struct {
	Info     ParticipantInfo
	Role     protocol.Role
	JoinedAt time.Time
	Conn     Conn
}

// Member converts a participant to its wire representation.
func (p Participant) Member() protocol.Member {
	return protocol.Member{
		ParticipantID: p.Info.ParticipantID,
		Name:          p.Info.Name,
		Role:          p.Role,
	}
}

type JoinResult struct {
	// Roster is the membership after the join, ordered by join time.
	Roster []Participant
	// Role assigned to the joining participant. The earliest joined
	// member is always the initiator; this is never renegotiated, which
	// is what prevents both sides from creating offers at once.
	Role protocol.Role
	// Rejoined is true when the join was idempotent: the connection (or
	// the same participant on a new connection) already held the
	// membership.
	Rejoined bool
}

type LeaveResult struct {
	SessionKey  string
	Left        bool
	Participant Participant
	// Remaining is the roster after the leave, with roles recomputed
	// (a surviving member is promoted to initiator).
	Remaining []Participant
}

type session struct {
	mu      sync.Mutex
	gone    bool
	members []*Participant // join order
}

type Config struct {
	// MaxSessions caps concurrently live sessions. <= 0 means unlimited.
	MaxSessions int
}

// Registry maps session keys to live sessions. The map mutex only
// guards lookup/create/delete; every membership mutation happens under
// the per-session mutex, so joins on distinct keys never contend.
type Registry struct {
	cfg     Config
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	mu       sync.Mutex
	sessions map[string]*session
}

func New(cfg Config, m *metrics.Metrics, clock ratelimit.Clock) *Registry {
	if m == nil {
		m = metrics.New()
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Registry{
		cfg:      cfg,
		metrics:  m,
		clock:    clock,
		sessions: make(map[string]*session),
	}
}

func (r *Registry) Metrics() *metrics.Metrics { return r.metrics }

// Join adds conn to the session, creating it lazily. Joining again
// with the same connection, or with the same participant on a fresh
// connection, is idempotent and refreshes the stored handle.
func (r *Registry) Join(sessionKey string, info ParticipantInfo, conn Conn) (JoinResult, error) {
	if sessionKey == "" {
		return JoinResult{}, ErrEmptySessionKey
	}

	for {
		sess, err := r.getOrCreate(sessionKey)
		if err != nil {
			return JoinResult{}, err
		}

		sess.mu.Lock()
		if sess.gone {
			// Lost a race with the delete-when-empty path; retry against
			// a fresh session.
			sess.mu.Unlock()
			continue
		}

		for _, p := range sess.members {
			if p.Conn.ID() == conn.ID() || p.Info.ParticipantID == info.ParticipantID {
				// Refreshing the handle covers a participant rejoining on a
				// new connection before the old one was reaped.
				p.Conn = conn
				p.Info = info
				res := JoinResult{Roster: snapshot(sess.members), Role: p.Role, Rejoined: true}
				sess.mu.Unlock()
				return res, nil
			}
		}

		if len(sess.members) >= maxMembers {
			sess.mu.Unlock()
			r.metrics.Inc(metrics.JoinRejectedCapacity)
			return JoinResult{}, ErrCapacityExceeded
		}

		p := &Participant{
			Info:     info,
			JoinedAt: r.clock.Now(),
			Conn:     conn,
		}
		sess.members = append(sess.members, p)
		assignRolesLocked(sess)
		res := JoinResult{Roster: snapshot(sess.members), Role: p.Role}
		sess.mu.Unlock()
		return res, nil
	}
}

// Leave removes conn from the session. Absent membership is a no-op;
// Leave never errors, so duplicate delivery (an explicit leave after a
// transport-close sweep) is always safe.
func (r *Registry) Leave(sessionKey string, conn Conn) LeaveResult {
	res := LeaveResult{SessionKey: sessionKey}

	r.mu.Lock()
	sess, ok := r.sessions[sessionKey]
	r.mu.Unlock()
	if !ok {
		return res
	}

	sess.mu.Lock()
	for i, p := range sess.members {
		if p.Conn.ID() != conn.ID() {
			continue
		}
		res.Left = true
		res.Participant = *p
		sess.members = append(sess.members[:i], sess.members[i+1:]...)
		assignRolesLocked(sess)
		res.Remaining = snapshot(sess.members)
		break
	}
	empty := len(sess.members) == 0
	if empty {
		sess.gone = true
	}
	sess.mu.Unlock()

	if empty {
		r.mu.Lock()
		if cur, ok := r.sessions[sessionKey]; ok && cur == sess {
			delete(r.sessions, sessionKey)
		}
		r.mu.Unlock()
	}
	return res
}

// OnTransportClosed removes the connection from every session it
// belonged to. This is the primary defense against ghost participants
// after an ungraceful disconnect: without it a stale member blocks new
// joins indefinitely.
func (r *Registry) OnTransportClosed(conn Conn) []LeaveResult {
	r.mu.Lock()
	keys := make([]string, 0, len(r.sessions))
	for key := range r.sessions {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	var out []LeaveResult
	for _, key := range keys {
		if res := r.Leave(key, conn); res.Left {
			out = append(out, res)
		}
	}
	if len(out) > 0 {
		r.metrics.Inc(metrics.TransportClosed)
	}
	return out
}

// Members returns the current roster for the session, ordered by join
// time. A missing session yields an empty roster.
func (r *Registry) Members(sessionKey string) []Participant {
	r.mu.Lock()
	sess, ok := r.sessions[sessionKey]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gone {
		return nil
	}
	return snapshot(sess.members)
}

// SessionCount reports the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) getOrCreate(sessionKey string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[sessionKey]; ok {
		return sess, nil
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.metrics.Inc(metrics.JoinRejectedMaxSessions)
		return nil, ErrTooManySessions
	}
	sess := &session{}
	r.sessions[sessionKey] = sess
	return sess, nil
}

// Roles are positional: the earliest joined member still present is
// the initiator. Recomputed after every membership change so a
// surviving member is promoted when the original initiator leaves.
func assignRolesLocked(sess *session) {
	for i, p := range sess.members {
		if i == 0 {
			p.Role = protocol.RoleInitiator
		} else {
			p.Role = protocol.RoleResponder
		}
	}
}

func snapshot(members []*Participant) []Participant {
	out := make([]Participant, len(members))
	for i, p := range members {
		out[i] = *p
	}
	return out
}
