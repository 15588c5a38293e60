// Package relay routes signaling envelopes between the participants of
// a session. It owns no state of its own: every delivery is a fresh
// roster lookup against the registry, and envelopes that cannot be
// delivered are dropped, never queued. Recovery after a drop is the
// client's responsibility via a full renegotiation after rejoin.
package relay

import (
	"errors"
	"io"
	"log/slog"

	"github.com/telemeet/signaling/internal/metrics"
	"github.com/telemeet/signaling/internal/protocol"
	"github.com/telemeet/signaling/internal/registry"
)

// ErrNoPeer reports that an envelope had nobody to go to: the other
// side has not joined yet, or already left.
var ErrNoPeer = errors.New("no other participant in session")

type Relay struct {
	reg     *registry.Registry
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(reg *registry.Registry, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{reg: reg, metrics: m, log: logger}
}

// Forward delivers env to every member of the session other than the
// sender. Per-sender ordering holds because each connection's messages
// are read and forwarded by a single goroutine and Send is synchronous.
//
// Returns ErrNoPeer when nothing was delivered so the caller can echo
// a room_error back to the sender.
func (r *Relay) Forward(sender registry.Conn, env protocol.Envelope) error {
	msg := protocol.Message{
		Kind:       env.Kind,
		SessionKey: env.SessionKey,
		Payload:    env.Payload,
	}

	delivered := 0
	for _, member := range r.reg.Members(env.SessionKey) {
		if member.Conn.ID() == sender.ID() {
			continue
		}
		if err := member.Conn.Send(msg); err != nil {
			// The handle just went dead. Drop: the recipient will
			// renegotiate from scratch after it rejoins.
			r.metrics.Inc(metrics.EnvelopeDroppedDeadConn)
			r.log.Warn("dropped envelope to dead connection",
				"session_key", env.SessionKey,
				"kind", env.Kind,
				"recipient", member.Info.ParticipantID,
				"err", err,
			)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		r.metrics.Inc(metrics.EnvelopeDroppedNoPeer)
		return ErrNoPeer
	}
	return nil
}

// NotifyJoined tells the existing members that joiner arrived.
func (r *Relay) NotifyJoined(sessionKey string, joiner registry.Participant) {
	r.broadcast(sessionKey, joiner.Conn, protocol.Message{
		Kind:          protocol.KindUserJoined,
		ParticipantID: joiner.Info.ParticipantID,
		Name:          joiner.Info.Name,
	})
}

// NotifyLeft tells the remaining members that a participant left.
// Callers must invoke this at most once per removal (the registry's
// LeaveResult.Left flag) so user_left is never double-emitted.
func (r *Relay) NotifyLeft(res registry.LeaveResult) {
	if !res.Left {
		return
	}
	msg := protocol.Message{
		Kind:          protocol.KindUserLeft,
		ParticipantID: res.Participant.Info.ParticipantID,
		Name:          res.Participant.Info.Name,
	}
	for _, member := range res.Remaining {
		if err := member.Conn.Send(msg); err != nil {
			r.metrics.Inc(metrics.EnvelopeDroppedDeadConn)
		}
	}
}

func (r *Relay) broadcast(sessionKey string, exclude registry.Conn, msg protocol.Message) {
	for _, member := range r.reg.Members(sessionKey) {
		if exclude != nil && member.Conn.ID() == exclude.ID() {
			continue
		}
		if err := member.Conn.Send(msg); err != nil {
			r.metrics.Inc(metrics.EnvelopeDroppedDeadConn)
			r.log.Warn("dropped broadcast to dead connection",
				"session_key", sessionKey,
				"kind", msg.Kind,
				"err", err,
			)
		}
	}
}
