// Package call drives one 1:1 audio/video call from the caller's side:
// it acquires local media, joins a session over the signaling channel,
// runs the offer/answer exchange, and supervises reconnects.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/telemeet/signaling/internal/protocol"
	"github.com/telemeet/signaling/internal/transport"
)

const (
	defaultICEGatheringTimeout = 2 * time.Second
	defaultNegotiateTimeout    = 15 * time.Second
)

// Signaler is the signaling channel the machine talks through.
// *transport.Conn satisfies it.
type Signaler interface {
	Send(msg protocol.Message) error
	Events() <-chan transport.Event
}

// StateChange is delivered to Config.OnStateChange on every
// transition, from the machine's own goroutine.
type StateChange struct {
	State   State
	Reason  string
	Err     error
	Attempt int
}

type Config struct {
	SessionKey    string
	ParticipantID string
	DisplayName   string

	Signaler    Signaler
	Source      Source
	PeerFactory PeerFactory

	// ICEGatheringTimeout bounds how long a locally created descriptor
	// waits for candidate gathering before it is sent as-is.
	ICEGatheringTimeout time.Duration
	// NegotiateTimeout bounds one negotiation or reconnect cycle.
	NegotiateTimeout time.Duration
	// ReconnectAttempts is how many recovery cycles are allowed before
	// the call is abandoned. The budget refills every time the call
	// reaches Connected.
	ReconnectAttempts int

	Clock Clock
	Log   *slog.Logger

	OnStateChange func(StateChange)
}

type peerEvent struct {
	gen          int
	candidate    *webrtc.ICECandidateInit
	connState    webrtc.PeerConnectionState
	hasConnState bool
	renegotiate  bool
}

// Machine is the negotiation state machine for a single call. All
// state below the channels is owned by the Run goroutine.
type Machine struct {
	cfg   Config
	log   *slog.Logger
	clock Clock

	endOnce sync.Once
	endCh   chan struct{}
	done    chan struct{}

	peerEvents chan peerEvent

	state   State
	role    protocol.Role
	attempt int

	capture  Capture
	hasVideo bool

	pc    PeerConn
	pcGen int

	localKind      protocol.Kind
	descriptorSent bool
	remoteSet      bool
	candBuf        []webrtc.ICECandidateInit
	pendingRemote  []webrtc.ICECandidateInit

	gatherCh          <-chan struct{}
	gatherDeadline    <-chan time.Time
	negotiateDeadline <-chan time.Time

	transportDown bool
	finalErr      error
}

func New(cfg Config) (*Machine, error) {
	if cfg.SessionKey == "" {
		return nil, errors.New("call: session key required")
	}
	if cfg.ParticipantID == "" {
		return nil, errors.New("call: participant id required")
	}
	if cfg.Signaler == nil || cfg.Source == nil || cfg.PeerFactory == nil {
		return nil, errors.New("call: signaler, source and peer factory required")
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.ICEGatheringTimeout <= 0 {
		cfg.ICEGatheringTimeout = defaultICEGatheringTimeout
	}
	if cfg.NegotiateTimeout <= 0 {
		cfg.NegotiateTimeout = defaultNegotiateTimeout
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}

	return &Machine{
		cfg:        cfg,
		log:        cfg.Log.With("session", cfg.SessionKey, "participant", cfg.ParticipantID),
		clock:      cfg.Clock,
		endCh:      make(chan struct{}),
		done:       make(chan struct{}),
		peerEvents: make(chan peerEvent, 32),
		state:      StateIdle,
	}, nil
}

// End requests a local hangup. Safe to call from any goroutine, any
// number of times.
func (m *Machine) End() {
	m.endOnce.Do(func() { close(m.endCh) })
}

// Run drives the call until it ends. It returns nil on a clean hangup
// from either side and the terminal error otherwise.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.done)
	defer m.cleanup()

	m.setState(StateAcquiringMedia, "opening capture devices", nil)

	// A hangup must interrupt even a hung device probe, so the
	// acquisition context is canceled by End as well.
	mediaCtx, cancelMedia := context.WithCancel(ctx)
	go func() {
		select {
		case <-m.endCh:
			cancelMedia()
		case <-mediaCtx.Done():
		}
	}()
	capture, hasVideo, err := acquireMedia(mediaCtx, m.cfg.Source, m.log)
	cancelMedia()
	if err != nil {
		select {
		case <-m.endCh:
			m.setState(StateEnded, "local hangup", nil)
			return nil
		default:
		}
		m.fail("no usable media", err)
		return err
	}
	m.capture, m.hasVideo = capture, hasVideo
	if !hasVideo {
		m.log.Warn("running audio-only, no video device opened")
	}

	if err := m.sendJoin(); err != nil {
		cerr := &ConnectionError{Reason: "join send failed", Err: err}
		m.fail("join send failed", cerr)
		return cerr
	}
	m.setState(StateAwaitingPeer, "joined session, waiting for peer", nil)

	for {
		select {
		case <-ctx.Done():
			m.hangup("context canceled")
			return ctx.Err()

		case <-m.endCh:
			m.hangup("local hangup")
			return nil

		case ev, ok := <-m.cfg.Signaler.Events():
			if !ok {
				cerr := &ConnectionError{Reason: "signaling link lost for good"}
				m.fail("signaling link lost", cerr)
				return cerr
			}
			if stop, err := m.handleTransportEvent(ev); stop {
				return err
			}

		case pe := <-m.peerEvents:
			if stop, err := m.handlePeerEvent(pe); stop {
				return err
			}

		case <-m.gatherCh:
			m.finishGathering()

		case <-m.gatherDeadline:
			m.log.Debug("candidate gathering deadline hit, sending descriptor as-is")
			m.finishGathering()

		case <-m.negotiateDeadline:
			m.negotiateDeadline = nil
			if stop, err := m.retry("negotiation timed out", nil); stop {
				return err
			}
		}
	}
}

func (m *Machine) handleTransportEvent(ev transport.Event) (bool, error) {
	switch ev.Kind {
	case transport.EventDisconnected:
		m.transportDown = true
		return m.retry("signaling transport dropped", ev.Err)

	case transport.EventConnected:
		m.transportDown = false
		if err := m.sendJoin(); err != nil {
			m.log.Warn("rejoin send failed", "err", err)
		}
		return false, nil

	case transport.EventMessage:
		return m.handleMessage(ev.Message)
	}
	return false, nil
}

func (m *Machine) handleMessage(msg protocol.Message) (bool, error) {
	switch msg.Kind {
	case protocol.KindRoomJoined:
		m.role = msg.Role
		m.log.Info("session joined", "role", m.role, "members", len(msg.Members))
		if len(msg.Members) >= 2 {
			if m.role == protocol.RoleInitiator {
				return m.startOffer("peer already present")
			}
			m.setState(StateNegotiating, "peer present, waiting for offer", nil)
			m.negotiateDeadline = m.clock.After(m.cfg.NegotiateTimeout)
		} else if m.state != StateReconnecting {
			m.setState(StateAwaitingPeer, "waiting for peer", nil)
		}
		return false, nil

	case protocol.KindUserJoined:
		if m.role == protocol.RoleInitiator {
			return m.startOffer("peer joined")
		}
		m.setState(StateNegotiating, "peer joined, waiting for offer", nil)
		m.negotiateDeadline = m.clock.After(m.cfg.NegotiateTimeout)
		return false, nil

	case protocol.KindOffer:
		return m.handleOffer(msg)

	case protocol.KindAnswer:
		m.handleAnswer(msg)
		return false, nil

	case protocol.KindICECandidate:
		m.handleRemoteCandidate(msg)
		return false, nil

	case protocol.KindUserLeft:
		if m.state == StateConnected || m.state == StateNegotiating {
			return m.retry("peer left", nil)
		}
		return false, nil

	case protocol.KindEndCall:
		m.setState(StateEnded, "peer ended the call", nil)
		return true, nil

	case protocol.KindError:
		return m.handleSignalingError(msg)
	}

	m.log.Debug("ignoring signaling message", "type", msg.Kind)
	return false, nil
}

func (m *Machine) handleSignalingError(msg protocol.Message) (bool, error) {
	if msg.Error == nil {
		return false, nil
	}
	// A room error before any role was assigned means the join itself
	// was rejected. Later room errors are peer-absence notices; the
	// matching user_left drives recovery.
	if msg.Error.Type == protocol.ErrorTypeRoom && m.role == "" {
		cerr := &ConnectionError{Reason: "join rejected: " + msg.Error.Message}
		m.fail("join rejected", cerr)
		return true, cerr
	}
	m.log.Debug("signaling error", "errType", msg.Error.Type, "message", msg.Error.Message)
	return false, nil
}

func (m *Machine) handlePeerEvent(pe peerEvent) (bool, error) {
	if pe.gen != m.pcGen || m.pc == nil {
		return false, nil
	}

	switch {
	case pe.candidate != nil:
		if m.descriptorSent {
			m.sendCandidate(*pe.candidate)
		} else {
			m.candBuf = append(m.candBuf, *pe.candidate)
		}

	case pe.renegotiate:
		// Only the initiator opens a new offer cycle so the two sides
		// never produce offers at the same time.
		if m.state == StateConnected && m.role == protocol.RoleInitiator {
			return m.startOffer("renegotiation needed")
		}

	case pe.hasConnState:
		switch pe.connState {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			return m.retry("peer connection "+pe.connState.String(), nil)
		}
	}
	return false, nil
}

func (m *Machine) startOffer(reason string) (bool, error) {
	if err := m.ensurePeer(); err != nil {
		return m.retry("peer connection setup failed", err)
	}
	m.setState(StateNegotiating, reason, nil)
	m.negotiateDeadline = m.clock.After(m.cfg.NegotiateTimeout)

	offer, err := m.pc.CreateOffer()
	if err != nil {
		return m.retry("create offer failed", err)
	}
	m.localKind = protocol.KindOffer
	m.armGathering()
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return m.retry("set local offer failed", err)
	}
	return false, nil
}

func (m *Machine) handleOffer(msg protocol.Message) (bool, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &desc); err != nil {
		m.log.Warn("dropping unparseable offer", "err", err)
		return false, nil
	}

	if err := m.ensurePeer(); err != nil {
		return m.retry("peer connection setup failed", err)
	}
	m.setState(StateNegotiating, "offer received", nil)
	m.negotiateDeadline = m.clock.After(m.cfg.NegotiateTimeout)

	if err := m.pc.SetRemoteDescription(desc); err != nil {
		return m.retry("set remote offer failed", err)
	}
	m.remoteSet = true
	m.flushPendingRemote()

	answer, err := m.pc.CreateAnswer()
	if err != nil {
		return m.retry("create answer failed", err)
	}
	m.localKind = protocol.KindAnswer
	m.armGathering()
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return m.retry("set local answer failed", err)
	}
	return false, nil
}

func (m *Machine) handleAnswer(msg protocol.Message) {
	if m.pc == nil {
		m.log.Debug("dropping answer, no active peer connection")
		return
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &desc); err != nil {
		m.log.Warn("dropping unparseable answer", "err", err)
		return
	}
	if err := m.pc.SetRemoteDescription(desc); err != nil {
		m.log.Warn("set remote answer failed", "err", err)
		return
	}
	m.remoteSet = true
	m.flushPendingRemote()
	m.becomeConnected("answer received")
}

func (m *Machine) handleRemoteCandidate(msg protocol.Message) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &cand); err != nil {
		m.log.Warn("dropping unparseable candidate", "err", err)
		return
	}
	if m.pc == nil || !m.remoteSet {
		m.pendingRemote = append(m.pendingRemote, cand)
		return
	}
	if err := m.pc.AddICECandidate(cand); err != nil {
		m.log.Warn("add remote candidate failed", "err", err)
	}
}

func (m *Machine) flushPendingRemote() {
	for _, cand := range m.pendingRemote {
		if err := m.pc.AddICECandidate(cand); err != nil {
			m.log.Warn("add buffered candidate failed", "err", err)
		}
	}
	m.pendingRemote = nil
}

// armGathering must run before SetLocalDescription so the promise
// covers the whole gathering cycle.
func (m *Machine) armGathering() {
	m.descriptorSent = false
	m.candBuf = nil
	m.gatherCh = m.pc.GatheringComplete()
	m.gatherDeadline = m.clock.After(m.cfg.ICEGatheringTimeout)
}

func (m *Machine) finishGathering() {
	m.gatherCh, m.gatherDeadline = nil, nil
	if m.pc == nil {
		return
	}
	desc := m.pc.LocalDescription()
	if desc == nil {
		return
	}
	payload, err := json.Marshal(desc)
	if err != nil {
		m.log.Error("marshal local description", "err", err)
		return
	}
	msg := protocol.Message{
		Kind:          m.localKind,
		SessionKey:    m.cfg.SessionKey,
		ParticipantID: m.cfg.ParticipantID,
		Payload:       payload,
	}
	if err := m.cfg.Signaler.Send(msg); err != nil {
		m.log.Warn("send local description failed", "err", err)
		return
	}
	m.descriptorSent = true
	for _, cand := range m.candBuf {
		m.sendCandidate(cand)
	}
	m.candBuf = nil

	if m.localKind == protocol.KindAnswer {
		m.becomeConnected("answer sent")
	}
}

func (m *Machine) sendCandidate(cand webrtc.ICECandidateInit) {
	payload, err := json.Marshal(cand)
	if err != nil {
		m.log.Error("marshal candidate", "err", err)
		return
	}
	msg := protocol.Message{
		Kind:          protocol.KindICECandidate,
		SessionKey:    m.cfg.SessionKey,
		ParticipantID: m.cfg.ParticipantID,
		Payload:       payload,
	}
	if err := m.cfg.Signaler.Send(msg); err != nil {
		m.log.Warn("send candidate failed", "err", err)
	}
}

func (m *Machine) becomeConnected(reason string) {
	m.negotiateDeadline = nil
	m.attempt = 0
	m.setState(StateConnected, reason, nil)
}

// retry tears down the current peer connection and starts one recovery
// cycle, or gives up when the budget is spent.
func (m *Machine) retry(reason string, cause error) (bool, error) {
	m.closePeer()
	m.attempt++
	if m.attempt > m.cfg.ReconnectAttempts {
		cerr := &ConnectionError{Reason: reason, Err: cause}
		// Tell the peer we are done rather than silently vanishing.
		_ = m.cfg.Signaler.Send(protocol.Message{
			Kind:          protocol.KindEndCall,
			SessionKey:    m.cfg.SessionKey,
			ParticipantID: m.cfg.ParticipantID,
		})
		m.fail(reason, cerr)
		return true, cerr
	}
	m.setState(StateReconnecting, reason, cause)
	m.log.Warn("recovering call", "reason", reason, "attempt", m.attempt, "err", cause)

	if m.capture == nil || !m.capture.Live() {
		if m.capture != nil {
			_ = m.capture.Close()
		}
		capture, hasVideo, err := acquireMedia(context.Background(), m.cfg.Source, m.log)
		if err != nil {
			m.fail("media lost during recovery", err)
			return true, err
		}
		m.capture, m.hasVideo = capture, hasVideo
	}

	// Bound the whole recovery cycle. Roles may have shifted while we
	// were away, so rejoin and let the registry tell us who offers.
	m.negotiateDeadline = m.clock.After(m.cfg.NegotiateTimeout)
	if !m.transportDown {
		if err := m.sendJoin(); err != nil {
			m.log.Warn("rejoin send failed", "err", err)
		}
	}
	return false, nil
}

func (m *Machine) ensurePeer() error {
	if m.pc != nil {
		return nil
	}
	pc, err := m.cfg.PeerFactory()
	if err != nil {
		return err
	}
	for _, track := range m.capture.Tracks() {
		if err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return err
		}
	}

	m.pcGen++
	gen := m.pcGen
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		m.postPeerEvent(peerEvent{gen: gen, candidate: &init})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.postPeerEvent(peerEvent{gen: gen, connState: s, hasConnState: true})
	})
	pc.OnNegotiationNeeded(func() {
		m.postPeerEvent(peerEvent{gen: gen, renegotiate: true})
	})

	m.pc = pc
	m.descriptorSent = false
	m.remoteSet = false
	m.candBuf = nil
	m.pendingRemote = nil
	return nil
}

func (m *Machine) postPeerEvent(ev peerEvent) {
	select {
	case m.peerEvents <- ev:
	case <-m.done:
	}
}

func (m *Machine) closePeer() {
	if m.pc != nil {
		_ = m.pc.Close()
		m.pc = nil
	}
	m.pcGen++
	m.gatherCh, m.gatherDeadline = nil, nil
	m.negotiateDeadline = nil
	m.descriptorSent = false
	m.remoteSet = false
	m.candBuf = nil
	m.pendingRemote = nil
}

func (m *Machine) sendJoin() error {
	return m.cfg.Signaler.Send(protocol.Message{
		Kind:          protocol.KindJoin,
		SessionKey:    m.cfg.SessionKey,
		ParticipantID: m.cfg.ParticipantID,
		Name:          m.cfg.DisplayName,
	})
}

func (m *Machine) hangup(reason string) {
	_ = m.cfg.Signaler.Send(protocol.Message{
		Kind:          protocol.KindEndCall,
		SessionKey:    m.cfg.SessionKey,
		ParticipantID: m.cfg.ParticipantID,
	})
	m.setState(StateEnded, reason, nil)
}

func (m *Machine) fail(reason string, err error) {
	m.finalErr = err
	m.setState(StateEnded, reason, err)
}

func (m *Machine) cleanup() {
	m.closePeer()
	if m.capture != nil {
		_ = m.capture.Close()
		m.capture = nil
	}
}

func (m *Machine) setState(s State, reason string, err error) {
	if m.state == StateEnded && s != StateEnded {
		return
	}
	m.state = s
	m.log.Info("call state", "state", s, "reason", reason)
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(StateChange{State: s, Reason: reason, Err: err, Attempt: m.attempt})
	}
}
