package call

import (
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// PeerConn is the slice of *webrtc.PeerConnection the negotiation
// machine needs. Tests substitute a scripted fake.
type PeerConn interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(cand webrtc.ICECandidateInit) error

	// GatheringComplete must be read before SetLocalDescription so the
	// promise observes the full gathering cycle.
	GatheringComplete() <-chan struct{}

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnNegotiationNeeded(f func())
	Close() error
}

// PeerFactory builds a fresh peer connection for each negotiation
// cycle. Reconnects always start from a new connection.
type PeerFactory func() (PeerConn, error)

// NewPeerFactory returns a factory producing pion peer connections
// configured with the given ICE servers.
func NewPeerFactory(iceServers []webrtc.ICEServer, log *slog.Logger) PeerFactory {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = &slogLoggerFactory{log: log}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	return func() (PeerConn, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return &pionPeer{pc: pc}, nil
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	_, err := p.pc.AddTrack(track)
	return err
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *pionPeer) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(cand)
}

func (p *pionPeer) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(p.pc)
}

func (p *pionPeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(f)
}

func (p *pionPeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) OnNegotiationNeeded(f func()) {
	p.pc.OnNegotiationNeeded(f)
}

func (p *pionPeer) Close() error { return p.pc.Close() }
