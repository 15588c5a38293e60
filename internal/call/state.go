package call

// State is the lifecycle of one call attempt as seen by the local
// participant.
type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateAwaitingPeer
	StateNegotiating
	StateConnected
	StateReconnecting
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring_media"
	case StateAwaitingPeer:
		return "awaiting_peer"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}
