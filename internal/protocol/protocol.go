// Package protocol defines the signaling messages exchanged between
// call participants and the coordinator.
//
// The coordinator never interprets negotiation payloads: offers,
// answers and ICE candidates cross the wire as opaque JSON produced
// and consumed by the client-side negotiation code.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type Kind string

const (
	KindJoin       Kind = "join_video_room"
	KindRoomJoined Kind = "room_joined"
	KindUserJoined Kind = "user_joined"
	KindUserLeft   Kind = "user_left"

	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice_candidate"
	KindEndCall      Kind = "end_call"

	KindError Kind = "signaling_error"
)

// Error types carried by signaling_error messages.
const (
	ErrorTypeRoom   = "room_error"
	ErrorTypeServer = "server_error"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Member is one roster entry in a room_joined snapshot.
type Member struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Role          Role   `json:"role,omitempty"`
}

// ErrorInfo is the payload of a signaling_error message.
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Message is the single wire type. Which fields are populated depends
// on the kind; Validate enforces the per-kind shape.
type Message struct {
	Kind Kind `json:"type"`

	SessionKey    string `json:"sessionKey,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	Name          string `json:"name,omitempty"`
	Role          Role   `json:"role,omitempty"`

	Members []Member `json:"members,omitempty"`

	// Payload is the opaque negotiation descriptor for
	// offer/answer/ice_candidate messages.
	Payload json.RawMessage `json:"payload,omitempty"`

	Error *ErrorInfo `json:"error,omitempty"`
}

// Envelope is the portion of an offer/answer/candidate/end message the
// relay routes without interpreting.
type Envelope struct {
	SessionKey string
	Kind       Kind
	Payload    json.RawMessage
}

// IsEnvelopeKind reports whether kind is routed peer-to-peer through
// the relay.
func IsEnvelopeKind(kind Kind) bool {
	switch kind {
	case KindOffer, KindAnswer, KindICECandidate, KindEndCall:
		return true
	}
	return false
}

// Parse decodes and validates a single wire message. Unknown fields
// and trailing data are rejected.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Kind {
	case KindJoin:
		if m.SessionKey == "" {
			return fmt.Errorf("join message missing sessionKey")
		}
		if m.ParticipantID == "" {
			return fmt.Errorf("join message missing participantId")
		}
		if m.Payload != nil || m.Members != nil || m.Error != nil {
			return fmt.Errorf("join message has unexpected fields")
		}
	case KindRoomJoined:
		if m.Members == nil {
			return fmt.Errorf("room_joined message missing members")
		}
		if m.Payload != nil || m.Error != nil {
			return fmt.Errorf("room_joined message has unexpected fields")
		}
	case KindUserJoined, KindUserLeft:
		if m.ParticipantID == "" {
			return fmt.Errorf("%s message missing participantId", m.Kind)
		}
		if m.Payload != nil || m.Members != nil || m.Error != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Kind)
		}
	case KindOffer, KindAnswer, KindICECandidate:
		if m.SessionKey == "" {
			return fmt.Errorf("%s message missing sessionKey", m.Kind)
		}
		if len(m.Payload) == 0 {
			return fmt.Errorf("%s message missing payload", m.Kind)
		}
		if m.Members != nil || m.Error != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Kind)
		}
	case KindEndCall:
		if m.SessionKey == "" {
			return fmt.Errorf("end_call message missing sessionKey")
		}
		if m.Members != nil || m.Error != nil {
			return fmt.Errorf("end_call message has unexpected fields")
		}
	case KindError:
		if m.Error == nil || m.Error.Message == "" || m.Error.Type == "" {
			return fmt.Errorf("signaling_error message missing error message/type")
		}
		if m.Payload != nil || m.Members != nil {
			return fmt.Errorf("signaling_error message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Kind)
	}
	return nil
}

// Envelope extracts the routable portion of an envelope-kind message.
func (m Message) Envelope() (Envelope, error) {
	if !IsEnvelopeKind(m.Kind) {
		return Envelope{}, fmt.Errorf("message type %q is not routable", m.Kind)
	}
	return Envelope{
		SessionKey: m.SessionKey,
		Kind:       m.Kind,
		Payload:    m.Payload,
	}, nil
}

// ErrorMessage builds a signaling_error message.
func ErrorMessage(errType, message string) Message {
	return Message{
		Kind: KindError,
		Error: &ErrorInfo{
			Message: message,
			Type:    errType,
		},
	}
}
