package protocol

import (
	"encoding/json"
	"testing"
)

func TestParse_Join(t *testing.T) {
	raw := []byte(`{"type":"join_video_room","sessionKey":"s1","participantId":"p1","name":"Alice","role":"initiator"}`)

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Kind != KindJoin || got.SessionKey != "s1" || got.ParticipantID != "p1" {
		t.Fatalf("unexpected decoded join: %#v", got)
	}
}

func TestParse_OfferRoundTrip(t *testing.T) {
	msg := Message{
		Kind:       KindOffer,
		SessionKey: "s1",
		Payload:    json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}

	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Kind != KindOffer || got.SessionKey != "s1" || len(got.Payload) == 0 {
		t.Fatalf("unexpected decoded offer: %#v", got)
	}
}

func TestParse_RejectsMissingPayload(t *testing.T) {
	raw := []byte(`{"type":"ice_candidate","sessionKey":"s1"}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error for candidate without payload")
	}
}

func TestParse_DisallowUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"end_call","sessionKey":"s1","unexpected":true}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParse_RejectsTrailingData(t *testing.T) {
	raw := []byte(`{"type":"end_call","sessionKey":"s1"}{"type":"end_call","sessionKey":"s1"}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error for trailing data")
	}
}

func TestParse_SignalingError(t *testing.T) {
	raw := []byte(`{"type":"signaling_error","error":{"message":"no peer","type":"room_error"}}`)

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Error == nil || got.Error.Type != ErrorTypeRoom {
		t.Fatalf("unexpected decoded error: %#v", got)
	}
}

func TestParse_RejectsUnknownKind(t *testing.T) {
	raw := []byte(`{"type":"mystery"}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMessage_Envelope(t *testing.T) {
	msg := Message{Kind: KindEndCall, SessionKey: "s1"}
	env, err := msg.Envelope()
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.Kind != KindEndCall || env.SessionKey != "s1" {
		t.Fatalf("unexpected envelope: %#v", env)
	}

	if _, err := (Message{Kind: KindJoin}).Envelope(); err == nil {
		t.Fatalf("expected error for non-routable kind")
	}
}
