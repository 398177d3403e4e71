package serializers

import (
	"bytes"
	"testing"

	"github.com/QYUbit/Relay/core"
)

func TestButilRoundTrip(t *testing.T) {
	s := NewButilSerializer()

	frame, err := s.Encode(&core.Message{
		Topic:   "room:1",
		Event:   "new_msg",
		Payload: []byte("some data"),
		Ref:     "7",
		JoinRef: "3",
	})
	if err != nil {
		t.Fatal(err)
	}
	if frame.Kind != core.BinaryFrame {
		t.Errorf("Kind = %v, want binary", frame.Kind)
	}

	decoded, err := s.Decode(frame.Data, core.DecodeOptions{AllowBinaryPayload: true})
	if err != nil {
		t.Fatal(err)
	}

	if decoded.Topic != "room:1" {
		t.Errorf("Topic = %q, want %q", decoded.Topic, "room:1")
	}
	if decoded.Event != "new_msg" {
		t.Errorf("Event = %q, want %q", decoded.Event, "new_msg")
	}
	if decoded.Ref != "7" {
		t.Errorf("Ref = %q, want %q", decoded.Ref, "7")
	}

	// No legacy constraint here: join_ref survives the wire.
	if decoded.JoinRef != "3" {
		t.Errorf("JoinRef = %q, want %q", decoded.JoinRef, "3")
	}

	payload, ok := decoded.Payload.([]byte)
	if !ok || !bytes.Equal(payload, []byte("some data")) {
		t.Errorf("Payload = %v, want %q", decoded.Payload, "some data")
	}
}

func TestButilFastlane(t *testing.T) {
	s := NewButilSerializer()

	fast, err := s.Fastlane(&core.Broadcast{
		Topic:   "room:1",
		Event:   "update",
		Payload: []byte{0x01, 0x02},
	})
	if err != nil {
		t.Fatal(err)
	}

	slow, err := s.Encode(&core.Message{
		Topic:   "room:1",
		Event:   "update",
		Payload: []byte{0x01, 0x02},
	})
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(fast.Data, slow.Data) {
		t.Errorf("fastlane bytes differ from normal path")
	}
}

func TestButilDecodeRequiresBinaryPayload(t *testing.T) {
	s := NewButilSerializer()

	frame, err := s.Encode(&core.Message{
		Topic:   "room:1",
		Event:   "e",
		Payload: []byte("data"),
		Ref:     "1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Decode(frame.Data, core.DecodeOptions{}); err == nil {
		t.Fatal("expected error without AllowBinaryPayload")
	}
	if _, err := s.Decode(frame.Data, core.DecodeOptions{AllowBinaryPayload: true}); err != nil {
		t.Fatal(err)
	}
}

func TestButilRejectsStructuredPayload(t *testing.T) {
	s := NewButilSerializer()

	_, err := s.Encode(&core.Message{
		Topic:   "room:1",
		Event:   "e",
		Payload: map[string]any{"a": 1},
		Ref:     "1",
	})
	if err == nil {
		t.Fatal("expected error for non-byte payload")
	}
}
