package serializers

import (
	"encoding/json"
	"fmt"

	"github.com/QYUbit/Relay/core"
)

const jsonSerializerName = "V1 JSON serializer"

// JSONSerializer is the reference implementation of core.Serializer. It
// always produces text frames.
//
// Wire compatibility note: this serializer version accepts join_ref on
// inbound frames and keeps it on the struct, but never emits it. The
// outbound shape is fixed to {"topic","event","payload","ref"}. Do not
// add join_ref here without confirming every deployed client tolerates
// the extra key; ButilSerializer shows the unconstrained shape.
type JSONSerializer struct{}

func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// wireMessage pins the outbound field order and set. Ref is a pointer so
// an absent ref encodes as null instead of "".
type wireMessage struct {
	Topic   string  `json:"topic"`
	Event   string  `json:"event"`
	Payload any     `json:"payload"`
	Ref     *string `json:"ref"`
}

// wireReply is the payload projection of a Reply: the original payload
// nests under "response" next to the status tag.
type wireReply struct {
	Status   string `json:"status"`
	Response any    `json:"response"`
}

func (s *JSONSerializer) Encode(env core.Envelope) (core.Frame, error) {
	switch v := env.(type) {
	case *core.Message:
		return s.encodeWire(v.Topic, v.Event, v.Payload, v.Ref)
	case *core.Reply:
		payload := wireReply{Status: string(v.Status), Response: v.Payload}
		return s.encodeWire(v.Topic, core.EventReply, payload, v.Ref)
	}
	return core.Frame{}, fmt.Errorf("%s: unsupported envelope %T", jsonSerializerName, env)
}

// Fastlane projects a broadcast through the same wire shape as Encode,
// with ref absent. One call per broadcast; the frame is shared across
// all subscriber deliveries.
func (s *JSONSerializer) Fastlane(b *core.Broadcast) (core.Frame, error) {
	return s.encodeWire(b.Topic, b.Event, b.Payload, "")
}

func (s *JSONSerializer) Decode(data []byte, opts core.DecodeOptions) (*core.Message, error) {
	if opts.MaxPayloadBytes > 0 && len(data) > opts.MaxPayloadBytes {
		return nil, fmt.Errorf("%s: frame of %d bytes exceeds limit of %d", jsonSerializerName, len(data), opts.MaxPayloadBytes)
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	fields, ok := v.(map[string]any)
	if !ok {
		return nil, &core.InvalidFrameError{Serializer: jsonSerializerName, Value: v}
	}

	return core.MessageFromFields(fields)
}

func (s *JSONSerializer) encodeWire(topic string, event string, payload any, ref string) (core.Frame, error) {
	w := wireMessage{
		Topic:   topic,
		Event:   event,
		Payload: payload,
	}
	if ref != "" {
		w.Ref = &ref
	}

	data, err := json.Marshal(w)
	if err != nil {
		return core.Frame{}, fmt.Errorf("encode message: %w", err)
	}
	return core.Frame{Kind: core.TextFrame, Data: data}, nil
}
