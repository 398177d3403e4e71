package serializers

import (
	"fmt"

	butil "github.com/QYUbit/Butil/go"

	"github.com/QYUbit/Relay/core"
)

const butilSerializerName = "butil serializer"

// ButilSerializer implements core.Serializer on Bufti models, producing
// binary frames. Payloads are pre-serialized blobs; the channel layer
// never looks inside them, so Decode insists the caller opted in with
// DecodeOptions.AllowBinaryPayload.
//
// Unlike the V1 JSON serializer it has no legacy wire constraint, so
// join_ref does go out on the wire when present.
type ButilSerializer struct {
	messageModel, replyModel *butil.Model
}

func NewButilSerializer() *ButilSerializer {
	replyModel, _ := butil.NewModel(
		butil.Field(0, "status", butil.String),
		butil.Field(1, "response", butil.Bytes),
	)

	messageModel, _ := butil.NewModel(
		butil.Field(0, "topic", butil.String),
		butil.Field(1, "event", butil.String),
		butil.Field(2, "payload", butil.Bytes),
		butil.Field(3, "ref", butil.String),
		butil.OptionalField(4, "join_ref", butil.String),
	)

	return &ButilSerializer{
		messageModel: messageModel,
		replyModel:   replyModel,
	}
}

type butilMessage struct {
	Topic   string `butil:"topic"`
	Event   string `butil:"event"`
	Payload []byte `butil:"payload"`
	Ref     string `butil:"ref"`
	JoinRef string `butil:"join_ref"`
}

type butilReply struct {
	Status   string `butil:"status"`
	Response []byte `butil:"response"`
}

func (s *ButilSerializer) Encode(env core.Envelope) (core.Frame, error) {
	switch v := env.(type) {
	case *core.Message:
		payload, err := payloadBytes(v.Payload)
		if err != nil {
			return core.Frame{}, err
		}
		return s.encodeWire(butilMessage{
			Topic:   v.Topic,
			Event:   v.Event,
			Payload: payload,
			Ref:     v.Ref,
			JoinRef: v.JoinRef,
		})

	case *core.Reply:
		response, err := payloadBytes(v.Payload)
		if err != nil {
			return core.Frame{}, err
		}
		payload, err := s.replyModel.Encode(butilReply{
			Status:   string(v.Status),
			Response: response,
		})
		if err != nil {
			return core.Frame{}, fmt.Errorf("encode reply payload: %w", err)
		}
		return s.encodeWire(butilMessage{
			Topic:   v.Topic,
			Event:   core.EventReply,
			Payload: payload,
			Ref:     v.Ref,
			JoinRef: v.JoinRef,
		})
	}
	return core.Frame{}, fmt.Errorf("%s: unsupported envelope %T", butilSerializerName, env)
}

func (s *ButilSerializer) Fastlane(b *core.Broadcast) (core.Frame, error) {
	payload, err := payloadBytes(b.Payload)
	if err != nil {
		return core.Frame{}, err
	}
	return s.encodeWire(butilMessage{
		Topic:   b.Topic,
		Event:   b.Event,
		Payload: payload,
	})
}

func (s *ButilSerializer) Decode(data []byte, opts core.DecodeOptions) (*core.Message, error) {
	if !opts.AllowBinaryPayload {
		return nil, fmt.Errorf("%s: payloads stay opaque bytes, set DecodeOptions.AllowBinaryPayload", butilSerializerName)
	}
	if opts.MaxPayloadBytes > 0 && len(data) > opts.MaxPayloadBytes {
		return nil, fmt.Errorf("%s: frame of %d bytes exceeds limit of %d", butilSerializerName, len(data), opts.MaxPayloadBytes)
	}

	var wire butilMessage
	if err := s.messageModel.Decode(data, &wire); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	fields := map[string]any{
		"topic":   wire.Topic,
		"event":   wire.Event,
		"payload": wire.Payload,
		"ref":     wire.Ref,
	}
	if wire.JoinRef != "" {
		fields["join_ref"] = wire.JoinRef
	}

	return core.MessageFromFields(fields)
}

func (s *ButilSerializer) encodeWire(wire butilMessage) (core.Frame, error) {
	data, err := s.messageModel.Encode(wire)
	if err != nil {
		return core.Frame{}, fmt.Errorf("encode message: %w", err)
	}
	return core.Frame{Kind: core.BinaryFrame, Data: data}, nil
}

// payloadBytes enforces the binary contract: payloads reach this
// serializer already serialized.
func payloadBytes(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	}
	return nil, fmt.Errorf("%s: payload must be pre-serialized bytes, got %T", butilSerializerName, payload)
}
