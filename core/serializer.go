package core

// FrameKind tags an encoded payload as a text or binary transport frame.
type FrameKind int

const (
	TextFrame FrameKind = iota
	BinaryFrame
)

func (k FrameKind) String() string {
	switch k {
	case TextFrame:
		return "text"
	case BinaryFrame:
		return "binary"
	}
	return "unknown"
}

// Frame is an encoded envelope ready for the transport. Frames returned
// by Fastlane are shared read-only across every subscriber delivery, so
// consumers must not modify Data.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Envelope is implemented by *Message and *Reply, the two shapes Encode
// accepts. Serializer selection happens at connection configuration
// time, not by inspecting frames at runtime.
type Envelope interface {
	envelope()
}

func (*Message) envelope() {}
func (*Reply) envelope()   {}

// DecodeOptions carries serializer-specific knobs. The contract does not
// interpret them; each implementation documents which it honors.
type DecodeOptions struct {
	// AllowBinaryPayload permits serializers that support it to keep the
	// payload as an opaque byte blob instead of sub-decoding it.
	AllowBinaryPayload bool

	// MaxPayloadBytes rejects frames larger than this before decoding.
	// Zero means no limit.
	MaxPayloadBytes int
}

// Serializer converts envelopes to and from transport payloads. All
// three operations are pure: no blocking, no shared mutation, safe to
// call from any number of connection handlers concurrently.
type Serializer interface {
	// Fastlane encodes a Broadcast directly, bypassing Message
	// construction, so one encoding can be reused unchanged for every
	// subscriber of a topic.
	Fastlane(b *Broadcast) (Frame, error)

	// Encode turns a Message or Reply into a frame. A Reply is first
	// normalized into the message wire shape: event becomes "phx_reply"
	// and payload becomes {status, response}.
	Encode(env Envelope) (Frame, error)

	// Decode parses inbound bytes into a Message, applying the
	// required-field validation of MessageFromFields.
	Decode(data []byte, opts DecodeOptions) (*Message, error)
}
