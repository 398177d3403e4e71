package core

// Reserved channel events. Everything else is application-defined.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"
)

type ReplyStatus string

const (
	StatusOk    ReplyStatus = "ok"
	StatusError ReplyStatus = "error"
)

// Message is a single inbound or outbound channel frame. Instances are
// value objects: built once, never mutated, discarded after dispatch.
//
// JoinRef is the only optional field. An empty JoinRef means the message
// does not belong to a tracked join (legacy clients, control traffic).
type Message struct {
	Topic   string
	Event   string
	Payload any
	Ref     string
	JoinRef string
}

// Reply answers exactly one prior Message sharing its Ref. Replies are
// never themselves replied to.
type Reply struct {
	Topic   string
	Status  ReplyStatus
	Payload any
	Ref     string
	JoinRef string
}

// Broadcast targets every subscriber of Topic. It carries no Ref or
// JoinRef because it does not answer any single request.
type Broadcast struct {
	Topic   string
	Event   string
	Payload any
}

// MessageFromFields builds a Message from a decoded key/value structure.
// Every serializer routes its decoded objects through here so that
// required-field validation and error wording stay identical across
// wire formats.
//
// topic, event, payload and ref must all be present; a missing key fails
// with a *MissingKeyError naming the field. join_ref may be absent.
func MessageFromFields(fields map[string]any) (*Message, error) {
	topic, err := requireString(fields, "topic")
	if err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, &InvalidFieldError{Key: "topic", Value: topic, Reason: "must be a non-empty string"}
	}

	event, err := requireString(fields, "event")
	if err != nil {
		return nil, err
	}

	payload, ok := fields["payload"]
	if !ok {
		return nil, &MissingKeyError{Key: "payload"}
	}

	ref, err := requireString(fields, "ref")
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Topic:   topic,
		Event:   event,
		Payload: payload,
		Ref:     ref,
	}

	if raw, ok := fields["join_ref"]; ok && raw != nil {
		joinRef, ok := raw.(string)
		if !ok {
			return nil, &InvalidFieldError{Key: "join_ref", Value: raw, Reason: "must be a string"}
		}
		msg.JoinRef = joinRef
	}

	return msg, nil
}

// requireString checks key presence first so that a missing field always
// surfaces as a MissingKeyError, not a type error. Refs are opaque to
// this layer, so a JSON null ref is accepted and kept as "".
func requireString(fields map[string]any, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", &MissingKeyError{Key: key}
	}
	if raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", &InvalidFieldError{Key: key, Value: raw, Reason: "must be a string"}
	}
	return s, nil
}
