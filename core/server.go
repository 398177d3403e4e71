package core

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/QYUbit/Relay/pkg/rlog"
	slogadapter "github.com/QYUbit/Relay/pkg/rlog/slog_adapter"
)

// Connection is the transport's view of a not-yet-accepted client.
type Connection interface {
	Close(code int, reason string)
	RemoteAddr() string
}

// Transport delivers frames between the server and connected clients.
// It owns sockets, framing and write serialization; the server only
// sees client ids and frames.
type Transport interface {
	Send(clientId string, frame Frame) error
	Broadcast(clientIds []string, frame Frame) error
	CloseClient(clientId string, code int, reason string) error
	OnConnect(func(conn Connection, accept func(id string), reject func(reason string)))
	OnDisconnect(func(clientId string))
	OnFrame(func(clientId string, frame Frame))
}

const defaultBroadcastWorkers = 64

type ServerOptions struct {
	Transport  Transport
	Serializer Serializer
	Logger     rlog.Logger

	// BroadcastWorkers sizes the fan-out worker pool.
	BroadcastWorkers int

	// Decode is passed to the serializer for every inbound frame.
	Decode DecodeOptions
}

// Server routes decoded messages to channels by topic and encodes the
// replies and broadcasts the channels produce. Decode failures are
// logged and dropped; the connection stays up.
type Server struct {
	transport  Transport
	serializer Serializer
	log        rlog.Logger
	pool       *ants.Pool
	decodeOpts DecodeOptions

	sessions  map[string]*Session
	sessionMu sync.RWMutex

	channels  map[string]*Channel
	channelMu sync.RWMutex

	definitions  map[string]ChannelDefinition
	definitionMu sync.RWMutex

	onConnect   func(remoteAddr string) (accept bool, reason string)
	onConnectMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func NewServer(options ServerOptions) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		transport:   options.Transport,
		serializer:  options.Serializer,
		log:         options.Logger,
		decodeOpts:  options.Decode,
		sessions:    make(map[string]*Session),
		channels:    make(map[string]*Channel),
		definitions: make(map[string]ChannelDefinition),
		onConnect:   func(string) (bool, string) { return true, "" },
		ctx:         ctx,
		cancel:      cancel,
	}

	if s.log == nil {
		s.log = slogadapter.Default()
	}

	workers := options.BroadcastWorkers
	if workers <= 0 {
		workers = defaultBroadcastWorkers
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		cancel()
		return nil, err
	}
	s.pool = pool

	s.transport.OnConnect(s.handleConnect)
	s.transport.OnDisconnect(s.handleDisconnect)
	s.transport.OnFrame(s.handleFrame)

	return s, nil
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}

	s.channelMu.Lock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[string]*Channel)
	s.channelMu.Unlock()

	for _, ch := range channels {
		ch.destroy()
	}

	s.cancel()
	s.pool.Release()
	return nil
}

// ==============================================
// Transport handlers
// ==============================================

func (s *Server) handleConnect(conn Connection, accept func(string), reject func(string)) {
	s.onConnectMu.RLock()
	validate := s.onConnect
	s.onConnectMu.RUnlock()

	pass, reason := validate(conn.RemoteAddr())
	if !pass {
		reject(reason)
		return
	}

	id := uuid.NewString()
	session := newSession(id, conn.RemoteAddr(), s, s.ctx)

	s.sessionMu.Lock()
	s.sessions[id] = session
	s.sessionMu.Unlock()

	accept(id)
	s.log.Debug("session connected", "session", id, "remote", conn.RemoteAddr())
}

func (s *Server) handleDisconnect(clientId string) {
	s.sessionMu.Lock()
	session, exists := s.sessions[clientId]
	delete(s.sessions, clientId)
	s.sessionMu.Unlock()

	if exists {
		session.handleDisconnect()
		s.log.Debug("session disconnected", "session", clientId)
	}
}

func (s *Server) handleFrame(clientId string, frame Frame) {
	msg, err := s.serializer.Decode(frame.Data, s.decodeOpts)
	if err != nil {
		// Malformed client input is expected; drop the frame, keep the
		// connection.
		s.log.Warn("dropping malformed frame", "session", clientId, "error", err)
		return
	}

	session, exists := s.getSession(clientId)
	if !exists {
		s.log.Warn("frame from unknown session", "session", clientId)
		return
	}

	switch msg.Event {
	case EventHeartbeat:
		s.replyTo(session, msg, StatusOk, map[string]any{})

	case EventJoin:
		s.handleJoin(session, msg)

	case EventLeave:
		s.handleLeave(session, msg)

	default:
		s.routeToChannel(session, msg)
	}
}

// ==============================================
// Message routing
// ==============================================

func (s *Server) handleJoin(session *Session, msg *Message) {
	s.definitionMu.RLock()
	definition, exists := s.definitions[topicKind(msg.Topic)]
	s.definitionMu.RUnlock()

	if !exists {
		s.replyTo(session, msg, StatusError, map[string]any{"reason": "unmatched topic"})
		return
	}

	ch := s.getOrCreateChannel(msg.Topic, definition)

	previousRef, rejoined := ch.join(session, msg.JoinRef)
	if rejoined && previousRef != msg.JoinRef {
		// The new join supersedes the old subscription; tell the client
		// the old one is gone before acknowledging the new one.
		s.pushTo(session, &Message{
			Topic:   msg.Topic,
			Event:   EventClose,
			Payload: map[string]any{},
			JoinRef: previousRef,
		})
	}

	s.replyTo(session, msg, StatusOk, map[string]any{})
}

func (s *Server) handleLeave(session *Session, msg *Message) {
	ch, exists := s.GetChannel(msg.Topic)
	if !exists {
		s.replyTo(session, msg, StatusError, map[string]any{"reason": "unmatched topic"})
		return
	}

	if ch.isStale(session.id, msg.JoinRef) {
		s.log.Debug("dropping stale leave", "topic", msg.Topic, "session", session.id, "join_ref", msg.JoinRef)
		return
	}

	if err := ch.leave(session); err != nil {
		s.replyTo(session, msg, StatusError, map[string]any{"reason": "not joined"})
		return
	}

	s.replyTo(session, msg, StatusOk, map[string]any{})
}

func (s *Server) routeToChannel(session *Session, msg *Message) {
	ch, exists := s.GetChannel(msg.Topic)
	if !exists {
		s.replyTo(session, msg, StatusError, map[string]any{"reason": "unmatched topic"})
		return
	}

	if !ch.HasMember(session.id) {
		s.replyTo(session, msg, StatusError, map[string]any{"reason": "not joined"})
		return
	}

	if ch.isStale(session.id, msg.JoinRef) {
		s.log.Debug("dropping stale message", "topic", msg.Topic, "session", session.id, "join_ref", msg.JoinRef)
		return
	}

	ch.dispatch(session, msg)
}

func (s *Server) replyTo(session *Session, msg *Message, status ReplyStatus, payload any) {
	frame, err := s.serializer.Encode(&Reply{
		Topic:   msg.Topic,
		Status:  status,
		Payload: payload,
		Ref:     msg.Ref,
		JoinRef: msg.JoinRef,
	})
	if err != nil {
		s.log.Error("failed to encode reply", "topic", msg.Topic, "ref", msg.Ref, "error", err)
		return
	}

	if err := s.transport.Send(session.id, frame); err != nil {
		s.log.Warn("failed to send reply", "session", session.id, "error", err)
	}
}

func (s *Server) pushTo(session *Session, msg *Message) {
	frame, err := s.serializer.Encode(msg)
	if err != nil {
		s.log.Error("failed to encode push", "topic", msg.Topic, "event", msg.Event, "error", err)
		return
	}

	if err := s.transport.Send(session.id, frame); err != nil {
		s.log.Warn("failed to send push", "session", session.id, "error", err)
	}
}

// ==============================================
// Public API
// ==============================================

// Define registers a channel definition for a topic kind, the part of
// the topic before the first colon ("room" matches "room:123").
func (s *Server) Define(kind string, definition ChannelDefinition) {
	s.definitionMu.Lock()
	s.definitions[kind] = definition
	s.definitionMu.Unlock()
}

// OnConnect installs a connection validator. Rejected connections never
// become sessions.
func (s *Server) OnConnect(fn func(remoteAddr string) (accept bool, reason string)) {
	s.onConnectMu.Lock()
	s.onConnect = fn
	s.onConnectMu.Unlock()
}

func (s *Server) GetChannel(topic string) (*Channel, bool) {
	s.channelMu.RLock()
	defer s.channelMu.RUnlock()
	ch, exists := s.channels[topic]
	return ch, exists
}

func (s *Server) GetSession(sessionId string) (*Session, bool) {
	return s.getSession(sessionId)
}

// Broadcast fans event/payload out to every member of topic, encoding
// once through the serializer fastlane.
func (s *Server) Broadcast(topic string, event string, payload any) error {
	ch, exists := s.GetChannel(topic)
	if !exists {
		return ErrChannelNotFound
	}
	return ch.Broadcast(event, payload)
}

// Kick closes a session's connection.
func (s *Server) Kick(sessionId string, code int, reason string) error {
	session, exists := s.getSession(sessionId)
	if !exists {
		return ErrSessionNotFound
	}
	return session.Close(code, reason)
}

// DestroyChannel closes a channel and removes every member.
func (s *Server) DestroyChannel(topic string) error {
	s.channelMu.Lock()
	ch, exists := s.channels[topic]
	if exists {
		delete(s.channels, topic)
	}
	s.channelMu.Unlock()

	if !exists {
		return ErrChannelNotFound
	}

	ch.destroy()
	return nil
}

// ==============================================
// Internals
// ==============================================

func (s *Server) getSession(sessionId string) (*Session, bool) {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	session, exists := s.sessions[sessionId]
	return session, exists
}

func (s *Server) getOrCreateChannel(topic string, definition ChannelDefinition) *Channel {
	s.channelMu.Lock()
	defer s.channelMu.Unlock()

	if ch, exists := s.channels[topic]; exists {
		return ch
	}

	ch := newChannel(topic, s, s.ctx)
	definition(ch)
	s.channels[topic] = ch
	return ch
}

func topicKind(topic string) string {
	if i := strings.Index(topic, ":"); i >= 0 {
		return topic[:i]
	}
	return topic
}
