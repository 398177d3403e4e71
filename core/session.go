package core

import (
	"context"
	"sync"
)

// Session is one connected client. The transport owns the socket; the
// session only tracks identity, per-connection state and channel
// membership.
type Session struct {
	id         string
	remoteAddr string

	channels  map[string]*Channel
	channelMu sync.RWMutex

	store   map[string]any
	storeMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	server *Server
}

func newSession(id string, remoteAddr string, server *Server, ctx context.Context) *Session {
	sessionCtx, cancel := context.WithCancel(ctx)

	return &Session{
		id:         id,
		remoteAddr: remoteAddr,
		channels:   make(map[string]*Channel),
		store:      make(map[string]any),
		ctx:        sessionCtx,
		cancel:     cancel,
		server:     server,
	}
}

func (s *Session) Id() string {
	return s.id
}

func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) Get(key string) (value any, exists bool) {
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()
	value, exists = s.store[key]
	return
}

func (s *Session) Set(key string, value any) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	s.store[key] = value
}

// Send writes an already encoded frame to this session.
func (s *Session) Send(frame Frame) error {
	return s.server.transport.Send(s.id, frame)
}

// Push encodes and sends a server-initiated message to this session.
// Pushes are not replies, so they carry no ref.
func (s *Session) Push(topic string, event string, payload any) error {
	frame, err := s.server.serializer.Encode(&Message{
		Topic:   topic,
		Event:   event,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return s.Send(frame)
}

// Reply answers msg with status and payload through the server's
// serializer.
func (s *Session) Reply(msg *Message, status ReplyStatus, payload any) {
	s.server.replyTo(s, msg, status, payload)
}

// Channels returns the channels this session is currently joined to.
func (s *Session) Channels() []*Channel {
	s.channelMu.RLock()
	defer s.channelMu.RUnlock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	return channels
}

func (s *Session) Close(code int, reason string) error {
	s.cancel()
	return s.server.transport.CloseClient(s.id, code, reason)
}

func (s *Session) joinChannel(ch *Channel) {
	s.channelMu.Lock()
	s.channels[ch.topic] = ch
	s.channelMu.Unlock()
}

func (s *Session) leaveChannel(ch *Channel) {
	s.channelMu.Lock()
	delete(s.channels, ch.topic)
	s.channelMu.Unlock()
}

func (s *Session) handleDisconnect() {
	s.cancel()

	for _, ch := range s.Channels() {
		ch.drop(s)
	}
}
