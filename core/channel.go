package core

import (
	"context"
	"fmt"
	"sync"
)

type MessageHandler func(session *Session, msg *Message)

// ChannelDefinition configures a freshly created channel (handlers,
// lifecycle hooks) before the first member joins.
type ChannelDefinition func(*Channel)

// Channel is one logical topic instance. It owns member and join_ref
// bookkeeping; delivery runs over the server's transport.
type Channel struct {
	topic  string
	server *Server

	members map[string]*Session
	// joinRefs records, per member, the join_ref of the join that
	// established the subscription. A later join with a different ref
	// supersedes the old one; inbound messages carrying the old ref are
	// stale and get dropped.
	joinRefs map[string]string
	memberMu sync.RWMutex

	messageHandlers  map[string]MessageHandler
	messageHandlerMu sync.RWMutex
	fallback         MessageHandler

	state   map[string]any
	stateMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	OnJoin  func(session *Session)
	OnLeave func(session *Session)
	OnClose func()
}

func newChannel(topic string, server *Server, ctx context.Context) *Channel {
	channelCtx, cancel := context.WithCancel(ctx)

	return &Channel{
		topic:           topic,
		server:          server,
		members:         make(map[string]*Session),
		joinRefs:        make(map[string]string),
		messageHandlers: make(map[string]MessageHandler),
		state:           make(map[string]any),
		ctx:             channelCtx,
		cancel:          cancel,

		OnJoin:  func(session *Session) {},
		OnLeave: func(session *Session) {},
		OnClose: func() {},
		fallback: func(session *Session, msg *Message) {
			server.log.Debug("no handler for event", "topic", topic, "event", msg.Event)
		},
	}
}

// ==============================================
// Getters
// ==============================================

func (c *Channel) Topic() string {
	return c.topic
}

func (c *Channel) Context() context.Context {
	return c.ctx
}

func (c *Channel) MemberCount() int {
	c.memberMu.RLock()
	defer c.memberMu.RUnlock()
	return len(c.members)
}

func (c *Channel) Members() []*Session {
	c.memberMu.RLock()
	defer c.memberMu.RUnlock()
	members := make([]*Session, 0, len(c.members))
	for _, member := range c.members {
		members = append(members, member)
	}
	return members
}

func (c *Channel) HasMember(sessionId string) bool {
	c.memberMu.RLock()
	defer c.memberMu.RUnlock()
	_, exists := c.members[sessionId]
	return exists
}

// ==============================================
// State management
// ==============================================

func (c *Channel) GetState(key string) (value any, exists bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	value, exists = c.state[key]
	return
}

func (c *Channel) SetState(key string, value any) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state[key] = value
}

func (c *Channel) DeleteState(key string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	delete(c.state, key)
}

// ==============================================
// Membership
// ==============================================

// join registers the session under joinRef and reports the join_ref of
// a superseded previous join, if any.
func (c *Channel) join(session *Session, joinRef string) (previousRef string, rejoined bool) {
	c.memberMu.Lock()
	previousRef, rejoined = c.joinRefs[session.id]
	c.members[session.id] = session
	c.joinRefs[session.id] = joinRef
	c.memberMu.Unlock()

	session.joinChannel(c)

	if !rejoined {
		c.OnJoin(session)
	}
	return previousRef, rejoined
}

func (c *Channel) leave(session *Session) error {
	c.memberMu.Lock()
	_, exists := c.members[session.id]
	if exists {
		delete(c.members, session.id)
		delete(c.joinRefs, session.id)
	}
	c.memberMu.Unlock()

	if !exists {
		return fmt.Errorf("session %s is not a member of channel %s", session.id, c.topic)
	}

	session.leaveChannel(c)
	c.OnLeave(session)
	return nil
}

// drop removes a disconnected session without touching its channel set;
// the session is already tearing itself down.
func (c *Channel) drop(session *Session) {
	c.memberMu.Lock()
	delete(c.members, session.id)
	delete(c.joinRefs, session.id)
	c.memberMu.Unlock()

	c.OnLeave(session)
}

// isStale reports whether a message's join_ref belongs to a superseded
// join. Messages without a join_ref are never stale (legacy clients).
func (c *Channel) isStale(sessionId string, joinRef string) bool {
	if joinRef == "" {
		return false
	}
	c.memberMu.RLock()
	current, exists := c.joinRefs[sessionId]
	c.memberMu.RUnlock()
	return exists && current != joinRef
}

func (c *Channel) destroy() {
	c.OnClose()
	c.cancel()

	for _, session := range c.Members() {
		if err := c.leave(session); err != nil {
			c.server.log.Warn("error removing member", "channel", c.topic, "session", session.id, "error", err)
		}
	}
}

// ==============================================
// Broadcasting
// ==============================================

// Broadcast encodes event/payload once through the serializer fastlane
// and fans the resulting frame out to every member.
func (c *Channel) Broadcast(event string, payload any) error {
	frame, err := c.server.serializer.Fastlane(&Broadcast{
		Topic:   c.topic,
		Event:   event,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	c.fanOut(frame, "")
	return nil
}

// BroadcastExcept is Broadcast minus one member, typically the sender.
func (c *Channel) BroadcastExcept(sessionId string, event string, payload any) error {
	frame, err := c.server.serializer.Fastlane(&Broadcast{
		Topic:   c.topic,
		Event:   event,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	c.fanOut(frame, sessionId)
	return nil
}

// fanOut hands the shared frame to the worker pool once per member. The
// frame is never copied or mutated, only read by concurrent deliveries.
func (c *Channel) fanOut(frame Frame, except string) {
	c.memberMu.RLock()
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		if id != except {
			ids = append(ids, id)
		}
	}
	c.memberMu.RUnlock()

	for _, id := range ids {
		err := c.server.pool.Submit(func() {
			if err := c.server.transport.Send(id, frame); err != nil {
				c.server.log.Warn("broadcast delivery failed", "channel", c.topic, "session", id, "error", err)
			}
		})
		if err != nil {
			// Pool saturated or released; deliver inline rather than drop.
			if err := c.server.transport.Send(id, frame); err != nil {
				c.server.log.Warn("broadcast delivery failed", "channel", c.topic, "session", id, "error", err)
			}
		}
	}
}

// ==============================================
// Message handlers
// ==============================================

func (c *Channel) RegisterHandler(event string, handler MessageHandler) {
	c.messageHandlerMu.Lock()
	c.messageHandlers[event] = handler
	c.messageHandlerMu.Unlock()
}

func (c *Channel) UnregisterHandler(event string) {
	c.messageHandlerMu.Lock()
	delete(c.messageHandlers, event)
	c.messageHandlerMu.Unlock()
}

func (c *Channel) FallbackHandler(handler MessageHandler) {
	c.messageHandlerMu.Lock()
	c.fallback = handler
	c.messageHandlerMu.Unlock()
}

func (c *Channel) dispatch(session *Session, msg *Message) {
	c.messageHandlerMu.RLock()
	handler, exists := c.messageHandlers[msg.Event]
	fallback := c.fallback
	c.messageHandlerMu.RUnlock()

	if !exists {
		fallback(session, msg)
		return
	}
	handler(session, msg)
}
