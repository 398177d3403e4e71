// Package quic implements core.Transport using quic-go. Every frame
// travels on its own stream: one kind byte followed by the payload, so
// the text/binary tag survives the byte transport.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/QYUbit/Relay/core"
	"github.com/QYUbit/Relay/pkg/transport"
)

const rejectErrorCode = quic.ApplicationErrorCode(0x000a)

// Implements core.Transport
type QuicTransport struct {
	address    string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	clients  map[string]*client
	clientMu sync.RWMutex

	onConnect    func(core.Connection, func(string), func(string))
	onDisconnect func(string)
	onFrame      func(string, core.Frame)

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func NewQuicTransport(address string, tlsConf *tls.Config, config *quic.Config) *QuicTransport {
	return &QuicTransport{
		address:      address,
		tlsConfig:    tlsConf,
		quicConfig:   config,
		clients:      make(map[string]*client),
		onConnect:    func(conn core.Connection, accept func(string), _ func(string)) { accept("") },
		onDisconnect: func(string) {},
		onFrame:      func(string, core.Frame) {},
	}
}

func (t *QuicTransport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.ctx = ctx
	t.cancel = cancel

	listener, err := quic.ListenAddr(t.address, t.tlsConfig, t.quicConfig)
	if err != nil {
		cancel()
		return err
	}
	t.listener = listener

	go t.acceptConnections(ctx)
	return nil
}

func (t *QuicTransport) acceptConnections(ctx context.Context) {
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		accept := func(id string) {
			t.registerClient(id, conn)
		}
		reject := func(reason string) {
			if reason == "" {
				reason = "unauthorized"
			}
			conn.CloseWithError(rejectErrorCode, reason)
		}

		t.onConnect(connectionWrapper{conn: conn}, accept, reject)
	}
}

func (t *QuicTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return transport.ErrTransportClosed
	}
	if t.cancel == nil {
		return nil
	}
	t.cancel()

	t.clientMu.Lock()
	clients := make([]*client, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	t.clients = make(map[string]*client)
	t.clientMu.Unlock()

	for _, c := range clients {
		c.shutdown(0, "server shutting down")
	}

	return t.listener.Close()
}

func (t *QuicTransport) Send(clientId string, frame core.Frame) error {
	if t.closed.Load() {
		return transport.ErrTransportClosed
	}

	t.clientMu.RLock()
	c, exists := t.clients[clientId]
	t.clientMu.RUnlock()

	if !exists {
		return transport.ErrClientNotFound{ClientId: clientId}
	}
	return c.enqueue(frame)
}

func (t *QuicTransport) Broadcast(clientIds []string, frame core.Frame) error {
	var errs []error
	for _, id := range clientIds {
		if err := t.Send(id, frame); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("broadcast failed for %d/%d clients: %v", len(errs), len(clientIds), errs[0])
	}
	return nil
}

func (t *QuicTransport) CloseClient(clientId string, code int, reason string) error {
	t.clientMu.RLock()
	c, exists := t.clients[clientId]
	t.clientMu.RUnlock()

	if !exists {
		return transport.ErrClientNotFound{ClientId: clientId}
	}

	c.shutdown(code, reason)
	return nil
}

func (t *QuicTransport) OnConnect(fn func(core.Connection, func(string), func(string))) {
	t.onConnect = fn
}

func (t *QuicTransport) OnDisconnect(fn func(string)) {
	t.onDisconnect = fn
}

func (t *QuicTransport) OnFrame(fn func(string, core.Frame)) {
	t.onFrame = fn
}

func (t *QuicTransport) GetClients() []string {
	t.clientMu.RLock()
	defer t.clientMu.RUnlock()
	ids := make([]string, 0, len(t.clients))
	for id := range t.clients {
		ids = append(ids, id)
	}
	return ids
}

func (t *QuicTransport) registerClient(id string, conn quic.Connection) {
	c := newClient(id, conn)

	t.clientMu.Lock()
	t.clients[id] = c
	t.clientMu.Unlock()

	go c.readPump(t)
	go c.writePump(t)
}

func (t *QuicTransport) unregisterClient(c *client) {
	t.clientMu.Lock()
	_, exists := t.clients[c.id]
	delete(t.clients, c.id)
	t.clientMu.Unlock()

	if exists {
		t.onDisconnect(c.id)
	}
}

// Implements core.Connection
type connectionWrapper struct {
	conn quic.Connection
}

func (cw connectionWrapper) Close(code int, reason string) {
	cw.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (cw connectionWrapper) RemoteAddr() string {
	return cw.conn.RemoteAddr().String()
}
