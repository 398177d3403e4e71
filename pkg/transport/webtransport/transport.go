// Package webtransports implements core.Transport on WebTransport
// sessions (quic-go/webtransport-go). Frames use the same layout as the
// quic adapter, a kind byte followed by the payload, carried on one
// stream per frame or a single datagram.
package webtransports

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/quic-go/webtransport-go"

	"github.com/QYUbit/Relay/core"
	"github.com/QYUbit/Relay/pkg/transport"
)

const rejectErrorCode = webtransport.SessionErrorCode(0x000a)

// Stream reads copy through pooled buffers to keep per-frame
// allocations down on busy sessions.
var bufferPool = &sync.Pool{
	New: func() any {
		buf := make([]byte, 4096)
		return &buf
	},
}

// Implements core.Transport
type Transport struct {
	server *webtransport.Server

	clients  map[string]*client
	clientMu sync.RWMutex

	onConnect    func(core.Connection, func(string), func(string))
	onDisconnect func(string)
	onFrame      func(string, core.Frame)

	closed atomic.Bool
}

// NewTransport wraps an already configured webtransport.Server. The
// caller owns the server's HTTP/3 lifecycle; mount the transport's
// Upgrade (or ServeHTTP) on the server's mux.
func NewTransport(server *webtransport.Server) *Transport {
	return &Transport{
		server:       server,
		clients:      make(map[string]*client),
		onConnect:    func(conn core.Connection, accept func(string), _ func(string)) { accept("") },
		onDisconnect: func(string) {},
		onFrame:      func(string, core.Frame) {},
	}
}

// Upgrade turns an HTTP/3 request into a WebTransport session and hands
// it to the connect handler for acceptance.
func (t *Transport) Upgrade(w http.ResponseWriter, r *http.Request) error {
	if t.closed.Load() {
		return transport.ErrTransportClosed
	}

	session, err := t.server.Upgrade(w, r)
	if err != nil {
		return err
	}

	accept := func(id string) {
		t.registerClient(id, session)
	}
	reject := func(reason string) {
		session.CloseWithError(rejectErrorCode, reason)
	}

	t.onConnect(connectionWrapper{session: session, remoteAddr: remoteAddress(r)}, accept, reject)
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := t.Upgrade(w, r); err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
	}
}

func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return transport.ErrTransportClosed
	}

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

	return t.server.Close()
}

func (t *Transport) Send(clientId string, frame core.Frame) error {
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

func (t *Transport) Broadcast(clientIds []string, frame core.Frame) error {
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

func (t *Transport) CloseClient(clientId string, code int, reason string) error {
	t.clientMu.RLock()
	c, exists := t.clients[clientId]
	t.clientMu.RUnlock()

	if !exists {
		return transport.ErrClientNotFound{ClientId: clientId}
	}

	c.shutdown(code, reason)
	return nil
}

func (t *Transport) OnConnect(fn func(core.Connection, func(string), func(string))) {
	t.onConnect = fn
}

func (t *Transport) OnDisconnect(fn func(string)) {
	t.onDisconnect = fn
}

func (t *Transport) OnFrame(fn func(string, core.Frame)) {
	t.onFrame = fn
}

func (t *Transport) GetClients() []string {
	t.clientMu.RLock()
	defer t.clientMu.RUnlock()
	ids := make([]string, 0, len(t.clients))
	for id := range t.clients {
		ids = append(ids, id)
	}
	return ids
}

func (t *Transport) registerClient(id string, session *webtransport.Session) {
	c := newClient(id, session)

	t.clientMu.Lock()
	t.clients[id] = c
	t.clientMu.Unlock()

	go c.readPump(t)
	go c.datagramPump(t)
	go c.writePump(t)
}

func (t *Transport) unregisterClient(c *client) {
	t.clientMu.Lock()
	_, exists := t.clients[c.id]
	delete(t.clients, c.id)
	t.clientMu.Unlock()

	if exists {
		t.onDisconnect(c.id)
	}
}

// remoteAddress prefers the reverse proxy's X-Real-IP header when it
// carries a valid address.
func remoteAddress(r *http.Request) string {
	if xRealIP := r.Header.Get("X-Real-IP"); xRealIP != "" {
		if ip := net.ParseIP(xRealIP); ip != nil {
			return xRealIP
		}
	}
	return r.RemoteAddr
}

// Implements core.Connection
type connectionWrapper struct {
	session    *webtransport.Session
	remoteAddr string
}

func (cw connectionWrapper) Close(code int, reason string) {
	cw.session.CloseWithError(webtransport.SessionErrorCode(code), reason)
}

func (cw connectionWrapper) RemoteAddr() string {
	return cw.remoteAddr
}
