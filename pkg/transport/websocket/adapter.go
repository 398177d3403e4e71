// Package websockets implements core.Transport on gorilla/websocket.
package websockets

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/QYUbit/Relay/core"
	"github.com/QYUbit/Relay/pkg/transport"
)

var closeCodeMap = map[transport.CloseCode]int{
	transport.CloseNormal:          websocket.CloseNormalClosure,
	transport.CloseGoingAway:       websocket.CloseGoingAway,
	transport.ClosePolicyViolation: websocket.ClosePolicyViolation,
	transport.CloseInternalError:   websocket.CloseInternalServerErr,
}

const writeTimeout = 10 * time.Second

// Implements core.Transport
type Transport struct {
	upgrader websocket.Upgrader

	clients  map[string]*client
	clientMu sync.RWMutex

	onConnect    func(core.Connection, func(string), func(string))
	onDisconnect func(string)
	onFrame      func(string, core.Frame)

	readLimit int64
	closed    atomic.Bool
}

type Options struct {
	ReadLimit   int64
	CheckOrigin func(r *http.Request) bool
}

func NewTransport(options Options) *Transport {
	t := &Transport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     options.CheckOrigin,
		},
		clients:      make(map[string]*client),
		onConnect:    func(conn core.Connection, accept func(string), _ func(string)) { accept("") },
		onDisconnect: func(string) {},
		onFrame:      func(string, core.Frame) {},
		readLimit:    options.ReadLimit,
	}
	return t
}

// Upgrade turns an HTTP request into a websocket connection and hands
// it to the connect handler for acceptance.
func (t *Transport) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) error {
	if t.closed.Load() {
		return transport.ErrTransportClosed
	}

	conn, err := t.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return err
	}

	accept := func(id string) {
		t.registerClient(id, conn)
	}
	reject := func(reason string) {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCodeMap[transport.ClosePolicyViolation], reason),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}

	t.onConnect(&connection{conn: conn}, accept, reject)
	return nil
}

// ServeHTTP lets the transport be mounted directly on an http mux.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := t.Upgrade(w, r, nil); err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
	}
}

func (t *Transport) Close() error {
	t.closed.Store(true)

	t.clientMu.Lock()
	clients := make([]*client, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	t.clients = make(map[string]*client)
	t.clientMu.Unlock()

	var lastErr error
	for _, c := range clients {
		if err := c.close(closeCodeMap[transport.CloseGoingAway], "server shutting down"); err != nil {
			lastErr = err
		}
	}
	return lastErr
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
	return c.close(code, reason)
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

func (t *Transport) registerClient(id string, conn *websocket.Conn) {
	if t.readLimit > 0 {
		conn.SetReadLimit(t.readLimit)
	}
	c := newClient(id, conn)

	t.clientMu.Lock()
	t.clients[id] = c
	t.clientMu.Unlock()

	go c.readPump(t)
	go c.writePump()
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

// connection defers id assignment to the accept callback.
type connection struct {
	conn *websocket.Conn
}

func (c *connection) Close(code int, reason string) {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	_ = c.conn.Close()
}

func (c *connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
