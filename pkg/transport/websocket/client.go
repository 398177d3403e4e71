package websockets

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/gorilla/websocket"

	"github.com/QYUbit/Relay/core"
	"github.com/QYUbit/Relay/pkg/transport"
)

// client serializes all writes through a single pump. Outbound frames
// wait in an unbounded pending queue so a slow reader never blocks the
// broadcast fan-out workers.
type client struct {
	id   string
	conn *websocket.Conn

	pending   *queue.Queue
	pendingMu sync.Mutex
	wake      chan struct{}
	done      chan struct{}

	closed atomic.Bool
}

func newClient(id string, conn *websocket.Conn) *client {
	return &client{
		id:      id,
		conn:    conn,
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (c *client) enqueue(frame core.Frame) error {
	if c.closed.Load() {
		return transport.ErrTransportClosed
	}

	c.pendingMu.Lock()
	c.pending.Add(frame)
	c.pendingMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			c.pendingMu.Lock()
			if c.pending.Length() == 0 {
				c.pendingMu.Unlock()
				break
			}
			frame := c.pending.Remove().(core.Frame)
			c.pendingMu.Unlock()

			messageType := websocket.TextMessage
			if frame.Kind == core.BinaryFrame {
				messageType = websocket.BinaryMessage
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(messageType, frame.Data); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *client) readPump(t *Transport) {
	defer func() {
		c.shutdown()
		t.unregisterClient(c)
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case websocket.TextMessage:
			t.onFrame(c.id, core.Frame{Kind: core.TextFrame, Data: data})
		case websocket.BinaryMessage:
			t.onFrame(c.id, core.Frame{Kind: core.BinaryFrame, Data: data})
		}
	}
}

func (c *client) close(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	var lastErr error

	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	if err != nil {
		lastErr = err
	}

	if err := c.conn.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

func (c *client) shutdown() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		_ = c.conn.Close()
	}
}
