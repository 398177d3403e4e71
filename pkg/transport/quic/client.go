package quic

import (
	"io"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/QYUbit/Relay/core"
	"github.com/QYUbit/Relay/pkg/transport"
)

const (
	textFrameByte   = 0x01
	binaryFrameByte = 0x02
)

type client struct {
	id     string
	conn   quic.Connection
	send   chan core.Frame
	closed atomic.Bool
}

func newClient(id string, conn quic.Connection) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan core.Frame, 256),
	}
}

func (c *client) enqueue(frame core.Frame) error {
	if c.closed.Load() {
		return transport.ErrTransportClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return transport.ErrSendQueueFull
	}
}

func (c *client) readPump(t *QuicTransport) {
	defer func() {
		c.shutdown(0, "read failed")
		t.unregisterClient(c)
	}()

	for {
		stream, err := c.conn.AcceptStream(t.ctx)
		if err != nil {
			return
		}

		data, err := io.ReadAll(stream)
		stream.Close()
		if err != nil || len(data) < 1 {
			continue
		}

		kind := core.BinaryFrame
		if data[0] == textFrameByte {
			kind = core.TextFrame
		}

		t.onFrame(c.id, core.Frame{Kind: kind, Data: data[1:]})
	}
}

func (c *client) writePump(t *QuicTransport) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.writeFrame(frame); err != nil {
				c.shutdown(0, "write failed")
				t.unregisterClient(c)
				return
			}
		}
	}
}

func (c *client) writeFrame(frame core.Frame) error {
	stream, err := c.conn.OpenStreamSync(c.conn.Context())
	if err != nil {
		return err
	}
	defer stream.Close()

	kind := byte(binaryFrameByte)
	if frame.Kind == core.TextFrame {
		kind = textFrameByte
	}

	if _, err := stream.Write([]byte{kind}); err != nil {
		return err
	}
	_, err = stream.Write(frame.Data)
	return err
}

func (c *client) shutdown(code int, reason string) {
	if c.closed.CompareAndSwap(false, true) {
		c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
	}
}
