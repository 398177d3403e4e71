package webtransports

import (
	"bytes"
	"io"
	"sync/atomic"

	"github.com/quic-go/webtransport-go"

	"github.com/QYUbit/Relay/core"
	"github.com/QYUbit/Relay/pkg/transport"
)

const (
	textFrameByte   = 0x01
	binaryFrameByte = 0x02
)

type client struct {
	id      string
	session *webtransport.Session
	send    chan core.Frame
	closed  atomic.Bool
}

func newClient(id string, session *webtransport.Session) *client {
	return &client{
		id:      id,
		session: session,
		send:    make(chan core.Frame, 256),
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

func (c *client) readPump(t *Transport) {
	defer func() {
		c.shutdown(0, "read failed")
		t.unregisterClient(c)
	}()

	for {
		stream, err := c.session.AcceptStream(c.session.Context())
		if err != nil {
			return
		}
		go c.handleStream(t, stream)
	}
}

// handleStream drains one frame off its stream through a pooled copy
// buffer.
func (c *client) handleStream(t *Transport, stream webtransport.Stream) {
	defer stream.Close()

	buf := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buf)

	var data bytes.Buffer
	if _, err := io.CopyBuffer(&data, stream, *buf); err != nil {
		return
	}
	c.deliver(t, data.Bytes())
}

// datagramPump accepts frames sent as datagrams, same kind byte layout
// as streams.
func (c *client) datagramPump(t *Transport) {
	defer func() {
		c.shutdown(0, "read failed")
		t.unregisterClient(c)
	}()

	for {
		data, err := c.session.ReceiveDatagram(c.session.Context())
		if err != nil {
			return
		}
		c.deliver(t, data)
	}
}

func (c *client) deliver(t *Transport, data []byte) {
	if len(data) < 1 {
		return
	}

	kind := core.BinaryFrame
	if data[0] == textFrameByte {
		kind = core.TextFrame
	}

	t.onFrame(c.id, core.Frame{Kind: kind, Data: data[1:]})
}

func (c *client) writePump(t *Transport) {
	for {
		select {
		case <-c.session.Context().Done():
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
	stream, err := c.session.OpenStreamSync(c.session.Context())
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
		c.session.CloseWithError(webtransport.SessionErrorCode(code), reason)
	}
}
