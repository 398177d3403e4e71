package core_test

import (
	"sync"
	"testing"
	"time"

	"github.com/QYUbit/Relay/core"
	"github.com/QYUbit/Relay/pkg/rlog"
	"github.com/QYUbit/Relay/serializers"
)

type sentFrame struct {
	clientId string
	frame    core.Frame
}

type fakeConn struct{}

func (fakeConn) Close(int, string)  {}
func (fakeConn) RemoteAddr() string { return "127.0.0.1:52000" }

// Implements core.Transport
type fakeTransport struct {
	sentCh chan sentFrame

	mu            sync.Mutex
	closedClients []string

	onConnect    func(core.Connection, func(string), func(string))
	onDisconnect func(string)
	onFrame      func(string, core.Frame)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sentCh: make(chan sentFrame, 64)}
}

func (t *fakeTransport) Send(clientId string, frame core.Frame) error {
	t.sentCh <- sentFrame{clientId: clientId, frame: frame}
	return nil
}

func (t *fakeTransport) Broadcast(clientIds []string, frame core.Frame) error {
	for _, id := range clientIds {
		if err := t.Send(id, frame); err != nil {
			return err
		}
	}
	return nil
}

func (t *fakeTransport) CloseClient(clientId string, code int, reason string) error {
	t.mu.Lock()
	t.closedClients = append(t.closedClients, clientId)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) OnConnect(fn func(core.Connection, func(string), func(string))) {
	t.onConnect = fn
}

func (t *fakeTransport) OnDisconnect(fn func(string)) {
	t.onDisconnect = fn
}

func (t *fakeTransport) OnFrame(fn func(string, core.Frame)) {
	t.onFrame = fn
}

func (t *fakeTransport) connect(tb testing.TB) string {
	tb.Helper()
	var id string
	t.onConnect(fakeConn{},
		func(assigned string) { id = assigned },
		func(reason string) { tb.Fatalf("connection rejected: %s", reason) },
	)
	if id == "" {
		tb.Fatal("no session id assigned")
	}
	return id
}

func (t *fakeTransport) inject(clientId string, data string) {
	t.onFrame(clientId, core.Frame{Kind: core.TextFrame, Data: []byte(data)})
}

func (t *fakeTransport) waitFrame(tb testing.TB, clientId string) core.Frame {
	tb.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-t.sentCh:
			if s.clientId == clientId {
				return s.frame
			}
		case <-deadline:
			tb.Fatalf("timed out waiting for frame to %s", clientId)
			return core.Frame{}
		}
	}
}

func (t *fakeTransport) expectNoFrame(tb testing.TB) {
	tb.Helper()
	select {
	case s := <-t.sentCh:
		tb.Fatalf("unexpected frame to %s: %s", s.clientId, s.frame.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestServer(t *testing.T) (*core.Server, *fakeTransport) {
	t.Helper()

	transport := newFakeTransport()
	server, err := core.NewServer(core.ServerOptions{
		Transport:  transport,
		Serializer: serializers.NewJSONSerializer(),
		Logger:     rlog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = server.Close() })

	server.Define("room", func(ch *core.Channel) {
		ch.RegisterHandler("ping", func(session *core.Session, msg *core.Message) {
			session.Reply(msg, core.StatusOk, map[string]any{"pong": true})
		})
	})

	return server, transport
}

func TestJoinReply(t *testing.T) {
	_, transport := newTestServer(t)
	client := transport.connect(t)

	transport.inject(client, `{"topic":"room:1","event":"phx_join","payload":{},"ref":"1","join_ref":"1"}`)

	frame := transport.waitFrame(t, client)
	want := `{"topic":"room:1","event":"phx_reply","payload":{"status":"ok","response":{}},"ref":"1"}`
	if string(frame.Data) != want {
		t.Errorf("reply = %s, want %s", frame.Data, want)
	}
	if frame.Kind != core.TextFrame {
		t.Errorf("Kind = %v, want text", frame.Kind)
	}
}

func TestJoinUnmatchedTopic(t *testing.T) {
	_, transport := newTestServer(t)
	client := transport.connect(t)

	transport.inject(client, `{"topic":"lobby:1","event":"phx_join","payload":{},"ref":"1","join_ref":"1"}`)

	frame := transport.waitFrame(t, client)
	want := `{"topic":"lobby:1","event":"phx_reply","payload":{"status":"error","response":{"reason":"unmatched topic"}},"ref":"1"}`
	if string(frame.Data) != want {
		t.Errorf("reply = %s, want %s", frame.Data, want)
	}
}

func TestHeartbeat(t *testing.T) {
	_, transport := newTestServer(t)
	client := transport.connect(t)

	transport.inject(client, `{"topic":"phoenix","event":"heartbeat","payload":{},"ref":"2"}`)

	frame := transport.waitFrame(t, client)
	want := `{"topic":"phoenix","event":"phx_reply","payload":{"status":"ok","response":{}},"ref":"2"}`
	if string(frame.Data) != want {
		t.Errorf("reply = %s, want %s", frame.Data, want)
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	_, transport := newTestServer(t)
	client := transport.connect(t)

	transport.inject(client, `{"event":"e","payload":{},"ref":"1"}`)
	transport.inject(client, `not even json`)
	transport.inject(client, `[1,2,3]`)

	transport.expectNoFrame(t)

	transport.mu.Lock()
	closed := len(transport.closedClients)
	transport.mu.Unlock()
	if closed != 0 {
		t.Errorf("malformed input closed %d connections", closed)
	}
}

func TestChannelDispatch(t *testing.T) {
	_, transport := newTestServer(t)
	client := transport.connect(t)

	transport.inject(client, `{"topic":"room:1","event":"phx_join","payload":{},"ref":"1","join_ref":"1"}`)
	transport.waitFrame(t, client)

	transport.inject(client, `{"topic":"room:1","event":"ping","payload":{},"ref":"2","join_ref":"1"}`)

	frame := transport.waitFrame(t, client)
	want := `{"topic":"room:1","event":"phx_reply","payload":{"status":"ok","response":{"pong":true}},"ref":"2"}`
	if string(frame.Data) != want {
		t.Errorf("reply = %s, want %s", frame.Data, want)
	}
}

func TestNotJoined(t *testing.T) {
	_, transport := newTestServer(t)
	client := transport.connect(t)

	transport.inject(client, `{"topic":"room:1","event":"phx_join","payload":{},"ref":"1","join_ref":"1"}`)
	transport.waitFrame(t, client)

	other := transport.connect(t)
	transport.inject(other, `{"topic":"room:1","event":"ping","payload":{},"ref":"2"}`)

	frame := transport.waitFrame(t, other)
	want := `{"topic":"room:1","event":"phx_reply","payload":{"status":"error","response":{"reason":"not joined"}},"ref":"2"}`
	if string(frame.Data) != want {
		t.Errorf("reply = %s, want %s", frame.Data, want)
	}
}

func TestLeave(t *testing.T) {
	_, transport := newTestServer(t)
	client := transport.connect(t)

	transport.inject(client, `{"topic":"room:1","event":"phx_join","payload":{},"ref":"1","join_ref":"1"}`)
	transport.waitFrame(t, client)

	transport.inject(client, `{"topic":"room:1","event":"phx_leave","payload":{},"ref":"2","join_ref":"1"}`)
	frame := transport.waitFrame(t, client)
	want := `{"topic":"room:1","event":"phx_reply","payload":{"status":"ok","response":{}},"ref":"2"}`
	if string(frame.Data) != want {
		t.Errorf("reply = %s, want %s", frame.Data, want)
	}

	transport.inject(client, `{"topic":"room:1","event":"ping","payload":{},"ref":"3"}`)
	frame = transport.waitFrame(t, client)
	want = `{"topic":"room:1","event":"phx_reply","payload":{"status":"error","response":{"reason":"not joined"}},"ref":"3"}`
	if string(frame.Data) != want {
		t.Errorf("reply = %s, want %s", frame.Data, want)
	}
}

func TestRejoinSupersedesOldJoin(t *testing.T) {
	_, transport := newTestServer(t)
	client := transport.connect(t)

	transport.inject(client, `{"topic":"room:1","event":"phx_join","payload":{},"ref":"1","join_ref":"1"}`)
	transport.waitFrame(t, client)

	// A second join with a new join_ref closes the old subscription
	// before acknowledging the new one.
	transport.inject(client, `{"topic":"room:1","event":"phx_join","payload":{},"ref":"2","join_ref":"2"}`)

	closeFrame := transport.waitFrame(t, client)
	wantClose := `{"topic":"room:1","event":"phx_close","payload":{},"ref":null}`
	if string(closeFrame.Data) != wantClose {
		t.Errorf("close = %s, want %s", closeFrame.Data, wantClose)
	}

	replyFrame := transport.waitFrame(t, client)
	wantReply := `{"topic":"room:1","event":"phx_reply","payload":{"status":"ok","response":{}},"ref":"2"}`
	if string(replyFrame.Data) != wantReply {
		t.Errorf("reply = %s, want %s", replyFrame.Data, wantReply)
	}

	// Messages still carrying the superseded join_ref are stale and get
	// dropped without a reply.
	transport.inject(client, `{"topic":"room:1","event":"ping","payload":{},"ref":"3","join_ref":"1"}`)
	transport.expectNoFrame(t)

	// The current join_ref still works.
	transport.inject(client, `{"topic":"room:1","event":"ping","payload":{},"ref":"4","join_ref":"2"}`)
	frame := transport.waitFrame(t, client)
	want := `{"topic":"room:1","event":"phx_reply","payload":{"status":"ok","response":{"pong":true}},"ref":"4"}`
	if string(frame.Data) != want {
		t.Errorf("reply = %s, want %s", frame.Data, want)
	}
}

func TestStaleLeaveIgnored(t *testing.T) {
	_, transport := newTestServer(t)
	client := transport.connect(t)

	transport.inject(client, `{"topic":"room:1","event":"phx_join","payload":{},"ref":"1","join_ref":"1"}`)
	transport.waitFrame(t, client)

	transport.inject(client, `{"topic":"room:1","event":"phx_join","payload":{},"ref":"2","join_ref":"2"}`)
	transport.waitFrame(t, client) // phx_close for the old join
	transport.waitFrame(t, client) // ok reply for the new join

	// A leave still carrying the superseded join_ref must not tear down
	// the subscription the newer join established.
	transport.inject(client, `{"topic":"room:1","event":"phx_leave","payload":{},"ref":"3","join_ref":"1"}`)
	transport.expectNoFrame(t)

	transport.inject(client, `{"topic":"room:1","event":"ping","payload":{},"ref":"4","join_ref":"2"}`)
	frame := transport.waitFrame(t, client)
	want := `{"topic":"room:1","event":"phx_reply","payload":{"status":"ok","response":{"pong":true}},"ref":"4"}`
	if string(frame.Data) != want {
		t.Errorf("reply = %s, want %s", frame.Data, want)
	}
}

func TestConnectionValidator(t *testing.T) {
	server, transport := newTestServer(t)

	server.OnConnect(func(remoteAddr string) (bool, string) {
		return false, "banned"
	})

	var rejectedReason string
	transport.onConnect(fakeConn{},
		func(string) { t.Fatal("connection should have been rejected") },
		func(reason string) { rejectedReason = reason },
	)

	if rejectedReason != "banned" {
		t.Errorf("reason = %q, want %q", rejectedReason, "banned")
	}
}

func TestFallbackHandler(t *testing.T) {
	server, transport := newTestServer(t)
	client := transport.connect(t)

	transport.inject(client, `{"topic":"room:1","event":"phx_join","payload":{},"ref":"1","join_ref":"1"}`)
	transport.waitFrame(t, client)

	ch, exists := server.GetChannel("room:1")
	if !exists {
		t.Fatal("channel should exist after join")
	}
	ch.FallbackHandler(func(session *core.Session, msg *core.Message) {
		session.Reply(msg, core.StatusError, map[string]any{"reason": "unknown event"})
	})

	transport.inject(client, `{"topic":"room:1","event":"no_such_event","payload":{},"ref":"2","join_ref":"1"}`)

	frame := transport.waitFrame(t, client)
	want := `{"topic":"room:1","event":"phx_reply","payload":{"status":"error","response":{"reason":"unknown event"}},"ref":"2"}`
	if string(frame.Data) != want {
		t.Errorf("reply = %s, want %s", frame.Data, want)
	}
}

func TestBroadcastFanout(t *testing.T) {
	server, transport := newTestServer(t)

	first := transport.connect(t)
	second := transport.connect(t)

	transport.inject(first, `{"topic":"room:1","event":"phx_join","payload":{},"ref":"1","join_ref":"1"}`)
	transport.waitFrame(t, first)
	transport.inject(second, `{"topic":"room:1","event":"phx_join","payload":{},"ref":"1","join_ref":"1"}`)
	transport.waitFrame(t, second)

	if err := server.Broadcast("room:1", "update", map[string]any{"x": 1}); err != nil {
		t.Fatal(err)
	}

	want := `{"topic":"room:1","event":"update","payload":{"x":1},"ref":null}`

	firstFrame := transport.waitFrame(t, first)
	secondFrame := transport.waitFrame(t, second)

	if string(firstFrame.Data) != want {
		t.Errorf("first = %s, want %s", firstFrame.Data, want)
	}
	if string(secondFrame.Data) != string(firstFrame.Data) {
		t.Errorf("subscribers received different bytes: %s vs %s", firstFrame.Data, secondFrame.Data)
	}
}

func TestDisconnectLeavesChannels(t *testing.T) {
	server, transport := newTestServer(t)
	client := transport.connect(t)

	transport.inject(client, `{"topic":"room:1","event":"phx_join","payload":{},"ref":"1","join_ref":"1"}`)
	transport.waitFrame(t, client)

	transport.onDisconnect(client)

	ch, exists := server.GetChannel("room:1")
	if !exists {
		t.Fatal("channel should still exist")
	}
	if ch.HasMember(client) {
		t.Error("disconnected session should have been removed from the channel")
	}
}
