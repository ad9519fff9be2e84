package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/statehub-protocol/statehub-go/pkg/connection"
	"github.com/statehub-protocol/statehub-go/pkg/wire"
)

// testHub is a minimal in-process hub endpoint. It answers the session
// handshake and dispatches requests to a scripted handler.
type testHub struct {
	srv *httptest.Server

	mu           sync.Mutex
	conns        []*websocket.Conn
	handler      func(msg *wire.Message) *wire.Message
	rejectAuth   bool
	handshakeDly bool
	capabilities []string

	auths chan wire.AuthPayload
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	h := &testHub{auths: make(chan wire.AuthPayload, 8)}
	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *testHub) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *testHub) setHandler(fn func(msg *wire.Message) *wire.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
}

func (h *testHub) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.conns = append(h.conns, conn)
	reject := h.rejectAuth
	delay := h.handshakeDly
	caps := h.capabilities
	h.mu.Unlock()

	// Session handshake: first frame must be an auth message.
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	msg, err := wire.DecodeMessage(data)
	if err != nil || msg.Kind != wire.KindAuth {
		return
	}
	var auth wire.AuthPayload
	_ = wire.DecodePayload(msg.Payload, &auth)
	h.auths <- auth

	reply := &wire.Message{Kind: wire.KindReply, MessageID: msg.MessageID}
	if reject {
		reply.Error = "invalid token"
	} else {
		reply.Payload = wire.AuthResult{HandshakeDelay: delay, Capabilities: caps}
	}
	out, _ := wire.EncodeMessage(reply)
	_ = conn.WriteMessage(websocket.BinaryMessage, out)
	if reject {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.DecodeMessage(data)
		if err != nil {
			continue
		}

		if msg.Kind == wire.KindAuth {
			_ = wire.DecodePayload(msg.Payload, &auth)
			h.auths <- auth
			continue
		}

		h.mu.Lock()
		fn := h.handler
		h.mu.Unlock()

		var reply *wire.Message
		if fn != nil {
			reply = fn(msg)
		}
		if reply == nil {
			continue // no reply scripted, leave the request pending
		}
		reply.Kind = wire.KindReply
		reply.MessageID = msg.MessageID
		out, _ := wire.EncodeMessage(reply)
		_ = conn.WriteMessage(websocket.BinaryMessage, out)
	}
}

// push writes a push notification on the most recent connection.
func (h *testHub) push(t *testing.T, msg *wire.Message) {
	t.Helper()
	h.mu.Lock()
	require.NotEmpty(t, h.conns)
	conn := h.conns[len(h.conns)-1]
	h.mu.Unlock()

	out, err := wire.EncodeMessage(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, out))
}

// dropConns severs every open connection server-side.
func (h *testHub) dropConns() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.Close()
	}
	h.conns = nil
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.TokenProvider = func() (string, bool) { return "access-1", true }
	cfg.InstanceID = "test-instance"
	cfg.Backoff = connection.BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Jitter: 0}
	return cfg
}

func TestWSConnectAndRequest(t *testing.T) {
	hub := newTestHub(t)
	hub.setHandler(func(msg *wire.Message) *wire.Message {
		if msg.Method == "getVersion" {
			return &wire.Message{Payload: "1.2.3"}
		}
		return &wire.Message{Error: "unknown method"}
	})

	connected := make(chan bool, 1)
	tr := NewWSTransport(testConfig(hub.url()), Handlers{
		OnConnect: func(handshakeDelay bool) { connected <- handshakeDelay },
	})
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background()))
	require.True(t, tr.Connected())

	select {
	case delay := <-connected:
		require.False(t, delay)
	case <-time.After(time.Second):
		t.Fatal("OnConnect not invoked")
	}

	auth := <-hub.auths
	require.Equal(t, "access-1", auth.Token)
	require.Equal(t, "test-instance", auth.InstanceID)

	replies := make(chan *wire.Message, 1)
	err := tr.Request(&wire.Message{Method: "getVersion"}, func(reply *wire.Message, err error) {
		require.NoError(t, err)
		replies <- reply
	})
	require.NoError(t, err)

	select {
	case reply := <-replies:
		require.Empty(t, reply.Error)
		var version string
		require.NoError(t, wire.DecodePayload(reply.Payload, &version))
		require.Equal(t, "1.2.3", version)
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
}

func TestWSHandshakeRejected(t *testing.T) {
	hub := newTestHub(t)
	hub.rejectAuth = true

	tr := NewWSTransport(testConfig(hub.url()), Handlers{})
	defer tr.Close()

	err := tr.Connect(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "handshake rejected")
	require.False(t, tr.Connected())
}

func TestWSNoToken(t *testing.T) {
	hub := newTestHub(t)

	cfg := testConfig(hub.url())
	cfg.TokenProvider = func() (string, bool) { return "", false }
	tr := NewWSTransport(cfg, Handlers{})
	defer tr.Close()

	err := tr.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
}

func TestWSHandshakeDelayFlag(t *testing.T) {
	hub := newTestHub(t)
	hub.handshakeDly = true
	hub.capabilities = []string{"files", "admin"}

	connected := make(chan bool, 1)
	tr := NewWSTransport(testConfig(hub.url()), Handlers{
		OnConnect: func(handshakeDelay bool) { connected <- handshakeDelay },
	})
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background()))

	select {
	case delay := <-connected:
		require.True(t, delay)
	case <-time.After(time.Second):
		t.Fatal("OnConnect not invoked")
	}
	require.ElementsMatch(t, []string{"files", "admin"}, tr.Capabilities())
}

func TestWSPushDispatch(t *testing.T) {
	hub := newTestHub(t)

	connected := make(chan struct{}, 1)
	pushes := make(chan *wire.Message, 1)
	tr := NewWSTransport(testConfig(hub.url()), Handlers{
		OnConnect: func(bool) { connected <- struct{}{} },
		OnPush:    func(msg *wire.Message) { pushes <- msg },
	})
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background()))
	<-connected

	hub.push(t, &wire.Message{
		Kind:     wire.KindPush,
		Method:   wire.PushStateChanged,
		TargetID: "my.device.temperature",
		Payload:  map[string]any{"val": 21.5},
	})

	select {
	case msg := <-pushes:
		require.Equal(t, wire.PushStateChanged, msg.Method)
		require.Equal(t, "my.device.temperature", msg.TargetID)
	case <-time.After(time.Second):
		t.Fatal("push not dispatched")
	}
}

func TestWSDisconnectFailsPendingAndReconnects(t *testing.T) {
	hub := newTestHub(t)
	// No handler: requests stay pending until the connection drops.

	disconnected := make(chan error, 1)
	reconnected := make(chan struct{}, 1)
	tr := NewWSTransport(testConfig(hub.url()), Handlers{
		OnDisconnect: func(err error) { disconnected <- err },
		OnReconnect:  func() { reconnected <- struct{}{} },
	})
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background()))
	<-hub.auths

	failed := make(chan error, 1)
	err := tr.Request(&wire.Message{Method: "hang"}, func(reply *wire.Message, err error) {
		failed <- err
	})
	require.NoError(t, err)

	hub.dropConns()

	select {
	case err := <-failed:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("pending request not failed")
	}

	select {
	case err := <-disconnected:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect not invoked")
	}

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("did not reconnect")
	}
	require.True(t, tr.Connected())
}

func TestWSRequestWhileDisconnected(t *testing.T) {
	hub := newTestHub(t)

	tr := NewWSTransport(testConfig(hub.url()), Handlers{})
	defer tr.Close()

	err := tr.Request(&wire.Message{Method: "getVersion"}, func(*wire.Message, error) {})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestWSUpdateToken(t *testing.T) {
	hub := newTestHub(t)

	tr := NewWSTransport(testConfig(hub.url()), Handlers{})
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background()))
	<-hub.auths // handshake credential

	require.NoError(t, tr.UpdateToken("access-2"))

	select {
	case auth := <-hub.auths:
		require.Equal(t, "access-2", auth.Token)
	case <-time.After(time.Second):
		t.Fatal("token update not received")
	}
}

func TestPipe(t *testing.T) {
	t.Run("RequestReply", func(t *testing.T) {
		p := NewPipe(func(msg *wire.Message) *wire.Message {
			return &wire.Message{Payload: msg.Method}
		})
		p.SimulateConnect(false)

		var got *wire.Message
		require.NoError(t, p.Request(&wire.Message{Method: "getState"}, func(reply *wire.Message, err error) {
			require.NoError(t, err)
			got = reply
		}))
		require.NotNil(t, got)
		require.Equal(t, "getState", got.Payload)
		require.Equal(t, []string{"getState"}, p.SentMethods())
	})

	t.Run("DisconnectedRejects", func(t *testing.T) {
		p := NewPipe(nil)
		err := p.Request(&wire.Message{Method: "getState"}, nil)
		require.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("LifecycleEvents", func(t *testing.T) {
		p := NewPipe(nil)

		var events []string
		p.SetHandlers(Handlers{
			OnConnect:    func(bool) { events = append(events, "connect") },
			OnReconnect:  func() { events = append(events, "reconnect") },
			OnDisconnect: func(error) { events = append(events, "disconnect") },
		})

		p.SimulateConnect(false)
		p.SimulateDisconnect(errors.New("gone"))
		p.SimulateReconnect()

		require.Equal(t, []string{"connect", "disconnect", "reconnect"}, events)
		require.True(t, p.Connected())
	})
}
