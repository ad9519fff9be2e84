package statehub_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/statehub-protocol/statehub-go/pkg/connection"
	"github.com/statehub-protocol/statehub-go/pkg/engine"
	"github.com/statehub-protocol/statehub-go/pkg/kvstore"
	"github.com/statehub-protocol/statehub-go/pkg/model"
	"github.com/statehub-protocol/statehub-go/pkg/subscription"
	"github.com/statehub-protocol/statehub-go/pkg/token"
	"github.com/statehub-protocol/statehub-go/pkg/transport"
	"github.com/statehub-protocol/statehub-go/pkg/wire"
)

// e2eHub is an in-process hub speaking the real wire protocol over
// WebSocket. It answers the session handshake, serves the bootstrap
// methods, and records every request by method name.
type e2eHub struct {
	srv *httptest.Server

	mu      sync.Mutex
	conns   []*websocket.Conn
	calls   map[string]int
	handler func(msg *wire.Message) *wire.Message

	auths chan wire.AuthPayload
}

func newE2EHub(t *testing.T) *e2eHub {
	t.Helper()
	h := &e2eHub{
		calls: make(map[string]int),
		auths: make(chan wire.AuthPayload, 8),
	}
	h.handler = h.defaultHandler
	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *e2eHub) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *e2eHub) callCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[method]
}

// defaultHandler serves the minimum the engine needs to bootstrap.
func (h *e2eHub) defaultHandler(msg *wire.Message) *wire.Message {
	switch msg.Method {
	case wire.MethodGetObject:
		if msg.TargetID == "system.config" {
			return &wire.Message{Payload: &model.Object{
				ID:     "system.config",
				Type:   "config",
				Common: map[string]any{"language": "en"},
			}}
		}
		return &wire.Message{Error: "not found"}
	case wire.MethodGetPermissions:
		return &wire.Message{Payload: map[string]bool{"read": true, "write": true}}
	case wire.MethodGetVersion:
		return &wire.Message{Payload: "7.1.0"}
	case wire.MethodGetState:
		return &wire.Message{Payload: &model.State{Val: 42.0, Ack: true, TS: 1700000000000}}
	case wire.MethodSubscribeStates, wire.MethodUnsubscribeStates, wire.MethodGetStates:
		return &wire.Message{Payload: []model.StateChange{}}
	default:
		return &wire.Message{Error: "unknown method"}
	}
}

func (h *e2eHub) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

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
			var auth wire.AuthPayload
			_ = wire.DecodePayload(msg.Payload, &auth)
			h.auths <- auth
			reply := &wire.Message{
				Kind:      wire.KindReply,
				MessageID: msg.MessageID,
				Payload:   wire.AuthResult{},
			}
			out, _ := wire.EncodeMessage(reply)
			_ = conn.WriteMessage(websocket.BinaryMessage, out)
			continue
		}

		h.mu.Lock()
		h.calls[msg.Method]++
		fn := h.handler
		h.mu.Unlock()

		reply := fn(msg)
		if reply == nil {
			continue
		}
		reply.Kind = wire.KindReply
		reply.MessageID = msg.MessageID
		out, _ := wire.EncodeMessage(reply)
		_ = conn.WriteMessage(websocket.BinaryMessage, out)
	}
}

// push writes a push notification on the most recent connection.
func (h *e2eHub) push(t *testing.T, msg *wire.Message) {
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
func (h *e2eHub) dropConns() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.Close()
	}
	h.conns = nil
}

// newE2EEngine wires a real WebSocket transport and a token manager
// backed by an in-memory store, the way an application embeds the
// client.
func newE2EEngine(t *testing.T, hub *e2eHub, seed token.Record, refresher token.Refresher) (*engine.Engine, *token.Manager) {
	t.Helper()

	store := kvstore.NewMemoryStore()
	client := store.NewClient()
	t.Cleanup(func() { client.Close() })

	var mgr *token.Manager
	eng, err := engine.New(engine.Config{
		Transport: func(h2 transport.Handlers) (transport.Transport, error) {
			cfg := transport.DefaultConfig(hub.url())
			cfg.TokenProvider = func() (string, bool) {
				if mgr == nil {
					return "", false
				}
				rec, ok := mgr.Current()
				if !ok {
					return "", false
				}
				return rec.AccessToken, true
			}
			cfg.InstanceID = "e2e-instance"
			cfg.Backoff = connection.BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Jitter: 0}
			return transport.NewWSTransport(cfg, h2), nil
		},
		Tokens: func(sink token.Sink) *token.Manager {
			mgr = token.NewManager(token.Config{
				Shared:            client,
				Refresher:         refresher,
				Sink:              sink,
				OnRecovery:        func(err error) {},
				InstanceID:        "e2e-instance",
				RefreshThreshold:  150 * time.Millisecond,
				TakeoverThreshold: 50 * time.Millisecond,
				RetryInterval:     20 * time.Millisecond,
			})
			return mgr
		},
		LoadPermissions: true,
		BootstrapRetry:  engine.RetryPolicy{MaxAttempts: 2, Backoff: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, mgr.SetRecord(seed))

	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { eng.Close() })
	return eng, mgr
}

// longLivedRecord returns a seed record whose access token outlives the
// test.
func longLivedRecord() token.Record {
	return token.Record{
		AccessToken:   "access-1",
		RefreshToken:  "refresh-1",
		AccessExpiry:  time.Now().Add(time.Hour),
		RefreshExpiry: time.Now().Add(24 * time.Hour),
	}
}

type stubRefresher struct {
	grant token.Grant
}

func (r *stubRefresher) Refresh(context.Context, string) (token.Grant, error) {
	return r.grant, nil
}

func waitReady(t *testing.T, eng *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.WaitReady(ctx))
}

func TestE2E_ConnectBootstrapAndRequest(t *testing.T) {
	hub := newE2EHub(t)
	eng, _ := newE2EEngine(t, hub, longLivedRecord(), &stubRefresher{})

	waitReady(t, eng)
	require.Equal(t, engine.StateReady, eng.State())

	// Handshake carried the seeded token.
	auth := <-hub.auths
	require.Equal(t, "access-1", auth.Token)

	// Bootstrap loaded configuration and permissions.
	require.Equal(t, "en", eng.Locale())
	require.True(t, eng.Permissions()["write"])
	require.NotNil(t, eng.SystemConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, err := eng.GetState(ctx, "my.device.temp")
	require.NoError(t, err)
	require.Equal(t, 42.0, st.Val)

	v, err := eng.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, "7.1.0", v)
}

func TestE2E_SubscribeAndPush(t *testing.T) {
	hub := newE2EHub(t)
	eng, _ := newE2EEngine(t, hub, longLivedRecord(), &stubRefresher{})
	waitReady(t, eng)

	events := make(chan subscription.Event, 4)
	_, err := eng.SubscribeStates("home.*", func(ev subscription.Event) error {
		events <- ev
		return nil
	})
	require.NoError(t, err)

	// Wait for the subscribe to reach the hub before pushing.
	require.Eventually(t, func() bool {
		return hub.callCount(wire.MethodSubscribeStates) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.push(t, &wire.Message{
		Kind:     wire.KindPush,
		Method:   wire.PushStateChanged,
		TargetID: "home.kitchen.light",
		Payload:  &model.State{Val: true, Ack: true, TS: 1700000001000},
	})

	select {
	case ev := <-events:
		require.Equal(t, "home.kitchen.light", ev.ID)
		st := ev.Payload.(*model.State)
		require.Equal(t, true, st.Val)
	case <-time.After(2 * time.Second):
		t.Fatal("push not dispatched")
	}
}

func TestE2E_ReconnectSkipsBootstrapAndResubscribes(t *testing.T) {
	hub := newE2EHub(t)
	eng, _ := newE2EEngine(t, hub, longLivedRecord(), &stubRefresher{})
	waitReady(t, eng)

	_, err := eng.SubscribeStates("home.*", func(subscription.Event) error { return nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return hub.callCount(wire.MethodSubscribeStates) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	configLoads := hub.callCount(wire.MethodGetObject)

	states := make(chan engine.State, 16)
	remove := eng.Observe(func(s engine.State) { states <- s })
	defer remove()

	hub.dropConns()

	// The transport redials on its own; the engine must come back to
	// Ready without repeating the bootstrap.
	deadline := time.After(5 * time.Second)
	sawReconnecting := false
	for {
		select {
		case s := <-states:
			if s == engine.StateReconnecting {
				sawReconnecting = true
			}
			if s == engine.StateReady {
				require.True(t, sawReconnecting, "expected a Reconnecting transition first")
				goto ready
			}
		case <-deadline:
			t.Fatal("engine did not recover")
		}
	}
ready:

	// A second handshake happened, the subscription was replayed, and
	// the configuration object was not fetched again.
	require.Eventually(t, func() bool {
		return hub.callCount(wire.MethodSubscribeStates) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, configLoads, hub.callCount(wire.MethodGetObject))
}

func TestE2E_TokenRefreshReachesHub(t *testing.T) {
	hub := newE2EHub(t)

	refresher := &stubRefresher{grant: token.Grant{
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		AccessTTL:    time.Hour,
		RefreshTTL:   24 * time.Hour,
	}}
	seed := token.Record{
		AccessToken:   "access-1",
		RefreshToken:  "refresh-1",
		AccessExpiry:  time.Now().Add(250 * time.Millisecond),
		RefreshExpiry: time.Now().Add(24 * time.Hour),
	}

	eng, _ := newE2EEngine(t, hub, seed, refresher)
	waitReady(t, eng)

	// First handshake used the seeded token.
	auth := <-hub.auths
	require.Equal(t, "access-1", auth.Token)

	// The manager refreshes before expiry and forwards the new token
	// through the engine to the transport, which re-authenticates the
	// live session.
	select {
	case auth := <-hub.auths:
		require.Equal(t, "access-2", auth.Token)
	case <-time.After(5 * time.Second):
		t.Fatal("refreshed token never reached the hub")
	}
}
