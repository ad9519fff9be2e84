package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/statehub-protocol/statehub-go/pkg/connection"
	"github.com/statehub-protocol/statehub-go/pkg/log"
	"github.com/statehub-protocol/statehub-go/pkg/wire"
)

// Default WebSocket transport timings.
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultAuthTimeout  = 10 * time.Second
	DefaultPingInterval = 20 * time.Second
	DefaultPongWait     = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Config configures a WSTransport.
type Config struct {
	// URL is the hub WebSocket endpoint (ws:// or wss://).
	URL string

	// TokenProvider returns the current access token. Called before
	// every dial so reconnects always carry a fresh credential.
	TokenProvider func() (string, bool)

	// InstanceID identifies this client in the session handshake.
	InstanceID string

	// AppVersion is reported in the session handshake, for diagnostics.
	AppVersion string

	// DialTimeout bounds the WebSocket dial and upgrade.
	DialTimeout time.Duration

	// AuthTimeout bounds the session handshake round trip.
	AuthTimeout time.Duration

	// PingInterval is the keepalive ping period.
	PingInterval time.Duration

	// PongWait is the read deadline; a connection with no traffic or
	// pong for this long is considered dead.
	PongWait time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// Backoff customizes reconnection backoff. Zero values use defaults.
	Backoff connection.BackoffConfig

	// Logger receives transport events. Nil disables logging.
	Logger log.Logger
}

// DefaultConfig returns a config with default timings for the given URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		DialTimeout:  DefaultDialTimeout,
		AuthTimeout:  DefaultAuthTimeout,
		PingInterval: DefaultPingInterval,
		PongWait:     DefaultPongWait,
		WriteTimeout: DefaultWriteTimeout,
	}
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
}

// session is one dialed and authenticated WebSocket connection.
type session struct {
	conn *websocket.Conn

	// Closed when the read loop exits, stops the ping loop.
	done chan struct{}
}

// WSTransport is a WebSocket implementation of Transport.
//
// Each dial performs the session handshake (KindAuth with the current
// access token) before the connection is considered established. Lost
// connections are redialed with exponential backoff by the embedded
// connection.Manager.
type WSTransport struct {
	cfg      Config
	logger   log.Logger
	handlers Handlers

	mgr *connection.Manager

	mu      sync.Mutex
	sess    *session
	pending map[uint64]pendingCall

	writeMu sync.Mutex
	nextID  atomic.Uint64
	closed  atomic.Bool

	// Result of the most recent handshake.
	handshakeDelay bool
	capabilities   []string
}

type pendingCall struct {
	cb   ReplyFunc
	sent time.Time
}

// NewWSTransport creates a WebSocket transport. Handlers must be set
// before Connect; they are invoked from transport goroutines.
func NewWSTransport(cfg Config, handlers Handlers) *WSTransport {
	cfg.applyDefaults()

	t := &WSTransport{
		cfg:      cfg,
		logger:   log.OrNoop(cfg.Logger),
		handlers: handlers,
		pending:  make(map[uint64]pendingCall),
	}
	t.mgr = connection.NewManagerWithBackoff(t.dial, connection.NewBackoffWithConfig(cfg.Backoff))
	t.mgr.OnConnected(t.onConnected)
	return t
}

// Connect dials the hub and performs the session handshake. On success
// the reconnect loop is armed; subsequent connection losses are handled
// internally.
func (t *WSTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return t.mgr.Connect(ctx)
}

// Connected reports whether an authenticated connection is active.
func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess != nil
}

// Capabilities returns the feature flags granted in the most recent
// session handshake.
func (t *WSTransport) Capabilities() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.capabilities))
	copy(out, t.capabilities)
	return out
}

// Request sends msg and registers cb for the correlated reply.
func (t *WSTransport) Request(msg *wire.Message, cb ReplyFunc) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.Lock()
	sess := t.sess
	if sess == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	msg.Kind = wire.KindRequest
	msg.MessageID = t.nextID.Add(1)
	if cb != nil {
		t.pending[msg.MessageID] = pendingCall{cb: cb, sent: time.Now()}
	}
	t.mu.Unlock()

	if err := t.writeMessage(sess, msg); err != nil {
		t.mu.Lock()
		delete(t.pending, msg.MessageID)
		t.mu.Unlock()
		return err
	}

	t.logMessage(log.DirectionOut, log.MessageKindRequest, msg, nil)
	return nil
}

// Emit sends msg without expecting a reply.
func (t *WSTransport) Emit(msg *wire.Message) error {
	return t.Request(msg, nil)
}

// UpdateToken re-authenticates the server-side session with a refreshed
// access token.
func (t *WSTransport) UpdateToken(accessToken string) error {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}

	msg := &wire.Message{
		Kind:      wire.KindAuth,
		MessageID: t.nextID.Add(1),
		Payload: wire.AuthPayload{
			Token:      accessToken,
			InstanceID: t.cfg.InstanceID,
		},
	}
	return t.writeMessage(sess, msg)
}

// Close tears down the connection and stops reconnection.
func (t *WSTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mgr.Close()

	t.mu.Lock()
	sess := t.sess
	t.sess = nil
	t.mu.Unlock()

	if sess != nil {
		sess.conn.Close()
	}
	t.failPending(ErrClosed)
	return nil
}

// dial establishes and authenticates one connection. Called by the
// connection manager for the initial connect and every retry.
func (t *WSTransport) dial(ctx context.Context) error {
	token, ok := t.cfg.TokenProvider()
	if !ok || token == "" {
		return ErrNoToken
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}

	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	auth := &wire.Message{
		Kind:      wire.KindAuth,
		MessageID: t.nextID.Add(1),
		Payload: wire.AuthPayload{
			Token:      token,
			InstanceID: t.cfg.InstanceID,
			AppVersion: t.cfg.AppVersion,
		},
	}
	data, err := wire.EncodeMessage(auth)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(t.cfg.AuthTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("handshake send: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(t.cfg.AuthTimeout))
	_, replyData, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("handshake reply: %w", err)
	}
	reply, err := wire.DecodeMessage(replyData)
	if err != nil {
		return fmt.Errorf("handshake reply: %w", err)
	}
	if reply.Error != "" {
		t.logError(reply.Error, "handshake")
		return fmt.Errorf("handshake rejected: %s", reply.Error)
	}

	var result wire.AuthResult
	if reply.Payload != nil {
		if err := wire.DecodePayload(reply.Payload, &result); err != nil {
			return fmt.Errorf("handshake result: %w", err)
		}
	}

	sess := &session{conn: conn, done: make(chan struct{})}

	conn.SetWriteDeadline(time.Time{})
	conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})

	t.mu.Lock()
	t.sess = sess
	t.handshakeDelay = result.HandshakeDelay
	t.capabilities = result.Capabilities
	t.mu.Unlock()

	go t.readLoop(sess)
	go t.pingLoop(sess)

	success = true
	return nil
}

// onConnected relays manager connect events to the handlers.
func (t *WSTransport) onConnected(reconnect bool) {
	if reconnect {
		if t.handlers.OnReconnect != nil {
			t.handlers.OnReconnect()
		}
		return
	}
	if t.handlers.OnConnect != nil {
		t.mu.Lock()
		delay := t.handshakeDelay
		t.mu.Unlock()
		t.handlers.OnConnect(delay)
	}
}

func (t *WSTransport) readLoop(sess *session) {
	defer close(sess.done)

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			t.connectionLost(sess, err)
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))

		msg, err := wire.DecodeMessage(data)
		if err != nil {
			t.logError(err.Error(), "decode")
			continue
		}

		switch msg.Kind {
		case wire.KindReply:
			t.dispatchReply(msg)
		case wire.KindPush:
			t.logMessage(log.DirectionIn, log.MessageKindPush, msg, nil)
			if t.handlers.OnPush != nil {
				t.handlers.OnPush(msg)
			}
		default:
			t.logError(fmt.Sprintf("unexpected kind %s", msg.Kind), "read")
		}
	}
}

func (t *WSTransport) dispatchReply(msg *wire.Message) {
	t.mu.Lock()
	call, ok := t.pending[msg.MessageID]
	if ok {
		delete(t.pending, msg.MessageID)
	}
	t.mu.Unlock()

	if !ok {
		// Reply to a fire-and-forget or timed-out request.
		return
	}

	rtt := time.Since(call.sent)
	t.logMessage(log.DirectionIn, log.MessageKindReply, msg, &rtt)
	call.cb(msg, nil)
}

// pingLoop sends keepalive pings until the session ends.
func (t *WSTransport) pingLoop(sess *session) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// The read loop will observe the dead connection.
				return
			}
		}
	}
}

// connectionLost handles a severed session: fails pending calls,
// notifies the handlers and triggers reconnection.
func (t *WSTransport) connectionLost(sess *session, err error) {
	t.mu.Lock()
	if t.sess != sess {
		// A newer session is already active.
		t.mu.Unlock()
		return
	}
	t.sess = nil
	t.mu.Unlock()

	sess.conn.Close()
	t.failPending(ErrNotConnected)

	if t.closed.Load() {
		return
	}

	t.logError(err.Error(), "connection lost")
	if t.handlers.OnDisconnect != nil {
		t.handlers.OnDisconnect(err)
	}
	t.mgr.ConnectionLost()
}

// failPending settles all outstanding calls with err.
func (t *WSTransport) failPending(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]pendingCall)
	t.mu.Unlock()

	for _, call := range pending {
		call.cb(nil, err)
	}
}

func (t *WSTransport) writeMessage(sess *session, msg *wire.Message) error {
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	sess.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return sess.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *WSTransport) logMessage(dir log.Direction, kind log.MessageKind, msg *wire.Message, rtt *time.Duration) {
	name := msg.Method
	t.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: t.cfg.InstanceID,
		Direction:    dir,
		Category:     log.CategoryMessage,
		RemoteAddr:   t.cfg.URL,
		Message: &log.MessageEvent{
			Kind:      kind,
			Name:      name,
			MessageID: msg.MessageID,
			TargetID:  msg.TargetID,
			RoundTrip: rtt,
		},
	})
}

func (t *WSTransport) logError(message, context string) {
	t.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: t.cfg.InstanceID,
		Direction:    log.DirectionLocal,
		Category:     log.CategoryError,
		RemoteAddr:   t.cfg.URL,
		Error: &log.ErrorEventData{
			Message: message,
			Context: context,
		},
	})
}

// Compile-time interface satisfaction check.
var _ Transport = (*WSTransport)(nil)
