package transport

import (
	"errors"

	"github.com/statehub-protocol/statehub-go/pkg/wire"
)

// Transport errors.
var (
	// ErrNotConnected is returned when a message is sent without an
	// active connection.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")

	// ErrNoToken is returned when no access token is available for the
	// session handshake.
	ErrNoToken = errors.New("transport: no access token available")
)

// ReplyFunc is invoked with the reply to a request. Exactly one of
// reply and err is non-nil. When the connection is severed before the
// reply arrives, err reports the cause and the reply is nil.
type ReplyFunc func(reply *wire.Message, err error)

// Handlers receives transport lifecycle and push events.
// All fields are optional; nil handlers are skipped.
type Handlers struct {
	// OnConnect fires after the first successful session handshake.
	// handshakeDelay is true when the server asked the client to delay
	// its bootstrap sequence.
	OnConnect func(handshakeDelay bool)

	// OnReconnect fires after every subsequent successful handshake.
	OnReconnect func()

	// OnDisconnect fires when an established connection is severed.
	OnDisconnect func(err error)

	// OnPush receives server push notifications.
	OnPush func(msg *wire.Message)
}

// Transport is the bidirectional message channel the engine runs on.
//
// Implementations own reconnection: after a connection loss they retry
// with backoff and report the outcome through Handlers. Callers never
// dial themselves.
type Transport interface {
	// Request sends msg and registers cb for the correlated reply.
	// The transport assigns the message ID. A nil cb sends the request
	// fire-and-forget.
	Request(msg *wire.Message, cb ReplyFunc) error

	// Emit sends msg without expecting a reply.
	Emit(msg *wire.Message) error

	// UpdateToken informs the server of a refreshed access token so the
	// server-side session stays in step with the credential.
	UpdateToken(accessToken string) error

	// Connected reports whether an authenticated connection is active.
	Connected() bool

	// Close tears down the connection and stops reconnection.
	Close() error
}
