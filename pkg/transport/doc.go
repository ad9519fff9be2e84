// Package transport implements the bidirectional message channel to
// the hub.
//
// The Transport interface multiplexes request/reply calls and push
// notifications over one connection and reports lifecycle changes
// (connect, reconnect, disconnect) through Handlers.
//
// # WebSocket Transport
//
// WSTransport is the production implementation:
//
//   - Binary WebSocket frames carrying CBOR-encoded wire.Message envelopes
//   - Session handshake: the first frame is a KindAuth message with the
//     current access token; the connection is established only after a
//     successful handshake reply
//   - Keepalive: periodic pings, read deadline extended on any traffic
//   - Reconnection with exponential backoff, owned by the transport;
//     every redial fetches a fresh token from the TokenProvider
//
// Pending requests are failed with ErrNotConnected when the connection
// is severed; callers decide whether to retry.
//
// # Test Transport
//
// Pipe is an in-memory implementation with a scripted request handler
// and explicit Simulate methods for lifecycle events.
package transport
