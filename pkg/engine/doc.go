// Package engine orchestrates one client connection to the hub.
//
// The Engine wires four collaborators together:
//
//   - transport.Transport carries the messages and owns reconnection
//   - broker.Broker multiplexes request/reply calls with caching and
//     timeouts
//   - subscription.Registry tracks push subscriptions and replays them
//     on every (re)connect
//   - token.Manager keeps the access token fresh across instances
//
// # Lifecycle
//
// Connecting -> Connected -> Authenticating -> Ready, with Reconnecting
// on transport loss and Ended on Close. The first successful connection
// runs a bounded bootstrap sequence (permissions, system configuration,
// locale, optional state snapshot) under a RetryPolicy before readiness
// is signalled. Reconnects skip bootstrap entirely: subscriptions are
// replayed and readiness is restored immediately.
//
// The engine never dials. When the transport reports a lost connection
// the engine flips to Reconnecting, broadcasts the change to observers,
// and waits for the transport to come back.
//
// # Requests
//
// The high-level helpers (GetState, SetObject, ReadFile, SendTo, ...)
// shape brokered calls with per-identifier cache keys; writes invalidate
// the matching read caches. Custom operations go through Call directly.
package engine
