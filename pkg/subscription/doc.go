// Package subscription implements the client-side subscription registry.
//
// The registry tracks active state, object and file subscriptions, keyed
// by their raw pattern string. Multiple callbacks may attach to one
// pattern; dispatch order within a pattern follows registration order.
//
// # Pattern Identity
//
// Two patterns are the same subscription iff their raw strings are
// identical. `a.*` and `a.*.*` overlap semantically but are distinct
// subscriptions; this keeps deduplication exact without set-equivalence
// analysis.
//
// # Lifecycle
//
// Server-side subscriptions do not survive connection loss. The registry
// keeps its bookkeeping across disconnects and re-emits every tracked
// pattern on ResubscribeAll, which the engine invokes once per
// connection establishment. A pattern registered while disconnected is
// deferred and first reaches the transport on the next ResubscribeAll.
//
// # Initial Value Delivery
//
// State subscriptions are primed: upon registration (and again after
// every reconnect) the current value of each matching state is fetched
// and delivered to the callback, so subscribers always observe an
// initial value without waiting for the next push.
package subscription
