// Package kvstore provides the shared key/value store used for cross-instance
// coordination.
//
// Several client instances ("tabs") belonging to the same user share one
// store: the token record and the refresh lease live here. The Store
// interface deliberately offers no compare-and-swap; coordination built on
// it (see the lease package) is advisory, not linearizable.
//
// Two implementations are provided: MemoryStore for single-process use and
// tests, and FileStore for instances running as separate processes that
// share a directory.
package kvstore

import "errors"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kvstore: store closed")

// Change describes a mutation observed through Watch.
type Change struct {
	// Key is the mutated key.
	Key string

	// Value is the new value. Empty when Deleted is set.
	Value string

	// Deleted indicates the key was removed.
	Deleted bool
}

// WatchFunc receives change notifications. Implementations invoke it from
// a dedicated goroutine; callbacks must not block for long.
type WatchFunc func(Change)

// Store is a shared string key/value store with change notification.
//
// Watch semantics mirror browser storage events: a client observes
// mutations made by *other* clients of the same store, never its own.
type Store interface {
	// Get returns the value for key. The second return is false if the
	// key is absent.
	Get(key string) (string, bool, error)

	// Set stores value under key, overwriting any previous value.
	Set(key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Watch registers fn for change notifications and returns a function
	// that cancels the registration.
	Watch(fn WatchFunc) (stop func())

	// Close releases resources held by this client handle.
	Close() error
}
