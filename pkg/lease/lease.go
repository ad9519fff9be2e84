// Package lease implements a time-bounded, store-backed mutual-exclusion
// primitive for coordinating client instances that share a kvstore.
//
// A lease is advisory: acquisition is a read-check-write sequence with no
// atomic compare-and-swap underneath, so two instances racing within the
// same instant can both believe they hold it. The expiry horizon bounds
// the damage of a lost race; users of the lease must tolerate duplicate
// execution of the protected action (see the token package, where the
// worst case is one duplicate refresh call).
//
// Leases self-expire. Release is only needed for promptness, never for
// correctness.
package lease

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/statehub-protocol/statehub-go/pkg/kvstore"
)

// DefaultTTL is the lease expiry horizon.
const DefaultTTL = 10 * time.Second

// Record is the stored lease, JSON-encoded under the lease key.
type Record struct {
	// HolderID identifies the instance holding the lease.
	HolderID string `json:"holder"`

	// Expiry is the expiry time in epoch milliseconds.
	Expiry int64 `json:"expiry"`
}

// ExpiresAt returns the expiry as a time.Time.
func (r Record) ExpiresAt() time.Time {
	return time.UnixMilli(r.Expiry)
}

// Config configures a Lease.
type Config struct {
	// Key is the store key the lease record lives under.
	Key string

	// HolderID identifies this instance in acquired leases.
	HolderID string

	// TTL is the expiry horizon for acquired leases (default 10s).
	TTL time.Duration

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Lease coordinates exclusive ownership of a shared action across
// instances sharing a kvstore.
type Lease struct {
	store    kvstore.Store
	key      string
	holderID string
	ttl      time.Duration
	now      func() time.Time
}

// New creates a Lease over the given store.
func New(store kvstore.Store, cfg Config) *Lease {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Lease{
		store:    store,
		key:      cfg.Key,
		holderID: cfg.HolderID,
		ttl:      cfg.TTL,
		now:      cfg.Now,
	}
}

// HolderID returns this instance's holder id.
func (l *Lease) HolderID() string {
	return l.holderID
}

// TryAcquire attempts to take the lease. It succeeds iff no lease record
// exists or the existing record has expired. On success the stored record
// names this instance as holder with a fresh expiry horizon.
//
// The read-check-write sequence is not atomic against true concurrent
// writers; callers must tolerate a narrow duplicate-acquisition window.
func (l *Lease) TryAcquire() (bool, error) {
	current, ok, err := l.read()
	if err != nil {
		return false, err
	}
	if ok && current.ExpiresAt().After(l.now()) && current.HolderID != l.holderID {
		return false, nil
	}

	record := Record{
		HolderID: l.holderID,
		Expiry:   l.now().Add(l.ttl).UnixMilli(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("failed to encode lease record: %w", err)
	}
	if err := l.store.Set(l.key, string(data)); err != nil {
		return false, fmt.Errorf("failed to write lease record: %w", err)
	}
	return true, nil
}

// Release deletes the lease record, but only if this instance still holds
// it. Releasing a lease held by someone else (or no lease at all) is a
// no-op.
func (l *Lease) Release() error {
	current, ok, err := l.read()
	if err != nil {
		return err
	}
	if !ok || current.HolderID != l.holderID {
		return nil
	}
	return l.store.Delete(l.key)
}

// Holder returns the current lease record, if a live one exists.
// An expired record is reported as absent.
func (l *Lease) Holder() (Record, bool, error) {
	current, ok, err := l.read()
	if err != nil || !ok {
		return Record{}, false, err
	}
	if !current.ExpiresAt().After(l.now()) {
		return Record{}, false, nil
	}
	return current, true, nil
}

// Held reports whether this instance currently holds a live lease.
func (l *Lease) Held() (bool, error) {
	current, ok, err := l.Holder()
	if err != nil || !ok {
		return false, err
	}
	return current.HolderID == l.holderID, nil
}

func (l *Lease) read() (Record, bool, error) {
	raw, ok, err := l.store.Get(l.key)
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read lease record: %w", err)
	}
	if !ok || raw == "" {
		return Record{}, false, nil
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		// A corrupt record is treated as absent: the next acquisition
		// overwrites it with a self-consistent one.
		return Record{}, false, nil
	}
	return record, true, nil
}
