package broker

import (
	"context"
	"sync"
)

// Future is a single-settlement result container.
//
// A Future transitions from pending to settled (fulfilled or rejected)
// exactly once; later Resolve/Reject calls are no-ops. Settlement is
// safe to attempt from any goroutine.
type Future struct {
	once sync.Once
	done chan struct{}

	// value and err are written once, before done is closed.
	value any
	err   error
}

// NewFuture creates a pending future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve fulfills the future. Returns true if this call settled it.
func (f *Future) Resolve(value any) bool {
	settled := false
	f.once.Do(func() {
		f.value = value
		close(f.done)
		settled = true
	})
	return settled
}

// Reject rejects the future. Returns true if this call settled it.
func (f *Future) Reject(err error) bool {
	settled := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

// Done returns a channel closed on settlement.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has settled.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx is done.
// A ctx error does not settle the future; other waiters are unaffected.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.value, f.err
	}
}

// Result returns the settled value and error.
// Valid only after Done is closed; before settlement both are zero.
func (f *Future) Result() (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
		return nil, nil
	}
}
