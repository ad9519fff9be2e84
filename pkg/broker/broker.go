// Package broker implements the request/response broker: every outbound
// call is wrapped with a timeout, an optional result cache and a uniform
// settle-once guarantee.
//
// Callers describe a call with Options and provide an Executor that
// performs the actual transport work. The broker owns the cache and the
// timer; the executor owns settlement. Concurrent callers using the same
// cache key collapse onto one in-flight call and observe the identical
// outcome, success or failure.
package broker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/statehub-protocol/statehub-go/pkg/log"
)

// Broker errors.
var (
	// ErrTimeout is the rejection for calls whose timer elapsed.
	ErrTimeout = errors.New("request timed out")

	// ErrNotConnected is the rejection for calls issued while the
	// transport is down.
	ErrNotConnected = errors.New("not connected")

	// ErrPermissionDenied is the rejection for calls the authenticated
	// session is not allowed to make.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnsupportedFeature is the rejection for calls requiring a
	// capability the current connection does not have.
	ErrUnsupportedFeature = errors.New("unsupported feature")
)

// NoTimeout disables the call timer when used as Options.Timeout.
const NoTimeout time.Duration = -1

// DefaultTimeout applies when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Capability is a feature flag granted to the session at authentication.
type Capability string

// Options describes one brokered call.
type Options struct {
	// CacheKey memoizes the call result under this key. Empty disables
	// caching.
	CacheKey string

	// Refresh forces a new call even if a cached future exists. The new
	// future replaces the cached one.
	Refresh bool

	// Timeout bounds the call. Zero means DefaultTimeout; NoTimeout
	// disables the timer.
	Timeout time.Duration

	// OnTimeout is invoked (once) if the timer elapses, before the
	// future is rejected. Use it to abort underlying transport work.
	OnTimeout func()

	// Require lists capabilities the connection must have. A missing
	// capability rejects with ErrUnsupportedFeature and the executor
	// never runs.
	Require []Capability
}

// Call is the executor's handle onto one in-flight call.
//
// The executor settles the call through Resolve/Reject. Both consult the
// elapsed flag: a settlement attempt after timeout is silently dropped,
// which closes the race where a late network reply arrives after the
// timer already rejected the future.
type Call struct {
	broker   *Broker
	future   *Future
	cacheKey string
	elapsed  *atomic.Bool
	timer    *time.Timer
	started  time.Time
	name     string
}

// Elapsed reports whether the call timer has fired.
func (c *Call) Elapsed() bool {
	return c.elapsed.Load()
}

// ClearTimer stops the call timer. Resolve and Reject call it
// implicitly; it is idempotent.
func (c *Call) ClearTimer() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

// Resolve fulfills the call unless the timer already elapsed.
// Returns true if this call settled the future.
func (c *Call) Resolve(value any) bool {
	c.ClearTimer()
	if c.elapsed.Load() {
		return false
	}
	if !c.future.Resolve(value) {
		return false
	}
	c.broker.logSettled(c, "")
	return true
}

// Reject rejects the call unless the timer already elapsed. The cache
// entry is evicted so the next caller retries instead of observing a
// transport failure forever.
// Returns true if this call settled the future.
func (c *Call) Reject(err error) bool {
	c.ClearTimer()
	if c.elapsed.Load() {
		return false
	}
	if !c.future.Reject(err) {
		return false
	}
	c.broker.evict(c.cacheKey, c.future)
	c.broker.logSettled(c, err.Error())
	return true
}

// RejectCached rejects the call but keeps the rejection cached, so
// concurrent and later callers under the same key share the failure.
// Used for definitive outcomes (e.g. permission denied) that a retry
// would not change.
func (c *Call) RejectCached(err error) bool {
	c.ClearTimer()
	if c.elapsed.Load() {
		return false
	}
	if !c.future.Reject(err) {
		return false
	}
	c.broker.logSettled(c, err.Error())
	return true
}

// Executor performs the transport work for one call. It must settle the
// call through the Call handle, either before returning or later from a
// reply callback. A returned error (or panic) rejects the call and
// evicts the cache entry.
type Executor func(call *Call) error

// Config configures a Broker.
type Config struct {
	// Connected reports transport connectivity. Required.
	Connected func() bool

	// Has reports whether the session holds a capability. Nil grants
	// everything.
	Has func(Capability) bool

	// DefaultTimeout overrides DefaultTimeout when positive.
	DefaultTimeout time.Duration

	// Logger receives message events. Nil disables logging.
	Logger log.Logger
}

type cacheEntry struct {
	future    *Future
	createdAt time.Time
}

// Broker wraps outbound calls with caching and timeout enforcement.
type Broker struct {
	mu    sync.Mutex
	cache map[string]*cacheEntry

	connected      func() bool
	has            func(Capability) bool
	defaultTimeout time.Duration
	logger         log.Logger
}

// New creates a Broker.
func New(cfg Config) *Broker {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	return &Broker{
		cache:          make(map[string]*cacheEntry),
		connected:      cfg.Connected,
		has:            cfg.Has,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         log.OrNoop(cfg.Logger),
	}
}

// Call runs one brokered call and returns its future.
//
// The returned future may be shared with other callers (cache hit). It
// never settles twice, and a settled future never changes state.
func (b *Broker) Call(name string, opts Options, exec Executor) *Future {
	// Capability gate runs before anything else; the executor must not
	// run for calls the session cannot make.
	for _, cap := range opts.Require {
		if b.has != nil && !b.has(cap) {
			f := NewFuture()
			f.Reject(fmt.Errorf("%w: %s", ErrUnsupportedFeature, cap))
			return f
		}
	}

	if opts.CacheKey != "" && !opts.Refresh {
		b.mu.Lock()
		if entry, ok := b.cache[opts.CacheKey]; ok {
			b.mu.Unlock()
			return entry.future
		}
		b.mu.Unlock()
	}

	if b.connected != nil && !b.connected() {
		f := NewFuture()
		f.Reject(ErrNotConnected)
		return f
	}

	future := NewFuture()
	if opts.CacheKey != "" {
		b.mu.Lock()
		if !opts.Refresh {
			// Re-check under the lock: a concurrent caller may have
			// installed an entry since the fast-path lookup above. The
			// loser joins the winner's future and its executor never runs.
			if entry, ok := b.cache[opts.CacheKey]; ok {
				b.mu.Unlock()
				return entry.future
			}
		}
		b.cache[opts.CacheKey] = &cacheEntry{future: future, createdAt: time.Now()}
		b.mu.Unlock()
	}

	call := &Call{
		broker:   b,
		future:   future,
		cacheKey: opts.CacheKey,
		elapsed:  new(atomic.Bool),
		started:  time.Now(),
		name:     name,
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = b.defaultTimeout
	}
	if timeout != NoTimeout {
		onTimeout := opts.OnTimeout
		call.timer = time.AfterFunc(timeout, func() {
			// Order matters: mark elapsed first so a racing reply is
			// dropped, then run the side-effecting callback, then evict
			// and reject. A timed-out result must never stay cached.
			call.elapsed.Store(true)
			if onTimeout != nil {
				onTimeout()
			}
			b.evict(opts.CacheKey, future)
			if future.Reject(ErrTimeout) {
				b.logSettled(call, ErrTimeout.Error())
			}
		})
	}

	b.logger.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionOut,
		Category:  log.CategoryMessage,
		Message: &log.MessageEvent{
			Kind:     log.MessageKindRequest,
			Name:     name,
			CacheKey: opts.CacheKey,
		},
	})

	if err := b.runExecutor(call, exec); err != nil {
		call.Reject(err)
	}
	return future
}

// runExecutor invokes exec, converting a panic into an error so a
// misbehaving executor rejects its own call instead of crashing the
// process.
func (b *Broker) runExecutor(call *Call, exec Executor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec(call)
}

// ResetCache evicts one exact key, or every key sharing the prefix when
// prefix is true. Used after mutating operations that would otherwise
// serve stale cached reads. Evicting an absent key is a no-op.
func (b *Broker) ResetCache(key string, prefix bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !prefix {
		delete(b.cache, key)
		return
	}
	for k := range b.cache {
		if strings.HasPrefix(k, key) {
			delete(b.cache, k)
		}
	}
}

// Cached reports whether a future is cached under key.
func (b *Broker) Cached(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.cache[key]
	return ok
}

// evict removes the cache entry for key, but only if it still holds the
// given future. A replacement entry from a forced refresh is left alone.
// Idempotent.
func (b *Broker) evict(key string, future *Future) {
	if key == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.cache[key]; ok && entry.future == future {
		delete(b.cache, key)
	}
}

func (b *Broker) logSettled(c *Call, errText string) {
	rt := time.Since(c.started)
	event := log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionIn,
		Category:  log.CategoryMessage,
		Message: &log.MessageEvent{
			Kind:      log.MessageKindReply,
			Name:      c.name,
			CacheKey:  c.cacheKey,
			RoundTrip: &rt,
		},
	}
	if errText != "" {
		event.Category = log.CategoryError
		event.Message = nil
		event.Error = &log.ErrorEventData{Message: errText, Context: c.name}
	}
	b.logger.Log(event)
}
