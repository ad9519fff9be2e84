package subscription

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/statehub-protocol/statehub-go/pkg/log"
	"github.com/statehub-protocol/statehub-go/pkg/model"
	"github.com/statehub-protocol/statehub-go/pkg/pattern"
)

// Registry errors.
var (
	ErrUnknownKind = errors.New("unknown subscription kind")
	ErrNilCallback = errors.New("nil callback")
)

// Kind identifies what a subscription observes.
type Kind uint8

const (
	// KindState observes state value changes.
	KindState Kind = iota
	// KindObject observes object create/update/delete.
	KindObject
	// KindFile observes file create/update/delete.
	KindFile
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindState:
		return "STATE"
	case KindObject:
		return "OBJECT"
	case KindFile:
		return "FILE"
	default:
		return "UNKNOWN"
	}
}

// Event is one push notification delivered to a callback.
type Event struct {
	// Kind identifies the notification type.
	Kind Kind

	// ID is the concrete identifier the event refers to (state id,
	// object id, or file parent id).
	ID string

	// Filename is set for file events only.
	Filename string

	// Payload is the notification payload: *model.State for states
	// (nil on deletion), *model.Object for objects (nil on deletion),
	// file metadata for files.
	Payload any
}

// Callback receives dispatched events. A returned error is logged and
// isolated; it never aborts dispatch to other callbacks.
type Callback func(Event) error

// Emitter is the transport-facing side of the registry: it carries
// subscribe/unsubscribe messages to the server.
type Emitter interface {
	// SendSubscribe registers a pattern server-side. filePattern is
	// empty except for file subscriptions.
	SendSubscribe(kind Kind, pat, filePattern string) error

	// SendUnsubscribe removes a server-side pattern registration.
	SendUnsubscribe(kind Kind, pat, filePattern string) error

	// Connected reports whether messages can currently be sent.
	Connected() bool
}

// StateReader fetches current state values for priming. The engine
// implements it on top of the request broker, expanding wildcards into
// bulk reads.
type StateReader interface {
	// CurrentStates returns the current values of all states matching
	// the pattern. Exact patterns yield zero or one entry.
	CurrentStates(pat string) ([]model.StateChange, error)
}

// subKey identifies one subscription. Raw strings, not compiled
// semantics, define identity.
type subKey struct {
	kind        Kind
	pattern     string
	filePattern string
}

// entry is the bookkeeping for one subscription.
type entry struct {
	matcher     *pattern.Matcher
	fileMatcher *pattern.Matcher // nil unless kind == KindFile

	// callbacks in registration order.
	callbacks []*Handle
}

// Handle identifies one registered callback for unsubscription.
type Handle struct {
	key subKey
	cb  Callback
	id  uint64
}

// Registry tracks active subscriptions and dispatches inbound push
// notifications to pattern-matched callbacks.
type Registry struct {
	mu     sync.Mutex
	subs   map[subKey]*entry
	nextID uint64

	emitter Emitter
	states  StateReader
	logger  log.Logger
}

// Config configures a Registry.
type Config struct {
	// Emitter carries subscription traffic to the transport. Required.
	Emitter Emitter

	// States primes state subscriptions with current values. Nil
	// disables priming.
	States StateReader

	// Logger receives dispatch failure events. Nil disables logging.
	Logger log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		subs:    make(map[subKey]*entry),
		emitter: cfg.Emitter,
		states:  cfg.States,
		logger:  log.OrNoop(cfg.Logger),
	}
}

// Subscribe registers cb for state or object events matching pat.
// For file subscriptions use SubscribeFiles.
//
// If the pattern is new and the transport is connected, a subscribe
// message is sent immediately; otherwise it is deferred until the next
// ResubscribeAll. State subscriptions are primed with current values
// before Subscribe returns.
func (r *Registry) Subscribe(kind Kind, pat string, cb Callback) (*Handle, error) {
	if kind != KindState && kind != KindObject {
		return nil, ErrUnknownKind
	}
	return r.subscribe(subKey{kind: kind, pattern: pat}, cb)
}

// SubscribeFiles registers cb for file events below objects matching pat
// whose filename matches filePattern.
func (r *Registry) SubscribeFiles(pat, filePattern string, cb Callback) (*Handle, error) {
	return r.subscribe(subKey{kind: KindFile, pattern: pat, filePattern: filePattern}, cb)
}

func (r *Registry) subscribe(key subKey, cb Callback) (*Handle, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}

	r.mu.Lock()
	e, known := r.subs[key]
	if !known {
		e = &entry{matcher: pattern.Compile(key.pattern)}
		if key.kind == KindFile {
			e.fileMatcher = pattern.Compile(key.filePattern)
		}
		r.subs[key] = e
	}
	h := &Handle{key: key, cb: cb, id: r.nextID}
	r.nextID++
	e.callbacks = append(e.callbacks, h)
	connected := r.emitter.Connected()
	r.mu.Unlock()

	// New patterns reach the transport only while connected; otherwise
	// ResubscribeAll picks them up after the next connect.
	if !known && connected {
		if err := r.emitter.SendSubscribe(key.kind, key.pattern, key.filePattern); err != nil {
			return h, fmt.Errorf("failed to subscribe %q: %w", key.pattern, err)
		}
	}

	if key.kind == KindState && connected {
		r.primeOne(key.pattern, []*Handle{h})
	}
	return h, nil
}

// Unsubscribe removes one registered callback. When a pattern's callback
// set becomes empty the pattern is dropped from bookkeeping and, if
// connected, an unsubscribe message is sent.
func (r *Registry) Unsubscribe(h *Handle) error {
	if h == nil {
		return nil
	}
	r.mu.Lock()
	e, ok := r.subs[h.key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	for i, other := range e.callbacks {
		if other.id == h.id {
			e.callbacks = append(e.callbacks[:i], e.callbacks[i+1:]...)
			break
		}
	}
	empty := len(e.callbacks) == 0
	if empty {
		delete(r.subs, h.key)
	}
	connected := r.emitter.Connected()
	r.mu.Unlock()

	if empty && connected {
		return r.emitter.SendUnsubscribe(h.key.kind, h.key.pattern, h.key.filePattern)
	}
	return nil
}

// UnsubscribePattern removes all callbacks registered for a pattern.
func (r *Registry) UnsubscribePattern(kind Kind, pat, filePattern string) error {
	key := subKey{kind: kind, pattern: pat, filePattern: filePattern}

	r.mu.Lock()
	_, ok := r.subs[key]
	if ok {
		delete(r.subs, key)
	}
	connected := r.emitter.Connected()
	r.mu.Unlock()

	if ok && connected {
		return r.emitter.SendUnsubscribe(kind, pat, filePattern)
	}
	return nil
}

// Dispatch routes one inbound push notification to every callback whose
// pattern accepts id (and, for file events, whose file pattern accepts
// filename). Callback failures are logged and isolated. Dispatch order
// across patterns is unspecified; within one pattern it follows
// registration order.
func (r *Registry) Dispatch(event Event) {
	r.mu.Lock()
	var targets []*Handle
	for key, e := range r.subs {
		if key.kind != event.Kind {
			continue
		}
		if !e.matcher.Match(event.ID) {
			continue
		}
		if event.Kind == KindFile && !e.fileMatcher.Match(event.Filename) {
			continue
		}
		targets = append(targets, e.callbacks...)
	}
	r.mu.Unlock()

	for _, h := range targets {
		r.invoke(h, event)
	}
}

// invoke runs one callback, isolating errors and panics.
func (r *Registry) invoke(h *Handle, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logFailure(event, fmt.Sprintf("callback panic: %v", rec))
		}
	}()
	if err := h.cb(event); err != nil {
		r.logFailure(event, err.Error())
	}
}

// ResubscribeAll re-emits every tracked pattern to the transport and
// primes state subscriptions. Invoked once per connection establishment
// (first connect or reconnect). It only talks to the transport and the
// state reader; registry bookkeeping is never mutated, so it is
// idempotent.
func (r *Registry) ResubscribeAll() error {
	r.mu.Lock()
	keys := make([]subKey, 0, len(r.subs))
	handles := make(map[subKey][]*Handle, len(r.subs))
	for key, e := range r.subs {
		keys = append(keys, key)
		handles[key] = append([]*Handle(nil), e.callbacks...)
	}
	r.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		if err := r.emitter.SendSubscribe(key.kind, key.pattern, key.filePattern); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to resubscribe %q: %w", key.pattern, err)
		}
		if key.kind == KindState {
			r.primeOne(key.pattern, handles[key])
		}
	}
	return firstErr
}

// UnsubscribeAll drops all bookkeeping and, if connected, tells the
// transport to remove every pattern. Used on engine shutdown.
func (r *Registry) UnsubscribeAll() error {
	r.mu.Lock()
	keys := make([]subKey, 0, len(r.subs))
	for key := range r.subs {
		keys = append(keys, key)
	}
	r.subs = make(map[subKey]*entry)
	connected := r.emitter.Connected()
	r.mu.Unlock()

	if !connected {
		return nil
	}
	var firstErr error
	for _, key := range keys {
		if err := r.emitter.SendUnsubscribe(key.kind, key.pattern, key.filePattern); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Count returns the number of tracked patterns of a kind.
func (r *Registry) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key := range r.subs {
		if key.kind == kind {
			n++
		}
	}
	return n
}

// Patterns returns the raw pattern strings tracked for a kind.
func (r *Registry) Patterns(kind Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for key := range r.subs {
		if key.kind == kind {
			out = append(out, key.pattern)
		}
	}
	return out
}

// primeOne fetches current values for one state pattern and delivers
// them to the given callbacks.
func (r *Registry) primeOne(pat string, targets []*Handle) {
	if r.states == nil {
		return
	}
	changes, err := r.states.CurrentStates(pat)
	if err != nil {
		r.logFailure(Event{Kind: KindState, ID: pat}, fmt.Sprintf("priming failed: %v", err))
		return
	}
	for _, ch := range changes {
		event := Event{Kind: KindState, ID: ch.ID, Payload: ch.State}
		for _, h := range targets {
			r.invoke(h, event)
		}
	}
}

func (r *Registry) logFailure(event Event, msg string) {
	r.logger.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionIn,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Message: msg,
			Context: fmt.Sprintf("%s dispatch %s", event.Kind, event.ID),
		},
	})
}
