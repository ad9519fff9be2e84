package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/statehub-protocol/statehub-go/pkg/broker"
	"github.com/statehub-protocol/statehub-go/pkg/log"
	"github.com/statehub-protocol/statehub-go/pkg/model"
	"github.com/statehub-protocol/statehub-go/pkg/pattern"
	"github.com/statehub-protocol/statehub-go/pkg/subscription"
	"github.com/statehub-protocol/statehub-go/pkg/token"
	"github.com/statehub-protocol/statehub-go/pkg/transport"
	"github.com/statehub-protocol/statehub-go/pkg/wire"
)

// Capabilities granted at session handshake.
const (
	// CapabilityFiles gates file read/write operations.
	CapabilityFiles broker.Capability = "files"

	// CapabilityAdmin gates administrative operations.
	CapabilityAdmin broker.Capability = "admin"
)

// SystemConfigID is the object holding hub-wide configuration.
const SystemConfigID = "system.config"

// DefaultLocale applies when no locale is configured anywhere.
const DefaultLocale = "en"

// DefaultHandshakeWait is the bootstrap delay applied when the server
// signals a handshake delay.
const DefaultHandshakeWait = 1 * time.Second

// ErrEnded is returned for operations on a closed engine.
var ErrEnded = errors.New("engine: ended")

// TransportFactory builds the transport with the engine's handlers
// already wired in.
type TransportFactory func(h transport.Handlers) (transport.Transport, error)

// Config configures an Engine.
type Config struct {
	// Transport builds the underlying transport. Required.
	Transport TransportFactory

	// Tokens optionally builds the token lifecycle manager; the engine
	// passes itself as the refreshed-token sink and couples the manager
	// to its own lifecycle.
	Tokens func(sink token.Sink) *token.Manager

	// LoadPermissions enables the permission fetch during bootstrap.
	LoadPermissions bool

	// SnapshotPattern, when set, preloads all states matching the
	// pattern during bootstrap.
	SnapshotPattern string

	// Locale overrides the operating locale. Empty derives it from the
	// system configuration object, falling back to DefaultLocale.
	Locale string

	// HandshakeWait is the bootstrap delay applied when the server
	// signals a handshake delay. Zero means DefaultHandshakeWait.
	HandshakeWait time.Duration

	// BootstrapRetry bounds the bootstrap sequence.
	BootstrapRetry RetryPolicy

	// DefaultTimeout is the default brokered-call timeout.
	DefaultTimeout time.Duration

	// OnFatal is invoked when the session cannot continue: bootstrap
	// exhausted its retries or the hub revoked authorization. The
	// application should re-authenticate from scratch. Optional.
	OnFatal func(err error)

	// InstanceID identifies this engine instance. Defaults to a random
	// UUID.
	InstanceID string

	// Logger receives engine events. Nil disables logging.
	Logger log.Logger
}

// Engine orchestrates the transport, request broker, subscription
// registry and token lifecycle into one connection to the hub.
//
// The engine never dials: the transport owns reconnection and the
// engine only reacts to its lifecycle events.
type Engine struct {
	transport transport.Transport
	broker    *broker.Broker
	registry  *subscription.Registry
	tokens    *token.Manager

	logger     log.Logger
	instanceID string

	loadPermissions bool
	snapshotPattern string
	localeOverride  string
	handshakeWait   time.Duration
	bootstrapRetry  RetryPolicy
	onFatal         func(err error)

	mu           sync.Mutex
	state        State
	firstConnect bool // bootstrap completed at least once
	capsKnown    bool
	capabilities map[broker.Capability]struct{}
	permissions  map[string]bool
	systemConfig *model.Object
	locale       string

	observers map[int]func(State)
	nextObs   int

	onMessage func(from string, payload any)

	readyOnce sync.Once
	readyCh   chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates an engine and builds its transport.
func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("engine: Transport factory is required")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.HandshakeWait <= 0 {
		cfg.HandshakeWait = DefaultHandshakeWait
	}

	e := &Engine{
		logger:          log.OrNoop(cfg.Logger),
		instanceID:      cfg.InstanceID,
		loadPermissions: cfg.LoadPermissions,
		snapshotPattern: cfg.SnapshotPattern,
		localeOverride:  cfg.Locale,
		handshakeWait:   cfg.HandshakeWait,
		bootstrapRetry:  cfg.BootstrapRetry,
		onFatal:         cfg.OnFatal,
		state:           StateIdle,
		observers:       make(map[int]func(State)),
		readyCh:         make(chan struct{}),
	}

	e.broker = broker.New(broker.Config{
		Connected:      e.transportConnected,
		Has:            e.hasCapability,
		DefaultTimeout: cfg.DefaultTimeout,
		Logger:         cfg.Logger,
	})
	e.registry = subscription.NewRegistry(subscription.Config{
		Emitter: (*registryEmitter)(e),
		States:  (*registryStates)(e),
		Logger:  cfg.Logger,
	})

	tr, err := cfg.Transport(transport.Handlers{
		OnConnect:    e.onConnect,
		OnReconnect:  e.onReconnect,
		OnDisconnect: e.onDisconnect,
		OnPush:       e.onPush,
	})
	if err != nil {
		return nil, err
	}
	e.transport = tr

	if cfg.Tokens != nil {
		e.tokens = cfg.Tokens(e)
	}

	return e, nil
}

// Start begins the session. When the transport supports dialing
// (WSTransport does, the test pipe does not), the initial connection is
// established here; afterwards the engine only reacts to transport
// events.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		return ErrEnded
	}
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	e.setState(StateConnecting, "")

	if e.tokens != nil {
		e.tokens.Start(ctx)
	}

	type connector interface {
		Connect(ctx context.Context) error
	}
	if c, ok := e.transport.(connector); ok {
		if err := c.Connect(ctx); err != nil {
			e.setState(StateDisconnected, err.Error())
			return err
		}
	}
	return nil
}

// Close ends the session permanently.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		return nil
	}
	cancel := e.runCancel
	e.mu.Unlock()

	e.setState(StateEnded, "")
	if cancel != nil {
		cancel()
	}
	if e.tokens != nil {
		e.tokens.Stop()
	}
	return e.transport.Close()
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// InstanceID returns the engine instance identifier.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// Broker exposes the request broker for custom brokered calls.
func (e *Engine) Broker() *broker.Broker {
	return e.broker
}

// Subscriptions exposes the subscription registry.
func (e *Engine) Subscriptions() *subscription.Registry {
	return e.registry
}

// Tokens returns the token lifecycle manager, or nil when the engine
// runs without one.
func (e *Engine) Tokens() *token.Manager {
	return e.tokens
}

// WaitReady blocks until the first bootstrap completes or ctx is done.
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.readyCh:
		return nil
	}
}

// Observe registers a connection-state observer. The returned function
// removes it. Observers are invoked on every state transition.
func (e *Engine) Observe(fn func(State)) func() {
	e.mu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

// OnInstanceMessage registers the handler for instance-to-instance
// messages. Only one handler is supported; later calls replace it.
func (e *Engine) OnInstanceMessage(fn func(from string, payload any)) {
	e.mu.Lock()
	e.onMessage = fn
	e.mu.Unlock()
}

// Permissions returns the permission map loaded during bootstrap.
func (e *Engine) Permissions() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]bool, len(e.permissions))
	for k, v := range e.permissions {
		out[k] = v
	}
	return out
}

// SystemConfig returns the system configuration object loaded during
// bootstrap, or nil before the first bootstrap.
func (e *Engine) SystemConfig() *model.Object {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.systemConfig
}

// Locale returns the operating locale determined during bootstrap.
func (e *Engine) Locale() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locale == "" {
		return DefaultLocale
	}
	return e.locale
}

// UpdateToken forwards a refreshed access token to the transport.
// Implements token.Sink.
func (e *Engine) UpdateToken(accessToken string) error {
	return e.transport.UpdateToken(accessToken)
}

// setState transitions the engine state and broadcasts to observers.
func (e *Engine) setState(newState State, reason string) {
	e.mu.Lock()
	oldState := e.state
	if oldState == newState {
		e.mu.Unlock()
		return
	}
	// Ended is terminal.
	if oldState == StateEnded {
		e.mu.Unlock()
		return
	}
	e.state = newState
	observers := make([]func(State), 0, len(e.observers))
	for _, fn := range e.observers {
		observers = append(observers, fn)
	}
	e.mu.Unlock()

	e.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: e.instanceID,
		Direction:    log.DirectionLocal,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			OldState: oldState.String(),
			NewState: newState.String(),
			Reason:   reason,
		},
	})

	for _, fn := range observers {
		fn(newState)
	}
}

// onConnect handles the first successful transport connection.
func (e *Engine) onConnect(handshakeDelay bool) {
	e.refreshCapabilities()
	e.setState(StateConnected, "")
	go e.bootstrap(handshakeDelay)
}

// onReconnect handles every subsequent transport connection. Once
// bootstrap has completed it is not repeated; subscriptions are replayed
// and readiness restored. If the first connection dropped before
// bootstrap finished, the full sequence runs now.
func (e *Engine) onReconnect() {
	e.refreshCapabilities()
	e.setState(StateConnected, "reconnect")

	e.mu.Lock()
	bootstrapped := e.firstConnect
	e.mu.Unlock()
	if !bootstrapped {
		go e.bootstrap(false)
		return
	}

	if err := e.registry.ResubscribeAll(); err != nil {
		e.logError(err.Error(), "resubscribe")
	}

	e.setState(StateReady, "")
}

// onDisconnect handles transport connection loss. The transport redials
// on its own; the engine only flips connectivity state.
func (e *Engine) onDisconnect(err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	e.mu.Lock()
	ended := e.state == StateEnded
	e.mu.Unlock()
	if ended {
		return
	}
	e.setState(StateReconnecting, reason)
}

// bootstrap runs the bounded first-connect sequence and signals
// readiness.
func (e *Engine) bootstrap(handshakeDelay bool) {
	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if handshakeDelay {
		timer := time.NewTimer(e.handshakeWait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	e.setState(StateAuthenticating, "")

	if err := e.bootstrapRetry.Run(ctx, func() error { return e.loadBootstrapData(ctx) }); err != nil {
		e.logError(err.Error(), "bootstrap")
		e.setState(StateDisconnected, "bootstrap failed")
		e.fatal(fmt.Errorf("bootstrap failed: %w", err))
		return
	}

	e.mu.Lock()
	e.firstConnect = true
	e.mu.Unlock()

	if err := e.registry.ResubscribeAll(); err != nil {
		e.logError(err.Error(), "resubscribe")
	}

	e.setState(StateReady, "")
	e.readyOnce.Do(func() { close(e.readyCh) })
}

// loadBootstrapData performs one bootstrap attempt.
func (e *Engine) loadBootstrapData(ctx context.Context) error {
	if e.loadPermissions {
		perms, err := e.fetchPermissions(ctx)
		if err != nil {
			return fmt.Errorf("permissions: %w", err)
		}
		e.mu.Lock()
		e.permissions = perms
		e.mu.Unlock()
	}

	cfgObj, err := e.GetObject(ctx, SystemConfigID)
	if err != nil {
		return fmt.Errorf("system config: %w", err)
	}

	locale := e.localeOverride
	if locale == "" && cfgObj != nil {
		locale = cfgObj.CommonString("language")
	}
	if locale == "" {
		locale = DefaultLocale
	}

	e.mu.Lock()
	e.systemConfig = cfgObj
	e.locale = locale
	e.mu.Unlock()

	if e.snapshotPattern != "" {
		if _, err := e.GetStates(ctx, e.snapshotPattern); err != nil {
			return fmt.Errorf("snapshot %s: %w", e.snapshotPattern, err)
		}
	}
	return nil
}

// onPush routes server push notifications into the registry.
func (e *Engine) onPush(msg *wire.Message) {
	switch msg.Method {
	case wire.PushStateChanged:
		st, err := decodeStatePayload(msg.Payload)
		if err != nil {
			e.logError(err.Error(), "stateChange push")
			return
		}
		e.registry.Dispatch(subscription.Event{
			Kind:    subscription.KindState,
			ID:      msg.TargetID,
			Payload: st,
		})

	case wire.PushObjectChanged:
		obj, err := decodeObjectPayload(msg.Payload)
		if err != nil {
			e.logError(err.Error(), "objectChange push")
			return
		}
		e.registry.Dispatch(subscription.Event{
			Kind:    subscription.KindObject,
			ID:      msg.TargetID,
			Payload: obj,
		})

	case wire.PushFileChanged:
		e.registry.Dispatch(subscription.Event{
			Kind:     subscription.KindFile,
			ID:       msg.TargetID,
			Filename: msg.Filename,
			Payload:  msg.Payload,
		})

	case wire.PushInstanceMessage:
		e.mu.Lock()
		fn := e.onMessage
		e.mu.Unlock()
		if fn != nil {
			fn(msg.TargetID, msg.Payload)
		}

	default:
		e.logError(fmt.Sprintf("unknown push type %q", msg.Method), "push")
	}
}

func decodeStatePayload(payload any) (*model.State, error) {
	if payload == nil {
		return nil, nil // deletion
	}
	var st model.State
	if err := wire.DecodePayload(payload, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func decodeObjectPayload(payload any) (*model.Object, error) {
	if payload == nil {
		return nil, nil // deletion
	}
	var obj model.Object
	if err := wire.DecodePayload(payload, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func (e *Engine) transportConnected() bool {
	return e.transport.Connected()
}

// refreshCapabilities reads the handshake capability grant when the
// transport exposes one.
func (e *Engine) refreshCapabilities() {
	type capabilityLister interface {
		Capabilities() []string
	}
	lister, ok := e.transport.(capabilityLister)
	if !ok {
		return
	}
	caps := lister.Capabilities()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.capsKnown = true
	e.capabilities = make(map[broker.Capability]struct{}, len(caps))
	for _, c := range caps {
		e.capabilities[broker.Capability(c)] = struct{}{}
	}
}

// hasCapability gates brokered calls. Until a handshake reports a
// capability list, everything is granted.
func (e *Engine) hasCapability(c broker.Capability) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.capsKnown {
		return true
	}
	_, ok := e.capabilities[c]
	return ok
}

// fatal reports an unrecoverable session failure.
func (e *Engine) fatal(err error) {
	if e.onFatal != nil {
		e.onFatal(err)
	}
}

func (e *Engine) logError(message, context string) {
	e.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: e.instanceID,
		Direction:    log.DirectionLocal,
		Category:     log.CategoryError,
		Error: &log.ErrorEventData{
			Message: message,
			Context: context,
		},
	})
}

// SubscribeStates registers cb for state changes matching pat.
func (e *Engine) SubscribeStates(pat string, cb subscription.Callback) (*subscription.Handle, error) {
	return e.registry.Subscribe(subscription.KindState, pat, cb)
}

// SubscribeObjects registers cb for object changes matching pat.
func (e *Engine) SubscribeObjects(pat string, cb subscription.Callback) (*subscription.Handle, error) {
	return e.registry.Subscribe(subscription.KindObject, pat, cb)
}

// SubscribeFiles registers cb for file changes under pat matching
// filePattern.
func (e *Engine) SubscribeFiles(pat, filePattern string, cb subscription.Callback) (*subscription.Handle, error) {
	return e.registry.SubscribeFiles(pat, filePattern, cb)
}

// Unsubscribe removes a previously registered subscription.
func (e *Engine) Unsubscribe(h *subscription.Handle) error {
	return e.registry.Unsubscribe(h)
}

// registryEmitter adapts the engine to subscription.Emitter without
// exposing the transport methods on Engine itself.
type registryEmitter Engine

func (r *registryEmitter) SendSubscribe(kind subscription.Kind, pat, filePattern string) error {
	e := (*Engine)(r)
	return e.transport.Emit(&wire.Message{
		Method:   subscribeMethod(kind),
		TargetID: pat,
		Filename: filePattern,
	})
}

func (r *registryEmitter) SendUnsubscribe(kind subscription.Kind, pat, filePattern string) error {
	e := (*Engine)(r)
	return e.transport.Emit(&wire.Message{
		Method:   unsubscribeMethod(kind),
		TargetID: pat,
		Filename: filePattern,
	})
}

func (r *registryEmitter) Connected() bool {
	return (*Engine)(r).transport.Connected()
}

func subscribeMethod(kind subscription.Kind) string {
	switch kind {
	case subscription.KindObject:
		return wire.MethodSubscribeObjects
	case subscription.KindFile:
		return wire.MethodSubscribeFiles
	default:
		return wire.MethodSubscribeStates
	}
}

func unsubscribeMethod(kind subscription.Kind) string {
	switch kind {
	case subscription.KindObject:
		return wire.MethodUnsubscribeObjects
	case subscription.KindFile:
		return wire.MethodUnsubscribeFiles
	default:
		return wire.MethodUnsubscribeStates
	}
}

// registryStates adapts the engine to subscription.StateReader.
type registryStates Engine

// CurrentStates fetches current values for priming. Wildcard patterns
// expand into one bulk read; exact patterns into a single read.
func (r *registryStates) CurrentStates(pat string) ([]model.StateChange, error) {
	e := (*Engine)(r)
	ctx := context.Background()

	if pattern.IsWildcardPattern(pat) {
		states, err := e.GetStates(ctx, pat)
		if err != nil {
			return nil, err
		}
		out := make([]model.StateChange, 0, len(states))
		for id, st := range states {
			out = append(out, model.StateChange{ID: id, State: st})
		}
		return out, nil
	}

	st, err := e.GetState(ctx, pat)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, nil
	}
	return []model.StateChange{{ID: pat, State: st}}, nil
}
