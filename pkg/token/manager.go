// Package token owns stored credential tokens and their refresh cycle.
//
// Several client instances ("tabs") of the same user share one token
// record through a kvstore. The manager schedules expiry checks against
// the access token's remaining lifetime, elects a single refresher among
// the instances with a store-backed lease, and propagates refreshed
// tokens to the others via storage-change notification. Non-owner
// instances only ever forward an observed new token to the transport;
// they never refresh themselves.
//
// The lease election is advisory (see the lease package): a lost race
// costs one duplicate refresh call, never token corruption, because
// every store write is a complete self-consistent record.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/statehub-protocol/statehub-go/pkg/kvstore"
	"github.com/statehub-protocol/statehub-go/pkg/lease"
	"github.com/statehub-protocol/statehub-go/pkg/log"
)

// Manager errors.
var (
	// ErrRefreshFailed indicates the network refresh call failed. The
	// stored tokens are discarded and recovery is triggered.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrUnrecoverable indicates the session cannot be extended: no
	// refresh token, declined keep-alive, or externally cleared tokens.
	// Recovery (full re-authentication) is the only way forward.
	ErrUnrecoverable = errors.New("session unrecoverable")
)

// Default timing constants.
const (
	// DefaultStorageKey is the store key for the token record.
	DefaultStorageKey = "statehub.tokens"

	// DefaultLeaseKey is the store key for the refresh lease.
	DefaultLeaseKey = "statehub.lease"

	// DefaultRefreshThreshold is the remaining lifetime below which a
	// refresh is attempted.
	DefaultRefreshThreshold = 30 * time.Second

	// DefaultTakeoverThreshold is the remaining lifetime below which an
	// instance refreshes even if another instance owns the token. The
	// narrow duplicate-refresh window this opens is accepted.
	DefaultTakeoverThreshold = 5500 * time.Millisecond

	// DefaultCheckCap bounds the check interval so staleness stays
	// bounded during long sessions.
	DefaultCheckCap = 120 * time.Second

	// DefaultRetryInterval is the recheck delay after lease contention.
	DefaultRetryInterval = time.Second
)

// State is the manager's credential state.
type State uint8

const (
	// StateFresh means the access token has comfortable lifetime left.
	StateFresh State = iota
	// StateNearExpiry means a refresh is due.
	StateNearExpiry
	// StateRefreshing means this instance is performing the refresh.
	StateRefreshing
	// StateUnrecoverable means recovery has been triggered.
	StateUnrecoverable
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateFresh:
		return "FRESH"
	case StateNearExpiry:
		return "NEAR_EXPIRY"
	case StateRefreshing:
		return "REFRESHING"
	case StateUnrecoverable:
		return "UNRECOVERABLE"
	default:
		return "UNKNOWN"
	}
}

// Refresher performs the network refresh call.
type Refresher interface {
	// Refresh exchanges a refresh token for a new grant.
	Refresh(ctx context.Context, refreshToken string) (Grant, error)
}

// Sink receives refreshed access tokens, so the server-side session is
// updated to match the credential. Implemented by the transport.
type Sink interface {
	UpdateToken(accessToken string) error
}

// Config configures a Manager.
type Config struct {
	// Shared is the cross-instance store holding the token record and
	// the lease. Required.
	Shared kvstore.Store

	// Session is the per-instance store for PersistSession records.
	// Nil means session records also go to Shared.
	Session kvstore.Store

	// Refresher performs network refreshes. Required.
	Refresher Refresher

	// Sink receives new access tokens. Optional.
	Sink Sink

	// Confirm, if set, is asked before refreshing ("keep the session
	// alive?"). Declining schedules recovery instead of refreshing.
	Confirm func() bool

	// OnRecovery is the page-level recovery action (full
	// re-authentication). Invoked at most once per credential. Required.
	OnRecovery func(err error)

	// InstanceID identifies this instance. Defaults to a random UUID.
	InstanceID string

	// StorageKey and LeaseKey override the store keys.
	StorageKey string
	LeaseKey   string

	// Timing overrides, for tests. Zero means the package default.
	RefreshThreshold  time.Duration
	TakeoverThreshold time.Duration
	CheckCap          time.Duration
	RetryInterval     time.Duration
	LeaseTTL          time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	// Logger receives token events. Nil disables logging.
	Logger log.Logger
}

// Manager drives the token lifecycle state machine.
type Manager struct {
	shared  kvstore.Store
	session kvstore.Store

	refresher  Refresher
	sink       Sink
	confirm    func() bool
	onRecovery func(err error)

	instanceID string
	storageKey string
	lease      *lease.Lease

	refreshThreshold  time.Duration
	takeoverThreshold time.Duration
	checkCap          time.Duration
	retryInterval     time.Duration

	now    func() time.Time
	logger log.Logger

	ctx       context.Context
	stopWatch func()

	mu        sync.Mutex
	timer     *time.Timer
	state     State
	lastSeen  string
	recovered bool
	closed    bool
}

// NewManager creates a Manager. Start must be called before it acts.
func NewManager(cfg Config) *Manager {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = DefaultStorageKey
	}
	if cfg.LeaseKey == "" {
		cfg.LeaseKey = DefaultLeaseKey
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = DefaultRefreshThreshold
	}
	if cfg.TakeoverThreshold <= 0 {
		cfg.TakeoverThreshold = DefaultTakeoverThreshold
	}
	if cfg.CheckCap <= 0 {
		cfg.CheckCap = DefaultCheckCap
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	session := cfg.Session
	if session == nil {
		session = cfg.Shared
	}

	return &Manager{
		shared:     cfg.Shared,
		session:    session,
		refresher:  cfg.Refresher,
		sink:       cfg.Sink,
		confirm:    cfg.Confirm,
		onRecovery: cfg.OnRecovery,
		instanceID: cfg.InstanceID,
		storageKey: cfg.StorageKey,
		lease: lease.New(cfg.Shared, lease.Config{
			Key:      cfg.LeaseKey,
			HolderID: cfg.InstanceID,
			TTL:      cfg.LeaseTTL,
			Now:      cfg.Now,
		}),
		refreshThreshold:  cfg.RefreshThreshold,
		takeoverThreshold: cfg.TakeoverThreshold,
		checkCap:          cfg.CheckCap,
		retryInterval:     cfg.RetryInterval,
		now:               cfg.Now,
		logger:            log.OrNoop(cfg.Logger),
	}
}

// InstanceID returns this instance's id.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// State returns the current credential state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start loads any stored record, schedules the first expiry check and
// begins watching the shared store for sibling-instance token writes.
func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx
	m.stopWatch = m.shared.Watch(m.onStoreChange)

	if rec, ok := m.load(); ok {
		m.mu.Lock()
		m.lastSeen = rec.AccessToken
		m.mu.Unlock()
		m.scheduleNext(rec)
	}
}

// Stop cancels timers and store watches. The stored record is left alone.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()
	if m.stopWatch != nil {
		m.stopWatch()
	}
}

// Current returns the stored record, if any.
func (m *Manager) Current() (Record, bool) {
	return m.load()
}

// SetRecord persists a freshly granted record (after login) and
// schedules its expiry check. Resets a previous recovery latch.
func (m *Manager) SetRecord(rec Record) error {
	if err := m.save(rec); err != nil {
		return err
	}
	m.mu.Lock()
	m.lastSeen = rec.AccessToken
	m.recovered = false
	m.state = StateFresh
	m.mu.Unlock()
	m.scheduleNext(rec)
	return nil
}

// Clear discards the stored tokens from both tiers.
func (m *Manager) Clear() error {
	err := m.shared.Delete(m.storageKey)
	if m.session != m.shared {
		if err2 := m.session.Delete(m.storageKey); err == nil {
			err = err2
		}
	}
	return err
}

// load reads the record, preferring the shared (durable) tier.
func (m *Manager) load() (Record, bool) {
	if raw, ok, err := m.shared.Get(m.storageKey); err == nil && ok {
		if rec, err := ParseRecord(raw); err == nil {
			rec.Persistence = PersistDurable
			return m.withJWTExpiry(rec), true
		}
	}
	if m.session != m.shared {
		if raw, ok, err := m.session.Get(m.storageKey); err == nil && ok {
			if rec, err := ParseRecord(raw); err == nil {
				rec.Persistence = PersistSession
				return m.withJWTExpiry(rec), true
			}
		}
	}
	return Record{}, false
}

// withJWTExpiry backfills a missing access expiry from the token's own
// exp claim when the access token is a JWT. Stored expiries stay
// authoritative when present.
func (m *Manager) withJWTExpiry(rec Record) Record {
	if !rec.AccessExpiry.IsZero() {
		return rec
	}
	if exp, err := AccessExpiryFromJWT(rec.AccessToken); err == nil {
		rec.AccessExpiry = exp
	}
	return rec
}

// save writes the record to its tier and drops any copy in the other
// tier, so exactly one record exists.
func (m *Manager) save(rec Record) error {
	store, other := m.shared, m.session
	if rec.Persistence == PersistSession {
		store, other = m.session, m.shared
	}
	if err := store.Set(m.storageKey, rec.Marshal()); err != nil {
		return fmt.Errorf("failed to persist token record: %w", err)
	}
	if other != store {
		_ = other.Delete(m.storageKey)
	}
	return nil
}

// scheduleNext arms the expiry-check timer for a record.
func (m *Manager) scheduleNext(rec Record) {
	remaining := rec.Remaining(m.now())
	delay := remaining - m.refreshThreshold
	if delay > m.checkCap {
		delay = m.checkCap
	}
	if delay < 0 {
		delay = 0
	}
	m.schedule(delay)
}

func (m *Manager) schedule(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(delay, m.check)
	m.logToken("scheduled", "", &delay)
}

// check is the periodic expiry check.
func (m *Manager) check() {
	m.mu.Lock()
	if m.closed || m.recovered {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	rec, ok := m.load()
	if !ok {
		m.recover(fmt.Errorf("%w: no stored tokens", ErrUnrecoverable))
		return
	}

	remaining := rec.Remaining(m.now())
	if remaining > m.refreshThreshold {
		m.setState(StateFresh)
		m.scheduleNext(rec)
		return
	}

	m.setState(StateNearExpiry)

	if rec.RefreshToken == "" {
		// Nothing to refresh with. Recovery is timed to land at or
		// before actual expiry.
		delay := remaining
		if delay < 0 {
			delay = 0
		}
		m.mu.Lock()
		if m.timer != nil {
			m.timer.Stop()
		}
		m.timer = time.AfterFunc(delay, func() {
			m.recover(fmt.Errorf("%w: no refresh token", ErrUnrecoverable))
		})
		m.mu.Unlock()
		return
	}

	owner := rec.OwnerID == m.instanceID
	takeover := remaining <= m.takeoverThreshold
	if !owner && !takeover {
		// Another instance owns the token; recheck when the takeover
		// threshold arrives in case it went away.
		m.schedule(remaining - m.takeoverThreshold)
		return
	}

	if takeover && !owner {
		m.logToken("takeover", rec.OwnerID, &remaining)
	}

	if m.confirm != nil && !m.confirm() {
		m.recover(fmt.Errorf("%w: keep-alive declined", ErrUnrecoverable))
		return
	}

	m.attemptRefresh(rec)
}

// attemptRefresh runs the lease-guarded refresh flow.
func (m *Manager) attemptRefresh(rec Record) {
	acquired, err := m.lease.TryAcquire()
	if err != nil || !acquired {
		// A sibling instance holds a live lease. Defer and recheck.
		m.logToken("leaseDenied", "", nil)
		m.schedule(m.retryInterval)
		return
	}
	m.logToken("leaseAcquired", m.instanceID, nil)
	m.setState(StateRefreshing)

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	grant, err := m.refresher.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		_ = m.lease.Release()
		_ = m.Clear()
		m.recover(fmt.Errorf("%w: %v", ErrRefreshFailed, err))
		return
	}

	newRec := NewRecord(grant, m.now(), m.instanceID)
	newRec.Persistence = rec.Persistence
	if err := m.save(newRec); err != nil {
		_ = m.lease.Release()
		m.recover(fmt.Errorf("%w: %v", ErrRefreshFailed, err))
		return
	}
	_ = m.lease.Release()

	m.mu.Lock()
	m.lastSeen = newRec.AccessToken
	m.mu.Unlock()

	if m.sink != nil {
		_ = m.sink.UpdateToken(newRec.AccessToken)
	}
	m.setState(StateFresh)
	m.logToken("refreshed", m.instanceID, nil)
	m.scheduleNext(newRec)
}

// onStoreChange reacts to sibling-instance writes of the token record.
// Non-owner instances only forward the new token; they never refresh.
func (m *Manager) onStoreChange(ch kvstore.Change) {
	if ch.Key != m.storageKey {
		return
	}
	if ch.Deleted {
		// A sibling logged out.
		m.recover(fmt.Errorf("%w: tokens cleared by sibling instance", ErrUnrecoverable))
		return
	}

	rec, err := ParseRecord(ch.Value)
	if err != nil {
		return
	}

	m.mu.Lock()
	changed := rec.AccessToken != m.lastSeen
	if changed {
		m.lastSeen = rec.AccessToken
	}
	m.mu.Unlock()
	if !changed {
		return
	}

	if m.sink != nil {
		_ = m.sink.UpdateToken(rec.AccessToken)
	}
	m.setState(StateFresh)
	m.logToken("propagated", rec.OwnerID, nil)
	m.scheduleNext(rec)
}

// recover triggers the page-level recovery action, at most once per
// credential.
func (m *Manager) recover(err error) {
	m.mu.Lock()
	if m.recovered || m.closed {
		m.mu.Unlock()
		return
	}
	m.recovered = true
	m.state = StateUnrecoverable
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()

	m.logToken("recovery", "", nil)
	if m.onRecovery != nil {
		m.onRecovery(err)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) logToken(action, owner string, d *time.Duration) {
	m.logger.Log(log.Event{
		Timestamp:    m.now(),
		ConnectionID: m.instanceID,
		Direction:    log.DirectionLocal,
		Category:     log.CategoryToken,
		Token: &log.TokenEvent{
			Action:    action,
			OwnerID:   owner,
			Remaining: d,
		},
	})
}
