package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/statehub-protocol/statehub-go/pkg/kvstore"
)

// fakeClock is a settable clock for lease expiry tests.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration)  { c.t = c.t.Add(d) }

func newTestLease(t *testing.T, store kvstore.Store, holder string, clock *fakeClock) *Lease {
	t.Helper()
	return New(store, Config{
		Key:      "statehub.lease",
		HolderID: holder,
		TTL:      10 * time.Second,
		Now:      clock.now,
	})
}

func TestAcquireAndRelease(t *testing.T) {
	store := kvstore.NewMemoryStore().NewClient()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := newTestLease(t, store, "tab-a", clock)

	ok, err := l.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok, "acquisition on empty store must succeed")

	held, err := l.Held()
	require.NoError(t, err)
	require.True(t, held)

	record, live, err := l.Holder()
	require.NoError(t, err)
	require.True(t, live)
	require.Equal(t, "tab-a", record.HolderID)
	require.Equal(t, clock.t.Add(10*time.Second).UnixMilli(), record.Expiry)

	require.NoError(t, l.Release())
	_, live, err = l.Holder()
	require.NoError(t, err)
	require.False(t, live, "released lease must be gone")
}

func TestContention(t *testing.T) {
	shared := kvstore.NewMemoryStore()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	a := newTestLease(t, shared.NewClient(), "tab-a", clock)
	b := newTestLease(t, shared.NewClient(), "tab-b", clock)

	ok, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire()
	require.NoError(t, err)
	require.False(t, ok, "live lease must block other holders")

	// The holder itself may re-acquire (extends the horizon).
	ok, err = a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExpiredLeaseIsAcquirable(t *testing.T) {
	shared := kvstore.NewMemoryStore()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	a := newTestLease(t, shared.NewClient(), "tab-a", clock)
	b := newTestLease(t, shared.NewClient(), "tab-b", clock)

	ok, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	clock.advance(11 * time.Second)

	ok, err = b.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok, "expired lease must be acquirable")

	record, live, err := b.Holder()
	require.NoError(t, err)
	require.True(t, live)
	require.Equal(t, "tab-b", record.HolderID)
}

func TestReleaseOnlyIfOwned(t *testing.T) {
	shared := kvstore.NewMemoryStore()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	a := newTestLease(t, shared.NewClient(), "tab-a", clock)
	b := newTestLease(t, shared.NewClient(), "tab-b", clock)

	ok, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	// b releasing must not delete a's lease.
	require.NoError(t, b.Release())

	record, live, err := a.Holder()
	require.NoError(t, err)
	require.True(t, live)
	require.Equal(t, "tab-a", record.HolderID)
}

func TestCorruptRecordTreatedAsAbsent(t *testing.T) {
	store := kvstore.NewMemoryStore().NewClient()
	require.NoError(t, store.Set("statehub.lease", "not json"))

	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := newTestLease(t, store, "tab-a", clock)

	ok, err := l.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok, "corrupt record must not block acquisition")
}
