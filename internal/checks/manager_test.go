package checks

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/caps/internal/conflict"
	"github.com/roach88/caps/internal/connectivity"
	"github.com/roach88/caps/internal/event"
	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/store"
	"github.com/roach88/caps/internal/syncqueue"
	"github.com/roach88/caps/internal/testutil"
)

var testEpoch = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

const lockTTL = 300 * time.Second

type fixture struct {
	store    *store.Store
	clk      *testutil.FakeClock
	peers    *connectivity.PeerRegistry
	queue    *syncqueue.Queue
	resolver *conflict.Resolver
	mgr      *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "caps.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := testutil.NewFakeClock(testEpoch)
	peers := connectivity.NewPeerRegistry(clk, 30*time.Second)
	q := syncqueue.New(s, clk, testutil.NewSequentialIDs("item"), syncqueue.Options{BaseBackoff: time.Second, MaxAttempts: 5})
	r := conflict.New(s, q, clk, testutil.NewSequentialIDs("cf"))
	m := NewManager(s, q, r, peers, clk, testutil.NewSequentialIDs("chk"), Options{LockTTL: lockTTL})

	f := &fixture{store: s, clk: clk, peers: peers, queue: q, resolver: r, mgr: m}
	f.setRange(t, "ws-a", 1000, 1999)
	f.setRange(t, "ws-b", 2000, 2999)
	return f
}

func (f *fixture) setRange(t *testing.T, ws string, start, end int64) {
	t.Helper()
	require.NoError(t, f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		_, err := tx.PutRange(context.Background(), model.WorkstationRange{WorkstationID: ws, RangeStart: start, RangeEnd: end})
		return err
	}))
}

func (f *fixture) setTaxRule(t *testing.T, id string, rule TaxRule) {
	t.Helper()
	value, err := json.Marshal(rule)
	require.NoError(t, err)
	require.NoError(t, f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		_, err := tx.PutConfig(context.Background(), model.ConfigCacheEntry{
			Key: model.ConfigKey(TaxRuleEntity, id), Value: value,
			EntityType: TaxRuleEntity, EntityID: id, UpdatedAt: testEpoch,
		})
		return err
	}))
}

func (f *fixture) open(t *testing.T, ws string) model.Check {
	t.Helper()
	c, err := f.mgr.OpenCheck(context.Background(), OpenRequest{WorkstationID: ws, EmployeeID: "emp-" + ws})
	require.NoError(t, err)
	return c
}

func (f *fixture) queued(t *testing.T) []event.Payload {
	t.Helper()
	var out []event.Payload
	require.NoError(t, f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		for _, stream := range []string{"chk-0001", "chk-0002"} {
			items, err := tx.ListQueueItemsForStream(context.Background(), stream)
			if err != nil {
				return err
			}
			for _, it := range items {
				p, err := event.Decode(it.Payload)
				if err != nil {
					return err
				}
				out = append(out, p)
			}
		}
		return nil
	}))
	return out
}

func TestAcquireLock_SoftConflictThenExpiryGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "ws-a")
	f.peers.Heartbeat("ws-a")

	// A re-acquires with ttl=300s; B asks within the ttl.
	g, err := f.mgr.AcquireLock(ctx, c.ID, "ws-a", "emp-a", lockTTL)
	require.NoError(t, err)
	assert.True(t, g.Refreshed)

	f.clk.Advance(10 * time.Second)
	_, err = f.mgr.AcquireLock(ctx, c.ID, "ws-b", "emp-b", lockTTL)
	var le *LockConflictError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, SoftConflict, le.Class)
	assert.Equal(t, "ws-a", le.Holder.WorkstationID)
	assert.True(t, IsLockConflict(err))

	// A's lock expires and A stops sending heartbeats.
	f.clk.Advance(lockTTL)
	assert.False(t, f.peers.Reachable("ws-a"))

	g, err = f.mgr.AcquireLock(ctx, c.ID, "ws-b", "emp-b", lockTTL)
	require.NoError(t, err)
	assert.False(t, g.Refreshed)
	assert.Equal(t, "ws-b", g.Lock.WorkstationID)

	conflicts, err := f.resolver.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, conflicts, "an expired lock must not fabricate a conflict")
}

func TestAcquireLock_HardConflictWhenHolderUnreachable(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, "ws-a")

	_, err := f.mgr.AcquireLock(context.Background(), c.ID, "ws-b", "emp-b", 0)
	var le *LockConflictError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, HardConflict, le.Class)
}

func TestAcquireLock_RedModeClassifiesHard(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, "ws-a")
	f.peers.Heartbeat("ws-a")
	f.mgr.ModeChanged(connectivity.Transition{From: connectivity.Yellow, To: connectivity.Red})

	_, err := f.mgr.AcquireLock(context.Background(), c.ID, "ws-b", "emp-b", 0)
	var le *LockConflictError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, HardConflict, le.Class)
	assert.Equal(t, connectivity.Red, f.mgr.Mode())
}

func TestAcquireLock_RefreshExtendsExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "ws-a")

	f.clk.Advance(time.Minute)
	g, err := f.mgr.AcquireLock(ctx, c.ID, "ws-a", "emp-a", lockTTL)
	require.NoError(t, err)
	assert.Equal(t, testEpoch, g.Lock.LockedAt)
	assert.Equal(t, testEpoch.Add(time.Minute+lockTTL), g.Lock.ExpiresAt)

	locks, err := f.mgr.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, g.Lock, locks[0])
}

func TestAcquireLock_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.AcquireLock(ctx, "missing", "ws-a", "emp-a", 0)
	assert.ErrorIs(t, err, ErrCheckNotFound)

	c := f.open(t, "ws-a")
	_, err = f.mgr.VoidCheck(ctx, "ws-a", c.ID, "test")
	require.NoError(t, err)
	_, err = f.mgr.AcquireLock(ctx, c.ID, "ws-a", "emp-a", 0)
	assert.ErrorIs(t, err, ErrCheckNotOpen)
}

func TestAcquireLock_OneWinnerUnderContention(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, "ws-a")
	require.NoError(t, f.mgr.ReleaseLock(context.Background(), c.ID, "ws-a"))

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ws := "ws-" + string(rune('c'+i))
			_, results[i] = f.mgr.AcquireLock(context.Background(), c.ID, ws, "emp", lockTTL)
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, err := range results {
		if err == nil {
			granted++
		} else {
			assert.True(t, IsLockConflict(err), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, granted)
}

func TestReleaseLock_NotHeldIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "ws-a")

	require.NoError(t, f.mgr.ReleaseLock(ctx, c.ID, "ws-b"))
	require.NoError(t, f.mgr.ReleaseLock(ctx, "no-such-check", "ws-b"))

	locks, err := f.mgr.ListLocks(ctx)
	require.NoError(t, err)
	assert.Len(t, locks, 1)

	require.NoError(t, f.mgr.ReleaseLock(ctx, c.ID, "ws-a"))
	locks, err = f.mgr.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestViewLock_DoesNotBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "ws-a")
	require.NoError(t, f.mgr.ReleaseLock(ctx, c.ID, "ws-a"))

	_, err := f.mgr.AcquireViewLock(ctx, c.ID, "ws-a", "emp-a", 0)
	require.NoError(t, err)
	_, err = f.mgr.AcquireLock(ctx, c.ID, "ws-b", "emp-b", 0)
	require.NoError(t, err)
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "ws-a")
	f.open(t, "ws-b")

	n, err := f.mgr.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clk.Advance(lockTTL)
	n, err = f.mgr.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestOverrideLock_HardConflictThenStaleReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "ws-a")
	c, err := f.mgr.SaveItems(ctx, "ws-a", c.ID, c.Version, []model.LineItem{
		{Ordinal: 1, MenuItemID: "burger", Name: "Burger", Quantity: 1, UnitPrice: 1250},
	})
	require.NoError(t, err)

	// A goes unreachable; B is refused Hard and overrides.
	_, err = f.mgr.AcquireLock(ctx, c.ID, "ws-b", "emp-b", 0)
	var le *LockConflictError
	require.ErrorAs(t, err, &le)
	require.Equal(t, HardConflict, le.Class)

	g, err := f.mgr.OverrideLock(ctx, c.ID, "ws-b", "emp-b", le.Class)
	require.NoError(t, err)
	assert.Equal(t, "ws-b", g.Lock.WorkstationID)

	got, err := f.mgr.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.ConflictPending)

	// A reconnects and replays its pending edit, made against version 2.
	_, err = f.mgr.SaveItems(ctx, "ws-a", c.ID, c.Version, []model.LineItem{
		{Ordinal: 1, MenuItemID: "burger", Name: "Burger", Quantity: 1, UnitPrice: 1250},
		{Ordinal: 2, MenuItemID: "fries", Name: "Fries", Quantity: 1, UnitPrice: 300},
	})
	require.ErrorIs(t, err, ErrConflictPending)

	pending, err := f.resolver.List(ctx, model.ConflictPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	cf := pending[0]
	require.NotNil(t, cf.Local)
	require.NotNil(t, cf.Remote)
	require.NotNil(t, cf.Baseline)
	assert.Len(t, cf.Local.Items, 2)
	assert.Equal(t, model.Cents(1550), cf.Local.Total)
	assert.Len(t, cf.Remote.Items, 1)
	assert.Equal(t, "ws-a", cf.LocalWorkstationID)

	// Neither side was committed.
	after, err := f.mgr.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, after.Items, 1)
	assert.Equal(t, c.Version, after.Version)

	// B can still work on the check it now holds.
	_, err = f.mgr.SaveItems(ctx, "ws-b", c.ID, after.Version, after.Items)
	require.NoError(t, err)
}

func TestOverrideLock_StaleWriteAfterNewHolderClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "ws-a")
	c, err := f.mgr.SaveItems(ctx, "ws-a", c.ID, c.Version, []model.LineItem{
		{Ordinal: 1, MenuItemID: "burger", Name: "Burger", Quantity: 1, UnitPrice: 1250},
	})
	require.NoError(t, err)

	_, err = f.mgr.OverrideLock(ctx, c.ID, "ws-b", "emp-b", HardConflict)
	require.NoError(t, err)

	// B settles and closes before A comes back.
	_, err = f.mgr.AddPayment(ctx, "ws-b", c.ID, PaymentRequest{Tender: "cash", Amount: 1250})
	require.NoError(t, err)
	closed, err := f.mgr.CloseCheck(ctx, "ws-b", c.ID)
	require.NoError(t, err)
	require.Equal(t, model.CheckClosed, closed.Status)

	// A's edit still reaches the conflict instead of being dropped.
	_, err = f.mgr.SaveItems(ctx, "ws-a", c.ID, c.Version, []model.LineItem{
		{Ordinal: 1, MenuItemID: "burger", Name: "Burger", Quantity: 1, UnitPrice: 1250},
		{Ordinal: 2, MenuItemID: "steak", Name: "Steak", Quantity: 1, UnitPrice: 3000},
	})
	require.ErrorIs(t, err, ErrConflictPending)

	pending, err := f.resolver.List(ctx, model.ConflictPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	cf := pending[0]
	require.NotNil(t, cf.Local)
	require.NotNil(t, cf.Remote)
	assert.Len(t, cf.Local.Items, 2)
	assert.Equal(t, model.CheckOpen, cf.Local.Status)
	assert.Equal(t, model.CheckClosed, cf.Remote.Status)

	after, err := f.mgr.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckClosed, after.Status)
	assert.Len(t, after.Items, 1)

	// Without a pending conflict a closed check still refuses edits.
	other := f.open(t, "ws-a")
	_, err = f.mgr.VoidCheck(ctx, "ws-a", other.ID, "walkout")
	require.NoError(t, err)
	_, err = f.mgr.SaveItems(ctx, "ws-b", other.ID, other.Version, nil)
	assert.ErrorIs(t, err, ErrCheckNotOpen)
}

func TestOverrideLock_SoftDoesNotOpenConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "ws-a")

	_, err := f.mgr.OverrideLock(ctx, c.ID, "ws-b", "emp-b", SoftConflict)
	require.NoError(t, err)

	got, err := f.mgr.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.ConflictPending)

	_, err = f.mgr.SaveItems(ctx, "ws-a", c.ID, got.Version, nil)
	assert.ErrorIs(t, err, ErrLockNotHeld)
}

func TestOverrideLock_ExpiredLockIsPlainGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "ws-a")
	f.clk.Advance(lockTTL + time.Second)

	_, err := f.mgr.OverrideLock(ctx, c.ID, "ws-b", "emp-b", HardConflict)
	require.NoError(t, err)

	conflicts, err := f.resolver.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestOverrideLock_InvalidClass(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, "ws-a")
	_, err := f.mgr.OverrideLock(context.Background(), c.ID, "ws-b", "emp-b", "maybe")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNextCheckNumber_StrictlyIncreasing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var prev int64
	for i := 0; i < 20; i++ {
		n, err := f.mgr.NextCheckNumber(ctx, "ws-a")
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, int64(1000), n)
		} else {
			assert.Greater(t, n, prev)
		}
		prev = n
	}
}

func TestNextCheckNumber_Exhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setRange(t, "ws-c", 5000, 5001)

	for _, want := range []int64{5000, 5001} {
		n, err := f.mgr.NextCheckNumber(ctx, "ws-c")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	for i := 0; i < 2; i++ {
		_, err := f.mgr.NextCheckNumber(ctx, "ws-c")
		require.Error(t, err)
		assert.True(t, IsRangeExhausted(err))
	}

	_, err := f.mgr.OpenCheck(ctx, OpenRequest{WorkstationID: "ws-c", EmployeeID: "emp"})
	assert.True(t, IsRangeExhausted(err))
}

func TestNextCheckNumber_MissingAndOverlap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.NextCheckNumber(ctx, "ws-z")
	var re *RangeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeRangeMissing, re.Code)

	f.setRange(t, "ws-c", 1500, 2500)
	_, err = f.mgr.NextCheckNumber(ctx, "ws-c")
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeRangeOverlap, re.Code)
	assert.False(t, IsRangeExhausted(err))
	assert.True(t, IsRangeError(err))
}

func TestNextCheckNumber_ConcurrentWorkstationsNeverCollide(t *testing.T) {
	f := newFixture(t)
	const perWorkstation = 15

	var mu sync.Mutex
	seen := make(map[int64]string)
	var wg sync.WaitGroup
	errs := make(chan error, 2*perWorkstation)
	for _, ws := range []string{"ws-a", "ws-b"} {
		for i := 0; i < perWorkstation; i++ {
			wg.Add(1)
			go func(ws string) {
				defer wg.Done()
				n, err := f.mgr.NextCheckNumber(context.Background(), ws)
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if other, dup := seen[n]; dup {
					errs <- errors.New("number " + ws + " duplicates " + other)
				}
				seen[n] = ws
			}(ws)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Len(t, seen, 2*perWorkstation)
}
