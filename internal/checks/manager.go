// Package checks is the Check & Lock Manager: the property's authority on
// who may edit a check, which number the next check gets, and what a check
// contains.
//
// Every operation runs as one store transaction. The one-active-lock rule,
// monotonic check numbers and enqueue-with-mutation are all enforced there
// rather than by in-process mutexes, so any number of request handlers may
// call the manager concurrently.
package checks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/caps/internal/clock"
	"github.com/roach88/caps/internal/connectivity"
	"github.com/roach88/caps/internal/event"
	"github.com/roach88/caps/internal/ids"
	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/store"
)

// Enqueuer appends a sync payload inside a store transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *store.Tx, p event.Payload) (model.SyncQueueItem, error)
}

// ConflictRecorder captures divergent check states for human review.
type ConflictRecorder interface {
	OpenFromOverride(ctx context.Context, tx *store.Tx, baseline model.Check, fromWorkstation, toWorkstation string) (model.Conflict, error)
	RecordStaleWrite(ctx context.Context, tx *store.Tx, current, stale model.Check, workstationID string) (model.Conflict, error)
}

// Reachability answers whether a workstation is currently heard from on
// the LAN.
type Reachability interface {
	Reachable(workstationID string) bool
}

// Options configures a Manager.
type Options struct {
	// LockTTL is the lifetime of a lock when the caller does not ask for
	// a specific one. Every edit by the holder extends it.
	LockTTL time.Duration
}

// Manager implements check and lock operations on top of the store.
type Manager struct {
	store     *store.Store
	queue     Enqueuer
	conflicts ConflictRecorder
	peers     Reachability
	clk       clock.Clock
	ids       ids.Generator
	opts      Options

	mode atomic.Int32
}

// NewManager creates a Manager. The initial mode is Unknown until
// ModeChanged is called.
func NewManager(s *store.Store, q Enqueuer, cr ConflictRecorder, peers Reachability, clk clock.Clock, gen ids.Generator, opts Options) *Manager {
	return &Manager{store: s, queue: q, conflicts: cr, peers: peers, clk: clk, ids: gen, opts: opts}
}

// ModeChanged receives connectivity transitions. Register it with
// connectivity.Monitor.Subscribe.
func (m *Manager) ModeChanged(tr connectivity.Transition) {
	m.mode.Store(int32(tr.To))
}

// Mode returns the last mode received.
func (m *Manager) Mode() connectivity.Mode {
	return connectivity.Mode(m.mode.Load())
}

// Classify returns the conflict class for a lock held by workstationID.
// While this host is in Red mode its view of the LAN is unreliable, so
// every holder is presumed unreachable.
func (m *Manager) Classify(workstationID string) ConflictClass {
	if m.Mode() == connectivity.Red || !m.peers.Reachable(workstationID) {
		return HardConflict
	}
	return SoftConflict
}

// Grant is a successful lock acquisition.
type Grant struct {
	Lock model.CheckLock `json:"lock"`
	// Refreshed is true when the caller already held the lock and only
	// its expiry moved.
	Refreshed bool `json:"refreshed"`
}

// AcquireLock grants the active lock on checkID to workstationID.
//
// Expired locks on the check are purged first, so an abandoned lock never
// produces a conflict. Re-acquiring a lock the workstation already holds
// extends it. A lock held by another workstation is refused with a
// *LockConflictError classified Soft or Hard; the manager never overrides
// on its own.
func (m *Manager) AcquireLock(ctx context.Context, checkID, workstationID, employeeID string, ttl time.Duration) (Grant, error) {
	ttl = m.ttl(ttl)
	var g Grant
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		now := m.now()
		c, err := m.getCheck(ctx, tx, checkID)
		if err != nil {
			return err
		}
		if c.Status != model.CheckOpen {
			return fmt.Errorf("lock check %s: %w", checkID, ErrCheckNotOpen)
		}
		if _, err := tx.PurgeExpiredLocks(ctx, checkID, now); err != nil {
			return err
		}
		held, ok, err := tx.GetActiveLock(ctx, checkID)
		if err != nil {
			return err
		}
		if ok && held.WorkstationID != workstationID {
			return &LockConflictError{Class: m.Classify(held.WorkstationID), CheckID: checkID, Holder: held}
		}

		lock := model.CheckLock{
			CheckID:       checkID,
			WorkstationID: workstationID,
			EmployeeID:    employeeID,
			LockType:      model.LockActive,
			LockedAt:      now,
			ExpiresAt:     now.Add(ttl),
		}
		if ok {
			lock.LockedAt = held.LockedAt
		}
		if _, err := tx.PutLock(ctx, lock); err != nil {
			return err
		}
		g = Grant{Lock: lock, Refreshed: ok}
		return nil
	})
	if err != nil {
		var le *LockConflictError
		if errors.As(err, &le) {
			slog.Info("lock refused",
				"check_id", checkID, "workstation_id", workstationID,
				"holder", le.Holder.WorkstationID, "class", le.Class)
		}
		return Grant{}, err
	}
	slog.Debug("lock granted", "check_id", checkID, "workstation_id", workstationID, "refreshed", g.Refreshed)
	return g, nil
}

// AcquireViewLock records that workstationID is displaying checkID. View
// locks never block active locks or each other.
func (m *Manager) AcquireViewLock(ctx context.Context, checkID, workstationID, employeeID string, ttl time.Duration) (model.CheckLock, error) {
	ttl = m.ttl(ttl)
	now := m.now()
	lock := model.CheckLock{
		CheckID:       checkID,
		WorkstationID: workstationID,
		EmployeeID:    employeeID,
		LockType:      model.LockView,
		LockedAt:      now,
		ExpiresAt:     now.Add(ttl),
	}
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := m.getCheck(ctx, tx, checkID); err != nil {
			return err
		}
		_, err := tx.PutLock(ctx, lock)
		return err
	})
	if err != nil {
		return model.CheckLock{}, err
	}
	return lock, nil
}

// ReleaseLock drops workstationID's active and view locks on checkID.
// Releasing a lock the workstation does not hold succeeds and does nothing.
func (m *Manager) ReleaseLock(ctx context.Context, checkID, workstationID string) error {
	var released bool
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		released, err = tx.DeleteLock(ctx, checkID, workstationID, model.LockActive)
		if err != nil {
			return err
		}
		_, err = tx.DeleteLock(ctx, checkID, workstationID, model.LockView)
		return err
	})
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if released {
		slog.Debug("lock released", "check_id", checkID, "workstation_id", workstationID)
	}
	return nil
}

// OverrideLock forcibly moves the active lock on checkID to workstationID.
//
// prior is the classification the caller was shown when its acquisition
// was refused. Overriding a HardConflict opens a conflict: the check is
// flagged conflict-pending and its state at the moment of the override is
// kept as the baseline for later comparison. If the lock has expired or was
// released in the meantime, the override is a plain grant.
func (m *Manager) OverrideLock(ctx context.Context, checkID, workstationID, employeeID string, prior ConflictClass) (Grant, error) {
	if !prior.Valid() {
		return Grant{}, fmt.Errorf("%w: unknown conflict class %q", ErrInvalidRequest, prior)
	}
	ttl := m.ttl(0)
	var g Grant
	var overridden string
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		now := m.now()
		c, err := m.getCheck(ctx, tx, checkID)
		if err != nil {
			return err
		}
		if c.Status != model.CheckOpen {
			return fmt.Errorf("override check %s: %w", checkID, ErrCheckNotOpen)
		}
		if _, err := tx.PurgeExpiredLocks(ctx, checkID, now); err != nil {
			return err
		}
		held, ok, err := tx.GetActiveLock(ctx, checkID)
		if err != nil {
			return err
		}

		lock := model.CheckLock{
			CheckID:       checkID,
			WorkstationID: workstationID,
			EmployeeID:    employeeID,
			LockType:      model.LockActive,
			LockedAt:      now,
			ExpiresAt:     now.Add(ttl),
		}
		if _, err := tx.PutLock(ctx, lock); err != nil {
			return err
		}
		g = Grant{Lock: lock, Refreshed: ok && held.WorkstationID == workstationID}

		if !ok || held.WorkstationID == workstationID {
			return nil
		}
		overridden = held.WorkstationID
		if prior == HardConflict {
			if _, err := m.conflicts.OpenFromOverride(ctx, tx, c, held.WorkstationID, workstationID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Grant{}, err
	}
	if overridden != "" {
		slog.Warn("lock overridden",
			"check_id", checkID, "from_workstation", overridden,
			"to_workstation", workstationID, "employee_id", employeeID, "class", prior)
	}
	return g, nil
}

// ListLocks returns every lock row, expired or not.
func (m *Manager) ListLocks(ctx context.Context) ([]model.CheckLock, error) {
	var out []model.CheckLock
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.ListLocks(ctx)
		return err
	})
	return out, err
}

// PurgeExpired deletes every expired lock and returns how many went.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	var n int64
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.PurgeAllExpiredLocks(ctx, m.now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge expired locks: %w", err)
	}
	if n > 0 {
		slog.Debug("expired locks purged", "count", n)
	}
	return n, nil
}

// NextCheckNumber issues the next number from workstationID's range.
func (m *Manager) NextCheckNumber(ctx context.Context, workstationID string) (int64, error) {
	var n int64
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		n, err = m.nextNumber(ctx, tx, workstationID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// nextNumber reads, checks and advances the range row. Callers run it in
// their own transaction so the number is only consumed if they commit.
func (m *Manager) nextNumber(ctx context.Context, tx *store.Tx, workstationID string) (int64, error) {
	r, err := tx.GetRange(ctx, workstationID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, &RangeError{Code: ErrCodeRangeMissing, WorkstationID: workstationID}
	}
	if err != nil {
		return 0, err
	}
	if r.Exhausted() {
		slog.Error("check number range exhausted",
			"workstation_id", workstationID, "range_start", r.RangeStart, "range_end", r.RangeEnd)
		return 0, &RangeError{Code: ErrCodeRangeExhausted, WorkstationID: workstationID, Range: r}
	}

	others, err := tx.ListRanges(ctx)
	if err != nil {
		return 0, err
	}
	for _, o := range others {
		if o.WorkstationID != workstationID && r.Overlaps(o) {
			slog.Error("check number ranges overlap",
				"workstation_id", workstationID, "other_workstation_id", o.WorkstationID)
			return 0, &RangeError{Code: ErrCodeRangeOverlap, WorkstationID: workstationID, Range: r, Other: &o}
		}
	}

	issued := r.CurrentNumber
	if err := tx.AdvanceRange(ctx, workstationID, issued); err != nil {
		return 0, err
	}
	return issued, nil
}

func (m *Manager) getCheck(ctx context.Context, tx *store.Tx, id string) (model.Check, error) {
	c, err := tx.GetCheck(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Check{}, fmt.Errorf("check %s: %w", id, ErrCheckNotFound)
	}
	return c, err
}

func (m *Manager) ttl(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return m.opts.LockTTL
}

// now is truncated to the store's millisecond resolution so values
// returned to callers equal what a later read returns.
func (m *Manager) now() time.Time {
	return m.clk.Now().Truncate(time.Millisecond)
}
