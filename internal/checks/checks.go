package checks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/caps/internal/event"
	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/store"
)

// OpenRequest describes a new check.
type OpenRequest struct {
	WorkstationID   string `json:"workstation_id" validate:"required"`
	EmployeeID      string `json:"employee_id" validate:"required"`
	RevenueCenterID string `json:"revenue_center_id"`
}

// PaymentRequest describes a tender applied to a check.
type PaymentRequest struct {
	Tender    string      `json:"tender" validate:"required"`
	Amount    model.Cents `json:"amount" validate:"gt=0"`
	Reference string      `json:"reference"`
}

// OpenCheck allocates a number from the workstation's range, creates the
// check, grants the workstation its active lock and queues check.opened,
// all in one transaction.
func (m *Manager) OpenCheck(ctx context.Context, req OpenRequest) (model.Check, error) {
	if req.WorkstationID == "" || req.EmployeeID == "" {
		return model.Check{}, fmt.Errorf("%w: workstation and employee are required", ErrInvalidRequest)
	}
	var c model.Check
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		number, err := m.nextNumber(ctx, tx, req.WorkstationID)
		if err != nil {
			return err
		}
		now := m.now()
		c = model.Check{
			ID:              m.ids.New(),
			Number:          number,
			WorkstationID:   req.WorkstationID,
			EmployeeID:      req.EmployeeID,
			RevenueCenterID: req.RevenueCenterID,
			Status:          model.CheckOpen,
			Version:         1,
			OpenedAt:        now,
			Items:           []model.LineItem{},
			Payments:        []model.Payment{},
		}
		if err := tx.InsertCheck(ctx, c); err != nil {
			return err
		}
		if _, err := tx.PutLock(ctx, model.CheckLock{
			CheckID:       c.ID,
			WorkstationID: req.WorkstationID,
			EmployeeID:    req.EmployeeID,
			LockType:      model.LockActive,
			LockedAt:      now,
			ExpiresAt:     now.Add(m.opts.LockTTL),
		}); err != nil {
			return err
		}
		_, err = m.queue.Enqueue(ctx, tx, event.CheckOpened{Check: c})
		return err
	})
	if err != nil {
		return model.Check{}, fmt.Errorf("open check: %w", err)
	}
	slog.Info("check opened", "check_id", c.ID, "number", c.Number, "workstation_id", c.WorkstationID)
	return c, nil
}

// GetCheck returns a check with its items and payments.
func (m *Manager) GetCheck(ctx context.Context, id string) (model.Check, error) {
	var c model.Check
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		c, err = m.getCheck(ctx, tx, id)
		return err
	})
	return c, err
}

// ListOpenChecks returns all open checks.
func (m *Manager) ListOpenChecks(ctx context.Context) ([]model.Check, error) {
	var out []model.Check
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.ListOpenChecks(ctx)
		return err
	})
	return out, err
}

// SaveItems replaces the items of a check. baseVersion is the version the
// workstation edited; a newer stored version fails with ErrVersionMismatch.
func (m *Manager) SaveItems(ctx context.Context, workstationID, checkID string, baseVersion int64, items []model.LineItem) (model.Check, error) {
	if err := validateItems(items); err != nil {
		return model.Check{}, err
	}
	return m.mutate(ctx, workstationID, checkID, mutation{
		name: "save items",
		apply: func(_ context.Context, _ *store.Tx, c *model.Check) error {
			stored := c.Version
			c.Items = append([]model.LineItem{}, items...)
			if stored != baseVersion {
				return fmt.Errorf("%w: edited version %d, stored version %d", ErrVersionMismatch, baseVersion, stored)
			}
			return nil
		},
		payload: func(c model.Check) event.Payload { return event.CheckUpdated{Check: c} },
	})
}

// AddPayment records a tender against an open check.
func (m *Manager) AddPayment(ctx context.Context, workstationID, checkID string, req PaymentRequest) (model.Check, error) {
	if req.Tender == "" || req.Amount <= 0 {
		return model.Check{}, fmt.Errorf("%w: payment needs a tender and a positive amount", ErrInvalidRequest)
	}
	var pay model.Payment
	return m.mutate(ctx, workstationID, checkID, mutation{
		name: "add payment",
		apply: func(_ context.Context, _ *store.Tx, c *model.Check) error {
			pay = model.Payment{
				ID:         m.ids.New(),
				Tender:     req.Tender,
				Amount:     req.Amount,
				Reference:  req.Reference,
				RecordedAt: m.now(),
			}
			c.Payments = append(c.Payments, pay)
			return nil
		},
		payload: func(c model.Check) event.Payload {
			return event.PaymentRecorded{CheckID: c.ID, CheckVersion: c.Version, Payment: pay}
		},
	})
}

// CloseCheck closes a fully paid check, releases the workstation's lock and
// queues check.closed in the same transaction.
func (m *Manager) CloseCheck(ctx context.Context, workstationID, checkID string) (model.Check, error) {
	c, err := m.mutate(ctx, workstationID, checkID, mutation{
		name:    "close check",
		release: true,
		apply: func(ctx context.Context, tx *store.Tx, c *model.Check) error {
			if err := m.computeTotals(ctx, tx, c); err != nil {
				return err
			}
			if c.Paid < c.Total {
				return fmt.Errorf("%w: paid %s of %s", ErrUnderpaid, c.Paid, c.Total)
			}
			now := m.now()
			c.Status = model.CheckClosed
			c.ClosedAt = &now
			return nil
		},
		payload: func(c model.Check) event.Payload { return event.CheckClosed{Check: c} },
	})
	if err == nil {
		slog.Info("check closed", "check_id", c.ID, "number", c.Number, "total", c.Total.String())
	}
	return c, err
}

// VoidCheck voids an open check, releases the lock and queues check.voided.
func (m *Manager) VoidCheck(ctx context.Context, workstationID, checkID, reason string) (model.Check, error) {
	c, err := m.mutate(ctx, workstationID, checkID, mutation{
		name:    "void check",
		release: true,
		apply: func(_ context.Context, _ *store.Tx, c *model.Check) error {
			now := m.now()
			c.Status = model.CheckVoided
			c.ClosedAt = &now
			return nil
		},
		payload: func(c model.Check) event.Payload { return event.CheckVoided{Check: c, Reason: reason} },
	})
	if err == nil {
		slog.Info("check voided", "check_id", c.ID, "number", c.Number, "reason", reason)
	}
	return c, err
}

// mutation is one lock-guarded edit of a check.
type mutation struct {
	name string
	// apply edits the check in memory. Totals are recomputed afterwards.
	apply func(ctx context.Context, tx *store.Tx, c *model.Check) error
	// payload builds the sync payload from the committed state.
	payload func(c model.Check) event.Payload
	// release drops the lock instead of extending it.
	release bool
}

// mutate runs mu against checkID on behalf of workstationID.
//
// The workstation must hold the check's active lock. When it does not and
// the check is flagged conflict-pending, the workstation is the one whose
// lock was overridden: its intended result is handed to the conflict
// recorder, the transaction commits that record, and ErrConflictPending is
// returned. The check itself is left unchanged.
func (m *Manager) mutate(ctx context.Context, workstationID, checkID string, mu mutation) (model.Check, error) {
	var out model.Check
	var held bool
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		now := m.now()
		c, err := m.getCheck(ctx, tx, checkID)
		if err != nil {
			return err
		}
		if _, err := tx.PurgeExpiredLocks(ctx, checkID, now); err != nil {
			return err
		}
		lock, ok, err := tx.GetActiveLock(ctx, checkID)
		if err != nil {
			return err
		}
		holder := ok && lock.WorkstationID == workstationID

		// A stale write is held even when the new holder already closed or
		// voided the check.
		if c.Status != model.CheckOpen && (holder || !c.ConflictPending) {
			return fmt.Errorf("check %s is %s: %w", checkID, c.Status, ErrCheckNotOpen)
		}

		next := c.Clone()
		if !holder {
			if !c.ConflictPending {
				if ok {
					return fmt.Errorf("%w: check %s is locked by %s", ErrLockNotHeld, checkID, lock.WorkstationID)
				}
				return fmt.Errorf("%w: check %s", ErrLockNotHeld, checkID)
			}
			// Build the state the stale workstation intended, without
			// applying it. That workstation still saw the check open.
			next.Status = model.CheckOpen
			next.ClosedAt = nil
			if err := mu.apply(ctx, tx, &next); err != nil && !errors.Is(err, ErrVersionMismatch) {
				return err
			}
			if err := m.computeTotals(ctx, tx, &next); err != nil {
				return err
			}
			next.WorkstationID = workstationID
			if _, err := m.conflicts.RecordStaleWrite(ctx, tx, c, next, workstationID); err != nil {
				return err
			}
			held = true
			return nil
		}

		if err := mu.apply(ctx, tx, &next); err != nil {
			return err
		}
		if err := m.computeTotals(ctx, tx, &next); err != nil {
			return err
		}
		next.Version = c.Version + 1

		if err := tx.UpdateCheck(ctx, next); err != nil {
			return err
		}
		if err := tx.ReplaceItems(ctx, next.ID, next.Items); err != nil {
			return err
		}
		if len(next.Payments) != len(c.Payments) {
			if err := tx.ReplacePayments(ctx, next.ID, next.Payments); err != nil {
				return err
			}
		}

		if mu.release {
			if _, err := tx.DeleteLock(ctx, checkID, workstationID, model.LockActive); err != nil {
				return err
			}
		} else {
			lock.ExpiresAt = now.Add(m.opts.LockTTL)
			if _, err := tx.PutLock(ctx, lock); err != nil {
				return err
			}
		}

		if _, err := m.queue.Enqueue(ctx, tx, mu.payload(next)); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return model.Check{}, fmt.Errorf("%s: %w", mu.name, err)
	}
	if held {
		return model.Check{}, fmt.Errorf("%s: check %s: %w", mu.name, checkID, ErrConflictPending)
	}
	return out, nil
}

func validateItems(items []model.LineItem) error {
	seen := make(map[int]bool, len(items))
	for _, li := range items {
		switch {
		case li.Ordinal <= 0:
			return fmt.Errorf("%w: item ordinal must be positive", ErrInvalidRequest)
		case seen[li.Ordinal]:
			return fmt.Errorf("%w: duplicate item ordinal %d", ErrInvalidRequest, li.Ordinal)
		case li.MenuItemID == "":
			return fmt.Errorf("%w: item %d has no menu item", ErrInvalidRequest, li.Ordinal)
		case li.Quantity <= 0:
			return fmt.Errorf("%w: item %d quantity must be positive", ErrInvalidRequest, li.Ordinal)
		case li.UnitPrice < 0:
			return fmt.Errorf("%w: item %d price is negative", ErrInvalidRequest, li.Ordinal)
		}
		seen[li.Ordinal] = true
	}
	return nil
}
