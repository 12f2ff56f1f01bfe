// Package conflict records divergent check states and applies the decision
// a person makes about them.
//
// A conflict is opened when a lock is overridden away from an unreachable
// workstation, or when the cloud reports that its copy of a check differs
// from the one this host sent. The resolver keeps both snapshots and never
// chooses between them on its own: a conflict stays open until Resolve is
// called with an explicit decision.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/caps/internal/clock"
	"github.com/roach88/caps/internal/event"
	"github.com/roach88/caps/internal/ids"
	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/store"
)

var (
	// ErrNotFound is returned for an unknown conflict id.
	ErrNotFound = errors.New("conflict not found")
	// ErrAlreadyResolved is returned when resolving a closed conflict.
	ErrAlreadyResolved = errors.New("conflict already resolved")
	// ErrInvalidDecision is returned for a decision outside the known set.
	ErrInvalidDecision = errors.New("invalid conflict decision")
	// ErrMergeRequired is returned for a manual merge without a merged check.
	ErrMergeRequired = errors.New("manual merge requires a merged check")
	// ErrNoLocalSnapshot is returned when keep-local is chosen before the
	// overridden workstation has sent its version of the check.
	ErrNoLocalSnapshot = errors.New("conflict has no local snapshot yet")
)

// Enqueuer appends a sync payload inside a store transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *store.Tx, p event.Payload) (model.SyncQueueItem, error)
}

// Resolver owns the conflicts table and the checks.conflict_pending flag.
type Resolver struct {
	store *store.Store
	queue Enqueuer
	clk   clock.Clock
	ids   ids.Generator
}

// New creates a Resolver.
func New(s *store.Store, q Enqueuer, clk clock.Clock, gen ids.Generator) *Resolver {
	return &Resolver{store: s, queue: q, clk: clk, ids: gen}
}

// OpenFromOverride records that the active lock on baseline was taken from
// fromWorkstation by toWorkstation while fromWorkstation was unreachable.
// The conflict waits for the overridden workstation's version of the check.
// Runs inside the caller's transaction.
func (r *Resolver) OpenFromOverride(ctx context.Context, tx *store.Tx, baseline model.Check, fromWorkstation, toWorkstation string) (model.Conflict, error) {
	if existing, ok, err := tx.OpenConflictForCheck(ctx, baseline.ID); err != nil {
		return model.Conflict{}, err
	} else if ok {
		// A second override before the first is settled keeps the oldest
		// baseline.
		return existing, nil
	}

	snap := baseline.Clone()
	c := model.Conflict{
		ID:                  r.ids.New(),
		CheckID:             baseline.ID,
		Source:              model.SourceOverride,
		Status:              model.ConflictAwaiting,
		Baseline:            &snap,
		LocalWorkstationID:  fromWorkstation,
		RemoteWorkstationID: toWorkstation,
		CreatedAt:           r.clk.Now(),
	}
	if err := tx.InsertConflict(ctx, c); err != nil {
		return model.Conflict{}, fmt.Errorf("open override conflict: %w", err)
	}
	if err := r.setPending(ctx, tx, baseline.ID, true); err != nil {
		return model.Conflict{}, err
	}
	slog.Warn("check conflict opened",
		"conflict_id", c.ID, "check_id", c.CheckID, "source", c.Source,
		"from_workstation", fromWorkstation, "to_workstation", toWorkstation)
	return c, nil
}

// RecordStaleWrite captures a write from a workstation that no longer holds
// the check. stale is the state that workstation wanted to commit; current
// is the state on this host. The write itself is not applied.
func (r *Resolver) RecordStaleWrite(ctx context.Context, tx *store.Tx, current, stale model.Check, workstationID string) (model.Conflict, error) {
	c, ok, err := tx.OpenConflictForCheck(ctx, current.ID)
	if err != nil {
		return model.Conflict{}, err
	}
	local := stale.Clone()
	remote := current.Clone()
	if !ok {
		c = model.Conflict{
			ID:                  r.ids.New(),
			CheckID:             current.ID,
			Source:              model.SourceOverride,
			Status:              model.ConflictPending,
			LocalWorkstationID:  workstationID,
			RemoteWorkstationID: current.WorkstationID,
			Local:               &local,
			Remote:              &remote,
			CreatedAt:           r.clk.Now(),
		}
		if err := tx.InsertConflict(ctx, c); err != nil {
			return model.Conflict{}, fmt.Errorf("record stale write: %w", err)
		}
	} else {
		c.Status = model.ConflictPending
		c.Local = &local
		c.Remote = &remote
		if err := tx.UpdateConflict(ctx, c); err != nil {
			return model.Conflict{}, fmt.Errorf("record stale write: %w", err)
		}
	}
	if err := r.setPending(ctx, tx, current.ID, true); err != nil {
		return model.Conflict{}, err
	}
	slog.Warn("stale write held for review",
		"conflict_id", c.ID, "check_id", c.CheckID, "workstation_id", workstationID)
	return c, nil
}

// OpenFromReplay records that the cloud's copy of a check (remote) differs
// from this host's. The local snapshot is read from the store.
func (r *Resolver) OpenFromReplay(ctx context.Context, tx *store.Tx, remote model.Check) (model.Conflict, error) {
	current, err := tx.GetCheck(ctx, remote.ID)
	if err != nil {
		return model.Conflict{}, fmt.Errorf("open replay conflict: %w", err)
	}
	local := current.Clone()
	rem := remote.Clone()

	c, ok, err := tx.OpenConflictForCheck(ctx, remote.ID)
	if err != nil {
		return model.Conflict{}, err
	}
	if ok {
		c.Status = model.ConflictPending
		c.Local = &local
		c.Remote = &rem
		if err := tx.UpdateConflict(ctx, c); err != nil {
			return model.Conflict{}, fmt.Errorf("open replay conflict: %w", err)
		}
	} else {
		c = model.Conflict{
			ID:                  r.ids.New(),
			CheckID:             remote.ID,
			Source:              model.SourceReplay,
			Status:              model.ConflictPending,
			Local:               &local,
			Remote:              &rem,
			LocalWorkstationID:  current.WorkstationID,
			RemoteWorkstationID: remote.WorkstationID,
			CreatedAt:           r.clk.Now(),
		}
		if err := tx.InsertConflict(ctx, c); err != nil {
			return model.Conflict{}, fmt.Errorf("open replay conflict: %w", err)
		}
	}
	if err := r.setPending(ctx, tx, remote.ID, true); err != nil {
		return model.Conflict{}, err
	}
	slog.Warn("replay conflict opened", "conflict_id", c.ID, "check_id", c.CheckID)
	return c, nil
}

// Get returns a conflict by id.
func (r *Resolver) Get(ctx context.Context, id string) (model.Conflict, error) {
	var c model.Conflict
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		c, err = tx.GetConflict(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return model.Conflict{}, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return c, err
}

// List returns conflicts with the given status, or all when status is empty.
func (r *Resolver) List(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error) {
	var out []model.Conflict
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.ListConflicts(ctx, status)
		return err
	})
	return out, err
}

// Resolve applies a human decision to an open conflict and returns the
// resulting check. merged is required for ManualMerge and ignored
// otherwise. The chosen state becomes a new version of the check, the
// conflict_pending flag is cleared, and the outcome is queued for the cloud.
func (r *Resolver) Resolve(ctx context.Context, id string, decision model.Decision, resolvedBy string, merged *model.Check) (model.Check, error) {
	if !decision.Valid() {
		return model.Check{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	if decision == model.ManualMerge && merged == nil {
		return model.Check{}, ErrMergeRequired
	}

	var result model.Check
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		c, err := tx.GetConflict(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if c.Status == model.ConflictResolved {
			return fmt.Errorf("conflict %s: %w", id, ErrAlreadyResolved)
		}

		current, err := tx.GetCheck(ctx, c.CheckID)
		if err != nil {
			return err
		}

		var chosen model.Check
		switch decision {
		case model.KeepLocal:
			if c.Local == nil {
				return fmt.Errorf("conflict %s: %w", id, ErrNoLocalSnapshot)
			}
			chosen = c.Local.Clone()
		case model.KeepRemote:
			if c.Remote != nil {
				chosen = c.Remote.Clone()
			} else {
				chosen = current.Clone()
			}
		case model.ManualMerge:
			chosen = merged.Clone()
		}

		result = r.adopt(current, chosen)
		if err := tx.UpdateCheck(ctx, result); err != nil {
			return err
		}
		if err := tx.ReplaceItems(ctx, result.ID, result.Items); err != nil {
			return err
		}
		if err := tx.ReplacePayments(ctx, result.ID, result.Payments); err != nil {
			return err
		}

		now := r.clk.Now()
		c.Status = model.ConflictResolved
		c.Decision = decision
		c.ResolvedBy = resolvedBy
		c.ResolvedAt = &now
		if err := tx.UpdateConflict(ctx, c); err != nil {
			return err
		}

		// Parked items for this check carry states the decision replaces.
		// Left in place they would hold the resolution behind them forever.
		if err := dropParked(ctx, tx, result.ID); err != nil {
			return err
		}

		_, err = r.queue.Enqueue(ctx, tx, event.ConflictResolved{
			ConflictID: c.ID,
			Decision:   decision,
			Check:      result,
		})
		return err
	})
	if err != nil {
		return model.Check{}, fmt.Errorf("resolve conflict: %w", err)
	}

	slog.Info("conflict resolved",
		"conflict_id", id, "check_id", result.ID, "decision", decision, "resolved_by", resolvedBy)
	return result, nil
}

// adopt turns a chosen snapshot into the next version of current. Identity,
// numbering and ownership stay with the host's copy.
func (r *Resolver) adopt(current, chosen model.Check) model.Check {
	out := chosen
	out.ID = current.ID
	out.Number = current.Number
	out.WorkstationID = current.WorkstationID
	out.OpenedAt = current.OpenedAt
	out.Version = max(current.Version, chosen.Version) + 1
	out.ConflictPending = false
	if out.Items == nil {
		out.Items = []model.LineItem{}
	}
	if out.Payments == nil {
		out.Payments = []model.Payment{}
	}
	return out
}

func dropParked(ctx context.Context, tx *store.Tx, checkID string) error {
	items, err := tx.ListQueueItemsForStream(ctx, checkID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if !item.Parked() {
			continue
		}
		if _, err := tx.DeleteQueueItem(ctx, item.ID); err != nil {
			return err
		}
		slog.Info("superseded queue item dropped", "item_id", item.ID, "check_id", checkID)
	}
	return nil
}

func (r *Resolver) setPending(ctx context.Context, tx *store.Tx, checkID string, pending bool) error {
	c, err := tx.GetCheck(ctx, checkID)
	if err != nil {
		return fmt.Errorf("flag check %s: %w", checkID, err)
	}
	if c.ConflictPending == pending {
		return nil
	}
	c.ConflictPending = pending
	return tx.UpdateCheck(ctx, c)
}
