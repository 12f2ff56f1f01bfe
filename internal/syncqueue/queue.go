// Package syncqueue is the durable outbound mailbox toward the cloud.
//
// Items are appended inside the same store transaction as the local write
// that produced them, drained in priority order by the replay worker, and
// removed only once the cloud acknowledges them. Failed deliveries back off
// linearly; an item that exhausts its attempts is parked for an operator
// instead of being dropped.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/caps/internal/clock"
	"github.com/roach88/caps/internal/event"
	"github.com/roach88/caps/internal/ids"
	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/store"
)

// ErrItemNotFound is returned when a queue id does not exist.
var ErrItemNotFound = errors.New("sync queue item not found")

// ErrNotParked is returned by Requeue for an item that is still retrying.
var ErrNotParked = errors.New("sync queue item is not parked")

// Options tunes retry behaviour.
type Options struct {
	// BaseBackoff is multiplied by the attempt count after each failure.
	BaseBackoff time.Duration
	// MaxAttempts is the number of deliveries tried before an item parks.
	MaxAttempts int
}

// Queue wraps the store's sync_queue table.
type Queue struct {
	store *store.Store
	clk   clock.Clock
	ids   ids.Generator
	opts  Options
}

// New creates a Queue.
func New(s *store.Store, clk clock.Clock, gen ids.Generator, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Queue{store: s, clk: clk, ids: gen, opts: opts}
}

// Enqueue appends p to the queue inside tx. The caller's mutation and the
// queue row commit or roll back together.
func (q *Queue) Enqueue(ctx context.Context, tx *store.Tx, p event.Payload) (model.SyncQueueItem, error) {
	body, err := event.Encode(p)
	if err != nil {
		return model.SyncQueueItem{}, fmt.Errorf("enqueue %s: %w", p.Kind(), err)
	}
	key, err := event.DedupeKey(p)
	if err != nil {
		return model.SyncQueueItem{}, fmt.Errorf("enqueue %s: %w", p.Kind(), err)
	}

	now := q.clk.Now()
	item := model.SyncQueueItem{
		ID:            q.ids.New(),
		EntityType:    p.EntityType(),
		EntityID:      p.EntityID(),
		Stream:        p.Stream(),
		Action:        p.Action(),
		DedupeKey:     key,
		Payload:       body,
		Priority:      p.Priority(),
		MaxAttempts:   q.opts.MaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	seq, err := tx.InsertQueueItem(ctx, item)
	if err != nil {
		return model.SyncQueueItem{}, fmt.Errorf("enqueue %s: %w", p.Kind(), err)
	}
	item.Seq = seq
	return item, nil
}

// Drain returns up to limit items due now, highest priority and oldest
// first. Drained items stay in the queue until RecordSuccess.
func (q *Queue) Drain(ctx context.Context, limit int) ([]model.SyncQueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	var items []model.SyncQueueItem
	err := q.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		items, err = tx.DueQueueItems(ctx, q.clk.Now(), limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}
	return items, nil
}

// RecordFailure counts a failed delivery of id and schedules the next
// attempt at now + attempts*BaseBackoff. The updated item is returned;
// when its attempts reach MaxAttempts it is parked.
func (q *Queue) RecordFailure(ctx context.Context, id string, cause error) (model.SyncQueueItem, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	var item model.SyncQueueItem
	err := q.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		item, err = tx.GetQueueItem(ctx, id)
		if err != nil {
			return err
		}
		now := q.clk.Now()
		item.Attempts++
		item.LastAttemptAt = &now
		item.NextAttemptAt = now.Add(time.Duration(item.Attempts) * q.opts.BaseBackoff)
		item.ErrorMessage = msg
		return tx.UpdateQueueAttempt(ctx, id, item.Attempts, now, item.NextAttemptAt, msg)
	})
	if err != nil {
		return model.SyncQueueItem{}, q.wrap("record failure", id, err)
	}

	if item.Parked() {
		slog.Warn("sync item parked",
			"item_id", id, "entity_type", item.EntityType, "entity_id", item.EntityID,
			"attempts", item.Attempts, "error", msg)
	} else {
		slog.Debug("sync item retry scheduled",
			"item_id", id, "attempts", item.Attempts, "next_attempt_at", item.NextAttemptAt)
	}
	return item, nil
}

// Park moves id straight to the parked state, recording reason. Used for
// permanent failures that retrying cannot fix.
func (q *Queue) Park(ctx context.Context, id string, reason string) error {
	err := q.store.WithTx(ctx, func(tx *store.Tx) error {
		item, err := tx.GetQueueItem(ctx, id)
		if err != nil {
			return err
		}
		now := q.clk.Now()
		return tx.UpdateQueueAttempt(ctx, id, item.MaxAttempts, now, item.NextAttemptAt, reason)
	})
	if err != nil {
		return q.wrap("park", id, err)
	}
	slog.Warn("sync item parked", "item_id", id, "reason", reason)
	return nil
}

// RecordSuccess deletes id after the cloud acknowledged it. Acknowledging
// an item that is already gone is not an error: acks can repeat.
func (q *Queue) RecordSuccess(ctx context.Context, id string) error {
	var deleted bool
	err := q.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		deleted, err = tx.DeleteQueueItem(ctx, id)
		return err
	})
	if err != nil {
		return q.wrap("record success", id, err)
	}
	if !deleted {
		slog.Debug("ack for unknown sync item", "item_id", id)
	}
	return nil
}

// Requeue resets a parked item so it is retried from scratch.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	err := q.store.WithTx(ctx, func(tx *store.Tx) error {
		item, err := tx.GetQueueItem(ctx, id)
		if err != nil {
			return err
		}
		if !item.Parked() {
			return ErrNotParked
		}
		return tx.ResetQueueAttempts(ctx, id, q.clk.Now())
	})
	if err != nil {
		return q.wrap("requeue", id, err)
	}
	slog.Info("sync item requeued", "item_id", id)
	return nil
}

// Get returns one queue item.
func (q *Queue) Get(ctx context.Context, id string) (model.SyncQueueItem, error) {
	var item model.SyncQueueItem
	err := q.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		item, err = tx.GetQueueItem(ctx, id)
		return err
	})
	if err != nil {
		return model.SyncQueueItem{}, q.wrap("get", id, err)
	}
	return item, nil
}

// Stats summarises the queue at the current time.
func (q *Queue) Stats(ctx context.Context) (store.QueueStats, error) {
	var st store.QueueStats
	err := q.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		st, err = tx.QueueStats(ctx, q.clk.Now())
		return err
	})
	return st, err
}

// ListParked returns items awaiting operator review.
func (q *Queue) ListParked(ctx context.Context) ([]model.SyncQueueItem, error) {
	var items []model.SyncQueueItem
	err := q.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		items, err = tx.ListParkedQueueItems(ctx)
		return err
	})
	return items, err
}

func (q *Queue) wrap(op, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", op, id, ErrItemNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}
