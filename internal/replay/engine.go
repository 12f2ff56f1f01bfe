// Package replay delivers the sync queue to the cloud.
//
// The engine runs as a periodic task. Each round drains a batch of due
// items, sends it, and settles every item from the cloud's per-item
// acknowledgement: acknowledged and duplicate items are removed, transient
// failures back off, permanent failures park, and a reported divergence
// opens a conflict and parks the item until a person decides.
//
// Delivery is paused whenever the connectivity mode is anything other than
// Online. Local work keeps enqueuing while paused.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/caps/internal/clock"
	"github.com/roach88/caps/internal/connectivity"
	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/store"
)

var tracer = otel.Tracer("github.com/roach88/caps/internal/replay")

// BatchKind selects the cloud message a batch travels in.
type BatchKind string

const (
	// BatchReplay carries the backlog accumulated while delivery was paused.
	BatchReplay BatchKind = "REPLAY_BATCH"
	// BatchPost carries items produced while online.
	BatchPost BatchKind = "TRANSACTION_POST"
)

// Result is the cloud's verdict on one item.
type Result string

const (
	ResultOK        Result = "ok"
	ResultDuplicate Result = "duplicate"
	ResultConflict  Result = "conflict"
	ResultRetry     Result = "retry"
	ResultReject    Result = "reject"
)

// Ack is the acknowledgement for one item of a batch.
type Ack struct {
	ItemID string       `json:"item_id" validate:"required"`
	Result Result       `json:"result" validate:"required,oneof=ok duplicate conflict retry reject"`
	Reason string       `json:"reason,omitempty"`
	Check  *model.Check `json:"check,omitempty"`
}

// Sender transmits a batch and returns one Ack per item it has a verdict
// for. An error means the batch as a whole was not delivered.
type Sender interface {
	Send(ctx context.Context, kind BatchKind, items []model.SyncQueueItem) ([]Ack, error)
}

// Queue is the part of the sync queue the engine settles against.
type Queue interface {
	Drain(ctx context.Context, limit int) ([]model.SyncQueueItem, error)
	RecordSuccess(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, cause error) (model.SyncQueueItem, error)
	Park(ctx context.Context, id string, reason string) error
}

// ConflictOpener records a divergence reported by the cloud.
type ConflictOpener interface {
	OpenFromReplay(ctx context.Context, tx *store.Tx, remote model.Check) (model.Conflict, error)
}

// Options configures the engine.
type Options struct {
	Interval  time.Duration
	BatchSize int
}

// Report counts what one round did.
type Report struct {
	Kind      BatchKind `json:"kind,omitempty"`
	Sent      int       `json:"sent"`
	Delivered int       `json:"delivered"`
	Duplicate int       `json:"duplicate"`
	Conflicts int       `json:"conflicts"`
	Retried   int       `json:"retried"`
	Parked    int       `json:"parked"`
	Paused    bool      `json:"paused,omitempty"`
}

// Engine is the replay worker.
type Engine struct {
	store     *store.Store
	queue     Queue
	sender    Sender
	conflicts ConflictOpener
	opts      Options
	task      *clock.Task

	// run serializes rounds between the task and direct RunOnce calls.
	run       sync.Mutex
	paused    atomic.Bool
	replaying atomic.Bool
}

// New creates a paused engine. It starts delivering on the first
// transition to Online.
func New(s *store.Store, q Queue, sender Sender, conflicts ConflictOpener, clk clock.Clock, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	e := &Engine{store: s, queue: q, sender: sender, conflicts: conflicts, opts: opts}
	e.paused.Store(true)
	e.replaying.Store(true)
	e.task = clock.NewTask("replay", clk, opts.Interval, func(ctx context.Context) {
		if _, err := e.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("replay round failed", "error", err)
		}
	})
	return e
}

// ModeChanged pauses or resumes delivery. Subscribe it to the
// connectivity monitor.
func (e *Engine) ModeChanged(t connectivity.Transition) {
	online := t.To == connectivity.Online
	wasPaused := e.paused.Swap(!online)
	switch {
	case online && wasPaused:
		e.replaying.Store(true)
		slog.Info("replay resumed", "from", t.From)
	case !online && !wasPaused:
		slog.Info("replay paused", "mode", t.To)
	}
}

// Paused reports whether delivery is currently paused.
func (e *Engine) Paused() bool { return e.paused.Load() }

// Start runs rounds every Interval until Stop.
func (e *Engine) Start(ctx context.Context) { e.task.Start(ctx, false) }

// Stop halts the worker and waits for an in-flight round.
func (e *Engine) Stop() { e.task.Stop() }

// RunOnce performs a single round. It returns an error only for local
// failures; delivery failures are recorded on the items.
func (e *Engine) RunOnce(ctx context.Context) (Report, error) {
	e.run.Lock()
	defer e.run.Unlock()

	if e.paused.Load() {
		return Report{Paused: true}, nil
	}

	items, err := e.queue.Drain(ctx, e.opts.BatchSize)
	if err != nil {
		return Report{}, err
	}
	if len(items) == 0 {
		e.replaying.Store(false)
		return Report{}, nil
	}

	kind := BatchPost
	if e.replaying.Load() {
		kind = BatchReplay
	}
	if len(items) < e.opts.BatchSize {
		e.replaying.Store(false)
	}

	ctx, span := tracer.Start(ctx, "replay.batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("caps.replay.kind", string(kind)),
		attribute.Int("caps.replay.items", len(items)),
	)

	rep, err := e.deliver(ctx, kind, items)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rep, err
	}
	span.SetAttributes(
		attribute.Int("caps.replay.delivered", rep.Delivered+rep.Duplicate),
		attribute.Int("caps.replay.parked", rep.Parked),
	)
	slog.Debug("replay round",
		"kind", kind, "sent", rep.Sent, "delivered", rep.Delivered, "duplicate", rep.Duplicate,
		"conflicts", rep.Conflicts, "retried", rep.Retried, "parked", rep.Parked)
	return rep, nil
}

func (e *Engine) deliver(ctx context.Context, kind BatchKind, items []model.SyncQueueItem) (Report, error) {
	rep := Report{Kind: kind, Sent: len(items)}

	acks, sendErr := e.sender.Send(ctx, kind, items)
	if sendErr != nil {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		cause := sendErr
		var de *DeliveryError
		if !errors.As(sendErr, &de) {
			cause = &DeliveryError{Kind: Transient, Err: sendErr}
		}
		slog.Warn("replay batch not delivered", "kind", kind, "items", len(items), "error", cause)
		for _, item := range items {
			if err := e.fail(ctx, &rep, item, cause); err != nil {
				return rep, err
			}
		}
		return rep, nil
	}

	byID := make(map[string]Ack, len(acks))
	for _, a := range acks {
		byID[a.ItemID] = a
	}
	for _, item := range items {
		ack, ok := byID[item.ID]
		if !ok {
			ack = Ack{ItemID: item.ID, Result: ResultRetry, Reason: "no acknowledgement"}
		}
		if err := e.settle(ctx, &rep, item, ack); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (e *Engine) settle(ctx context.Context, rep *Report, item model.SyncQueueItem, ack Ack) error {
	switch ack.Result {
	case ResultOK:
		rep.Delivered++
		return e.queue.RecordSuccess(ctx, item.ID)
	case ResultDuplicate:
		rep.Duplicate++
		slog.Debug("cloud already had item", "item_id", item.ID, "dedupe_key", item.DedupeKey)
		return e.queue.RecordSuccess(ctx, item.ID)
	case ResultConflict:
		if ack.Check == nil {
			return e.fail(ctx, rep, item, &DeliveryError{
				Kind: Permanent, ItemID: item.ID, Reason: "conflict reported without the cloud's check",
			})
		}
		if ack.Check.ID != item.Stream {
			return e.fail(ctx, rep, item, &DeliveryError{
				Kind: Permanent, ItemID: item.ID,
				Reason: fmt.Sprintf("conflict reported for check %s on an item of check %s", ack.Check.ID, item.Stream),
			})
		}
		return e.conflict(ctx, rep, item, *ack.Check)
	case ResultReject:
		return e.fail(ctx, rep, item, &DeliveryError{Kind: Permanent, ItemID: item.ID, Reason: ack.Reason})
	default:
		reason := ack.Reason
		if ack.Result != ResultRetry {
			reason = fmt.Sprintf("unknown result %q", ack.Result)
		}
		return e.fail(ctx, rep, item, &DeliveryError{Kind: Transient, ItemID: item.ID, Reason: reason})
	}
}

func (e *Engine) conflict(ctx context.Context, rep *Report, item model.SyncQueueItem, remote model.Check) error {
	var opened model.Conflict
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		opened, err = e.conflicts.OpenFromReplay(ctx, tx, remote)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return e.fail(ctx, rep, item, &DeliveryError{
			Kind: Permanent, ItemID: item.ID, Reason: "conflict reported for an unknown check", Err: err,
		})
	}
	if err != nil {
		return fmt.Errorf("item %s: %w", item.ID, err)
	}
	rep.Conflicts++
	rep.Parked++
	return e.queue.Park(ctx, item.ID, "conflict "+opened.ID+" awaiting decision")
}

func (e *Engine) fail(ctx context.Context, rep *Report, item model.SyncQueueItem, cause error) error {
	if IsPermanent(cause) {
		rep.Parked++
		slog.Warn("sync item rejected", "item_id", item.ID, "entity_id", item.EntityID, "error", cause)
		return e.queue.Park(ctx, item.ID, cause.Error())
	}
	updated, err := e.queue.RecordFailure(ctx, item.ID, cause)
	if err != nil {
		return err
	}
	if updated.Parked() {
		rep.Parked++
	} else {
		rep.Retried++
	}
	return nil
}
