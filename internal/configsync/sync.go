package configsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/caps/internal/clock"
	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/store"
)

// CursorName is the sync_state row holding the applied config version.
const CursorName = "config_version"

var tracer = otel.Tracer("github.com/roach88/caps/internal/configsync")

// Synchronizer applies deltas to the config cache.
type Synchronizer struct {
	store    *store.Store
	clk      clock.Clock
	validate *validator.Validate
}

// New creates a Synchronizer.
func New(s *store.Store, clk clock.Clock) *Synchronizer {
	return &Synchronizer{store: s, clk: clk, validate: validator.New()}
}

// Version returns the last applied config version (0 before any delta).
func (s *Synchronizer) Version(ctx context.Context) (int64, error) {
	var v int64
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		v, err = tx.GetCursor(ctx, CursorName)
		return err
	})
	return v, err
}

// ApplyDelta validates d and applies it atomically.
//
// The delta must start at the stored version. Changes are applied in
// dependency order (enterprise, property, revenue center, employees and
// roles, menu/tax/pricing, device config), keeping their relative order
// within a rank. Any failure rolls back every change and leaves the stored
// version where it was.
func (s *Synchronizer) ApplyDelta(ctx context.Context, d Delta) (Result, error) {
	ctx, span := tracer.Start(ctx, "configsync.ApplyDelta")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("caps.config.from_version", d.FromVersion),
		attribute.Int64("caps.config.to_version", d.ToVersion),
		attribute.Int("caps.config.changes", len(d.Changes)),
	)

	res, err := s.apply(ctx, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("config delta refused",
			"from_version", d.FromVersion, "to_version", d.ToVersion, "error", err)
		return Result{}, err
	}
	slog.Info("config delta applied",
		"version", res.Version, "upserted", res.Upserted, "deleted", res.Deleted)
	return res, nil
}

func (s *Synchronizer) apply(ctx context.Context, d Delta) (Result, error) {
	if err := s.validate.Struct(d); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidChange, describe(err))
	}
	if !*d.CALCompatible {
		return Result{}, ErrIncompatible
	}
	for _, c := range d.Changes {
		if _, ok := Rank(c.Table); !ok {
			return Result{}, fmt.Errorf("%w: %q", ErrUnknownTable, c.Table)
		}
	}

	ordered := slices.Clone(d.Changes)
	slices.SortStableFunc(ordered, func(a, b Change) int {
		ra, _ := Rank(a.Table)
		rb, _ := Rank(b.Table)
		return ra - rb
	})

	res := Result{Version: d.ToVersion}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := tx.GetCursor(ctx, CursorName)
		if err != nil {
			return err
		}
		if current != d.FromVersion {
			return fmt.Errorf("%w: have %d, delta starts at %d", ErrVersionMismatch, current, d.FromVersion)
		}

		for i, c := range ordered {
			if err := s.applyChange(ctx, tx, c); err != nil {
				return fmt.Errorf("change %d (%s %s): %w", i, c.Operation, c.Table, err)
			}
			if c.Operation == OpUpsert {
				res.Upserted++
			} else {
				res.Deleted++
			}
		}

		if err := checkRanges(ctx, tx); err != nil {
			return err
		}
		return tx.SetCursor(ctx, CursorName, d.ToVersion)
	})
	if err != nil {
		return Result{}, fmt.Errorf("apply config delta %d->%d: %w", d.FromVersion, d.ToVersion, err)
	}
	return res, nil
}

func (s *Synchronizer) applyChange(ctx context.Context, tx *store.Tx, c Change) error {
	id, err := decodeRow[rowID](c)
	if err != nil {
		return err
	}
	if err := s.validate.Struct(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChange, describe(err))
	}
	key := model.ConfigKey(c.Table, id.ID)

	if c.Operation == OpDelete {
		if c.Table == "workstation" {
			if err := tx.RetireRange(ctx, id.ID); err != nil {
				return err
			}
		}
		return tx.DeleteConfig(ctx, key)
	}

	switch c.Table {
	case "workstation":
		ws, err := decodeRow[workstationRow](c)
		if err != nil {
			return err
		}
		if err := s.validate.Struct(ws); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidChange, describe(err))
		}
		if _, err := tx.PutRange(ctx, model.WorkstationRange{
			WorkstationID: ws.ID,
			RangeStart:    ws.RangeStart,
			RangeEnd:      ws.RangeEnd,
		}); err != nil {
			return err
		}
	case "tax_rule":
		tr, err := decodeRow[taxRuleRow](c)
		if err != nil {
			return err
		}
		if err := s.validate.Struct(tr); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidChange, describe(err))
		}
	}

	_, err = tx.PutConfig(ctx, model.ConfigCacheEntry{
		Key:        key,
		Value:      c.Data,
		EntityType: c.Table,
		EntityID:   id.ID,
		UpdatedAt:  s.clk.Now(),
	})
	return err
}

// checkRanges refuses a delta that would leave two workstations with
// overlapping check-number ranges.
func checkRanges(ctx context.Context, tx *store.Tx) error {
	ranges, err := tx.ListRanges(ctx)
	if err != nil {
		return err
	}
	for i := range ranges {
		for j := i + 1; j < len(ranges); j++ {
			if ranges[i].Overlaps(ranges[j]) {
				return fmt.Errorf("%w: workstation %s range %d-%d overlaps workstation %s range %d-%d",
					ErrInvalidChange,
					ranges[i].WorkstationID, ranges[i].RangeStart, ranges[i].RangeEnd,
					ranges[j].WorkstationID, ranges[j].RangeStart, ranges[j].RangeEnd)
			}
		}
	}
	return nil
}

// describe flattens validator errors into "field:tag" pairs.
func describe(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	out := make([]string, 0, len(ve))
	for _, fe := range ve {
		out = append(out, fe.Namespace()+":"+fe.Tag())
	}
	return fmt.Sprint(out)
}
