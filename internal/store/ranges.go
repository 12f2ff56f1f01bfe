package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/caps/internal/model"
)

// GetRange returns a workstation's number range.
// Returns ErrNotFound if the workstation has no configured range or its
// range was retired.
func (t *Tx) GetRange(ctx context.Context, workstationID string) (model.WorkstationRange, error) {
	r, retired, err := t.getRange(ctx, workstationID)
	if err == nil && retired {
		return model.WorkstationRange{}, fmt.Errorf("range for workstation %s: retired: %w", workstationID, ErrNotFound)
	}
	return r, err
}

func (t *Tx) getRange(ctx context.Context, workstationID string) (model.WorkstationRange, bool, error) {
	var r model.WorkstationRange
	var retired int
	err := t.tx.QueryRowContext(ctx, `
		SELECT workstation_id, range_start, range_end, current_number, retired
		FROM workstation_ranges
		WHERE workstation_id = ?
	`, workstationID).Scan(&r.WorkstationID, &r.RangeStart, &r.RangeEnd, &r.CurrentNumber, &retired)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkstationRange{}, false, fmt.Errorf("range for workstation %s: %w", workstationID, ErrNotFound)
	}
	if err != nil {
		return model.WorkstationRange{}, false, fmt.Errorf("get range: %w", err)
	}
	return r, retired != 0, nil
}

// ListRanges returns all active ranges ordered by start.
func (t *Tx) ListRanges(ctx context.Context) ([]model.WorkstationRange, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT workstation_id, range_start, range_end, current_number
		FROM workstation_ranges
		WHERE retired = 0
		ORDER BY range_start ASC, workstation_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list ranges: %w", err)
	}
	defer rows.Close()

	ranges := []model.WorkstationRange{}
	for rows.Next() {
		var r model.WorkstationRange
		if err := rows.Scan(&r.WorkstationID, &r.RangeStart, &r.RangeEnd, &r.CurrentNumber); err != nil {
			return nil, fmt.Errorf("scan range: %w", err)
		}
		ranges = append(ranges, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ranges: %w", err)
	}
	return ranges, nil
}

// PutRange configures a workstation's range. For an existing row, retired
// or not, the current number is preserved unless it falls below the new
// start; it is never moved backwards.
func (t *Tx) PutRange(ctx context.Context, r model.WorkstationRange) (UpsertResult, error) {
	existing, _, err := t.getRange(ctx, r.WorkstationID)
	switch {
	case errors.Is(err, ErrNotFound):
		current := r.CurrentNumber
		if current < r.RangeStart {
			current = r.RangeStart
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO workstation_ranges (workstation_id, range_start, range_end, current_number)
			VALUES (?, ?, ?, ?)
		`, r.WorkstationID, r.RangeStart, r.RangeEnd, current)
		if err != nil {
			return 0, fmt.Errorf("put range: insert: %w", err)
		}
		return Inserted, nil
	case err != nil:
		return 0, err
	}

	current := max(existing.CurrentNumber, r.RangeStart)
	_, err = t.tx.ExecContext(ctx, `
		UPDATE workstation_ranges SET range_start = ?, range_end = ?, current_number = ?, retired = 0
		WHERE workstation_id = ?
	`, r.RangeStart, r.RangeEnd, current, r.WorkstationID)
	if err != nil {
		return 0, fmt.Errorf("put range: update: %w", err)
	}
	return Updated, nil
}

// RetireRange takes a workstation's range out of service. The row and its
// current number are kept so the workstation never reissues a number if
// it is configured again.
func (t *Tx) RetireRange(ctx context.Context, workstationID string) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE workstation_ranges SET retired = 1 WHERE workstation_id = ?`, workstationID); err != nil {
		return fmt.Errorf("retire range: %w", err)
	}
	return nil
}

// AdvanceRange moves a workstation's current number from issued to
// issued+1. The update is conditional on the current value so a number can
// only be handed out once even if two transactions read the same row.
func (t *Tx) AdvanceRange(ctx context.Context, workstationID string, issued int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE workstation_ranges SET current_number = current_number + 1
		WHERE workstation_id = ? AND current_number = ? AND retired = 0
	`, workstationID, issued)
	if err != nil {
		return fmt.Errorf("advance range: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance range: rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("advance range: workstation %s moved past %d concurrently", workstationID, issued)
	}
	return nil
}
