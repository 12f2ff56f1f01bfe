package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/caps/internal/model"
)

const conflictColumns = `id, check_id, source, status, baseline, local_snapshot, remote_snapshot,
	local_workstation_id, remote_workstation_id, decision, resolved_by, created_at, resolved_at`

// InsertConflict writes a new conflict record.
func (t *Tx) InsertConflict(ctx context.Context, c model.Conflict) error {
	baseline, local, remote, err := marshalSnapshots(c)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.CheckID, string(c.Source), string(c.Status), baseline, local, remote,
		c.LocalWorkstationID, c.RemoteWorkstationID, string(c.Decision), c.ResolvedBy,
		toMillis(c.CreatedAt), nullMillis(c.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// UpdateConflict rewrites status, snapshots and resolution of a conflict.
func (t *Tx) UpdateConflict(ctx context.Context, c model.Conflict) error {
	baseline, local, remote, err := marshalSnapshots(c)
	if err != nil {
		return fmt.Errorf("update conflict: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE conflicts SET status = ?, baseline = ?, local_snapshot = ?, remote_snapshot = ?,
			local_workstation_id = ?, remote_workstation_id = ?,
			decision = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ?
	`,
		string(c.Status), baseline, local, remote,
		c.LocalWorkstationID, c.RemoteWorkstationID,
		string(c.Decision), c.ResolvedBy, nullMillis(c.ResolvedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update conflict: %w", err)
	}
	return expectOne(res, "conflict", c.ID)
}

// GetConflict returns a conflict by id.
func (t *Tx) GetConflict(ctx context.Context, id string) (model.Conflict, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return model.Conflict{}, fmt.Errorf("get conflict: %w", err)
	}
	list, err := collectConflicts(rows)
	if err != nil {
		return model.Conflict{}, err
	}
	if len(list) == 0 {
		return model.Conflict{}, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return list[0], nil
}

// OpenConflictForCheck returns the unresolved conflict of a check, if any.
func (t *Tx) OpenConflictForCheck(ctx context.Context, checkID string) (model.Conflict, bool, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+conflictColumns+` FROM conflicts
		WHERE check_id = ? AND status <> 'resolved'
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, checkID)
	if err != nil {
		return model.Conflict{}, false, fmt.Errorf("open conflict: %w", err)
	}
	list, err := collectConflicts(rows)
	if err != nil {
		return model.Conflict{}, false, err
	}
	if len(list) == 0 {
		return model.Conflict{}, false, nil
	}
	return list[0], true, nil
}

// ListConflicts returns conflicts with the given status, or all when
// status is empty, oldest first.
func (t *Tx) ListConflicts(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = t.tx.QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflicts ORDER BY created_at ASC, id ASC`)
	} else {
		rows, err = t.tx.QueryContext(ctx, `
			SELECT `+conflictColumns+` FROM conflicts WHERE status = ? ORDER BY created_at ASC, id ASC
		`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return collectConflicts(rows)
}

func collectConflicts(rows *sql.Rows) ([]model.Conflict, error) {
	defer rows.Close()

	list := []model.Conflict{}
	for rows.Next() {
		var c model.Conflict
		var source, status, decision string
		var baseline, local, remote sql.NullString
		var createdAt int64
		var resolvedAt sql.NullInt64
		if err := rows.Scan(
			&c.ID, &c.CheckID, &source, &status, &baseline, &local, &remote,
			&c.LocalWorkstationID, &c.RemoteWorkstationID, &decision, &c.ResolvedBy,
			&createdAt, &resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.Source = model.ConflictSource(source)
		c.Status = model.ConflictStatus(status)
		c.Decision = model.Decision(decision)
		c.CreatedAt = fromMillis(createdAt)
		c.ResolvedAt = fromNullMillis(resolvedAt)

		var err error
		if c.Baseline, err = unmarshalSnapshot(baseline); err != nil {
			return nil, fmt.Errorf("conflict %s baseline: %w", c.ID, err)
		}
		if c.Local, err = unmarshalSnapshot(local); err != nil {
			return nil, fmt.Errorf("conflict %s local: %w", c.ID, err)
		}
		if c.Remote, err = unmarshalSnapshot(remote); err != nil {
			return nil, fmt.Errorf("conflict %s remote: %w", c.ID, err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return list, nil
}

func marshalSnapshots(c model.Conflict) (baseline, local, remote sql.NullString, err error) {
	if baseline, err = marshalSnapshot(c.Baseline); err != nil {
		return
	}
	if local, err = marshalSnapshot(c.Local); err != nil {
		return
	}
	remote, err = marshalSnapshot(c.Remote)
	return
}

func marshalSnapshot(c *model.Check) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalSnapshot(s sql.NullString) (*model.Check, error) {
	if !s.Valid {
		return nil, nil
	}
	var c model.Check
	if err := json.Unmarshal([]byte(s.String), &c); err != nil {
		return nil, err
	}
	return &c, nil
}
