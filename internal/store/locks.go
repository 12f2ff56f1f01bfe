package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/caps/internal/model"
)

// PurgeExpiredLocks deletes lapsed lock rows for one check.
func (t *Tx) PurgeExpiredLocks(ctx context.Context, checkID string, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM check_locks WHERE check_id = ? AND expires_at <= ?
	`, checkID, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("purge expired locks: %w", err)
	}
	return res.RowsAffected()
}

// PurgeAllExpiredLocks deletes every lapsed lock row.
func (t *Tx) PurgeAllExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM check_locks WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("purge expired locks: %w", err)
	}
	return res.RowsAffected()
}

// GetActiveLock returns the active lock row for a check, if any.
// Expired rows are returned as-is; callers purge first.
func (t *Tx) GetActiveLock(ctx context.Context, checkID string) (model.CheckLock, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT check_id, workstation_id, employee_id, lock_type, locked_at, expires_at
		FROM check_locks
		WHERE check_id = ? AND lock_type = 'active'
	`, checkID)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CheckLock{}, false, nil
	}
	if err != nil {
		return model.CheckLock{}, false, fmt.Errorf("get active lock: %w", err)
	}
	return l, true, nil
}

// PutLock writes a lock row: inserted when no row exists for the lock's
// identity, updated in place otherwise. The identity of an active lock is
// the check; of a view lock, the check and workstation.
func (t *Tx) PutLock(ctx context.Context, l model.CheckLock) (UpsertResult, error) {
	var exists int
	var err error
	if l.LockType == model.LockActive {
		err = t.tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM check_locks WHERE check_id = ? AND lock_type = 'active'
		`, l.CheckID).Scan(&exists)
	} else {
		err = t.tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM check_locks WHERE check_id = ? AND workstation_id = ? AND lock_type = 'view'
		`, l.CheckID, l.WorkstationID).Scan(&exists)
	}
	if err != nil {
		return 0, fmt.Errorf("put lock: lookup: %w", err)
	}

	if exists == 0 {
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO check_locks (check_id, workstation_id, employee_id, lock_type, locked_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, l.CheckID, l.WorkstationID, l.EmployeeID, string(l.LockType), toMillis(l.LockedAt), toMillis(l.ExpiresAt))
		if err != nil {
			return 0, fmt.Errorf("put lock: insert: %w", err)
		}
		return Inserted, nil
	}

	if l.LockType == model.LockActive {
		_, err = t.tx.ExecContext(ctx, `
			UPDATE check_locks SET workstation_id = ?, employee_id = ?, locked_at = ?, expires_at = ?
			WHERE check_id = ? AND lock_type = 'active'
		`, l.WorkstationID, l.EmployeeID, toMillis(l.LockedAt), toMillis(l.ExpiresAt), l.CheckID)
	} else {
		_, err = t.tx.ExecContext(ctx, `
			UPDATE check_locks SET employee_id = ?, locked_at = ?, expires_at = ?
			WHERE check_id = ? AND workstation_id = ? AND lock_type = 'view'
		`, l.EmployeeID, toMillis(l.LockedAt), toMillis(l.ExpiresAt), l.CheckID, l.WorkstationID)
	}
	if err != nil {
		return 0, fmt.Errorf("put lock: update: %w", err)
	}
	return Updated, nil
}

// DeleteLock removes a workstation's lock of the given type on a check.
// Returns false if no such row existed.
func (t *Tx) DeleteLock(ctx context.Context, checkID, workstationID string, lockType model.LockType) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM check_locks WHERE check_id = ? AND workstation_id = ? AND lock_type = ?
	`, checkID, workstationID, string(lockType))
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete lock: rows affected: %w", err)
	}
	return n > 0, nil
}

// ListLocks returns every lock row ordered by check and type.
func (t *Tx) ListLocks(ctx context.Context) ([]model.CheckLock, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT check_id, workstation_id, employee_id, lock_type, locked_at, expires_at
		FROM check_locks
		ORDER BY check_id ASC, lock_type ASC, workstation_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	locks := []model.CheckLock{}
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locks: %w", err)
	}
	return locks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(r rowScanner) (model.CheckLock, error) {
	var l model.CheckLock
	var lockType string
	var lockedAt, expiresAt int64
	if err := r.Scan(&l.CheckID, &l.WorkstationID, &l.EmployeeID, &lockType, &lockedAt, &expiresAt); err != nil {
		return model.CheckLock{}, err
	}
	l.LockType = model.LockType(lockType)
	l.LockedAt = fromMillis(lockedAt)
	l.ExpiresAt = fromMillis(expiresAt)
	return l, nil
}
