package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/caps/internal/model"
)

// GetCheck loads a check with its items and payments.
// Returns ErrNotFound if the check does not exist.
func (t *Tx) GetCheck(ctx context.Context, id string) (model.Check, error) {
	var c model.Check
	var status string
	var subtotal, tax, total, paid int64
	var openedAt int64
	var closedAt sql.NullInt64
	var conflictPending int

	err := t.tx.QueryRowContext(ctx, `
		SELECT id, number, workstation_id, employee_id, revenue_center_id, status,
		       subtotal_cents, tax_cents, total_cents, paid_cents, version,
		       conflict_pending, opened_at, closed_at
		FROM checks
		WHERE id = ?
	`, id).Scan(
		&c.ID, &c.Number, &c.WorkstationID, &c.EmployeeID, &c.RevenueCenterID, &status,
		&subtotal, &tax, &total, &paid, &c.Version,
		&conflictPending, &openedAt, &closedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Check{}, fmt.Errorf("check %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Check{}, fmt.Errorf("get check: %w", err)
	}

	c.Status = model.CheckStatus(status)
	c.Subtotal = model.Cents(subtotal)
	c.Tax = model.Cents(tax)
	c.Total = model.Cents(total)
	c.Paid = model.Cents(paid)
	c.ConflictPending = conflictPending != 0
	c.OpenedAt = fromMillis(openedAt)
	c.ClosedAt = fromNullMillis(closedAt)

	if c.Items, err = t.checkItems(ctx, id); err != nil {
		return model.Check{}, err
	}
	if c.Payments, err = t.checkPayments(ctx, id); err != nil {
		return model.Check{}, err
	}
	return c, nil
}

func (t *Tx) checkItems(ctx context.Context, checkID string) ([]model.LineItem, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT ordinal, menu_item_id, name, quantity, unit_price_cents, modifiers, voided
		FROM check_items
		WHERE check_id = ?
		ORDER BY ordinal ASC
	`, checkID)
	if err != nil {
		return nil, fmt.Errorf("query check items: %w", err)
	}
	defer rows.Close()

	items := []model.LineItem{}
	for rows.Next() {
		var li model.LineItem
		var price int64
		var modifiers string
		var voided int
		if err := rows.Scan(&li.Ordinal, &li.MenuItemID, &li.Name, &li.Quantity, &price, &modifiers, &voided); err != nil {
			return nil, fmt.Errorf("scan check item: %w", err)
		}
		li.UnitPrice = model.Cents(price)
		li.Voided = voided != 0
		if err := json.Unmarshal([]byte(modifiers), &li.Modifiers); err != nil {
			return nil, fmt.Errorf("check item %d modifiers: %w", li.Ordinal, err)
		}
		if len(li.Modifiers) == 0 {
			li.Modifiers = nil
		}
		items = append(items, li)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate check items: %w", err)
	}
	return items, nil
}

func (t *Tx) checkPayments(ctx context.Context, checkID string) ([]model.Payment, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, tender, amount_cents, reference, recorded_at
		FROM check_payments
		WHERE check_id = ?
		ORDER BY recorded_at ASC, id ASC
	`, checkID)
	if err != nil {
		return nil, fmt.Errorf("query check payments: %w", err)
	}
	defer rows.Close()

	payments := []model.Payment{}
	for rows.Next() {
		var p model.Payment
		var amount, recordedAt int64
		if err := rows.Scan(&p.ID, &p.Tender, &amount, &p.Reference, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.Amount = model.Cents(amount)
		p.RecordedAt = fromMillis(recordedAt)
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}

// InsertCheck writes a new check header and its items.
func (t *Tx) InsertCheck(ctx context.Context, c model.Check) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO checks
		(id, number, workstation_id, employee_id, revenue_center_id, status,
		 subtotal_cents, tax_cents, total_cents, paid_cents, version,
		 conflict_pending, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.Number, c.WorkstationID, c.EmployeeID, c.RevenueCenterID, string(c.Status),
		int64(c.Subtotal), int64(c.Tax), int64(c.Total), int64(c.Paid), c.Version,
		boolInt(c.ConflictPending), toMillis(c.OpenedAt), nullMillis(c.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("insert check: %w", err)
	}
	return t.ReplaceItems(ctx, c.ID, c.Items)
}

// UpdateCheck rewrites the mutable header fields of an existing check.
// Items and payments are written separately.
func (t *Tx) UpdateCheck(ctx context.Context, c model.Check) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE checks SET
			employee_id = ?, status = ?,
			subtotal_cents = ?, tax_cents = ?, total_cents = ?, paid_cents = ?,
			version = ?, conflict_pending = ?, closed_at = ?
		WHERE id = ?
	`,
		c.EmployeeID, string(c.Status),
		int64(c.Subtotal), int64(c.Tax), int64(c.Total), int64(c.Paid),
		c.Version, boolInt(c.ConflictPending), nullMillis(c.ClosedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update check: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update check: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("check %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

// ReplaceItems replaces the full item list of a check.
func (t *Tx) ReplaceItems(ctx context.Context, checkID string, items []model.LineItem) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM check_items WHERE check_id = ?`, checkID); err != nil {
		return fmt.Errorf("clear check items: %w", err)
	}
	for _, li := range items {
		mods := li.Modifiers
		if mods == nil {
			mods = []string{}
		}
		modJSON, err := json.Marshal(mods)
		if err != nil {
			return fmt.Errorf("marshal modifiers: %w", err)
		}
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO check_items
			(check_id, ordinal, menu_item_id, name, quantity, unit_price_cents, modifiers, voided)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, checkID, li.Ordinal, li.MenuItemID, li.Name, li.Quantity, int64(li.UnitPrice), string(modJSON), boolInt(li.Voided))
		if err != nil {
			return fmt.Errorf("insert check item %d: %w", li.Ordinal, err)
		}
	}
	return nil
}

// ReplacePayments replaces the full payment list of a check. Used when a
// conflict decision restores a snapshot.
func (t *Tx) ReplacePayments(ctx context.Context, checkID string, payments []model.Payment) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM check_payments WHERE check_id = ?`, checkID); err != nil {
		return fmt.Errorf("clear payments: %w", err)
	}
	for _, p := range payments {
		if err := t.InsertPayment(ctx, checkID, p); err != nil {
			return err
		}
	}
	return nil
}

// InsertPayment records a tender against a check.
func (t *Tx) InsertPayment(ctx context.Context, checkID string, p model.Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO check_payments (id, check_id, tender, amount_cents, reference, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, checkID, p.Tender, int64(p.Amount), p.Reference, toMillis(p.RecordedAt))
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// ListOpenChecks returns open checks ordered by number, without items.
func (t *Tx) ListOpenChecks(ctx context.Context) ([]model.Check, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id FROM checks WHERE status = 'open' ORDER BY workstation_id ASC, number ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list open checks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan check id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checks: %w", err)
	}

	checks := make([]model.Check, 0, len(ids))
	for _, id := range ids {
		c, err := t.GetCheck(ctx, id)
		if err != nil {
			return nil, err
		}
		checks = append(checks, c)
	}
	return checks, nil
}

// GetCheck reads a check outside a caller-managed transaction.
func (s *Store) GetCheck(ctx context.Context, id string) (model.Check, error) {
	var c model.Check
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		c, err = tx.GetCheck(ctx, id)
		return err
	})
	return c, err
}
