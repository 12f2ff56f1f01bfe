package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/caps/internal/model"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// mustTx runs fn in a transaction and fails the test on error.
func mustTx(t *testing.T, s *Store, fn func(tx *Tx) error) {
	t.Helper()
	if err := s.WithTx(context.Background(), fn); err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}
}

var testEpoch = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

// createTestCheck creates an open check with two items.
func createTestCheck(id, workstationID string, number int64) model.Check {
	return model.Check{
		ID:            id,
		Number:        number,
		WorkstationID: workstationID,
		EmployeeID:    "emp-1",
		Status:        model.CheckOpen,
		Subtotal:      1850,
		Tax:           153,
		Total:         2003,
		Version:       1,
		OpenedAt:      testEpoch,
		Items: []model.LineItem{
			{Ordinal: 1, MenuItemID: "burger", Name: "Burger", Quantity: 1, UnitPrice: 1250},
			{Ordinal: 2, MenuItemID: "fries", Name: "Fries", Quantity: 2, UnitPrice: 300, Modifiers: []string{"no salt"}},
		},
		Payments: []model.Payment{},
	}
}

// createTestQueueItem creates a due queue item for a stream.
func createTestQueueItem(id, stream string, priority int, createdAt time.Time) model.SyncQueueItem {
	return model.SyncQueueItem{
		ID:            id,
		EntityType:    "check",
		EntityID:      stream,
		Stream:        stream,
		Action:        "updated",
		DedupeKey:     "key-" + id,
		Payload:       []byte(`{}`),
		Priority:      priority,
		MaxAttempts:   3,
		NextAttemptAt: createdAt,
		CreatedAt:     createdAt,
	}
}

func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

func tableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
	return err == nil
}

func openRaw(path string) (*sql.DB, error) {
	return sql.Open("sqlite3", "file:"+path)
}
