package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/caps/internal/model"
)

func TestCheck_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	c := createTestCheck("chk-1", "ws-1", 100)

	mustTx(t, s, func(tx *Tx) error { return tx.InsertCheck(ctx, c) })

	got, err := s.GetCheck(ctx, "chk-1")
	require.NoError(t, err)
	assert.Equal(t, c, got)
	assert.Equal(t, model.Cents(2003), got.Total)
	assert.Equal(t, "20.03", got.Total.String())
}

func TestCheck_UpdateAndPayments(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	c := createTestCheck("chk-1", "ws-1", 100)
	mustTx(t, s, func(tx *Tx) error { return tx.InsertCheck(ctx, c) })

	closedAt := testEpoch.Add(30 * time.Minute)
	pay := model.Payment{ID: "pay-1", Tender: "cash", Amount: 2003, RecordedAt: closedAt}
	mustTx(t, s, func(tx *Tx) error {
		if err := tx.InsertPayment(ctx, c.ID, pay); err != nil {
			return err
		}
		c.Paid = 2003
		c.Status = model.CheckClosed
		c.ClosedAt = &closedAt
		c.Version = 2
		return tx.UpdateCheck(ctx, c)
	})

	got, err := s.GetCheck(ctx, "chk-1")
	require.NoError(t, err)
	assert.Equal(t, model.CheckClosed, got.Status)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.ClosedAt)
	assert.True(t, closedAt.Equal(*got.ClosedAt))
	require.Len(t, got.Payments, 1)
	assert.Equal(t, pay, got.Payments[0])
}

func TestCheck_UpdateMissing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateCheck(ctx, createTestCheck("missing", "ws-1", 1))
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheck_DuplicateNumberPerWorkstationRejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustTx(t, s, func(tx *Tx) error { return tx.InsertCheck(ctx, createTestCheck("chk-1", "ws-1", 100)) })

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertCheck(ctx, createTestCheck("chk-2", "ws-1", 100))
	})
	assert.Error(t, err)
}

func TestCheck_ReplaceItems(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustTx(t, s, func(tx *Tx) error { return tx.InsertCheck(ctx, createTestCheck("chk-1", "ws-1", 100)) })

	items := []model.LineItem{{Ordinal: 1, MenuItemID: "soda", Name: "Soda", Quantity: 3, UnitPrice: 199, Voided: true}}
	mustTx(t, s, func(tx *Tx) error { return tx.ReplaceItems(ctx, "chk-1", items) })

	got, err := s.GetCheck(ctx, "chk-1")
	require.NoError(t, err)
	assert.Equal(t, items, got.Items)
}
