package checks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/caps/internal/event"
	"github.com/roach88/caps/internal/model"
)

var lunch = []model.LineItem{
	{Ordinal: 1, MenuItemID: "burger", Name: "Burger", Quantity: 1, UnitPrice: 1250},
	{Ordinal: 2, MenuItemID: "fries", Name: "Fries", Quantity: 2, UnitPrice: 300, Modifiers: []string{"no salt"}},
}

func TestOpenCheck(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, "ws-a")

	assert.Equal(t, "chk-0001", c.ID)
	assert.Equal(t, int64(1000), c.Number)
	assert.Equal(t, model.CheckOpen, c.Status)
	assert.Equal(t, int64(1), c.Version)

	got, err := f.mgr.GetCheck(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	locks, err := f.mgr.ListLocks(context.Background())
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "ws-a", locks[0].WorkstationID)

	queued := f.queued(t)
	require.Len(t, queued, 1)
	assert.Equal(t, event.KindCheckOpened, queued[0].Kind())

	open, err := f.mgr.ListOpenChecks(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestOpenCheck_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.OpenCheck(context.Background(), OpenRequest{WorkstationID: "ws-a"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGetCheck_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.GetCheck(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrCheckNotFound)
}

func TestSaveItems_ComputesTotalsWithTax(t *testing.T) {
	f := newFixture(t)
	f.setTaxRule(t, "state", TaxRule{Name: "State", BasisPoints: 825})
	c := f.open(t, "ws-a")

	c, err := f.mgr.SaveItems(context.Background(), "ws-a", c.ID, 1, lunch)
	require.NoError(t, err)
	assert.Equal(t, model.Cents(1850), c.Subtotal)
	// 18.50 * 8.25% = 1.52625, rounded to 1.53
	assert.Equal(t, model.Cents(153), c.Tax)
	assert.Equal(t, model.Cents(2003), c.Total)
	assert.Equal(t, int64(2), c.Version)

	got, err := f.mgr.GetCheck(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestSaveItems_TaxRulesAccumulateBeforeRounding(t *testing.T) {
	f := newFixture(t)
	f.setTaxRule(t, "state", TaxRule{BasisPoints: 625})
	f.setTaxRule(t, "city", TaxRule{BasisPoints: 125})
	f.setTaxRule(t, "bar", TaxRule{BasisPoints: 1000, RevenueCenterID: "bar"})
	c := f.open(t, "ws-a")

	c, err := f.mgr.SaveItems(context.Background(), "ws-a", c.ID, 1, []model.LineItem{
		{Ordinal: 1, MenuItemID: "soda", Name: "Soda", Quantity: 1, UnitPrice: 199},
	})
	require.NoError(t, err)
	// 1.99 * 7.5% = 0.14925 -> 0.15; per-rule rounding would give 0.12 + 0.02.
	assert.Equal(t, model.Cents(15), c.Tax)
}

func TestSaveItems_VoidedItemsExcluded(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, "ws-a")
	items := append([]model.LineItem{}, lunch...)
	items[1].Voided = true

	c, err := f.mgr.SaveItems(context.Background(), "ws-a", c.ID, 1, items)
	require.NoError(t, err)
	assert.Equal(t, model.Cents(1250), c.Subtotal)
}

func TestSaveItems_VersionMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "ws-a")

	_, err := f.mgr.SaveItems(ctx, "ws-a", c.ID, 1, lunch)
	require.NoError(t, err)
	_, err = f.mgr.SaveItems(ctx, "ws-a", c.ID, 1, lunch[:1])
	assert.ErrorIs(t, err, ErrVersionMismatch)

	got, err := f.mgr.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, got.Items, 2)
}

func TestSaveItems_InvalidItems(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, "ws-a")
	for name, items := range map[string][]model.LineItem{
		"zero ordinal":  {{Ordinal: 0, MenuItemID: "x", Quantity: 1}},
		"duplicate":     {{Ordinal: 1, MenuItemID: "x", Quantity: 1}, {Ordinal: 1, MenuItemID: "y", Quantity: 1}},
		"no menu item":  {{Ordinal: 1, Quantity: 1}},
		"zero quantity": {{Ordinal: 1, MenuItemID: "x"}},
		"negative":      {{Ordinal: 1, MenuItemID: "x", Quantity: 1, UnitPrice: -1}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.mgr.SaveItems(context.Background(), "ws-a", c.ID, 1, items)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestSaveItems_RequiresLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "ws-a")

	_, err := f.mgr.SaveItems(ctx, "ws-b", c.ID, 1, lunch)
	assert.ErrorIs(t, err, ErrLockNotHeld)

	// An expired lock is not held by anyone.
	f.clk.Advance(lockTTL)
	_, err = f.mgr.SaveItems(ctx, "ws-a", c.ID, 1, lunch)
	assert.ErrorIs(t, err, ErrLockNotHeld)
}

func TestSaveItems_ExtendsLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "ws-a")

	f.clk.Advance(4 * time.Minute)
	_, err := f.mgr.SaveItems(ctx, "ws-a", c.ID, 1, lunch)
	require.NoError(t, err)

	f.clk.Advance(4 * time.Minute)
	_, err = f.mgr.SaveItems(ctx, "ws-a", c.ID, 2, lunch[:1])
	require.NoError(t, err, "the first edit moved the expiry forward")
}

func TestPaymentAndClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setTaxRule(t, "state", TaxRule{BasisPoints: 825})
	c := f.open(t, "ws-a")
	c, err := f.mgr.SaveItems(ctx, "ws-a", c.ID, 1, lunch)
	require.NoError(t, err)

	c, err = f.mgr.AddPayment(ctx, "ws-a", c.ID, PaymentRequest{Tender: "cash", Amount: 2000})
	require.NoError(t, err)
	assert.Equal(t, model.Cents(2000), c.Paid)
	assert.Equal(t, model.Cents(3), c.Balance())

	_, err = f.mgr.CloseCheck(ctx, "ws-a", c.ID)
	assert.ErrorIs(t, err, ErrUnderpaid)

	c, err = f.mgr.AddPayment(ctx, "ws-a", c.ID, PaymentRequest{Tender: "card", Amount: 3, Reference: "auth-77"})
	require.NoError(t, err)
	require.Len(t, c.Payments, 2)

	closed, err := f.mgr.CloseCheck(ctx, "ws-a", c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, int64(5), closed.Version)

	locks, err := f.mgr.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks, "closing releases the lock")

	_, err = f.mgr.AddPayment(ctx, "ws-a", c.ID, PaymentRequest{Tender: "cash", Amount: 1})
	assert.ErrorIs(t, err, ErrCheckNotOpen)

	var kinds []event.Kind
	for _, p := range f.queued(t) {
		kinds = append(kinds, p.Kind())
	}
	assert.Equal(t, []event.Kind{
		event.KindCheckOpened,
		event.KindCheckUpdated,
		event.KindPaymentRecorded,
		event.KindPaymentRecorded,
		event.KindCheckClosed,
	}, kinds)
}

func TestAddPayment_Validation(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, "ws-a")
	_, err := f.mgr.AddPayment(context.Background(), "ws-a", c.ID, PaymentRequest{Tender: "cash"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestVoidCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, "ws-a")

	_, err := f.mgr.VoidCheck(ctx, "ws-b", c.ID, "mistake")
	assert.ErrorIs(t, err, ErrLockNotHeld)

	v, err := f.mgr.VoidCheck(ctx, "ws-a", c.ID, "mistake")
	require.NoError(t, err)
	assert.Equal(t, model.CheckVoided, v.Status)

	queued := f.queued(t)
	require.Len(t, queued, 2)
	voided, ok := queued[1].(event.CheckVoided)
	require.True(t, ok)
	assert.Equal(t, "mistake", voided.Reason)
}
