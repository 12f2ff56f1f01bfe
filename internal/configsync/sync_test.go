package configsync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/store"
	"github.com/roach88/caps/internal/testutil"
)

var testEpoch = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func newSync(t *testing.T) (*Synchronizer, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "caps.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, testutil.NewFakeClock(testEpoch)), s
}

func yes() *bool { b := true; return &b }
func no() *bool  { b := false; return &b }

func upsert(table, data string) Change {
	return Change{Table: table, Operation: OpUpsert, Data: json.RawMessage(data)}
}

func del(table, id string) Change {
	return Change{Table: table, Operation: OpDelete, Data: json.RawMessage(`{"id":"` + id + `"}`)}
}

func configKeys(t *testing.T, s *store.Store) []string {
	t.Helper()
	var keys []string
	require.NoError(t, s.WithTx(context.Background(), func(tx *store.Tx) error {
		for table := range tableRank {
			entries, err := tx.ListConfig(context.Background(), table)
			if err != nil {
				return err
			}
			for _, e := range entries {
				keys = append(keys, e.Key)
			}
		}
		return nil
	}))
	return keys
}

func TestApplyDelta_AppliesAndAdvancesVersion(t *testing.T) {
	syncer, s := newSync(t)
	ctx := context.Background()

	res, err := syncer.ApplyDelta(ctx, Delta{
		FromVersion:   0,
		ToVersion:     1,
		CALCompatible: yes(),
		Changes: []Change{
			// Deliberately out of dependency order.
			upsert("workstation", `{"id":"ws-a","range_start":1000,"range_end":1999}`),
			upsert("tax_rule", `{"id":"state","basis_points":825}`),
			upsert("property", `{"id":"p1","name":"Downtown"}`),
			upsert("enterprise", `{"id":"e1"}`),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Version: 1, Upserted: 4}, res)

	v, err := syncer.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	assert.ElementsMatch(t,
		[]string{"enterprise:e1", "property:p1", "tax_rule:state", "workstation:ws-a"},
		configKeys(t, s))

	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		r, err := tx.GetRange(ctx, "ws-a")
		require.NoError(t, err)
		assert.Equal(t, model.WorkstationRange{WorkstationID: "ws-a", RangeStart: 1000, RangeEnd: 1999, CurrentNumber: 1000}, r)
		return nil
	}))
}

func TestApplyDelta_Delete(t *testing.T) {
	syncer, s := newSync(t)
	ctx := context.Background()

	_, err := syncer.ApplyDelta(ctx, Delta{FromVersion: 0, ToVersion: 1, CALCompatible: yes(), Changes: []Change{
		upsert("menu_item", `{"id":"burger","price":1250}`),
		upsert("workstation", `{"id":"ws-a","range_start":1,"range_end":99}`),
	}})
	require.NoError(t, err)

	res, err := syncer.ApplyDelta(ctx, Delta{FromVersion: 1, ToVersion: 2, CALCompatible: yes(), Changes: []Change{
		del("menu_item", "burger"),
		del("workstation", "ws-a"),
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)
	assert.Empty(t, configKeys(t, s))

	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.GetRange(ctx, "ws-a")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func TestApplyDelta_AllOrNothing(t *testing.T) {
	syncer, s := newSync(t)
	ctx := context.Background()

	// Two valid rows, then ranges that overlap: the last check fails after
	// every change has been written inside the transaction.
	_, err := syncer.ApplyDelta(ctx, Delta{FromVersion: 0, ToVersion: 1, CALCompatible: yes(), Changes: []Change{
		upsert("enterprise", `{"id":"e1"}`),
		upsert("workstation", `{"id":"ws-a","range_start":1000,"range_end":1999}`),
		upsert("workstation", `{"id":"ws-b","range_start":1500,"range_end":2500}`),
	}})
	require.ErrorIs(t, err, ErrInvalidChange)

	v, err := syncer.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
	assert.Empty(t, configKeys(t, s))
	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		ranges, err := tx.ListRanges(ctx)
		require.NoError(t, err)
		assert.Empty(t, ranges)
		return nil
	}))
}

func TestApplyDelta_VersionMismatch(t *testing.T) {
	syncer, _ := newSync(t)
	_, err := syncer.ApplyDelta(context.Background(), Delta{FromVersion: 3, ToVersion: 4, CALCompatible: yes()})
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestApplyDelta_Refusals(t *testing.T) {
	syncer, _ := newSync(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		delta Delta
		want  error
	}{
		{"incompatible", Delta{FromVersion: 0, ToVersion: 1, CALCompatible: no()}, ErrIncompatible},
		{"missing compat flag", Delta{FromVersion: 0, ToVersion: 1}, ErrInvalidChange},
		{"backwards", Delta{FromVersion: 0, ToVersion: 0, CALCompatible: yes()}, ErrInvalidChange},
		{"unknown table", Delta{FromVersion: 0, ToVersion: 1, CALCompatible: yes(), Changes: []Change{
			upsert("enterprise", `{"id":"e1"}`),
			upsert("loyalty_tier", `{"id":"gold"}`),
		}}, ErrUnknownTable},
		{"bad operation", Delta{FromVersion: 0, ToVersion: 1, CALCompatible: yes(), Changes: []Change{
			{Table: "enterprise", Operation: "merge", Data: json.RawMessage(`{"id":"e1"}`)},
		}}, ErrInvalidChange},
		{"missing id", Delta{FromVersion: 0, ToVersion: 1, CALCompatible: yes(), Changes: []Change{
			upsert("enterprise", `{"name":"x"}`),
		}}, ErrInvalidChange},
		{"bad tax rate", Delta{FromVersion: 0, ToVersion: 1, CALCompatible: yes(), Changes: []Change{
			upsert("tax_rule", `{"id":"t","basis_points":20000}`),
		}}, ErrInvalidChange},
		{"inverted range", Delta{FromVersion: 0, ToVersion: 1, CALCompatible: yes(), Changes: []Change{
			upsert("workstation", `{"id":"ws-a","range_start":10,"range_end":5}`),
		}}, ErrInvalidChange},
		{"malformed data", Delta{FromVersion: 0, ToVersion: 1, CALCompatible: yes(), Changes: []Change{
			upsert("enterprise", `[1,2]`),
		}}, ErrInvalidChange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := syncer.ApplyDelta(ctx, tt.delta)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	v, err := syncer.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestApplyDelta_RangeReconfigureKeepsPosition(t *testing.T) {
	syncer, s := newSync(t)
	ctx := context.Background()

	_, err := syncer.ApplyDelta(ctx, Delta{FromVersion: 0, ToVersion: 1, CALCompatible: yes(), Changes: []Change{
		upsert("workstation", `{"id":"ws-a","range_start":1,"range_end":2}`),
	}})
	require.NoError(t, err)
	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		return tx.AdvanceRange(ctx, "ws-a", 1)
	}))

	_, err = syncer.ApplyDelta(ctx, Delta{FromVersion: 1, ToVersion: 2, CALCompatible: yes(), Changes: []Change{
		upsert("workstation", `{"id":"ws-a","range_start":1,"range_end":500}`),
	}})
	require.NoError(t, err)
	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		r, err := tx.GetRange(ctx, "ws-a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), r.CurrentNumber)
		return nil
	}))
}

func TestApplyDelta_ReAddedWorkstationKeepsIssuedNumbers(t *testing.T) {
	syncer, s := newSync(t)
	ctx := context.Background()

	_, err := syncer.ApplyDelta(ctx, Delta{FromVersion: 0, ToVersion: 1, CALCompatible: yes(), Changes: []Change{
		upsert("workstation", `{"id":"ws-a","range_start":1000,"range_end":1999}`),
	}})
	require.NoError(t, err)
	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		for n := int64(1000); n <= 1002; n++ {
			if err := tx.AdvanceRange(ctx, "ws-a", n); err != nil {
				return err
			}
		}
		return nil
	}))

	// Removed and re-added in one delta.
	_, err = syncer.ApplyDelta(ctx, Delta{FromVersion: 1, ToVersion: 2, CALCompatible: yes(), Changes: []Change{
		del("workstation", "ws-a"),
		upsert("workstation", `{"id":"ws-a","range_start":1000,"range_end":1999}`),
	}})
	require.NoError(t, err)
	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		r, err := tx.GetRange(ctx, "ws-a")
		require.NoError(t, err)
		assert.Equal(t, int64(1003), r.CurrentNumber)
		return nil
	}))

	// Removed, then re-added by a later delta. A new owner may take the
	// old numbers in between without tripping the overlap check.
	_, err = syncer.ApplyDelta(ctx, Delta{FromVersion: 2, ToVersion: 3, CALCompatible: yes(), Changes: []Change{
		del("workstation", "ws-a"),
		upsert("workstation", `{"id":"ws-b","range_start":1500,"range_end":1599}`),
	}})
	require.NoError(t, err)
	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.GetRange(ctx, "ws-a")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.Error(t, tx.AdvanceRange(ctx, "ws-a", 1003), "a retired range must not issue")
		return nil
	}))

	_, err = syncer.ApplyDelta(ctx, Delta{FromVersion: 3, ToVersion: 4, CALCompatible: yes(), Changes: []Change{
		del("workstation", "ws-b"),
		upsert("workstation", `{"id":"ws-a","range_start":1000,"range_end":1999}`),
	}})
	require.NoError(t, err)
	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		r, err := tx.GetRange(ctx, "ws-a")
		require.NoError(t, err)
		assert.Equal(t, int64(1003), r.CurrentNumber)
		return nil
	}))
}

func TestRank(t *testing.T) {
	e, _ := Rank("enterprise")
	ws, _ := Rank("workstation")
	assert.Less(t, e, ws)
	_, ok := Rank("nope")
	assert.False(t, ok)
}
