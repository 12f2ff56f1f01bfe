package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/caps/internal/model"
)

func ids(items []model.SyncQueueItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestDueQueueItems_PriorityThenAge(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustTx(t, s, func(tx *Tx) error {
		for _, it := range []model.SyncQueueItem{
			createTestQueueItem("a", "chk-1", 0, testEpoch),
			createTestQueueItem("b", "chk-2", 10, testEpoch.Add(time.Second)),
			createTestQueueItem("c", "chk-3", 0, testEpoch.Add(-time.Second)),
		} {
			if _, err := tx.InsertQueueItem(ctx, it); err != nil {
				return err
			}
		}
		return nil
	})

	mustTx(t, s, func(tx *Tx) error {
		items, err := tx.DueQueueItems(ctx, testEpoch.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "a"}, ids(items))

		items, err = tx.DueQueueItems(ctx, testEpoch.Add(time.Minute), 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, ids(items))
		return nil
	})
}

func TestDueQueueItems_StreamHeadOfLine(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := createTestQueueItem("first", "chk-1", 0, testEpoch)
	first.NextAttemptAt = testEpoch.Add(time.Hour) // backing off
	second := createTestQueueItem("second", "chk-1", 10, testEpoch.Add(time.Second))

	mustTx(t, s, func(tx *Tx) error {
		for _, it := range []model.SyncQueueItem{first, second} {
			if _, err := tx.InsertQueueItem(ctx, it); err != nil {
				return err
			}
		}
		items, err := tx.DueQueueItems(ctx, testEpoch.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, items, "a later item must not overtake an earlier one in the same stream")

		items, err = tx.DueQueueItems(ctx, testEpoch.Add(2*time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"first"}, ids(items))
		return nil
	})
}

func TestQueue_AttemptsParkAndStats(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := testEpoch.Add(time.Minute)

	mustTx(t, s, func(tx *Tx) error {
		_, err := tx.InsertQueueItem(ctx, createTestQueueItem("a", "chk-1", 0, testEpoch))
		require.NoError(t, err)
		_, err = tx.InsertQueueItem(ctx, createTestQueueItem("b", "chk-2", 0, testEpoch))
		require.NoError(t, err)

		require.NoError(t, tx.UpdateQueueAttempt(ctx, "a", 3, now, now.Add(time.Minute), "cloud 503"))
		require.NoError(t, tx.UpdateQueueAttempt(ctx, "b", 1, now, now.Add(time.Minute), "timeout"))

		st, err := tx.QueueStats(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, QueueStats{Total: 2, Due: 0, Waiting: 1, Parked: 1}, st)

		parked, err := tx.ListParkedQueueItems(ctx)
		require.NoError(t, err)
		require.Len(t, parked, 1)
		assert.Equal(t, "cloud 503", parked[0].ErrorMessage)
		assert.True(t, parked[0].Parked())

		require.NoError(t, tx.ResetQueueAttempts(ctx, "a", now))
		it, err := tx.GetQueueItem(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 0, it.Attempts)
		assert.True(t, it.Due(now))

		ok, err := tx.DeleteQueueItem(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = tx.GetQueueItem(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
}

func TestQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.InsertQueueItem(ctx, createTestQueueItem("a", "chk-1", 0, testEpoch))
		return err
	}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		items, err := tx.DueQueueItems(ctx, testEpoch, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids(items))
		return nil
	}))
}
