package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/caps/internal/model"
)

const queueColumns = `seq, id, entity_type, entity_id, stream, action, dedupe_key, payload,
	priority, attempts, max_attempts, last_attempt_at, next_attempt_at, error_message, created_at`

// InsertQueueItem appends a row to the sync queue. Seq is assigned by the
// store and returned.
func (t *Tx) InsertQueueItem(ctx context.Context, item model.SyncQueueItem) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_queue
		(id, entity_type, entity_id, stream, action, dedupe_key, payload,
		 priority, attempts, max_attempts, last_attempt_at, next_attempt_at, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.EntityType, item.EntityID, item.Stream, item.Action, item.DedupeKey, item.Payload,
		item.Priority, item.Attempts, item.MaxAttempts, nullMillis(item.LastAttemptAt),
		toMillis(item.NextAttemptAt), item.ErrorMessage, toMillis(item.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert queue item: %w", err)
	}
	return res.LastInsertId()
}

// DueQueueItems returns up to limit items eligible for delivery at now,
// ordered by priority desc then creation asc.
//
// Only the oldest undelivered item of each stream is considered: a later
// item never overtakes an earlier one for the same stream, even when the
// earlier one is backing off or parked.
func (t *Tx) DueQueueItems(ctx context.Context, now time.Time, limit int) ([]model.SyncQueueItem, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM sync_queue q
		WHERE q.attempts < q.max_attempts
		  AND q.next_attempt_at <= ?
		  AND NOT EXISTS (
		      SELECT 1 FROM sync_queue p
		      WHERE p.stream = q.stream AND p.seq < q.seq
		  )
		ORDER BY q.priority DESC, q.created_at ASC, q.seq ASC
		LIMIT ?
	`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due items: %w", err)
	}
	return collectQueueItems(rows)
}

// GetQueueItem returns a queue row by id.
func (t *Tx) GetQueueItem(ctx context.Context, id string) (model.SyncQueueItem, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return model.SyncQueueItem{}, fmt.Errorf("get queue item: %w", err)
	}
	items, err := collectQueueItems(rows)
	if err != nil {
		return model.SyncQueueItem{}, err
	}
	if len(items) == 0 {
		return model.SyncQueueItem{}, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	return items[0], nil
}

// UpdateQueueAttempt records the outcome of a failed delivery attempt.
func (t *Tx) UpdateQueueAttempt(ctx context.Context, id string, attempts int, lastAttempt, nextAttempt time.Time, errMsg string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sync_queue SET attempts = ?, last_attempt_at = ?, next_attempt_at = ?, error_message = ?
		WHERE id = ?
	`, attempts, toMillis(lastAttempt), toMillis(nextAttempt), errMsg, id)
	if err != nil {
		return fmt.Errorf("update queue attempt: %w", err)
	}
	return expectOne(res, "queue item", id)
}

// ResetQueueAttempts clears the attempt counter of a parked item so it is
// eligible again at nextAttempt.
func (t *Tx) ResetQueueAttempts(ctx context.Context, id string, nextAttempt time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sync_queue SET attempts = 0, next_attempt_at = ?, error_message = ''
		WHERE id = ?
	`, toMillis(nextAttempt), id)
	if err != nil {
		return fmt.Errorf("reset queue attempts: %w", err)
	}
	return expectOne(res, "queue item", id)
}

// DeleteQueueItem removes a delivered item.
func (t *Tx) DeleteQueueItem(ctx context.Context, id string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete queue item: rows affected: %w", err)
	}
	return n > 0, nil
}

// ListParkedQueueItems returns items whose retries are exhausted.
func (t *Tx) ListParkedQueueItems(ctx context.Context) ([]model.SyncQueueItem, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE attempts >= max_attempts
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list parked items: %w", err)
	}
	return collectQueueItems(rows)
}

// ListQueueItemsForStream returns all undelivered items of a stream in order.
func (t *Tx) ListQueueItemsForStream(ctx context.Context, stream string) ([]model.SyncQueueItem, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue WHERE stream = ? ORDER BY seq ASC
	`, stream)
	if err != nil {
		return nil, fmt.Errorf("list stream items: %w", err)
	}
	return collectQueueItems(rows)
}

// QueueStats summarises the queue at now.
type QueueStats struct {
	Total   int `json:"total"`
	Due     int `json:"due"`
	Waiting int `json:"waiting"`
	Parked  int `json:"parked"`
}

// QueueStats counts queue rows by delivery state.
func (t *Tx) QueueStats(ctx context.Context, now time.Time) (QueueStats, error) {
	var st QueueStats
	err := t.tx.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN attempts < max_attempts AND next_attempt_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN attempts < max_attempts AND next_attempt_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN attempts >= max_attempts THEN 1 ELSE 0 END), 0)
		FROM sync_queue
	`, toMillis(now), toMillis(now)).Scan(&st.Total, &st.Due, &st.Waiting, &st.Parked)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

func collectQueueItems(rows *sql.Rows) ([]model.SyncQueueItem, error) {
	defer rows.Close()

	items := []model.SyncQueueItem{}
	for rows.Next() {
		var it model.SyncQueueItem
		var lastAttempt sql.NullInt64
		var nextAttempt, createdAt int64
		if err := rows.Scan(
			&it.Seq, &it.ID, &it.EntityType, &it.EntityID, &it.Stream, &it.Action, &it.DedupeKey, &it.Payload,
			&it.Priority, &it.Attempts, &it.MaxAttempts, &lastAttempt, &nextAttempt, &it.ErrorMessage, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		it.LastAttemptAt = fromNullMillis(lastAttempt)
		it.NextAttemptAt = fromMillis(nextAttempt)
		it.CreatedAt = fromMillis(createdAt)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}
	return items, nil
}

func expectOne(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: rows affected: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}
