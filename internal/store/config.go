package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/caps/internal/model"
)

// PutConfig writes a config cache entry, inserting it when the key is new
// and updating it otherwise.
func (t *Tx) PutConfig(ctx context.Context, e model.ConfigCacheEntry) (UpsertResult, error) {
	var exists int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM config_cache WHERE key = ?`, e.Key).Scan(&exists); err != nil {
		return 0, fmt.Errorf("put config: lookup: %w", err)
	}

	if exists == 0 {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO config_cache (key, value, entity_type, entity_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, e.Key, string(e.Value), e.EntityType, e.EntityID, toMillis(e.UpdatedAt))
		if err != nil {
			return 0, fmt.Errorf("put config: insert %s: %w", e.Key, err)
		}
		return Inserted, nil
	}

	_, err := t.tx.ExecContext(ctx, `
		UPDATE config_cache SET value = ?, entity_type = ?, entity_id = ?, updated_at = ?
		WHERE key = ?
	`, string(e.Value), e.EntityType, e.EntityID, toMillis(e.UpdatedAt), e.Key)
	if err != nil {
		return 0, fmt.Errorf("put config: update %s: %w", e.Key, err)
	}
	return Updated, nil
}

// DeleteConfig removes a config cache entry. Deleting a missing key is not
// an error.
func (t *Tx) DeleteConfig(ctx context.Context, key string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM config_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete config %s: %w", key, err)
	}
	return nil
}

// GetConfig returns a config cache entry by key.
func (t *Tx) GetConfig(ctx context.Context, key string) (model.ConfigCacheEntry, error) {
	var e model.ConfigCacheEntry
	var value string
	var updatedAt int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT key, value, entity_type, entity_id, updated_at FROM config_cache WHERE key = ?
	`, key).Scan(&e.Key, &value, &e.EntityType, &e.EntityID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConfigCacheEntry{}, fmt.Errorf("config %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return model.ConfigCacheEntry{}, fmt.Errorf("get config: %w", err)
	}
	e.Value = []byte(value)
	e.UpdatedAt = fromMillis(updatedAt)
	return e, nil
}

// ListConfig returns all entries of one entity type ordered by entity id.
func (t *Tx) ListConfig(ctx context.Context, entityType string) ([]model.ConfigCacheEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT key, value, entity_type, entity_id, updated_at
		FROM config_cache
		WHERE entity_type = ?
		ORDER BY entity_id ASC
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()

	entries := []model.ConfigCacheEntry{}
	for rows.Next() {
		var e model.ConfigCacheEntry
		var value string
		var updatedAt int64
		if err := rows.Scan(&e.Key, &value, &e.EntityType, &e.EntityID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		e.Value = []byte(value)
		e.UpdatedAt = fromMillis(updatedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config: %w", err)
	}
	return entries, nil
}

// GetCursor returns a named synchronizer cursor, zero if never set.
func (t *Tx) GetCursor(ctx context.Context, name string) (int64, error) {
	var v int64
	err := t.tx.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor %s: %w", name, err)
	}
	return v, nil
}

// SetCursor stores a named synchronizer cursor.
func (t *Tx) SetCursor(ctx context.Context, name string, value int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_state (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, name, value)
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", name, err)
	}
	return nil
}
