package model

import (
	"encoding/json"
	"time"
)

// SyncQueueItem is one durable outbound message awaiting cloud acknowledgement.
type SyncQueueItem struct {
	ID            string     `json:"id"`
	Seq           int64      `json:"seq"`
	EntityType    string     `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	Stream        string     `json:"stream"`
	Action        string     `json:"action"`
	DedupeKey     string     `json:"dedupe_key"`
	Payload       []byte     `json:"payload"`
	Priority      int        `json:"priority"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Parked reports whether retries are exhausted and the item awaits review.
func (i SyncQueueItem) Parked() bool {
	return i.Attempts >= i.MaxAttempts
}

// Due reports whether the item is eligible for delivery at now.
func (i SyncQueueItem) Due(now time.Time) bool {
	return !i.Parked() && !i.NextAttemptAt.After(now)
}

// ConfigCacheEntry is one row of cloud-owned reference data.
type ConfigCacheEntry struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ConfigKey builds the cache key for an entity.
func ConfigKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}
