package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainSyncItem separates dedupe-key hashes from any other SHA-256 use.
const DomainSyncItem = "caps/sync-item/v1"

func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DedupeKey computes the receiver-side idempotency key for a payload.
// The same entity, action and version always yield the same key.
func DedupeKey(p Payload) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"entity_type": p.EntityType(),
		"entity_id":   p.EntityID(),
		"action":      p.Action(),
		"version":     p.Version(),
	})
	if err != nil {
		return "", fmt.Errorf("dedupe key: %w", err)
	}
	return hashWithDomain(DomainSyncItem, canonical), nil
}
