// Package cloud is the host's side of the cloud sync channel.
//
// The channel is a single WebSocket carrying versioned JSON envelopes. After
// a challenge/response handshake the host sends heartbeats and batches of
// queued items; the cloud pushes configuration deltas and answers batches
// with per-item results. Envelopes older than the configured minimum
// version are refused outright, and unknown fields are ignored.
package cloud

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/caps/internal/replay"
)

// ProtocolVersion is the envelope version this host writes.
const ProtocolVersion = 1

// MessageType names an envelope's payload.
type MessageType string

const (
	TypeHello           MessageType = "HELLO"
	TypeChallenge       MessageType = "CHALLENGE"
	TypeAuth            MessageType = "AUTH"
	TypeAuthOK          MessageType = "AUTH_OK"
	TypeHeartbeat       MessageType = "HEARTBEAT"
	TypeHeartbeatAck    MessageType = "HEARTBEAT_ACK"
	TypeConfigDelta     MessageType = "CONFIG_DELTA"
	TypeConfigAck       MessageType = "CONFIG_ACK"
	TypeTransactionPost MessageType = "TRANSACTION_POST"
	TypeReplayBatch     MessageType = "REPLAY_BATCH"
	TypeBatchAck        MessageType = "BATCH_ACK"
	TypeError           MessageType = "ERROR"
)

var (
	// ErrVersionTooOld is returned for an envelope below the minimum
	// supported version. Its payload is not interpreted.
	ErrVersionTooOld = errors.New("envelope version below minimum supported")
	// ErrMalformed is returned for an envelope that does not parse or
	// fails validation.
	ErrMalformed = errors.New("malformed envelope")
)

// Envelope wraps every message on the channel.
type Envelope struct {
	V             int             `json:"v" validate:"gte=1"`
	Type          MessageType     `json:"type" validate:"required"`
	ID            string          `json:"id" validate:"required"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Hello opens the handshake.
type Hello struct {
	PropertyID string `json:"property_id"`
	HostID     string `json:"host_id"`
}

// Challenge carries the nonce the host must sign.
type Challenge struct {
	Nonce string `json:"nonce" validate:"required"`
}

// Auth answers a Challenge.
type Auth struct {
	PropertyID string `json:"property_id"`
	Signature  string `json:"signature"`
}

// ErrorBody is the payload of an ERROR envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchItem is one queue item on the wire.
type BatchItem struct {
	ItemID     string          `json:"item_id"`
	DedupeKey  string          `json:"dedupe_key"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
}

// Batch is the payload of TRANSACTION_POST and REPLAY_BATCH.
type Batch struct {
	Items []BatchItem `json:"items"`
}

// BatchAck is the cloud's per-item answer to a Batch.
type BatchAck struct {
	Results []replay.Ack `json:"results" validate:"dive"`
}

// ConfigAck answers a CONFIG_DELTA. Error is empty on success.
type ConfigAck struct {
	Version int64  `json:"version"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

var validate = validator.New()

// Decode parses and validates an envelope. minVersion is checked before
// anything else about the payload.
func Decode(data []byte, minVersion int) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.V < minVersion {
		return Envelope{}, fmt.Errorf("%w: got v%d, need v%d", ErrVersionTooOld, env.V, minVersion)
	}
	if err := validate.Struct(env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// Unmarshal decodes an envelope's payload into v and validates it.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// Sign computes the handshake signature for nonce.
func Sign(secret []byte, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a handshake signature in constant time.
func Verify(secret []byte, nonce, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(nonce))
	return hmac.Equal(mac.Sum(nil), got)
}
