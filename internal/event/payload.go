package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/caps/internal/model"
)

// Entity types carried on the sync channel.
const (
	EntityCheck   = "check"
	EntityPayment = "payment"
)

// Kind names one variant of the Payload union on the wire.
type Kind string

const (
	KindCheckOpened      Kind = "check.opened"
	KindCheckUpdated     Kind = "check.updated"
	KindCheckClosed      Kind = "check.closed"
	KindCheckVoided      Kind = "check.voided"
	KindPaymentRecorded  Kind = "payment.recorded"
	KindConflictResolved Kind = "check.conflict_resolved"
)

// Priorities used when enqueuing. Financially final records go first.
const (
	PriorityNormal = 0
	PriorityFinal  = 10
)

// Payload is a sync payload variant. The interface is sealed: only the
// types in this file implement it.
type Payload interface {
	Kind() Kind
	EntityType() string
	EntityID() string
	Action() string
	// Version is the per-entity sequence the receiver deduplicates on.
	Version() int64
	// Priority orders delivery across entities.
	Priority() int
	// Stream is the ordering key: items sharing a stream are delivered in
	// enqueue order. Every payload about a check uses the check id.
	Stream() string

	sealed()
}

// CheckOpened announces a new check.
type CheckOpened struct {
	Check model.Check `json:"check"`
}

// CheckUpdated carries the full check after an item edit.
type CheckUpdated struct {
	Check model.Check `json:"check"`
}

// CheckClosed carries the final, fully paid check.
type CheckClosed struct {
	Check model.Check `json:"check"`
}

// CheckVoided carries a voided check and the reason.
type CheckVoided struct {
	Check  model.Check `json:"check"`
	Reason string      `json:"reason"`
}

// PaymentRecorded carries one tender applied to a check.
type PaymentRecorded struct {
	CheckID      string        `json:"check_id"`
	CheckVersion int64         `json:"check_version"`
	Payment      model.Payment `json:"payment"`
}

// ConflictResolved carries the check state a human chose for a conflict.
type ConflictResolved struct {
	ConflictID string         `json:"conflict_id"`
	Decision   model.Decision `json:"decision"`
	Check      model.Check    `json:"check"`
}

func (CheckOpened) Kind() Kind              { return KindCheckOpened }
func (CheckUpdated) Kind() Kind             { return KindCheckUpdated }
func (CheckClosed) Kind() Kind              { return KindCheckClosed }
func (CheckVoided) Kind() Kind              { return KindCheckVoided }
func (PaymentRecorded) Kind() Kind          { return KindPaymentRecorded }
func (ConflictResolved) Kind() Kind         { return KindConflictResolved }
func (CheckOpened) EntityType() string      { return EntityCheck }
func (CheckUpdated) EntityType() string     { return EntityCheck }
func (CheckClosed) EntityType() string      { return EntityCheck }
func (CheckVoided) EntityType() string      { return EntityCheck }
func (PaymentRecorded) EntityType() string  { return EntityPayment }
func (ConflictResolved) EntityType() string { return EntityCheck }

func (p CheckOpened) EntityID() string      { return p.Check.ID }
func (p CheckUpdated) EntityID() string     { return p.Check.ID }
func (p CheckClosed) EntityID() string      { return p.Check.ID }
func (p CheckVoided) EntityID() string      { return p.Check.ID }
func (p PaymentRecorded) EntityID() string  { return p.Payment.ID }
func (p ConflictResolved) EntityID() string { return p.Check.ID }

func (CheckOpened) Action() string      { return "opened" }
func (CheckUpdated) Action() string     { return "updated" }
func (CheckClosed) Action() string      { return "closed" }
func (CheckVoided) Action() string      { return "voided" }
func (PaymentRecorded) Action() string  { return "recorded" }
func (ConflictResolved) Action() string { return "conflict_resolved" }

func (p CheckOpened) Version() int64      { return p.Check.Version }
func (p CheckUpdated) Version() int64     { return p.Check.Version }
func (p CheckClosed) Version() int64      { return p.Check.Version }
func (p CheckVoided) Version() int64      { return p.Check.Version }
func (p PaymentRecorded) Version() int64  { return p.CheckVersion }
func (p ConflictResolved) Version() int64 { return p.Check.Version }

func (CheckOpened) Priority() int      { return PriorityNormal }
func (CheckUpdated) Priority() int     { return PriorityNormal }
func (CheckClosed) Priority() int      { return PriorityFinal }
func (CheckVoided) Priority() int      { return PriorityFinal }
func (PaymentRecorded) Priority() int  { return PriorityFinal }
func (ConflictResolved) Priority() int { return PriorityFinal }

func (p CheckOpened) Stream() string      { return p.Check.ID }
func (p CheckUpdated) Stream() string     { return p.Check.ID }
func (p CheckClosed) Stream() string      { return p.Check.ID }
func (p CheckVoided) Stream() string      { return p.Check.ID }
func (p PaymentRecorded) Stream() string  { return p.CheckID }
func (p ConflictResolved) Stream() string { return p.Check.ID }

func (CheckOpened) sealed()      {}
func (CheckUpdated) sealed()     {}
func (CheckClosed) sealed()      {}
func (CheckVoided) sealed()      {}
func (PaymentRecorded) sealed()  {}
func (ConflictResolved) sealed() {}

// envelope is the stored and transmitted form of a payload.
type envelope struct {
	Kind       Kind            `json:"kind"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Version    int64           `json:"version"`
	Data       json.RawMessage `json:"data"`
}

// Encode serialises p with its identity header in canonical JSON.
func Encode(p Payload) ([]byte, error) {
	return MarshalCanonical(map[string]any{
		"kind":        p.Kind(),
		"entity_type": p.EntityType(),
		"entity_id":   p.EntityID(),
		"action":      p.Action(),
		"version":     p.Version(),
		"data":        p,
	})
}

// Decode parses an encoded payload back into its variant.
func Decode(data []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var p Payload
	var err error
	switch env.Kind {
	case KindCheckOpened:
		p, err = decodeAs[CheckOpened](env.Data)
	case KindCheckUpdated:
		p, err = decodeAs[CheckUpdated](env.Data)
	case KindCheckClosed:
		p, err = decodeAs[CheckClosed](env.Data)
	case KindCheckVoided:
		p, err = decodeAs[CheckVoided](env.Data)
	case KindPaymentRecorded:
		p, err = decodeAs[PaymentRecorded](env.Data)
	case KindConflictResolved:
		p, err = decodeAs[ConflictResolved](env.Data)
	default:
		return nil, fmt.Errorf("decode payload: unknown kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", env.Kind, err)
	}
	return p, nil
}

func decodeAs[T Payload](data json.RawMessage) (Payload, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// CheckOf returns the check snapshot carried by p, if any.
func CheckOf(p Payload) (model.Check, bool) {
	switch v := p.(type) {
	case CheckOpened:
		return v.Check, true
	case CheckUpdated:
		return v.Check, true
	case CheckClosed:
		return v.Check, true
	case CheckVoided:
		return v.Check, true
	case ConflictResolved:
		return v.Check, true
	case PaymentRecorded:
		return model.Check{}, false
	default:
		panic(fmt.Sprintf("event: unhandled payload %T", p))
	}
}
