package replay

import (
	"errors"
	"fmt"
)

// DeliveryKind says whether a failed delivery is worth retrying.
type DeliveryKind int

const (
	// Transient failures are retried with backoff until the item parks.
	Transient DeliveryKind = iota
	// Permanent failures park the item at once for operator review.
	Permanent
)

func (k DeliveryKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("DeliveryKind(%d)", int(k))
	}
}

// DeliveryError describes why a queue item was not acknowledged.
type DeliveryError struct {
	Kind   DeliveryKind
	ItemID string
	Reason string
	Err    error
}

func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("%s delivery failure", e.Kind)
	if e.ItemID != "" {
		msg += " for item " + e.ItemID
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a DeliveryError that should be retried.
func IsTransient(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == Transient
}

// IsPermanent reports whether err is a DeliveryError that must not be retried.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == Permanent
}
