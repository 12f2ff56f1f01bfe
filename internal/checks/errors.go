package checks

import (
	"errors"
	"fmt"

	"github.com/roach88/caps/internal/model"
)

var (
	// ErrCheckNotFound is returned for an unknown check id.
	ErrCheckNotFound = errors.New("check not found")
	// ErrCheckNotOpen is returned when mutating a closed or voided check.
	ErrCheckNotOpen = errors.New("check is not open")
	// ErrLockNotHeld is returned when a workstation edits a check whose
	// active lock it does not hold.
	ErrLockNotHeld = errors.New("workstation does not hold the check lock")
	// ErrVersionMismatch is returned when an edit is based on an older
	// version of the check than the stored one.
	ErrVersionMismatch = errors.New("check version mismatch")
	// ErrConflictPending is returned when a stale write was captured for
	// review instead of being applied.
	ErrConflictPending = errors.New("check has a pending conflict; write held for review")
	// ErrUnderpaid is returned when closing a check whose payments do not
	// cover its total.
	ErrUnderpaid = errors.New("check is not fully paid")
	// ErrInvalidRequest is returned for malformed items or payments.
	ErrInvalidRequest = errors.New("invalid request")
)

// ConflictClass distinguishes a lock held by a reachable workstation from
// one held by a workstation presumed offline.
type ConflictClass string

const (
	// SoftConflict: the holder is reachable; the check is simply in use.
	SoftConflict ConflictClass = "soft"
	// HardConflict: the holder is presumed unreachable. Overriding it opens
	// a conflict record.
	HardConflict ConflictClass = "hard"
)

// Valid reports whether c is a known class.
func (c ConflictClass) Valid() bool {
	return c == SoftConflict || c == HardConflict
}

// LockConflictError is returned when a lock is held by another workstation.
// It is never retried automatically; the caller decides whether to
// override.
type LockConflictError struct {
	Class   ConflictClass
	CheckID string
	Holder  model.CheckLock
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("LOCK_CONFLICT_%s: check %s is locked by workstation %s until %s",
		upper(e.Class), e.CheckID, e.Holder.WorkstationID, e.Holder.ExpiresAt.Format("15:04:05"))
}

// IsLockConflict reports whether err is a LockConflictError.
// Uses errors.As to handle wrapped errors.
func IsLockConflict(err error) bool {
	var le *LockConflictError
	return errors.As(err, &le)
}

// RangeErrorCode categorizes check-number allocation failures.
type RangeErrorCode string

const (
	// ErrCodeRangeExhausted: the workstation has issued every number in
	// its range. Numbering stops until an operator assigns a new range.
	ErrCodeRangeExhausted RangeErrorCode = "RANGE_EXHAUSTED"
	// ErrCodeRangeOverlap: the workstation's range overlaps another's.
	ErrCodeRangeOverlap RangeErrorCode = "RANGE_OVERLAP"
	// ErrCodeRangeMissing: no range is configured for the workstation.
	ErrCodeRangeMissing RangeErrorCode = "RANGE_NOT_CONFIGURED"
)

// RangeError reports why a check number could not be issued.
type RangeError struct {
	Code          RangeErrorCode
	WorkstationID string
	Range         model.WorkstationRange
	// Other is the overlapping range for ErrCodeRangeOverlap.
	Other *model.WorkstationRange
}

func (e *RangeError) Error() string {
	switch e.Code {
	case ErrCodeRangeExhausted:
		return fmt.Sprintf("%s: workstation %s issued all numbers %d-%d",
			e.Code, e.WorkstationID, e.Range.RangeStart, e.Range.RangeEnd)
	case ErrCodeRangeOverlap:
		return fmt.Sprintf("%s: workstation %s range %d-%d overlaps workstation %s range %d-%d",
			e.Code, e.WorkstationID, e.Range.RangeStart, e.Range.RangeEnd,
			e.Other.WorkstationID, e.Other.RangeStart, e.Other.RangeEnd)
	default:
		return fmt.Sprintf("%s: workstation %s", e.Code, e.WorkstationID)
	}
}

// IsRangeExhausted reports whether err is a RangeError for an exhausted
// range. Uses errors.As to handle wrapped errors.
func IsRangeExhausted(err error) bool {
	var re *RangeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeRangeExhausted
	}
	return false
}

// IsRangeError reports whether err is any RangeError.
func IsRangeError(err error) bool {
	var re *RangeError
	return errors.As(err, &re)
}

func upper(c ConflictClass) string {
	switch c {
	case SoftConflict:
		return "SOFT"
	case HardConflict:
		return "HARD"
	}
	return string(c)
}
