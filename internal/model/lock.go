package model

import "time"

// LockType distinguishes editing locks from read-only view markers.
type LockType string

const (
	LockActive LockType = "active"
	LockView   LockType = "view"
)

// CheckLock records which workstation may edit a check.
// At most one non-expired active lock exists per check.
type CheckLock struct {
	CheckID       string    `json:"check_id"`
	WorkstationID string    `json:"workstation_id"`
	EmployeeID    string    `json:"employee_id"`
	LockType      LockType  `json:"lock_type"`
	LockedAt      time.Time `json:"locked_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired reports whether the lock has lapsed at now.
func (l CheckLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// WorkstationRange is the check-number range assigned to one workstation.
// CurrentNumber is the next number to issue; it never decreases.
type WorkstationRange struct {
	WorkstationID string `json:"workstation_id"`
	RangeStart    int64  `json:"range_start"`
	RangeEnd      int64  `json:"range_end"`
	CurrentNumber int64  `json:"current_number"`
}

// Exhausted reports whether every number in the range has been issued.
func (r WorkstationRange) Exhausted() bool {
	return r.CurrentNumber > r.RangeEnd
}

// Overlaps reports whether two ranges share any number.
func (r WorkstationRange) Overlaps(o WorkstationRange) bool {
	return r.RangeStart <= o.RangeEnd && o.RangeStart <= r.RangeEnd
}
