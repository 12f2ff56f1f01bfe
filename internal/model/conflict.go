package model

import "time"

// ConflictSource records what detected a divergence.
type ConflictSource string

const (
	// SourceOverride: a lock was taken over from an unreachable workstation
	// and that workstation later submitted its own edit.
	SourceOverride ConflictSource = "override"
	// SourceReplay: the cloud reported a different authoritative state.
	SourceReplay ConflictSource = "replay"
)

// ConflictStatus is the lifecycle of a conflict record.
type ConflictStatus string

const (
	ConflictAwaiting ConflictStatus = "awaiting"
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// Decision is the human choice that closes a conflict.
type Decision string

const (
	KeepLocal   Decision = "keep_local"
	KeepRemote  Decision = "keep_remote"
	ManualMerge Decision = "manual_merge"
)

// Valid reports whether d is one of the recognised decisions.
func (d Decision) Valid() bool {
	switch d {
	case KeepLocal, KeepRemote, ManualMerge:
		return true
	}
	return false
}

// Conflict pairs two immutable check snapshots awaiting a human decision.
//
// Awaiting conflicts hold only the pre-override baseline; they become
// Pending once the divergent local edit arrives.
type Conflict struct {
	ID                  string         `json:"id"`
	CheckID             string         `json:"check_id"`
	Source              ConflictSource `json:"source"`
	Status              ConflictStatus `json:"status"`
	Baseline            *Check         `json:"baseline,omitempty"`
	Local               *Check         `json:"local,omitempty"`
	Remote              *Check         `json:"remote,omitempty"`
	LocalWorkstationID  string         `json:"local_workstation_id"`
	RemoteWorkstationID string         `json:"remote_workstation_id"`
	Decision            Decision       `json:"decision,omitempty"`
	ResolvedBy          string         `json:"resolved_by,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	ResolvedAt          *time.Time     `json:"resolved_at,omitempty"`
}
