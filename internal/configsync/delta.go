// Package configsync applies configuration deltas pushed by the cloud to
// the local config cache.
//
// A delta moves the cache from one version to the next. It is applied in a
// single transaction, in dependency order, and the stored version only
// advances when that transaction commits, so an interrupted apply is simply
// retried from the previous version.
package configsync

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrVersionMismatch is returned when a delta does not start at the
	// locally stored version.
	ErrVersionMismatch = errors.New("config delta version mismatch")
	// ErrIncompatible is returned for a delta the deployed package version
	// cannot accept.
	ErrIncompatible = errors.New("config delta is not compatible with this service version")
	// ErrUnknownTable is returned for a change to a table this service does
	// not know. The whole delta is refused.
	ErrUnknownTable = errors.New("config delta names an unknown table")
	// ErrInvalidChange is returned for a change that fails validation.
	ErrInvalidChange = errors.New("invalid config change")
)

// Operation is what a change does to its row.
type Operation string

const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// Change is one row-level edit.
type Change struct {
	Table     string          `json:"table" validate:"required"`
	Operation Operation       `json:"operation" validate:"required,oneof=upsert delete"`
	Data      json.RawMessage `json:"data" validate:"required"`
}

// Delta is a CONFIG_DELTA body.
type Delta struct {
	FromVersion int64 `json:"from_version" validate:"gte=0"`
	ToVersion   int64 `json:"to_version" validate:"gtfield=FromVersion"`
	// CALCompatible is read from the deployment metadata attached to the
	// delta. It must be present.
	CALCompatible *bool    `json:"cal_compatible" validate:"required"`
	Changes       []Change `json:"changes" validate:"dive"`
}

// Result summarises an applied delta.
type Result struct {
	Version  int64 `json:"version"`
	Upserted int   `json:"upserted"`
	Deleted  int   `json:"deleted"`
}

// Tables in dependency order. A table references only tables with a lower
// rank, so applying changes rank by rank never leaves a dangling id.
var tableRank = map[string]int{
	"enterprise":     0,
	"property":       1,
	"revenue_center": 2,
	"employee":       3,
	"role":           3,
	"menu_item":      4,
	"tax_rule":       4,
	"pricing":        4,
	"workstation":    5,
	"printer":        5,
}

// Rank returns a table's position in the apply order.
func Rank(table string) (int, bool) {
	r, ok := tableRank[table]
	return r, ok
}

// rowID is the part of every change's data the cache is keyed on.
type rowID struct {
	ID string `json:"id" validate:"required"`
}

// workstationRow is the device-config payload for a workstation, carrying
// its check-number range.
type workstationRow struct {
	ID         string `json:"id" validate:"required"`
	RangeStart int64  `json:"range_start" validate:"gte=1"`
	RangeEnd   int64  `json:"range_end" validate:"gtefield=RangeStart"`
}

// taxRuleRow is validated before it reaches the cache that check totals
// read from.
type taxRuleRow struct {
	ID          string `json:"id" validate:"required"`
	BasisPoints int64  `json:"basis_points" validate:"gte=0,lte=10000"`
}

func decodeRow[T any](c Change) (T, error) {
	var v T
	if err := json.Unmarshal(c.Data, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrInvalidChange, c.Table, err)
	}
	return v, nil
}
