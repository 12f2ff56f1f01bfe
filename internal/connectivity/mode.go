// Package connectivity classifies how well this host can reach the cloud and
// its coordinating LAN peer, and tells the rest of the service when that
// changes.
//
// The classification is a small state machine. Next is a pure function of
// the previous state and one heartbeat outcome; Monitor runs the heartbeat
// on a clock.Task and broadcasts transitions to subscribers. Components
// never probe connectivity themselves, they receive the mode.
package connectivity

import (
	"fmt"
	"time"
)

// Mode is the operating mode of the property.
type Mode int

const (
	// Unknown is the mode after start, before enough heartbeats have run.
	Unknown Mode = iota
	// Online: the cloud answers heartbeats.
	Online
	// Yellow: the cloud is unreachable, the LAN peer is reachable.
	Yellow
	// Red: neither the cloud nor the LAN peer is reachable.
	Red
)

func (m Mode) String() string {
	switch m {
	case Unknown:
		return "unknown"
	case Online:
		return "online"
	case Yellow:
		return "yellow"
	case Red:
		return "red"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText renders the mode name in JSON and logs.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText parses a mode name.
func (m *Mode) UnmarshalText(b []byte) error {
	for _, candidate := range []Mode{Unknown, Online, Yellow, Red} {
		if candidate.String() == string(b) {
			*m = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", b)
}

// Thresholds are the consecutive-miss counts that trigger degradation.
type Thresholds struct {
	// CloudMisses is the number of consecutive missed cloud heartbeats
	// before the mode leaves Online.
	CloudMisses int
	// LANMisses is the number of consecutive failed LAN peer probes,
	// while the cloud is also down, before the mode becomes Red.
	LANMisses int
}

// State is the transient connectivity state. It is never persisted: a
// restarted process starts from Unknown.
type State struct {
	Mode              Mode      `json:"mode"`
	ConsecutiveMisses int       `json:"consecutive_misses"`
	LANMisses         int       `json:"lan_misses"`
	LastHeartbeatAt   time.Time `json:"last_heartbeat_at"`
	// Since is when the current mode was entered.
	Since time.Time `json:"since"`
}

// Outcome is the result of one heartbeat round.
type Outcome struct {
	At      time.Time
	CloudOK bool
	LANOK   bool
}

// Next returns the state after outcome o. It reads no clock and has no side
// effects.
//
// A single cloud success returns to Online. Cloud misses below the
// threshold keep the current mode, so one lost packet does not flap the
// mode. At the threshold the mode is Yellow, or Red when the LAN peer has
// also missed LANMisses probes in a row.
func Next(s State, o Outcome, th Thresholds) State {
	next := s
	if o.CloudOK {
		next.ConsecutiveMisses = 0
		next.LastHeartbeatAt = o.At
	} else {
		next.ConsecutiveMisses++
	}
	if o.LANOK {
		next.LANMisses = 0
	} else {
		next.LANMisses++
	}

	switch {
	case o.CloudOK:
		next.Mode = Online
	case next.ConsecutiveMisses < max(th.CloudMisses, 1):
		// debounced: keep the current mode
	case next.LANMisses >= max(th.LANMisses, 1):
		next.Mode = Red
	default:
		next.Mode = Yellow
	}

	if next.Mode != s.Mode {
		next.Since = o.At
	}
	return next
}
