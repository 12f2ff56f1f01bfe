package connectivity

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/caps/internal/clock"
)

// Peer is a workstation known to the registry.
type Peer struct {
	WorkstationID string    `json:"workstation_id"`
	LastSeen      time.Time `json:"last_seen"`
	Reachable     bool      `json:"reachable"`
}

// PeerRegistry tracks LAN heartbeats from workstations. A workstation is
// reachable while its last heartbeat is younger than the timeout.
type PeerRegistry struct {
	clk     clock.Clock
	timeout time.Duration

	mu   sync.RWMutex
	seen map[string]time.Time
}

// NewPeerRegistry creates an empty registry.
func NewPeerRegistry(clk clock.Clock, timeout time.Duration) *PeerRegistry {
	return &PeerRegistry{clk: clk, timeout: timeout, seen: make(map[string]time.Time)}
}

// Heartbeat records that workstationID was heard from now.
func (r *PeerRegistry) Heartbeat(workstationID string) {
	now := r.clk.Now()
	r.mu.Lock()
	r.seen[workstationID] = now
	r.mu.Unlock()
}

// Forget removes a workstation, e.g. when it signs off cleanly.
func (r *PeerRegistry) Forget(workstationID string) {
	r.mu.Lock()
	delete(r.seen, workstationID)
	r.mu.Unlock()
}

// Reachable reports whether workstationID sent a heartbeat within the
// timeout. Unknown workstations are unreachable.
func (r *PeerRegistry) Reachable(workstationID string) bool {
	r.mu.RLock()
	last, ok := r.seen[workstationID]
	r.mu.RUnlock()
	return ok && r.clk.Now().Sub(last) < r.timeout
}

// Peers lists known workstations ordered by id.
func (r *PeerRegistry) Peers() []Peer {
	now := r.clk.Now()
	r.mu.RLock()
	out := make([]Peer, 0, len(r.seen))
	for id, last := range r.seen {
		out = append(out, Peer{WorkstationID: id, LastSeen: last, Reachable: now.Sub(last) < r.timeout})
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Peer) int { return strings.Compare(a.WorkstationID, b.WorkstationID) })
	return out
}
