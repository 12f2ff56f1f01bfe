package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/roach88/caps/internal/clock"
)

// Prober checks reachability of one endpoint. A nil error is a success.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// AlwaysReachable is the LAN prober used when no coordinating peer is
// configured: the host is its own coordinator.
var AlwaysReachable = ProberFunc(func(context.Context) error { return nil })

// HTTPProber probes a peer's health endpoint with GET.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe succeeds on any 2xx response.
func (p HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return &probeStatusError{status: resp.Status}
	}
	return nil
}

type probeStatusError struct{ status string }

func (e *probeStatusError) Error() string { return "peer health: " + e.status }

// Transition is a mode change broadcast to subscribers.
type Transition struct {
	From  Mode
	To    Mode
	At    time.Time
	State State
}

// ModeSource exposes the current mode to components that take it as input.
type ModeSource interface {
	Mode() Mode
}

// StandbyPromoter is the extension point for hot-standby failover: a
// secondary host taking over when the primary misses peer heartbeats for
// long enough. Nothing in this module implements or calls it.
type StandbyPromoter interface {
	Promote(ctx context.Context, reason string) error
}

// Options configures a Monitor.
type Options struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Thresholds   Thresholds
	// AlarmAfter escalates logging to Error once the mode has been other
	// than Online for this long. Zero disables the alarm.
	AlarmAfter time.Duration
}

// Monitor runs the heartbeat and owns the connectivity State.
type Monitor struct {
	clk   clock.Clock
	cloud Prober
	lan   Prober
	opts  Options
	task  *clock.Task

	// observe serializes Observe so listeners see transitions in order.
	observe sync.Mutex

	mu        sync.RWMutex
	state     State
	alarmed   bool
	listeners []func(Transition)
}

// NewMonitor creates a monitor in the Unknown mode.
func NewMonitor(clk clock.Clock, cloud, lan Prober, opts Options) *Monitor {
	if lan == nil {
		lan = AlwaysReachable
	}
	m := &Monitor{
		clk:   clk,
		cloud: cloud,
		lan:   lan,
		opts:  opts,
		state: State{Mode: Unknown, Since: clk.Now()},
	}
	m.task = clock.NewTask("heartbeat", clk, opts.Interval, m.Tick)
	return m
}

// Subscribe registers fn to be called, synchronously and in order, on every
// mode transition. Subscribers must not block.
func (m *Monitor) Subscribe(fn func(Transition)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Mode returns the current mode.
func (m *Monitor) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Mode
}

// State returns a copy of the current state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Start runs the heartbeat immediately and then every Interval.
func (m *Monitor) Start(ctx context.Context) { m.task.Start(ctx, true) }

// Stop halts the heartbeat and waits for an in-flight round to finish.
func (m *Monitor) Stop() { m.task.Stop() }

// Tick runs one heartbeat round: probe both endpoints, advance the state
// machine, and broadcast a transition if the mode changed.
func (m *Monitor) Tick(ctx context.Context) {
	cloudErr := m.probe(ctx, m.cloud)
	lanErr := m.probe(ctx, m.lan)
	if cloudErr != nil {
		slog.Debug("cloud heartbeat missed", "error", cloudErr)
	}
	if lanErr != nil {
		slog.Debug("lan peer probe failed", "error", lanErr)
	}
	m.Observe(Outcome{At: m.clk.Now(), CloudOK: cloudErr == nil, LANOK: lanErr == nil})
}

// Observe feeds one outcome into the state machine. Tick calls it; it is
// exported so a heartbeat arriving on another path (such as a cloud-initiated
// HEARTBEAT) can count as a success.
//
// Concurrent calls are applied one at a time and each transition reaches
// every listener before the next outcome is applied. Listeners must not
// call Observe.
func (m *Monitor) Observe(o Outcome) {
	m.observe.Lock()
	defer m.observe.Unlock()

	m.mu.Lock()
	prev := m.state
	next := Next(prev, o, m.opts.Thresholds)
	m.state = next
	raiseAlarm := false
	if next.Mode == Online {
		m.alarmed = false
	} else if m.opts.AlarmAfter > 0 && !m.alarmed && o.At.Sub(next.Since) >= m.opts.AlarmAfter {
		m.alarmed = true
		raiseAlarm = true
	}
	var listeners []func(Transition)
	if next.Mode != prev.Mode {
		listeners = append(listeners, m.listeners...)
	}
	m.mu.Unlock()

	if raiseAlarm {
		slog.Error("connectivity degraded beyond alarm threshold",
			"mode", next.Mode, "since", next.Since, "consecutive_misses", next.ConsecutiveMisses)
	}
	if next.Mode == prev.Mode {
		return
	}

	logAt := slog.LevelInfo
	if next.Mode == Red {
		logAt = slog.LevelWarn
	}
	slog.Log(context.Background(), logAt, "mode changed",
		"from", prev.Mode, "to", next.Mode,
		"consecutive_misses", next.ConsecutiveMisses, "lan_misses", next.LANMisses)

	tr := Transition{From: prev.Mode, To: next.Mode, At: o.At, State: next}
	for _, fn := range listeners {
		fn(tr)
	}
}

func (m *Monitor) probe(ctx context.Context, p Prober) error {
	if m.opts.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ProbeTimeout)
		defer cancel()
	}
	return p.Probe(ctx)
}
