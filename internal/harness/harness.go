package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/caps/internal/checks"
	"github.com/roach88/caps/internal/configsync"
	"github.com/roach88/caps/internal/conflict"
	"github.com/roach88/caps/internal/connectivity"
	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/replay"
	"github.com/roach88/caps/internal/store"
	"github.com/roach88/caps/internal/syncqueue"
	"github.com/roach88/caps/internal/testutil"
)

// Epoch is the virtual time every scenario starts at.
var Epoch = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

// Fixed tuning for scenarios. Heartbeat steps tick the monitor directly,
// so only the thresholds and backoff matter.
const (
	lockTTL     = 5 * time.Minute
	peerTimeout = 45 * time.Second
	baseBackoff = 10 * time.Second
	maxAttempts = 3
	batchSize   = 50
	cloudMisses = 3
	lanMisses   = 3
)

var errCloudDown = errors.New("cloud unreachable")

// TraceEvent is what one step did.
type TraceEvent struct {
	Seq         int    `json:"seq"`
	Op          string `json:"op"`
	Workstation string `json:"ws,omitempty"`
	Check       string `json:"check,omitempty"`
	Outcome     string `json:"outcome"`
	Version     int64  `json:"version,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Batch       string `json:"batch,omitempty"`
	Sent        int    `json:"sent,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	Pass      bool         `json:"pass"`
	Trace     []TraceEvent `json:"trace"`
	Delivered []string     `json:"delivered"`
	Errors    []string     `json:"errors,omitempty"`
}

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// host is the stack under test.
type host struct {
	clk      *testutil.FakeClock
	store    *store.Store
	queue    *syncqueue.Queue
	resolver *conflict.Resolver
	peers    *connectivity.PeerRegistry
	checks   *checks.Manager
	monitor  *connectivity.Monitor
	replayer *replay.Engine
	cloud    *scriptedCloud

	cloudUp atomic.Bool
	lanUp   atomic.Bool

	ids    map[string]string // alias -> check id
	names  map[string]string // check id -> alias
	result *Result
}

// Run executes a scenario on a fresh database.
func Run(sc *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "caps-harness-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "caps.db"))
	if err != nil {
		return nil, err
	}
	defer st.Close()

	h := newHost(st)
	ctx := context.Background()
	if err := h.installConfig(ctx, sc); err != nil {
		return nil, fmt.Errorf("install config: %w", err)
	}

	for i := range sc.Steps {
		step := &sc.Steps[i]
		ev, err := h.step(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, step.Op, err)
		}
		ev.Seq = i + 1
		h.result.Trace = append(h.result.Trace, ev)

		want := step.Expect
		if want == "" {
			want = "ok"
		}
		if ev.Outcome != want {
			h.result.addError("steps[%d] %s: outcome %q, want %q", i, step.Op, ev.Outcome, want)
		}
	}

	for i := range sc.Assertions {
		if err := h.assert(ctx, &sc.Assertions[i]); err != nil {
			h.result.addError("assertions[%d] %s: %v", i, sc.Assertions[i].Type, err)
		}
	}
	h.result.Delivered = h.cloud.delivered()
	return h.result, nil
}

func newHost(st *store.Store) *host {
	clk := testutil.NewFakeClock(Epoch)
	queue := syncqueue.New(st, clk, testutil.NewSequentialIDs("item"), syncqueue.Options{
		BaseBackoff: baseBackoff,
		MaxAttempts: maxAttempts,
	})
	resolver := conflict.New(st, queue, clk, testutil.NewSequentialIDs("cf"))
	peers := connectivity.NewPeerRegistry(clk, peerTimeout)
	mgr := checks.NewManager(st, queue, resolver, peers, clk, testutil.NewSequentialIDs("chk"), checks.Options{LockTTL: lockTTL})

	h := &host{
		clk:      clk,
		store:    st,
		queue:    queue,
		resolver: resolver,
		peers:    peers,
		checks:   mgr,
		ids:      make(map[string]string),
		names:    make(map[string]string),
		result:   &Result{Pass: true, Trace: []TraceEvent{}},
	}
	h.cloud = &scriptedCloud{store: st, names: h.alias}
	h.cloudUp.Store(true)
	h.lanUp.Store(true)

	probe := func(up *atomic.Bool) connectivity.Prober {
		return connectivity.ProberFunc(func(context.Context) error {
			if up.Load() {
				return nil
			}
			return errCloudDown
		})
	}
	h.monitor = connectivity.NewMonitor(clk, probe(&h.cloudUp), probe(&h.lanUp), connectivity.Options{
		Thresholds: connectivity.Thresholds{CloudMisses: cloudMisses, LANMisses: lanMisses},
	})
	h.replayer = replay.New(st, queue, h.cloud, resolver, clk, replay.Options{BatchSize: batchSize})
	h.monitor.Subscribe(mgr.ModeChanged)
	h.monitor.Subscribe(h.replayer.ModeChanged)
	return h
}

// installConfig applies the scenario's workstations and tax rules as the
// first config delta, the way the cloud would push them.
func (h *host) installConfig(ctx context.Context, sc *Scenario) error {
	var changes []configsync.Change
	for _, w := range sc.Workstations {
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		changes = append(changes, configsync.Change{Table: "workstation", Operation: configsync.OpUpsert, Data: data})
	}
	for _, r := range sc.TaxRules {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		changes = append(changes, configsync.Change{Table: checks.TaxRuleEntity, Operation: configsync.OpUpsert, Data: data})
	}
	if len(changes) == 0 {
		return nil
	}
	compatible := true
	_, err := configsync.New(h.store, h.clk).ApplyDelta(ctx, configsync.Delta{
		FromVersion:   0,
		ToVersion:     1,
		CALCompatible: &compatible,
		Changes:       changes,
	})
	return err
}

func (h *host) step(ctx context.Context, st *Step) (TraceEvent, error) {
	ev := TraceEvent{Op: st.Op, Workstation: st.Workstation, Check: st.Check}
	employee := st.Employee
	if employee == "" {
		employee = "emp-1"
	}

	var checkID string
	if st.Check != "" && st.Op != OpOpen {
		id, ok := h.ids[st.Check]
		if !ok {
			return ev, fmt.Errorf("check %q was never opened", st.Check)
		}
		checkID = id
	}

	var opErr error
	switch st.Op {
	case OpOpen:
		var c model.Check
		c, opErr = h.checks.OpenCheck(ctx, checks.OpenRequest{WorkstationID: st.Workstation, EmployeeID: employee})
		if opErr == nil && st.Check != "" {
			if _, taken := h.ids[st.Check]; taken {
				return ev, fmt.Errorf("check alias %q is already bound", st.Check)
			}
			h.ids[st.Check] = c.ID
			h.names[c.ID] = st.Check
			checkID = c.ID
		}

	case OpItems:
		base, err := h.baseVersion(ctx, checkID, st.BaseVersion)
		if err != nil {
			return ev, err
		}
		_, opErr = h.checks.SaveItems(ctx, st.Workstation, checkID, base, lineItems(st.Items))

	case OpPay:
		tender := st.Tender
		if tender == "" {
			tender = "cash"
		}
		_, opErr = h.checks.AddPayment(ctx, st.Workstation, checkID, checks.PaymentRequest{
			Tender: tender,
			Amount: model.Cents(st.Amount),
		})

	case OpClose:
		_, opErr = h.checks.CloseCheck(ctx, st.Workstation, checkID)

	case OpVoid:
		_, opErr = h.checks.VoidCheck(ctx, st.Workstation, checkID, st.Reason)

	case OpLock:
		_, opErr = h.checks.AcquireLock(ctx, checkID, st.Workstation, employee, 0)

	case OpRelease:
		opErr = h.checks.ReleaseLock(ctx, checkID, st.Workstation)

	case OpOverride:
		class := checks.ConflictClass(st.Class)
		if class == "" {
			class = checks.HardConflict
		}
		_, opErr = h.checks.OverrideLock(ctx, checkID, st.Workstation, employee, class)

	case OpPeer:
		h.peers.Heartbeat(st.Workstation)

	case OpCloud:
		h.cloudUp.Store(*st.Up)

	case OpLAN:
		h.lanUp.Store(*st.Up)

	case OpHeartbeat:
		times := max(st.Times, 1)
		for range times {
			h.monitor.Tick(ctx)
		}
		ev.Mode = h.monitor.Mode().String()

	case OpAdvance:
		d, err := time.ParseDuration(st.By)
		if err != nil {
			return ev, err
		}
		h.clk.Advance(d)

	case OpReplay:
		verdict := st.Verdict
		if verdict == "" {
			verdict = VerdictOK
		}
		h.cloud.setVerdict(verdict)
		rep, err := h.replayer.RunOnce(ctx)
		if err != nil {
			return ev, err
		}
		if rep.Paused {
			ev.Outcome = "paused"
			return ev, nil
		}
		ev.Batch = string(rep.Kind)
		ev.Sent = rep.Sent

	case OpResolve:
		open, err := h.openConflict(ctx, checkID)
		if err != nil {
			return ev, err
		}
		by := st.By
		if by == "" {
			by = "mgr-1"
		}
		var merged *model.Check
		if model.Decision(st.Decision) == model.ManualMerge && len(st.Items) > 0 {
			c, err := h.store.GetCheck(ctx, checkID)
			if err != nil {
				return ev, err
			}
			c.Items = lineItems(st.Items)
			merged = &c
		}
		_, opErr = h.resolver.Resolve(ctx, open, model.Decision(st.Decision), by, merged)
	}

	ev.Outcome = outcome(opErr)
	if checkID != "" {
		if c, err := h.store.GetCheck(ctx, checkID); err == nil {
			ev.Version = c.Version
		}
	}
	return ev, nil
}

func (h *host) baseVersion(ctx context.Context, checkID string, override *int64) (int64, error) {
	if override != nil {
		return *override, nil
	}
	c, err := h.store.GetCheck(ctx, checkID)
	if err != nil {
		return 0, err
	}
	return c.Version, nil
}

// openConflict returns the id of the unresolved conflict on checkID.
func (h *host) openConflict(ctx context.Context, checkID string) (string, error) {
	var c model.Conflict
	var ok bool
	err := h.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		c, ok, err = tx.OpenConflictForCheck(ctx, checkID)
		return err
	})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("check %q has no open conflict", h.alias(checkID))
	}
	return c.ID, nil
}

func (h *host) alias(checkID string) string {
	if name, ok := h.names[checkID]; ok {
		return name
	}
	return checkID
}

func lineItems(items []Item) []model.LineItem {
	out := make([]model.LineItem, len(items))
	for i, it := range items {
		out[i] = model.LineItem{
			Ordinal:    i + 1,
			MenuItemID: it.MenuItemID,
			Name:       it.Name,
			Quantity:   it.Quantity,
			UnitPrice:  model.Cents(it.UnitPrice),
			Voided:     it.Voided,
		}
	}
	return out
}

var outcomes = []struct {
	err  error
	code string
}{
	{checks.ErrCheckNotFound, "check_not_found"},
	{checks.ErrCheckNotOpen, "check_not_open"},
	{checks.ErrLockNotHeld, "lock_not_held"},
	{checks.ErrVersionMismatch, "version_mismatch"},
	{checks.ErrConflictPending, "conflict_pending"},
	{checks.ErrUnderpaid, "underpaid"},
	{checks.ErrInvalidRequest, "invalid_request"},
	{conflict.ErrAlreadyResolved, "conflict_resolved"},
	{conflict.ErrInvalidDecision, "invalid_decision"},
	{conflict.ErrMergeRequired, "merge_required"},
	{conflict.ErrNoLocalSnapshot, "no_local_snapshot"},
}

// outcome names the result of an operation the way scenarios expect it.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var lc *checks.LockConflictError
	if errors.As(err, &lc) {
		return "lock_conflict_" + string(lc.Class)
	}
	var re *checks.RangeError
	if errors.As(err, &re) {
		return strings.ToLower(string(re.Code))
	}
	for _, o := range outcomes {
		if errors.Is(err, o.err) {
			return o.code
		}
	}
	return "error: " + err.Error()
}

// scriptedCloud answers replay batches with the verdict of the current
// step and records what it accepted.
type scriptedCloud struct {
	store *store.Store
	names func(checkID string) string

	mu       sync.Mutex
	verdict  string
	accepted []string
}

func (c *scriptedCloud) setVerdict(v string) {
	c.mu.Lock()
	c.verdict = v
	c.mu.Unlock()
}

func (c *scriptedCloud) delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.accepted...)
}

// Send implements replay.Sender.
func (c *scriptedCloud) Send(ctx context.Context, _ replay.BatchKind, items []model.SyncQueueItem) ([]replay.Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.verdict == VerdictDown {
		return nil, errCloudDown
	}
	acks := make([]replay.Ack, 0, len(items))
	for _, item := range items {
		ack := replay.Ack{ItemID: item.ID, Result: replay.Result(c.verdict)}
		switch c.verdict {
		case VerdictOK, VerdictDuplicate:
			c.accepted = append(c.accepted, item.EntityType+"."+item.Action+" "+c.names(item.Stream))
		case VerdictReject:
			ack.Reason = "rejected by scenario"
		case VerdictConflict:
			remote, err := c.store.GetCheck(ctx, item.Stream)
			if err != nil {
				return nil, err
			}
			remote.Version++
			remote.EmployeeID = "cloud"
			ack.Check = &remote
		}
		acks = append(acks, ack)
	}
	return acks, nil
}
