package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/caps/internal/testutil"
)

type switchProber struct {
	up atomic.Bool
}

func (p *switchProber) Probe(context.Context) error {
	if p.up.Load() {
		return nil
	}
	return errors.New("unreachable")
}

type recorder struct {
	mu  sync.Mutex
	trs []Transition
}

func (r *recorder) record(tr Transition) {
	r.mu.Lock()
	r.trs = append(r.trs, tr)
	r.mu.Unlock()
}

func (r *recorder) modes() []Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Mode, len(r.trs))
	for i, tr := range r.trs {
		out[i] = tr.To
	}
	return out
}

func newMonitor(t *testing.T) (*Monitor, *testutil.FakeClock, *switchProber, *switchProber, *recorder) {
	t.Helper()
	clk := testutil.NewFakeClock(testEpoch)
	cloud, lan := &switchProber{}, &switchProber{}
	cloud.up.Store(true)
	lan.up.Store(true)
	m := NewMonitor(clk, cloud, lan, Options{
		Interval:   10 * time.Second,
		Thresholds: Thresholds{CloudMisses: 2, LANMisses: 2},
		AlarmAfter: time.Minute,
	})
	rec := &recorder{}
	m.Subscribe(rec.record)
	return m, clk, cloud, lan, rec
}

func TestMonitor_TickBroadcastsTransitions(t *testing.T) {
	m, clk, cloud, lan, rec := newMonitor(t)
	ctx := context.Background()

	m.Tick(ctx)
	assert.Equal(t, Online, m.Mode())

	cloud.up.Store(false)
	m.Tick(ctx)
	m.Tick(ctx)
	assert.Equal(t, Yellow, m.Mode())

	lan.up.Store(false)
	clk.Advance(10 * time.Second)
	m.Tick(ctx)
	m.Tick(ctx)
	assert.Equal(t, Red, m.Mode())

	cloud.up.Store(true)
	m.Tick(ctx)
	assert.Equal(t, []Mode{Online, Yellow, Red, Online}, rec.modes())
	assert.Equal(t, clk.Now(), m.State().LastHeartbeatAt)
}

func TestMonitor_ConcurrentObserveDeliversInOrder(t *testing.T) {
	clk := testutil.NewFakeClock(testEpoch)
	m := NewMonitor(clk, &switchProber{}, &switchProber{}, Options{
		Thresholds: Thresholds{CloudMisses: 1, LANMisses: 1},
	})

	var mu sync.Mutex
	var got []Transition
	m.Subscribe(func(tr Transition) {
		// A slow listener widens the window for a later transition to
		// overtake this one.
		time.Sleep(time.Millisecond)
		mu.Lock()
		got = append(got, tr)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Observe(Outcome{At: clk.Now(), CloudOK: i%2 == 0})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	assert.Equal(t, Unknown, got[0].From)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].To, got[i].From, "transition %d does not follow %d", i, i-1)
	}
	assert.Equal(t, m.Mode(), got[len(got)-1].To)
}

func TestMonitor_NoBroadcastWithoutChange(t *testing.T) {
	m, _, _, _, rec := newMonitor(t)
	for i := 0; i < 5; i++ {
		m.Tick(context.Background())
	}
	assert.Equal(t, []Mode{Online}, rec.modes())
}

func TestMonitor_RunsOnVirtualTime(t *testing.T) {
	m, clk, cloud, _, rec := newMonitor(t)
	cloud.up.Store(false)

	m.Start(context.Background())
	defer m.Stop()
	require.True(t, clk.WaitForTickers(1, time.Second))

	// Start ran one round; two more ticks cross the threshold.
	clk.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return len(rec.modes()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Yellow, m.Mode())
	assert.Equal(t, 2, m.State().ConsecutiveMisses)
	assert.Equal(t, []Mode{Yellow}, rec.modes())
}

func TestMonitor_StopHaltsHeartbeat(t *testing.T) {
	m, clk, _, _, _ := newMonitor(t)
	m.Start(context.Background())
	require.True(t, clk.WaitForTickers(1, time.Second))
	m.Stop()
	assert.Equal(t, 0, clk.Tickers())
}

func TestMonitor_ProbeTimeout(t *testing.T) {
	clk := testutil.NewFakeClock(testEpoch)
	slow := ProberFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m := NewMonitor(clk, slow, nil, Options{
		Interval:     time.Second,
		ProbeTimeout: 5 * time.Millisecond,
		Thresholds:   Thresholds{CloudMisses: 1, LANMisses: 1},
	})
	m.Tick(context.Background())
	assert.Equal(t, Yellow, m.Mode(), "nil LAN prober means the LAN is always reachable")
}

func TestHTTPProber(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sick.Close()

	assert.NoError(t, HTTPProber{URL: healthy.URL}.Probe(context.Background()))
	err := HTTPProber{URL: sick.URL}.Probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
