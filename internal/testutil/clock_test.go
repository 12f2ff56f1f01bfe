package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func TestFakeClock_NowOnlyMovesOnAdvance(t *testing.T) {
	c := NewFakeClock(epoch)
	assert.Equal(t, epoch, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, epoch.Add(90*time.Second), c.Now())
}

func TestFakeClock_TickerFiresOnBoundary(t *testing.T) {
	c := NewFakeClock(epoch)
	tk := c.NewTicker(10 * time.Second)

	c.Advance(9 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case at := <-tk.C():
		assert.Equal(t, epoch.Add(10*time.Second), at)
	default:
		t.Fatal("ticker did not fire")
	}
}

func TestFakeClock_TickerDropsUnconsumedTicks(t *testing.T) {
	c := NewFakeClock(epoch)
	tk := c.NewTicker(time.Second)

	c.Advance(5 * time.Second)
	at := <-tk.C()
	assert.Equal(t, epoch.Add(time.Second), at, "first tick kept, later ones dropped")

	select {
	case <-tk.C():
		t.Fatal("expected a single buffered tick")
	default:
	}

	c.Advance(time.Second)
	at = <-tk.C()
	assert.Equal(t, epoch.Add(6*time.Second), at)
}

func TestFakeClock_StopRemovesTicker(t *testing.T) {
	c := NewFakeClock(epoch)
	tk := c.NewTicker(time.Second)
	require.Equal(t, 1, c.Tickers())

	tk.Stop()
	assert.Equal(t, 0, c.Tickers())

	c.Advance(time.Minute)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeClock_WaitForTickers(t *testing.T) {
	c := NewFakeClock(epoch)
	assert.False(t, c.WaitForTickers(1, 5*time.Millisecond))

	go c.NewTicker(time.Second)
	assert.True(t, c.WaitForTickers(1, time.Second))
}

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("chk")
	assert.Equal(t, "chk-0001", g.New())
	assert.Equal(t, "chk-0002", g.New())

	assert.Equal(t, "id-0001", NewSequentialIDs("").New())
}

func TestSequentialIDs_ThreadSafe(t *testing.T) {
	g := NewSequentialIDs("x")
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := g.New()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}
