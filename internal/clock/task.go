package clock

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task runs a function at a fixed interval until stopped.
//
// The function is never run concurrently with itself. A tick that arrives
// while the previous run is still executing is dropped. Stop cancels the
// context passed to the running function and waits for it to return.
type Task struct {
	name     string
	clk      Clock
	interval time.Duration
	fn       func(ctx context.Context)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewTask creates a stopped task. Call Start to begin ticking.
func NewTask(name string, clk Clock, interval time.Duration, fn func(ctx context.Context)) *Task {
	return &Task{name: name, clk: clk, interval: interval, fn: fn}
}

// Start begins ticking. If runNow is true fn runs once immediately, before
// the first tick. Starting a running task is a no-op.
func (t *Task) Start(parent context.Context, runNow bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.started = true

	ticker := t.clk.NewTicker(t.interval)
	go t.loop(ctx, ticker, runNow)
}

func (t *Task) loop(ctx context.Context, ticker Ticker, runNow bool) {
	defer close(t.done)
	defer ticker.Stop()

	slog.Debug("task started", "task", t.name, "interval", t.interval)
	if runNow {
		t.fn(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			slog.Debug("task stopped", "task", t.name)
			return
		case <-ticker.C():
			t.fn(ctx)
		}
	}
}

// Stop cancels the task and blocks until its goroutine has exited. Stopping
// a task that was never started returns immediately. A stopped task can be
// started again.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.started = false
	t.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the task has been started and not stopped.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}
