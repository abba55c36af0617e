package pipeline

import (
	"context"
	"sync"
	"time"
)

// periodicTask runs fn on a fixed interval until stopped.
// Params: interval between runs; fn work executed on each tick.
// Returns: task handle; after stop returns no new run starts, a run already admitted completes.
type periodicTask struct {
	interval time.Duration
	fn       func(context.Context)

	mu       sync.Mutex
	stopped  bool
	inFlight bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func newPeriodicTask(interval time.Duration, fn func(context.Context)) *periodicTask {
	return &periodicTask{interval: interval, fn: fn}
}

// start launches the ticker loop; calling it on a running task is a no-op.
func (t *periodicTask) start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil || t.interval <= 0 {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.stopped = false
	t.done = make(chan struct{})
	go t.loop(loopCtx, t.done)
}

func (t *periodicTask) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	runCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil || !t.beginRun() {
				return
			}
			t.fn(runCtx)
			t.endRun()
		}
	}
}

// beginRun admits one run unless the task is stopped; admission is visible to stop.
func (t *periodicTask) beginRun() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.inFlight = true
	return true
}

func (t *periodicTask) endRun() {
	t.mu.Lock()
	t.inFlight = false
	t.mu.Unlock()
}

// stop cancels future runs and returns without waiting for an in-flight run.
// Params: none.
// Returns: true when a run admitted before stop is still in progress.
func (t *periodicTask) stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	return t.inFlight
}

// wait blocks until the loop goroutine exits.
func (t *periodicTask) wait() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}
