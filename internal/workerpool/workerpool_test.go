package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPostRunsOnWorker(t *testing.T) {
	p := New(2, 8)
	defer p.Shutdown(context.Background())

	w := p.NextTaskWorker()
	done := make(chan struct{})
	if err := w.Post(ModeAuto, func() { close(done) }); err != nil {
		t.Fatalf("Post: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for posted task")
	}
}

func TestNextTaskWorkerRoundRobins(t *testing.T) {
	p := New(3, 8)
	defer p.Shutdown(context.Background())

	seen := map[int]bool{}
	for i := 0; i < 6; i++ {
		seen[p.NextTaskWorker().id] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 task workers to be used, got %d distinct", len(seen))
	}
}

func TestDelayedCallFiresAfterDuration(t *testing.T) {
	p := New(1, 8)
	defer p.Shutdown(context.Background())

	w := p.NextTaskWorker()
	var fired atomic.Bool
	w.DelayedCall(10*time.Millisecond, func() { fired.Store(true) })

	time.Sleep(100 * time.Millisecond)
	if !fired.Load() {
		t.Fatal("expected delayed call to have fired")
	}
}

func TestCancelDelayedCallPreventsExecution(t *testing.T) {
	p := New(1, 8)
	defer p.Shutdown(context.Background())

	w := p.NextTaskWorker()
	var fired atomic.Bool
	id := w.DelayedCall(30*time.Millisecond, func() { fired.Store(true) })
	if !w.CancelDelayedCall(id) {
		t.Fatal("expected cancel to succeed")
	}

	time.Sleep(80 * time.Millisecond)
	if fired.Load() {
		t.Fatal("expected cancelled delayed call to not fire")
	}
}

func TestBroadcastRunsOnEveryWorkerAndJoins(t *testing.T) {
	p := New(3, 8)
	defer p.Shutdown(context.Background())

	var mu sync.Mutex
	hit := map[int]bool{}
	p.Broadcast(func(w *Worker) {
		mu.Lock()
		hit[w.id] = true
		mu.Unlock()
	})

	if len(hit) != 4 { // 3 task workers + 1 main
		t.Fatalf("expected broadcast to reach 4 workers, got %d", len(hit))
	}
}

func TestShutdownDrainsQueuedTasks(t *testing.T) {
	p := New(1, 8)
	w := p.NextTaskWorker()

	var ran atomic.Bool
	if err := w.Post(ModeEnqueueAlways, func() {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
	}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !ran.Load() {
		t.Fatal("expected queued task to run before shutdown completes")
	}
}

func TestPostAfterShutdownFails(t *testing.T) {
	p := New(1, 8)
	w := p.NextTaskWorker()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := w.Post(ModeEnqueueAlways, func() {}); err == nil {
		t.Fatal("expected Post after shutdown to fail")
	}
}
