package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arunrao/turbomq/internal/platform/logger"
	"github.com/arunrao/turbomq/lifecycle"
	"github.com/arunrao/turbomq/queue"
	"github.com/arunrao/turbomq/store"
	"github.com/arunrao/turbomq/store/memory"
)

func newTestWorker(t *testing.T, cfg Config) (*Worker, *queue.Queue, *memory.Adapter) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	adapter := memory.New()
	q := queue.New(adapter, log, lifecycle.LoggingWebhookInvoker{Log: log})
	w := New("worker-test", adapter, q, log, cfg, nil)
	return w, q, adapter
}

func TestWorkerProcessesJobsContinuously(t *testing.T) {
	var processed int32
	w, q, _ := newTestWorker(t, Config{PollInterval: 20 * time.Millisecond})

	if err := q.RegisterTask("count", queue.HandlerFunc(func(ctx context.Context, payload []byte, h *queue.Helpers) (any, error) {
		atomic.AddInt32(&processed, 1)
		return nil, nil
	})); err != nil {
		t.Fatalf("register task: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := q.AddJob(ctx, "count", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1}); err != nil {
			t.Fatalf("add job: %v", err)
		}
	}

	w.Start(ctx)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&processed) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()

	if got := atomic.LoadInt32(&processed); got != 3 {
		t.Errorf("processed = %d, want 3", got)
	}
}

func TestProcessNextBatchRespectsMaxJobs(t *testing.T) {
	w, q, _ := newTestWorker(t, Config{BatchSize: 10})

	if err := q.RegisterTask("noop", queue.HandlerFunc(func(ctx context.Context, payload []byte, h *queue.Helpers) (any, error) {
		return nil, nil
	})); err != nil {
		t.Fatalf("register task: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := q.AddJob(ctx, "noop", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1}); err != nil {
			t.Fatalf("add job: %v", err)
		}
	}

	processed, err := w.ProcessNextBatch(ctx, 2, time.Second)
	if err != nil {
		t.Fatalf("process next batch: %v", err)
	}
	if processed != 2 {
		t.Errorf("processed = %d, want 2", processed)
	}
}

func TestGracefulShutdownWaitsForCurrentJob(t *testing.T) {
	w, q, _ := newTestWorker(t, Config{PollInterval: 10 * time.Millisecond})

	release := make(chan struct{})
	started := make(chan struct{})
	if err := q.RegisterTask("slow", queue.HandlerFunc(func(ctx context.Context, payload []byte, h *queue.Helpers) (any, error) {
		close(started)
		<-release
		return nil, nil
	})); err != nil {
		t.Fatalf("register task: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := q.AddJob(ctx, "slow", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	w.Start(ctx)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}

	done := make(chan bool, 1)
	go func() { done <- w.GracefulShutdown(ctx, time.Second) }()

	time.Sleep(50 * time.Millisecond)
	close(release)

	if ok := <-done; !ok {
		t.Error("expected GracefulShutdown to drain cleanly within its timeout")
	}
}
