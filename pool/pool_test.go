package pool

import (
	"context"
	"testing"
	"time"

	"github.com/arunrao/turbomq/internal/platform/logger"
	"github.com/arunrao/turbomq/lifecycle"
	"github.com/arunrao/turbomq/queue"
	"github.com/arunrao/turbomq/store"
	"github.com/arunrao/turbomq/store/memory"
	"github.com/arunrao/turbomq/worker"
)

func newTestPool(t *testing.T, cfg Config) (*WorkerPool, *queue.Queue) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	adapter := memory.New()
	q := queue.New(adapter, log, lifecycle.LoggingWebhookInvoker{Log: log})
	return New(adapter, q, log, cfg), q
}

func TestNewAppliesDefaults(t *testing.T) {
	p, _ := newTestPool(t, Config{})
	if p.cfg.MinWorkers != 1 {
		t.Errorf("MinWorkers = %d, want 1", p.cfg.MinWorkers)
	}
	if p.cfg.MaxWorkers != 1 {
		t.Errorf("MaxWorkers = %d, want 1 (clamped to MinWorkers)", p.cfg.MaxWorkers)
	}
}

func TestStartSpawnsMinWorkers(t *testing.T) {
	p, _ := newTestPool(t, Config{MinWorkers: 2, MaxWorkers: 2, WorkerConfig: worker.Config{PollInterval: 20 * time.Millisecond}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Shutdown(context.Background())

	if got := p.Size(); got != 2 {
		t.Errorf("Size() = %d, want 2", got)
	}
}

func TestRescaleGrowsOnHighPendingCount(t *testing.T) {
	p, q := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 4, ControlInterval: time.Hour})

	if err := q.RegisterTask("noop", queue.HandlerFunc(func(ctx context.Context, payload []byte, h *queue.Helpers) (any, error) {
		return nil, nil
	})); err != nil {
		t.Fatalf("register task: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := q.AddJob(ctx, "noop", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1}); err != nil {
			t.Fatalf("add job: %v", err)
		}
	}

	p.Start(ctx)
	defer p.Shutdown(context.Background())

	p.rescale(ctx)

	if got := p.Size(); got <= 1 {
		t.Errorf("Size() = %d, want >1 after rescale under high pending load", got)
	}
}

func TestRescaleShrinksWhenIdle(t *testing.T) {
	p, _ := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 4, ControlInterval: time.Hour})

	ctx := context.Background()
	p.Start(ctx)
	defer p.Shutdown(context.Background())

	p.spawn(ctx)
	p.spawn(ctx)

	if got := p.Size(); got != 3 {
		t.Fatalf("Size() = %d, want 3 before shrink", got)
	}

	p.rescale(ctx)
	time.Sleep(100 * time.Millisecond)

	if got := p.Size(); got >= 3 {
		t.Errorf("Size() = %d, want <3 after rescale with zero pending", got)
	}
}
