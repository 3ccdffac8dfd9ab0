// Package pool maintains a supervised set of workers sized between a
// configured minimum and maximum, scaling on observed queue depth.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arunrao/turbomq/internal/platform/logger"
	"github.com/arunrao/turbomq/queue"
	"github.com/arunrao/turbomq/store"
	"github.com/arunrao/turbomq/worker"
)

// Config tunes WorkerPool sizing and scaling cadence.
type Config struct {
	MinWorkers      int
	MaxWorkers      int
	WorkerConfig    worker.Config
	ControlInterval time.Duration
}

// WorkerPool starts MinWorkers workers eagerly and runs a periodic
// controller that scales between MinWorkers and MaxWorkers based on pending
// job count. The rule is intentionally hysteretic (3x pending-to-worker
// ratio to grow, zero pending to shrink) so it never reacts to marginal
// queue-depth noise.
type WorkerPool struct {
	log     *logger.Logger
	adapter store.StorageAdapter
	q       *queue.Queue
	cfg     Config

	mu      sync.Mutex
	workers map[string]*worker.Worker
	stop    chan struct{}
	stopped chan struct{}
}

func New(adapter store.StorageAdapter, q *queue.Queue, log *logger.Logger, cfg Config) *WorkerPool {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.ControlInterval <= 0 {
		cfg.ControlInterval = 10 * time.Second
	}
	return &WorkerPool{
		log:     log.With("component", "workerpool"),
		adapter: adapter,
		q:       q,
		cfg:     cfg,
		workers: make(map[string]*worker.Worker),
	}
}

// Start spawns MinWorkers workers and the scaling controller goroutine.
func (p *WorkerPool) Start(ctx context.Context) {
	p.stop = make(chan struct{})
	p.stopped = make(chan struct{})

	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawn(ctx)
	}

	go p.control(ctx)
}

func (p *WorkerPool) control(ctx context.Context) {
	defer close(p.stopped)
	ticker := time.NewTicker(p.cfg.ControlInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.rescale(ctx)
		}
	}
}

func (p *WorkerPool) rescale(ctx context.Context) {
	stats, err := p.adapter.GetQueueStats(ctx)
	if err != nil {
		p.log.Warn("get queue stats failed", "error", err)
		return
	}

	p.mu.Lock()
	count := len(p.workers)
	p.mu.Unlock()

	switch {
	case int64(count*3) < stats.Pending && count < p.cfg.MaxWorkers:
		p.log.Info("scaling up", "workers", count, "pending", stats.Pending)
		p.spawn(ctx)
	case stats.Pending == 0 && count > p.cfg.MinWorkers:
		p.log.Info("scaling down", "workers", count, "pending", stats.Pending)
		p.shrinkOne(ctx)
	}
}

func (p *WorkerPool) spawn(ctx context.Context) {
	id := fmt.Sprintf("worker-%s", uuid.NewString())
	w := worker.New(id, p.adapter, p.q, p.log, p.cfg.WorkerConfig, nil)
	p.mu.Lock()
	p.workers[id] = w
	p.mu.Unlock()
	w.Start(ctx)
}

func (p *WorkerPool) shrinkOne(ctx context.Context) {
	p.mu.Lock()
	var victim *worker.Worker
	var victimID string
	for id, w := range p.workers {
		victim, victimID = w, id
		break
	}
	p.mu.Unlock()
	if victim == nil {
		return
	}
	go func() {
		victim.GracefulShutdown(ctx, 30*time.Second)
		p.mu.Lock()
		delete(p.workers, victimID)
		p.mu.Unlock()
	}()
}

// Shutdown gracefully drains every worker currently in the pool and stops
// the scaling controller.
func (p *WorkerPool) Shutdown(ctx context.Context) {
	if p.stop != nil {
		select {
		case <-p.stop:
		default:
			close(p.stop)
		}
	}

	p.mu.Lock()
	workers := make([]*worker.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.GracefulShutdown(ctx, 30*time.Second)
		}(w)
	}
	wg.Wait()
}

// Size returns the current worker count.
func (p *WorkerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
