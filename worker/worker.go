// Package worker implements the single-executor loop: poll, claim, dispatch,
// heartbeat, and graceful drain on shutdown. A WorkerPool supervises many of
// these; a Worker never talks to another Worker directly.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arunrao/turbomq/internal/platform/logger"
	"github.com/arunrao/turbomq/queue"
	"github.com/arunrao/turbomq/store"
)

// WakeupSource lets an adapter supply an early-wakeup signal (the Postgres
// adapter uses LISTEN/NOTIFY for this) so a freshly submitted job is usually
// claimed well under PollInterval without busy-polling. Optional: a Worker
// with a nil WakeupSource just relies on its ticker.
type WakeupSource interface {
	Wakeup() <-chan struct{}
}

// Config tunes a Worker's poll/heartbeat/batch behavior. See SPEC_FULL.md
// §6 for the Local vs Constrained environment presets this is meant to hold.
type Config struct {
	// PollInterval is the ticker period in continuous mode.
	PollInterval time.Duration
	// HeartbeatInterval overrides the default min(30s, 2*PollInterval) cadence.
	HeartbeatInterval time.Duration
	// MaxExecutionTime, when nonzero, switches the Worker to batch mode:
	// Start's loop calls ProcessNextBatch repeatedly, and each call runs
	// until MaxExecutionTime elapses or BatchSize jobs have been processed.
	MaxExecutionTime time.Duration
	// BatchSize bounds a single FetchNextBatch call in batch mode.
	BatchSize int
	// StaleThreshold is passed to CleanupStaleJobs on every continuous-mode tick.
	StaleThreshold time.Duration
}

func (c Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	d := 2 * c.PollInterval
	if d > 30*time.Second || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Worker is one logical executor identified by ID. Multiple Workers (in one
// process or many) race for jobs through the shared storage adapter's atomic
// claim; the adapter guarantees at most one of them wins a given job.
type Worker struct {
	ID      string
	log     *logger.Logger
	adapter store.StorageAdapter
	q       *queue.Queue
	cfg     Config
	wakeup  WakeupSource

	mu           sync.Mutex
	currentJobID *uuid.UUID
	shuttingDown bool

	stop    chan struct{}
	stopped chan struct{}
}

// New constructs a Worker. id should be unique among workers sharing adapter
// (a UUID is typical); q supplies the registered task names and executes
// claimed jobs. wakeup may be nil.
func New(id string, adapter store.StorageAdapter, q *queue.Queue, log *logger.Logger, cfg Config, wakeup WakeupSource) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = store.DefaultStaleThreshold
	}
	return &Worker{
		ID:      id,
		log:     log.With("component", "worker", "workerId", id),
		adapter: adapter,
		q:       q,
		cfg:     cfg,
		wakeup:  wakeup,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker loop in a new goroutine. In continuous mode
// (MaxExecutionTime == 0) it runs until Stop/GracefulShutdown or ctx is
// cancelled; in batch mode it repeatedly invokes ProcessNextBatch, which is
// also directly callable for a single bounded invocation (e.g. one
// serverless function call).
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.stopped)
		if w.cfg.MaxExecutionTime > 0 {
			w.runBatchLoop(ctx)
			return
		}
		w.runContinuous(ctx)
	}()
}

// Stop requests the loop to exit at its next opportunity without waiting for
// the current job, if any, to finish.
func (w *Worker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

func (w *Worker) runContinuous(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	stopHB := w.startHeartbeat(ctx)
	defer stopHB()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		if _, err := w.adapter.CleanupStaleJobs(ctx, w.cfg.StaleThreshold); err != nil {
			w.log.Warn("stale job cleanup failed", "error", err)
		}

		job, err := w.adapter.FetchNextJob(ctx, w.ID, w.q.RegisteredTaskNames())
		if err != nil {
			w.log.Warn("fetch next job failed", "error", err)
			if !w.sleep(ctx, ticker) {
				return
			}
			continue
		}
		if job == nil {
			if !w.sleep(ctx, ticker) {
				return
			}
			continue
		}

		w.setCurrent(&job.ID)
		if err := w.q.ProcessJob(ctx, w.ID, job); err != nil {
			w.log.Error("process job returned error", "jobId", job.ID, "taskName", job.TaskName, "error", err)
		}
		w.setCurrent(nil)

		if w.isShuttingDown() {
			return
		}
	}
}

// sleep waits for the next poll tick, an early wakeup signal, shutdown, or
// context cancellation — whichever comes first. Returns false if the caller
// should stop looping.
func (w *Worker) sleep(ctx context.Context, ticker *time.Ticker) bool {
	var wake <-chan struct{}
	if w.wakeup != nil {
		wake = w.wakeup.Wakeup()
	}
	select {
	case <-ctx.Done():
		return false
	case <-w.stop:
		return false
	case <-ticker.C:
		return true
	case <-wake:
		return true
	}
}

func (w *Worker) runBatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}
		processed, err := w.ProcessNextBatch(ctx, w.cfg.BatchSize, w.cfg.MaxExecutionTime)
		if err != nil {
			w.log.Warn("batch processing failed", "error", err)
		}
		if processed == 0 {
			if !w.sleep(ctx, time.NewTicker(w.cfg.PollInterval)) {
				return
			}
		}
	}
}

// ProcessNextBatch claims and runs up to maxJobs jobs, stopping early once
// timeout elapses. Intended for hosts with a hard wall-clock budget per
// invocation (e.g. a serverless function); it is safe to call directly
// without Start.
func (w *Worker) ProcessNextBatch(ctx context.Context, maxJobs int, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	tasks := w.q.RegisteredTaskNames()
	processed := 0

	for processed < maxJobs && time.Now().Before(deadline) {
		remaining := maxJobs - processed
		batchSize := w.cfg.BatchSize
		if remaining < batchSize {
			batchSize = remaining
		}
		jobs, err := w.adapter.FetchNextBatch(ctx, w.ID, tasks, batchSize)
		if err != nil {
			return processed, err
		}
		if len(jobs) == 0 {
			job, err := w.adapter.FetchNextJob(ctx, w.ID, tasks)
			if err != nil {
				return processed, err
			}
			if job == nil {
				break
			}
			jobs = []*store.Job{job}
		}
		for _, job := range jobs {
			if time.Now().After(deadline) {
				return processed, nil
			}
			w.setCurrent(&job.ID)
			if err := w.q.ProcessJob(ctx, w.ID, job); err != nil {
				w.log.Error("process job returned error", "jobId", job.ID, "taskName", job.TaskName, "error", err)
			}
			w.setCurrent(nil)
			processed++
		}
	}
	return processed, nil
}

func (w *Worker) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(w.cfg.heartbeatInterval())
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := w.adapter.Heartbeat(ctx, w.ID, w.getCurrent()); err != nil {
					w.log.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// GracefulShutdown sets the worker to stop claiming new jobs and waits up to
// timeout for its currently running job, if any, to finish. Returns true if
// the drain completed cleanly within timeout.
func (w *Worker) GracefulShutdown(ctx context.Context, timeout time.Duration) bool {
	w.mu.Lock()
	w.shuttingDown = true
	hasCurrent := w.currentJobID != nil
	w.mu.Unlock()

	if !hasCurrent {
		w.Stop()
		return true
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if w.getCurrent() == nil {
			w.Stop()
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (w *Worker) setCurrent(id *uuid.UUID) {
	w.mu.Lock()
	w.currentJobID = id
	w.mu.Unlock()
}

func (w *Worker) getCurrent() *uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentJobID
}

func (w *Worker) isShuttingDown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shuttingDown
}
