package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	qerrors "github.com/arunrao/turbomq/internal/pkg/errors"
	"github.com/arunrao/turbomq/internal/platform/ctxutil"
	"github.com/arunrao/turbomq/internal/platform/logger"
	"github.com/arunrao/turbomq/lifecycle"
	"github.com/arunrao/turbomq/store"
)

// ShutdownOptions controls Queue.Shutdown's drain behavior.
type ShutdownOptions struct {
	// Timeout bounds how long Shutdown waits for active jobs to finish
	// naturally before deciding what to do next. Zero means 30s.
	Timeout time.Duration
	// Force, once Timeout elapses, kills every still-active job instead of
	// returning ErrShutdownTimeout.
	Force bool
}

// Queue is the admission and execution surface described in the component
// design: RegisterTask binds handlers, AddJob admits new work, ProcessJob
// drives a claimed job to completion, and KillJob/Shutdown tear it all down.
type Queue struct {
	log      *logger.Logger
	adapter  store.StorageAdapter
	registry *Registry
	runner   *lifecycle.Runner
	bus      *lifecycle.EventBus

	mu         sync.Mutex
	activeJobs map[uuid.UUID]*cancelToken

	shutdownOnce sync.Once
	shutdownErr  error
	shuttingDown bool
}

// New constructs a Queue bound to adapter. webhook may be nil, in which case
// no webhook hook is invoked on any transition.
func New(adapter store.StorageAdapter, log *logger.Logger, webhook lifecycle.WebhookInvoker) *Queue {
	bus := lifecycle.NewEventBus(log)
	return &Queue{
		log:        log.With("component", "queue"),
		adapter:    adapter,
		registry:   NewRegistry(),
		bus:        bus,
		runner:     &lifecycle.Runner{Adapter: adapter, Bus: bus, Webhook: webhook},
		activeJobs: make(map[uuid.UUID]*cancelToken),
	}
}

// RegisterTask binds name to h. See Registry.Register for failure modes.
func (q *Queue) RegisterTask(name string, h Handler) error {
	return q.registry.Register(name, h)
}

// RegisteredTaskNames returns the task names this Queue can execute.
func (q *Queue) RegisteredTaskNames() []string {
	return q.registry.Names()
}

// HasTask reports whether a handler is registered for name.
func (q *Queue) HasTask(name string) bool {
	_, ok := q.registry.Get(name)
	return ok
}

// AddJob admits a new job for taskName. Returns qerrors.ErrUnknownTask if no
// handler is registered for it — admission never outruns what this process
// (or a sibling process sharing the same store) can execute. Once Shutdown
// has begun, AddJob returns an error and admits nothing.
func (q *Queue) AddJob(ctx context.Context, taskName string, payload []byte, opts store.CreateJobOptions) (*store.Job, error) {
	ctx = ctxutil.Default(ctx)
	q.mu.Lock()
	shuttingDown := q.shuttingDown
	q.mu.Unlock()
	if shuttingDown {
		return nil, fmt.Errorf("add job %q: queue is shutting down", taskName)
	}
	if _, ok := q.registry.Get(taskName); !ok {
		return nil, fmt.Errorf("add job %q: %w", taskName, qerrors.ErrUnknownTask)
	}
	if td := ctxutil.GetTraceData(ctx); td != nil {
		q.log.Debug("admitting job", "taskName", taskName, "traceId", td.TraceID, "requestId", td.RequestID)
	}
	job, err := q.adapter.CreateJob(ctx, taskName, payload, opts)
	if err != nil {
		return nil, fmt.Errorf("add job: %w", err)
	}
	q.bus.Emit(ctx, lifecycle.Event{Kind: lifecycle.EventJobCreated, Job: job})
	return job, nil
}

// ProcessJob executes a claimed job to completion: dispatch, run with panic
// recovery, then record success or apply the retry-or-fail policy. It is
// called by a Worker once it has atomically claimed job via the storage
// adapter; ProcessJob itself never claims anything.
func (q *Queue) ProcessJob(ctx context.Context, workerID string, job *store.Job) error {
	token := newCancelToken(ctxutil.Default(ctx))
	q.mu.Lock()
	q.activeJobs[job.ID] = token
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.activeJobs, job.ID)
		q.mu.Unlock()
	}()

	handler, ok := q.registry.Get(job.TaskName)
	if !ok {
		return q.runner.Fail(ctx, job, fmt.Errorf("no handler registered for task %q", job.TaskName))
	}

	helpers := &Helpers{ctx: token.Context(), job: job, runner: q.runner, token: token}

	result, runErr := q.invoke(handler, token.Context(), job.Payload, helpers)

	if runErr != nil {
		if runErr == ErrCancelled {
			// The canceller already recorded a terminal state; ProcessJob
			// must not overwrite it.
			return nil
		}
		return q.runner.Fail(ctx, job, runErr)
	}
	return q.runner.Succeed(ctx, job, result)
}

// invoke runs handler.Run with panic recovery, converting a panic into an
// error so a misbehaving handler fails its job instead of crashing the
// worker goroutine.
func (q *Queue) invoke(handler Handler, ctx context.Context, payload []byte, h *Helpers) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("handler panic", "taskName", h.job.TaskName, "jobId", h.job.ID, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Run(ctx, payload, h)
}

// KillJob marks a Running job Failed with reason and trips its cancellation
// token so the handler aborts at its next Helpers call. Racing with a normal
// completion is benign: ProcessJob's ErrCancelled check means whichever
// terminal write lands first wins.
func (q *Queue) KillJob(ctx context.Context, id uuid.UUID, reason string, timeout time.Duration) error {
	job, err := q.adapter.GetJobByID(ctx, id)
	if err != nil {
		return fmt.Errorf("kill job: %w", err)
	}
	if job.Status != store.StatusRunning {
		return qerrors.ErrJobNotRunning
	}
	if err := q.adapter.FailJob(ctx, id, fmt.Errorf("killed: %s", reason)); err != nil {
		return fmt.Errorf("kill job: %w", err)
	}

	q.mu.Lock()
	token := q.activeJobs[id]
	delete(q.activeJobs, id)
	q.mu.Unlock()
	if token != nil {
		token.Trip(fmt.Errorf("killed: %s", reason))
	}

	job.Status = store.StatusFailed
	job.LastError = reason
	q.bus.Emit(ctx, lifecycle.Event{Kind: lifecycle.EventJobFailed, Job: job, Message: reason})
	return nil
}

// Shutdown refuses new admissions, waits up to opts.Timeout for active jobs
// to drain naturally, and — if still-active jobs remain once the timeout
// elapses — either returns ErrShutdownTimeout or, with Force, kills each
// remaining job before returning. A second concurrent call observes the
// first call's result rather than racing it.
func (q *Queue) Shutdown(ctx context.Context, opts ShutdownOptions) error {
	q.shutdownOnce.Do(func() {
		q.shutdownErr = q.shutdown(ctx, opts)
	})
	return q.shutdownErr
}

func (q *Queue) shutdown(ctx context.Context, opts ShutdownOptions) error {
	q.mu.Lock()
	q.shuttingDown = true
	q.mu.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q.activeCount() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if !opts.Force {
		return qerrors.ErrShutdownTimeout
	}

	q.mu.Lock()
	remaining := make([]uuid.UUID, 0, len(q.activeJobs))
	for id := range q.activeJobs {
		remaining = append(remaining, id)
	}
	q.mu.Unlock()

	for _, id := range remaining {
		if err := q.KillJob(ctx, id, "forced shutdown", 0); err != nil {
			q.log.Warn("force kill during shutdown failed", "jobId", id, "error", err)
		}
	}
	return nil
}

func (q *Queue) activeCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.activeJobs)
}

func (q *Queue) IsShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shuttingDown
}

// OnJobCreated, OnJobProgress, OnJobCompleted, OnJobFailed register a
// lifecycle.Listener for the corresponding event kind.
func (q *Queue) OnJobCreated(l lifecycle.Listener)   { q.bus.On(lifecycle.EventJobCreated, l) }
func (q *Queue) OnJobProgress(l lifecycle.Listener)  { q.bus.On(lifecycle.EventJobProgress, l) }
func (q *Queue) OnJobCompleted(l lifecycle.Listener) { q.bus.On(lifecycle.EventJobCompleted, l) }
func (q *Queue) OnJobFailed(l lifecycle.Listener)    { q.bus.On(lifecycle.EventJobFailed, l) }

func (q *Queue) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	return q.adapter.GetJobByID(ctx, id)
}

func (q *Queue) ListJobs(ctx context.Context, filter store.JobFilter) ([]*store.Job, error) {
	return q.adapter.ListJobs(ctx, filter)
}

func (q *Queue) GetQueueStats(ctx context.Context) (store.QueueStats, error) {
	return q.adapter.GetQueueStats(ctx)
}

func (q *Queue) GetJobResult(ctx context.Context, key string) ([]byte, error) {
	return q.adapter.GetResult(ctx, key)
}

// Adapter exposes the underlying StorageAdapter so a WorkerPool/Scheduler
// constructed alongside this Queue can share the same connection.
func (q *Queue) Adapter() store.StorageAdapter { return q.adapter }

func marshalResult(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
