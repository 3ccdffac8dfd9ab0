// Package scheduler materializes one-time and cron-recurring specs into
// queued jobs when they come due. It never executes a handler itself — that
// remains the Worker/Queue's job once the spec becomes a Job.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	qerrors "github.com/arunrao/turbomq/internal/pkg/errors"
	"github.com/arunrao/turbomq/internal/platform/logger"
	"github.com/arunrao/turbomq/queue"
	"github.com/arunrao/turbomq/store"
)

const errorRingSize = 100
const durationRingSize = 100

// Metrics reports Scheduler activity for observability.
type Metrics struct {
	Status         string
	LastRunAt      time.Time
	ScheduledCount int64
	ProcessedCount int64
	RecentErrors   []string
	RecentDurations []time.Duration
}

// Config tunes the Scheduler's tick cadence.
type Config struct {
	CheckInterval time.Duration
}

// Scheduler polls a SchedulerCapableAdapter for due specs on a fixed tick
// and turns each into a Job via the Queue (so admission still goes through
// the same unknown-task validation and JobCreated event every other AddJob
// caller gets).
type Scheduler struct {
	log     *logger.Logger
	adapter store.SchedulerCapableAdapter
	q       *queue.Queue
	cfg     Config

	mu             sync.Mutex
	status         string
	lastRunAt      time.Time
	scheduledCount int64
	processedCount int64
	errorRing      []string
	durationRing   []time.Duration

	stop    chan struct{}
	stopped chan struct{}
}

func New(adapter store.SchedulerCapableAdapter, q *queue.Queue, log *logger.Logger, cfg Config) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 60 * time.Second
	}
	return &Scheduler{
		log:     log.With("component", "scheduler"),
		adapter: adapter,
		q:       q,
		cfg:     cfg,
		status:  "stopped",
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.status = "running"
	s.mu.Unlock()

	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})

	go s.loop(ctx)
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.status = "stopped"
	s.mu.Unlock()
	if s.stop != nil {
		select {
		case <-s.stop:
		default:
			close(s.stop)
		}
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	now := start.UTC()

	due, err := s.adapter.GetScheduledJobsToRun(ctx, now)
	if err != nil {
		s.recordError(fmt.Errorf("get scheduled jobs to run: %w", err))
		return
	}

	for _, spec := range due {
		if err := s.materialize(ctx, spec, now); err != nil {
			s.recordError(fmt.Errorf("materialize spec %s: %w", spec.ID, err))
			continue
		}
	}

	s.mu.Lock()
	s.lastRunAt = now
	s.durationRing = append(s.durationRing, time.Since(start))
	if len(s.durationRing) > durationRingSize {
		s.durationRing = s.durationRing[len(s.durationRing)-durationRingSize:]
	}
	s.mu.Unlock()
}

func (s *Scheduler) materialize(ctx context.Context, spec *store.ScheduledSpec, now time.Time) error {
	opts := store.CreateJobOptions{
		Priority:    spec.Priority,
		MaxAttempts: spec.MaxAttempts,
		RunAt:       now,
		WebhookURL:  spec.WebhookURL,
	}
	if _, err := s.q.AddJob(ctx, spec.TaskName, spec.Payload, opts); err != nil {
		return err
	}

	s.mu.Lock()
	s.processedCount++
	s.mu.Unlock()

	if spec.Type == store.SpecOneTime {
		return s.adapter.UpdateScheduledSpec(ctx, spec.ID, map[string]any{
			"status":      store.SpecCompleted,
			"last_run_at": now,
			"updated_at":  now,
		})
	}

	next, err := NextAfter(spec.Pattern, now)
	if spec.EndDate != nil && next.After(*spec.EndDate) {
		return s.adapter.UpdateScheduledSpec(ctx, spec.ID, map[string]any{
			"status":      store.SpecCompleted,
			"last_run_at": now,
			"updated_at":  now,
		})
	}
	if err != nil || next.IsZero() {
		return s.adapter.UpdateScheduledSpec(ctx, spec.ID, map[string]any{
			"status":      store.SpecCompleted,
			"last_run_at": now,
			"updated_at":  now,
		})
	}

	return s.adapter.UpdateScheduledSpec(ctx, spec.ID, map[string]any{
		"last_run_at": now,
		"next_run_at": next,
		"updated_at":  now,
	})
}

func (s *Scheduler) recordError(err error) {
	s.log.Warn("scheduler tick error", "error", err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorRing = append(s.errorRing, err.Error())
	if len(s.errorRing) > errorRingSize {
		s.errorRing = s.errorRing[len(s.errorRing)-errorRingSize:]
	}
}

// ScheduleOneTime registers a spec that fires once at runAt.
func (s *Scheduler) ScheduleOneTime(ctx context.Context, taskName string, payload []byte, runAt time.Time, opts store.ScheduledSpecOptions) (*store.ScheduledSpec, error) {
	if !s.q.HasTask(taskName) {
		return nil, fmt.Errorf("schedule one-time %q: %w", taskName, qerrors.ErrUnknownTask)
	}
	if runAt.Before(time.Now().Add(-time.Second)) {
		return nil, qerrors.ErrPastRunAt
	}
	spec, err := s.adapter.CreateScheduledSpec(ctx, taskName, payload, store.SpecOneTime, "", &runAt, nil, opts)
	if err != nil {
		return nil, fmt.Errorf("schedule one-time: %w", err)
	}
	s.mu.Lock()
	s.scheduledCount++
	s.mu.Unlock()
	return spec, nil
}

// ScheduleRecurring registers a spec that fires on every tick of pattern
// (standard 5-field cron, evaluated in UTC), bounded by opts.StartDate/EndDate.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, taskName string, payload []byte, pattern string, opts store.ScheduledSpecOptions) (*store.ScheduledSpec, error) {
	if !s.q.HasTask(taskName) {
		return nil, fmt.Errorf("schedule recurring %q: %w", taskName, qerrors.ErrUnknownTask)
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, fmt.Errorf("%w: %v", qerrors.ErrInvalidCronPattern, err)
	}

	from := time.Now().UTC()
	if opts.StartDate != nil && opts.StartDate.After(from) {
		from = opts.StartDate.UTC()
	}
	next, err := NextAfter(pattern, from)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", qerrors.ErrInvalidCronPattern, err)
	}

	spec, err := s.adapter.CreateScheduledSpec(ctx, taskName, payload, store.SpecRecurring, pattern, nil, &next, opts)
	if err != nil {
		return nil, fmt.Errorf("schedule recurring: %w", err)
	}
	s.mu.Lock()
	s.scheduledCount++
	s.mu.Unlock()
	return spec, nil
}

func (s *Scheduler) Pause(ctx context.Context, id uuid.UUID) error {
	return s.requireScheduled(ctx, id, func(spec *store.ScheduledSpec) map[string]any {
		return map[string]any{"status": store.SpecPaused, "updated_at": time.Now().UTC()}
	})
}

func (s *Scheduler) Resume(ctx context.Context, id uuid.UUID) error {
	spec, err := s.adapter.GetScheduledSpec(ctx, id)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if spec.Status != store.SpecPaused {
		return qerrors.ErrNotScheduled
	}
	updates := map[string]any{"status": store.SpecScheduled, "updated_at": time.Now().UTC()}
	if spec.Type == store.SpecRecurring {
		next, err := NextAfter(spec.Pattern, time.Now().UTC())
		if err == nil {
			updates["next_run_at"] = next
		}
	}
	return s.adapter.UpdateScheduledSpec(ctx, id, updates)
}

func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.adapter.UpdateScheduledSpec(ctx, id, map[string]any{
		"status":     store.SpecCancelled,
		"updated_at": time.Now().UTC(),
	})
}

// Update re-validates a changed cron pattern and, for a Recurring spec,
// recomputes next-fire from now when the pattern changes; start_date or
// end_date changes are passed to the adapter as given without recomputing
// next_run_at. It rejects a past RunAt for a OneTime spec.
func (s *Scheduler) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	spec, err := s.adapter.GetScheduledSpec(ctx, id)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	if runAt, ok := updates["run_at"].(time.Time); ok && spec.Type == store.SpecOneTime {
		if runAt.Before(time.Now().Add(-time.Second)) {
			return qerrors.ErrPastRunAt
		}
	}

	if pattern, ok := updates["pattern"].(string); ok && spec.Type == store.SpecRecurring {
		if err := ValidatePattern(pattern); err != nil {
			return fmt.Errorf("%w: %v", qerrors.ErrInvalidCronPattern, err)
		}
		next, err := NextAfter(pattern, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("%w: %v", qerrors.ErrInvalidCronPattern, err)
		}
		updates["next_run_at"] = next
	}

	updates["updated_at"] = time.Now().UTC()
	return s.adapter.UpdateScheduledSpec(ctx, id, updates)
}

func (s *Scheduler) List(ctx context.Context, filter store.ScheduledSpecFilter) ([]*store.ScheduledSpec, error) {
	return s.adapter.ListScheduledSpecs(ctx, filter)
}

func (s *Scheduler) Get(ctx context.Context, id uuid.UUID) (*store.ScheduledSpec, error) {
	return s.adapter.GetScheduledSpec(ctx, id)
}

// RescheduleOverdueJobs pulls every Scheduled spec whose fire time has
// drifted into the past (e.g. after the Scheduler process was down for a
// while): a OneTime spec's RunAt is set to now, and a Recurring spec's
// NextRunAt advances to the next cron fire after now, or the spec is
// Completed when no fire remains before its EndDate.
func (s *Scheduler) RescheduleOverdueJobs(ctx context.Context) (int, error) {
	specs, err := s.adapter.ListScheduledSpecs(ctx, store.ScheduledSpecFilter{Status: store.SpecScheduled})
	if err != nil {
		return 0, fmt.Errorf("reschedule overdue: %w", err)
	}
	now := time.Now().UTC()
	count := 0
	for _, spec := range specs {
		switch spec.Type {
		case store.SpecOneTime:
			if spec.RunAt != nil && spec.RunAt.Before(now) {
				if err := s.adapter.UpdateScheduledSpec(ctx, spec.ID, map[string]any{"run_at": now, "updated_at": now}); err != nil {
					return count, err
				}
				count++
			}
		case store.SpecRecurring:
			if spec.NextRunAt != nil && spec.NextRunAt.Before(now) {
				next, err := NextAfter(spec.Pattern, now)
				if err != nil {
					continue
				}
				updates := map[string]any{"next_run_at": next, "updated_at": now}
				if next.IsZero() || (spec.EndDate != nil && next.After(*spec.EndDate)) {
					updates = map[string]any{"status": store.SpecCompleted, "updated_at": now}
				}
				if err := s.adapter.UpdateScheduledSpec(ctx, spec.ID, updates); err != nil {
					return count, err
				}
				count++
			}
		}
	}
	return count, nil
}

// CleanupCompletedScheduledJobs deletes Completed specs older than before.
func (s *Scheduler) CleanupCompletedScheduledJobs(ctx context.Context, before time.Time) (int, error) {
	specs, err := s.adapter.ListScheduledSpecs(ctx, store.ScheduledSpecFilter{Status: store.SpecCompleted})
	if err != nil {
		return 0, fmt.Errorf("cleanup completed: %w", err)
	}
	count := 0
	for _, spec := range specs {
		if spec.UpdatedAt.Before(before) {
			if err := s.adapter.DeleteScheduledSpec(ctx, spec.ID); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func (s *Scheduler) GetMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := make([]string, len(s.errorRing))
	copy(errs, s.errorRing)
	durs := make([]time.Duration, len(s.durationRing))
	copy(durs, s.durationRing)
	return Metrics{
		Status:          s.status,
		LastRunAt:       s.lastRunAt,
		ScheduledCount:  s.scheduledCount,
		ProcessedCount:  s.processedCount,
		RecentErrors:    errs,
		RecentDurations: durs,
	}
}

func (s *Scheduler) requireScheduled(ctx context.Context, id uuid.UUID, updatesFor func(*store.ScheduledSpec) map[string]any) error {
	spec, err := s.adapter.GetScheduledSpec(ctx, id)
	if err != nil {
		return err
	}
	if spec.Status != store.SpecScheduled {
		return qerrors.ErrNotScheduled
	}
	return s.adapter.UpdateScheduledSpec(ctx, id, updatesFor(spec))
}
