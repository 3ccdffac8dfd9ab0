package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	qerrors "github.com/arunrao/turbomq/internal/pkg/errors"
	"github.com/arunrao/turbomq/internal/platform/logger"
	"github.com/arunrao/turbomq/lifecycle"
	"github.com/arunrao/turbomq/queue"
	"github.com/arunrao/turbomq/store"
	"github.com/arunrao/turbomq/store/memory"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *queue.Queue, *memory.Adapter) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	adapter := memory.New()
	q := queue.New(adapter, log, lifecycle.LoggingWebhookInvoker{Log: log})
	if err := q.RegisterTask("echo", queue.HandlerFunc(func(ctx context.Context, payload []byte, h *queue.Helpers) (any, error) {
		return nil, nil
	})); err != nil {
		t.Fatalf("register task: %v", err)
	}
	return New(adapter, q, log, cfg), q, adapter
}

func TestScheduleOneTimeRejectsUnknownTask(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	_, err := s.ScheduleOneTime(context.Background(), "nonexistent", []byte(`{}`), time.Now().Add(time.Hour), store.ScheduledSpecOptions{})
	if !errors.Is(err, qerrors.ErrUnknownTask) {
		t.Errorf("err = %v, want ErrUnknownTask", err)
	}
}

func TestScheduleOneTimeRejectsPastRunAt(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	_, err := s.ScheduleOneTime(context.Background(), "echo", []byte(`{}`), time.Now().Add(-time.Hour), store.ScheduledSpecOptions{})
	if !errors.Is(err, qerrors.ErrPastRunAt) {
		t.Errorf("err = %v, want ErrPastRunAt", err)
	}
}

func TestScheduleRecurringRejectsInvalidPattern(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	_, err := s.ScheduleRecurring(context.Background(), "echo", []byte(`{}`), "not a cron pattern", store.ScheduledSpecOptions{})
	if !errors.Is(err, qerrors.ErrInvalidCronPattern) {
		t.Errorf("err = %v, want ErrInvalidCronPattern", err)
	}
}

func TestScheduleOneTimeMaterializesWhenDue(t *testing.T) {
	s, _, adapter := newTestScheduler(t, Config{})
	ctx := context.Background()

	runAt := time.Now().Add(10 * time.Millisecond)
	spec, err := s.ScheduleOneTime(ctx, "echo", []byte(`{"n":1}`), runAt, store.ScheduledSpecOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("schedule one-time: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	s.tick(ctx)

	stats, err := adapter.GetQueueStats(ctx)
	if err != nil {
		t.Fatalf("get queue stats: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("pending jobs = %d, want 1", stats.Pending)
	}

	reloaded, err := s.Get(ctx, spec.ID)
	if err != nil {
		t.Fatalf("get spec: %v", err)
	}
	if reloaded.Status != store.SpecCompleted {
		t.Errorf("spec.Status = %v, want Completed", reloaded.Status)
	}
}

func TestScheduleRecurringAdvancesNextRunAt(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	spec, err := s.ScheduleRecurring(ctx, "echo", []byte(`{}`), "* * * * *", store.ScheduledSpecOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("schedule recurring: %v", err)
	}
	firstNext := *spec.NextRunAt

	// Force it due now by rewinding NextRunAt directly via adapter update.
	past := time.Now().Add(-time.Minute)
	if err := s.adapter.UpdateScheduledSpec(ctx, spec.ID, map[string]any{"next_run_at": past}); err != nil {
		t.Fatalf("rewind next_run_at: %v", err)
	}

	s.tick(ctx)

	reloaded, err := s.Get(ctx, spec.ID)
	if err != nil {
		t.Fatalf("get spec: %v", err)
	}
	if reloaded.Status != store.SpecScheduled {
		t.Errorf("spec.Status = %v, want still Scheduled (recurring)", reloaded.Status)
	}
	if reloaded.NextRunAt == nil || !reloaded.NextRunAt.After(past) {
		t.Error("expected NextRunAt to advance past the fired time")
	}
	if reloaded.NextRunAt != nil && reloaded.NextRunAt.Equal(firstNext) {
		t.Error("expected NextRunAt to have moved on from its initial value")
	}
}

func TestPauseResumeCancel(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	spec, err := s.ScheduleRecurring(ctx, "echo", []byte(`{}`), "* * * * *", store.ScheduledSpecOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("schedule recurring: %v", err)
	}

	if err := s.Pause(ctx, spec.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, err := s.Get(ctx, spec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if paused.Status != store.SpecPaused {
		t.Errorf("status = %v, want Paused", paused.Status)
	}

	if err := s.Resume(ctx, spec.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed, err := s.Get(ctx, spec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resumed.Status != store.SpecScheduled {
		t.Errorf("status = %v, want Scheduled", resumed.Status)
	}

	if err := s.Cancel(ctx, spec.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cancelled, err := s.Get(ctx, spec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cancelled.Status != store.SpecCancelled {
		t.Errorf("status = %v, want Cancelled", cancelled.Status)
	}
}

func TestUpdateRevalidatesCronPattern(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	spec, err := s.ScheduleRecurring(ctx, "echo", []byte(`{}`), "* * * * *", store.ScheduledSpecOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("schedule recurring: %v", err)
	}

	if err := s.Update(ctx, spec.ID, map[string]any{"pattern": "garbage"}); !errors.Is(err, qerrors.ErrInvalidCronPattern) {
		t.Errorf("err = %v, want ErrInvalidCronPattern", err)
	}

	if err := s.Update(ctx, spec.ID, map[string]any{"pattern": "0 0 * * *"}); err != nil {
		t.Fatalf("update with a valid pattern: %v", err)
	}
	reloaded, err := s.Get(ctx, spec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Pattern != "0 0 * * *" {
		t.Errorf("pattern = %q, want %q", reloaded.Pattern, "0 0 * * *")
	}
}

func TestRescheduleOverdueJobsPullsDriftedSpecsForward(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	spec, err := s.ScheduleRecurring(ctx, "echo", []byte(`{}`), "* * * * *", store.ScheduledSpecOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("schedule recurring: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	if err := s.adapter.UpdateScheduledSpec(ctx, spec.ID, map[string]any{"next_run_at": past}); err != nil {
		t.Fatalf("rewind: %v", err)
	}

	n, err := s.RescheduleOverdueJobs(ctx)
	if err != nil {
		t.Fatalf("reschedule overdue jobs: %v", err)
	}
	if n != 1 {
		t.Errorf("rescheduled count = %d, want 1", n)
	}

	reloaded, err := s.Get(ctx, spec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.NextRunAt == nil || !reloaded.NextRunAt.After(past) {
		t.Error("expected NextRunAt to be pulled forward past the drifted value")
	}
}

func TestCleanupCompletedScheduledJobs(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	spec, err := s.ScheduleOneTime(ctx, "echo", []byte(`{}`), time.Now().Add(time.Millisecond), store.ScheduledSpecOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("schedule one-time: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	s.tick(ctx)

	n, err := s.CleanupCompletedScheduledJobs(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("cleanup completed: %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned up count = %d, want 1", n)
	}

	if _, err := s.Get(ctx, spec.ID); err == nil {
		t.Error("expected the cleaned-up spec to no longer be retrievable")
	}
}
