package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arunrao/turbomq/internal/platform/logger"
	"github.com/arunrao/turbomq/store"
	"github.com/arunrao/turbomq/store/memory"
)

func newTestRunner(t *testing.T) (*Runner, *memory.Adapter) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	adapter := memory.New()
	bus := NewEventBus(log)
	return &Runner{Adapter: adapter, Bus: bus, Webhook: LoggingWebhookInvoker{Log: log}}, adapter
}

func TestClampProgress(t *testing.T) {
	cases := map[int]int{-5: 0, 0: 0, 50: 50, 100: 100, 150: 100}
	for in, want := range cases {
		if got := ClampProgress(in); got != want {
			t.Errorf("ClampProgress(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestBackoffDurationGrowsExponentially(t *testing.T) {
	if got := BackoffDuration(0); got != time.Second {
		t.Errorf("BackoffDuration(0) = %v, want 1s", got)
	}
	if got := BackoffDuration(3); got != 8*time.Second {
		t.Errorf("BackoffDuration(3) = %v, want 8s", got)
	}
	if got := BackoffDuration(40); got != BackoffDuration(30) {
		t.Errorf("BackoffDuration should cap its exponent at 30")
	}
}

func TestRunnerSucceedMarksJobCompleted(t *testing.T) {
	ctx := context.Background()
	runner, adapter := newTestRunner(t)

	job, err := adapter.CreateJob(ctx, "noop", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	var completed *Event
	runner.Bus.On(EventJobCompleted, func(ev Event) { completed = &ev })

	if err := runner.Succeed(ctx, job, map[string]string{"ok": "true"}); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	if job.Status != store.StatusCompleted {
		t.Errorf("job.Status = %v, want Completed", job.Status)
	}
	if job.Progress != 100 {
		t.Errorf("job.Progress = %d, want 100", job.Progress)
	}
	if job.ResultKey == "" {
		t.Error("expected a non-empty ResultKey")
	}
	if completed == nil {
		t.Fatal("expected EventJobCompleted to fire")
	}

	stored, err := adapter.GetResult(ctx, job.ResultKey)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if string(stored) != `{"ok":"true"}` {
		t.Errorf("stored result = %s", stored)
	}
}

func TestRunnerFailRequeuesWithBackoffWhenAttemptsRemain(t *testing.T) {
	ctx := context.Background()
	runner, adapter := newTestRunner(t)

	job, err := adapter.CreateJob(ctx, "noop", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job.AttemptsMade = 1 // simulate one prior claim

	before := time.Now().UTC()
	if err := runner.Fail(ctx, job, errors.New("boom")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if job.Status != store.StatusPending {
		t.Errorf("job.Status = %v, want Pending (retry)", job.Status)
	}
	if job.LastError != "boom" {
		t.Errorf("job.LastError = %q", job.LastError)
	}
	if !job.RunAt.After(before.Add(BackoffDuration(1) - time.Second)) {
		t.Errorf("RunAt %v does not reflect backoff from before %v", job.RunAt, before)
	}
}

func TestRunnerFailTerminatesWhenAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	runner, adapter := newTestRunner(t)

	job, err := adapter.CreateJob(ctx, "noop", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job.AttemptsMade = 1

	var failedEvent *Event
	runner.Bus.On(EventJobFailed, func(ev Event) { failedEvent = &ev })

	if err := runner.Fail(ctx, job, errors.New("fatal")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if job.Status != store.StatusFailed {
		t.Errorf("job.Status = %v, want Failed", job.Status)
	}
	if failedEvent == nil {
		t.Fatal("expected EventJobFailed to fire")
	}

	reloaded, err := adapter.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.Status != store.StatusFailed {
		t.Errorf("persisted job.Status = %v, want Failed", reloaded.Status)
	}
}

func TestEventBusRecoversListenerPanic(t *testing.T) {
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	bus := NewEventBus(log)

	var secondRan bool
	bus.On(EventJobCreated, func(Event) { panic("boom") })
	bus.On(EventJobCreated, func(Event) { secondRan = true })

	bus.Emit(context.Background(), Event{Kind: EventJobCreated, Job: &store.Job{ID: uuid.New()}})

	if !secondRan {
		t.Error("a panicking listener must not prevent later listeners from running")
	}
}
