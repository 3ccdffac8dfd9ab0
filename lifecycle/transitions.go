package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arunrao/turbomq/store"
)

// ClampProgress enforces the [0,100] invariant on reported progress.
func ClampProgress(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// BackoffDuration computes the exponential retry delay for a job about to be
// re-queued after its attemptsMade-th failure: 2^attempts seconds.
func BackoffDuration(attemptsMade int) time.Duration {
	if attemptsMade < 0 {
		attemptsMade = 0
	}
	// cap the exponent so a pathological maxAttempts can't overflow time.Duration.
	if attemptsMade > 30 {
		attemptsMade = 30
	}
	return time.Duration(1<<uint(attemptsMade)) * time.Second
}

// Runner bundles the collaborators every lifecycle transition needs: the
// adapter to persist the mutation, the bus to announce it, and the webhook
// hook to invoke afterward. Queue holds one of these rather than threading
// four parameters through every call.
type Runner struct {
	Adapter store.StorageAdapter
	Bus     *EventBus
	Webhook WebhookInvoker
}

// Progress records a non-terminal progress update: clamps pct, persists it,
// updates the in-memory Job, and emits EventJobProgress plus the webhook hook.
func (r *Runner) Progress(ctx context.Context, job *store.Job, pct int, msg string) error {
	pct = ClampProgress(pct)
	if err := r.Adapter.UpdateJobProgress(ctx, job.ID, pct); err != nil {
		return fmt.Errorf("lifecycle: update progress: %w", err)
	}
	job.Progress = pct
	job.UpdatedAt = time.Now().UTC()

	r.Bus.Emit(ctx, Event{Kind: EventJobProgress, Job: job, Progress: pct, Message: msg})
	if r.Webhook != nil {
		_ = r.Webhook.Notify(ctx, job, EventJobProgress, map[string]any{"progress": pct, "message": msg})
	}
	return nil
}

// Succeed records a terminal success: serializes result, stores it, marks
// the job Completed, updates the in-memory Job, and emits EventJobCompleted.
func (r *Runner) Succeed(ctx context.Context, job *store.Job, result any) error {
	var raw []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("lifecycle: marshal result: %w", err)
		}
		raw = b
	}

	resultKey, err := r.Adapter.StoreResult(ctx, job.ID, raw)
	if err != nil {
		return fmt.Errorf("lifecycle: store result: %w", err)
	}
	if err := r.Adapter.CompleteJob(ctx, job.ID, resultKey); err != nil {
		return fmt.Errorf("lifecycle: complete job: %w", err)
	}

	now := time.Now().UTC()
	job.Status = store.StatusCompleted
	job.Progress = 100
	job.ResultKey = resultKey
	job.CompletedAt = &now
	job.UpdatedAt = now

	r.Bus.Emit(ctx, Event{Kind: EventJobCompleted, Job: job})
	if r.Webhook != nil {
		_ = r.Webhook.Notify(ctx, job, EventJobCompleted, map[string]any{"resultKey": resultKey})
	}
	return nil
}

// Fail applies the retry-or-fail policy for a handler error: if the job has
// attempts remaining it is requeued to Pending with an exponential backoff
// RunAt; otherwise it is marked terminally Failed. Either way the in-memory
// Job is updated and EventJobFailed is emitted (a requeue is still reported
// as a "failed" event — the job's Status on the Event tells listeners
// whether it was terminal).
func (r *Runner) Fail(ctx context.Context, job *store.Job, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := time.Now().UTC()

	if job.AttemptsMade < job.MaxAttempts {
		runAt := now.Add(BackoffDuration(job.AttemptsMade))
		if err := r.Adapter.UpdateJobsBatch(ctx, []uuid.UUID{job.ID}, map[string]any{
			"status":     store.StatusPending,
			"last_error": msg,
			"run_at":     runAt,
			"worker_id":  "",
			"updated_at": now,
		}); err != nil {
			return fmt.Errorf("lifecycle: requeue after failure: %w", err)
		}
		job.Status = store.StatusPending
		job.LastError = msg
		job.RunAt = runAt
		job.WorkerID = ""
		job.UpdatedAt = now
	} else {
		if err := r.Adapter.FailJob(ctx, job.ID, cause); err != nil {
			return fmt.Errorf("lifecycle: fail job: %w", err)
		}
		job.Status = store.StatusFailed
		job.LastError = msg
		job.CompletedAt = &now
		job.UpdatedAt = now
	}

	r.Bus.Emit(ctx, Event{Kind: EventJobFailed, Job: job, Message: msg})
	if r.Webhook != nil {
		_ = r.Webhook.Notify(ctx, job, EventJobFailed, map[string]any{"error": msg, "terminal": job.Status == store.StatusFailed})
	}
	return nil
}
