package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultStaleThreshold is the default window CleanupStaleJobs uses, and the
// default an adapter falls back to for its own opportunistic stale-Running
// reclaim in FetchNextJob/FetchNextBatch when left unconfigured.
const DefaultStaleThreshold = 5 * time.Minute

// CreateJobOptions carries the optional fields a caller may set on a new Job;
// anything left at its zero value falls back to an adapter-defined default
// (priority 0, maxAttempts 1, runAt now).
type CreateJobOptions struct {
	Priority       int
	MaxAttempts    int
	RunAt          time.Time
	WebhookURL     string
	WebhookHeaders map[string]string
}

// JobFilter narrows ListJobs / RemoveJobsByStatus. A zero-value field means
// "don't filter on this dimension".
type JobFilter struct {
	Status   JobStatus
	TaskName string
	WorkerID string
	Limit    int
	Offset   int
}

// CleanupOptions narrows RemoveJobsByStatus to jobs older than Before.
type CleanupOptions struct {
	Before time.Time
}

// ScheduledSpecOptions carries the optional fields for ScheduleOneTime /
// ScheduleRecurring.
type ScheduledSpecOptions struct {
	Priority       int
	MaxAttempts    int
	WebhookURL     string
	WebhookHeaders map[string]string
	StartDate      *time.Time
	EndDate        *time.Time
	Metadata       map[string]any
}

// ScheduledSpecFilter narrows List for scheduled specs.
type ScheduledSpecFilter struct {
	Status ScheduledSpecStatus
	Type   ScheduledSpecType
	Limit  int
	Offset int
}

// StorageAdapter is the full durability contract the core depends on. Every
// method must either complete the described mutation in full or leave no
// observable partial effect.
//
// FetchNextJob and FetchNextBatch are the only methods that must be atomic
// across concurrent callers: two callers racing for the same job must never
// both receive it. Implementations satisfy this with row-level locking
// (Postgres SKIP LOCKED), a serializing transaction mode (SQLite BEGIN
// IMMEDIATE), or optimistic compare-and-swap (Redis).
type StorageAdapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	CreateJob(ctx context.Context, taskName string, payload []byte, opts CreateJobOptions) (*Job, error)

	// FetchNextJob atomically claims the highest-priority, oldest eligible
	// job whose TaskName is in availableTasks: either Pending with RunAt
	// elapsed, or Running but stale (lastHeartbeat older than the adapter's
	// configured stale threshold, so a crashed worker's job can be
	// re-acquired before the next CleanupStaleJobs sweep runs). Transitions
	// it to Running owned by workerID, increments attemptsMade, stamps
	// lastHeartbeat, and returns it. Claim ordering is priority DESC, runAt
	// ASC, createdAt ASC, with ties broken by id. Returns (nil, nil) when
	// nothing is eligible.
	//
	// Retries never leave a job in Failed: the backoff policy re-queues a
	// retryable failure as Pending with a future RunAt, so Failed is always
	// terminal and outside this claim's eligibility set.
	FetchNextJob(ctx context.Context, workerID string, availableTasks []string) (*Job, error)

	// FetchNextBatch is FetchNextJob generalized to up to batchSize jobs,
	// claimed atomically as one unit.
	FetchNextBatch(ctx context.Context, workerID string, availableTasks []string, batchSize int) ([]*Job, error)

	CompleteJob(ctx context.Context, id uuid.UUID, resultKey string) error
	FailJob(ctx context.Context, id uuid.UUID, cause error) error
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status JobStatus) error
	UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error
	UpdateJobsBatch(ctx context.Context, ids []uuid.UUID, updates map[string]any) error

	Heartbeat(ctx context.Context, workerID string, jobID *uuid.UUID) error

	GetJobByID(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	RemoveJobsByStatus(ctx context.Context, status JobStatus, opts CleanupOptions) (int64, error)
	GetDetailedJobInfo(ctx context.Context, id uuid.UUID) (*Job, *JobResult, error)

	StoreResult(ctx context.Context, jobID uuid.UUID, value []byte) (string, error)
	GetResult(ctx context.Context, key string) ([]byte, error)

	// CleanupStaleJobs releases every Running job whose heartbeat is older
	// than staleThreshold back to Pending, clearing WorkerID. Returns the
	// number of jobs released. This is the authoritative sweep; FetchNextJob
	// additionally reclaims the same stale rows opportunistically at claim
	// time, so a stale job is never stuck waiting on a sweep to run.
	CleanupStaleJobs(ctx context.Context, staleThreshold time.Duration) (int64, error)

	GetQueueStats(ctx context.Context) (QueueStats, error)
}

// SchedulerCapableAdapter is an optional extension a StorageAdapter may
// implement to support the Scheduler. app.New only constructs a Scheduler
// when the configured adapter satisfies this interface.
type SchedulerCapableAdapter interface {
	StorageAdapter

	// CreateScheduledSpec persists a new spec. runAt is used for SpecOneTime;
	// pattern and nextRunAt are used for SpecRecurring (the Scheduler computes
	// nextRunAt via cron evaluation before calling this, so the adapter never
	// needs to understand cron syntax itself).
	CreateScheduledSpec(ctx context.Context, taskName string, payload []byte, specType ScheduledSpecType, pattern string, runAt *time.Time, nextRunAt *time.Time, opts ScheduledSpecOptions) (*ScheduledSpec, error)
	GetScheduledSpec(ctx context.Context, id uuid.UUID) (*ScheduledSpec, error)
	ListScheduledSpecs(ctx context.Context, filter ScheduledSpecFilter) ([]*ScheduledSpec, error)
	UpdateScheduledSpec(ctx context.Context, id uuid.UUID, updates map[string]any) error
	DeleteScheduledSpec(ctx context.Context, id uuid.UUID) error

	// GetScheduledJobsToRun returns every ScheduledSpec that is due as of now:
	// OneTime specs with RunAt <= now and status Scheduled, plus Recurring
	// specs with NextRunAt <= now and status Scheduled.
	GetScheduledJobsToRun(ctx context.Context, now time.Time) ([]*ScheduledSpec, error)
}
