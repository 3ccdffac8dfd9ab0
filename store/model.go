package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobStatus is the lifecycle state of a Job. lifecycle.Runner (Succeed, Fail)
// records the handler-driven transitions; claims and the stale sweep are
// adapter operations.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Job is a single durable unit of work. Adapters persist it verbatim; the
// core never inspects Payload beyond handing it to the registered handler.
type Job struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TaskName       string         `gorm:"column:task_name;not null;index" json:"taskName"`
	Payload        datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Status         JobStatus      `gorm:"column:status;not null;index" json:"status"`
	Priority       int            `gorm:"column:priority;not null;default:0;index" json:"priority"`
	RunAt          time.Time      `gorm:"column:run_at;not null;index" json:"runAt"`
	AttemptsMade   int            `gorm:"column:attempts_made;not null;default:0" json:"attemptsMade"`
	MaxAttempts    int            `gorm:"column:max_attempts;not null;default:1" json:"maxAttempts"`
	LastError      string         `gorm:"column:last_error" json:"lastError,omitempty"`
	Progress       int            `gorm:"column:progress;not null;default:0" json:"progress"`
	WorkerID       string         `gorm:"column:worker_id;index" json:"workerId,omitempty"`
	LastHeartbeat  *time.Time     `gorm:"column:last_heartbeat;index" json:"lastHeartbeat,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;index" json:"createdAt"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;not null" json:"updatedAt"`
	CompletedAt    *time.Time     `gorm:"column:completed_at" json:"completedAt,omitempty"`
	ResultKey      string         `gorm:"column:result_key" json:"resultKey,omitempty"`
	WebhookURL     string         `gorm:"column:webhook_url" json:"webhookUrl,omitempty"`
	WebhookHeaders datatypes.JSON `gorm:"column:webhook_headers;type:jsonb" json:"webhookHeaders,omitempty"`
}

func (Job) TableName() string { return "turbomq_jobs" }

// JobResult is a keyed, at-most-once-written result blob for a completed Job.
type JobResult struct {
	Key       string         `gorm:"column:key;primaryKey" json:"key"`
	JobID     uuid.UUID      `gorm:"column:job_id;type:uuid;not null;index" json:"jobId"`
	Value     datatypes.JSON `gorm:"column:value;type:jsonb" json:"value"`
	CreatedAt time.Time      `gorm:"column:created_at;not null" json:"createdAt"`
}

func (JobResult) TableName() string { return "turbomq_job_results" }

// WorkerHeartbeat records the last time a worker proved it was alive, and
// which job (if any) it currently owns. Used for observability; stale-job
// detection reads the Job's own LastHeartbeat, not this record.
type WorkerHeartbeat struct {
	WorkerID      string     `gorm:"column:worker_id;primaryKey" json:"workerId"`
	LastSeen      time.Time  `gorm:"column:last_seen;not null;index" json:"lastSeen"`
	CurrentJobID  *uuid.UUID `gorm:"column:current_job_id;type:uuid" json:"currentJobId,omitempty"`
}

func (WorkerHeartbeat) TableName() string { return "turbomq_worker_heartbeats" }

// ScheduledSpecType distinguishes a one-shot future job from a recurring one.
type ScheduledSpecType string

const (
	SpecOneTime   ScheduledSpecType = "one_time"
	SpecRecurring ScheduledSpecType = "recurring"
)

// ScheduledSpecStatus is the lifecycle state of a ScheduledSpec.
type ScheduledSpecStatus string

const (
	SpecScheduled ScheduledSpecStatus = "scheduled"
	SpecPaused    ScheduledSpecStatus = "paused"
	SpecCompleted ScheduledSpecStatus = "completed"
	SpecCancelled ScheduledSpecStatus = "cancelled"
)

// ScheduledSpec is a declarative rule the Scheduler materializes into Jobs
// when due. It never executes a handler itself.
type ScheduledSpec struct {
	ID             uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	TaskName       string              `gorm:"column:task_name;not null" json:"taskName"`
	Payload        datatypes.JSON      `gorm:"column:payload;type:jsonb" json:"payload"`
	Priority       int                 `gorm:"column:priority;not null;default:0" json:"priority"`
	MaxAttempts    int                 `gorm:"column:max_attempts;not null;default:1" json:"maxAttempts"`
	WebhookURL     string              `gorm:"column:webhook_url" json:"webhookUrl,omitempty"`
	WebhookHeaders datatypes.JSON      `gorm:"column:webhook_headers;type:jsonb" json:"webhookHeaders,omitempty"`
	Type           ScheduledSpecType   `gorm:"column:type;not null" json:"type"`
	Status         ScheduledSpecStatus `gorm:"column:status;not null;index" json:"status"`

	// OneTime
	RunAt *time.Time `gorm:"column:run_at;index" json:"runAt,omitempty"`

	// Recurring
	Pattern   string     `gorm:"column:pattern" json:"pattern,omitempty"`
	StartDate *time.Time `gorm:"column:start_date" json:"startDate,omitempty"`
	EndDate   *time.Time `gorm:"column:end_date" json:"endDate,omitempty"`
	LastRunAt *time.Time `gorm:"column:last_run_at" json:"lastRunAt,omitempty"`
	NextRunAt *time.Time `gorm:"column:next_run_at;index" json:"nextRunAt,omitempty"`

	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt time.Time      `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"column:updated_at;not null" json:"updatedAt"`
}

func (ScheduledSpec) TableName() string { return "turbomq_scheduled_specs" }

// QueueStats summarizes job counts by terminal/non-terminal status.
type QueueStats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
