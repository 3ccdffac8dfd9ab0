// Package memory implements store.StorageAdapter and
// store.SchedulerCapableAdapter entirely in-process, for unit tests of the
// queue/worker/pool/scheduler packages that would otherwise need a live
// Postgres/SQLite/Redis instance.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arunrao/turbomq/store"
)

// Adapter is a single-process, mutex-guarded implementation of the full
// storage contract. Claims are atomic because every method holds the same
// lock for its whole duration — there is no concurrent-writer problem to
// solve, unlike the SQL/Redis adapters this mirrors.
type Adapter struct {
	mu sync.Mutex

	jobs       map[uuid.UUID]*store.Job
	results    map[string][]byte
	heartbeats map[string]*store.WorkerHeartbeat
	specs      map[uuid.UUID]*store.ScheduledSpec

	resultSeq int

	// StaleThreshold is how old a Running job's LastHeartbeat must be before
	// FetchNextBatch will opportunistically reclaim it, ahead of the next
	// CleanupStaleJobs sweep. Defaults to store.DefaultStaleThreshold; set
	// directly after New to match the Worker's configured StaleThreshold.
	StaleThreshold time.Duration
}

func New() *Adapter {
	return &Adapter{
		jobs:           make(map[uuid.UUID]*store.Job),
		results:        make(map[string][]byte),
		heartbeats:     make(map[string]*store.WorkerHeartbeat),
		specs:          make(map[uuid.UUID]*store.ScheduledSpec),
		StaleThreshold: store.DefaultStaleThreshold,
	}
}

func (a *Adapter) Connect(ctx context.Context) error    { return nil }
func (a *Adapter) Disconnect(ctx context.Context) error { return nil }

func (a *Adapter) CreateJob(ctx context.Context, taskName string, payload []byte, opts store.CreateJobOptions) (*store.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	job := &store.Job{
		ID:          uuid.New(),
		TaskName:    taskName,
		Payload:     append([]byte(nil), payload...),
		Status:      store.StatusPending,
		Priority:    opts.Priority,
		RunAt:       runAt,
		MaxAttempts: maxAttempts,
		WebhookURL:  opts.WebhookURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.WebhookHeaders != nil {
		if b, err := json.Marshal(opts.WebhookHeaders); err == nil {
			job.WebhookHeaders = b
		}
	}
	a.jobs[job.ID] = job
	return cloneJob(job), nil
}

func (a *Adapter) FetchNextJob(ctx context.Context, workerID string, availableTasks []string) (*store.Job, error) {
	jobs, err := a.FetchNextBatch(ctx, workerID, availableTasks, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

func (a *Adapter) FetchNextBatch(ctx context.Context, workerID string, availableTasks []string, batchSize int) ([]*store.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	allowed := make(map[string]bool, len(availableTasks))
	for _, t := range availableTasks {
		allowed[t] = true
	}

	staleThreshold := a.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = store.DefaultStaleThreshold
	}
	now := time.Now().UTC()
	staleBefore := now.Add(-staleThreshold)

	var candidates []*store.Job
	for _, j := range a.jobs {
		if !allowed[j.TaskName] {
			continue
		}
		switch {
		case j.Status == store.StatusPending && !j.RunAt.After(now):
			// eligible: due
		case j.Status == store.StatusRunning && j.LastHeartbeat != nil && j.LastHeartbeat.Before(staleBefore):
			// eligible: abandoned by a crashed worker, reclaim ahead of the sweep
		default:
			continue
		}
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		if !candidates[i].RunAt.Equal(candidates[k].RunAt) {
			return candidates[i].RunAt.Before(candidates[k].RunAt)
		}
		if !candidates[i].CreatedAt.Equal(candidates[k].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
		}
		return candidates[i].ID.String() < candidates[k].ID.String()
	})

	if batchSize <= 0 {
		batchSize = 1
	}
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	claimed := make([]*store.Job, 0, len(candidates))
	for _, j := range candidates {
		j.Status = store.StatusRunning
		j.WorkerID = workerID
		j.AttemptsMade++
		j.UpdatedAt = now
		j.LastHeartbeat = &now
		claimed = append(claimed, cloneJob(j))
	}
	return claimed, nil
}

func (a *Adapter) CompleteJob(ctx context.Context, id uuid.UUID, resultKey string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	j.Status = store.StatusCompleted
	j.Progress = 100
	j.ResultKey = resultKey
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (a *Adapter) FailJob(ctx context.Context, id uuid.UUID, cause error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	j.Status = store.StatusFailed
	if cause != nil {
		j.LastError = cause.Error()
	}
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (a *Adapter) UpdateJobStatus(ctx context.Context, id uuid.UUID, status store.JobStatus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (a *Adapter) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Progress = progress
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (a *Adapter) UpdateJobsBatch(ctx context.Context, ids []uuid.UUID, updates map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		j, ok := a.jobs[id]
		if !ok {
			continue
		}
		applyJobUpdates(j, updates)
	}
	return nil
}

func applyJobUpdates(j *store.Job, updates map[string]any) {
	for k, v := range updates {
		switch k {
		case "status":
			if s, ok := v.(store.JobStatus); ok {
				j.Status = s
			}
		case "last_error":
			if s, ok := v.(string); ok {
				j.LastError = s
			}
		case "run_at":
			if t, ok := v.(time.Time); ok {
				j.RunAt = t
			}
		case "worker_id":
			if s, ok := v.(string); ok {
				j.WorkerID = s
			}
		case "attempts_made":
			if n, ok := v.(int); ok {
				j.AttemptsMade = n
			}
		case "updated_at":
			if t, ok := v.(time.Time); ok {
				j.UpdatedAt = t
			}
		}
	}
}

func (a *Adapter) Heartbeat(ctx context.Context, workerID string, jobID *uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now().UTC()
	a.heartbeats[workerID] = &store.WorkerHeartbeat{WorkerID: workerID, LastSeen: now, CurrentJobID: jobID}
	if jobID != nil {
		if j, ok := a.jobs[*jobID]; ok {
			j.LastHeartbeat = &now
		}
	}
	return nil
}

func (a *Adapter) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (a *Adapter) ListJobs(ctx context.Context, filter store.JobFilter) ([]*store.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*store.Job
	for _, j := range a.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.TaskName != "" && j.TaskName != filter.TaskName {
			continue
		}
		if filter.WorkerID != "" && j.WorkerID != filter.WorkerID {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })

	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		return nil, nil
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (a *Adapter) RemoveJobsByStatus(ctx context.Context, status store.JobStatus, opts store.CleanupOptions) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var removed int64
	for id, j := range a.jobs {
		if j.Status != status {
			continue
		}
		if !opts.Before.IsZero() && !j.UpdatedAt.Before(opts.Before) {
			continue
		}
		delete(a.jobs, id)
		removed++
	}
	return removed, nil
}

func (a *Adapter) GetDetailedJobInfo(ctx context.Context, id uuid.UUID) (*store.Job, *store.JobResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	var result *store.JobResult
	if j.ResultKey != "" {
		if v, ok := a.results[j.ResultKey]; ok {
			result = &store.JobResult{Key: j.ResultKey, JobID: j.ID, Value: v}
		}
	}
	return cloneJob(j), result, nil
}

func (a *Adapter) StoreResult(ctx context.Context, jobID uuid.UUID, value []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resultSeq++
	key := jobID.String()
	a.results[key] = append([]byte(nil), value...)
	return key, nil
}

func (a *Adapter) GetResult(ctx context.Context, key string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.results[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (a *Adapter) CleanupStaleJobs(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := time.Now().UTC().Add(-staleThreshold)
	var released int64
	for _, j := range a.jobs {
		if j.Status != store.StatusRunning {
			continue
		}
		if j.LastHeartbeat == nil || j.LastHeartbeat.Before(cutoff) {
			j.Status = store.StatusPending
			j.WorkerID = ""
			j.LastHeartbeat = nil
			j.UpdatedAt = time.Now().UTC()
			released++
		}
	}
	return released, nil
}

func (a *Adapter) GetQueueStats(ctx context.Context) (store.QueueStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var stats store.QueueStats
	for _, j := range a.jobs {
		switch j.Status {
		case store.StatusPending:
			stats.Pending++
		case store.StatusRunning:
			stats.Running++
		case store.StatusCompleted:
			stats.Completed++
		case store.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (a *Adapter) CreateScheduledSpec(ctx context.Context, taskName string, payload []byte, specType store.ScheduledSpecType, pattern string, runAt *time.Time, nextRunAt *time.Time, opts store.ScheduledSpecOptions) (*store.ScheduledSpec, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	spec := &store.ScheduledSpec{
		ID:          uuid.New(),
		TaskName:    taskName,
		Payload:     append([]byte(nil), payload...),
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		WebhookURL:  opts.WebhookURL,
		Type:        specType,
		Status:      store.SpecScheduled,
		RunAt:       runAt,
		Pattern:     pattern,
		StartDate:   opts.StartDate,
		EndDate:     opts.EndDate,
		NextRunAt:   nextRunAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.Metadata != nil {
		if b, err := json.Marshal(opts.Metadata); err == nil {
			spec.Metadata = b
		}
	}
	a.specs[spec.ID] = spec
	return cloneSpec(spec), nil
}

func (a *Adapter) GetScheduledSpec(ctx context.Context, id uuid.UUID) (*store.ScheduledSpec, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.specs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSpec(s), nil
}

func (a *Adapter) ListScheduledSpecs(ctx context.Context, filter store.ScheduledSpecFilter) ([]*store.ScheduledSpec, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*store.ScheduledSpec
	for _, s := range a.specs {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.Type != "" && s.Type != filter.Type {
			continue
		}
		out = append(out, cloneSpec(s))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		return nil, nil
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (a *Adapter) UpdateScheduledSpec(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.specs[id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range updates {
		switch k {
		case "status":
			if st, ok := v.(store.ScheduledSpecStatus); ok {
				s.Status = st
			}
		case "run_at":
			if t, ok := v.(time.Time); ok {
				s.RunAt = &t
			}
		case "next_run_at":
			if t, ok := v.(time.Time); ok {
				s.NextRunAt = &t
			}
		case "last_run_at":
			if t, ok := v.(time.Time); ok {
				s.LastRunAt = &t
			}
		case "updated_at":
			if t, ok := v.(time.Time); ok {
				s.UpdatedAt = t
			}
		case "pattern":
			if p, ok := v.(string); ok {
				s.Pattern = p
			}
		}
	}
	return nil
}

func (a *Adapter) DeleteScheduledSpec(ctx context.Context, id uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.specs[id]; !ok {
		return store.ErrNotFound
	}
	delete(a.specs, id)
	return nil
}

func (a *Adapter) GetScheduledJobsToRun(ctx context.Context, now time.Time) ([]*store.ScheduledSpec, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*store.ScheduledSpec
	for _, s := range a.specs {
		if s.Status != store.SpecScheduled {
			continue
		}
		switch s.Type {
		case store.SpecOneTime:
			if s.RunAt != nil && !s.RunAt.After(now) {
				out = append(out, cloneSpec(s))
			}
		case store.SpecRecurring:
			if s.NextRunAt != nil && !s.NextRunAt.After(now) {
				out = append(out, cloneSpec(s))
			}
		}
	}
	return out, nil
}

func cloneJob(j *store.Job) *store.Job {
	cp := *j
	return &cp
}

func cloneSpec(s *store.ScheduledSpec) *store.ScheduledSpec {
	cp := *s
	return &cp
}
