// Package sqlitestore implements store.SchedulerCapableAdapter over
// mattn/go-sqlite3 via GORM. SQLite has no SKIP LOCKED; FetchNextBatch
// instead opens an IMMEDIATE transaction, which takes SQLite's single
// reserved write lock up front so no other writer's claim can interleave
// with this one.
package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/arunrao/turbomq/store"
)

// Adapter wraps a *gorm.DB opened against a SQLite file or memory database.
type Adapter struct {
	db *gorm.DB

	// StaleThreshold is how old a Running job's lastHeartbeat must be before
	// FetchNextBatch will opportunistically reclaim it, ahead of the next
	// CleanupStaleJobs sweep. Defaults to store.DefaultStaleThreshold; set
	// directly after New to match the Worker's configured StaleThreshold.
	StaleThreshold time.Duration
}

func New(db *gorm.DB) *Adapter {
	return &Adapter{db: db, StaleThreshold: store.DefaultStaleThreshold}
}

func (a *Adapter) Connect(ctx context.Context) error {
	return a.db.WithContext(ctx).AutoMigrate(
		&store.Job{},
		&store.JobResult{},
		&store.WorkerHeartbeat{},
		&store.ScheduledSpec{},
	)
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (a *Adapter) CreateJob(ctx context.Context, taskName string, payload []byte, opts store.CreateJobOptions) (*store.Job, error) {
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
		Payload:     datatypes.JSON(payload),
		Status:      store.StatusPending,
		Priority:    opts.Priority,
		RunAt:       runAt,
		MaxAttempts: maxAttempts,
		WebhookURL:  opts.WebhookURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.WebhookHeaders != nil {
		b, err := json.Marshal(opts.WebhookHeaders)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: marshal webhook headers: %w", err)
		}
		job.WebhookHeaders = datatypes.JSON(b)
	}
	if err := a.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("sqlitestore: create job: %w", err)
	}
	return job, nil
}

func (a *Adapter) FetchNextJob(ctx context.Context, workerID string, availableTasks []string) (*store.Job, error) {
	jobs, err := a.FetchNextBatch(ctx, workerID, availableTasks, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// FetchNextBatch runs entirely inside a BEGIN IMMEDIATE transaction (via
// sqlite3's _txlock=immediate DSN parameter, which the caller is expected to
// set; app.New's SQLite wiring appends it) so the reserved lock is acquired
// before the SELECT runs,
// making the select-then-update claim atomic against concurrent claimers.
// Eligible rows are Pending-and-due, or Running but stale (lastHeartbeat
// older than StaleThreshold), letting a crashed worker's job be re-claimed
// before the next CleanupStaleJobs sweep runs.
func (a *Adapter) FetchNextBatch(ctx context.Context, workerID string, availableTasks []string, batchSize int) ([]*store.Job, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	if len(availableTasks) == 0 {
		return nil, nil
	}
	staleThreshold := a.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = store.DefaultStaleThreshold
	}

	var claimed []*store.Job
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []*store.Job
		now := time.Now().UTC()
		staleBefore := now.Add(-staleThreshold)
		err := tx.
			Where("task_name IN ?", availableTasks).
			Where(
				"(status = ? AND run_at <= ?) OR (status = ? AND last_heartbeat < ?)",
				store.StatusPending, now, store.StatusRunning, staleBefore,
			).
			Order("priority DESC, run_at ASC, created_at ASC, id ASC").
			Limit(batchSize).
			Find(&candidates).Error
		if err != nil {
			return fmt.Errorf("select candidates: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}

		if err := tx.Model(&store.Job{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":         store.StatusRunning,
				"worker_id":      workerID,
				"attempts_made":  gorm.Expr("attempts_made + 1"),
				"last_heartbeat": now,
				"updated_at":     now,
			}).Error; err != nil {
			return fmt.Errorf("claim candidates: %w", err)
		}

		if err := tx.Where("id IN ?", ids).Find(&claimed).Error; err != nil {
			return fmt.Errorf("reload claimed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: fetch next batch: %w", err)
	}
	return claimed, nil
}

func (a *Adapter) CompleteJob(ctx context.Context, id uuid.UUID, resultKey string) error {
	now := time.Now().UTC()
	res := a.db.WithContext(ctx).Model(&store.Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":       store.StatusCompleted,
		"progress":     100,
		"result_key":   resultKey,
		"completed_at": now,
		"updated_at":   now,
	})
	if res.Error != nil {
		return fmt.Errorf("sqlitestore: complete job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a *Adapter) FailJob(ctx context.Context, id uuid.UUID, cause error) error {
	now := time.Now().UTC()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res := a.db.WithContext(ctx).Model(&store.Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":       store.StatusFailed,
		"last_error":   msg,
		"completed_at": now,
		"updated_at":   now,
	})
	if res.Error != nil {
		return fmt.Errorf("sqlitestore: fail job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a *Adapter) UpdateJobStatus(ctx context.Context, id uuid.UUID, status store.JobStatus) error {
	res := a.db.WithContext(ctx).Model(&store.Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("sqlitestore: update job status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a *Adapter) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	res := a.db.WithContext(ctx).Model(&store.Job{}).Where("id = ?", id).Updates(map[string]any{
		"progress":   progress,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("sqlitestore: update job progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a *Adapter) UpdateJobsBatch(ctx context.Context, ids []uuid.UUID, updates map[string]any) error {
	if len(ids) == 0 {
		return nil
	}
	if err := a.db.WithContext(ctx).Model(&store.Job{}).Where("id IN ?", ids).Updates(updates).Error; err != nil {
		return fmt.Errorf("sqlitestore: update jobs batch: %w", err)
	}
	return nil
}

func (a *Adapter) Heartbeat(ctx context.Context, workerID string, jobID *uuid.UUID) error {
	now := time.Now().UTC()
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing store.WorkerHeartbeat
		err := tx.Where("worker_id = ?", workerID).First(&existing).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			if err := tx.Create(&store.WorkerHeartbeat{WorkerID: workerID, LastSeen: now, CurrentJobID: jobID}).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&existing).Updates(map[string]any{"last_seen": now, "current_job_id": jobID}).Error; err != nil {
				return err
			}
		}
		if jobID != nil {
			if err := tx.Model(&store.Job{}).Where("id = ?", *jobID).Update("last_heartbeat", now).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Adapter) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	var job store.Job
	err := a.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlitestore: get job: %w", err)
	}
	return &job, nil
}

func (a *Adapter) ListJobs(ctx context.Context, filter store.JobFilter) ([]*store.Job, error) {
	q := a.db.WithContext(ctx).Model(&store.Job{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.TaskName != "" {
		q = q.Where("task_name = ?", filter.TaskName)
	}
	if filter.WorkerID != "" {
		q = q.Where("worker_id = ?", filter.WorkerID)
	}
	q = q.Order("created_at ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var jobs []*store.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("sqlitestore: list jobs: %w", err)
	}
	return jobs, nil
}

func (a *Adapter) RemoveJobsByStatus(ctx context.Context, status store.JobStatus, opts store.CleanupOptions) (int64, error) {
	q := a.db.WithContext(ctx).Where("status = ?", status)
	if !opts.Before.IsZero() {
		q = q.Where("updated_at < ?", opts.Before)
	}
	res := q.Delete(&store.Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("sqlitestore: remove jobs by status: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (a *Adapter) GetDetailedJobInfo(ctx context.Context, id uuid.UUID) (*store.Job, *store.JobResult, error) {
	job, err := a.GetJobByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if job.ResultKey == "" {
		return job, nil, nil
	}
	var result store.JobResult
	err = a.db.WithContext(ctx).Where("key = ?", job.ResultKey).First(&result).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return job, nil, nil
		}
		return nil, nil, fmt.Errorf("sqlitestore: get result: %w", err)
	}
	return job, &result, nil
}

func (a *Adapter) StoreResult(ctx context.Context, jobID uuid.UUID, value []byte) (string, error) {
	key := jobID.String()
	return key, a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing store.JobResult
		err := tx.Where("key = ?", key).First(&existing).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			return tx.Create(&store.JobResult{Key: key, JobID: jobID, Value: datatypes.JSON(value), CreatedAt: time.Now().UTC()}).Error
		case err != nil:
			return err
		default:
			return tx.Model(&existing).Updates(map[string]any{"value": datatypes.JSON(value), "created_at": time.Now().UTC()}).Error
		}
	})
}

func (a *Adapter) GetResult(ctx context.Context, key string) ([]byte, error) {
	var result store.JobResult
	err := a.db.WithContext(ctx).Where("key = ?", key).First(&result).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlitestore: get result: %w", err)
	}
	return []byte(result.Value), nil
}

func (a *Adapter) CleanupStaleJobs(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleThreshold)
	res := a.db.WithContext(ctx).Model(&store.Job{}).
		Where("status = ?", store.StatusRunning).
		Where("last_heartbeat IS NULL OR last_heartbeat < ?", cutoff).
		Updates(map[string]any{
			"status":         store.StatusPending,
			"worker_id":      "",
			"last_heartbeat": nil,
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("sqlitestore: cleanup stale jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (a *Adapter) GetQueueStats(ctx context.Context) (store.QueueStats, error) {
	var stats store.QueueStats
	type row struct {
		Status store.JobStatus
		Count  int64
	}
	var rows []row
	if err := a.db.WithContext(ctx).Model(&store.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return stats, fmt.Errorf("sqlitestore: queue stats: %w", err)
	}
	for _, r := range rows {
		switch r.Status {
		case store.StatusPending:
			stats.Pending = r.Count
		case store.StatusRunning:
			stats.Running = r.Count
		case store.StatusCompleted:
			stats.Completed = r.Count
		case store.StatusFailed:
			stats.Failed = r.Count
		}
	}
	return stats, nil
}

func (a *Adapter) CreateScheduledSpec(ctx context.Context, taskName string, payload []byte, specType store.ScheduledSpecType, pattern string, runAt *time.Time, nextRunAt *time.Time, opts store.ScheduledSpecOptions) (*store.ScheduledSpec, error) {
	now := time.Now().UTC()
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	spec := &store.ScheduledSpec{
		ID:          uuid.New(),
		TaskName:    taskName,
		Payload:     datatypes.JSON(payload),
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
		b, err := json.Marshal(opts.Metadata)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: marshal metadata: %w", err)
		}
		spec.Metadata = datatypes.JSON(b)
	}
	if err := a.db.WithContext(ctx).Create(spec).Error; err != nil {
		return nil, fmt.Errorf("sqlitestore: create scheduled spec: %w", err)
	}
	return spec, nil
}

func (a *Adapter) GetScheduledSpec(ctx context.Context, id uuid.UUID) (*store.ScheduledSpec, error) {
	var spec store.ScheduledSpec
	err := a.db.WithContext(ctx).Where("id = ?", id).First(&spec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlitestore: get scheduled spec: %w", err)
	}
	return &spec, nil
}

func (a *Adapter) ListScheduledSpecs(ctx context.Context, filter store.ScheduledSpecFilter) ([]*store.ScheduledSpec, error) {
	q := a.db.WithContext(ctx).Model(&store.ScheduledSpec{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	q = q.Order("created_at ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var specs []*store.ScheduledSpec
	if err := q.Find(&specs).Error; err != nil {
		return nil, fmt.Errorf("sqlitestore: list scheduled specs: %w", err)
	}
	return specs, nil
}

func (a *Adapter) UpdateScheduledSpec(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	res := a.db.WithContext(ctx).Model(&store.ScheduledSpec{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("sqlitestore: update scheduled spec: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a *Adapter) DeleteScheduledSpec(ctx context.Context, id uuid.UUID) error {
	res := a.db.WithContext(ctx).Where("id = ?", id).Delete(&store.ScheduledSpec{})
	if res.Error != nil {
		return fmt.Errorf("sqlitestore: delete scheduled spec: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a *Adapter) GetScheduledJobsToRun(ctx context.Context, now time.Time) ([]*store.ScheduledSpec, error) {
	var specs []*store.ScheduledSpec
	err := a.db.WithContext(ctx).
		Where("status = ?", store.SpecScheduled).
		Where("(type = ? AND run_at <= ?) OR (type = ? AND next_run_at <= ?)",
			store.SpecOneTime, now, store.SpecRecurring, now).
		Find(&specs).Error
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get scheduled jobs to run: %w", err)
	}
	return specs, nil
}
