// Package redisstore implements store.StorageAdapter over go-redis/v9.
// Redis has neither row locks nor serializable transactions, so
// FetchNextBatch claims jobs with an optimistic compare-and-swap: read a
// candidate's watched hash, verify it is still Pending-and-due or
// Running-but-stale inside a WATCH/MULTI transaction, and retry against the
// next candidate if another worker won the race. A second sorted set tracks
// Running jobs by lastHeartbeat so a crashed worker's job can be found and
// reclaimed the same way, ahead of the next CleanupStaleJobs sweep. This
// adapter does not implement store.SchedulerCapableAdapter — scheduled specs
// need range queries (next_run_at <= now) that are native to a sorted set
// but awkward to keep consistent under the same optimistic pattern, so
// recurring/one-time scheduling is left to the SQL adapters.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arunrao/turbomq/store"
)

const (
	keyJobHashPrefix = "turbomq:job:"
	keyPendingZSet   = "turbomq:pending"
	keyRunningZSet   = "turbomq:running"
	keyResultPrefix  = "turbomq:result:"
	keyHeartbeatHash = "turbomq:heartbeats"
)

// Adapter wraps a *redis.Client. Priority/run_at ordering is modeled with a
// sorted-set score of (-priority * 1e15 + runAt in Unix seconds) so ZRANGEBYSCORE
// naturally yields highest-priority, earliest-runAt first; the final
// priority/runAt/createdAt/id tie-break is applied in Go once candidates are
// fetched, since a single float score has no room for a fourth dimension.
// keyRunningZSet mirrors the claimed-and-running population, scored by
// lastHeartbeat, so FetchNextBatch can find a crashed worker's job without
// waiting on CleanupStaleJobs.
type Adapter struct {
	rdb *redis.Client

	// StaleThreshold is the default window FetchNextBatch uses to decide a
	// Running job has gone stale, mirroring store.DefaultStaleThreshold.
	// Callers composing a worker with a different threshold should set
	// this to the same value so the adapter's opportunistic reclaim and
	// the worker's CleanupStaleJobs sweep agree on staleness.
	StaleThreshold time.Duration
}

func New(rdb *redis.Client) *Adapter {
	return &Adapter{rdb: rdb, StaleThreshold: store.DefaultStaleThreshold}
}

func (a *Adapter) Connect(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	return a.rdb.Close()
}

func jobKey(id uuid.UUID) string { return keyJobHashPrefix + id.String() }

func score(priority int, runAt time.Time) float64 {
	return float64(-priority)*1e15 + float64(runAt.UnixNano())/1e9
}

func heartbeatScore(t time.Time) float64 {
	return float64(t.UnixNano())
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
		Payload:     payload,
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
			return nil, fmt.Errorf("redisstore: marshal webhook headers: %w", err)
		}
		job.WebhookHeaders = b
	}

	pipe := a.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), encodeJob(job), 0)
	pipe.ZAdd(ctx, keyPendingZSet, redis.Z{Score: score(job.Priority, job.RunAt), Member: job.ID.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisstore: create job: %w", err)
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

func (a *Adapter) FetchNextBatch(ctx context.Context, workerID string, availableTasks []string, batchSize int) ([]*store.Job, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	if len(availableTasks) == 0 {
		return nil, nil
	}
	allowed := make(map[string]bool, len(availableTasks))
	for _, t := range availableTasks {
		allowed[t] = true
	}

	now := time.Now().UTC()
	staleThreshold := a.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = store.DefaultStaleThreshold
	}
	staleBefore := now.Add(-staleThreshold)
	var claimed []*store.Job

	// Scan a generous window of candidates since some may be ineligible
	// (wrong task, future run_at, lost a race) without giving up the batch.
	// Pending-and-due candidates come from keyPendingZSet; Running-but-stale
	// candidates (a crashed worker's jobs) come from keyRunningZSet, which is
	// scored by lastHeartbeat rather than priority/runAt.
	pendingIDs, err := a.rdb.ZRangeByScore(ctx, keyPendingZSet, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatFloat(score(-1000, now), 'f', -1, 64), Count: int64(batchSize * 20),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: scan pending candidates: %w", err)
	}
	staleIDs, err := a.rdb.ZRangeByScore(ctx, keyRunningZSet, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatFloat(heartbeatScore(staleBefore), 'f', -1, 64), Count: int64(batchSize * 20),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: scan stale candidates: %w", err)
	}

	seen := make(map[string]bool, len(pendingIDs)+len(staleIDs))
	var candidates []*store.Job
	for _, idStr := range append(pendingIDs, staleIDs...) {
		if seen[idStr] {
			continue
		}
		seen[idStr] = true
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		raw, err := a.rdb.Get(ctx, jobKey(id)).Result()
		if err != nil {
			continue
		}
		job, err := decodeJob(raw)
		if err != nil {
			continue
		}
		if !claimEligible(job, now, staleBefore) {
			continue
		}
		if len(allowed) > 0 && !allowed[job.TaskName] {
			continue
		}
		candidates = append(candidates, job)
	}

	// Mirrors the priority DESC, runAt ASC, createdAt ASC, id ASC ordering
	// the SQL adapters apply via ORDER BY; Redis's zset score only carries
	// the first two dimensions, so the tie-break happens here.
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.Priority != cj.Priority {
			return ci.Priority > cj.Priority
		}
		if !ci.RunAt.Equal(cj.RunAt) {
			return ci.RunAt.Before(cj.RunAt)
		}
		if !ci.CreatedAt.Equal(cj.CreatedAt) {
			return ci.CreatedAt.Before(cj.CreatedAt)
		}
		return ci.ID.String() < cj.ID.String()
	})

	for _, c := range candidates {
		if len(claimed) >= batchSize {
			break
		}
		job, ok, err := a.tryClaimJob(ctx, c.ID, workerID, allowed, now, staleBefore)
		if err != nil {
			return claimed, fmt.Errorf("redisstore: claim candidate: %w", err)
		}
		if ok {
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

// claimEligible reports whether job may be claimed: Pending-and-due, or
// Running with a lastHeartbeat older than staleBefore. Failed is terminal in
// this design — a retried job goes back to Pending with a backed-off run_at
// rather than ever being claimable while Failed.
func claimEligible(job *store.Job, now, staleBefore time.Time) bool {
	switch job.Status {
	case store.StatusPending:
		return !job.RunAt.After(now)
	case store.StatusRunning:
		return job.LastHeartbeat != nil && job.LastHeartbeat.Before(staleBefore)
	default:
		return false
	}
}

// tryClaimJob performs an optimistic WATCH/MULTI claim of one job: if
// another worker's transaction commits first, Redis aborts ours and we
// report a clean miss (ok=false, err=nil) rather than an error.
func (a *Adapter) tryClaimJob(ctx context.Context, id uuid.UUID, workerID string, allowed map[string]bool, now, staleBefore time.Time) (*store.Job, bool, error) {
	var claimedJob *store.Job
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, jobKey(id)).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		job, err := decodeJob(raw)
		if err != nil {
			return err
		}
		if !claimEligible(job, now, staleBefore) {
			return nil
		}
		if len(allowed) > 0 && !allowed[job.TaskName] {
			return nil
		}

		job.Status = store.StatusRunning
		job.WorkerID = workerID
		job.AttemptsMade++
		job.UpdatedAt = now
		job.LastHeartbeat = &now

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), encodeJob(job), 0)
			pipe.ZRem(ctx, keyPendingZSet, id.String())
			pipe.ZAdd(ctx, keyRunningZSet, redis.Z{Score: heartbeatScore(now), Member: id.String()})
			return nil
		})
		if err != nil {
			return err
		}
		claimedJob = job
		return nil
	}

	err := a.rdb.Watch(ctx, txf, jobKey(id))
	if err == redis.TxFailedErr {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if claimedJob == nil {
		return nil, false, nil
	}
	return claimedJob, true, nil
}

func (a *Adapter) mutateJob(ctx context.Context, id uuid.UUID, mutate func(*store.Job)) error {
	raw, err := a.rdb.Get(ctx, jobKey(id)).Result()
	if err == redis.Nil {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	job, err := decodeJob(raw)
	if err != nil {
		return err
	}
	mutate(job)
	return a.rdb.Set(ctx, jobKey(id), encodeJob(job), 0).Err()
}

func (a *Adapter) CompleteJob(ctx context.Context, id uuid.UUID, resultKey string) error {
	now := time.Now().UTC()
	err := a.mutateJob(ctx, id, func(j *store.Job) {
		j.Status = store.StatusCompleted
		j.Progress = 100
		j.ResultKey = resultKey
		j.CompletedAt = &now
		j.UpdatedAt = now
	})
	if err != nil {
		return fmt.Errorf("redisstore: complete job: %w", err)
	}
	a.rdb.ZRem(ctx, keyRunningZSet, id.String())
	return nil
}

func (a *Adapter) FailJob(ctx context.Context, id uuid.UUID, cause error) error {
	now := time.Now().UTC()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := a.mutateJob(ctx, id, func(j *store.Job) {
		j.Status = store.StatusFailed
		j.LastError = msg
		j.CompletedAt = &now
		j.UpdatedAt = now
	})
	if err != nil {
		return fmt.Errorf("redisstore: fail job: %w", err)
	}
	a.rdb.ZRem(ctx, keyRunningZSet, id.String())
	return nil
}

func (a *Adapter) UpdateJobStatus(ctx context.Context, id uuid.UUID, status store.JobStatus) error {
	now := time.Now().UTC()
	err := a.mutateJob(ctx, id, func(j *store.Job) {
		j.Status = status
		j.UpdatedAt = now
	})
	if err != nil {
		return fmt.Errorf("redisstore: update job status: %w", err)
	}
	if status == store.StatusRunning {
		a.rdb.ZAdd(ctx, keyRunningZSet, redis.Z{Score: heartbeatScore(now), Member: id.String()})
	} else {
		a.rdb.ZRem(ctx, keyRunningZSet, id.String())
	}
	return nil
}

func (a *Adapter) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	err := a.mutateJob(ctx, id, func(j *store.Job) {
		j.Progress = progress
		j.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		return fmt.Errorf("redisstore: update job progress: %w", err)
	}
	return nil
}

func (a *Adapter) UpdateJobsBatch(ctx context.Context, ids []uuid.UUID, updates map[string]any) error {
	now := time.Now().UTC()
	for _, id := range ids {
		err := a.mutateJob(ctx, id, func(j *store.Job) {
			applyUpdates(j, updates)
			if runAt, ok := updates["run_at"].(time.Time); ok {
				// A requeue back to Pending must reappear in the claimable zset
				// and leave the running one, or a live job would look stale.
				_ = a.rdb.ZAdd(ctx, keyPendingZSet, redis.Z{Score: score(j.Priority, runAt), Member: id.String()}).Err()
				_ = a.rdb.ZRem(ctx, keyRunningZSet, id.String()).Err()
			}
		})
		if err != nil {
			return fmt.Errorf("redisstore: update jobs batch: %w", err)
		}
	}
	_ = now
	return nil
}

func applyUpdates(j *store.Job, updates map[string]any) {
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
		case "updated_at":
			if t, ok := v.(time.Time); ok {
				j.UpdatedAt = t
			}
		}
	}
}

func (a *Adapter) Heartbeat(ctx context.Context, workerID string, jobID *uuid.UUID) error {
	now := time.Now().UTC()
	hb := store.WorkerHeartbeat{WorkerID: workerID, LastSeen: now, CurrentJobID: jobID}
	b, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("redisstore: marshal heartbeat: %w", err)
	}
	if err := a.rdb.HSet(ctx, keyHeartbeatHash, workerID, b).Err(); err != nil {
		return fmt.Errorf("redisstore: heartbeat: %w", err)
	}
	if jobID != nil {
		if err := a.mutateJob(ctx, *jobID, func(j *store.Job) { j.LastHeartbeat = &now }); err != nil && err != store.ErrNotFound {
			return fmt.Errorf("redisstore: heartbeat job touch: %w", err)
		}
		// Refresh the running-set score so a live job never looks stale to
		// FetchNextBatch's opportunistic reclaim between heartbeats.
		a.rdb.ZAdd(ctx, keyRunningZSet, redis.Z{Score: heartbeatScore(now), Member: jobID.String()})
	}
	return nil
}

func (a *Adapter) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	raw, err := a.rdb.Get(ctx, jobKey(id)).Result()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get job: %w", err)
	}
	return decodeJob(raw)
}

func (a *Adapter) ListJobs(ctx context.Context, filter store.JobFilter) ([]*store.Job, error) {
	var cursor uint64
	var out []*store.Job
	for {
		keys, next, err := a.rdb.Scan(ctx, cursor, keyJobHashPrefix+"*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: list jobs: %w", err)
		}
		for _, k := range keys {
			raw, err := a.rdb.Get(ctx, k).Result()
			if err != nil {
				continue
			}
			job, err := decodeJob(raw)
			if err != nil {
				continue
			}
			if filter.Status != "" && job.Status != filter.Status {
				continue
			}
			if filter.TaskName != "" && job.TaskName != filter.TaskName {
				continue
			}
			if filter.WorkerID != "" && job.WorkerID != filter.WorkerID {
				continue
			}
			out = append(out, job)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
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
	jobs, err := a.ListJobs(ctx, store.JobFilter{Status: status})
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, j := range jobs {
		if !opts.Before.IsZero() && !j.UpdatedAt.Before(opts.Before) {
			continue
		}
		if err := a.rdb.Del(ctx, jobKey(j.ID)).Err(); err != nil {
			return removed, fmt.Errorf("redisstore: remove job: %w", err)
		}
		a.rdb.ZRem(ctx, keyPendingZSet, j.ID.String())
		a.rdb.ZRem(ctx, keyRunningZSet, j.ID.String())
		removed++
	}
	return removed, nil
}

func (a *Adapter) GetDetailedJobInfo(ctx context.Context, id uuid.UUID) (*store.Job, *store.JobResult, error) {
	job, err := a.GetJobByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if job.ResultKey == "" {
		return job, nil, nil
	}
	raw, err := a.GetResult(ctx, job.ResultKey)
	if err != nil {
		if err == store.ErrNotFound {
			return job, nil, nil
		}
		return nil, nil, err
	}
	return job, &store.JobResult{Key: job.ResultKey, JobID: job.ID, Value: raw}, nil
}

func (a *Adapter) StoreResult(ctx context.Context, jobID uuid.UUID, value []byte) (string, error) {
	key := jobID.String()
	if err := a.rdb.Set(ctx, keyResultPrefix+key, value, 0).Err(); err != nil {
		return "", fmt.Errorf("redisstore: store result: %w", err)
	}
	return key, nil
}

func (a *Adapter) GetResult(ctx context.Context, key string) ([]byte, error) {
	raw, err := a.rdb.Get(ctx, keyResultPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get result: %w", err)
	}
	return raw, nil
}

func (a *Adapter) CleanupStaleJobs(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleThreshold)
	jobs, err := a.ListJobs(ctx, store.JobFilter{Status: store.StatusRunning})
	if err != nil {
		return 0, err
	}
	var released int64
	for _, j := range jobs {
		if j.LastHeartbeat != nil && j.LastHeartbeat.After(cutoff) {
			continue
		}
		now := time.Now().UTC()
		err := a.mutateJob(ctx, j.ID, func(job *store.Job) {
			job.Status = store.StatusPending
			job.WorkerID = ""
			job.LastHeartbeat = nil
			job.UpdatedAt = now
		})
		if err != nil {
			return released, fmt.Errorf("redisstore: cleanup stale jobs: %w", err)
		}
		a.rdb.ZAdd(ctx, keyPendingZSet, redis.Z{Score: score(j.Priority, j.RunAt), Member: j.ID.String()})
		a.rdb.ZRem(ctx, keyRunningZSet, j.ID.String())
		released++
	}
	return released, nil
}

func (a *Adapter) GetQueueStats(ctx context.Context) (store.QueueStats, error) {
	jobs, err := a.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return store.QueueStats{}, err
	}
	var stats store.QueueStats
	for _, j := range jobs {
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

func encodeJob(j *store.Job) []byte {
	b, _ := json.Marshal(j)
	return b
}

func decodeJob(raw string) (*store.Job, error) {
	var j store.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}
