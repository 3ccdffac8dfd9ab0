package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arunrao/turbomq/store"
	"github.com/arunrao/turbomq/testutil"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	return New(testutil.Redis(t))
}

func TestCreateJobAndFetchNextJob(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	job, err := a.CreateJob(ctx, "work", []byte(`{"x":1}`), store.CreateJobOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	claimed, err := a.FetchNextJob(ctx, "worker-1", []string{"work"})
	if err != nil {
		t.Fatalf("fetch next job: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("claimed = %v, want job %s", claimed, job.ID)
	}
	if claimed.AttemptsMade != 1 {
		t.Errorf("AttemptsMade = %d, want 1 on claim", claimed.AttemptsMade)
	}
}

func TestFetchNextBatchClaimRaceNeverDoubleDelivers(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1}); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	var total int

	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				jobs, err := a.FetchNextBatch(ctx, "worker", []string{"work"}, 2)
				if err != nil {
					t.Errorf("fetch next batch: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					if seen[j.ID.String()] {
						t.Errorf("job %s claimed twice", j.ID)
					}
					seen[j.ID.String()] = true
					total++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if total != n {
		t.Errorf("total claimed = %d, want %d", total, n)
	}
}

func TestUpdateJobsBatchRequeuesIntoPendingSet(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	job, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := a.FetchNextJob(ctx, "worker-1", []string{"work"}); err != nil {
		t.Fatalf("fetch next job: %v", err)
	}

	retryAt := time.Now().Add(-time.Second) // already due
	if err := a.UpdateJobsBatch(ctx, []uuid.UUID{job.ID}, map[string]any{
		"status": store.StatusPending,
		"run_at": retryAt,
	}); err != nil {
		t.Fatalf("update jobs batch: %v", err)
	}

	claimed, err := a.FetchNextJob(ctx, "worker-2", []string{"work"})
	if err != nil {
		t.Fatalf("fetch next job after requeue: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected the requeued job to be claimable again, got %v", claimed)
	}
}

func TestFetchNextBatchReclaimsStaleRunningWithoutSweep(t *testing.T) {
	a := newTestAdapter(t)
	a.StaleThreshold = 10 * time.Millisecond
	ctx := context.Background()

	job, err := a.CreateJob(ctx, "stale-reclaim", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := a.FetchNextJob(ctx, "worker-1", []string{"stale-reclaim"}); err != nil {
		t.Fatalf("initial claim: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	// No CleanupStaleJobs call: the opportunistic claim path itself must
	// find and reclaim a Running-but-stale job, per S4.
	reclaimed, err := a.FetchNextJob(ctx, "worker-2", []string{"stale-reclaim"})
	if err != nil {
		t.Fatalf("reclaim fetch: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != job.ID {
		t.Fatalf("reclaimed = %v, want the stale job %s", reclaimed, job.ID)
	}
	if reclaimed.WorkerID != "worker-2" {
		t.Errorf("WorkerID = %q, want worker-2", reclaimed.WorkerID)
	}
	if reclaimed.AttemptsMade != 2 {
		t.Errorf("AttemptsMade = %d, want 2 (claimed twice)", reclaimed.AttemptsMade)
	}
}

func TestFetchNextBatchOrdersByPriorityRunAtCreatedAtID(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)

	low, err := a.CreateJob(ctx, "order-test", []byte(`{}`), store.CreateJobOptions{Priority: 0, MaxAttempts: 1, RunAt: base})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	highOlder, err := a.CreateJob(ctx, "order-test", []byte(`{}`), store.CreateJobOptions{Priority: 5, MaxAttempts: 1, RunAt: base})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	highNewer, err := a.CreateJob(ctx, "order-test", []byte(`{}`), store.CreateJobOptions{Priority: 5, MaxAttempts: 1, RunAt: base})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := a.mutateJob(ctx, highNewer.ID, func(j *store.Job) { j.CreatedAt = base.Add(time.Second) }); err != nil {
		t.Fatalf("bump created_at: %v", err)
	}

	claimed, err := a.FetchNextBatch(ctx, "worker-1", []string{"order-test"}, 3)
	if err != nil {
		t.Fatalf("fetch next batch: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d jobs, want 3", len(claimed))
	}
	if claimed[0].ID != highOlder.ID {
		t.Errorf("claimed[0] = %s, want the higher-priority, earlier-created job %s", claimed[0].ID, highOlder.ID)
	}
	if claimed[1].ID != highNewer.ID {
		t.Errorf("claimed[1] = %s, want the higher-priority, later-created job %s", claimed[1].ID, highNewer.ID)
	}
	if claimed[2].ID != low.ID {
		t.Errorf("claimed[2] = %s, want the lower-priority job %s", claimed[2].ID, low.ID)
	}
}

func TestCompleteJobAndFailJob(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	completed, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := a.CompleteJob(ctx, completed.ID, "result-key"); err != nil {
		t.Fatalf("complete job: %v", err)
	}
	reloaded, err := a.GetJobByID(ctx, completed.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.Status != store.StatusCompleted {
		t.Errorf("status = %v, want Completed", reloaded.Status)
	}

	failed, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := a.FailJob(ctx, failed.ID, nil); err != nil {
		t.Fatalf("fail job: %v", err)
	}
	reloadedFailed, err := a.GetJobByID(ctx, failed.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloadedFailed.Status != store.StatusFailed {
		t.Errorf("status = %v, want Failed", reloadedFailed.Status)
	}
}
