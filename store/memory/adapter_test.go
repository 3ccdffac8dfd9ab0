package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arunrao/turbomq/store"
)

func TestFetchNextBatchNeverDoubleClaims(t *testing.T) {
	a := New()
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		if _, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1}); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := make(map[string]bool)
	var total int

	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				jobs, err := a.FetchNextBatch(ctx, "worker", []string{"work"}, 3)
				if err != nil {
					t.Errorf("fetch next batch: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					if claimed[j.ID.String()] {
						t.Errorf("job %s claimed twice", j.ID)
					}
					claimed[j.ID.String()] = true
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

func TestFetchNextBatchIncrementsAttemptsMadeOnClaim(t *testing.T) {
	a := New()
	ctx := context.Background()

	job, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.AttemptsMade != 0 {
		t.Fatalf("AttemptsMade = %d before any claim, want 0", job.AttemptsMade)
	}

	claimed, err := a.FetchNextBatch(ctx, "worker-1", []string{"work"}, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("fetch next batch: %v, got %d jobs", err, len(claimed))
	}
	if claimed[0].AttemptsMade != 1 {
		t.Errorf("AttemptsMade = %d after first claim, want 1", claimed[0].AttemptsMade)
	}

	// Requeue it (as FailJob-then-retry would) and claim again.
	if err := a.UpdateJobsBatch(ctx, []uuid.UUID{claimed[0].ID}, map[string]any{"status": store.StatusPending}); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	claimedAgain, err := a.FetchNextBatch(ctx, "worker-1", []string{"work"}, 1)
	if err != nil || len(claimedAgain) != 1 {
		t.Fatalf("fetch next batch (2nd): %v, got %d jobs", err, len(claimedAgain))
	}
	if claimedAgain[0].AttemptsMade != 2 {
		t.Errorf("AttemptsMade = %d after second claim, want 2", claimedAgain[0].AttemptsMade)
	}
}

func TestCleanupStaleJobsReleasesOnlyStaleRunning(t *testing.T) {
	a := New()
	ctx := context.Background()

	fresh, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	stale, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	if _, err := a.FetchNextBatch(ctx, "worker-1", []string{"work"}, 2); err != nil {
		t.Fatalf("fetch next batch: %v", err)
	}

	a.mu.Lock()
	a.jobs[fresh.ID].LastHeartbeat = ptrTime(time.Now().UTC())
	a.jobs[stale.ID].LastHeartbeat = ptrTime(time.Now().UTC().Add(-time.Hour))
	a.mu.Unlock()

	released, err := a.CleanupStaleJobs(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("cleanup stale jobs: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}

	freshReloaded, err := a.GetJobByID(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get fresh job: %v", err)
	}
	if freshReloaded.Status != store.StatusRunning {
		t.Errorf("fresh job status = %v, want Running", freshReloaded.Status)
	}

	staleReloaded, err := a.GetJobByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("get stale job: %v", err)
	}
	if staleReloaded.Status != store.StatusPending {
		t.Errorf("stale job status = %v, want Pending (released)", staleReloaded.Status)
	}
}

func TestGetQueueStatsCountsByStatus(t *testing.T) {
	a := New()
	ctx := context.Background()

	pending, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	_ = pending

	running, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := a.FetchNextBatch(ctx, "worker-1", []string{"work"}, 1); err != nil {
		t.Fatalf("fetch next batch: %v", err)
	}
	_ = running

	completed, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := a.CompleteJob(ctx, completed.ID, ""); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	failed, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := a.FailJob(ctx, failed.ID, nil); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	stats, err := a.GetQueueStats(ctx)
	if err != nil {
		t.Fatalf("get queue stats: %v", err)
	}
	if stats.Pending != 1 || stats.Running != 1 || stats.Completed != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 of each", stats)
	}
}

func TestFetchNextBatchReclaimsStaleRunningWithoutSweep(t *testing.T) {
	a := New()
	ctx := context.Background()

	job, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := a.FetchNextBatch(ctx, "worker-1", []string{"work"}, 1); err != nil {
		t.Fatalf("initial claim: %v", err)
	}

	a.mu.Lock()
	a.jobs[job.ID].LastHeartbeat = ptrTime(time.Now().UTC().Add(-time.Hour))
	a.mu.Unlock()

	// No CleanupStaleJobs call here: FetchNextBatch must reclaim the stale
	// Running job on its own, same as S4 requires.
	reclaimed, err := a.FetchNextBatch(ctx, "worker-2", []string{"work"}, 1)
	if err != nil {
		t.Fatalf("reclaim fetch: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != job.ID {
		t.Fatalf("reclaimed = %+v, want the stale job", reclaimed)
	}
	if reclaimed[0].WorkerID != "worker-2" {
		t.Errorf("WorkerID = %q, want worker-2", reclaimed[0].WorkerID)
	}
	if reclaimed[0].AttemptsMade != 2 {
		t.Errorf("AttemptsMade = %d, want 2 (claimed twice)", reclaimed[0].AttemptsMade)
	}
}

func TestFetchNextBatchOrdersByPriorityRunAtCreatedAtID(t *testing.T) {
	a := New()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)

	low, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{Priority: 0, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	highOlder, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{Priority: 5, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	highNewer, err := a.CreateJob(ctx, "work", []byte(`{}`), store.CreateJobOptions{Priority: 5, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	a.mu.Lock()
	a.jobs[low.ID].RunAt = base
	a.jobs[low.ID].CreatedAt = base
	a.jobs[highOlder.ID].RunAt = base
	a.jobs[highOlder.ID].CreatedAt = base
	a.jobs[highNewer.ID].RunAt = base
	a.jobs[highNewer.ID].CreatedAt = base.Add(time.Second)
	a.mu.Unlock()

	claimed, err := a.FetchNextBatch(ctx, "worker-1", []string{"work"}, 3)
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

func ptrTime(t time.Time) *time.Time { return &t }
