package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/pkg/models"
)

func testWorkersConfig() config.WorkersConfig {
	return config.WorkersConfig{
		PoolSize:          1,
		PollInterval:      time.Second,
		HeartbeatInterval: 30 * time.Second,
		StaleAfter:        120 * time.Second,
		MaxAttempts:       3,
		OrphanSweepAge:    5 * time.Minute,
	}
}

func newTestQueue(t *testing.T) (*Queue, *storage.MemoryStore, *models.Run, *observability.Metrics) {
	t.Helper()
	store := storage.NewMemory()
	run := &models.Run{
		PublicID: "run-queue-test",
		Status:   models.RunRunning,
		Model:    "claude-sonnet-4-5",
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	return New(store, testWorkersConfig(), nil, metrics), store, run, metrics
}

// seedJob inserts a raw job row, bypassing Enqueue so tests can pin status,
// attempts and timestamps directly.
func seedJob(t *testing.T, store *storage.MemoryStore, job *models.WorkerJob) *models.WorkerJob {
	t.Helper()
	if job.Mode == "" {
		job.Mode = models.ModeStandard
	}
	if job.Task == "" {
		job.Task = "summarize the design doc"
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob(%s): %v", job.ToolCallID, err)
	}
	return job
}

func TestQueueEnqueue(t *testing.T) {
	ctx := context.Background()
	q, store, run, _ := newTestQueue(t)

	t.Run("inserts invisible created row", func(t *testing.T) {
		job := &models.WorkerJob{
			RunID:      run.ID,
			ToolCallID: "call-1",
			Task:       "collect benchmarks",
			Mode:       models.ModeStandard,
			Status:     models.JobQueued, // callers cannot pre-queue
		}
		if err := q.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		stored, err := store.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if stored.Status != models.JobCreated {
			t.Errorf("status = %q, want created", stored.Status)
		}
		if stored.CreatedAt.IsZero() {
			t.Error("created_at not stamped")
		}

		if _, err := q.Claim(ctx, "worker-a"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("created row claimable: err = %v", err)
		}
	})

	t.Run("duplicate tool call", func(t *testing.T) {
		err := q.Enqueue(ctx, &models.WorkerJob{
			RunID:      run.ID,
			ToolCallID: "call-1",
			Task:       "collect benchmarks again",
			Mode:       models.ModeStandard,
		})
		if !errors.Is(err, storage.ErrAlreadyExists) {
			t.Errorf("err = %v, want ErrAlreadyExists", err)
		}
	})

	invalid := []struct {
		name string
		job  *models.WorkerJob
	}{
		{name: "nil job", job: nil},
		{name: "empty task", job: &models.WorkerJob{RunID: run.ID, ToolCallID: "call-x", Mode: models.ModeStandard}},
		{name: "unknown mode", job: &models.WorkerJob{RunID: run.ID, ToolCallID: "call-x", Task: "t", Mode: "batch"}},
		{name: "missing tool call id", job: &models.WorkerJob{RunID: run.ID, Task: "t", Mode: models.ModeStandard}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if err := q.Enqueue(ctx, tt.job); fault.KindOf(err) != models.KindInvalidInput {
				t.Errorf("kind = %q, want invalid_input", fault.KindOf(err))
			}
		})
	}
}

func TestQueueClaim(t *testing.T) {
	ctx := context.Background()
	q, store, run, metrics := newTestQueue(t)

	if _, err := q.Claim(ctx, "worker-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("empty queue err = %v, want ErrNotFound", err)
	}
	if got := testutil.ToFloat64(metrics.JobClaimCounter.WithLabelValues("empty")); got != 1 {
		t.Errorf("empty claims = %v, want 1", got)
	}

	now := time.Now().UTC()
	older := seedJob(t, store, &models.WorkerJob{
		RunID: run.ID, ToolCallID: "call-old", Status: models.JobQueued,
		CreatedAt: now.Add(-2 * time.Minute),
	})
	newer := seedJob(t, store, &models.WorkerJob{
		RunID: run.ID, ToolCallID: "call-new", Status: models.JobQueued,
		CreatedAt: now.Add(-time.Minute),
	})

	first, err := q.Claim(ctx, "worker-a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if first.ID != older.ID {
		t.Errorf("claimed job %d, want oldest %d", first.ID, older.ID)
	}
	if first.Status != models.JobRunning || first.WorkerID != "worker-a" || first.Attempts != 1 {
		t.Errorf("claimed job = %+v", first)
	}
	if first.LastHeartbeat == nil || first.StartedAt == nil {
		t.Error("claim did not stamp heartbeat and start time")
	}

	second, err := q.Claim(ctx, "worker-b")
	if err != nil {
		t.Fatalf("Claim second: %v", err)
	}
	if second.ID != newer.ID {
		t.Errorf("claimed job %d, want %d", second.ID, newer.ID)
	}

	if _, err := q.Claim(ctx, "worker-c"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("drained queue err = %v, want ErrNotFound", err)
	}
	if got := testutil.ToFloat64(metrics.JobClaimCounter.WithLabelValues("claimed")); got != 2 {
		t.Errorf("claimed = %v, want 2", got)
	}
}

func TestQueueCompleteAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	q, store, run, _ := newTestQueue(t)
	seedJob(t, store, &models.WorkerJob{RunID: run.ID, ToolCallID: "call-1", Status: models.JobQueued})

	job, err := q.Claim(ctx, "worker-a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := q.Heartbeat(ctx, job.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	if err := q.Complete(ctx, job.ID, "benchmarks collected", "sha256:abc"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	stored, _ := store.GetJob(ctx, job.ID)
	if stored.Status != models.JobCompleted || stored.ResultText != "benchmarks collected" || stored.ResultArtifact != "sha256:abc" {
		t.Errorf("job = %+v", stored)
	}

	t.Run("first terminal stamp wins", func(t *testing.T) {
		if err := q.Complete(ctx, job.ID, "late duplicate", ""); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("second complete err = %v, want ErrNotFound", err)
		}
		if err := q.Fail(ctx, job.ID, models.JobFailed, models.KindWorkerCrashed, "late crash"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("fail after complete err = %v, want ErrNotFound", err)
		}
	})

	t.Run("heartbeat after terminal stops the worker", func(t *testing.T) {
		if err := q.Heartbeat(ctx, job.ID); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestQueueFail(t *testing.T) {
	ctx := context.Background()
	q, store, run, _ := newTestQueue(t)
	seedJob(t, store, &models.WorkerJob{RunID: run.ID, ToolCallID: "call-1", Status: models.JobQueued})

	job, err := q.Claim(ctx, "worker-a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := q.Fail(ctx, job.ID, models.JobCompleted, models.KindInternal, "x"); fault.KindOf(err) != models.KindInvalidInput {
		t.Errorf("completed as failure status: kind = %q, want invalid_input", fault.KindOf(err))
	}

	if err := q.Fail(ctx, job.ID, models.JobTimeout, models.KindWorkerTimeout, "worker timed out (barrier deadline exceeded)"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	stored, _ := store.GetJob(ctx, job.ID)
	if stored.Status != models.JobTimeout || stored.ErrorKind != string(models.KindWorkerTimeout) {
		t.Errorf("job = %+v", stored)
	}
	if stored.FinishedAt == nil {
		t.Error("finished_at not stamped")
	}
}

func TestQueueReclaimStale(t *testing.T) {
	ctx := context.Background()
	q, store, run, _ := newTestQueue(t)

	now := time.Now().UTC()
	stale := now.Add(-3 * time.Minute)
	fresh := now.Add(-10 * time.Second)

	retryable := seedJob(t, store, &models.WorkerJob{
		RunID: run.ID, ToolCallID: "call-retry", Status: models.JobRunning,
		WorkerID: "worker-a", Attempts: 1, LastHeartbeat: &stale,
	})
	exhausted := seedJob(t, store, &models.WorkerJob{
		RunID: run.ID, ToolCallID: "call-done", Status: models.JobRunning,
		WorkerID: "worker-b", Attempts: 3, LastHeartbeat: &stale,
	})
	healthy := seedJob(t, store, &models.WorkerJob{
		RunID: run.ID, ToolCallID: "call-live", Status: models.JobRunning,
		WorkerID: "worker-c", Attempts: 1, LastHeartbeat: &fresh,
	})

	report, err := q.ReclaimStale(ctx)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}

	if len(report.Requeued) != 1 || report.Requeued[0] != retryable.ID {
		t.Errorf("requeued = %v, want [%d]", report.Requeued, retryable.ID)
	}
	requeued, _ := store.GetJob(ctx, retryable.ID)
	if requeued.Status != models.JobQueued || requeued.WorkerID != "" || requeued.Attempts != 1 {
		t.Errorf("requeued job = %+v", requeued)
	}

	if len(report.Failed) != 1 || report.Failed[0].ID != exhausted.ID {
		t.Fatalf("failed = %+v, want job %d", report.Failed, exhausted.ID)
	}
	if report.Failed[0].ErrorKind != string(models.KindRetriesExhausted) {
		t.Errorf("failed kind = %q", report.Failed[0].ErrorKind)
	}
	dead, _ := store.GetJob(ctx, exhausted.ID)
	if dead.Status != models.JobFailed || dead.ErrorKind != string(models.KindRetriesExhausted) {
		t.Errorf("exhausted job = %+v", dead)
	}

	untouched, _ := store.GetJob(ctx, healthy.ID)
	if untouched.Status != models.JobRunning || untouched.WorkerID != "worker-c" {
		t.Errorf("healthy job = %+v", untouched)
	}
}

func TestQueueCancel(t *testing.T) {
	ctx := context.Background()
	q, store, run, _ := newTestQueue(t)

	created := seedJob(t, store, &models.WorkerJob{RunID: run.ID, ToolCallID: "call-created", Status: models.JobCreated})
	queued := seedJob(t, store, &models.WorkerJob{RunID: run.ID, ToolCallID: "call-queued", Status: models.JobQueued})
	hb := time.Now().UTC()
	running := seedJob(t, store, &models.WorkerJob{
		RunID: run.ID, ToolCallID: "call-running", Status: models.JobRunning,
		WorkerID: "worker-a", Attempts: 1, LastHeartbeat: &hb,
	})

	n, err := q.Cancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if n != 2 {
		t.Errorf("cancelled = %d, want 2", n)
	}

	for _, id := range []int64{created.ID, queued.ID} {
		job, _ := store.GetJob(ctx, id)
		if job.Status != models.JobCancelled {
			t.Errorf("job %d status = %q, want cancelled", id, job.Status)
		}
	}
	still, _ := store.GetJob(ctx, running.ID)
	if still.Status != models.JobRunning {
		t.Errorf("running job status = %q, want running", still.Status)
	}
}

func TestQueueOrphanSweep(t *testing.T) {
	ctx := context.Background()
	q, store, run, _ := newTestQueue(t)

	now := time.Now().UTC()
	orphan := seedJob(t, store, &models.WorkerJob{
		RunID: run.ID, ToolCallID: "call-orphan", Status: models.JobCreated,
		CreatedAt: now.Add(-10 * time.Minute),
	})
	young := seedJob(t, store, &models.WorkerJob{
		RunID: run.ID, ToolCallID: "call-young", Status: models.JobCreated,
		CreatedAt: now.Add(-time.Minute),
	})

	failed, err := q.OrphanSweep(ctx)
	if err != nil {
		t.Fatalf("OrphanSweep: %v", err)
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}

	swept, _ := store.GetJob(ctx, orphan.ID)
	if swept.Status != models.JobFailed || swept.Error != orphanError {
		t.Errorf("orphan = %+v", swept)
	}
	if swept.ErrorKind != string(models.KindInternal) {
		t.Errorf("orphan kind = %q, want internal", swept.ErrorKind)
	}

	kept, _ := store.GetJob(ctx, young.ID)
	if kept.Status != models.JobCreated {
		t.Errorf("young job status = %q, want created", kept.Status)
	}
}

func TestQueueStats(t *testing.T) {
	ctx := context.Background()
	q, store, run, _ := newTestQueue(t)

	seedJob(t, store, &models.WorkerJob{RunID: run.ID, ToolCallID: "c1", Status: models.JobCreated})
	seedJob(t, store, &models.WorkerJob{RunID: run.ID, ToolCallID: "c2", Status: models.JobQueued})
	seedJob(t, store, &models.WorkerJob{RunID: run.ID, ToolCallID: "c3", Status: models.JobQueued})

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[models.JobCreated] != 1 || stats[models.JobQueued] != 2 {
		t.Errorf("stats = %v", stats)
	}
}
