package barrier

import (
	"context"
	"errors"
	"sync"
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

type resumeRecorder struct {
	mu         sync.Mutex
	directives []*Directive
	err        error
}

func (r *resumeRecorder) HandleResume(ctx context.Context, d *Directive) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.directives = append(r.directives, d)
	return r.err
}

func (r *resumeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.directives)
}

func (r *resumeRecorder) last() *Directive {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.directives) == 0 {
		return nil
	}
	return r.directives[len(r.directives)-1]
}

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.MemoryStore, *models.Run, *resumeRecorder, *observability.Metrics) {
	t.Helper()
	store := storage.NewMemory()
	run := &models.Run{
		PublicID: "run-barrier-test",
		Status:   models.RunRunning,
		Model:    "claude-sonnet-4-5",
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	cfg := config.BarrierConfig{Deadline: 10 * time.Minute, ReapInterval: 30 * time.Second}
	coord := New(store, cfg, nil, metrics)
	rec := &resumeRecorder{}
	coord.SetResumeHandler(rec)
	return coord, store, run, rec, metrics
}

func seedCreatedJob(t *testing.T, store *storage.MemoryStore, runID int64, toolCallID string) *models.WorkerJob {
	t.Helper()
	job := &models.WorkerJob{
		RunID:      runID,
		ToolCallID: toolCallID,
		Task:       "investigate " + toolCallID,
		Mode:       models.ModeStandard,
		Status:     models.JobCreated,
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob(%s): %v", toolCallID, err)
	}
	return job
}

func members(jobs ...*models.WorkerJob) []storage.BarrierMember {
	out := make([]storage.BarrierMember, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, storage.BarrierMember{JobID: j.ID, ToolCallID: j.ToolCallID})
	}
	return out
}

func TestCoordinatorInstall(t *testing.T) {
	ctx := context.Background()
	coord, store, run, _, _ := newTestCoordinator(t)

	job1 := seedCreatedJob(t, store, run.ID, "call-1")
	job2 := seedCreatedJob(t, store, run.ID, "call-2")

	barrier, err := coord.Install(ctx, run.ID, members(job1, job2))
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if barrier.Status != models.BarrierWaiting || barrier.ExpectedCount != 2 {
		t.Errorf("barrier = %+v", barrier)
	}
	if barrier.Deadline == nil || !barrier.Deadline.After(time.Now().UTC().Add(9*time.Minute)) {
		t.Errorf("deadline = %v, want about 10m out", barrier.Deadline)
	}

	for _, job := range []*models.WorkerJob{job1, job2} {
		stored, _ := store.GetJob(ctx, job.ID)
		if stored.Status != models.JobCreated {
			t.Errorf("job %s status = %q, want created until admitted", job.ToolCallID, stored.Status)
		}
	}
	parked, _ := store.GetRun(ctx, run.ID)
	if parked.Status != models.RunWaiting {
		t.Errorf("run status = %q, want waiting", parked.Status)
	}

	if err := coord.Admit(ctx, barrier); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	for _, job := range []*models.WorkerJob{job1, job2} {
		stored, _ := store.GetJob(ctx, job.ID)
		if stored.Status != models.JobQueued {
			t.Errorf("job %s status = %q, want queued after admit", job.ToolCallID, stored.Status)
		}
	}

	t.Run("no members", func(t *testing.T) {
		if _, err := coord.Install(ctx, run.ID, nil); fault.KindOf(err) != models.KindInvalidInput {
			t.Errorf("kind = %q, want invalid_input", fault.KindOf(err))
		}
	})
}

func TestCoordinatorSingleResume(t *testing.T) {
	ctx := context.Background()
	coord, store, run, rec, metrics := newTestCoordinator(t)

	job1 := seedCreatedJob(t, store, run.ID, "call-1")
	job2 := seedCreatedJob(t, store, run.ID, "call-2")
	if _, err := coord.Install(ctx, run.ID, members(job1, job2)); err != nil {
		t.Fatalf("Install: %v", err)
	}

	res, err := coord.MarkCompleted(ctx, run.ID, job1.ID, "first result")
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if res.Outcome != storage.BarrierWaiting || res.Completed != 1 {
		t.Errorf("first resolution = %+v", res)
	}
	if rec.count() != 0 {
		t.Fatalf("directive dispatched before the set completed")
	}

	res, err = coord.MarkCompleted(ctx, run.ID, job2.ID, "second result")
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if res.Outcome != storage.BarrierResume {
		t.Fatalf("outcome = %q, want resume", res.Outcome)
	}

	if rec.count() != 1 {
		t.Fatalf("directives = %d, want 1", rec.count())
	}
	d := rec.last()
	if d.RunID != run.ID || d.Completed != 2 || d.TimedOut != 0 {
		t.Errorf("directive = %+v", d)
	}
	if len(d.Results) != 2 || d.Results[0].ToolCallID != "call-1" || d.Results[1].ToolCallID != "call-2" {
		t.Fatalf("results = %+v, want install order", d.Results)
	}
	if d.Results[0].Result != "first result" || d.Results[1].Result != "second result" {
		t.Errorf("results = %+v", d.Results)
	}

	t.Run("late duplicate skips", func(t *testing.T) {
		res, err := coord.MarkCompleted(ctx, run.ID, job2.ID, "again")
		if err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
		if res.Outcome != storage.BarrierSkipped || res.Reason != "barrier is resuming, not waiting" {
			t.Errorf("resolution = %+v", res)
		}
		if rec.count() != 1 {
			t.Errorf("directives = %d, want still 1", rec.count())
		}
	})

	if got := testutil.ToFloat64(metrics.BarrierResolutionCounter.WithLabelValues("resume")); got != 1 {
		t.Errorf("resume resolutions = %v, want 1", got)
	}
}

func TestCoordinatorOnJobDone(t *testing.T) {
	ctx := context.Background()
	coord, store, run, rec, _ := newTestCoordinator(t)

	job1 := seedCreatedJob(t, store, run.ID, "call-1")
	job2 := seedCreatedJob(t, store, run.ID, "call-2")
	if _, err := coord.Install(ctx, run.ID, members(job1, job2)); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if _, err := coord.OnJobDone(ctx, run.ID, job1.ID, "analysis complete", nil); err != nil {
		t.Fatalf("OnJobDone success: %v", err)
	}
	// Stamp the job first so the tuple carries the kind, as the worker does.
	if err := store.FailJob(ctx, job2.ID, models.JobFailed, string(models.KindWorkerCrashed), "panic: index out of range", time.Now().UTC()); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if _, err := coord.OnJobDone(ctx, run.ID, job2.ID, "", errors.New("panic: index out of range")); err != nil {
		t.Fatalf("OnJobDone failure: %v", err)
	}

	d := rec.last()
	if d == nil {
		t.Fatal("no directive dispatched")
	}
	success, failure := d.Results[0], d.Results[1]
	if success.Status != models.BarrierJobCompleted || success.Result != "analysis complete" {
		t.Errorf("success tuple = %+v", success)
	}
	if failure.Status != models.BarrierJobFailed || failure.Error != "panic: index out of range" {
		t.Errorf("failure tuple = %+v", failure)
	}
	if failure.ErrorKind != string(models.KindWorkerCrashed) {
		t.Errorf("failure kind = %q, want worker_crashed", failure.ErrorKind)
	}
}

func TestCoordinatorResolveWithoutBarrier(t *testing.T) {
	ctx := context.Background()
	coord, store, run, rec, _ := newTestCoordinator(t)
	job := seedCreatedJob(t, store, run.ID, "call-1")

	res, err := coord.MarkCompleted(ctx, run.ID, job.ID, "result")
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if res.Outcome != storage.BarrierSkipped || res.Reason != "no barrier for run" {
		t.Errorf("resolution = %+v", res)
	}
	if rec.count() != 0 {
		t.Errorf("directives = %d, want 0", rec.count())
	}
}

func TestCoordinatorReapExpired(t *testing.T) {
	ctx := context.Background()
	coord, store, run, rec, metrics := newTestCoordinator(t)

	job1 := seedCreatedJob(t, store, run.ID, "call-1")
	job2 := seedCreatedJob(t, store, run.ID, "call-2")

	// Install directly so the deadline is already in the past.
	now := time.Now().UTC()
	if _, err := store.InstallBarrier(ctx, run.ID, now.Add(-time.Minute), members(job1, job2), now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("InstallBarrier: %v", err)
	}
	if _, err := coord.MarkCompleted(ctx, run.ID, job1.ID, "made it"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	reaped, err := coord.ReapExpired(ctx)
	if err != nil {
		t.Fatalf("ReapExpired: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	if rec.count() != 1 {
		t.Fatalf("directives = %d, want 1", rec.count())
	}
	d := rec.last()
	if d.TimedOut != 1 || d.Completed != 1 {
		t.Errorf("directive = %+v", d)
	}
	finished, timedOut := d.Results[0], d.Results[1]
	if finished.Status != models.BarrierJobCompleted || finished.Result != "made it" {
		t.Errorf("finished tuple = %+v", finished)
	}
	if timedOut.Status != models.BarrierJobTimeout || timedOut.Error != timeoutError {
		t.Errorf("timed out tuple = %+v", timedOut)
	}
	if timedOut.ErrorKind != string(models.KindWorkerTimeout) {
		t.Errorf("timed out kind = %q, want worker_timeout", timedOut.ErrorKind)
	}

	stamped, _ := store.GetJob(ctx, job2.ID)
	if stamped.Status != models.JobTimeout || stamped.ErrorKind != string(models.KindWorkerTimeout) {
		t.Errorf("job row = %+v, want timeout stamp", stamped)
	}

	barrier, _ := store.GetBarrierByRun(ctx, run.ID)
	if barrier.Status != models.BarrierResuming {
		t.Errorf("barrier status = %q, want resuming", barrier.Status)
	}
	if got := testutil.ToFloat64(metrics.BarrierResolutionCounter.WithLabelValues("timeout")); got != 1 {
		t.Errorf("timeout resolutions = %v, want 1", got)
	}

	t.Run("second sweep finds nothing", func(t *testing.T) {
		reaped, err := coord.ReapExpired(ctx)
		if err != nil {
			t.Fatalf("ReapExpired: %v", err)
		}
		if reaped != 0 || rec.count() != 1 {
			t.Errorf("reaped = %d, directives = %d", reaped, rec.count())
		}
	})
}

func TestCoordinatorConcurrentCompletions(t *testing.T) {
	ctx := context.Background()
	coord, store, run, rec, _ := newTestCoordinator(t)

	job1 := seedCreatedJob(t, store, run.ID, "call-1")
	job2 := seedCreatedJob(t, store, run.ID, "call-2")
	if _, err := coord.Install(ctx, run.ID, members(job1, job2)); err != nil {
		t.Fatalf("Install: %v", err)
	}

	var wg sync.WaitGroup
	for _, job := range []*models.WorkerJob{job1, job2} {
		wg.Add(1)
		go func(id int64, call string) {
			defer wg.Done()
			if _, err := coord.MarkCompleted(ctx, run.ID, id, "result for "+call); err != nil {
				t.Errorf("MarkCompleted(%s): %v", call, err)
			}
		}(job.ID, job.ToolCallID)
	}
	wg.Wait()

	if rec.count() != 1 {
		t.Fatalf("directives = %d, want exactly 1", rec.count())
	}
	if d := rec.last(); d.Completed != 2 || len(d.Results) != 2 {
		t.Errorf("directive = %+v", d)
	}
}

func TestCoordinatorDeactivate(t *testing.T) {
	ctx := context.Background()
	coord, store, run, rec, _ := newTestCoordinator(t)

	job := seedCreatedJob(t, store, run.ID, "call-1")
	if _, err := coord.Install(ctx, run.ID, members(job)); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if err := coord.Deactivate(ctx, run.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	barrier, _ := store.GetBarrierByRun(ctx, run.ID)
	if barrier.Status != models.BarrierCompleted {
		t.Errorf("barrier status = %q, want completed", barrier.Status)
	}

	res, err := coord.MarkCompleted(ctx, run.ID, job.ID, "too late")
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if res.Outcome != storage.BarrierSkipped || res.Reason != "barrier is completed, not waiting" {
		t.Errorf("resolution = %+v", res)
	}
	if rec.count() != 0 {
		t.Errorf("directives = %d, want 0", rec.count())
	}

	t.Run("no barrier is a no-op", func(t *testing.T) {
		other := &models.Run{PublicID: "run-no-barrier", Status: models.RunRunning}
		if err := store.CreateRun(ctx, other); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if err := coord.Deactivate(ctx, other.ID); err != nil {
			t.Errorf("Deactivate: %v", err)
		}
	})
}

func TestCoordinatorWithoutHandler(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	run := &models.Run{PublicID: "run-unwired", Status: models.RunRunning}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	coord := New(store, config.BarrierConfig{Deadline: time.Minute}, nil, nil)

	job := seedCreatedJob(t, store, run.ID, "call-1")
	if _, err := coord.Install(ctx, run.ID, members(job)); err != nil {
		t.Fatalf("Install: %v", err)
	}
	res, err := coord.MarkCompleted(ctx, run.ID, job.ID, "result")
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if res.Outcome != storage.BarrierResume {
		t.Errorf("outcome = %q, want resume even without a handler", res.Outcome)
	}
}
