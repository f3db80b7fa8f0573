package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foremanlabs/foreman/internal/artifacts"
	"github.com/foremanlabs/foreman/internal/barrier"
	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/events"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/queue"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/pkg/models"
)

type resumeRecorder struct {
	mu         sync.Mutex
	directives []*barrier.Directive
}

func (r *resumeRecorder) HandleResume(ctx context.Context, d *barrier.Directive) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.directives = append(r.directives, d)
	return nil
}

func (r *resumeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.directives)
}

type sweeperFunc func(ctx context.Context) (int, error)

func (f sweeperFunc) SweepTimeouts(ctx context.Context) (int, error) { return f(ctx) }

func schedulerDefaults() config.SchedulerConfig {
	return config.SchedulerConfig{
		BarrierReapSchedule:  "@every 30s",
		StaleReclaimSchedule: "@every 1m",
		OrphanSweepSchedule:  "@every 5m",
		RunTimeoutSchedule:   "@every 1m",
		RetentionSchedule:    "0 3 * * *",
	}
}

type fixture struct {
	store    *storage.MemoryStore
	queue    *queue.Queue
	coord    *barrier.Coordinator
	log      *events.Log
	recorder *resumeRecorder
}

func newFixture(t *testing.T, workers config.WorkersConfig) *fixture {
	t.Helper()
	store := storage.NewMemory()
	recorder := &resumeRecorder{}
	coord := barrier.New(store, config.BarrierConfig{Deadline: time.Minute}, nil, nil)
	coord.SetResumeHandler(recorder)
	return &fixture{
		store:    store,
		queue:    queue.New(store, workers, nil, nil),
		coord:    coord,
		log:      events.NewLog(store, events.NewBus(8, nil), nil, nil),
		recorder: recorder,
	}
}

func (f *fixture) scheduler(t *testing.T, sched config.SchedulerConfig, blobs *artifacts.Store, sweeper RunSweeper) *Scheduler {
	t.Helper()
	if sweeper == nil {
		sweeper = sweeperFunc(func(context.Context) (int, error) { return 0, nil })
	}
	s, err := New(Config{
		Store:       f.store,
		Queue:       f.queue,
		Coordinator: f.coord,
		Runs:        sweeper,
		Artifacts:   blobs,
		Log:         f.log,
		Scheduler:   sched,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// seedClaimedJob builds a waiting run with a one-member barrier and a
// claimed, running job, which is the shape the reclaim sweep operates on.
func (f *fixture) seedClaimedJob(t *testing.T) (*models.Run, *models.WorkerJob) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	thread := &models.Thread{OwnerID: 1, CreatedAt: now, UpdatedAt: now}
	if err := f.store.CreateThread(ctx, thread); err != nil {
		t.Fatalf("thread: %v", err)
	}
	run := &models.Run{
		PublicID:  "run-reclaim",
		OwnerID:   1,
		ThreadID:  thread.ID,
		Status:    models.RunRunning,
		Model:     "fake",
		CreatedAt: now,
		StartedAt: &now,
	}
	if err := f.store.CreateRun(ctx, run); err != nil {
		t.Fatalf("run: %v", err)
	}
	job := &models.WorkerJob{
		RunID: run.ID, OwnerID: 1, ToolCallID: "tc-1",
		Task: "dig", Mode: models.ModeStandard, Status: models.JobCreated,
		CreatedAt: now,
	}
	if err := f.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("job: %v", err)
	}
	b, err := f.store.InstallBarrier(ctx, run.ID, now.Add(time.Minute),
		[]storage.BarrierMember{{JobID: job.ID, ToolCallID: "tc-1"}}, now)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := f.store.AdmitBarrierJobs(ctx, b.ID); err != nil {
		t.Fatalf("admit: %v", err)
	}
	claimed, err := f.queue.Claim(ctx, "worker-reclaim")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return run, claimed
}

func TestNewRegistersJobs(t *testing.T) {
	f := newFixture(t, config.WorkersConfig{})

	t.Run("retention off by default", func(t *testing.T) {
		s := f.scheduler(t, schedulerDefaults(), nil, nil)
		want := []string{"barrier_reap", "stale_reclaim", "orphan_sweep", "run_timeout"}
		got := s.Jobs()
		if len(got) != len(want) {
			t.Fatalf("jobs = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("jobs[%d] = %s, want %s", i, got[i], want[i])
			}
		}
	})

	t.Run("retention registered when configured", func(t *testing.T) {
		cfg := schedulerDefaults()
		cfg.RetentionDays = 30
		s := f.scheduler(t, cfg, nil, nil)
		got := s.Jobs()
		if len(got) != 5 || got[4] != "retention" {
			t.Errorf("jobs = %v, want retention appended", got)
		}
	})
}

func TestNewRejectsBadSchedule(t *testing.T) {
	f := newFixture(t, config.WorkersConfig{})
	cfg := schedulerDefaults()
	cfg.BarrierReapSchedule = "every thursday-ish"

	_, err := New(Config{
		Store:       f.store,
		Queue:       f.queue,
		Coordinator: f.coord,
		Runs:        sweeperFunc(func(context.Context) (int, error) { return 0, nil }),
		Log:         f.log,
		Scheduler:   cfg,
	})
	if fault.KindOf(err) != models.KindInvalidInput {
		t.Errorf("kind = %q, want invalid_input (err: %v)", fault.KindOf(err), err)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, config.WorkersConfig{})
	s := f.scheduler(t, schedulerDefaults(), nil, nil)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestReclaimSettlesExhaustedJobs(t *testing.T) {
	f := newFixture(t, config.WorkersConfig{StaleAfter: 10 * time.Millisecond, MaxAttempts: 1})
	s := f.scheduler(t, schedulerDefaults(), nil, nil)
	ctx := context.Background()

	run, job := f.seedClaimedJob(t)
	time.Sleep(30 * time.Millisecond)

	if err := s.reclaimStale(ctx); err != nil {
		t.Fatalf("reclaimStale: %v", err)
	}

	stamped, err := f.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stamped.Status != models.JobFailed || stamped.ErrorKind != string(models.KindRetriesExhausted) {
		t.Errorf("job = %s/%s, want failed/retries_exhausted", stamped.Status, stamped.ErrorKind)
	}

	// The one-member barrier resolves immediately, so the run's resume
	// directive fires without waiting for the deadline reaper.
	if f.recorder.count() != 1 {
		t.Fatalf("directives = %d, want 1", f.recorder.count())
	}
	d := f.recorder.directives[0]
	if d.RunID != run.ID || len(d.Results) != 1 {
		t.Fatalf("directive = %+v", d)
	}
	if d.Results[0].Status != models.BarrierJobFailed || d.Results[0].Error == "" {
		t.Errorf("result = %+v, want failed with error text", d.Results[0])
	}

	evs, err := f.log.List(ctx, run.ID, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	failures := 0
	for _, ev := range evs {
		if ev.Type == models.EventWorkerFailed {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("worker_failed events = %d, want 1", failures)
	}
}

func TestReclaimRequeuesJobsWithAttemptsLeft(t *testing.T) {
	f := newFixture(t, config.WorkersConfig{StaleAfter: 10 * time.Millisecond, MaxAttempts: 3})
	s := f.scheduler(t, schedulerDefaults(), nil, nil)
	ctx := context.Background()

	_, job := f.seedClaimedJob(t)
	time.Sleep(30 * time.Millisecond)

	if err := s.reclaimStale(ctx); err != nil {
		t.Fatalf("reclaimStale: %v", err)
	}

	requeued, err := f.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if requeued.Status != models.JobQueued {
		t.Fatalf("job status = %s, want queued", requeued.Status)
	}
	if f.recorder.count() != 0 {
		t.Errorf("directives = %d, want none for a requeued job", f.recorder.count())
	}

	reclaimed, err := f.queue.Claim(ctx, "worker-second")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if reclaimed.ID != job.ID || reclaimed.Attempts != 2 {
		t.Errorf("reclaimed = id %d attempts %d, want id %d attempts 2", reclaimed.ID, reclaimed.Attempts, job.ID)
	}
}

func TestSweepRunBudgetsDelegates(t *testing.T) {
	f := newFixture(t, config.WorkersConfig{})
	calls := 0
	s := f.scheduler(t, schedulerDefaults(), nil, sweeperFunc(func(context.Context) (int, error) {
		calls++
		return 2, nil
	}))

	if err := s.sweepRunBudgets(context.Background()); err != nil {
		t.Fatalf("sweepRunBudgets: %v", err)
	}
	if calls != 1 {
		t.Errorf("sweeper calls = %d, want 1", calls)
	}
}

func TestRetentionPrunesEventsAndArtifacts(t *testing.T) {
	f := newFixture(t, config.WorkersConfig{})
	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -40)

	// A terminal run whose whole timeline predates the cutoff. The terminal
	// event must survive pruning.
	thread := &models.Thread{OwnerID: 1, CreatedAt: old, UpdatedAt: old}
	if err := f.store.CreateThread(ctx, thread); err != nil {
		t.Fatalf("thread: %v", err)
	}
	finished := old.Add(time.Minute)
	run := &models.Run{
		PublicID: "run-old", OwnerID: 1, ThreadID: thread.ID,
		Status: models.RunSuccess, Model: "fake",
		CreatedAt: old, StartedAt: &old, FinishedAt: &finished,
	}
	if err := f.store.CreateRun(ctx, run); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, typ := range []models.EventType{
		models.EventSupervisorStarted,
		models.EventSupervisorIteration,
		models.EventSupervisorComplete,
	} {
		ev := &models.RunEvent{RunID: run.ID, RunPublicID: run.PublicID, Type: typ, Timestamp: old}
		if err := f.store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent(%s): %v", typ, err)
		}
	}

	root := t.TempDir()
	backend, err := artifacts.NewLocal(root)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	blobs := artifacts.NewStore(backend, nil)
	if _, err := blobs.Put(ctx, "runs/run-old/result.md", []byte("stale result")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	stalePath := filepath.Join(root, "runs", "run-old", "result.md")
	if err := os.Chtimes(stalePath, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if _, err := blobs.Put(ctx, "runs/run-live/result.md", []byte("fresh result")); err != nil {
		t.Fatalf("Put fresh: %v", err)
	}

	cfg := schedulerDefaults()
	cfg.RetentionDays = 30
	s := f.scheduler(t, cfg, blobs, nil)

	if err := s.pruneRetention(ctx); err != nil {
		t.Fatalf("pruneRetention: %v", err)
	}

	evs, err := f.store.ListEvents(ctx, run.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != models.EventSupervisorComplete {
		t.Errorf("events after prune = %d, want only the terminal event", len(evs))
	}

	if _, err := blobs.Stat(ctx, "runs/run-old/result.md"); !errors.Is(err, artifacts.ErrNotFound) {
		t.Errorf("stale artifact still present: %v", err)
	}
	if _, err := blobs.Stat(ctx, "runs/run-live/result.md"); err != nil {
		t.Errorf("fresh artifact pruned: %v", err)
	}
}
