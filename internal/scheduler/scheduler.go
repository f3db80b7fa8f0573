// Package scheduler runs the periodic maintenance jobs that keep the
// orchestration core converging: the barrier deadline reaper, the stale-job
// reclaim, the orphaned-job sweep, the run budget sweep and retention
// pruning. Every durable recovery path in the system terminates in one of
// these jobs, so a crashed process only ever delays progress, never loses it.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foremanlabs/foreman/internal/artifacts"
	"github.com/foremanlabs/foreman/internal/barrier"
	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/events"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/internal/queue"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/pkg/models"
)

// RunSweeper finishes runs that exceeded their wall-clock budget and
// re-dispatches resume directives lost to a crash. The runs orchestrator
// implements it.
type RunSweeper interface {
	SweepTimeouts(ctx context.Context) (int, error)
}

// Config wires the scheduler's collaborators. Artifacts may be nil when no
// artifact store is configured; retention then prunes events only.
type Config struct {
	Store       storage.Store
	Queue       *queue.Queue
	Coordinator *barrier.Coordinator
	Runs        RunSweeper
	Artifacts   *artifacts.Store
	Log         *events.Log

	Scheduler config.SchedulerConfig

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Scheduler owns the cron runner and the job implementations. Jobs run on
// the runner's goroutines with panic recovery and skip-if-still-running
// semantics, so a slow sweep never stacks up behind itself.
type Scheduler struct {
	store   storage.Store
	queue   *queue.Queue
	coord   *barrier.Coordinator
	runs    RunSweeper
	blobs   *artifacts.Store
	log     *events.Log
	cfg     config.SchedulerConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	cron   *cron.Cron
	names  []string
	base   context.Context
	cancel context.CancelFunc
}

// New builds the scheduler and registers every enabled job. An invalid cron
// expression is a configuration error and fails construction.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Logger == nil {
		cfg.Logger = observability.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:   cfg.Store,
		queue:   cfg.Queue,
		coord:   cfg.Coordinator,
		runs:    cfg.Runs,
		blobs:   cfg.Artifacts,
		log:     cfg.Log,
		cfg:     cfg.Scheduler,
		logger:  cfg.Logger.With("component", "scheduler"),
		metrics: cfg.Metrics,
		base:    base,
		cancel:  cancel,
	}

	adapter := cronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithLogger(adapter),
		cron.WithChain(cron.SkipIfStillRunning(adapter), cron.Recover(adapter)),
	)

	jobs := []struct {
		name string
		spec string
		fn   func(context.Context) error
	}{
		{"barrier_reap", s.cfg.BarrierReapSchedule, s.reapBarriers},
		{"stale_reclaim", s.cfg.StaleReclaimSchedule, s.reclaimStale},
		{"orphan_sweep", s.cfg.OrphanSweepSchedule, s.sweepOrphans},
		{"run_timeout", s.cfg.RunTimeoutSchedule, s.sweepRunBudgets},
	}
	if s.cfg.RetentionDays > 0 {
		jobs = append(jobs, struct {
			name string
			spec string
			fn   func(context.Context) error
		}{"retention", s.cfg.RetentionSchedule, s.pruneRetention})
	}

	for _, job := range jobs {
		if err := s.register(job.name, job.spec, job.fn); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

// Start begins the cron runner. Jobs fire on their schedules until Stop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info(s.base, "scheduler started", "jobs", s.names)
}

// Stop halts scheduling and waits for in-flight jobs. When ctx expires
// first, the jobs' base context is cancelled so store calls unblock.
func (s *Scheduler) Stop(ctx context.Context) error {
	drained := s.cron.Stop()
	select {
	case <-drained.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-drained.Done()
		return ctx.Err()
	}
}

// Jobs returns the registered job names, in registration order.
func (s *Scheduler) Jobs() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

func (s *Scheduler) register(name, spec string, fn func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.runJob(name, fn)
	})
	if err != nil {
		return fault.Errorf(models.KindInvalidInput, "scheduler.register",
			"job %s: invalid schedule %q: %v", name, spec, err)
	}
	s.names = append(s.names, name)
	return nil
}

func (s *Scheduler) runJob(name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(s.base)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error(s.base, "maintenance job failed",
			"job", name,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err,
		)
	} else {
		s.logger.Debug(s.base, "maintenance job finished",
			"job", name,
			"elapsed_ms", elapsed.Milliseconds(),
		)
	}
	if s.metrics != nil {
		s.metrics.RecordMaintenanceRun(name, status, elapsed.Seconds())
	}
}

// reapBarriers settles barriers whose deadline passed, which dispatches the
// partial resume for their runs.
func (s *Scheduler) reapBarriers(ctx context.Context) error {
	n, err := s.coord.ReapExpired(ctx)
	if n > 0 {
		s.logger.Warn(ctx, "expired barriers reaped", "count", n)
	}
	return err
}

// reclaimStale requeues silent jobs with attempts left and settles the
// exhausted ones against their barriers, so a run whose worker died does not
// have to wait out the barrier deadline.
func (s *Scheduler) reclaimStale(ctx context.Context) error {
	report, err := s.queue.ReclaimStale(ctx)
	if err != nil {
		return err
	}
	for _, job := range report.Failed {
		s.settleExhausted(ctx, job)
	}
	if n := len(report.Requeued); n > 0 {
		s.logger.Info(ctx, "stale jobs requeued", "count", n)
	}
	return nil
}

// settleExhausted mirrors the processor's failure settle path for a job
// whose worker went silent: terminal worker event, then the barrier
// notification. The job row is already stamped by the reclaim.
func (s *Scheduler) settleExhausted(ctx context.Context, job *models.WorkerJob) {
	reclaimErr := fault.Errorf(models.KindRetriesExhausted, "scheduler.reclaim", "%s", job.Error)

	em := events.NewWorkerEmitter(s.log, s.logger, job)
	em.Failed(ctx, reclaimErr, jobElapsed(job))

	if _, err := s.coord.MarkFailed(ctx, job.RunID, job.ID, job.Error); err != nil {
		s.logger.Error(ctx, "barrier failure notification failed",
			"job_id", job.ID,
			"run_id", job.RunID,
			"error", err,
		)
	}
}

// sweepOrphans fails created jobs whose barrier install never committed.
func (s *Scheduler) sweepOrphans(ctx context.Context) error {
	n, err := s.queue.OrphanSweep(ctx)
	if n > 0 {
		s.logger.Warn(ctx, "orphaned jobs failed", "count", n)
	}
	return err
}

// sweepRunBudgets times out runs past their wall-clock budget.
func (s *Scheduler) sweepRunBudgets(ctx context.Context) error {
	n, err := s.runs.SweepTimeouts(ctx)
	if n > 0 {
		s.logger.Warn(ctx, "runs timed out", "count", n)
	}
	return err
}

// pruneRetention drops events of terminal runs older than the retention
// window, and artifact objects past the same cutoff.
func (s *Scheduler) pruneRetention(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)

	prunedEvents, err := s.store.PruneEvents(ctx, cutoff)
	if err != nil {
		return err
	}

	var prunedBlobs int64
	if s.blobs != nil {
		prunedBlobs, err = s.blobs.PruneOlderThan(ctx, cutoff)
		if err != nil {
			return err
		}
	}

	if prunedEvents > 0 || prunedBlobs > 0 {
		s.logger.Info(ctx, "retention prune finished",
			"events", prunedEvents,
			"artifacts", prunedBlobs,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	return nil
}

func jobElapsed(job *models.WorkerJob) time.Duration {
	if job.StartedAt == nil {
		return 0
	}
	d := time.Since(*job.StartedAt)
	if d < 0 {
		d = 0
	}
	return d
}

// cronLogger adapts the structured logger to the cron runner's interface.
// Runner chatter goes to debug; chain-level errors (job panics) to error.
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(context.Background(), msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	keysAndValues = append(keysAndValues, "error", err)
	l.logger.Error(context.Background(), msg, keysAndValues...)
}
