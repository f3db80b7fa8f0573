package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/foremanlabs/foreman/internal/barrier"
	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/events"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/internal/queue"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/pkg/models"
)

// Processor claims queued jobs and executes them on a bounded pool. Claims
// go through the queue's atomic claim, so any number of processors can
// share one store without double-running a job.
type Processor struct {
	queue   *queue.Queue
	runner  *Runner
	barrier *barrier.Coordinator
	log     *events.Log
	cfg     config.WorkersConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewProcessor builds a processor around a runner.
func NewProcessor(q *queue.Queue, runner *Runner, coord *barrier.Coordinator, log *events.Log, cfg config.WorkersConfig, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Processor {
	if logger == nil {
		logger = observability.Nop()
	}
	pool := cfg.PoolSize
	if pool <= 0 {
		pool = 5
	}
	return &Processor{
		queue:   q,
		runner:  runner,
		barrier: coord,
		log:     log,
		cfg:     cfg,
		logger:  logger.With("component", "worker.processor"),
		metrics: metrics,
		tracer:  tracer,
		sem:     make(chan struct{}, pool),
	}
}

// Run polls the queue until ctx is cancelled, then drains in-flight jobs.
// Jobs interrupted by shutdown are left in running state for the stale
// sweep to requeue.
func (p *Processor) Run(ctx context.Context) {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info(ctx, "worker processor started",
		"pool_size", cap(p.sem), "poll_interval", interval)

	p.claimAvailable(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info(ctx, "worker processor draining")
			p.wg.Wait()
			p.logger.Info(ctx, "worker processor stopped")
			return
		case <-ticker.C:
			p.claimAvailable(ctx)
		}
	}
}

// claimAvailable claims jobs until the queue is empty or the pool is full.
func (p *Processor) claimAvailable(ctx context.Context) {
	for {
		select {
		case p.sem <- struct{}{}:
		default:
			return
		}

		job, err := p.queue.Claim(ctx, newWorkerID())
		if err != nil {
			<-p.sem
			if !errors.Is(err, storage.ErrNotFound) && ctx.Err() == nil {
				p.logger.Warn(ctx, "job claim failed", "error", err)
			}
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.execute(ctx, job)
		}()
	}
}

// execute runs one claimed job end to end: liveness heartbeats, the
// mode-specific runner, the terminal event, the job row stamp and the
// barrier notification. A panic inside the runner marks the job
// worker_crashed instead of taking the processor down.
func (p *Processor) execute(ctx context.Context, job *models.WorkerJob) {
	start := time.Now()
	em := events.NewWorkerEmitter(p.log, p.logger, job)

	timeout := p.cfg.JobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if p.tracer != nil {
		var span trace.Span
		jobCtx, span = p.tracer.TraceWorkerJob(jobCtx, job.ID, job.RunPublicID, string(job.Mode))
		defer span.End()
	}

	hbDone := make(chan struct{})
	go p.heartbeat(jobCtx, job.ID, cancel, hbDone)

	em.Started(jobCtx)

	var out *Outcome
	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fault.Errorf(models.KindWorkerCrashed, "worker.run", "worker panicked: %v", rec)
				p.logger.Error(jobCtx, "worker panicked", "job_id", job.ID, "panic", rec)
			}
		}()
		out, err = p.runner.Execute(jobCtx, job, em)
	}()

	cancel()
	<-hbDone
	elapsed := time.Since(start)

	// Bookkeeping must survive the job context: a timed-out job still has
	// to stamp its row and report to the barrier.
	finCtx := context.WithoutCancel(ctx)

	if err != nil {
		p.settleFailure(finCtx, ctx, jobCtx, job, em, out, err, elapsed, timeout)
		return
	}

	em.Complete(finCtx, out.Result, out.Artifact, elapsed)
	if err := p.queue.Complete(finCtx, job.ID, out.Result, out.Artifact); err != nil {
		// The row moved under us (cancelled or reclaimed); the barrier
		// entry would be equally stale, so stop here.
		p.logger.Warn(finCtx, "completion stamp failed",
			"job_id", job.ID, "run_id", job.RunID, "error", err)
		return
	}
	if _, err := p.barrier.MarkCompleted(finCtx, job.RunID, job.ID, out.Result); err != nil {
		p.logger.Error(finCtx, "barrier completion failed",
			"job_id", job.ID, "run_id", job.RunID, "error", err)
	}
	p.record(job.Mode, "completed", elapsed)
	p.logger.Info(finCtx, "job completed",
		"job_id", job.ID, "run_id", job.RunID, "worker_id", job.WorkerID,
		"mode", string(job.Mode), "elapsed_ms", elapsed.Milliseconds())
}

// settleFailure stamps a failed job and notifies the barrier, preserving
// any partial result the runner salvaged. Shutdown is the exception: the
// row stays running so the stale sweep can requeue the job elsewhere.
func (p *Processor) settleFailure(finCtx, parent, jobCtx context.Context, job *models.WorkerJob, em *events.WorkerEmitter, out *Outcome, err error, elapsed, timeout time.Duration) {
	if parent.Err() != nil {
		p.logger.Info(finCtx, "job interrupted by shutdown, leaving for reclaim",
			"job_id", job.ID, "run_id", job.RunID)
		return
	}

	kind := fault.KindOf(err)
	status := models.JobFailed
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		kind = models.KindWorkerTimeout
		err = fault.Errorf(models.KindWorkerTimeout, "worker.run",
			"job timed out after %s", timeout)
	}
	if kind == models.KindWorkerTimeout {
		status = models.JobTimeout
	}
	if kind == models.KindCancelled {
		// The run was cancelled underneath the job; its row is already
		// terminal and the barrier is being torn down.
		p.logger.Info(finCtx, "job cancelled", "job_id", job.ID, "run_id", job.RunID)
		p.record(job.Mode, "cancelled", elapsed)
		return
	}

	partial := ""
	if out != nil {
		partial = out.Result
	}

	em.Failed(finCtx, err, elapsed)
	if fErr := p.queue.Fail(finCtx, job.ID, status, kind, err.Error()); fErr != nil {
		p.logger.Warn(finCtx, "failure stamp failed",
			"job_id", job.ID, "run_id", job.RunID, "error", fErr)
		return
	}
	if _, bErr := p.barrier.MarkFailedPartial(finCtx, job.RunID, job.ID, partial, err.Error()); bErr != nil {
		p.logger.Error(finCtx, "barrier failure notification failed",
			"job_id", job.ID, "run_id", job.RunID, "error", bErr)
	}
	p.record(job.Mode, string(status), elapsed)
	p.logger.Warn(finCtx, "job failed",
		"job_id", job.ID, "run_id", job.RunID, "worker_id", job.WorkerID,
		"kind", string(kind), "elapsed_ms", elapsed.Milliseconds(), "error", err)
}

// heartbeat stamps the job row on the configured interval. A row that is
// no longer running means the job was cancelled or reclaimed; cancelling
// the job context tells the runner to stop burning tokens.
func (p *Processor) heartbeat(ctx context.Context, jobID int64, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, jobID); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, storage.ErrNotFound) {
					p.logger.Warn(ctx, "job row lost, stopping worker", "job_id", jobID)
					cancel()
					return
				}
				p.logger.Warn(ctx, "heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (p *Processor) record(mode models.ExecutionMode, status string, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordWorkerFinished(string(mode), status, elapsed.Seconds())
}

// newWorkerID mints the claim identity stamped onto the job row and used
// as the artifact directory name.
func newWorkerID() string {
	return "worker-" + uuid.NewString()[:8]
}
