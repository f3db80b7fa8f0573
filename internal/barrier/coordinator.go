// Package barrier coordinates fan-in: it parks a run behind a countdown
// over its spawned jobs and guarantees that exactly one caller per barrier
// generation obtains the resume directive, no matter how many workers finish
// simultaneously or whether the deadline reaper gets there first. The
// atomicity itself lives in the store; this package owns the policy around
// it (deadlines, job stamping on timeout, directive dispatch) and the seam
// to the orchestrator.
package barrier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/pkg/models"
)

const timeoutError = "worker timed out (barrier deadline exceeded)"

// Directive is the single resume handed to exactly one caller per barrier
// generation. Results are in install order, one tuple per admitted job.
type Directive struct {
	RunID     int64
	BarrierID int64
	Results   []models.WorkerResult
	Completed int
	TimedOut  int
}

// ResumeHandler consumes resume directives. The orchestrator implements it.
// HandleResume must return quickly; the supervisor segment it triggers
// belongs on the handler's own goroutine.
type ResumeHandler interface {
	HandleResume(ctx context.Context, d *Directive) error
}

// Coordinator drives barrier installs, per-job resolution and the deadline
// reaper.
type Coordinator struct {
	store   storage.Store
	cfg     config.BarrierConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	handler ResumeHandler
}

// New builds a coordinator. The resume handler is wired separately because
// the orchestrator that implements it is constructed after the coordinator.
func New(store storage.Store, cfg config.BarrierConfig, logger *observability.Logger, metrics *observability.Metrics) *Coordinator {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Coordinator{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// SetResumeHandler registers the directive consumer.
func (c *Coordinator) SetResumeHandler(h ResumeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Install creates (or resets, on re-interrupt) the run's barrier, registers
// the member jobs and parks the run, all in one store transaction. The
// deadline is stamped here from config. Members stay unclaimable until Admit.
func (c *Coordinator) Install(ctx context.Context, runID int64, members []storage.BarrierMember) (*models.Barrier, error) {
	if len(members) == 0 {
		return nil, fault.Errorf(models.KindInvalidInput, "barrier.install", "no members to admit")
	}

	now := time.Now().UTC()
	barrier, err := c.store.InstallBarrier(ctx, runID, now.Add(c.cfg.Deadline), members, now)
	if err != nil {
		return nil, err
	}

	c.logger.Info(ctx, "barrier installed",
		"run_id", runID,
		"barrier_id", barrier.ID,
		"expected_count", barrier.ExpectedCount,
		"deadline", barrier.Deadline.Format(time.RFC3339),
	)
	return barrier, nil
}

// Admit opens the barrier's member jobs to claimants. The caller appends the
// interrupt event between Install and Admit, which is what guarantees that
// event precedes every worker event of the generation: a worker cannot be
// claimed, and so cannot emit, before the flip here.
func (c *Coordinator) Admit(ctx context.Context, barrier *models.Barrier) error {
	admitted, err := c.store.AdmitBarrierJobs(ctx, barrier.ID)
	if err != nil {
		return fault.Classify(models.KindInternal, "barrier.admit", err)
	}
	c.logger.Debug(ctx, "barrier jobs admitted",
		"run_id", barrier.RunID,
		"barrier_id", barrier.ID,
		"admitted", admitted,
	)
	return nil
}

// OnJobDone records one job's terminal state against its run's barrier. A
// nil jobErr counts the job completed; otherwise it counts failed with the
// error text. The N-th terminal job claims the resume and dispatches it
// before returning.
func (c *Coordinator) OnJobDone(ctx context.Context, runID, jobID int64, result string, jobErr error) (*storage.BarrierResolution, error) {
	if jobErr != nil {
		return c.resolve(ctx, runID, jobID, models.BarrierJobFailed, "", jobErr.Error())
	}
	return c.resolve(ctx, runID, jobID, models.BarrierJobCompleted, result, "")
}

// MarkCompleted counts a job completed with its result text.
func (c *Coordinator) MarkCompleted(ctx context.Context, runID, jobID int64, result string) (*storage.BarrierResolution, error) {
	return c.resolve(ctx, runID, jobID, models.BarrierJobCompleted, result, "")
}

// MarkFailed counts a job failed. The job row's error_kind, stamped by the
// caller before resolving, flows into the result tuple.
func (c *Coordinator) MarkFailed(ctx context.Context, runID, jobID int64, errMsg string) (*storage.BarrierResolution, error) {
	return c.resolve(ctx, runID, jobID, models.BarrierJobFailed, "", errMsg)
}

// MarkFailedPartial counts a job failed while preserving whatever result
// text it produced before failing, so the supervisor sees partial output
// alongside the error.
func (c *Coordinator) MarkFailedPartial(ctx context.Context, runID, jobID int64, result, errMsg string) (*storage.BarrierResolution, error) {
	return c.resolve(ctx, runID, jobID, models.BarrierJobFailed, result, errMsg)
}

func (c *Coordinator) resolve(ctx context.Context, runID, jobID int64, status models.BarrierJobStatus, result, errMsg string) (*storage.BarrierResolution, error) {
	res, err := c.store.ResolveBarrierJob(ctx, runID, jobID, status, result, errMsg, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case storage.BarrierSkipped:
		c.logger.Debug(ctx, "barrier resolution skipped",
			"run_id", runID,
			"job_id", jobID,
			"reason", res.Reason,
		)
	case storage.BarrierWaiting:
		c.logger.Debug(ctx, "barrier counting",
			"run_id", runID,
			"job_id", jobID,
			"completed", res.Completed,
			"expected", res.Expected,
		)
	case storage.BarrierResume:
		if c.metrics != nil {
			c.metrics.RecordBarrierResolution("resume")
		}
		c.logger.Info(ctx, "barrier resume claimed",
			"run_id", runID,
			"barrier_id", res.BarrierID,
			"completed", res.Completed,
			"expected", res.Expected,
		)
		c.dispatch(ctx, &Directive{
			RunID:     runID,
			BarrierID: res.BarrierID,
			Results:   res.Results,
			Completed: res.Completed,
		})
	}
	return res, nil
}

// ReapExpired claims every waiting barrier whose deadline has passed, stamps
// the jobs that never finished and dispatches the partial resume. Barriers
// already claimed are dispatched even when the sweep later errors, so a
// resuming barrier is never stranded.
func (c *Coordinator) ReapExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expired, sweepErr := c.store.ExpireBarriers(ctx, now)

	for _, exp := range expired {
		for i := range exp.Results {
			r := &exp.Results[i]
			if r.Status != models.BarrierJobTimeout {
				continue
			}
			if r.ErrorKind == "" {
				r.ErrorKind = string(models.KindWorkerTimeout)
			}
			// The worker may still be running; stamping the job terminal makes
			// its eventual completion a no-op.
			err := c.store.FailJob(ctx, r.JobID, models.JobTimeout, string(models.KindWorkerTimeout), timeoutError, now)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				c.logger.Warn(ctx, "timeout stamp failed", "job_id", r.JobID, "error", err)
			}
		}

		if c.metrics != nil {
			c.metrics.RecordBarrierResolution("timeout")
		}
		c.logger.Warn(ctx, "barrier deadline exceeded",
			"run_id", exp.RunID,
			"barrier_id", exp.Barrier.ID,
			"timed_out", exp.TimedOut,
			"completed", exp.Barrier.CompletedCount,
			"expected", exp.Barrier.ExpectedCount,
		)
		c.dispatch(ctx, &Directive{
			RunID:     exp.RunID,
			BarrierID: exp.Barrier.ID,
			Results:   exp.Results,
			Completed: exp.Barrier.CompletedCount,
			TimedOut:  exp.TimedOut,
		})
	}
	return len(expired), sweepErr
}

// Deactivate force-completes the run's barrier so late worker completions
// resolve as skipped. Used on run cancellation. No barrier is not an error.
func (c *Coordinator) Deactivate(ctx context.Context, runID int64) error {
	barrier, err := c.store.GetBarrierByRun(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if barrier.Status == models.BarrierCompleted {
		return nil
	}
	return c.store.SetBarrierStatus(ctx, barrier.ID, models.BarrierCompleted)
}

func (c *Coordinator) dispatch(ctx context.Context, d *Directive) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	if handler == nil {
		c.logger.Error(ctx, "resume directive dropped, no handler registered",
			"run_id", d.RunID,
			"barrier_id", d.BarrierID,
		)
		return
	}
	if err := handler.HandleResume(ctx, d); err != nil {
		c.logger.Error(ctx, "resume dispatch failed",
			"run_id", d.RunID,
			"barrier_id", d.BarrierID,
			"error", err,
		)
	}
}
