// Package queue is the domain service over the durable worker_jobs table.
//
// Jobs are born in created status, invisible to claim, and become claimable
// only when a barrier install admits them. Claiming is a single atomic
// round-trip in the store, so any number of processors can poll the same
// table without double-delivery. Liveness is heartbeat-based: a running job
// whose worker stops touching it is reclaimed, requeued while it has
// attempts left and failed with retries_exhausted when it does not.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/pkg/models"
)

// orphanError is stamped on created jobs whose install transaction never
// committed.
const orphanError = "orphaned job - barrier creation failed"

// Queue wraps the job half of a storage.Store with the claim, lease and
// reclaim policy.
type Queue struct {
	store   storage.Store
	cfg     config.WorkersConfig
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New builds a queue service. logger may be nil.
func New(store storage.Store, cfg config.WorkersConfig, logger *observability.Logger, metrics *observability.Metrics) *Queue {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Queue{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Enqueue inserts a job in created status. The job stays invisible to Claim
// until a barrier install flips it to queued; rows that never get admitted
// are cleaned up by OrphanSweep.
func (q *Queue) Enqueue(ctx context.Context, job *models.WorkerJob) error {
	if job == nil {
		return fault.Errorf(models.KindInvalidInput, "queue.enqueue", "nil job")
	}
	if job.Task == "" {
		return fault.Errorf(models.KindInvalidInput, "queue.enqueue", "job task is empty")
	}
	if !job.Mode.Valid() {
		return fault.Errorf(models.KindInvalidInput, "queue.enqueue", "unknown execution mode %q", job.Mode)
	}
	if job.ToolCallID == "" {
		return fault.Errorf(models.KindInvalidInput, "queue.enqueue", "job tool_call_id is empty")
	}

	job.Status = models.JobCreated
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return err
	}

	q.logger.Debug(ctx, "job enqueued",
		"job_id", job.ID,
		"run_id", job.RunID,
		"tool_call_id", job.ToolCallID,
		"mode", string(job.Mode),
	)
	return nil
}

// Claim atomically takes the oldest queued job for workerID. Returns
// storage.ErrNotFound when the queue is empty.
func (q *Queue) Claim(ctx context.Context, workerID string) (*models.WorkerJob, error) {
	job, err := q.store.ClaimJob(ctx, workerID, time.Now().UTC())
	if err != nil {
		if q.metrics != nil {
			if errors.Is(err, storage.ErrNotFound) {
				q.metrics.RecordJobClaim("empty")
			} else {
				q.metrics.RecordJobClaim("error")
			}
		}
		return nil, err
	}

	if q.metrics != nil {
		q.metrics.RecordJobClaim("claimed")
	}
	q.logger.Debug(ctx, "job claimed",
		"job_id", job.ID,
		"run_id", job.RunID,
		"worker_id", workerID,
		"attempt", job.Attempts,
	)
	return job, nil
}

// Heartbeat refreshes the claim lease on a running job. storage.ErrNotFound
// means the job is no longer running under this lease (reclaimed or
// cancelled) and the worker should stop.
func (q *Queue) Heartbeat(ctx context.Context, jobID int64) error {
	return q.store.TouchJob(ctx, jobID, time.Now().UTC())
}

// Complete stamps a successful terminal result. The first terminal stamp
// wins; late duplicates return storage.ErrNotFound.
func (q *Queue) Complete(ctx context.Context, jobID int64, result, artifact string) error {
	return q.store.CompleteJob(ctx, jobID, result, artifact, time.Now().UTC())
}

// Fail stamps a failure status. Only terminal failure statuses are accepted.
func (q *Queue) Fail(ctx context.Context, jobID int64, status models.WorkerJobStatus, errKind models.ErrorKind, errMsg string) error {
	switch status {
	case models.JobFailed, models.JobTimeout, models.JobCancelled:
	default:
		return fault.Errorf(models.KindInvalidInput, "queue.fail", "%q is not a failure status", status)
	}
	return q.store.FailJob(ctx, jobID, status, string(errKind), errMsg, time.Now().UTC())
}

// ReclaimReport describes one reclaim sweep.
type ReclaimReport struct {
	// Requeued jobs went back to queued and will be claimed again.
	Requeued []int64

	// Failed jobs ran out of attempts. The caller is expected to resolve
	// each against its barrier so the run does not wait for the deadline.
	Failed []*models.WorkerJob
}

// ReclaimStale sweeps running jobs whose heartbeat went silent. Jobs with
// attempts left are requeued; the rest fail with retries_exhausted.
func (q *Queue) ReclaimStale(ctx context.Context) (*ReclaimReport, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-q.cfg.StaleAfter)

	stale, err := q.store.ListStaleJobs(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}

	report := &ReclaimReport{}
	for _, job := range stale {
		if job.Attempts >= q.cfg.MaxAttempts {
			msg := fmt.Sprintf("worker heartbeat lost after %d attempts", job.Attempts)
			if err := q.store.FailJob(ctx, job.ID, models.JobFailed, string(models.KindRetriesExhausted), msg, now); err != nil {
				q.logger.Warn(ctx, "stale job fail-stamp failed", "job_id", job.ID, "error", err)
				continue
			}
			job.Status = models.JobFailed
			job.ErrorKind = string(models.KindRetriesExhausted)
			job.Error = msg
			report.Failed = append(report.Failed, job)
			q.logger.Warn(ctx, "stale job failed",
				"job_id", job.ID,
				"run_id", job.RunID,
				"worker_id", job.WorkerID,
				"attempts", job.Attempts,
			)
			continue
		}

		if err := q.store.RequeueJob(ctx, job.ID); err != nil {
			q.logger.Warn(ctx, "stale job requeue failed", "job_id", job.ID, "error", err)
			continue
		}
		report.Requeued = append(report.Requeued, job.ID)
		q.logger.Info(ctx, "stale job requeued",
			"job_id", job.ID,
			"run_id", job.RunID,
			"worker_id", job.WorkerID,
			"attempts", job.Attempts,
		)
	}
	return report, nil
}

// Cancel terminates the created and queued jobs of a run. Running workers
// are left to finish; their results resolve against a non-waiting barrier
// and are dropped there.
func (q *Queue) Cancel(ctx context.Context, runID int64) (int64, error) {
	n, err := q.store.CancelPendingJobs(ctx, runID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cancel pending jobs: %w", err)
	}
	if n > 0 {
		q.logger.Info(ctx, "pending jobs cancelled", "run_id", runID, "count", n)
	}
	return n, nil
}

// OrphanSweep fails created jobs that were never admitted to a barrier. A
// job older than the sweep age with no barrier membership means its install
// transaction aborted after the insert was observed.
func (q *Queue) OrphanSweep(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-q.cfg.OrphanSweepAge)

	orphans, err := q.store.ListOrphanJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list orphan jobs: %w", err)
	}

	var failed int64
	for _, job := range orphans {
		if err := q.store.FailJob(ctx, job.ID, models.JobFailed, string(models.KindInternal), orphanError, now); err != nil {
			q.logger.Warn(ctx, "orphan fail-stamp failed", "job_id", job.ID, "error", err)
			continue
		}
		failed++
		q.logger.Warn(ctx, "orphan job failed",
			"job_id", job.ID,
			"run_id", job.RunID,
			"tool_call_id", job.ToolCallID,
			"age", now.Sub(job.CreatedAt).Round(time.Second).String(),
		)
	}
	return failed, nil
}

// Stats reports job counts by status, for the doctor command and gauges.
func (q *Queue) Stats(ctx context.Context) (map[models.WorkerJobStatus]int64, error) {
	return q.store.CountJobsByStatus(ctx)
}
