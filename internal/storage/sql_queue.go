package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foremanlabs/foreman/pkg/models"
)

const jobColumns = `j.id, j.run_id, r.public_id, j.owner_id, j.tool_call_id, j.task, j.status, j.mode,
	j.git_repo, j.base_branch, j.model, j.reasoning_effort, j.trace_id, j.worker_id,
	j.attempts, j.last_heartbeat, j.result_text, j.result_artifact, j.error, j.error_kind,
	j.created_at, j.started_at, j.finished_at`

const jobFrom = ` FROM worker_jobs j JOIN runs r ON r.id = j.run_id`

func scanJob(row scanner) (*models.WorkerJob, error) {
	var job models.WorkerJob
	var status, mode string
	var lastHeartbeat, startedAt, finishedAt sql.NullTime
	if err := row.Scan(
		&job.ID,
		&job.RunID,
		&job.RunPublicID,
		&job.OwnerID,
		&job.ToolCallID,
		&job.Task,
		&status,
		&mode,
		&job.GitRepo,
		&job.BaseBranch,
		&job.Model,
		&job.ReasoningEffort,
		&job.TraceID,
		&job.WorkerID,
		&job.Attempts,
		&lastHeartbeat,
		&job.ResultText,
		&job.ResultArtifact,
		&job.Error,
		&job.ErrorKind,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	job.Status = models.WorkerJobStatus(status)
	job.Mode = models.ExecutionMode(mode)
	job.CreatedAt = job.CreatedAt.UTC()
	job.LastHeartbeat = timePtr(lastHeartbeat)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return &job, nil
}

func (s *SQLStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]*models.WorkerJob, error) {
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	jobs := []*models.WorkerJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

func (s *SQLStore) CreateJob(ctx context.Context, job *models.WorkerJob) error {
	if job == nil || job.ToolCallID == "" {
		return fmt.Errorf("job with tool call id is required")
	}
	err := s.q().QueryRowContext(ctx,
		`INSERT INTO worker_jobs (run_id, owner_id, tool_call_id, task, status, mode, git_repo,
		                          base_branch, model, reasoning_effort, trace_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		job.RunID,
		job.OwnerID,
		job.ToolCallID,
		job.Task,
		string(job.Status),
		string(job.Mode),
		job.GitRepo,
		job.BaseBranch,
		job.Model,
		job.ReasoningEffort,
		job.TraceID,
		job.CreatedAt.UTC(),
	).Scan(&job.ID)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, id int64) (*models.WorkerJob, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT `+jobColumns+jobFrom+` WHERE j.id = $1`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) GetJobByToolCall(ctx context.Context, runID int64, toolCallID string) (*models.WorkerJob, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT `+jobColumns+jobFrom+` WHERE j.run_id = $1 AND j.tool_call_id = $2`,
		runID, toolCallID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by tool call: %w", err)
	}
	return job, nil
}

func (s *SQLStore) ListJobsByRun(ctx context.Context, runID int64) ([]*models.WorkerJob, error) {
	return s.queryJobs(ctx, "list jobs by run",
		`SELECT `+jobColumns+jobFrom+` WHERE j.run_id = $1 ORDER BY j.id`, runID)
}

// ClaimJob moves the oldest queued job to running in one atomic statement.
// Rows in status created are invisible here: a job only becomes claimable
// once its barrier transaction committed.
func (s *SQLStore) ClaimJob(ctx context.Context, workerID string, now time.Time) (*models.WorkerJob, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	query := `UPDATE worker_jobs
		 SET status = 'running', worker_id = $1, attempts = attempts + 1, started_at = $2, last_heartbeat = $2
		 WHERE id = (
		     SELECT id FROM worker_jobs WHERE status = 'queued' ORDER BY created_at, id LIMIT 1` +
		s.dialect.skipLocked + `
		 )
		 RETURNING id`
	var id int64
	err := s.q().QueryRowContext(ctx, query, workerID, now.UTC()).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return s.GetJob(ctx, id)
}

// TouchJob refreshes the heartbeat. ErrNotFound means the job is no longer
// running under this store's view (reclaimed or finished elsewhere) and the
// worker should stop.
func (s *SQLStore) TouchJob(ctx context.Context, jobID int64, now time.Time) error {
	res, err := s.q().ExecContext(ctx,
		`UPDATE worker_jobs SET last_heartbeat = $1 WHERE id = $2 AND status = 'running'`,
		now.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch job rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob stamps the first terminal outcome; later attempts lose the race
// and get ErrNotFound.
func (s *SQLStore) CompleteJob(ctx context.Context, jobID int64, result, artifact string, now time.Time) error {
	res, err := s.q().ExecContext(ctx,
		`UPDATE worker_jobs
		 SET status = 'completed', result_text = $1, result_artifact = $2, finished_at = $3, error = '', error_kind = ''
		 WHERE id = $4 AND status NOT IN ('completed', 'failed', 'timeout', 'cancelled')`,
		result, artifact, now.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete job rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) FailJob(ctx context.Context, jobID int64, status models.WorkerJobStatus, errKind, errMsg string, now time.Time) error {
	if !status.Terminal() || status == models.JobCompleted {
		return fmt.Errorf("fail job: %q is not a failure status", status)
	}
	res, err := s.q().ExecContext(ctx,
		`UPDATE worker_jobs
		 SET status = $1, error = $2, error_kind = $3, finished_at = $4
		 WHERE id = $5 AND status NOT IN ('completed', 'failed', 'timeout', 'cancelled')`,
		string(status), errMsg, errKind, now.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail job rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueJob returns a running job to the queue, keeping the attempt count.
func (s *SQLStore) RequeueJob(ctx context.Context, jobID int64) error {
	res, err := s.q().ExecContext(ctx,
		`UPDATE worker_jobs
		 SET status = 'queued', worker_id = '', started_at = NULL, last_heartbeat = NULL
		 WHERE id = $1 AND status = 'running'`,
		jobID)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue job rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RespawnJob resets a terminally failed job to created so the same
// tool_call_id can be spawned again. Attempts survive the reset.
func (s *SQLStore) RespawnJob(ctx context.Context, jobID int64) error {
	res, err := s.q().ExecContext(ctx,
		`UPDATE worker_jobs
		 SET status = 'created', worker_id = '', error = '', error_kind = '',
		     result_text = '', result_artifact = '',
		     started_at = NULL, finished_at = NULL, last_heartbeat = NULL
		 WHERE id = $1 AND status IN ('failed', 'timeout', 'cancelled')`,
		jobID)
	if err != nil {
		return fmt.Errorf("respawn job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("respawn job rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CancelPendingJobs(ctx context.Context, runID int64, now time.Time) (int64, error) {
	res, err := s.q().ExecContext(ctx,
		`UPDATE worker_jobs
		 SET status = 'cancelled', error = 'run cancelled', error_kind = 'cancelled', finished_at = $1
		 WHERE run_id = $2 AND status IN ('created', 'queued')`,
		now.UTC(), runID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending jobs: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel pending jobs rows affected: %w", err)
	}
	return rows, nil
}

func (s *SQLStore) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]*models.WorkerJob, error) {
	return s.queryJobs(ctx, "list stale jobs",
		`SELECT `+jobColumns+jobFrom+`
		 WHERE j.status = 'running' AND j.last_heartbeat IS NOT NULL AND j.last_heartbeat < $1
		 ORDER BY j.last_heartbeat`,
		cutoff.UTC())
}

// ListOrphanJobs finds rows stuck in created with no barrier membership: the
// spawn transaction committed but the barrier install never did.
func (s *SQLStore) ListOrphanJobs(ctx context.Context, cutoff time.Time) ([]*models.WorkerJob, error) {
	return s.queryJobs(ctx, "list orphan jobs",
		`SELECT `+jobColumns+jobFrom+`
		 WHERE j.status = 'created' AND j.created_at < $1
		   AND NOT EXISTS (SELECT 1 FROM barrier_jobs b WHERE b.job_id = j.id)
		 ORDER BY j.created_at`,
		cutoff.UTC())
}

func (s *SQLStore) CountJobsByStatus(ctx context.Context) (map[models.WorkerJobStatus]int64, error) {
	rows, err := s.q().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM worker_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[models.WorkerJobStatus]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[models.WorkerJobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return counts, nil
}

// ---------------------------------------------------------------------------
// Barriers
// ---------------------------------------------------------------------------

const barrierColumns = `id, run_id, status, expected_count, completed_count, deadline_at, created_at`

func scanBarrier(row scanner) (*models.Barrier, error) {
	var barrier models.Barrier
	var status string
	var deadline sql.NullTime
	if err := row.Scan(
		&barrier.ID,
		&barrier.RunID,
		&status,
		&barrier.ExpectedCount,
		&barrier.CompletedCount,
		&deadline,
		&barrier.CreatedAt,
	); err != nil {
		return nil, err
	}
	barrier.Status = models.BarrierStatus(status)
	barrier.Deadline = timePtr(deadline)
	barrier.CreatedAt = barrier.CreatedAt.UTC()
	return &barrier, nil
}

// InstallBarrier is the second phase of spawning: one transaction creates (or
// resets) the run's barrier, registers the member jobs and parks the run in
// waiting. The jobs themselves stay in created until AdmitBarrierJobs, so a
// claimant can only ever see a queued job whose barrier already exists.
func (s *SQLStore) InstallBarrier(ctx context.Context, runID int64, deadline time.Time, members []BarrierMember, now time.Time) (*models.Barrier, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("install barrier: at least one member is required")
	}
	var barrier *models.Barrier
	err := s.withTx(ctx, "install barrier", func(tx *sql.Tx) error {
		var (
			barrierID int64
			prevState string
			createdAt time.Time
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, status, created_at FROM worker_barriers WHERE run_id = $1`+s.dialect.forUpdate,
			runID,
		).Scan(&barrierID, &prevState, &createdAt)
		switch {
		case err == sql.ErrNoRows:
			createdAt = now.UTC()
			if err := tx.QueryRowContext(ctx,
				`INSERT INTO worker_barriers (run_id, status, expected_count, completed_count, deadline_at, created_at)
				 VALUES ($1, $2, $3, 0, $4, $5)
				 RETURNING id`,
				runID, string(models.BarrierWaiting), len(members), deadline.UTC(), createdAt,
			).Scan(&barrierID); err != nil {
				return fmt.Errorf("insert barrier: %w", err)
			}
		case err != nil:
			return fmt.Errorf("lookup barrier: %w", err)
		default:
			// Re-interrupt: the run's single barrier row is reset in place
			// for the new worker generation.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM barrier_jobs WHERE barrier_id = $1`, barrierID); err != nil {
				return fmt.Errorf("clear barrier jobs: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE worker_barriers
				 SET status = $1, expected_count = $2, completed_count = 0, deadline_at = $3
				 WHERE id = $4`,
				string(models.BarrierWaiting), len(members), deadline.UTC(), barrierID); err != nil {
				return fmt.Errorf("reset barrier: %w", err)
			}
		}

		for _, member := range members {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO barrier_jobs (barrier_id, job_id, tool_call_id, status)
				 VALUES ($1, $2, $3, $4)`,
				barrierID, member.JobID, member.ToolCallID, string(models.BarrierJobQueued),
			); err != nil {
				return fmt.Errorf("insert barrier job: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = $1 WHERE id = $2 AND status = $3`,
			string(models.RunWaiting), runID, string(models.RunRunning))
		if err != nil {
			return fmt.Errorf("park run: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("park run rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("park run %d: not running", runID)
		}

		dl := deadline.UTC()
		barrier = &models.Barrier{
			ID:            barrierID,
			RunID:         runID,
			Status:        models.BarrierWaiting,
			ExpectedCount: len(members),
			Deadline:      &dl,
			CreatedAt:     createdAt.UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return barrier, nil
}

func (s *SQLStore) AdmitBarrierJobs(ctx context.Context, barrierID int64) (int64, error) {
	res, err := s.q().ExecContext(ctx,
		`UPDATE worker_jobs SET status = 'queued'
		 WHERE status = 'created'
		   AND id IN (SELECT job_id FROM barrier_jobs WHERE barrier_id = $1)`,
		barrierID)
	if err != nil {
		return 0, fmt.Errorf("admit barrier jobs: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("admit barrier jobs rows affected: %w", err)
	}
	return rows, nil
}

func (s *SQLStore) GetBarrierByRun(ctx context.Context, runID int64) (*models.Barrier, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT `+barrierColumns+` FROM worker_barriers WHERE run_id = $1`, runID)
	barrier, err := scanBarrier(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get barrier: %w", err)
	}
	return barrier, nil
}

func (s *SQLStore) ListBarrierJobs(ctx context.Context, barrierID int64) ([]*models.BarrierJob, error) {
	rows, err := s.q().QueryContext(ctx,
		`SELECT id, barrier_id, job_id, tool_call_id, status, result, error, attempts, completed_at
		 FROM barrier_jobs WHERE barrier_id = $1 ORDER BY id`, barrierID)
	if err != nil {
		return nil, fmt.Errorf("list barrier jobs: %w", err)
	}
	defer rows.Close()

	list := []*models.BarrierJob{}
	for rows.Next() {
		var bj models.BarrierJob
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(&bj.ID, &bj.BarrierID, &bj.JobID, &bj.ToolCallID, &status, &bj.Result, &bj.Error, &bj.Attempts, &completedAt); err != nil {
			return nil, fmt.Errorf("scan barrier job: %w", err)
		}
		bj.Status = models.BarrierJobStatus(status)
		bj.CompletedAt = timePtr(completedAt)
		list = append(list, &bj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list barrier jobs: %w", err)
	}
	return list, nil
}

func collectBarrierResults(ctx context.Context, q querier, barrierID int64) ([]models.WorkerResult, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT b.tool_call_id, b.job_id, j.worker_id, b.status, b.result, b.error, j.error_kind
		 FROM barrier_jobs b
		 JOIN worker_jobs j ON j.id = b.job_id
		 WHERE b.barrier_id = $1
		 ORDER BY b.id`, barrierID)
	if err != nil {
		return nil, fmt.Errorf("collect barrier results: %w", err)
	}
	defer rows.Close()

	results := []models.WorkerResult{}
	for rows.Next() {
		var r models.WorkerResult
		var status string
		if err := rows.Scan(&r.ToolCallID, &r.JobID, &r.WorkerID, &status, &r.Result, &r.Error, &r.ErrorKind); err != nil {
			return nil, fmt.Errorf("scan barrier result: %w", err)
		}
		r.Status = models.BarrierJobStatus(status)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collect barrier results: %w", err)
	}
	return results, nil
}

// ResolveBarrierJob records one job's outcome against the run's barrier. The
// transaction holds the barrier row lock from the first statement, so
// concurrent completions serialize here and exactly one of them observes the
// count reach expected and takes the resume directive.
func (s *SQLStore) ResolveBarrierJob(ctx context.Context, runID, jobID int64, status models.BarrierJobStatus, result, errMsg string, now time.Time) (*BarrierResolution, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("resolve barrier job: %q is not terminal", status)
	}
	resolution := &BarrierResolution{}
	err := s.withTx(ctx, "resolve barrier job", func(tx *sql.Tx) error {
		var (
			barrierID     int64
			barrierStatus string
			expected      int
			completed     int
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, status, expected_count, completed_count FROM worker_barriers WHERE run_id = $1`+s.dialect.forUpdate,
			runID,
		).Scan(&barrierID, &barrierStatus, &expected, &completed)
		if err == sql.ErrNoRows {
			resolution.Outcome = BarrierSkipped
			resolution.Reason = "no barrier for run"
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock barrier: %w", err)
		}
		resolution.BarrierID = barrierID
		resolution.Expected = expected
		resolution.Completed = completed

		if barrierStatus != string(models.BarrierWaiting) {
			resolution.Outcome = BarrierSkipped
			resolution.Reason = fmt.Sprintf("barrier is %s, not waiting", barrierStatus)
			return nil
		}

		var (
			memberID     int64
			memberStatus string
		)
		err = tx.QueryRowContext(ctx,
			`SELECT id, status FROM barrier_jobs WHERE barrier_id = $1 AND job_id = $2`,
			barrierID, jobID,
		).Scan(&memberID, &memberStatus)
		if err == sql.ErrNoRows {
			resolution.Outcome = BarrierSkipped
			resolution.Reason = "job not admitted to barrier"
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup barrier job: %w", err)
		}
		if models.BarrierJobStatus(memberStatus).Terminal() {
			resolution.Outcome = BarrierSkipped
			resolution.Reason = fmt.Sprintf("barrier job already %s", memberStatus)
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE barrier_jobs SET status = $1, result = $2, error = $3, completed_at = $4 WHERE id = $5`,
			string(status), result, errMsg, now.UTC(), memberID); err != nil {
			return fmt.Errorf("update barrier job: %w", err)
		}
		completed++
		if _, err := tx.ExecContext(ctx,
			`UPDATE worker_barriers SET completed_count = $1 WHERE id = $2`,
			completed, barrierID); err != nil {
			return fmt.Errorf("update barrier count: %w", err)
		}
		resolution.Completed = completed

		if completed < expected {
			resolution.Outcome = BarrierWaiting
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE worker_barriers SET status = $1 WHERE id = $2`,
			string(models.BarrierResuming), barrierID); err != nil {
			return fmt.Errorf("mark barrier resuming: %w", err)
		}
		results, err := collectBarrierResults(ctx, tx, barrierID)
		if err != nil {
			return err
		}
		resolution.Outcome = BarrierResume
		resolution.Results = results
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolution, nil
}

func (s *SQLStore) SetBarrierStatus(ctx context.Context, barrierID int64, status models.BarrierStatus) error {
	res, err := s.q().ExecContext(ctx,
		`UPDATE worker_barriers SET status = $1 WHERE id = $2`,
		string(status), barrierID)
	if err != nil {
		return fmt.Errorf("set barrier status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set barrier status rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireBarriers claims overdue barriers one transaction at a time. The
// status compare-and-set makes the claim safe against a concurrent N-th
// completion: whichever side flips waiting to resuming first owns the resume.
func (s *SQLStore) ExpireBarriers(ctx context.Context, now time.Time) ([]*ExpiredBarrier, error) {
	rows, err := s.q().QueryContext(ctx,
		`SELECT id, run_id FROM worker_barriers
		 WHERE status = $1 AND deadline_at IS NOT NULL AND deadline_at < $2
		 ORDER BY deadline_at`,
		string(models.BarrierWaiting), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired barriers: %w", err)
	}
	type candidate struct {
		id    int64
		runID int64
	}
	candidates := []candidate{}
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.runID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired barrier: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list expired barriers: %w", err)
	}
	rows.Close()

	expired := []*ExpiredBarrier{}
	for _, c := range candidates {
		var entry *ExpiredBarrier
		err := s.withTx(ctx, "expire barrier", func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`UPDATE worker_barriers SET status = $1 WHERE id = $2 AND status = $3`,
				string(models.BarrierResuming), c.id, string(models.BarrierWaiting))
			if err != nil {
				return fmt.Errorf("claim barrier: %w", err)
			}
			claimed, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim barrier rows affected: %w", err)
			}
			if claimed == 0 {
				// Resolved or reaped concurrently.
				return nil
			}

			res, err = tx.ExecContext(ctx,
				`UPDATE barrier_jobs
				 SET status = $1, error = $2, completed_at = $3
				 WHERE barrier_id = $4 AND status NOT IN ($5, $6, $7)`,
				string(models.BarrierJobTimeout), "worker timed out (barrier deadline exceeded)", now.UTC(),
				c.id,
				string(models.BarrierJobCompleted), string(models.BarrierJobFailed), string(models.BarrierJobTimeout))
			if err != nil {
				return fmt.Errorf("timeout barrier jobs: %w", err)
			}
			timedOut, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("timeout barrier jobs rows affected: %w", err)
			}

			barrier, err := scanBarrier(tx.QueryRowContext(ctx,
				`SELECT `+barrierColumns+` FROM worker_barriers WHERE id = $1`, c.id))
			if err != nil {
				return fmt.Errorf("reload barrier: %w", err)
			}
			results, err := collectBarrierResults(ctx, tx, c.id)
			if err != nil {
				return err
			}
			entry = &ExpiredBarrier{
				Barrier:  barrier,
				RunID:    c.runID,
				TimedOut: int(timedOut),
				Results:  results,
			}
			return nil
		})
		if err != nil {
			return expired, err
		}
		if entry != nil {
			expired = append(expired, entry)
		}
	}
	return expired, nil
}
