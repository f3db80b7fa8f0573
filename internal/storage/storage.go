// Package storage persists runs, threads, events, worker jobs and barriers.
//
// Two SQL backends share one implementation (postgres via lib/pq, sqlite via
// modernc.org/sqlite) behind a small dialect seam; a mutex-guarded memory
// store backs tests and the zero-config dev path. The multi-step operations
// that the orchestration layer depends on for correctness — event id
// allocation, job claiming, barrier install and single-resume — are owned by
// the store so each backend can make them atomic its own way.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/foremanlabs/foreman/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// RunStore persists supervisor runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id int64) (*models.Run, error)
	GetRunByPublicID(ctx context.Context, publicID string) (*models.Run, error)
	ListRuns(ctx context.Context, ownerID int64, limit int) ([]*models.Run, error)

	// TransitionRun flips status from exactly `from` to `to` and reports
	// whether the row changed. This compare-and-set is the idempotency gate
	// for resume (waiting -> running) and cancel.
	TransitionRun(ctx context.Context, runID int64, from, to models.RunStatus, now time.Time) (bool, error)

	// FinishRun stamps a terminal status. finished_at is set exactly once:
	// a second finish of any kind reports false and changes nothing.
	FinishRun(ctx context.Context, runID int64, status models.RunStatus, errKind, errMsg string, now time.Time, durationMS int64) (bool, error)

	// AddRunUsage accumulates token usage and iteration count onto the run.
	AddRunUsage(ctx context.Context, runID int64, usage models.Usage, iterations int) error

	// ListExpiredRuns returns non-terminal runs in the given statuses whose
	// started_at predates olderThan.
	ListExpiredRuns(ctx context.Context, statuses []models.RunStatus, olderThan time.Time) ([]*models.Run, error)
}

// ThreadStore persists conversation threads and their messages.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, id int64) (*models.Thread, error)
	ListThreads(ctx context.Context, ownerID int64, limit int) ([]*models.Thread, error)

	// AppendMessages stores msgs in order within one transaction and bumps
	// the thread's updated_at.
	AppendMessages(ctx context.Context, threadID int64, msgs []*models.Message) error

	ListMessages(ctx context.Context, threadID int64, includeInternal bool) ([]*models.Message, error)
	LastAssistantMessage(ctx context.Context, threadID int64) (*models.Message, error)
}

// EventStore persists the append-only run event log.
type EventStore interface {
	// AppendEvent allocates the next per-run event id under the run row lock
	// and inserts the event in the same transaction. On success ev.EventID
	// holds the allocated id.
	AppendEvent(ctx context.Context, ev *models.RunEvent) error

	// ListEvents returns durable events with event_id > afterEventID in
	// ascending event_id order, at most limit rows (0 = no limit).
	ListEvents(ctx context.Context, runID int64, afterEventID int64, limit int) ([]*models.RunEvent, error)

	LatestEventID(ctx context.Context, runID int64) (int64, error)

	// PruneEvents deletes events of terminal runs older than before, keeping
	// each run's terminal supervisor event. Returns rows deleted.
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// JobStore persists the durable worker job queue.
type JobStore interface {
	// CreateJob inserts a job row. (run_id, tool_call_id) is unique;
	// violating it returns ErrAlreadyExists.
	CreateJob(ctx context.Context, job *models.WorkerJob) error

	GetJob(ctx context.Context, id int64) (*models.WorkerJob, error)
	GetJobByToolCall(ctx context.Context, runID int64, toolCallID string) (*models.WorkerJob, error)
	ListJobsByRun(ctx context.Context, runID int64) ([]*models.WorkerJob, error)

	// ClaimJob atomically moves the oldest queued job to running, stamping
	// workerID, attempts+1, started_at and last_heartbeat. Returns
	// ErrNotFound when nothing is claimable.
	ClaimJob(ctx context.Context, workerID string, now time.Time) (*models.WorkerJob, error)

	// TouchJob refreshes last_heartbeat on a running job.
	TouchJob(ctx context.Context, jobID int64, now time.Time) error

	CompleteJob(ctx context.Context, jobID int64, result, artifact string, now time.Time) error

	// FailJob stamps a terminal failure status (failed, timeout or
	// cancelled) together with the error kind and message.
	FailJob(ctx context.Context, jobID int64, status models.WorkerJobStatus, errKind, errMsg string, now time.Time) error

	// RequeueJob returns a running job to queued, keeping attempts.
	RequeueJob(ctx context.Context, jobID int64) error

	// RespawnJob resets a terminally failed job (failed, timeout or
	// cancelled) back to created so a repeated spawn with the same
	// tool_call_id can run it again. Attempts are preserved; result and
	// error fields are cleared. Jobs in any other status are not touched
	// and ErrNotFound is returned.
	RespawnJob(ctx context.Context, jobID int64) error

	// CancelPendingJobs cancels created and queued jobs of a run. Running
	// workers are not interrupted; their completion resolves against a
	// non-waiting barrier and is dropped.
	CancelPendingJobs(ctx context.Context, runID int64, now time.Time) (int64, error)

	// ListStaleJobs returns running jobs whose last_heartbeat predates
	// cutoff.
	ListStaleJobs(ctx context.Context, cutoff time.Time) ([]*models.WorkerJob, error)

	// ListOrphanJobs returns jobs stuck in created past cutoff with no
	// barrier membership (the install transaction never committed).
	ListOrphanJobs(ctx context.Context, cutoff time.Time) ([]*models.WorkerJob, error)

	CountJobsByStatus(ctx context.Context) (map[models.WorkerJobStatus]int64, error)
}

// BarrierMember names one job admitted by a barrier install.
type BarrierMember struct {
	JobID      int64
	ToolCallID string
}

// BarrierOutcome classifies the result of resolving one job against its
// barrier.
type BarrierOutcome string

const (
	// BarrierSkipped: no waiting barrier, or the job was already resolved.
	BarrierSkipped BarrierOutcome = "skipped"

	// BarrierWaiting: the completion was recorded but siblings are still
	// outstanding.
	BarrierWaiting BarrierOutcome = "waiting"

	// BarrierResume: this caller completed the set and holds the single
	// resume directive.
	BarrierResume BarrierOutcome = "resume"
)

// BarrierResolution reports the atomic outcome of ResolveBarrierJob.
type BarrierResolution struct {
	Outcome   BarrierOutcome
	Reason    string
	BarrierID int64
	Completed int
	Expected  int

	// Results carries the full tuple set, in install order, when Outcome is
	// BarrierResume.
	Results []models.WorkerResult
}

// ExpiredBarrier is one barrier claimed by the deadline reaper, with partial
// results and timeouts for the jobs that never finished.
type ExpiredBarrier struct {
	Barrier  *models.Barrier
	RunID    int64
	TimedOut int
	Results  []models.WorkerResult
}

// BarrierStore persists worker barriers and their membership rows.
type BarrierStore interface {
	// InstallBarrier creates (or resets, on re-interrupt) the run's barrier,
	// inserts one membership row per member and parks the run from running
	// to waiting, all in one transaction. The member jobs stay in created
	// and are invisible to claimants until AdmitBarrierJobs, so a worker can
	// never complete against a barrier that does not exist yet and a waiting
	// run always has a live barrier.
	InstallBarrier(ctx context.Context, runID int64, deadline time.Time, members []BarrierMember, now time.Time) (*models.Barrier, error)

	// AdmitBarrierJobs flips the barrier's member jobs from created to
	// queued, making them claimable. Callers put the interrupt event on the
	// run's log between InstallBarrier and AdmitBarrierJobs; its event id is
	// then always below the ids of every worker event of that generation.
	// Jobs left unadmitted by a crash stay invisible and are settled by the
	// barrier deadline and the orphan sweep.
	AdmitBarrierJobs(ctx context.Context, barrierID int64) (int64, error)

	GetBarrierByRun(ctx context.Context, runID int64) (*models.Barrier, error)
	ListBarrierJobs(ctx context.Context, barrierID int64) ([]*models.BarrierJob, error)

	// ResolveBarrierJob records one job's terminal state against the run's
	// barrier. The whole check is a single transaction holding the barrier
	// row lock: the N-th completion flips the barrier to resuming and
	// returns the full result set; every other caller observes waiting or
	// skipped. Exactly one caller per barrier generation sees
	// BarrierResume.
	ResolveBarrierJob(ctx context.Context, runID, jobID int64, status models.BarrierJobStatus, result, errMsg string, now time.Time) (*BarrierResolution, error)

	// SetBarrierStatus force-sets the barrier status (resuming -> completed
	// after the directive is consumed, or any -> completed on cancel).
	SetBarrierStatus(ctx context.Context, barrierID int64, status models.BarrierStatus) error

	// ExpireBarriers claims every waiting barrier whose deadline has passed,
	// stamps unfinished membership rows timeout and returns the partial
	// result sets. Each claim is its own transaction.
	ExpireBarriers(ctx context.Context, now time.Time) ([]*ExpiredBarrier, error)
}

// Store is the full persistence surface of the orchestration core.
type Store interface {
	RunStore
	ThreadStore
	EventStore
	JobStore
	BarrierStore

	// Migrate applies the schema. Safe to call repeatedly.
	Migrate(ctx context.Context) error

	Ping(ctx context.Context) error
	Close() error
}

// SessionFactory hands out short-lived store sessions. Tool invocations that
// need persistence open one per call and close it before returning; nothing
// long-lived holds a session.
type SessionFactory interface {
	// OpenSession returns a Store view whose Close releases only the
	// session, never the underlying pool.
	OpenSession(ctx context.Context) (Store, error)
}
