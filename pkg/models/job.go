package models

import (
	"time"
)

// ExecutionMode selects the worker execution path.
type ExecutionMode string

const (
	// ModeStandard runs a bounded ReAct loop in-process with the worker
	// tool allowlist.
	ModeStandard ExecutionMode = "standard"

	// ModeWorkspace clones a git repository into an isolated directory and
	// drives an external coding agent subprocess.
	ModeWorkspace ExecutionMode = "workspace"
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	return m == ModeStandard || m == ModeWorkspace
}

// WorkerJobStatus is the lifecycle state of a durable worker job.
type WorkerJobStatus string

const (
	// JobCreated rows exist but are invisible to claim queries. Jobs stay
	// created until the barrier transaction admits them (two-phase spawn).
	JobCreated WorkerJobStatus = "created"

	JobQueued    WorkerJobStatus = "queued"
	JobRunning   WorkerJobStatus = "running"
	JobCompleted WorkerJobStatus = "completed"
	JobFailed    WorkerJobStatus = "failed"
	JobTimeout   WorkerJobStatus = "timeout"
	JobCancelled WorkerJobStatus = "cancelled"
)

// Valid reports whether s is a known job status.
func (s WorkerJobStatus) Valid() bool {
	switch s {
	case JobCreated, JobQueued, JobRunning, JobCompleted, JobFailed, JobTimeout, JobCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal job status.
func (s WorkerJobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimeout, JobCancelled:
		return true
	}
	return false
}

// WorkerJob is one durable queue row.
//
// The pair (RunID, ToolCallID) is unique: respawning the same tool call
// reuses the existing job, which is what makes spawn idempotent across
// supervisor retries.
type WorkerJob struct {
	ID          int64  `json:"id"`
	RunID       int64  `json:"run_id"`
	RunPublicID string `json:"run_public_id"`
	OwnerID     int64  `json:"owner_id"`

	// ToolCallID is the supervisor's invocation id for the spawn call that
	// created this job. It keys the eventual tool reply message.
	ToolCallID string `json:"tool_call_id"`

	Task   string          `json:"task"`
	Status WorkerJobStatus `json:"status"`
	Mode   ExecutionMode   `json:"mode"`

	// GitRepo and BaseBranch configure workspace mode. Empty in standard
	// mode.
	GitRepo    string `json:"git_repo,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`

	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	TraceID         string `json:"trace_id,omitempty"`

	// WorkerID is stamped at claim time and identifies the worker's
	// artifact directory.
	WorkerID string `json:"worker_id,omitempty"`

	Attempts      int        `json:"attempts"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	ResultText     string `json:"result_text,omitempty"`
	ResultArtifact string `json:"result_artifact,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorKind      string `json:"error_kind,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
