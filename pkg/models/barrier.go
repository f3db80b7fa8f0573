package models

import (
	"time"
)

// BarrierStatus is the lifecycle state of a worker barrier.
type BarrierStatus string

const (
	// BarrierWaiting barriers are counting completions.
	BarrierWaiting BarrierStatus = "waiting"

	// BarrierResuming means the N-th completion (or the deadline reaper)
	// has claimed the single resume; the directive is in flight.
	BarrierResuming BarrierStatus = "resuming"

	// BarrierCompleted is terminal: the resume was handed to the
	// orchestrator, or the run was cancelled.
	BarrierCompleted BarrierStatus = "completed"
)

// Valid reports whether s is a known barrier status.
func (s BarrierStatus) Valid() bool {
	return s == BarrierWaiting || s == BarrierResuming || s == BarrierCompleted
}

// Barrier gates the supervisor resume on parallel worker completion. At most
// one non-terminal barrier exists per run.
type Barrier struct {
	ID    int64 `json:"id"`
	RunID int64 `json:"run_id"`

	Status         BarrierStatus `json:"status"`
	ExpectedCount  int           `json:"expected_count"`
	CompletedCount int           `json:"completed_count"`

	// Deadline bounds how long the barrier waits; the reaper stamps
	// unfinished jobs timeout and forces the resume once it passes.
	Deadline *time.Time `json:"deadline,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// BarrierJobStatus is the lifecycle state of one barrier membership row.
type BarrierJobStatus string

const (
	BarrierJobCreated   BarrierJobStatus = "created"
	BarrierJobQueued    BarrierJobStatus = "queued"
	BarrierJobCompleted BarrierJobStatus = "completed"
	BarrierJobFailed    BarrierJobStatus = "failed"
	BarrierJobTimeout   BarrierJobStatus = "timeout"
)

// Valid reports whether s is a known barrier job status.
func (s BarrierJobStatus) Valid() bool {
	switch s {
	case BarrierJobCreated, BarrierJobQueued, BarrierJobCompleted, BarrierJobFailed, BarrierJobTimeout:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal barrier job status.
func (s BarrierJobStatus) Terminal() bool {
	switch s {
	case BarrierJobCompleted, BarrierJobFailed, BarrierJobTimeout:
		return true
	}
	return false
}

// BarrierJob is one row per worker belonging to a barrier. It caches the
// worker's result so the resume directive can be assembled without touching
// worker state.
type BarrierJob struct {
	ID        int64 `json:"id"`
	BarrierID int64 `json:"barrier_id"`
	JobID     int64 `json:"job_id"`

	// ToolCallID is the supervisor invocation id needed to construct the
	// tool reply message on resume.
	ToolCallID string `json:"tool_call_id"`

	Status   BarrierJobStatus `json:"status"`
	Result   string           `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	Attempts int              `json:"attempts"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkerResult is one tuple of the resume directive: everything the ReAct
// engine needs to synthesise the tool reply message for one worker.
type WorkerResult struct {
	ToolCallID string           `json:"tool_call_id"`
	JobID      int64            `json:"job_id"`
	WorkerID   string           `json:"worker_id,omitempty"`
	Status     BarrierJobStatus `json:"status"`
	Result     string           `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  string           `json:"error_kind,omitempty"`
}
