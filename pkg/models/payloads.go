package models

import (
	"time"
)

// EventMeta carries the identity fields every event payload shares. Emitters
// fix these at construction so no call site can emit under the wrong
// identity.
type EventMeta struct {
	// Role is "supervisor" or "worker".
	Role string `json:"role"`

	AssistantMessageID string `json:"assistant_message_id,omitempty"`
	WorkerID           string `json:"worker_id,omitempty"`
	JobID              int64  `json:"job_id,omitempty"`
	TraceID            string `json:"trace_id,omitempty"`
}

// SupervisorStartedPayload announces a run entering the loop.
type SupervisorStartedPayload struct {
	EventMeta
	Model       string `json:"model"`
	TaskPreview string `json:"task_preview,omitempty"`
}

// IterationPayload marks one loop turn.
type IterationPayload struct {
	EventMeta
	Iteration int `json:"iteration"`
}

// InterruptedPayload records the supervisor parking on a barrier.
type InterruptedPayload struct {
	EventMeta
	BarrierID     int64     `json:"barrier_id"`
	ExpectedCount int       `json:"expected_count"`
	JobIDs        []int64   `json:"job_ids"`
	Deadline      time.Time `json:"deadline"`
}

// ResumedPayload records the supervisor waking with worker results.
type ResumedPayload struct {
	EventMeta
	BarrierID int64 `json:"barrier_id"`
	Completed int   `json:"completed"`
	TimedOut  int   `json:"timed_out,omitempty"`
}

// CompletePayload is the terminal success payload.
type CompletePayload struct {
	EventMeta
	Result     string `json:"result"`
	Iterations int    `json:"iterations"`
	Usage      Usage  `json:"usage"`
}

// FailedPayload is the terminal failure payload.
type FailedPayload struct {
	EventMeta
	Error      string `json:"error"`
	ErrorKind  string `json:"error_kind"`
	Iterations int    `json:"iterations,omitempty"`
}

// ToolStartedPayload announces one tool invocation. Previews are capped by
// the emitter; full outputs live in artifacts.
type ToolStartedPayload struct {
	EventMeta
	Tool        string `json:"tool"`
	ToolCallID  string `json:"tool_call_id"`
	ArgsPreview string `json:"args_preview,omitempty"`
}

// ToolCompletedPayload carries a capped result preview and timing.
type ToolCompletedPayload struct {
	EventMeta
	Tool          string `json:"tool"`
	ToolCallID    string `json:"tool_call_id"`
	ResultPreview string `json:"result_preview,omitempty"`
	Artifact      string `json:"artifact,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
}

// ToolFailedPayload carries a capped error and its kind.
type ToolFailedPayload struct {
	EventMeta
	Tool       string `json:"tool"`
	ToolCallID string `json:"tool_call_id"`
	Error      string `json:"error"`
	ErrorKind  string `json:"error_kind"`
	DurationMS int64  `json:"duration_ms"`
}

// WorkerSpawnedPayload records one durable job created by spawn_worker. The
// job id here names the spawned job, not the emitting identity.
type WorkerSpawnedPayload struct {
	EventMeta
	SpawnedJobID int64  `json:"spawned_job_id"`
	ToolCallID   string `json:"tool_call_id"`
	Mode         string `json:"mode"`
	TaskPreview  string `json:"task_preview,omitempty"`
}

// WorkerStartedPayload marks a claimed job starting execution.
type WorkerStartedPayload struct {
	EventMeta
	Attempt     int    `json:"attempt"`
	Mode        string `json:"mode"`
	TaskPreview string `json:"task_preview,omitempty"`
}

// WorkerCompletePayload is a worker's terminal success.
type WorkerCompletePayload struct {
	EventMeta
	ResultPreview string `json:"result_preview,omitempty"`
	Artifact      string `json:"artifact,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
}

// WorkerFailedPayload is a worker's terminal failure.
type WorkerFailedPayload struct {
	EventMeta
	Error      string `json:"error"`
	ErrorKind  string `json:"error_kind"`
	DurationMS int64  `json:"duration_ms"`
}

// HeartbeatPayload is a bus-only liveness signal.
type HeartbeatPayload struct {
	EventMeta
	Phase string `json:"phase,omitempty"`
}

// TokenPayload is a bus-only streaming text delta.
type TokenPayload struct {
	EventMeta
	Delta string `json:"delta"`
}
