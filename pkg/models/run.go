// Package models provides the domain types for the Foreman orchestration core.
package models

import (
	"time"
)

// RunStatus is the lifecycle state of a supervisor run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunQueued, RunRunning, RunWaiting, RunSuccess, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status. Terminal runs never
// transition again and have finished_at set exactly once.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// Usage accumulates token counts across all LLM calls of a run.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	ReasoningTokens  int64 `json:"reasoning_tokens,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.ReasoningTokens += other.ReasoningTokens
}

// Run is one user-initiated reasoning episode bounded by a terminal status.
//
// A run is identified internally by ID and externally by PublicID (a UUID
// that is safe to hand to clients). LastEventID is the per-run event
// high-water mark; event appends increment it under a row lock so event ids
// are strictly monotonic per run.
type Run struct {
	ID       int64  `json:"-"`
	PublicID string `json:"run_public_id"`
	OwnerID  int64  `json:"owner_id"`
	ThreadID int64  `json:"thread_id"`

	Status RunStatus `json:"status"`

	// Model and ReasoningEffort select the LLM backend behaviour for every
	// iteration of this run. ReasoningEffort is forwarded only to providers
	// that advertise a reasoning capability.
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`

	// AssistantMessageID is a stable client-side correlation id: every
	// supervisor lifecycle event of this run carries it so UIs can key
	// streaming updates to one message bubble.
	AssistantMessageID string `json:"assistant_message_id,omitempty"`

	// TraceID correlates the run across events, workers and spans.
	TraceID string `json:"trace_id,omitempty"`

	Iterations  int   `json:"iterations"`
	LastEventID int64 `json:"last_event_id"`

	Usage Usage `json:"usage"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
}

// Snapshot is the authoritative point-in-time view of a run returned by the
// snapshot endpoint. Late joiners combine it with a replay from LastEventID.
type Snapshot struct {
	Run           *Run           `json:"run"`
	LastAssistant string         `json:"last_assistant,omitempty"`
	Workers       []WorkerStatus `json:"workers,omitempty"`
	LastEventID   int64          `json:"last_event_id"`
}

// WorkerStatus is one entry of the snapshot's live worker map.
type WorkerStatus struct {
	JobID      int64           `json:"job_id"`
	WorkerID   string          `json:"worker_id,omitempty"`
	ToolCallID string          `json:"tool_call_id"`
	Status     WorkerJobStatus `json:"status"`
	Task       string          `json:"task"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
}
