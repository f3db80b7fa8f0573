package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Thread is the persistent conversation context a run reads and appends.
type Thread struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one entry of a thread.
//
// Internal marks orchestration-only messages (resume prompts, injected
// context) that are stored for LLM continuity but hidden from end-user
// views.
type Message struct {
	ID       int64 `json:"id"`
	ThreadID int64 `json:"thread_id"`

	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set on tool messages and names the assistant tool call
	// this message replies to.
	ToolCallID string `json:"tool_call_id,omitempty"`

	Internal bool      `json:"internal,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// ToolCall is an assistant request to execute a named tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult is the outcome of one tool invocation, keyed by the call id so
// the reply message can be reassembled in the original call order.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`

	// Kind classifies errors with one of the closed error kinds. Empty on
	// success.
	Kind string `json:"kind,omitempty"`

	// Artifact optionally points at the full result stored out-of-band when
	// the inline content was size-capped.
	Artifact string `json:"artifact,omitempty"`

	DurationMS int64 `json:"duration_ms,omitempty"`
}
