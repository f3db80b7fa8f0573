package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of run event. The taxonomy is closed: the
// event log rejects appends of unknown types.
type EventType string

const (
	// Supervisor lifecycle.
	EventSupervisorStarted     EventType = "supervisor_started"
	EventSupervisorIteration   EventType = "supervisor_iteration"
	EventSupervisorInterrupted EventType = "supervisor_interrupted"
	EventSupervisorResumed     EventType = "supervisor_resumed"
	EventSupervisorComplete    EventType = "supervisor_complete"
	EventSupervisorFailed      EventType = "supervisor_failed"

	// Supervisor tool execution.
	EventSupervisorToolStarted   EventType = "supervisor_tool_started"
	EventSupervisorToolCompleted EventType = "supervisor_tool_completed"
	EventSupervisorToolFailed    EventType = "supervisor_tool_failed"

	// Worker lifecycle.
	EventWorkerSpawned  EventType = "worker_spawned"
	EventWorkerStarted  EventType = "worker_started"
	EventWorkerComplete EventType = "worker_complete"
	EventWorkerFailed   EventType = "worker_failed"

	// Worker tool execution.
	EventWorkerToolStarted   EventType = "worker_tool_started"
	EventWorkerToolCompleted EventType = "worker_tool_completed"
	EventWorkerToolFailed    EventType = "worker_tool_failed"

	// Liveness. Heartbeats flow through the in-process bus only; they are
	// never persisted to the log.
	EventHeartbeat EventType = "heartbeat"

	// Token deltas, emitted only when provider streaming is enabled. Like
	// heartbeats they are bus-only and explicitly best-effort.
	EventToken EventType = "token"
)

// Valid reports whether t belongs to the closed taxonomy.
func (t EventType) Valid() bool {
	switch t {
	case EventSupervisorStarted, EventSupervisorIteration, EventSupervisorInterrupted,
		EventSupervisorResumed, EventSupervisorComplete, EventSupervisorFailed,
		EventSupervisorToolStarted, EventSupervisorToolCompleted, EventSupervisorToolFailed,
		EventWorkerSpawned, EventWorkerStarted, EventWorkerComplete, EventWorkerFailed,
		EventWorkerToolStarted, EventWorkerToolCompleted, EventWorkerToolFailed,
		EventHeartbeat, EventToken:
		return true
	}
	return false
}

// Durable reports whether events of this type are persisted to the run log.
// Non-durable types exist only on the in-process bus.
func (t EventType) Durable() bool {
	return t != EventHeartbeat && t != EventToken
}

// Coalescible reports whether a stream subscriber may drop older events of
// this type under backpressure. Structural events are never dropped: when a
// structural event would overflow a subscriber's bounded queue the
// subscription is terminated instead (lagging_consumer).
func (t EventType) Coalescible() bool {
	return t == EventHeartbeat || t == EventToken
}

// RunEvent is the canonical timeline record.
//
// EventID increases strictly and without reuse within a run; events across
// runs have no ordering. Payload is stored as raw JSON so replay returns
// byte-for-byte what was appended.
type RunEvent struct {
	EventID     int64           `json:"event_id"`
	RunID       int64           `json:"-"`
	RunPublicID string          `json:"run_public_id"`
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

// DecodePayload unmarshals the event payload into v.
func (e *RunEvent) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
