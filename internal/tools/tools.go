// Package tools defines the tool surface exposed to supervisor and worker
// agents: a registry with role-scoped allowlists, and an invoker that runs
// validated tool calls with per-call timeouts, panic containment and
// artifact capture.
//
// Tools never publish conversation events themselves. The invoker owns the
// call lifecycle (started, completed, failed) and reports it through the
// emitter it was handed, so the same tool code serves both roles.
package tools

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/pkg/models"
)

// Role identifies which agent loop is calling. Allowlists are role-scoped:
// a tool registered only for workers is invisible to the supervisor and
// vice versa.
type Role string

const (
	RoleSupervisor Role = "supervisor"
	RoleWorker     Role = "worker"
)

// Tool is a callable capability. Schema returns the JSON Schema for the
// tool's arguments; the registry compiles it once at registration and
// rejects calls whose arguments do not conform.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

// Invocation carries one tool call and its execution context.
type Invocation struct {
	Call models.ToolCall
	Role Role

	// Run is the owning run.
	Run *models.Run

	// WorkerID is set when Role is RoleWorker.
	WorkerID string

	// Store is a per-call database session, opened by the invoker and
	// closed when the call returns. Nil when the invoker has no session
	// factory.
	Store storage.Store
}

// Result is a successful tool outcome.
type Result struct {
	Content string
}

// reflectSchema builds an inline JSON Schema from a typed argument struct.
// Fields without omitempty are required; extra properties are rejected.
func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		// Argument structs are plain data; marshalling their reflected
		// schema does not fail. Keep the tool callable regardless.
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
