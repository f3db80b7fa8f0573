package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/pkg/models"
)

// SpawnToolName is the tool the supervisor loop intercepts instead of
// executing.
const SpawnToolName = "spawn_worker"

// SpawnArgs are the arguments of the spawn_worker tool.
type SpawnArgs struct {
	// Task is the prompt handed to the worker.
	Task string `json:"task" jsonschema:"minLength=1,description=Task for the worker to carry out"`

	// Mode selects the execution mode. Defaults to standard.
	Mode string `json:"mode,omitempty" jsonschema:"enum=standard,enum=workspace,description=Execution mode; defaults to standard"`

	// GitRepo is the repository cloned in workspace mode.
	GitRepo string `json:"git_repo,omitempty" jsonschema:"description=Git repository URL; required in workspace mode"`

	// BaseBranch is the branch the workspace starts from.
	BaseBranch string `json:"base_branch,omitempty" jsonschema:"description=Base branch for workspace mode; defaults to the repository default"`

	// Model overrides the worker's model. Empty inherits the run's model.
	Model string `json:"model,omitempty" jsonschema:"description=Model override for this worker"`

	// ReasoningEffort overrides the worker's reasoning effort.
	ReasoningEffort string `json:"reasoning_effort,omitempty" jsonschema:"enum=low,enum=medium,enum=high,description=Reasoning effort override"`
}

// ExecutionMode returns the validated mode.
func (a *SpawnArgs) ExecutionMode() models.ExecutionMode {
	return models.ExecutionMode(a.Mode)
}

// ParseSpawnArgs decodes and validates spawn_worker arguments. The
// supervisor loop uses it when turning intercepted spawn calls into worker
// jobs.
func ParseSpawnArgs(args json.RawMessage) (*SpawnArgs, error) {
	var parsed SpawnArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, fault.E(models.KindInvalidInput, "tools.spawn_worker", "arguments are not valid JSON", err)
		}
	}

	parsed.Task = strings.TrimSpace(parsed.Task)
	if parsed.Task == "" {
		return nil, fault.Errorf(models.KindInvalidInput, "tools.spawn_worker", "task is required")
	}
	if parsed.Mode == "" {
		parsed.Mode = string(models.ModeStandard)
	}
	mode := models.ExecutionMode(parsed.Mode)
	if !mode.Valid() {
		return nil, fault.Errorf(models.KindInvalidInput, "tools.spawn_worker", "unknown mode %q", parsed.Mode)
	}
	if mode == models.ModeWorkspace && strings.TrimSpace(parsed.GitRepo) == "" {
		return nil, fault.Errorf(models.KindInvalidInput, "tools.spawn_worker", "workspace mode requires git_repo")
	}
	if mode == models.ModeStandard && parsed.GitRepo != "" {
		return nil, fault.Errorf(models.KindInvalidInput, "tools.spawn_worker", "git_repo is only valid in workspace mode")
	}
	return &parsed, nil
}

// SpawnWorker records the supervisor's intent to delegate work. The
// supervisor loop intercepts spawn_worker calls and converts them into
// durable worker jobs; Execute only runs if that interception is missing.
type SpawnWorker struct {
	schema json.RawMessage
}

// NewSpawnWorker builds the spawn_worker tool.
func NewSpawnWorker() *SpawnWorker {
	return &SpawnWorker{schema: reflectSchema(&SpawnArgs{})}
}

func (t *SpawnWorker) Name() string { return SpawnToolName }

func (t *SpawnWorker) Description() string {
	return "Delegate a task to a parallel worker. The run pauses until every worker spawned this turn finishes; their results arrive in the next turn."
}

func (t *SpawnWorker) Schema() json.RawMessage { return t.schema }

func (t *SpawnWorker) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	return nil, fault.Errorf(models.KindInternal, "tools.spawn_worker", "spawn_worker must be intercepted by the supervisor loop")
}
