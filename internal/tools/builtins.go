package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/foremanlabs/foreman/internal/artifacts"
	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/pkg/models"
)

// maxArtifactReadBytes caps how much of an artifact read_artifact pulls
// back into the conversation.
const maxArtifactReadBytes = 1 << 20

// RegisterBuiltins wires the built-in tool set: spawn_worker for the
// supervisor only, the rest for both roles.
func RegisterBuiltins(reg *Registry, store *artifacts.Store, cfg config.ToolsConfig) error {
	if err := reg.Register(NewSpawnWorker(), RoleSupervisor); err != nil {
		return err
	}
	if err := reg.Register(NewCurrentTime(), RoleSupervisor, RoleWorker); err != nil {
		return err
	}
	if err := reg.Register(NewHTTPFetch(cfg.HTTPFetch), RoleSupervisor, RoleWorker); err != nil {
		return err
	}
	return reg.Register(NewReadArtifact(store), RoleSupervisor, RoleWorker)
}

// TimeArgs are the arguments of the get_current_time tool.
type TimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as America/New_York; defaults to UTC"`
}

// CurrentTime reports the wall clock, mainly so models with stale training
// cutoffs can anchor date arithmetic.
type CurrentTime struct {
	schema json.RawMessage
	now    func() time.Time
}

// NewCurrentTime builds the get_current_time tool.
func NewCurrentTime() *CurrentTime {
	return &CurrentTime{schema: reflectSchema(&TimeArgs{}), now: time.Now}
}

func (t *CurrentTime) Name() string { return "get_current_time" }

func (t *CurrentTime) Description() string {
	return "Report the current date and time, optionally in a given timezone."
}

func (t *CurrentTime) Schema() json.RawMessage { return t.schema }

func (t *CurrentTime) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	var args TimeArgs
	if len(inv.Call.Args) > 0 {
		if err := json.Unmarshal(inv.Call.Args, &args); err != nil {
			return nil, fault.E(models.KindInvalidInput, "tools.get_current_time", "arguments are not valid JSON", err)
		}
	}

	loc := time.UTC
	if args.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(args.Timezone)
		if err != nil {
			return nil, fault.Errorf(models.KindInvalidInput, "tools.get_current_time", "unknown timezone %q", args.Timezone)
		}
	}
	return &Result{Content: t.now().In(loc).Format(time.RFC3339)}, nil
}

// ReadArtifactArgs are the arguments of the read_artifact tool.
type ReadArtifactArgs struct {
	Hash string `json:"hash" jsonschema:"minLength=1,description=Content hash (sha256:<hex>) referenced by an earlier tool result or worker"`
}

// ReadArtifact loads a stored artifact back into the conversation. Agents
// use it to open outputs that were too large to inline.
type ReadArtifact struct {
	store  *artifacts.Store
	schema json.RawMessage
}

// NewReadArtifact builds the read_artifact tool.
func NewReadArtifact(store *artifacts.Store) *ReadArtifact {
	return &ReadArtifact{store: store, schema: reflectSchema(&ReadArtifactArgs{})}
}

func (t *ReadArtifact) Name() string { return "read_artifact" }

func (t *ReadArtifact) Description() string {
	return "Read the full content of a stored artifact by its sha256 hash."
}

func (t *ReadArtifact) Schema() json.RawMessage { return t.schema }

func (t *ReadArtifact) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if t.store == nil {
		return nil, fault.Errorf(models.KindInternal, "tools.read_artifact", "artifact store not configured")
	}
	var args ReadArtifactArgs
	if err := json.Unmarshal(inv.Call.Args, &args); err != nil {
		return nil, fault.E(models.KindInvalidInput, "tools.read_artifact", "arguments are not valid JSON", err)
	}

	rc, err := t.store.GetByHash(ctx, args.Hash)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			return nil, fault.Errorf(models.KindInvalidInput, "tools.read_artifact", "no artifact with hash %q", args.Hash)
		}
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxArtifactReadBytes+1))
	if err != nil {
		return nil, fault.E(models.KindInternal, "tools.read_artifact", "read artifact", err)
	}
	if len(data) > maxArtifactReadBytes {
		return &Result{Content: string(data[:maxArtifactReadBytes]) + "\n[artifact truncated]"}, nil
	}
	return &Result{Content: string(data)}, nil
}
