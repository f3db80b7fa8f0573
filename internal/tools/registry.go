package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/pkg/models"
)

// Registry holds the tools available to agent loops, keyed by name, each
// with a compiled argument schema and the set of roles allowed to call it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	tool   Tool
	roles  map[Role]bool
	schema *jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register adds a tool for the given roles. The argument schema is compiled
// here so a malformed schema fails at startup, not at call time.
func (r *Registry) Register(tool Tool, roles ...Role) error {
	if tool == nil {
		return fault.Errorf(models.KindInvalidInput, "tools.register", "nil tool")
	}
	name := tool.Name()
	if name == "" {
		return fault.Errorf(models.KindInvalidInput, "tools.register", "tool has no name")
	}
	if len(roles) == 0 {
		return fault.Errorf(models.KindInvalidInput, "tools.register", "tool %q registered without roles", name)
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(tool.Schema()))
	if err != nil {
		return fault.E(models.KindInvalidInput, "tools.register", fmt.Sprintf("tool %q has an invalid argument schema", name), err)
	}

	allowed := make(map[Role]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fault.Errorf(models.KindInvalidInput, "tools.register", "tool %q already registered", name)
	}
	r.entries[name] = &registryEntry{tool: tool, roles: allowed, schema: compiled}
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Allowed reports whether role may call the named tool. Unknown tools are
// allowed for nobody.
func (r *Registry) Allowed(role Role, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.roles[role]
}

// ForRole returns the tools visible to a role, sorted by name so prompt
// assembly is deterministic.
func (r *Registry) ForRole(role Role) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.entries))
	for _, e := range r.entries {
		if e.roles[role] {
			out = append(out, e.tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ValidateArgs checks a call's arguments against the tool's compiled
// schema. Absent arguments validate as an empty object.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fault.Errorf(models.KindToolNotFound, "tools.validate", "unknown tool %q", name)
	}

	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return fault.E(models.KindInvalidInput, "tools.validate", fmt.Sprintf("tool %q arguments are not valid JSON", name), err)
	}
	if err := e.schema.Validate(decoded); err != nil {
		return fault.E(models.KindInvalidInput, "tools.validate", fmt.Sprintf("tool %q arguments rejected by schema", name), err)
	}
	return nil
}
