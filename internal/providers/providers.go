// Package providers adapts the supported LLM APIs (Anthropic, OpenAI,
// Google Gemini) to one non-streaming completion contract.
//
// A Provider turns a Request (system prompt, thread messages, tool
// definitions) into a Response carrying assistant text, requested tool
// calls and token usage. Providers classify their own API failures via
// *Error so the caller can decide what to retry; they never retry
// internally and never log.
package providers

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/pkg/models"
)

// defaultMaxTokens caps a completion when the request does not set one.
const defaultMaxTokens = 4096

// ToolDef describes one tool advertised to the model.
type ToolDef struct {
	Name        string
	Description string

	// Schema is the JSON Schema for the tool arguments.
	Schema json.RawMessage
}

// Request is one completion call.
type Request struct {
	// Model overrides the provider's configured default when set.
	Model string

	// System is the system prompt. Providers that carry it out-of-band
	// (Anthropic, Gemini) lift it out of the message array themselves.
	System string

	// Messages is the conversation so far, oldest first. Tool-role
	// messages reply to the assistant tool call named by their
	// ToolCallID.
	Messages []models.Message

	Tools []ToolDef

	// MaxTokens bounds the completion; 0 means defaultMaxTokens.
	MaxTokens int

	// ReasoningEffort is "low", "medium" or "high". Callers must only
	// set it when the provider advertises reasoning support.
	ReasoningEffort string
}

// Response is the full, non-streamed completion result.
type Response struct {
	// Content is the concatenated assistant text.
	Content string

	// ToolCalls are the tool invocations the model requested, in the
	// order they appeared. Empty when the model produced a final answer.
	ToolCalls []models.ToolCall

	Usage models.Usage

	// StopReason is the provider's own stop label, kept for logging.
	StopReason string
}

// Provider is a single LLM backend.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// SupportsReasoning reports whether the backend accepts a reasoning
	// effort hint.
	SupportsReasoning() bool

	// Complete performs one blocking completion call. API failures are
	// returned as *Error; structurally unusable replies (no candidates,
	// malformed tool calls) as llm_invalid_response faults.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Registry holds the configured providers keyed by name.
type Registry struct {
	providers map[string]Provider
	def       string
}

// NewRegistry builds every provider named in cfg. A provider entry needs
// an API key unless it points at a self-hosted endpoint via base_url.
func NewRegistry(ctx context.Context, cfg config.LLMConfig) (*Registry, error) {
	reg := &Registry{
		providers: make(map[string]Provider, len(cfg.Providers)),
		def:       cfg.DefaultProvider,
	}
	for name, pc := range cfg.Providers {
		if pc.APIKey == "" && pc.BaseURL == "" {
			return nil, fault.Errorf(models.KindInvalidInput, "providers.registry",
				"provider %s: api_key is required", name)
		}
		switch name {
		case "anthropic":
			reg.providers[name] = NewAnthropic(pc)
		case "openai":
			reg.providers[name] = NewOpenAI(pc)
		case "google":
			p, err := NewGoogle(ctx, pc)
			if err != nil {
				return nil, err
			}
			reg.providers[name] = p
		default:
			return nil, fault.Errorf(models.KindInvalidInput, "providers.registry",
				"unknown provider %q", name)
		}
	}
	if _, ok := reg.providers[reg.def]; !ok {
		return nil, fault.Errorf(models.KindInvalidInput, "providers.registry",
			"default provider %q is not configured", reg.def)
	}
	return reg, nil
}

// NewRegistryWith assembles a registry from already-built providers, the
// first being the default. For callers that construct providers themselves,
// test doubles included; production wiring goes through NewRegistry.
func NewRegistryWith(def Provider, more ...Provider) *Registry {
	reg := &Registry{
		providers: map[string]Provider{def.Name(): def},
		def:       def.Name(),
	}
	for _, p := range more {
		reg.providers[p.Name()] = p
	}
	return reg
}

// Default returns the provider runs fall back to.
func (r *Registry) Default() Provider {
	return r.providers[r.def]
}

// Get returns the named provider, or the configured default when name is
// empty.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		return r.Default(), nil
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fault.Errorf(models.KindInvalidInput, "providers.registry",
			"provider %q is not configured", name)
	}
	return p, nil
}

// RouteModel picks the provider that serves the given model name, using
// the well-known id prefixes. Unrecognized names (self-hosted or aliased
// models) fall through to the default provider, whose endpoint is the one
// configured to serve them. A recognized prefix whose provider is not
// configured is an error rather than a silent misroute.
func (r *Registry) RouteModel(model string) (Provider, error) {
	name := routeByPrefix(model)
	if name == "" {
		return r.Default(), nil
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fault.Errorf(models.KindInvalidInput, "providers.registry",
			"model %q needs provider %s, which is not configured", model, name)
	}
	return p, nil
}

// routeByPrefix maps a model id to its provider by prefix, or "" when the
// id is not one of the hosted families.
func routeByPrefix(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "openai"
	case strings.HasPrefix(m, "gemini"):
		return "google"
	}
	return ""
}

// Names lists the configured providers, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// normalizeToolCalls validates the tool calls a model returned. Every call
// must carry an id and a name; missing arguments normalize to the empty
// object and anything that is not valid JSON rejects the whole response,
// since executing a half-parsed call is worse than failing the turn.
func normalizeToolCalls(provider, model string, calls []models.ToolCall) ([]models.ToolCall, error) {
	op := "providers." + provider
	for i := range calls {
		if calls[i].ID == "" {
			return nil, fault.Errorf(models.KindLLMInvalidResponse, op,
				"model %s returned a tool call without an id", model)
		}
		if calls[i].Name == "" {
			return nil, fault.Errorf(models.KindLLMInvalidResponse, op,
				"model %s returned a tool call without a name", model)
		}
		if len(calls[i].Args) == 0 {
			calls[i].Args = json.RawMessage(`{}`)
			continue
		}
		if !json.Valid(calls[i].Args) {
			return nil, fault.Errorf(models.KindLLMInvalidResponse, op,
				"tool call %s has malformed arguments", calls[i].Name)
		}
	}
	return calls, nil
}

// maxTokensFor applies the package default.
func maxTokensFor(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

// pickModel resolves the model for a request.
func pickModel(requested, configured, fallback string) string {
	if requested != "" {
		return requested
	}
	if configured != "" {
		return configured
	}
	return fallback
}

// resolveToolName maps a tool call id back to the tool name recorded on an
// earlier assistant message. Backends that key results by function name
// (Gemini) need this because our tool messages carry only the call id.
func resolveToolName(toolCallID string, messages []models.Message) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	return ""
}
