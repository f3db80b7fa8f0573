package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/pkg/models"
)

const googleFallbackModel = "gemini-2.0-flash"

// Google implements Provider on the Gemini API.
type Google struct {
	client       *genai.Client
	defaultModel string
}

// NewGoogle builds the provider from its config entry.
func NewGoogle(ctx context.Context, cfg config.LLMProviderConfig) (*Google, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fault.E(models.KindInternal, "providers.google", err, "create client")
	}
	return &Google{
		client:       client,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Google) Name() string { return "google" }

// SupportsReasoning is false: the Gemini adapter does not map the effort
// hint onto a thinking budget, so callers must not forward one.
func (p *Google) SupportsReasoning() bool { return false }

// Complete issues one GenerateContent call and translates the reply.
func (p *Google) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := pickModel(req.Model, p.defaultModel, googleFallbackModel)

	contents := googleContents(req.Messages)
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	maxTokens := min(maxTokensFor(req), math.MaxInt32)
	cfg.MaxOutputTokens = int32(maxTokens)
	if len(req.Tools) > 0 {
		cfg.Tools = googleTools(req.Tools)
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, wrapGoogleError(err, model)
	}
	return translateGoogleResponse(model, resp)
}

// googleContents converts the thread into Gemini contents. The system
// prompt travels as SystemInstruction and system entries inside the thread
// become user turns; assistant turns map to the model role and tool
// results become user-role function responses. Consecutive tool messages
// share one content so parallel call replies arrive in a single turn.
func googleContents(messages []models.Message) []*genai.Content {
	var out []*genai.Content

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case models.RoleTool:
			content := &genai.Content{Role: genai.RoleUser}
			for ; i < len(messages) && messages[i].Role == models.RoleTool; i++ {
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name:     resolveToolName(messages[i].ToolCallID, messages),
						Response: googleFunctionResponse(messages[i].Content),
					},
				})
			}
			i--
			out = append(out, content)

		case models.RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal(tc.Args, &args); err != nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: tc.Name,
						Args: args,
					},
				})
			}
			if len(content.Parts) == 0 {
				continue
			}
			out = append(out, content)

		default:
			if msg.Content == "" {
				continue
			}
			out = append(out, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}

	return out
}

// googleFunctionResponse shapes a tool result for the API: JSON object
// results pass through, anything else is wrapped under a result key.
func googleFunctionResponse(content string) map[string]any {
	var response map[string]any
	if err := json.Unmarshal([]byte(content), &response); err != nil {
		response = map[string]any{"result": content}
	}
	return response
}

func googleTools(defs []ToolDef) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		var schemaMap map[string]any
		if err := json.Unmarshal(def.Schema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  googleSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// googleSchema converts a JSON Schema map to the Gemini schema type. Only
// the subset the API understands is carried over; string-format keywords
// like minLength are dropped.
func googleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = googleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = googleSchema(items)
	}

	return schema
}

func translateGoogleResponse(model string, resp *genai.GenerateContentResponse) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fault.Errorf(models.KindLLMInvalidResponse, "providers.google",
			"model %s returned no candidates", model)
	}
	candidate := resp.Candidates[0]

	var text strings.Builder
	var calls []models.ToolCall
	stamp := time.Now().UnixNano()
	for idx, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte(`{}`)
			}
			// Gemini does not return call ids; synthesize ones unique
			// within the run so result rows and spawn idempotency keys
			// stay distinct across turns.
			calls = append(calls, models.ToolCall{
				ID:   fmt.Sprintf("call_%s_%d_%d", part.FunctionCall.Name, stamp, idx),
				Name: part.FunctionCall.Name,
				Args: args,
			})
		}
	}

	calls, err := normalizeToolCalls("google", model, calls)
	if err != nil {
		return nil, err
	}

	var usage models.Usage
	if meta := resp.UsageMetadata; meta != nil {
		usage.PromptTokens = int64(meta.PromptTokenCount)
		usage.CompletionTokens = int64(meta.CandidatesTokenCount)
		usage.TotalTokens = int64(meta.TotalTokenCount)
	}

	return &Response{
		Content:    text.String(),
		ToolCalls:  calls,
		Usage:      usage,
		StopReason: string(candidate.FinishReason),
	}, nil
}

// wrapGoogleError classifies a Gemini failure. The SDK surfaces HTTP
// failures as opaque errors, so the status is recovered from the message
// the same way the API spells it.
func wrapGoogleError(err error, model string) error {
	perr := &Error{Provider: "google", Model: model, Cause: err}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"):
		perr.Status = http.StatusUnauthorized
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission denied"):
		perr.Status = http.StatusForbidden
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		perr.Status = http.StatusNotFound
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted"):
		perr.Status = http.StatusTooManyRequests
	case strings.Contains(msg, "500") || strings.Contains(msg, "internal server error"):
		perr.Status = http.StatusInternalServerError
	case strings.Contains(msg, "503") || strings.Contains(msg, "service unavailable"):
		perr.Status = http.StatusServiceUnavailable
	}

	return perr
}
