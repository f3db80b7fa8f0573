package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/pkg/models"
)

const anthropicFallbackModel = "claude-sonnet-4-20250514"

// reasoning effort maps to an extended-thinking token budget. The API
// requires the budget to stay under max_tokens, so Complete raises the cap
// when the two would collide.
var anthropicThinkingBudgets = map[string]int64{
	"low":    2048,
	"medium": 8192,
	"high":   16384,
}

// Anthropic implements Provider on the Claude Messages API.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic builds the provider from its config entry.
func NewAnthropic(cfg config.LLMProviderConfig) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) SupportsReasoning() bool { return true }

// Complete issues one Messages.New call and translates the reply.
func (p *Anthropic) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := pickModel(req.Model, p.defaultModel, anthropicFallbackModel)

	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := maxTokensFor(req)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.System,
			},
		}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if req.ReasoningEffort != "" {
		budget := anthropicThinkingBudgets[req.ReasoningEffort]
		if budget == 0 {
			budget = anthropicThinkingBudgets["medium"]
		}
		if int64(maxTokens) <= budget {
			params.MaxTokens = budget + int64(defaultMaxTokens)
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	return translateAnthropicResponse(model, msg)
}

// anthropicMessages converts the thread into Messages API turns. The API
// has no inline system role, so system entries inside the thread (injected
// correctives) become user turns. A stretch of consecutive tool messages
// collapses into one user turn because the API wants every tool_result for
// an assistant turn inside the single following user message.
func anthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case models.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for ; i < len(messages) && messages[i].Role == models.RoleTool; i++ {
				blocks = append(blocks, anthropic.NewToolResultBlock(
					messages[i].ToolCallID,
					messages[i].Content,
					false,
				))
			}
			i--
			out = append(out, anthropic.NewUserMessage(blocks...))

		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.Args, &input); err != nil {
					return nil, fault.Errorf(models.KindInternal, "providers.anthropic",
						"stored tool call %s has unparseable arguments", tc.ID)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		default:
			if msg.Content == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	return out, nil
}

func anthropicTools(defs []ToolDef) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Schema, &schema); err != nil {
			return nil, fault.Errorf(models.KindInternal, "providers.anthropic",
				"tool %s has an invalid schema", def.Name)
		}
		param := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(def.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

func translateAnthropicResponse(model string, msg *anthropic.Message) (*Response, error) {
	if msg == nil {
		return nil, fault.Errorf(models.KindLLMInvalidResponse, "providers.anthropic",
			"model %s returned an empty message", model)
	}

	var text strings.Builder
	var calls []models.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			calls = append(calls, models.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: json.RawMessage(block.Input),
			})
		}
	}

	calls, err := normalizeToolCalls("anthropic", model, calls)
	if err != nil {
		return nil, err
	}

	return &Response{
		Content:   text.String(),
		ToolCalls: calls,
		Usage: models.Usage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
			TotalTokens:      msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
		StopReason: string(msg.StopReason),
	}, nil
}

func (p *Anthropic) wrapError(err error, model string) error {
	perr := &Error{Provider: "anthropic", Model: model, Cause: err}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr.Status = apiErr.StatusCode
		perr.RequestID = apiErr.RequestID
	}
	return perr
}
