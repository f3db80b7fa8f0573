package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/pkg/models"
)

const openaiFallbackModel = "gpt-4o"

// OpenAI implements Provider on the Chat Completions API.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAI builds the provider from its config entry. BaseURL overrides
// let it front any Chat Completions compatible endpoint.
func NewOpenAI(cfg config.LLMProviderConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) SupportsReasoning() bool { return true }

// Complete issues one CreateChatCompletion call and translates the reply.
func (p *OpenAI) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := pickModel(req.Model, p.defaultModel, openaiFallbackModel)

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: openaiMessages(req.System, req.Messages),
	}
	// Reasoning models reject max_tokens in favour of the newer cap.
	if req.ReasoningEffort != "" {
		chatReq.ReasoningEffort = req.ReasoningEffort
		chatReq.MaxCompletionTokens = maxTokensFor(req)
	} else {
		chatReq.MaxTokens = maxTokensFor(req)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openaiTools(req.Tools)
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	return translateOpenAIResponse(model, resp)
}

// openaiMessages converts the thread into Chat Completions messages. The
// system prompt rides in the message array, and each tool message keeps
// its own row keyed by tool_call_id, which matches the wire format
// exactly.
func openaiMessages(system string, messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				m.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					m.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Args),
						},
					}
				}
			}
			out = append(out, m)

		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}

func openaiTools(defs []ToolDef) []openai.Tool {
	out := make([]openai.Tool, len(defs))
	for i, def := range defs {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Schema,
			},
		}
	}
	return out
}

func translateOpenAIResponse(model string, resp openai.ChatCompletionResponse) (*Response, error) {
	if len(resp.Choices) == 0 {
		return nil, fault.Errorf(models.KindLLMInvalidResponse, "providers.openai",
			"model %s returned no choices", model)
	}
	choice := resp.Choices[0]

	calls := make([]models.ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, models.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	calls, err := normalizeToolCalls("openai", model, calls)
	if err != nil {
		return nil, err
	}

	usage := models.Usage{
		PromptTokens:     int64(resp.Usage.PromptTokens),
		CompletionTokens: int64(resp.Usage.CompletionTokens),
		TotalTokens:      int64(resp.Usage.TotalTokens),
	}
	if details := resp.Usage.CompletionTokensDetails; details != nil {
		usage.ReasoningTokens = int64(details.ReasoningTokens)
	}

	return &Response{
		Content:    choice.Message.Content,
		ToolCalls:  calls,
		Usage:      usage,
		StopReason: string(choice.FinishReason),
	}, nil
}

func (p *OpenAI) wrapError(err error, model string) error {
	perr := &Error{Provider: "openai", Model: model, Cause: err}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr.Status = apiErr.HTTPStatusCode
		if apiErr.Code != nil {
			perr.Code = fmt.Sprint(apiErr.Code)
		}
	}
	return perr
}
