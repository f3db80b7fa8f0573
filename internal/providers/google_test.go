package providers

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/pkg/models"
)

func TestGoogleContents(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleUser, Content: "split this work"},
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_a", Name: "spawn_worker", Args: json.RawMessage(`{"task":"one"}`)},
				{ID: "call_b", Name: "spawn_worker", Args: json.RawMessage(`{"task":"two"}`)},
			},
		},
		{Role: models.RoleTool, ToolCallID: "call_a", Content: `{"status":"ok"}`},
		{Role: models.RoleTool, ToolCallID: "call_b", Content: "plain text result"},
	}

	out := googleContents(messages)
	if len(out) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(out))
	}
	if out[0].Role != genai.RoleUser || out[0].Parts[0].Text != "split this work" {
		t.Fatalf("content 0 = %+v", out[0])
	}
	if out[1].Role != genai.RoleModel || len(out[1].Parts) != 2 {
		t.Fatalf("content 1 = %+v", out[1])
	}
	if fc := out[1].Parts[0].FunctionCall; fc == nil || fc.Name != "spawn_worker" || fc.Args["task"] != "one" {
		t.Fatalf("function call part = %+v", out[1].Parts[0])
	}

	results := out[2]
	if results.Role != genai.RoleUser || len(results.Parts) != 2 {
		t.Fatalf("tool results were not merged into one turn: %+v", results)
	}
	first := results.Parts[0].FunctionResponse
	if first == nil || first.Name != "spawn_worker" {
		t.Fatalf("function response name not resolved from the call id: %+v", first)
	}
	if first.Response["status"] != "ok" {
		t.Fatalf("JSON result should pass through: %+v", first.Response)
	}
	second := results.Parts[1].FunctionResponse
	if second == nil || second.Response["result"] != "plain text result" {
		t.Fatalf("plain result should be wrapped: %+v", second)
	}
}

func TestGoogleSchema(t *testing.T) {
	schemaMap := map[string]any{
		"type":        "object",
		"description": "spawn arguments",
		"properties": map[string]any{
			"task": map[string]any{"type": "string", "description": "what to do"},
			"mode": map[string]any{"type": "string", "enum": []any{"standard", "workspace"}},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []any{"task"},
	}

	schema := googleSchema(schemaMap)
	if schema.Type != genai.Type("OBJECT") {
		t.Fatalf("type = %q", schema.Type)
	}
	if schema.Description != "spawn arguments" {
		t.Fatalf("description = %q", schema.Description)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "task" {
		t.Fatalf("required = %v", schema.Required)
	}
	mode := schema.Properties["mode"]
	if mode == nil || len(mode.Enum) != 2 {
		t.Fatalf("enum not carried: %+v", mode)
	}
	tags := schema.Properties["tags"]
	if tags == nil || tags.Items == nil || tags.Items.Type != genai.Type("STRING") {
		t.Fatalf("nested items not converted: %+v", tags)
	}
	if googleSchema(nil) != nil {
		t.Fatal("nil schema map should convert to nil")
	}
}

func TestGoogleTools(t *testing.T) {
	defs := []ToolDef{
		{Name: "read_artifact", Description: "Read a stored artifact.", Schema: json.RawMessage(`{"type":"object"}`)},
		{Name: "broken", Schema: json.RawMessage(`{`)},
	}
	out := googleTools(defs)
	if len(out) != 1 || len(out[0].FunctionDeclarations) != 1 {
		t.Fatalf("expected the broken schema to be skipped: %+v", out)
	}
	if out[0].FunctionDeclarations[0].Name != "read_artifact" {
		t.Fatalf("declaration = %+v", out[0].FunctionDeclarations[0])
	}
}

func TestTranslateGoogleResponse(t *testing.T) {
	t.Run("text and function calls", func(t *testing.T) {
		resp := &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{
				{
					Content: &genai.Content{
						Role: genai.RoleModel,
						Parts: []*genai.Part{
							{Text: "dispatching"},
							{FunctionCall: &genai.FunctionCall{Name: "spawn_worker", Args: map[string]any{"task": "a"}}},
							{FunctionCall: &genai.FunctionCall{Name: "spawn_worker", Args: map[string]any{"task": "b"}}},
						},
					},
					FinishReason: genai.FinishReason("STOP"),
				},
			},
		}

		got, err := translateGoogleResponse("gemini-2.0-flash", resp)
		if err != nil {
			t.Fatalf("translate: %v", err)
		}
		if got.Content != "dispatching" {
			t.Fatalf("content = %q", got.Content)
		}
		if len(got.ToolCalls) != 2 {
			t.Fatalf("tool calls = %+v", got.ToolCalls)
		}
		for _, call := range got.ToolCalls {
			if !strings.HasPrefix(call.ID, "call_spawn_worker_") {
				t.Fatalf("synthesized id = %q", call.ID)
			}
		}
		if got.ToolCalls[0].ID == got.ToolCalls[1].ID {
			t.Fatalf("synthesized ids collide: %q", got.ToolCalls[0].ID)
		}
		var args map[string]string
		if err := json.Unmarshal(got.ToolCalls[1].Args, &args); err != nil || args["task"] != "b" {
			t.Fatalf("args = %s", got.ToolCalls[1].Args)
		}
		if got.StopReason != "STOP" {
			t.Fatalf("stop reason = %q", got.StopReason)
		}
	})

	t.Run("no candidates", func(t *testing.T) {
		_, err := translateGoogleResponse("gemini-2.0-flash", &genai.GenerateContentResponse{})
		if fault.KindOf(err) != models.KindLLMInvalidResponse {
			t.Fatalf("expected llm_invalid_response, got %v", err)
		}
	})
}

func TestWrapGoogleError(t *testing.T) {
	cases := []struct {
		name   string
		msg    string
		status int
	}{
		{name: "rate limited", msg: "googleapi: Error 429: resource exhausted", status: 429},
		{name: "unauthenticated", msg: "rpc error: code = Unauthenticated desc = bad key", status: 401},
		{name: "server error", msg: "googleapi: Error 500: internal server error", status: 500},
		{name: "unknown", msg: "something odd", status: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := wrapGoogleError(errors.New(tc.msg), "gemini-2.0-flash")
			perr, ok := err.(*Error)
			if !ok {
				t.Fatalf("expected *Error, got %T", err)
			}
			if perr.Status != tc.status {
				t.Fatalf("status = %d, want %d", perr.Status, tc.status)
			}
		})
	}
}
