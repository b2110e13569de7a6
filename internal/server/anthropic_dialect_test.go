package server

import (
	"encoding/json"
	"testing"

	"github.com/rakunlabs/at/internal/service"
)

func TestAnthropicSystemText(t *testing.T) {
	if got := anthropicSystemText(json.RawMessage(`"be terse"`)); got != "be terse" {
		t.Errorf("anthropicSystemText(string) = %q, want %q", got, "be terse")
	}

	blocks := json.RawMessage(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`)
	if got := anthropicSystemText(blocks); got != "ab" {
		t.Errorf("anthropicSystemText(blocks) = %q, want %q", got, "ab")
	}

	if got := anthropicSystemText(nil); got != "" {
		t.Errorf("anthropicSystemText(nil) = %q, want empty", got)
	}
}

func TestTranslateAnthropicMessages_TextAndToolUse(t *testing.T) {
	msgs := []AnthropicMessage{
		{Role: "user", Content: json.RawMessage(`"hello"`)},
		{
			Role: "assistant",
			Content: json.RawMessage(`[
				{"type":"text","text":"let me check"},
				{"type":"tool_use","id":"t1","name":"lookup","input":{"q":"weather"}}
			]`),
		},
		{
			Role:    "user",
			Content: json.RawMessage(`[{"type":"tool_result","tool_use_id":"t1","content":"sunny"}]`),
		},
	}

	out := translateAnthropicMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("translateAnthropicMessages() len = %d, want 3", len(out))
	}

	userBlocks, ok := out[0].Content.([]service.ContentBlock)
	if !ok || len(userBlocks) != 1 || userBlocks[0].Text != "hello" {
		t.Errorf("out[0].Content = %+v, want single text block %q", out[0].Content, "hello")
	}

	asstBlocks, ok := out[1].Content.([]service.ContentBlock)
	if !ok || len(asstBlocks) != 2 {
		t.Fatalf("out[1].Content = %+v, want 2 blocks", out[1].Content)
	}
	if asstBlocks[1].Type != "tool_use" || asstBlocks[1].Name != "lookup" || asstBlocks[1].Input["q"] != "weather" {
		t.Errorf("out[1] tool_use block = %+v", asstBlocks[1])
	}

	toolBlocks, ok := out[2].Content.([]service.ContentBlock)
	if !ok || len(toolBlocks) != 1 || toolBlocks[0].Type != "tool_result" || toolBlocks[0].ToolUseID != "t1" || toolBlocks[0].Content != "sunny" {
		t.Errorf("out[2].Content = %+v", out[2].Content)
	}
}

func TestFlattenAnthropicShapeToOpenAI(t *testing.T) {
	native := []service.Message{
		{Role: "user", Content: []service.ContentBlock{{Type: "text", Text: "hi"}}},
		{
			Role: "assistant",
			Content: []service.ContentBlock{
				{Type: "tool_use", ID: "t1", Name: "lookup", Input: map[string]any{"q": "weather"}},
			},
		},
		{
			Role:    "user",
			Content: []service.ContentBlock{{Type: "tool_result", ToolUseID: "t1", Content: "sunny"}},
		},
	}

	out := flattenAnthropicShapeToOpenAI(native)
	if len(out) != 3 {
		t.Fatalf("flattenAnthropicShapeToOpenAI() len = %d, want 3", len(out))
	}

	m0, ok := out[0].Content.(map[string]any)
	if !ok || m0["content"] != "hi" || m0["role"] != "user" {
		t.Errorf("out[0].Content = %+v", out[0].Content)
	}

	m1, ok := out[1].Content.(map[string]any)
	if !ok {
		t.Fatalf("out[1].Content not a map: %+v", out[1].Content)
	}
	toolCalls, ok := m1["tool_calls"].([]any)
	if !ok || len(toolCalls) != 1 {
		t.Fatalf("out[1] tool_calls = %+v", m1["tool_calls"])
	}

	m2, ok := out[2].Content.(map[string]any)
	if !ok || m2["role"] != "tool" || m2["tool_call_id"] != "t1" || m2["content"] != "sunny" {
		t.Errorf("out[2].Content = %+v", out[2].Content)
	}
}

func TestBuildAnthropicResponse(t *testing.T) {
	resp := &service.LLMResponse{
		Content:  "hello there",
		Finished: true,
		Usage:    service.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	out := buildAnthropicResponse("msg_1", "claude-3-opus", resp)
	if out.StopReason != "end_turn" {
		t.Errorf("StopReason = %q, want end_turn", out.StopReason)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "hello there" {
		t.Errorf("Content = %+v", out.Content)
	}
	if out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 5 {
		t.Errorf("Usage = %+v", out.Usage)
	}
}

func TestBuildAnthropicResponse_ToolUse(t *testing.T) {
	resp := &service.LLMResponse{
		ToolCalls: []service.ToolCall{{ID: "t1", Name: "lookup", Arguments: map[string]any{"q": "x"}}},
		Finished:  false,
	}

	out := buildAnthropicResponse("msg_2", "claude-3-opus", resp)
	if out.StopReason != "tool_use" {
		t.Errorf("StopReason = %q, want tool_use", out.StopReason)
	}
	if len(out.Content) != 1 || out.Content[0].Type != "tool_use" || out.Content[0].Name != "lookup" {
		t.Errorf("Content = %+v", out.Content)
	}
}
