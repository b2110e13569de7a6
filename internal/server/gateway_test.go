package server

import (
	"strings"
	"testing"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/routing"
	"github.com/rakunlabs/at/internal/service"
)

func TestPrependSystemPrompt_Empty(t *testing.T) {
	msgs := []service.Message{{Role: "user", Content: "hi"}}
	out := prependSystemPrompt(msgs, false, "")
	if len(out) != 1 {
		t.Fatalf("prependSystemPrompt() len = %d, want 1 (unchanged)", len(out))
	}
}

func TestPrependSystemPrompt_AnthropicShape(t *testing.T) {
	msgs := []service.Message{{Role: "user", Content: "hi"}}
	out := prependSystemPrompt(msgs, true, "be terse")
	if len(out) != 2 {
		t.Fatalf("prependSystemPrompt() len = %d, want 2", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "be terse" {
		t.Errorf("out[0] = %+v, want system message with string content", out[0])
	}
}

func TestPrependSystemPrompt_OpenAIShape(t *testing.T) {
	msgs := []service.Message{{Role: "user", Content: map[string]any{"role": "user", "content": "hi"}}}
	out := prependSystemPrompt(msgs, false, "be terse")
	if len(out) != 2 {
		t.Fatalf("prependSystemPrompt() len = %d, want 2", len(out))
	}
	m, ok := out[0].Content.(map[string]any)
	if !ok || m["content"] != "be terse" || m["role"] != "system" {
		t.Errorf("out[0].Content = %+v, want map with role/content=system/be terse", out[0].Content)
	}
}

func TestResolveSystemPrompt_ProviderOverridesGlobal(t *testing.T) {
	s := &Server{cfg: config.Config{Preferences: config.Preferences{SystemPrompt: "global prompt"}}}
	rt := &routing.ProviderRuntime{
		Name: "acme",
		Config: config.ProviderConfig{
			Preferences: &config.Preferences{SystemPrompt: "you are {{ .provider }} serving {{ .model }}"},
		},
	}

	got := s.resolveSystemPrompt(rt, "gpt-4")
	if !strings.Contains(got, "acme") || !strings.Contains(got, "gpt-4") {
		t.Errorf("resolveSystemPrompt() = %q, want rendered template referencing acme/gpt-4", got)
	}
}

func TestResolveSystemPrompt_FallsBackToGlobal(t *testing.T) {
	s := &Server{cfg: config.Config{Preferences: config.Preferences{SystemPrompt: "global default"}}}
	rt := &routing.ProviderRuntime{Name: "acme", Config: config.ProviderConfig{}}

	got := s.resolveSystemPrompt(rt, "gpt-4")
	if got != "global default" {
		t.Errorf("resolveSystemPrompt() = %q, want %q", got, "global default")
	}
}

func TestResolveSystemPrompt_EmptyWhenUnconfigured(t *testing.T) {
	s := &Server{cfg: config.Config{}}
	rt := &routing.ProviderRuntime{Name: "acme", Config: config.ProviderConfig{}}

	if got := s.resolveSystemPrompt(rt, "gpt-4"); got != "" {
		t.Errorf("resolveSystemPrompt() = %q, want empty", got)
	}
}
