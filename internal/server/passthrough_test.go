package server

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rakunlabs/at/internal/config"
)

func TestPassthroughEligible(t *testing.T) {
	cases := []struct {
		providerType     string
		anthropicDialect bool
		want             bool
	}{
		{"openai", false, true},
		{"compatible", false, true},
		{"azure", false, true},
		{"cloudflare", false, true},
		{"openrouter", false, true},
		{"", false, true},
		{"anthropic", false, false},
		{"gemini", false, false},
		{"vertex", false, false},
		{"anthropic", true, true},
		{"openai", true, false},
		{"gemini", true, false},
	}
	for _, c := range cases {
		if got := passthroughEligible(c.providerType, c.anthropicDialect); got != c.want {
			t.Errorf("passthroughEligible(%q, %v) = %v, want %v", c.providerType, c.anthropicDialect, got, c.want)
		}
	}
}

// TestBuildPassthroughBody_OpenAISystemSplice mirrors the spec's literal
// passthrough-with-system-prompt scenario: engine=openai, dialect=openai,
// a configured system prompt gets prepended ahead of the client's messages.
func TestBuildPassthroughBody_OpenAISystemSplice(t *testing.T) {
	raw := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)

	out, err := buildPassthroughBody(raw, false, "m", "be terse", nil)
	if err != nil {
		t.Fatalf("buildPassthroughBody: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}

	msgs, ok := got["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("messages = %#v, want 2 entries", got["messages"])
	}
	first := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "be terse" {
		t.Errorf("first message = %#v, want system/be terse", first)
	}
	second := msgs[1].(map[string]any)
	if second["role"] != "user" || second["content"] != "hi" {
		t.Errorf("second message = %#v, want original user message", second)
	}
	if got["model"] != "m" {
		t.Errorf("model = %v, want m", got["model"])
	}
}

func TestBuildPassthroughBody_AnthropicSystemSplice(t *testing.T) {
	raw := []byte(`{"model":"claude-x","messages":[{"role":"user","content":"hi"}]}`)

	out, err := buildPassthroughBody(raw, true, "claude-x-upstream", "be terse", nil)
	if err != nil {
		t.Fatalf("buildPassthroughBody: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got["system"] != "be terse" {
		t.Errorf("system = %v, want %q", got["system"], "be terse")
	}
	if got["model"] != "claude-x-upstream" {
		t.Errorf("model = %v, want renamed upstream model", got["model"])
	}
}

func TestBuildPassthroughBody_OverridesWinOnCollision(t *testing.T) {
	raw := []byte(`{"model":"m","messages":[],"temperature":0.9}`)

	out, err := buildPassthroughBody(raw, false, "", "", map[string]any{"temperature": 0.1})
	if err != nil {
		t.Fatalf("buildPassthroughBody: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got["temperature"] != 0.1 {
		t.Errorf("temperature = %v, want override 0.1", got["temperature"])
	}
}

func TestSpliceAnthropicSystemField(t *testing.T) {
	if got := spliceAnthropicSystemField(nil, "be terse"); got != "be terse" {
		t.Errorf("nil existing = %v, want %q", got, "be terse")
	}
	if got := spliceAnthropicSystemField("existing", "be terse"); got != "be terse\nexisting" {
		t.Errorf("string existing = %v, want %q", got, "be terse\nexisting")
	}
	blocks := spliceAnthropicSystemField([]any{map[string]any{"type": "text", "text": "existing"}}, "be terse")
	out, ok := blocks.([]any)
	if !ok || len(out) != 2 {
		t.Fatalf("block existing = %#v, want 2 entries", blocks)
	}
}

func TestCopyPassthroughStream_ValidUTF8PassesThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	body := strings.NewReader("data: hello world\n\n")

	if err := copyPassthroughStream(rec, rec, body); err != nil {
		t.Fatalf("copyPassthroughStream: %v", err)
	}
	if rec.Body.String() != "data: hello world\n\n" {
		t.Errorf("copied body = %q, want exact echo", rec.Body.String())
	}
}

func TestCopyPassthroughStream_MalformedBytesReplaced(t *testing.T) {
	rec := httptest.NewRecorder()
	malformed := []byte{'o', 'k', ':', ' ', 0xff, 0xfe, '\n'}

	if err := copyPassthroughStream(rec, rec, bytes.NewReader(malformed)); err != nil {
		t.Fatalf("copyPassthroughStream: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "�") {
		t.Errorf("copied body = %q, want replacement character for malformed bytes", rec.Body.String())
	}
	if !strings.HasPrefix(rec.Body.String(), "ok: ") {
		t.Errorf("copied body = %q, want valid prefix preserved", rec.Body.String())
	}
}

func TestPartialRuneTailLen(t *testing.T) {
	full := []byte("hello")
	if got := partialRuneTailLen(full); got != 0 {
		t.Errorf("partialRuneTailLen(complete ascii) = %d, want 0", got)
	}

	// 0xE2 0x82 0xAC is the 3-byte UTF-8 encoding of "€"; truncating to the
	// first byte leaves a lead byte announcing a multi-byte sequence that
	// hasn't arrived yet.
	split := []byte{'x', 0xE2}
	if got := partialRuneTailLen(split); got != 1 {
		t.Errorf("partialRuneTailLen(split rune) = %d, want 1", got)
	}
}

func TestPassthroughURL(t *testing.T) {
	if got := passthroughURL(config.ProviderConfig{}, false); got == "" {
		t.Error("passthroughURL(openai, no base) should fall back to a default")
	}
	if got := passthroughURL(config.ProviderConfig{BaseURL: "https://api.anthropic.com"}, true); !strings.HasSuffix(got, "/v1/messages") {
		t.Errorf("passthroughURL(anthropic) = %q, want /v1/messages suffix", got)
	}
}
