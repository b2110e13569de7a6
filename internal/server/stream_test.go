package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/service"
	"github.com/rakunlabs/at/internal/stats"
)

func newStreamTestServer() *Server {
	return &Server{
		cfg:  config.Config{Preferences: config.Preferences{KeepaliveInterval: 10 * time.Millisecond}},
		sink: stats.NoopSink{},
	}
}

// TestStreamChat_DeliversChunksAndFinishes exercises the normal path of the
// keepalive-loop select: content chunks, a usage-bearing final chunk, then
// the channel closing to end the stream.
func TestStreamChat_DeliversChunksAndFinishes(t *testing.T) {
	s := newStreamTestServer()

	ch := make(chan service.StreamChunk, 4)
	ch <- service.StreamChunk{Content: "hello"}
	ch <- service.StreamChunk{Content: " world", FinishReason: "stop", Usage: &service.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}
	close(ch)

	result := &attemptResult{stream: ch}
	body := &ChatCompletionRequest{Model: "gpt-4", StreamOptions: &StreamOptions{IncludeUsage: true}}
	stat := &stats.RequestStat{}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)

	s.streamChat(w, r, body, "acme", "gpt-4", result, stat, nil, time.Now())

	out := w.Body.String()
	if !strings.Contains(out, `"content":"hello"`) {
		t.Errorf("response missing first chunk content: %s", out)
	}
	if !strings.Contains(out, `"finish_reason":"stop"`) {
		t.Errorf("response missing finish_reason: %s", out)
	}
	if !strings.Contains(out, "data: [DONE]") {
		t.Errorf("response missing terminal [DONE] marker: %s", out)
	}
	if !stat.Success || stat.StatusCode != 200 {
		t.Errorf("stat = %+v, want Success=true StatusCode=200", stat)
	}
	if stat.TotalTokens != 5 {
		t.Errorf("stat.TotalTokens = %d, want 5", stat.TotalTokens)
	}
	if stat.FirstResponseTime == nil {
		t.Errorf("stat.FirstResponseTime not set")
	}
}

// TestStreamChat_EmitsKeepaliveOnIdleGap exercises the ticker.C branch: no
// chunk arrives before the (short, test-configured) keepalive interval fires,
// so a ": keepalive" SSE comment must be written before the stream resumes.
func TestStreamChat_EmitsKeepaliveOnIdleGap(t *testing.T) {
	s := newStreamTestServer()

	ch := make(chan service.StreamChunk)
	go func() {
		time.Sleep(30 * time.Millisecond) // let at least one keepalive tick fire first
		ch <- service.StreamChunk{Content: "late", FinishReason: "stop"}
		close(ch)
	}()

	result := &attemptResult{stream: ch}
	body := &ChatCompletionRequest{Model: "gpt-4"}
	stat := &stats.RequestStat{}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)

	s.streamChat(w, r, body, "acme", "gpt-4", result, stat, nil, time.Now())

	out := w.Body.String()
	if !strings.Contains(out, ": keepalive") {
		t.Errorf("response missing keepalive comment during idle gap: %s", out)
	}
	if !strings.Contains(out, "late") {
		t.Errorf("response missing delayed chunk content: %s", out)
	}
}

// TestStreamChat_ChunkErrorEndsStreamWithFailure exercises the
// chunk.Error != nil branch: the stream must terminate immediately with an
// SSE error event and a failed RequestStat, without waiting for the channel
// to close.
func TestStreamChat_ChunkErrorEndsStreamWithFailure(t *testing.T) {
	s := newStreamTestServer()

	ch := make(chan service.StreamChunk, 1)
	ch <- service.StreamChunk{Error: errString("upstream exploded")}

	result := &attemptResult{stream: ch}
	body := &ChatCompletionRequest{Model: "gpt-4"}
	stat := &stats.RequestStat{}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)

	s.streamChat(w, r, body, "acme", "gpt-4", result, stat, nil, time.Now())

	if stat.Success {
		t.Errorf("stat.Success = true, want false after chunk error")
	}
	if stat.StatusCode != 502 {
		t.Errorf("stat.StatusCode = %d, want 502", stat.StatusCode)
	}
	if !strings.Contains(w.Body.String(), "upstream exploded") {
		t.Errorf("response missing error message: %s", w.Body.String())
	}
}

type errString string

func (e errString) Error() string { return string(e) }

// TestStreamAnthropic_OpensThinkingBlockLazily exercises the Anthropic-native
// SSE thinking-block wiring: the reasoning content block (index 1) must stay
// closed until the first chunk carrying ReasoningContent, and must be closed
// again before the stream ends.
func TestStreamAnthropic_OpensThinkingBlockLazily(t *testing.T) {
	s := newStreamTestServer()

	ch := make(chan service.StreamChunk, 3)
	ch <- service.StreamChunk{Content: "before"}
	ch <- service.StreamChunk{ReasoningContent: "because X"}
	ch <- service.StreamChunk{Content: "after", FinishReason: "stop", Usage: &service.Usage{PromptTokens: 1, CompletionTokens: 1}}
	close(ch)

	result := &attemptResult{stream: ch}
	body := &AnthropicMessagesRequest{Model: "claude-3-opus"}
	stat := &stats.RequestStat{}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/messages", nil)

	s.streamAnthropic(w, r, body, "acme", "claude-3-opus", result, stat, nil, time.Now())

	out := w.Body.String()
	if !strings.Contains(out, `"type":"thinking"`) {
		t.Errorf("response missing lazily-opened thinking block: %s", out)
	}
	if !strings.Contains(out, `"thinking_delta"`) {
		t.Errorf("response missing thinking_delta event: %s", out)
	}
	if strings.Count(out, `"content_block_stop"`) != 2 {
		t.Errorf("expected both content blocks (index 0 and 1) to close, got: %s", out)
	}
	if !stat.Success || stat.StatusCode != 200 {
		t.Errorf("stat = %+v, want Success=true StatusCode=200", stat)
	}
}

// TestStreamAnthropic_NoThinkingBlockWhenUnused confirms the reasoning block
// is never opened (and only content_block_stop for index 0 is emitted) when
// no chunk carries ReasoningContent -- the common case.
func TestStreamAnthropic_NoThinkingBlockWhenUnused(t *testing.T) {
	s := newStreamTestServer()

	ch := make(chan service.StreamChunk, 1)
	ch <- service.StreamChunk{Content: "plain answer", FinishReason: "stop"}
	close(ch)

	result := &attemptResult{stream: ch}
	body := &AnthropicMessagesRequest{Model: "claude-3-opus"}
	stat := &stats.RequestStat{}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/messages", nil)

	s.streamAnthropic(w, r, body, "acme", "claude-3-opus", result, stat, nil, time.Now())

	out := w.Body.String()
	if strings.Contains(out, `"type":"thinking"`) {
		t.Errorf("thinking block opened despite no ReasoningContent: %s", out)
	}
	if strings.Count(out, `"content_block_stop"`) != 1 {
		t.Errorf("expected exactly one content_block_stop (index 0 only), got: %s", out)
	}
}
