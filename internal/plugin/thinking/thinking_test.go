package thinking

import (
	"strings"
	"testing"

	"github.com/rakunlabs/at/internal/plugin"
	"github.com/rakunlabs/at/internal/service"
)

func TestPreDispatch_StripsSuffixAndArmsState(t *testing.T) {
	p := New()
	rc := plugin.NewRequestContext("gpt-4-thinking")

	p.PreDispatch(rc, nil, nil)

	if rc.Model != "gpt-4" {
		t.Errorf("rc.Model = %q, want %q", rc.Model, "gpt-4")
	}
	if active, _ := rc.State[stateActive].(bool); !active {
		t.Errorf("state[%s] = %v, want true", stateActive, rc.State[stateActive])
	}
}

func TestPreDispatch_NoSuffixLeavesStateInactive(t *testing.T) {
	p := New()
	rc := plugin.NewRequestContext("gpt-4")

	p.PreDispatch(rc, nil, nil)

	if rc.Model != "gpt-4" {
		t.Errorf("rc.Model = %q, want unchanged %q", rc.Model, "gpt-4")
	}
	if _, ok := rc.State[stateActive]; ok {
		t.Errorf("state[%s] set for non-suffixed model", stateActive)
	}
}

func TestOnChunk_SplitsWithinSingleChunk(t *testing.T) {
	p := New()
	rc := plugin.NewRequestContext("gpt-4-thinking")
	p.PreDispatch(rc, nil, nil)

	// Text before the opening tag is written as content immediately; text
	// after the closing tag, if short, is held back pending more chunks --
	// so this case closes the tag with nothing trailing it.
	chunk := &service.StreamChunk{Content: "here is my reasoning: <thinking>because X</thinking>"}
	p.OnChunk(rc, chunk)

	if chunk.ReasoningContent != "because X" {
		t.Errorf("ReasoningContent = %q, want %q", chunk.ReasoningContent, "because X")
	}
	if chunk.Content != "here is my reasoning: " {
		t.Errorf("Content = %q, want %q", chunk.Content, "here is my reasoning: ")
	}
}

func TestOnChunk_InactiveWhenSuffixNotPresent(t *testing.T) {
	p := New()
	rc := plugin.NewRequestContext("gpt-4")
	p.PreDispatch(rc, nil, nil)

	chunk := &service.StreamChunk{Content: "<thinking>reasoning</thinking>answer"}
	p.OnChunk(rc, chunk)

	if chunk.Content != "<thinking>reasoning</thinking>answer" {
		t.Errorf("Content was rewritten despite inactive plugin: %q", chunk.Content)
	}
	if chunk.ReasoningContent != "" {
		t.Errorf("ReasoningContent = %q, want empty when inactive", chunk.ReasoningContent)
	}
}

// TestOnChunk_TagStraddlesChunkBoundary exercises the tail-buffer logic: both
// the opening and closing tags are split across adjacent chunks.
func TestOnChunk_TagStraddlesChunkBoundary(t *testing.T) {
	p := New()
	rc := plugin.NewRequestContext("gpt-4-thinking")
	p.PreDispatch(rc, nil, nil)

	var reasoning, content string
	for _, part := range []string{"<thin", "king>reasoning</think", "ing>answer, well past the held-back tail length"} {
		chunk := &service.StreamChunk{Content: part}
		p.OnChunk(rc, chunk)
		reasoning += chunk.ReasoningContent
		content += chunk.Content
	}

	if reasoning != "reasoning" {
		t.Errorf("reassembled ReasoningContent = %q, want %q", reasoning, "reasoning")
	}
	if !strings.HasPrefix(content, "answer") {
		t.Errorf("reassembled Content = %q, want prefix %q", content, "answer")
	}
}

func TestOnChunk_MultipleBlocksAcrossChunks(t *testing.T) {
	p := New()
	rc := plugin.NewRequestContext("gpt-4-thinking")
	p.PreDispatch(rc, nil, nil)

	// Pad the in-between text well past the held-back tail length so both
	// blocks fully flush within these two chunks.
	var reasoning, content string
	for _, part := range []string{
		"<thinking>first</thinking>a gap long enough to flush,",
		"<thinking>second</thinking>and a trailing gap too,",
	} {
		chunk := &service.StreamChunk{Content: part}
		p.OnChunk(rc, chunk)
		reasoning += chunk.ReasoningContent
		content += chunk.Content
	}

	if reasoning != "firstsecond" {
		t.Errorf("reassembled ReasoningContent = %q, want %q", reasoning, "firstsecond")
	}
	if strings.Contains(content, "<thinking>") || strings.Contains(content, "</thinking>") {
		t.Errorf("Content leaked tag markup: %q", content)
	}
	if !strings.Contains(content, "a gap long enough to flush") {
		t.Errorf("Content missing expected text between blocks: %q", content)
	}
}
