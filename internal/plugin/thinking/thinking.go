// Package thinking is the illustrative C11 plugin: it detects a "-thinking"
// model suffix, strips it before dispatch, and rewrites the outbound stream
// so text inside the <thinking>...</thinking> tags the provider emits
// surfaces as StreamChunk.ReasoningContent and text outside as
// StreamChunk.Content. It adds nothing to the request itself.
package thinking

import (
	"strings"

	"github.com/rakunlabs/at/internal/plugin"
	"github.com/rakunlabs/at/internal/service"
)

const Name = "thinking"

const (
	suffix   = "-thinking"
	openTag  = "<thinking>"
	closeTag = "</thinking>"
)

const (
	stateActive  = "thinking_active"
	stateInBlock = "thinking_in_block"
	stateTail    = "thinking_tail"
)

type Plugin struct{}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return Name }

// PreDispatch strips the routing-only suffix from the model name so the
// upstream sees the real model, and seeds rc.State so OnChunk knows to
// split this request's stream. The stream starts outside a reasoning
// block: text becomes reasoning only after an opening <thinking> tag in
// the provider's output. Messages and tools pass through unchanged.
func (p *Plugin) PreDispatch(rc *plugin.RequestContext, messages []service.Message, tools []service.Tool) ([]service.Message, []service.Tool) {
	if !strings.HasSuffix(rc.Model, suffix) {
		return messages, tools
	}

	rc.Model = strings.TrimSuffix(rc.Model, suffix)
	rc.State[stateActive] = true
	rc.State[stateInBlock] = false
	rc.State[stateTail] = ""

	return messages, tools
}

// OnChunk splits chunk.Content across the <thinking>/</thinking> boundary,
// carrying a short tail of unmatched bytes forward so a tag split across
// two chunks still matches.
func (p *Plugin) OnChunk(rc *plugin.RequestContext, chunk *service.StreamChunk) {
	active, _ := rc.State[stateActive].(bool)
	if !active || chunk.Content == "" {
		return
	}

	tail, _ := rc.State[stateTail].(string)
	text := tail + chunk.Content
	inBlock, _ := rc.State[stateInBlock].(bool)

	var reasoning, content strings.Builder

	for {
		if inBlock {
			idx := strings.Index(text, closeTag)
			if idx < 0 {
				break
			}
			reasoning.WriteString(text[:idx])
			text = text[idx+len(closeTag):]
			inBlock = false
			continue
		}

		idx := strings.Index(text, openTag)
		if idx < 0 {
			break
		}
		content.WriteString(text[:idx])
		text = text[idx+len(openTag):]
		inBlock = true
	}

	// Hold back enough bytes that a tag straddling this chunk boundary and
	// the next still matches whole.
	tagLen := len(openTag)
	if inBlock {
		tagLen = len(closeTag)
	}
	keep := tagLen - 1
	if len(text) > keep {
		flush := text[:len(text)-keep]
		if inBlock {
			reasoning.WriteString(flush)
		} else {
			content.WriteString(flush)
		}
		text = text[len(text)-keep:]
	}

	rc.State[stateTail] = text
	rc.State[stateInBlock] = inBlock

	chunk.Content = content.String()
	chunk.ReasoningContent = reasoning.String()
}
