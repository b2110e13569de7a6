// Package service defines the contract between the gateway core and the
// per-vendor engine adapters under internal/service/llm/*: canonical
// message/tool/response shapes and the LLMProvider/LLMStreamProvider
// interfaces each adapter implements.
package service

import (
	"context"
	"net/http"
)

// ChatParams carries the canonical request's generation-control fields
// (spec.md §3 data model) that sit alongside messages/tools: sampling
// knobs, token limits, and provider-specific extensions. A field left nil
// means the client didn't set it, so the adapter should omit it from the
// upstream payload rather than substitute a default.
type ChatParams struct {
	Temperature *float64
	TopP        *float64
	TopK        *int

	// MaxTokens is the client's max_tokens/max_completion_tokens value.
	// Anthropic treats this as mandatory; adapters that have their own
	// fallback apply it only when MaxTokens is nil.
	MaxTokens *int

	// Stop is a stop sequence or list of stop sequences (string or []string).
	Stop any

	Seed *int

	// ResponseFormat is the OpenAI-shaped {"type": "json_object"|"json_schema", ...} value.
	ResponseFormat any

	// ToolChoice is "auto"|"none"|"required" or a {"type":"function","function":{"name":...}} map.
	ToolChoice any

	// Reasoning is the OpenAI Responses-style {"effort": "low"|"medium"|"high"} value.
	Reasoning any

	// Thinking is Anthropic's extended-thinking block or Gemini's
	// thinking-budget alias suffix result, depending on which adapter reads it.
	Thinking any

	// ExtraBody holds arbitrary vendor-specific fields merged verbatim into
	// the outbound payload (spec.md's extra_body passthrough escape hatch).
	ExtraBody map[string]any
}

// LLMProvider is implemented by every engine adapter (openai, antropic,
// gemini, vertex, ...).
type LLMProvider interface {
	// Chat sends messages to the LLM and returns a response. The model
	// parameter allows per-request model override; if empty, the
	// provider's default model is used.
	Chat(ctx context.Context, model string, messages []Message, tools []Tool, params ChatParams) (*LLMResponse, error)
}

// LLMStreamProvider is optionally implemented by adapters that support
// true server-sent event (SSE) streaming. The gateway checks for this
// interface via type assertion; if an adapter doesn't implement it, the
// gateway calls Chat() and answers with a single non-streamed JSON response.
type LLMStreamProvider interface {
	ChatStream(ctx context.Context, model string, messages []Message, tools []Tool, params ChatParams) (<-chan StreamChunk, http.Header, error)

	// Proxy forwards a raw HTTP request to the provider's API. The path is
	// relative to the provider's base URL. The gateway's C4 passthrough
	// paths build their own upstream requests and do not call it.
	Proxy(w http.ResponseWriter, r *http.Request, path string) error
}

// Tool is a function/tool definition offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// InlineImage is a base64-encoded image returned by a provider (e.g. Gemini).
type InlineImage struct {
	MimeType string
	Data     string
}

// StreamChunk is a single chunk in a streaming response.
type StreamChunk struct {
	Content      string
	InlineImages []InlineImage
	ToolCalls    []ToolCall

	// ReasoningContent is set by a C11 plugin (e.g. thinking) that splits
	// provider output into a reasoning channel and a content channel.
	// Empty unless a plugin in the request's chain rewrote this chunk.
	ReasoningContent string

	// FinishReason is set on the final chunk: "stop" or "tool_calls".
	FinishReason string

	// Usage, when non-nil, carries the final token usage for the whole
	// streamed response. Providers set this on the last chunk.
	Usage *Usage

	Error error
}

type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []ContentBlock
}

type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Source    *MediaSource   `json:"source,omitempty"`

	// ThoughtSignature is an opaque token from Gemini thinking models
	// (2.5+) that preserves the model's reasoning state across
	// function-calling turns. Must be echoed back on the corresponding
	// tool_use content block.
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

// MediaSource is an inline or URL-referenced media attachment (images,
// documents, audio, video).
type MediaSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Usage is token usage reported by the upstream provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type LLMResponse struct {
	Content      string
	InlineImages []InlineImage
	ToolCalls    []ToolCall
	Finished     bool
	Usage        Usage
	Header       http.Header
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any

	// ThoughtSignature is an opaque token from Gemini thinking models
	// that must be echoed back in the subsequent request for the model
	// to maintain reasoning continuity.
	ThoughtSignature string
}
