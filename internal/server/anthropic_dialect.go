package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/at/internal/plugin"
	"github.com/rakunlabs/at/internal/service"
	"github.com/rakunlabs/at/internal/stats"
)

// Native Claude Messages API wire types (POST /v1/messages), the second of
// the three inbound dialects (C3). Request/response shapes follow Anthropic's
// own API rather than being aliased to the OpenAI-compatible handler.

type AnthropicMessagesRequest struct {
	Model     string             `json:"model"`
	Messages  []AnthropicMessage `json:"messages"`
	System    json.RawMessage    `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
	Tools     []AnthropicToolDef `json:"tools,omitempty"`

	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	TopK        *int            `json:"top_k,omitempty"`
	StopSeq     []string        `json:"stop_sequences,omitempty"`
	ToolChoice  any             `json:"tool_choice,omitempty"`
	Thinking    json.RawMessage `json:"thinking,omitempty"`

	// Metadata and other fields are not translated; a client wanting
	// byte-exact control over them should use the passthrough route.
}

// chatParams bundles the canonical generation-control fields into a
// service.ChatParams passed to the engine adapter.
func (req *AnthropicMessagesRequest) chatParams() service.ChatParams {
	maxTokens := req.MaxTokens
	var thinking any
	if len(req.Thinking) > 0 {
		var v any
		if err := json.Unmarshal(req.Thinking, &v); err == nil {
			thinking = v
		}
	}
	return service.ChatParams{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		MaxTokens:   &maxTokens,
		Stop:        req.StopSeq,
		ToolChoice:  req.ToolChoice,
		Thinking:    thinking,
	}
}

type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []AnthropicContentBlock
}

type AnthropicContentBlock struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     map[string]any   `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   json.RawMessage  `json:"content,omitempty"` // tool_result: string or []block
	Source    *AnthropicSource `json:"source,omitempty"`
}

type AnthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type AnthropicToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type AnthropicMessagesResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []AnthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      AnthropicUsage          `json:"usage"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Anthropic SSE event envelope, used by both the request and response events
// streamed on POST /v1/messages with stream=true.
type anthropicSSEEvent struct {
	Type         string                 `json:"type"`
	Message      *AnthropicMessagesResponse `json:"message,omitempty"`
	Index        int                    `json:"index,omitempty"`
	ContentBlock *AnthropicContentBlock `json:"content_block,omitempty"`
	Delta        map[string]any         `json:"delta,omitempty"`
	Usage        *AnthropicUsage        `json:"usage,omitempty"`
}

// decodeAnthropicRequest reads and decodes the request body, returning the
// raw bytes alongside the parsed struct so the caller can record a truncated
// copy on RequestStat.RequestBody without a second read of r.Body.
func decodeAnthropicRequest(r *http.Request) (*AnthropicMessagesRequest, []byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading request body: %w", err)
	}

	var req AnthropicMessagesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, raw, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Model == "" {
		return nil, raw, fmt.Errorf("model field is required")
	}
	return &req, raw, nil
}

// Messages handles POST /v1/messages in Claude's own wire format (as
// opposed to the OpenAI-compatible alias at /v1/chat/completions). It
// shares the C5/C6 provider selection and attempt-loop machinery with
// ChatCompletions but speaks Anthropic request/response shapes end to end.
func (s *Server) Messages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := ulid.Make().String()

	auth, authErr := s.authenticateRequest(r)
	if authErr != "" {
		writeAnthropicError(w, http.StatusUnauthorized, authErr)
		return
	}

	body, rawBody, err := decodeAnthropicRequest(r)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, err.Error())
		return
	}

	model := body.Model
	group := auth.Group
	if aggGroup, ok := aggregatorGroup(s.cfg.APIKeys, model); ok {
		group = aggGroup
	}

	matching := s.router.Select(model, group)
	if len(matching) == 0 {
		writeAnthropicError(w, http.StatusNotFound, fmt.Sprintf("no provider matches model %q for this key's group", model))
		return
	}

	retryBudget := s.retryBudget(matching)

	stat := &stats.RequestStat{
		ID:          ulid.Make().String(),
		RequestID:   requestID,
		Endpoint:    "/v1/messages",
		ClientIP:    clientIP(r),
		Model:       model,
		APIKey:      auth.Raw,
		APIKeyName:  auth.Name,
		APIKeyGroup: group,
		RequestBody: stats.TruncateJSON(rawBody),
		Timestamp:   start,
	}

	var retryPath []stats.RetryPathEntry
	attempts := 0
	maxAttempts := len(matching) + retryBudget

	for attempts <= maxAttempts {
		providerName := matching[attempts%len(matching)]
		attempts++

		rt, ok := s.router.Lookup(providerName)
		if !ok {
			continue
		}

		if rt.Keys.IsAllRateLimited(rt.Config.ResolveUpstream(model)) {
			continue
		}

		keyIdx, err := rt.Keys.Next(rt.Config.ResolveUpstream(model))
		if err != nil {
			continue
		}

		provider := rt.Provider(atoiSafe(keyIdx))
		if provider == nil {
			continue
		}

		upstreamModel := rt.Config.ResolveUpstream(model)

		var result *attemptResult
		var dispatchErr error
		if passthroughEligible(rt.Config.Type, true) {
			result, dispatchErr = s.dispatchPassthroughChat(r, rt, keyIdx, upstreamModel, s.resolveSystemPrompt(rt, upstreamModel), s.resolvePostBodyOverrides(rt), rawBody, true, body.Stream)
		} else {
			result, dispatchErr = s.dispatchAnthropic(r, provider, body, upstreamModel, s.resolvePlugins(rt), s.resolveSystemPrompt(rt, upstreamModel), s.resolvePostBodyOverrides(rt))
		}

		stat.ProviderID = providerName
		stat.Provider = providerName
		stat.ProviderKeyIndex = atoiSafe(keyIdx)
		stat.RetryCount = attempts - 1

		if dispatchErr == nil {
			s.recordChannelStat(r.Context(), requestID, providerName, upstreamModel, auth.Raw, true)
			s.finishAnthropicChat(w, r, body, providerName, upstreamModel, result, stat, retryPath, start)
			return
		}

		status, msg := classifyError(dispatchErr)
		retryPath = append(retryPath, stats.RetryPathEntry{Provider: providerName, Error: truncateMsg(msg, 2000), StatusCode: status})
		s.recordChannelStat(r.Context(), requestID, providerName, upstreamModel, auth.Raw, false)

		exempt := isCooldownExempt(msg)

		if s.cfg.Preferences.CooldownSeconds > 0 && len(matching) > 1 && !exempt {
			cooldown := time.Duration(s.cfg.Preferences.CooldownSeconds * float64(time.Second))
			s.channels.Exclude(providerName, model, cooldown)
			if s.cluster != nil {
				go func() {
					if err := s.cluster.BroadcastExclude(context.Background(), providerName, model, cooldown); err != nil {
						slog.Warn("broadcast blacklist exclude", "error", err)
					}
				}()
			}
			matching = s.router.Select(model, group)
			if len(matching) == 0 {
				break
			}
		}
		if rt.Config.Preferences != nil && rt.Config.Preferences.CooldownSeconds > 0 && rt.Keys.GetItemsCount() > 1 && !exempt {
			rt.Keys.SetCooling(keyIdx, rt.Config.Preferences.CooldownSeconds)
		}
		if exempt {
			rt.Keys.PopLastRequestLog(keyIdx, upstreamModel)
		}

		if status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge {
			writeAnthropicFinalError(w, status, msg, stat, retryPath, start, s.sink, r.Context())
			return
		}
		if status == 499 {
			stat.Success = false
			stat.StatusCode = status
			s.persistRequestStat(r.Context(), stat, retryPath, start)
			return
		}
	}

	writeAnthropicFinalError(w, http.StatusBadGateway, "all providers exhausted", stat, retryPath, start, s.sink, r.Context())
}

// dispatchAnthropic mirrors dispatch but takes the request already parsed in
// Claude's own content-block shape, converting it to the provider's native
// message format (Anthropic shape passed through almost verbatim; the
// map-based OpenAI/Gemini shape gets the content blocks flattened to text,
// since round-tripping full multimodal fidelity isn't needed for the
// translated route -- callers wanting exact bytes use the C4 passthrough).
func (s *Server) dispatchAnthropic(r *http.Request, provider service.LLMProvider, body *AnthropicMessagesRequest, upstreamModel string, chain plugin.Chain, systemPrompt string, postBodyOverrides map[string]any) (*attemptResult, error) {
	tools := translateAnthropicTools(body.Tools)
	systemText := anthropicSystemText(body.System)

	nativeMessages := translateAnthropicMessages(body.Messages)
	if systemText != "" {
		nativeMessages = append([]service.Message{{Role: "system", Content: systemText}}, nativeMessages...)
	}

	anthropicShape := providerUsesAnthropicShape(provider)

	var messages []service.Message
	if anthropicShape {
		messages = nativeMessages
	} else {
		messages = flattenAnthropicShapeToOpenAI(nativeMessages)
	}

	messages = prependSystemPrompt(messages, anthropicShape, systemPrompt)

	rc := plugin.NewRequestContext(upstreamModel)
	messages, tools = chain.RunPreDispatch(rc, messages, tools)
	upstreamModel = rc.Model

	params := body.chatParams()
	params.ExtraBody = mergeParameterOverrides(params.ExtraBody, postBodyOverrides)

	if body.Stream {
		if sp, ok := provider.(service.LLMStreamProvider); ok {
			chunks, hdr, err := sp.ChatStream(r.Context(), upstreamModel, messages, tools, params)
			if err != nil {
				return nil, err
			}
			return &attemptResult{stream: chunks, streamHdr: hdr, pluginChain: chain, pluginCtx: rc}, nil
		}
	}

	resp, err := provider.Chat(r.Context(), upstreamModel, messages, tools, params)
	if err != nil {
		return nil, err
	}
	return &attemptResult{resp: resp}, nil
}

func (s *Server) finishAnthropicChat(
	w http.ResponseWriter, r *http.Request,
	body *AnthropicMessagesRequest,
	providerName, upstreamModel string,
	result *attemptResult,
	stat *stats.RequestStat,
	retryPath []stats.RetryPathEntry,
	start time.Time,
) {
	if result.passthrough != nil {
		s.finishPassthrough(w, r, result, stat, retryPath, start)
		return
	}
	if result.stream != nil {
		s.streamAnthropic(w, r, body, providerName, upstreamModel, result, stat, retryPath, start)
		return
	}

	s.cacheThoughtSignatures(result.resp.ToolCalls)
	msgID := "msg_" + ulid.Make().String()
	resp := buildAnthropicResponse(msgID, body.Model, result.resp)

	stat.Success = true
	stat.StatusCode = http.StatusOK
	stat.PromptTokens = result.resp.Usage.PromptTokens
	stat.CompletionTokens = result.resp.Usage.CompletionTokens
	stat.TotalTokens = result.resp.Usage.TotalTokens
	promptPrice, completionPrice := s.prices.Resolve(upstreamModel)
	stat.PromptPrice = promptPrice
	stat.CompletionPrice = completionPrice
	if respBytes, err := json.Marshal(resp); err == nil {
		stat.ResponseBody = stats.TruncateJSON(respBytes)
	}

	httpResponseJSON(w, resp, http.StatusOK)

	s.persistRequestStat(r.Context(), stat, retryPath, start)
}

// streamAnthropic wraps the upstream stream as Anthropic Messages API SSE
// events (message_start / content_block_start / content_block_delta /
// content_block_stop / message_delta / message_stop), the Anthropic-dialect
// counterpart to streamChat's OpenAI chunk format.
func (s *Server) streamAnthropic(
	w http.ResponseWriter, r *http.Request,
	body *AnthropicMessagesRequest,
	providerName, upstreamModel string,
	result *attemptResult,
	stat *stats.RequestStat,
	retryPath []stats.RetryPathEntry,
	start time.Time,
) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAnthropicError(w, http.StatusInternalServerError, "streaming not supported by this server")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	msgID := "msg_" + ulid.Make().String()

	writeAnthropicSSE(w, flusher, "message_start", anthropicSSEEvent{
		Type: "message_start",
		Message: &AnthropicMessagesResponse{
			ID: msgID, Type: "message", Role: "assistant", Model: body.Model,
			Content: []AnthropicContentBlock{},
		},
	})
	writeAnthropicSSE(w, flusher, "content_block_start", anthropicSSEEvent{
		Type: "content_block_start", Index: 0,
		ContentBlock: &AnthropicContentBlock{Type: "text", Text: ""},
	})

	firstChunk := true
	var firstResponseTime float64
	var usage *AnthropicUsage
	stopReason := "end_turn"

	// The reasoning content block (index 1) is only opened lazily, the first
	// time a chunk carries ReasoningContent -- most streams never use it.
	thinkingBlockOpen := false

	keepalive := s.cfg.Preferences.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

streamLoop:
	for {
		select {
		case chunk, ok := <-result.stream:
			if !ok {
				break streamLoop
			}
			ticker.Reset(keepalive)

			if firstChunk {
				firstResponseTime = time.Since(start).Seconds()
				stat.FirstResponseTime = &firstResponseTime
				firstChunk = false
			}

			if chunk.Error != nil {
				writeAnthropicSSE(w, flusher, "error", anthropicSSEEvent{
					Type:  "error",
					Delta: map[string]any{"type": "error", "message": chunk.Error.Error()},
				})
				stat.Success = false
				stat.StatusCode = http.StatusBadGateway
				s.persistRequestStat(r.Context(), stat, retryPath, start)
				return
			}

			if result.pluginChain != nil {
				result.pluginChain.RunOnChunk(result.pluginCtx, &chunk)
			}

			if chunk.Usage != nil {
				usage = &AnthropicUsage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
			}

			if chunk.ReasoningContent != "" {
				if !thinkingBlockOpen {
					writeAnthropicSSE(w, flusher, "content_block_start", anthropicSSEEvent{
						Type: "content_block_start", Index: 1,
						ContentBlock: &AnthropicContentBlock{Type: "thinking", Text: ""},
					})
					thinkingBlockOpen = true
				}
				writeAnthropicSSE(w, flusher, "content_block_delta", anthropicSSEEvent{
					Type: "content_block_delta", Index: 1,
					Delta: map[string]any{"type": "thinking_delta", "thinking": chunk.ReasoningContent},
				})
			}

			if chunk.Content != "" {
				writeAnthropicSSE(w, flusher, "content_block_delta", anthropicSSEEvent{
					Type: "content_block_delta", Index: 0,
					Delta: map[string]any{"type": "text_delta", "text": chunk.Content},
				})
			}

			if len(chunk.ToolCalls) > 0 {
				s.cacheThoughtSignatures(chunk.ToolCalls)
				stopReason = "tool_use"
			}

			if chunk.FinishReason == "tool_calls" {
				stopReason = "tool_use"
			}

		case <-ticker.C:
			// Anthropic clients tolerate SSE comment lines as keepalive pings,
			// same convention as the OpenAI-dialect stream.
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}

	if thinkingBlockOpen {
		writeAnthropicSSE(w, flusher, "content_block_stop", anthropicSSEEvent{Type: "content_block_stop", Index: 1})
	}
	writeAnthropicSSE(w, flusher, "content_block_stop", anthropicSSEEvent{Type: "content_block_stop", Index: 0})
	deltaUsage := usage
	if deltaUsage == nil {
		deltaUsage = &AnthropicUsage{}
	}
	writeAnthropicSSE(w, flusher, "message_delta", anthropicSSEEvent{
		Type:  "message_delta",
		Delta: map[string]any{"stop_reason": stopReason},
		Usage: deltaUsage,
	})
	writeAnthropicSSE(w, flusher, "message_stop", anthropicSSEEvent{Type: "message_stop"})
	flusher.Flush()

	stat.Success = true
	stat.StatusCode = http.StatusOK
	if usage != nil {
		stat.PromptTokens = usage.InputTokens
		stat.CompletionTokens = usage.OutputTokens
		stat.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	promptPrice, completionPrice := s.prices.Resolve(upstreamModel)
	stat.PromptPrice = promptPrice
	stat.CompletionPrice = completionPrice

	s.persistRequestStat(r.Context(), stat, retryPath, start)
}

func writeAnthropicSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload anthropicSSEEvent) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

func buildAnthropicResponse(id, model string, resp *service.LLMResponse) *AnthropicMessagesResponse {
	stopReason := "end_turn"
	var blocks []AnthropicContentBlock

	if resp.Content != "" {
		blocks = append(blocks, AnthropicContentBlock{Type: "text", Text: resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		blocks = append(blocks, AnthropicContentBlock{
			Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments,
		})
		stopReason = "tool_use"
	}
	if !resp.Finished && stopReason == "end_turn" {
		stopReason = "tool_use"
	}

	return &AnthropicMessagesResponse{
		ID: id, Type: "message", Role: "assistant", Model: model,
		Content:    blocks,
		StopReason: stopReason,
		Usage: AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

// anthropicSystemText extracts plain text from the Anthropic "system" field,
// which may be a bare string or a list of text content blocks.
func anthropicSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []AnthropicContentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}

func decodeAnthropicContentBlocks(raw json.RawMessage) []AnthropicContentBlock {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []AnthropicContentBlock{{Type: "text", Text: s}}
	}
	var blocks []AnthropicContentBlock
	json.Unmarshal(raw, &blocks)
	return blocks
}

func anthropicToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []AnthropicContentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}

// translateAnthropicMessages converts the wire-format messages to the
// canonical service.Message/service.ContentBlock shape already used
// internally for Anthropic-backed providers (see translateOpenAIToAnthropic).
func translateAnthropicMessages(msgs []AnthropicMessage) []service.Message {
	out := make([]service.Message, 0, len(msgs))
	for _, m := range msgs {
		var svcBlocks []service.ContentBlock
		for _, b := range decodeAnthropicContentBlocks(m.Content) {
			switch b.Type {
			case "text":
				svcBlocks = append(svcBlocks, service.ContentBlock{Type: "text", Text: b.Text})
			case "tool_use":
				svcBlocks = append(svcBlocks, service.ContentBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: b.Input})
			case "tool_result":
				svcBlocks = append(svcBlocks, service.ContentBlock{
					Type: "tool_result", ToolUseID: b.ToolUseID, Content: anthropicToolResultText(b.Content),
				})
			case "image", "document":
				if b.Source != nil {
					svcBlocks = append(svcBlocks, service.ContentBlock{
						Type: b.Type,
						Source: &service.MediaSource{
							Type: b.Source.Type, MediaType: b.Source.MediaType,
							Data: b.Source.Data, URL: b.Source.URL,
						},
					})
				}
			}
		}
		out = append(out, service.Message{Role: m.Role, Content: svcBlocks})
	}
	return out
}

func translateAnthropicTools(tools []AnthropicToolDef) []service.Tool {
	out := make([]service.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, service.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// flattenAnthropicShapeToOpenAI converts the []service.ContentBlock shape
// (native Anthropic) to the map-based shape OpenAI/Gemini/Vertex adapters
// serialize directly, flattening non-text blocks to a text placeholder.
// Exact-byte multimodal content on this translated route is a known
// limitation; use C4 passthrough for byte-exact Anthropic requests.
func flattenAnthropicShapeToOpenAI(msgs []service.Message) []service.Message {
	out := make([]service.Message, 0, len(msgs))
	for _, m := range msgs {
		blocks, ok := m.Content.([]service.ContentBlock)
		if !ok {
			out = append(out, m)
			continue
		}

		role := m.Role
		mm := map[string]any{}
		var textParts []string
		var toolCalls []any
		var toolCallID string

		for _, b := range blocks {
			switch b.Type {
			case "text":
				textParts = append(textParts, b.Text)
			case "tool_use":
				argsJSON, _ := json.Marshal(b.Input)
				toolCalls = append(toolCalls, map[string]any{
					"id": b.ID, "type": "function",
					"function": map[string]any{"name": b.Name, "arguments": string(argsJSON)},
				})
			case "tool_result":
				role = "tool"
				toolCallID = b.ToolUseID
				textParts = append(textParts, b.Content)
			case "image", "document":
				mediaType := ""
				if b.Source != nil {
					mediaType = b.Source.MediaType
				}
				textParts = append(textParts, fmt.Sprintf("[%s omitted: %s]", b.Type, mediaType))
			}
		}

		mm["role"] = role
		if len(textParts) > 0 {
			mm["content"] = strings.Join(textParts, "\n")
		} else if role != "assistant" {
			mm["content"] = ""
		}
		if toolCallID != "" {
			mm["tool_call_id"] = toolCallID
		}
		if len(toolCalls) > 0 {
			mm["tool_calls"] = toolCalls
		}

		out = append(out, service.Message{Role: role, Content: mm})
	}
	return out
}

func writeAnthropicError(w http.ResponseWriter, status int, msg string) {
	httpResponseJSON(w, map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "invalid_request_error",
			"message": msg,
		},
	}, status)
}

func writeAnthropicFinalError(w http.ResponseWriter, status int, msg string, stat *stats.RequestStat, retryPath []stats.RetryPathEntry, start time.Time, sink stats.Sink, ctx context.Context) {
	writeAnthropicError(w, status, msg)
	stat.Success = false
	stat.StatusCode = status
	stat.ProcessTime = time.Since(start).Seconds()
	if len(retryPath) > 0 {
		b, _ := json.Marshal(retryPath)
		stat.RetryPathJSON = string(b)
	}
	if err := sink.WriteRequestStat(context.WithoutCancel(ctx), stat); err != nil {
		slog.Error("write request stat", "error", err)
	}
}
