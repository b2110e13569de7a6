package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/plugin"
	"github.com/rakunlabs/at/internal/render"
	"github.com/rakunlabs/at/internal/routing"
	"github.com/rakunlabs/at/internal/service"
	"github.com/rakunlabs/at/internal/stats"
)

// authResult holds the outcome of authenticating an inbound request
// (spec.md §3 API-key entry, §4.5 routing group).
type authResult struct {
	// Group scopes eligible providers (config.ProviderConfig.Groups).
	Group string
	// Name is the inbound key's configured name, recorded on RequestStat.
	Name string
	// Raw is the bare credential value (post "!"-strip), used as the
	// RequestStat.APIKey column.
	Raw string
}

// authenticateRequest validates the Authorization header against the
// configured API keys (spec.md §6) and the legacy Gateway.AuthTokens list.
func (s *Server) authenticateRequest(r *http.Request) (*authResult, string) {
	auth := r.Header.Get("Authorization")
	bearer := strings.TrimPrefix(auth, "Bearer ")
	if auth == "" || bearer == auth {
		return nil, "missing Authorization header"
	}

	for _, k := range s.cfg.APIKeys {
		if k.Disabled() {
			continue
		}
		if k.Value() == bearer {
			return &authResult{Group: k.Group, Name: k.Name, Raw: bearer}, ""
		}
	}

	for _, t := range s.cfg.Gateway.AuthTokens {
		if t.Token == "" || t.Token != bearer {
			continue
		}
		if t.ExpiresAt != "" {
			expiresAt, err := time.Parse(time.RFC3339, t.ExpiresAt)
			if err == nil && expiresAt.Before(time.Now().UTC()) {
				return nil, "token has expired"
			}
		}
		return &authResult{Name: t.Name, Raw: bearer}, ""
	}

	return nil, "invalid or missing Authorization header"
}

// attemptResult is what one dispatch attempt yields for the handler loop.
type attemptResult struct {
	resp       *service.LLMResponse
	stream     <-chan service.StreamChunk
	streamHdr  http.Header
	statusCode int

	// pluginChain and pluginCtx carry the C11 hooks resolved for this
	// attempt so the C7 stream wrapper can run OnChunk against each
	// streamed chunk with the same RequestContext PreDispatch populated.
	pluginChain plugin.Chain
	pluginCtx   *plugin.RequestContext

	// passthrough is set instead of resp/stream when this attempt took the
	// C4 byte-for-byte path (spec.md §2, §4.4): finishChat/finishAnthropicChat
	// delegate to finishPassthrough rather than building a dialect response.
	passthrough *passthroughResponse
}

// resolvePlugins resolves the C11 plugin chain for one provider attempt:
// the provider's own Preferences.EnabledPlugins if set, else the gateway's
// global default list.
func (s *Server) resolvePlugins(rt *routing.ProviderRuntime) plugin.Chain {
	names := s.cfg.Preferences.EnabledPlugins
	if rt.Config.Preferences != nil && len(rt.Config.Preferences.EnabledPlugins) > 0 {
		names = rt.Config.Preferences.EnabledPlugins
	}
	return s.plugins.Chain(names)
}

// resolvePostBodyOverrides returns the provider's Preferences.PostBodyParameterOverrides
// (falling back to the gateway's global default), applied on top of the
// client's own request body (spec.md §4.4).
func (s *Server) resolvePostBodyOverrides(rt *routing.ProviderRuntime) map[string]any {
	overrides := s.cfg.Preferences.PostBodyParameterOverrides
	if rt.Config.Preferences != nil && len(rt.Config.Preferences.PostBodyParameterOverrides) > 0 {
		overrides = rt.Config.Preferences.PostBodyParameterOverrides
	}
	return overrides
}

// resolveSystemPrompt renders the provider's Preferences.SystemPrompt template
// (falling back to the gateway's global default), prepended ahead of the
// client's own messages. Returns "" if no template is configured; a template
// render error is logged and treated as no injection, since otherwise a bad
// template in one provider's config would 500 every request routed to it.
func (s *Server) resolveSystemPrompt(rt *routing.ProviderRuntime, upstreamModel string) string {
	tmpl := s.cfg.Preferences.SystemPrompt
	if rt.Config.Preferences != nil && rt.Config.Preferences.SystemPrompt != "" {
		tmpl = rt.Config.Preferences.SystemPrompt
	}
	if tmpl == "" {
		return ""
	}

	out, err := render.ExecuteWithData(tmpl, map[string]any{
		"provider": rt.Name,
		"model":    upstreamModel,
	})
	if err != nil {
		slog.Warn("system prompt template render failed", "provider", rt.Name, "error", err)
		return ""
	}
	return string(out)
}

// ChatCompletions handles POST /v1/chat/completions (C6 request handler).
// It runs the spec.md §4.6 attempt loop: select provider (C5), select
// upstream key (C1), dispatch, classify failures, cool down / blacklist,
// retry up to budget, and record one RequestStat per request and one
// ChannelStat per dispatched attempt (C8).
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := ulid.Make().String()

	auth, authErr := s.authenticateRequest(r)
	if authErr != "" {
		writeOpenAIError(w, http.StatusUnauthorized, authErr, "invalid_api_key")
		return
	}

	body, rawBody, err := decodeChatRequest(r)
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}

	model := body.Model
	group := auth.Group
	if aggGroup, ok := aggregatorGroup(s.cfg.APIKeys, model); ok {
		group = aggGroup
	}

	matching := s.router.Select(model, group)
	if len(matching) == 0 {
		writeOpenAIError(w, http.StatusNotFound, fmt.Sprintf("no provider matches model %q for this key's group", model), "model_not_found")
		return
	}

	retryBudget := s.retryBudget(matching)

	stat := &stats.RequestStat{
		ID:          ulid.Make().String(),
		RequestID:   requestID,
		Endpoint:    "/v1/chat/completions",
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
		if passthroughEligible(rt.Config.Type, false) {
			result, dispatchErr = s.dispatchPassthroughChat(r, rt, keyIdx, upstreamModel, s.resolveSystemPrompt(rt, upstreamModel), s.resolvePostBodyOverrides(rt), rawBody, false, body.Stream)
		} else {
			result, dispatchErr = s.dispatch(r, provider, body, upstreamModel, s.resolvePlugins(rt), s.resolveSystemPrompt(rt, upstreamModel), s.resolvePostBodyOverrides(rt))
		}

		stat.ProviderID = providerName
		stat.Provider = providerName
		stat.ProviderKeyIndex = atoiSafe(keyIdx)
		stat.RetryCount = attempts - 1

		if dispatchErr == nil {
			s.recordChannelStat(r.Context(), requestID, providerName, upstreamModel, auth.Raw, true)
			s.finishChat(w, r, body, providerName, upstreamModel, result, stat, retryPath, start)
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
			writeFinalError(w, status, msg, stat, retryPath, start, s.sink, r.Context())
			return
		}
		if status == 499 {
			// client disconnected; no retry, still persist the stat.
			stat.Success = false
			stat.StatusCode = status
			s.persistRequestStat(r.Context(), stat, retryPath, start)
			return
		}
	}

	writeFinalError(w, http.StatusBadGateway, "all providers exhausted", stat, retryPath, start, s.sink, r.Context())
}

// prependSystemPrompt injects a rendered Preferences.SystemPrompt template
// ahead of the rest of the conversation, in whichever message shape the
// provider adapter expects.
func prependSystemPrompt(messages []service.Message, anthropicShape bool, text string) []service.Message {
	if text == "" {
		return messages
	}
	var msg service.Message
	if anthropicShape {
		msg = service.Message{Role: "system", Content: text}
	} else {
		msg = service.Message{Role: "system", Content: map[string]any{"role": "system", "content": text}}
	}
	return append([]service.Message{msg}, messages...)
}

// dispatch calls the engine adapter for one attempt, translating the
// OpenAI-dialect canonical request for the provider's native message shape
// and running the C11 pre-dispatch hook chain first.
func (s *Server) dispatch(r *http.Request, provider service.LLMProvider, body *ChatCompletionRequest, upstreamModel string, chain plugin.Chain, systemPrompt string, postBodyOverrides map[string]any) (*attemptResult, error) {
	tools := translateOpenAITools(body.Tools)

	anthropicShape := providerUsesAnthropicShape(provider)

	var messages []service.Message
	if anthropicShape {
		clientSystemPrompt, msgs := translateOpenAIToAnthropic(body.Messages)
		if clientSystemPrompt != "" {
			msgs = append([]service.Message{{Role: "system", Content: clientSystemPrompt}}, msgs...)
		}
		messages = msgs
	} else {
		messages = translateOpenAIMessages(body.Messages, s.lookupThoughtSignature)
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

// mergeParameterOverrides folds Preferences.PostBodyParameterOverrides into
// the client's extra_body, with overrides winning on key collision (spec.md
// §4.4: "literal key/value pairs ... overriding whatever the client sent").
func mergeParameterOverrides(extraBody map[string]any, overrides map[string]any) map[string]any {
	if len(overrides) == 0 {
		return extraBody
	}
	merged := make(map[string]any, len(extraBody)+len(overrides))
	for k, v := range extraBody {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// providerUsesAnthropicShape reports whether provider is the antropic
// adapter, determined structurally since the server package doesn't import
// the antropic package directly (avoids a dependency cycle risk as the
// registry grows more engines).
func providerUsesAnthropicShape(provider service.LLMProvider) bool {
	type anthropicShaped interface{ AnthropicShape() bool }
	if a, ok := provider.(anthropicShaped); ok {
		return a.AnthropicShape()
	}
	return false
}

func (s *Server) finishChat(
	w http.ResponseWriter, r *http.Request,
	body *ChatCompletionRequest,
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
		s.streamChat(w, r, body, providerName, upstreamModel, result, stat, retryPath, start)
		return
	}

	s.cacheThoughtSignatures(result.resp.ToolCalls)
	chatResp := buildOpenAIResponse(generateChatID(), body.Model, result.resp)

	stat.Success = true
	stat.StatusCode = http.StatusOK
	stat.PromptTokens = result.resp.Usage.PromptTokens
	stat.CompletionTokens = result.resp.Usage.CompletionTokens
	stat.TotalTokens = result.resp.Usage.TotalTokens
	promptPrice, completionPrice := s.prices.Resolve(upstreamModel)
	stat.PromptPrice = promptPrice
	stat.CompletionPrice = completionPrice
	if respBytes, err := json.Marshal(chatResp); err == nil {
		stat.ResponseBody = stats.TruncateJSON(respBytes)
	}

	httpResponseJSON(w, chatResp, http.StatusOK)

	s.persistRequestStat(r.Context(), stat, retryPath, start)
}

// streamChat wraps the upstream stream (C7): first-chunk timing, usage
// extraction, SSE keepalive comments on idle gaps, finalization write.
// RequestStat.RequestBody is already set by the caller before dispatch;
// ResponseBody is left empty for streamed responses since there is no
// single response body to truncate, only a sequence of SSE chunks.
func (s *Server) streamChat(
	w http.ResponseWriter, r *http.Request,
	body *ChatCompletionRequest,
	providerName, upstreamModel string,
	result *attemptResult,
	stat *stats.RequestStat,
	retryPath []stats.RetryPathEntry,
	start time.Time,
) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, http.StatusInternalServerError, "streaming not supported by this server", "server_error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	chatID := generateChatID()
	includeUsage := body.StreamOptions != nil && body.StreamOptions.IncludeUsage

	writeSSEChunk(w, flusher, ChatCompletionChunk{
		ID: chatID, Object: "chat.completion.chunk", Model: body.Model,
		Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{Role: "assistant"}}},
	})

	firstChunk := true
	var firstResponseTime float64
	var usage *ChatCompletionUsage

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
				writeSSEError(w, flusher, chatID, body.Model, chunk.Error.Error())
				stat.Success = false
				stat.StatusCode = http.StatusBadGateway
				s.persistRequestStat(r.Context(), stat, retryPath, start)
				return
			}

			if result.pluginChain != nil {
				result.pluginChain.RunOnChunk(result.pluginCtx, &chunk)
			}

			if chunk.Usage != nil {
				usage = &ChatCompletionUsage{
					PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens: chunk.Usage.TotalTokens,
				}
			}

			if chunk.Content == "" && chunk.ReasoningContent == "" && len(chunk.InlineImages) == 0 && len(chunk.ToolCalls) == 0 && chunk.FinishReason == "" {
				continue
			}

			cc := ChatCompletionChunk{
				ID: chatID, Object: "chat.completion.chunk", Model: body.Model,
				Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{
					Content:          buildDeltaContent(chunk.Content, chunk.InlineImages),
					ReasoningContent: chunk.ReasoningContent,
				}}},
			}

			if len(chunk.ToolCalls) > 0 {
				s.cacheThoughtSignatures(chunk.ToolCalls)
				for i, tc := range chunk.ToolCalls {
					idx := i
					argsJSON, _ := json.Marshal(tc.Arguments)
					cc.Choices[0].Delta.ToolCalls = append(cc.Choices[0].Delta.ToolCalls, OpenAIToolCall{
						Index: &idx, ID: tc.ID, Type: "function", ThoughtSignature: tc.ThoughtSignature,
						Function: OpenAIFunctionCall{Name: tc.Name, Arguments: string(argsJSON)},
					})
				}
			}

			hasData := len(chunk.ToolCalls) > 0 || chunk.Content != "" || len(chunk.InlineImages) > 0
			if chunk.FinishReason != "" && hasData {
				writeSSEChunk(w, flusher, cc)
				fr := chunk.FinishReason
				writeSSEChunk(w, flusher, ChatCompletionChunk{
					ID: chatID, Object: "chat.completion.chunk", Model: body.Model,
					Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{}, FinishReason: &fr}},
				})
			} else {
				if chunk.FinishReason != "" {
					fr := chunk.FinishReason
					cc.Choices[0].FinishReason = &fr
				}
				writeSSEChunk(w, flusher, cc)
			}

		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}

	if includeUsage && usage != nil {
		writeSSEChunk(w, flusher, ChatCompletionChunk{
			ID: chatID, Object: "chat.completion.chunk", Model: body.Model,
			Choices: []ChunkChoice{}, Usage: usage,
		})
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	stat.Success = true
	stat.StatusCode = http.StatusOK
	if usage != nil {
		stat.PromptTokens = usage.PromptTokens
		stat.CompletionTokens = usage.CompletionTokens
		stat.TotalTokens = usage.TotalTokens
	}
	promptPrice, completionPrice := s.prices.Resolve(upstreamModel)
	stat.PromptPrice = promptPrice
	stat.CompletionPrice = completionPrice

	s.persistRequestStat(r.Context(), stat, retryPath, start)
}

func (s *Server) persistRequestStat(ctx context.Context, stat *stats.RequestStat, retryPath []stats.RetryPathEntry, start time.Time) {
	stat.ProcessTime = time.Since(start).Seconds()
	if len(retryPath) > 0 {
		b, _ := json.Marshal(retryPath)
		stat.RetryPathJSON = string(b)
	}
	if err := s.sink.WriteRequestStat(context.WithoutCancel(ctx), stat); err != nil {
		slog.Error("write request stat", "error", err)
	}
}

func (s *Server) recordChannelStat(ctx context.Context, requestID, provider, model, inboundKey string, success bool) {
	row := &stats.ChannelStat{
		ID:        ulid.Make().String(),
		RequestID: requestID,
		Provider:  provider,
		Model:     model,
		APIKey:    inboundKey,
		Success:   success,
		Timestamp: time.Now(),
	}
	if err := s.sink.WriteChannelStat(context.WithoutCancel(ctx), row); err != nil {
		slog.Error("write channel stat", "error", err)
	}
}

func writeFinalError(w http.ResponseWriter, status int, msg string, stat *stats.RequestStat, retryPath []stats.RetryPathEntry, start time.Time, sink stats.Sink, ctx context.Context) {
	writeOpenAIError(w, status, msg, "server_error")
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

// retryBudget implements spec.md §4.6: sum of key counts across matching
// providers ×2, clamped to Preferences.MaxRetryCount.
func (s *Server) retryBudget(matching []string) int {
	total := 0
	for _, name := range matching {
		if rt, ok := s.router.Lookup(name); ok {
			total += rt.Keys.GetItemsCount()
		}
	}
	total *= 2

	max := s.cfg.Preferences.MaxRetryCount
	if max <= 0 {
		max = 10
	}
	if total > max {
		total = max
	}
	return total
}

// aggregatorGroup expands a "sk-"-prefixed local aggregator model reference
// to the group of the API key it names (spec.md §4.5).
func aggregatorGroup(keys []config.APIKeyConfig, model string) (string, bool) {
	if !strings.HasPrefix(model, "sk-") {
		return "", false
	}
	for _, k := range keys {
		if k.Aggregator && !k.Disabled() && k.Value() == model {
			return k.Group, true
		}
	}
	return "", false
}

// decodeChatRequest reads and decodes the request body, returning the raw
// bytes alongside the parsed struct so the caller can record a truncated
// copy on RequestStat.RequestBody without a second read of r.Body.
func decodeChatRequest(r *http.Request) (*ChatCompletionRequest, []byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading request body: %w", err)
	}

	var req ChatCompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, raw, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Model == "" {
		return nil, raw, fmt.Errorf("model field is required")
	}
	return &req, raw, nil
}

func writeOpenAIError(w http.ResponseWriter, status int, msg, code string) {
	httpResponseJSON(w, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "invalid_request_error",
			"code":    code,
		},
	}, status)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func truncateMsg(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// atoiSafe converts a CircularList item index (always a small decimal
// string minted by registry.go) back to int; malformed input can't occur
// in practice, so a parse failure just selects index 0.
func atoiSafe(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// ListModels handles GET /v1/models (spec.md §6): returns models the
// caller's API key can see after group intersection.
func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	auth, authErr := s.authenticateRequest(r)
	if authErr != "" {
		writeOpenAIError(w, http.StatusUnauthorized, authErr, "invalid_api_key")
		return
	}

	seen := map[string]bool{}
	var models []ModelData

	for _, name := range sortedNames(s.providers) {
		rt := s.providers[name]
		if rt.Config.Disabled {
			continue
		}
		if !config.GroupMatch(rt.Config.Groups, auth.Group) {
			continue
		}

		aliases := rt.Config.Models
		if len(aliases) == 0 && rt.Config.Model != "" {
			aliases = []string{rt.Config.Model}
		}
		for _, alias := range aliases {
			if seen[alias] {
				continue
			}
			seen[alias] = true
			models = append(models, ModelData{ID: alias, Object: "model", OwnedBy: name})
		}
	}

	httpResponseJSON(w, ModelsResponse{Object: "list", Data: models}, http.StatusOK)
}
