package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/routing"
	"github.com/rakunlabs/at/internal/service/llm/antropic"
	"github.com/rakunlabs/at/internal/service/llm/openai"
	"github.com/rakunlabs/at/internal/stats"
)

// openAICompatibleTypes lists the provider types whose wire format matches
// the OpenAI chat-completions dialect byte for byte (spec.md §4.4's
// passthrough eligibility rule: inbound dialect == outbound engine).
var openAICompatibleTypes = map[string]bool{
	"openai": true, "compatible": true, "azure": true, "cloudflare": true, "openrouter": true, "": true,
}

// passthroughEligible reports whether a request arriving in the given
// dialect can skip canonical translation for rt's engine type (spec.md §2's
// attempt-loop branch: "(passthrough? apply edits : canonical->native)").
func passthroughEligible(providerType string, anthropicDialect bool) bool {
	if anthropicDialect {
		return providerType == "anthropic"
	}
	return openAICompatibleTypes[providerType]
}

// passthroughResponse carries a raw upstream response for the C4 byte-for-
// byte path, bypassing finishChat/finishAnthropicChat's dialect-specific
// response building entirely.
type passthroughResponse struct {
	statusCode int
	header     http.Header
	body       []byte        // set for non-streaming responses
	stream     io.ReadCloser // set for streaming (SSE) responses
}

// dispatchPassthroughChat forwards the inbound request body to rt's native
// endpoint with only the three spec.md §4.4 edits applied (model rename,
// system-prompt splice, PostBodyParameterOverrides merge) -- no dialect
// translation, no C2 adapter. Errors are plain Go errors so they flow
// through the same classifyError/cooldown/retry path as a translated
// dispatch failure.
func (s *Server) dispatchPassthroughChat(
	r *http.Request, rt *routing.ProviderRuntime, keyIdx string,
	upstreamModel, systemPrompt string, postBodyOverrides map[string]any,
	rawBody []byte, anthropicDialect, streaming bool,
) (*attemptResult, error) {
	editedBody, err := buildPassthroughBody(rawBody, anthropicDialect, upstreamModel, systemPrompt, postBodyOverrides)
	if err != nil {
		return nil, err
	}

	rawKeys := rt.Config.Keys()
	idx := atoiSafe(keyIdx)
	var apiKey string
	if idx < len(rawKeys) {
		apiKey = config.KeyValue(rawKeys[idx])
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, passthroughURL(rt.Config, anthropicDialect), bytes.NewReader(editedBody))
	if err != nil {
		return nil, err
	}

	for k, vals := range r.Header {
		if isDroppedPassthroughHeader(k) {
			continue
		}
		for _, v := range vals {
			upstreamReq.Header.Add(k, v)
		}
	}
	upstreamReq.Header.Set("Content-Type", "application/json")
	setPassthroughAuthHeaders(upstreamReq, rt.Config.Type, anthropicDialect, apiKey)
	for k, v := range rt.Config.ExtraHeaders {
		upstreamReq.Header.Set(k, v)
	}

	resp, err := nativeProxyClient.Do(upstreamReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, truncateMsg(string(errBody), 2000))
	}

	if streaming && isSSEResponse(resp) {
		return &attemptResult{passthrough: &passthroughResponse{statusCode: resp.StatusCode, header: resp.Header, stream: resp.Body}}, nil
	}

	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &attemptResult{passthrough: &passthroughResponse{statusCode: resp.StatusCode, header: resp.Header, body: respBytes}}, nil
}

// passthroughURL resolves the upstream endpoint for a passthrough attempt,
// matching the default each engine adapter itself falls back to when a
// provider config leaves BaseURL unset.
func passthroughURL(cfg config.ProviderConfig, anthropicDialect bool) string {
	base := cfg.BaseURL
	if anthropicDialect {
		if base == "" {
			base = antropic.DefaultBaseURL
		}
		return strings.TrimSuffix(base, "/") + "/v1/messages"
	}
	if base == "" {
		base = openai.DefaultBaseURL
	}
	return base
}

// setPassthroughAuthHeaders sets the upstream auth header, mirroring each
// adapter's own New() (antropic.New sets X-Api-Key/Anthropic-Version,
// openai.New sets a Bearer Authorization header).
func setPassthroughAuthHeaders(req *http.Request, providerType string, anthropicDialect bool, apiKey string) {
	if anthropicDialect || providerType == "anthropic" {
		if apiKey != "" {
			req.Header.Set("X-Api-Key", apiKey)
		}
		req.Header.Set("Anthropic-Version", "2023-06-01")
		return
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// buildPassthroughBody applies the three spec.md §4.4 edits to a raw inbound
// body before it is forwarded byte-for-byte: the model field is rewritten to
// the resolved upstream name, the configured system prompt is spliced in
// ahead of the client's own messages, and PostBodyParameterOverrides are
// merged on top, winning on key collision.
func buildPassthroughBody(raw []byte, anthropicDialect bool, upstreamModel, systemPrompt string, overrides map[string]any) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid passthrough body: %w", err)
	}

	if upstreamModel != "" {
		m["model"] = upstreamModel
	}

	if systemPrompt != "" {
		if anthropicDialect {
			m["system"] = spliceAnthropicSystemField(m["system"], systemPrompt)
		} else {
			msgs, _ := m["messages"].([]any)
			sysMsg := map[string]any{"role": "system", "content": systemPrompt}
			m["messages"] = append([]any{sysMsg}, msgs...)
		}
	}

	for k, v := range overrides {
		m[k] = v
	}

	return json.Marshal(m)
}

// spliceAnthropicSystemField prepends text to the Anthropic "system" field,
// which may be absent, a bare string, or a list of text blocks.
func spliceAnthropicSystemField(existing any, text string) any {
	switch v := existing.(type) {
	case nil:
		return text
	case string:
		if v == "" {
			return text
		}
		return text + "\n" + v
	case []any:
		return append([]any{map[string]any{"type": "text", "text": text}}, v...)
	default:
		return text
	}
}

// finishPassthrough writes a C4 passthrough response to the client exactly
// as the upstream sent it (headers, status, body), the passthrough
// counterpart to finishChat/finishAnthropicChat.
func (s *Server) finishPassthrough(
	w http.ResponseWriter, r *http.Request,
	result *attemptResult,
	stat *stats.RequestStat,
	retryPath []stats.RetryPathEntry,
	start time.Time,
) {
	pr := result.passthrough

	for k, vals := range pr.header {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}

	if pr.stream != nil {
		defer pr.stream.Close()
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported by this server", http.StatusInternalServerError)
			stat.Success = false
			stat.StatusCode = http.StatusInternalServerError
			s.persistRequestStat(r.Context(), stat, retryPath, start)
			return
		}
		w.WriteHeader(pr.statusCode)
		if err := copyPassthroughStream(w, flusher, pr.stream); err != nil {
			slog.Error("passthrough: stream copy failed", "error", err)
		}
		stat.Success = true
		stat.StatusCode = pr.statusCode
		s.persistRequestStat(r.Context(), stat, retryPath, start)
		return
	}

	w.WriteHeader(pr.statusCode)
	if _, err := w.Write(pr.body); err != nil {
		slog.Error("passthrough: write to client failed", "error", err)
	}
	stat.Success = true
	stat.StatusCode = pr.statusCode
	stat.ResponseBody = stats.TruncateJSON(pr.body)
	s.persistRequestStat(r.Context(), stat, retryPath, start)
}

// passthroughPartialBufCap bounds how long copyPassthroughStream will hold
// back a suspected partial multi-byte rune at a read boundary before giving
// up and flushing it through the replacement-character path (spec.md: "a
// 10 KB buffer cap for partial characters").
const passthroughPartialBufCap = 10 * 1024

// copyPassthroughStream echoes body to w byte-for-byte, except that a
// malformed UTF-8 byte sequence is replaced with U+FFFD rather than
// corrupting everything written after it (spec.md: streamed passthrough
// bytes are "decoded as UTF-8 with replacement to avoid mid-sequence
// breakage"). A suspected partial rune at the tail of a read is held back to
// the next read instead of being replaced immediately, since it is usually
// just split across a chunk boundary, not actually malformed.
func copyPassthroughStream(w http.ResponseWriter, flusher http.Flusher, body io.Reader) error {
	readBuf := make([]byte, 4096)
	var pending []byte

	for {
		n, readErr := body.Read(readBuf)
		if n > 0 {
			pending = append(pending, readBuf[:n]...)

			holdback := partialRuneTailLen(pending)
			if holdback > passthroughPartialBufCap {
				holdback = 0
			}
			emit := pending[:len(pending)-holdback]
			rest := append([]byte(nil), pending[len(pending)-holdback:]...)
			pending = rest

			if len(emit) > 0 {
				if _, err := w.Write(toValidUTF8(emit)); err != nil {
					return err
				}
				flusher.Flush()
			}
		}
		if readErr != nil {
			if len(pending) > 0 {
				if _, err := w.Write(toValidUTF8(pending)); err != nil {
					return err
				}
				flusher.Flush()
			}
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}

// partialRuneTailLen returns the length of a trailing incomplete UTF-8
// sequence at the end of b, or 0 if b ends on a complete rune boundary.
func partialRuneTailLen(b []byte) int {
	for tail := 1; tail <= 4 && tail <= len(b); tail++ {
		start := len(b) - tail
		if utf8.RuneStart(b[start]) {
			if !utf8.FullRune(b[start:]) {
				return tail
			}
			return 0
		}
	}
	return 0
}

var utf8Replacement = []byte(string(rune(utf8.RuneError)))

func toValidUTF8(b []byte) []byte {
	return bytes.ToValidUTF8(b, utf8Replacement)
}
