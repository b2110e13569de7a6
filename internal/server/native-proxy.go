package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/stats"
)

// supportedNativeTypes lists provider types that support native passthrough.
var supportedNativeTypes = map[string]bool{
	"gemini":    true,
	"anthropic": true,
}

// defaultBaseURLs maps provider types to their default base URLs.
var defaultBaseURLs = map[string]string{
	"gemini":    "https://generativelanguage.googleapis.com",
	"anthropic": "https://api.anthropic.com",
}

// nativeProxyClient is a shared HTTP client for native passthrough requests.
var nativeProxyClient = &http.Client{
	Timeout: 10 * time.Minute,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// droppedPassthroughHeaders are stripped from the inbound request before
// forwarding upstream (spec.md §4.4): inbound auth must never leak to the
// upstream provider, and hop-by-hop/framing headers are recomputed fresh.
var droppedPassthroughHeaders = []string{
	"authorization", "x-api-key", "api-key", "x-goog-api-key",
	"host", "content-length", "accept-encoding",
}

// NativeProxy handles POST /v1/native/{provider}/* (C4 passthrough
// evaluator): the body is forwarded byte-for-byte to the named provider's
// native API, with only auth headers rewritten and the model-eligibility
// rule enforced.
func (s *Server) NativeProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := ulid.Make().String()

	auth, authErr := s.authenticateRequest(r)
	if authErr != "" {
		httpResponse(w, authErr, http.StatusUnauthorized)
		return
	}

	providerName := r.PathValue("provider_key")
	upstreamPath := "/" + r.PathValue("*")

	if providerName == "" {
		httpResponse(w, "missing provider key in path", http.StatusBadRequest)
		return
	}
	if upstreamPath == "/" {
		httpResponse(w, "missing upstream path after provider key", http.StatusBadRequest)
		return
	}

	rt, ok := s.router.Lookup(providerName)
	if !ok {
		httpResponse(w, fmt.Sprintf("unknown provider %q", providerName), http.StatusNotFound)
		return
	}
	if rt.Config.Disabled {
		httpResponse(w, fmt.Sprintf("provider %q is disabled", providerName), http.StatusNotFound)
		return
	}
	if !config.GroupMatch(rt.Config.Groups, auth.Group) {
		httpResponse(w, fmt.Sprintf("provider %q is not in this key's group", providerName), http.StatusForbidden)
		return
	}
	if !supportedNativeTypes[rt.Config.Type] {
		supported := make([]string, 0, len(supportedNativeTypes))
		for k := range supportedNativeTypes {
			supported = append(supported, fmt.Sprintf("%q", k))
		}
		httpResponse(w, fmt.Sprintf(
			"native passthrough not supported for provider type %q (supported: %s)",
			rt.Config.Type, strings.Join(supported, ", "),
		), http.StatusBadRequest)
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		httpResponse(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
		return
	}

	model, modelErr := extractNativeModel(rt.Config.Type, upstreamPath, bodyBytes)
	if modelErr != "" {
		httpResponse(w, modelErr, http.StatusBadRequest)
		return
	}
	if !rt.Config.HasAlias(model) {
		httpResponse(w, fmt.Sprintf("model %q is not configured for provider %q", model, providerName), http.StatusForbidden)
		return
	}

	rawKeys := rt.Config.Keys()
	keyIdx, err := rt.Keys.Next(rt.Config.ResolveUpstream(model))
	if err != nil {
		httpResponse(w, "all keys for this provider are rate-limited", http.StatusTooManyRequests)
		return
	}
	idx := atoiSafe(keyIdx)
	var apiKey string
	if idx < len(rawKeys) {
		apiKey = config.KeyValue(rawKeys[idx])
	}

	stat := &stats.RequestStat{
		ID:               ulid.Make().String(),
		RequestID:        requestID,
		Endpoint:         "/v1/native/" + rt.Config.Type,
		ClientIP:         clientIP(r),
		Provider:         providerName,
		ProviderID:       providerName,
		Model:            model,
		APIKey:           auth.Raw,
		APIKeyName:       auth.Name,
		APIKeyGroup:      auth.Group,
		ProviderKeyIndex: idx,
		RequestBody:      stats.TruncateJSON(bodyBytes),
		Timestamp:        start,
	}

	baseURL := rt.Config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURLs[rt.Config.Type]
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	upstreamURL := baseURL + upstreamPath
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}
	if _, err := url.Parse(upstreamURL); err != nil {
		httpResponse(w, fmt.Sprintf("invalid upstream URL: %v", err), http.StatusInternalServerError)
		s.finishNativeProxyStat(r.Context(), stat, false, http.StatusInternalServerError, start)
		return
	}

	slog.Debug("native passthrough",
		"provider", providerName, "type", rt.Config.Type, "model", model,
		"method", r.Method, "upstream", upstreamURL,
	)

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(bodyBytes))
	if err != nil {
		httpResponse(w, fmt.Sprintf("failed to create upstream request: %v", err), http.StatusInternalServerError)
		s.finishNativeProxyStat(r.Context(), stat, false, http.StatusInternalServerError, start)
		return
	}

	for k, vals := range r.Header {
		if isDroppedPassthroughHeader(k) {
			continue
		}
		for _, v := range vals {
			upstreamReq.Header.Add(k, v)
		}
	}
	if ct := r.Header.Get("Content-Type"); ct == "" {
		upstreamReq.Header.Set("Content-Type", "application/json")
	}

	setNativeAuthHeaders(upstreamReq, rt.Config.Type, apiKey)

	for k, v := range rt.Config.ExtraHeaders {
		upstreamReq.Header.Set(k, v)
	}

	resp, err := nativeProxyClient.Do(upstreamReq)
	if err != nil {
		httpResponse(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
		s.finishNativeProxyStat(r.Context(), stat, false, http.StatusBadGateway, start)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if flusher, ok := w.(http.Flusher); ok && isSSEResponse(resp) {
		// Streamed passthrough: ResponseBody is left empty, there is no
		// single body to truncate, only a sequence of SSE events.
		buf := make([]byte, 4096)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					slog.Error("native passthrough: write to client failed", "error", writeErr)
					s.finishNativeProxyStat(r.Context(), stat, false, resp.StatusCode, start)
					return
				}
				flusher.Flush()
			}
			if readErr != nil {
				if readErr != io.EOF {
					slog.Error("native passthrough: read from upstream failed", "error", readErr)
				}
				s.finishNativeProxyStat(r.Context(), stat, resp.StatusCode < 400, resp.StatusCode, start)
				return
			}
		}
	}

	respBytes, copyErr := io.ReadAll(resp.Body)
	if copyErr != nil {
		slog.Error("native passthrough: failed to read response body", "error", copyErr)
	}
	if _, err := w.Write(respBytes); err != nil {
		slog.Error("native passthrough: failed to copy response body", "error", err)
	}
	stat.ResponseBody = stats.TruncateJSON(respBytes)
	s.finishNativeProxyStat(r.Context(), stat, resp.StatusCode < 400 && copyErr == nil, resp.StatusCode, start)
}

// finishNativeProxyStat finalizes and persists the RequestStat for one
// passthrough call (C8), mirroring finishChat/finishAnthropicChat's
// non-streaming recording but with no retry path (C4 passthrough bypasses
// C6's attempt loop entirely).
func (s *Server) finishNativeProxyStat(ctx context.Context, stat *stats.RequestStat, success bool, statusCode int, start time.Time) {
	stat.Success = success
	stat.StatusCode = statusCode
	s.persistRequestStat(ctx, stat, nil, start)
}

func isDroppedPassthroughHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, h := range droppedPassthroughHeaders {
		if lower == h {
			return true
		}
	}
	return false
}

// extractNativeModel extracts the model name from the request based on
// the provider type.
func extractNativeModel(providerType, upstreamPath string, body []byte) (string, string) {
	switch providerType {
	case "gemini":
		model := extractGeminiModelFromPath(upstreamPath)
		if model == "" {
			return "", "could not extract model from upstream path; expected /v1beta/models/{model}:{method}"
		}
		return model, ""
	case "anthropic":
		model := extractAnthropicModelFromBody(body)
		if model == "" {
			return "", `could not extract model from request body; expected {"model": "..."}`
		}
		return model, ""
	default:
		return "", fmt.Sprintf("unsupported provider type %q for model extraction", providerType)
	}
}

// extractGeminiModelFromPath extracts the model name from a Gemini API path
// such as /v1beta/models/gemini-2.5-flash:generateContent.
func extractGeminiModelFromPath(path string) string {
	const marker = "/models/"
	idx := strings.Index(path, marker)
	if idx < 0 {
		return ""
	}

	rest := path[idx+len(marker):]
	if rest == "" {
		return ""
	}

	if colonIdx := strings.IndexByte(rest, ':'); colonIdx > 0 {
		return rest[:colonIdx]
	}
	if slashIdx := strings.IndexByte(rest, '/'); slashIdx > 0 {
		return rest[:slashIdx]
	}

	return rest
}

// extractAnthropicModelFromBody extracts the "model" field from an Anthropic
// JSON request body.
func extractAnthropicModelFromBody(body []byte) string {
	var partial struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &partial); err != nil {
		return ""
	}
	return partial.Model
}

// setNativeAuthHeaders sets the upstream auth header for the given
// provider type, replacing whatever the client sent (spec.md §4.4).
func setNativeAuthHeaders(req *http.Request, providerType, apiKey string) {
	switch providerType {
	case "gemini":
		if apiKey != "" {
			req.Header.Set("x-goog-api-key", apiKey)
		}
	case "anthropic":
		if apiKey != "" {
			req.Header.Set("x-api-key", apiKey)
		}
		req.Header.Set("anthropic-version", "2023-06-01")
	}
}

// isSSEResponse reports whether the upstream response is an SSE stream.
func isSSEResponse(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return strings.Contains(ct, "text/event-stream")
}
