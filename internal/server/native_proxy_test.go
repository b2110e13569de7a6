package server

import (
	"net/http"
	"testing"
)

func TestExtractGeminiModelFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/v1beta/models/gemini-2.5-flash:generateContent", "gemini-2.5-flash"},
		{"/v1beta/models/gemini-2.5-flash:streamGenerateContent", "gemini-2.5-flash"},
		{"/v1beta/models/gemini-2.5-flash", "gemini-2.5-flash"},
		{"/v1beta/models/", ""},
		{"/v1beta/no-marker-here", ""},
	}
	for _, c := range cases {
		if got := extractGeminiModelFromPath(c.path); got != c.want {
			t.Errorf("extractGeminiModelFromPath(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}

func TestExtractAnthropicModelFromBody(t *testing.T) {
	if got := extractAnthropicModelFromBody([]byte(`{"model":"claude-3-opus","messages":[]}`)); got != "claude-3-opus" {
		t.Errorf("extractAnthropicModelFromBody() = %q, want %q", got, "claude-3-opus")
	}
	if got := extractAnthropicModelFromBody([]byte(`not json`)); got != "" {
		t.Errorf("extractAnthropicModelFromBody(invalid) = %q, want empty", got)
	}
	if got := extractAnthropicModelFromBody([]byte(`{}`)); got != "" {
		t.Errorf("extractAnthropicModelFromBody({}) = %q, want empty", got)
	}
}

func TestExtractNativeModel_UnsupportedType(t *testing.T) {
	_, errMsg := extractNativeModel("openai", "/v1/chat/completions", nil)
	if errMsg == "" {
		t.Errorf("extractNativeModel() want error for unsupported type")
	}
}

func TestIsDroppedPassthroughHeader(t *testing.T) {
	for _, h := range []string{"Authorization", "X-Api-Key", "api-key", "X-Goog-Api-Key", "Host", "Content-Length", "Accept-Encoding"} {
		if !isDroppedPassthroughHeader(h) {
			t.Errorf("isDroppedPassthroughHeader(%q) = false, want true", h)
		}
	}
	for _, h := range []string{"Content-Type", "X-Custom-Header"} {
		if isDroppedPassthroughHeader(h) {
			t.Errorf("isDroppedPassthroughHeader(%q) = true, want false", h)
		}
	}
}

func TestSetNativeAuthHeaders(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "http://example.com", nil)
	setNativeAuthHeaders(req, "gemini", "secret")
	if got := req.Header.Get("x-goog-api-key"); got != "secret" {
		t.Errorf("gemini auth header = %q, want %q", got, "secret")
	}

	req2, _ := http.NewRequest(http.MethodPost, "http://example.com", nil)
	setNativeAuthHeaders(req2, "anthropic", "secret2")
	if got := req2.Header.Get("x-api-key"); got != "secret2" {
		t.Errorf("anthropic auth header = %q, want %q", got, "secret2")
	}
	if got := req2.Header.Get("anthropic-version"); got != "2023-06-01" {
		t.Errorf("anthropic-version = %q, want %q", got, "2023-06-01")
	}
}

func TestIsSSEResponse(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Content-Type": []string{"text/event-stream"}}}
	if !isSSEResponse(resp) {
		t.Errorf("isSSEResponse() = false, want true for text/event-stream")
	}
	resp2 := &http.Response{Header: http.Header{"Content-Type": []string{"application/json"}}}
	if isSSEResponse(resp2) {
		t.Errorf("isSSEResponse() = true, want false for application/json")
	}
}
