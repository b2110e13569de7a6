package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// cooldownExemptSubstrings are error substrings that represent transient or
// client-side issues; a match means the handler does not cool down the
// upstream key for this failure (spec.md §4.6).
var cooldownExemptSubstrings = []string{
	"BrokenResourceError",
	"Proxy connection timed out",
	"EndOfStream",
	"'status': 'INVALID_ARGUMENT'",
	"Unable to connect to service",
	"Connection closed unexpectedly",
	"Invalid JSON payload received. Unknown name",
	"User location is not supported",
	"The model is overloaded",
	"tls: handshake failure",
	"Worker exceeded resource limits",
}

// isCooldownExempt reports whether msg matches one of the cooldown-exempt
// substrings (spec.md §4.6): the attempt is treated as if it didn't happen.
func isCooldownExempt(msg string) bool {
	for _, s := range cooldownExemptSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// classifyError maps a dispatch error to an HTTP status code and message,
// per spec.md §4.6's classification table.
func classifyError(err error) (int, string) {
	msg := err.Error()

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, msg
	case errors.Is(err, context.Canceled):
		return 499, msg // client closed request; handler suppresses retry on this
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return http.StatusGatewayTimeout, msg
		}
		return http.StatusServiceUnavailable, msg
	}

	switch {
	case containsAny(msg,
		"string_above_max_length", "must be less than max_seq_len", "reduce the length",
		"text fields that are too large", "exceeds the maximum number of tokens"):
		return http.StatusRequestEntityTooLarge, msg
	case containsAny(msg, "API_KEY_INVALID", "API key not valid", "API key expired"):
		return http.StatusUnauthorized, msg
	case strings.Contains(msg, "User location is not supported"):
		return http.StatusForbidden, msg
	case strings.Contains(msg, "content_filter"):
		return http.StatusForbidden, msg
	case strings.Contains(msg, "400 Bad Request") && strings.Contains(msg, "nginx"):
		return http.StatusBadGateway, msg
	case strings.Contains(msg, "413 Request Entity Too Large"):
		return http.StatusTooManyRequests, msg
	default:
		return http.StatusInternalServerError, msg
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
