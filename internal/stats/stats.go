// Package stats defines the statistics sink (C8): append-only RequestStat /
// ChannelStat rows, write-path retry/serialization policy, and the
// aggregation contract used for cost rollups. The write-path backends live
// in internal/store/{postgres,sqlite3}; this package defines the row shapes
// and the Sink interface C6/C7 write through, plus the depth-aware
// truncator C7 uses before persisting raw bodies.
package stats

import (
	"context"
	"time"
)

// RequestStat is one row per inbound client request (spec.md §3).
type RequestStat struct {
	ID                 string
	RequestID          string
	Endpoint           string
	ClientIP           string
	ProcessTime        float64
	FirstResponseTime  *float64
	ContentStartTime   *float64
	Provider           string
	Model              string
	APIKey             string
	Success            bool
	StatusCode         int
	IsFlagged          bool
	PromptTokens       int
	CompletionTokens   int
	TotalTokens        int
	PromptPrice        float64
	CompletionPrice    float64
	Timestamp          time.Time
	ProviderID         string
	ProviderKeyIndex   int
	APIKeyName         string
	APIKeyGroup        string
	RetryCount         int
	RetryPathJSON      string

	RequestHeaders       string
	RequestBody          string
	UpstreamRequestBody  string
	UpstreamResponseBody string
	ResponseBody         string
	RawDataExpiresAt     *time.Time
}

// ChannelStat is one row per dispatch attempt (spec.md §3).
type ChannelStat struct {
	ID             string
	RequestID      string
	Provider       string
	Model          string
	APIKey         string // inbound key
	ProviderAPIKey string // outbound/upstream key
	Success        bool
	Timestamp      time.Time
}

// RetryPathEntry is one entry of RequestStat.RetryPathJSON.
type RetryPathEntry struct {
	Provider   string `json:"provider"`
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
}

// Sink is the write-path contract C6 (attempts) and C7 (finalization) use.
// Implementations serialize writes behind a semaphore and retry transient
// lock errors per spec.md §4.8.
type Sink interface {
	WriteRequestStat(ctx context.Context, row *RequestStat) error
	WriteChannelStat(ctx context.Context, row *ChannelStat) error
	Close()
}

// NoopSink discards all writes. Used when DISABLE_DATABASE is set.
type NoopSink struct{}

func (NoopSink) WriteRequestStat(context.Context, *RequestStat) error { return nil }
func (NoopSink) WriteChannelStat(context.Context, *ChannelStat) error { return nil }
func (NoopSink) Close()                                               {}
