package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rakunlabs/ada"

	"github.com/rakunlabs/at/internal/channelmgr"
	"github.com/rakunlabs/at/internal/cluster"
	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/plugin"
	"github.com/rakunlabs/at/internal/plugin/thinking"
	"github.com/rakunlabs/at/internal/pricing"
	"github.com/rakunlabs/at/internal/routing"
	"github.com/rakunlabs/at/internal/service"
	"github.com/rakunlabs/at/internal/stats"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"
)

// Server is the gateway's HTTP front end: it owns the routing table (C5),
// the upstream provider/key registry (C1/C2), the channel-manager blacklist
// (C10), and the statistics sink (C8).
type Server struct {
	cfg config.Config

	server *ada.Server

	router    *routing.Router
	providers map[string]*routing.ProviderRuntime

	channels *channelmgr.Manager
	sink     stats.Sink
	prices   *pricing.Table

	// plugins resolves ProviderConfig.Preferences.EnabledPlugins names to
	// the C11 hook chain run around each attempt.
	plugins *plugin.Registry

	// cluster gossips C10 blacklist entries to other replicas; nil when
	// clustering is not configured (single-instance mode).
	cluster *cluster.Cluster

	// thoughtSigCache caches Gemini thought_signature tokens keyed by tool
	// call ID. Many OpenAI-compatible clients strip unknown fields from
	// tool calls when echoing them back; Gemini 2.5+ thinking models
	// require thought_signature on every functionCall part, so the
	// gateway caches signatures from outbound responses and restores them
	// on inbound requests when the client omits them.
	thoughtSigCache sync.Map
}

// thoughtSigTTL is how long cached thought_signature entries are kept.
const thoughtSigTTL = 30 * time.Minute

type thoughtSigEntry struct {
	signature string
	expiresAt time.Time
}

func (s *Server) cacheThoughtSignatures(toolCalls []service.ToolCall) {
	now := time.Now()
	for _, tc := range toolCalls {
		if tc.ThoughtSignature != "" && tc.ID != "" {
			s.thoughtSigCache.Store(tc.ID, thoughtSigEntry{
				signature: tc.ThoughtSignature,
				expiresAt: now.Add(thoughtSigTTL),
			})
		}
	}
}

func (s *Server) lookupThoughtSignature(toolCallID string) string {
	v, ok := s.thoughtSigCache.Load(toolCallID)
	if !ok {
		return ""
	}
	entry := v.(thoughtSigEntry)
	if time.Now().After(entry.expiresAt) {
		s.thoughtSigCache.Delete(toolCallID)
		return ""
	}
	return entry.signature
}

func (s *Server) sweepThoughtSigCache() {
	now := time.Now()
	s.thoughtSigCache.Range(func(key, value any) bool {
		if entry := value.(thoughtSigEntry); now.After(entry.expiresAt) {
			s.thoughtSigCache.Delete(key)
		}
		return true
	})
}

// New wires the gateway's HTTP surface: the OpenAI-dialect chat/models
// endpoints, the native passthrough route (C4), and the ada middleware
// stack the rest of the rakunlabs stack uses for recovery/CORS/logging/
// telemetry.
func New(ctx context.Context, cfg config.Config, providers map[string]*routing.ProviderRuntime, router *routing.Router, channels *channelmgr.Manager, sink stats.Sink, cl *cluster.Cluster) (*Server, error) {
	priceTable, err := pricing.New(cfg.Preferences.ModelPrices)
	if err != nil {
		return nil, err
	}

	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		cfg:       cfg,
		server:    mux,
		router:    router,
		providers: providers,
		channels:  channels,
		sink:      sink,
		prices:    priceTable,
		plugins:   plugin.NewRegistry(thinking.New()),
		cluster:   cl,
	}

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		sweepTicker := time.NewTicker(time.Minute)
		defer sweepTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepThoughtSigCache()
			case <-sweepTicker.C:
				channels.Sweep()
			}
		}
	}()

	if cl != nil {
		go func() {
			if err := cl.Start(ctx, func(provider, model string, cooldown time.Duration) {
				channels.Exclude(provider, model, cooldown)
			}); err != nil {
				slog.Error("cluster start failed", "error", err)
			}
		}()
	}

	if cfg.Server.BasePath != "" {
		slog.Info("configuring server with base path", "base_path", cfg.Server.BasePath)
	}

	baseGroup := mux.Group(cfg.Server.BasePath)

	if cfg.Server.ForwardAuth != nil {
		slog.Info("forward auth enabled", "url", cfg.Server.ForwardAuth.Address)
		baseGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.Server.ForwardAuth)))
	}

	// OpenAI-compatible dialect (C3).
	baseGroup.POST("/v1/chat/completions", s.ChatCompletions)
	baseGroup.GET("/v1/models", s.ListModels)

	// Claude-native dialect (C3): own wire format in and out, sharing C5/C6
	// provider selection and the attempt loop with ChatCompletions.
	baseGroup.POST("/v1/messages", s.Messages)

	// Native passthrough (C4): forward byte-for-byte to a named provider.
	baseGroup.POST("/v1/native/{provider_key}/*", s.NativeProxy)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.cfg.Server.Host, s.cfg.Server.Port))
}

