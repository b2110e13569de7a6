package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/at/internal/channelmgr"
	"github.com/rakunlabs/at/internal/cluster"
	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/ratelimit"
	"github.com/rakunlabs/at/internal/routing"
	"github.com/rakunlabs/at/internal/server"
	"github.com/rakunlabs/at/internal/store"
)

var (
	name    = "at"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	registry, err := server.BuildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("failed to build provider registry: %w", err)
	}

	channels := channelmgr.New()
	router := routing.New(registry, ratelimit.Algorithm(cfg.Preferences.SchedulingAlgorithm), channels)

	sink, err := store.New(ctx, cfg.Store, cfg.Store.Disabled)
	if err != nil {
		return fmt.Errorf("failed to build statistics sink: %w", err)
	}
	defer sink.Close()

	cl, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("failed to start cluster: %w", err)
	}

	srv, err := server.New(ctx, *cfg, registry, router, channels, sink, cl)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	slog.Info("starting gateway", "host", cfg.Server.Host, "port", cfg.Server.Port, "providers", len(registry))

	return srv.Start(ctx)
}
