// CardGuard scores card-present transactions for fraud.
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/cardguard/internal/config"
	"github.com/mbd888/cardguard/internal/logging"
	"github.com/mbd888/cardguard/internal/server"
	"github.com/mbd888/cardguard/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting cardguard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"state_backend", cfg.StateBackend,
	)

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	runErr := srv.Run(ctx)

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn("trace flush failed", "error", err)
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
}
