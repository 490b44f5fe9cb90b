// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command archflowd is the standalone daemon: the same HTTP server as
// 'archflow serve' without the interactive CLI around it, for containers
// and service managers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/archflow/archflow/internal/commands/local"
	"github.com/archflow/archflow/internal/config"
	"github.com/archflow/archflow/internal/log"
	"github.com/archflow/archflow/internal/secrets"
	"github.com/archflow/archflow/internal/server"
	"github.com/archflow/archflow/internal/tracing"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to config file")
		listen       = flag.String("listen", "", "Bind address (overrides server.listen)")
		flowsDir     = flag.String("flows-dir", "", "Directory of flow definitions")
		storeBackend = flag.String("store", "", "State store backend (memory, sqlite)")
		noAuth       = flag.Bool("no-auth", false, "Disable bearer authentication")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("archflowd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *flowsDir != "" {
		cfg.Flows.Dir = *flowsDir
	}
	if *storeBackend != "" {
		cfg.Store.Backend = *storeBackend
	}
	if *noAuth {
		cfg.Server.Auth.Enabled = false
	}

	logger := log.New(cfg.Logging())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rt, err := local.New(cfg, local.Options{
		Logger: logger,
		Watch:  cfg.Flows.Watch,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	provider, err := tracing.New(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		Headers:     cfg.Tracing.Headers,
		ServiceName: cfg.Agent.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	rt.Engine.WithTracer(provider.Tracer("archflow/engine"))
	rt.Invoker.WithTracer(provider.Tracer("archflow/tools"))

	authCfg := server.AuthConfig{
		Enabled:  cfg.Server.Auth.Enabled,
		Issuer:   cfg.Server.Auth.Issuer,
		Audience: cfg.Server.Auth.Audience,
	}
	if authCfg.Enabled {
		secret, err := secrets.DefaultResolver().Resolve(ctx, cfg.Server.Auth.Secret)
		if err != nil {
			return fmt.Errorf("failed to resolve server.auth.secret: %w", err)
		}
		authCfg.Secret, authCfg.PublicKey, err = server.ParseAuthKey(secret)
		if err != nil {
			return err
		}
	}

	srv := server.New(rt.Engine, rt.Flows, rt.Events, server.Config{
		Listen:          cfg.Server.Listen,
		Auth:            authCfg,
		MaxConcurrent:   cfg.Flow.MaxConcurrent,
		JanitorInterval: time.Minute,
	}).
		WithStore(rt.Store).
		WithMetricsHandler(provider.MetricsHandler()).
		WithLogger(logger)
	if rt.Collector != nil {
		srv = srv.WithCollector(rt.Collector)
	}

	logger.Info("archflowd starting",
		slog.String("version", version),
		slog.String("listen", cfg.Server.Listen))

	return srv.ListenAndServe(ctx)
}
