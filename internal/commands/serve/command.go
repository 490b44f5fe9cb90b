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

// Package serve implements 'archflow serve': the HTTP daemon with the
// run-control API, SSE event streams, and the metrics endpoint.
package serve

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/archflow/archflow/internal/commands/local"
	"github.com/archflow/archflow/internal/commands/shared"
	"github.com/archflow/archflow/internal/config"
	"github.com/archflow/archflow/internal/secrets"
	"github.com/archflow/archflow/internal/server"
	"github.com/archflow/archflow/internal/tracing"
)

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var (
		listen string
		noAuth bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the archflow daemon",
		Annotations: map[string]string{
			"group": "daemon",
		},
		Long: `Serve starts the HTTP daemon: run control under /api/flows, per-run SSE
event streams under /api/runs/{runId}/events, and Prometheus or JSON
metrics under /api/metrics.

Flow definitions load from the configured flows directory and hot-reload
on file changes. The state store configured under store.backend carries
run history and suspensions; the sqlite backend survives restarts.

Authentication is enabled by setting server.auth.enabled with an HS256
secret or an ed25519 public key. The secret field accepts env:, keychain:
and file: references.`,
		Example: `  # Start with defaults (127.0.0.1:8080, ./flows)
  archflow serve

  # Bind elsewhere
  archflow serve --listen 0.0.0.0:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), listen, noAuth)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Bind address (overrides server.listen)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Disable bearer authentication regardless of config")

	return cmd
}

func runServe(ctx context.Context, listen string, noAuth bool) error {
	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if noAuth {
		cfg.Server.Auth.Enabled = false
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := local.New(cfg, local.Options{Watch: cfg.Flows.Watch})
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.Logger
	slog.SetDefault(logger)

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

	authCfg, err := buildAuth(ctx, cfg)
	if err != nil {
		return err
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

	return srv.ListenAndServe(ctx)
}

// buildAuth resolves the auth secret through the secrets resolver so the
// config file can reference the keychain or an env variable instead of
// embedding key material.
func buildAuth(ctx context.Context, cfg *config.Config) (server.AuthConfig, error) {
	out := server.AuthConfig{
		Enabled:  cfg.Server.Auth.Enabled,
		Issuer:   cfg.Server.Auth.Issuer,
		Audience: cfg.Server.Auth.Audience,
	}
	if !out.Enabled {
		return out, nil
	}

	secret, err := secrets.DefaultResolver().Resolve(ctx, cfg.Server.Auth.Secret)
	if err != nil {
		return out, fmt.Errorf("failed to resolve server.auth.secret: %w", err)
	}
	hmacKey, edKey, err := server.ParseAuthKey(secret)
	if err != nil {
		return out, err
	}
	out.Secret = hmacKey
	out.PublicKey = edKey
	return out, nil
}
