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

// Package mcpserver implements 'archflow mcp': the stdio MCP broker that
// publishes registered flows as tools, prompts, and resources to MCP
// hosts.
package mcpserver

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/archflow/archflow/internal/commands/local"
	"github.com/archflow/archflow/internal/commands/shared"
	"github.com/archflow/archflow/internal/config"
	broker "github.com/archflow/archflow/internal/mcpserver"
)

// NewCommand creates the mcp command.
func NewCommand() *cobra.Command {
	var (
		logLevel string
		expose   []string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the stdio MCP broker",
		Annotations: map[string]string{
			"group": "daemon",
		},
		Long: `Mcp runs the Model Context Protocol broker over stdio.

Every flow in the configured flows directory is published three ways: a
callable tool whose input schema derives from the flow's declared
parameters, a prompt documenting those parameters, and an
archflow://flows/<id> resource serving the YAML definition. Run status is
served under archflow://runs/{runId}.

The protocol owns stdout, so all logging goes to stderr.

Host configuration example (~/.config/claude/config.json):
  {
    "mcpServers": {
      "archflow": {
        "command": "archflow",
        "args": ["mcp"]
      }
    }
  }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker(cmd.Context(), logLevel, expose)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Logging verbosity (debug, info, warn, error)")
	cmd.Flags().StringSliceVar(&expose, "expose", nil, "Doublestar patterns selecting which flows to publish (default: all)")

	return cmd
}

func runBroker(ctx context.Context, logLevel string, expose []string) error {
	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return err
	}

	rt, err := local.New(cfg, local.Options{Watch: cfg.Flows.Watch})
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.Flows == nil {
		return fmt.Errorf("no flows directory configured; set flows.dir or ARCHFLOW_FLOWS_DIR")
	}

	versionStr, _, _ := shared.GetVersion()
	srv, err := broker.New(rt.Engine, rt.Flows, broker.Config{
		Version:  versionStr,
		LogLevel: logLevel,
		Expose:   expose,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	srv = srv.WithStore(rt.Store)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}()

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
