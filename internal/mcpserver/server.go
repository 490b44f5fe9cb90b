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

// Package mcpserver exposes registered flows over the Model Context
// Protocol: one tool, prompt, and definition resource per exposed flow,
// served to editor and agent hosts over stdio.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/archflow/archflow/internal/registry"
	"github.com/archflow/archflow/internal/statestore"
	"github.com/archflow/archflow/pkg/engine"
	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/flow"
)

// Engine is the run surface tool calls drive. *engine.Engine satisfies
// it.
type Engine interface {
	Run(ctx context.Context, f *flow.Flow, input map[string]any) (*engine.FlowResult, error)
	Status(runID string) (*engine.RunState, error)
}

// FlowCatalog is the registry view the broker reads: flow lookup for
// tool calls, a snapshot for registration and change detection.
// *registry.Registry satisfies it.
type FlowCatalog interface {
	Get(id string) (*flow.Flow, error)
	Snapshot() map[string]registry.Info
}

// Config configures the MCP server.
type Config struct {
	// Name is the advertised server name (default: "archflow").
	Name string

	// Version is the archflow version (default: "dev").
	Version string

	// LogLevel controls logging verbosity (debug, info, warn, error).
	LogLevel string

	// Expose selects which flows are registered, by doublestar pattern
	// against the flow id. Empty exposes every flow.
	Expose []string

	// Instructions is the usage note sent to hosts on initialize.
	Instructions string

	// RunsPerMinute caps flow executions through callTool. Zero selects
	// 10.
	RunsPerMinute int

	// CallsPerMinute caps total tool calls. Zero selects 100.
	CallsPerMinute int

	// WatchInterval paces the registration refresh and the subscription
	// hash sweep. Zero selects 2s.
	WatchInterval time.Duration
}

// createLogger creates a logger with the specified log level.
// Writes to stderr to avoid interfering with MCP stdio protocol.
func createLogger(levelStr string) (*slog.Logger, error) {
	var level slog.Level

	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler), nil
}

// Server wraps the MCP server and publishes flows as tools, prompts,
// and resources. Construct with New, wire the optional store with
// WithStore, then call Run.
type Server struct {
	mcpServer   *server.MCPServer
	name        string
	version     string
	engine      Engine
	flows       FlowCatalog
	store       statestore.Store
	rateLimiter *RateLimiter
	logger      *slog.Logger
	expose      []string
	interval    time.Duration

	// mu guards registered and subs. registered maps flow id to the
	// definition hash it was registered with; subs maps subscribed URI
	// to the last content hash seen.
	mu         sync.Mutex
	registered map[string]string
	subs       map[string]string

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New creates an MCP server publishing the catalog's flows through the
// engine.
func New(eng Engine, flows FlowCatalog, cfg Config) (*Server, error) {
	if cfg.Name == "" {
		cfg.Name = "archflow"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.RunsPerMinute <= 0 {
		cfg.RunsPerMinute = 10
	}
	if cfg.CallsPerMinute <= 0 {
		cfg.CallsPerMinute = 100
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 2 * time.Second
	}
	for _, pattern := range cfg.Expose {
		if _, err := doublestar.Match(pattern, "probe"); err != nil {
			return nil, &errors.ConfigError{
				Key:    "mcp.expose",
				Reason: fmt.Sprintf("invalid pattern %q", pattern),
				Cause:  err,
			}
		}
	}

	logger, err := createLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	opts := []server.ServerOption{
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true), // subscribe and listChanged
		server.WithPromptCapabilities(true),
	}
	if cfg.Instructions != "" {
		opts = append(opts, server.WithInstructions(cfg.Instructions))
	}

	s := &Server{
		mcpServer:   server.NewMCPServer(cfg.Name, cfg.Version, opts...),
		name:        cfg.Name,
		version:     cfg.Version,
		engine:      eng,
		flows:       flows,
		rateLimiter: NewRateLimiter(cfg.RunsPerMinute, cfg.CallsPerMinute),
		logger:      logger,
		expose:      cfg.Expose,
		interval:    cfg.WatchInterval,
		registered:  make(map[string]string),
		subs:        make(map[string]string),
		closed:      make(chan struct{}),
	}

	s.registerRunResource()
	s.refreshFlows()

	return s, nil
}

// WithStore wires run history, letting run resources outlive the
// engine's in-memory state.
func (s *Server) WithStore(store statestore.Store) *Server {
	s.store = store
	return s
}

// Run serves the MCP protocol over stdio until stdin closes. The
// refresh loop keeps registrations current while it runs.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting archflow MCP server", slog.String("version", s.version))

	s.wg.Add(1)
	go s.watchLoop()
	defer s.Shutdown(ctx)

	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// Shutdown stops the refresh loop. The stdio transport ends on its own
// when stdin closes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	s.wg.Wait()
	return nil
}

// watchLoop re-registers changed flows and sweeps resource
// subscriptions until shutdown.
func (s *Server) watchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.refreshFlows()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			for _, uri := range s.sweep(ctx) {
				s.mcpServer.SendNotificationToAllClients(
					"notifications/resources/updated",
					map[string]any{"uri": uri},
				)
			}
			cancel()
		}
	}
}

// refreshFlows reconciles registrations against the catalog: exposed
// flows whose definition hash changed are re-registered, flows that
// disappeared are retired. The library notifies connected hosts of
// list changes on its own.
func (s *Server) refreshFlows() {
	snap := s.flows.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(snap))
	for id, info := range snap {
		if !s.exposed(id) {
			continue
		}
		seen[id] = true
		if prev, ok := s.registered[id]; ok && prev == info.Hash {
			continue
		}
		s.registerFlow(info.Flow)
		s.registered[id] = info.Hash
	}

	for id := range s.registered {
		if seen[id] {
			continue
		}
		s.mcpServer.DeleteTools(id)
		s.mcpServer.DeletePrompts(id)
		s.mcpServer.RemoveResource(flowResourceURI(id))
		delete(s.registered, id)
		s.logger.Debug("retired flow", slog.String("flow", id))
	}
}

// registerFlow publishes one flow as a tool, a prompt, and a definition
// resource. Re-adding under the same name replaces the previous
// registration.
func (s *Server) registerFlow(f *flow.Flow) {
	s.mcpServer.AddTool(flowTool(f), s.runHandler(f.ID))
	s.mcpServer.AddPrompt(flowPrompt(f), s.promptHandler(f.ID))
	s.mcpServer.AddResource(flowResource(f), s.readFlowResource)
	s.logger.Debug("registered flow", slog.String("flow", f.ID))
}

// exposed reports whether a flow id matches the expose patterns. No
// patterns means every flow is exposed.
func (s *Server) exposed(id string) bool {
	if len(s.expose) == 0 {
		return true
	}
	for _, pattern := range s.expose {
		if ok, _ := doublestar.Match(pattern, id); ok {
			return true
		}
	}
	return false
}

// Helper function to create error response
func errorResponse(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

// Helper function to create success response
func textResponse(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}
