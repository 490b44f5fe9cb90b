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

package mcpserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/archflow/archflow/internal/registry"
	"github.com/archflow/archflow/internal/statestore/memory"
	"github.com/archflow/archflow/pkg/engine"
	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/events"
	"github.com/archflow/archflow/pkg/execution"
	"github.com/archflow/archflow/pkg/flow"
	"github.com/archflow/archflow/pkg/tools"
)

func TestCreateLogger_ValidLevels(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"info level", "info", slog.LevelInfo},
		{"warn level", "warn", slog.LevelWarn},
		{"error level", "error", slog.LevelError},
		{"empty defaults to info", "", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := createLogger(tt.level)
			if err != nil {
				t.Fatalf("createLogger(%q) returned error: %v", tt.level, err)
			}
			if logger == nil {
				t.Fatal("createLogger returned nil logger")
			}
			if !logger.Enabled(nil, tt.expected) {
				t.Errorf("logger not enabled for level %v", tt.expected)
			}
		})
	}
}

func TestCreateLogger_InvalidLevel(t *testing.T) {
	logger, err := createLogger("verbose")
	if err == nil {
		t.Error("createLogger(\"verbose\") should return error, got nil")
	}
	if logger != nil {
		t.Errorf("createLogger(\"verbose\") should return nil logger on error, got %v", logger)
	}
}

// catalog is a FlowCatalog backed by a plain map, hashing definitions
// the way the registry hashes files.
type catalog struct {
	mu    sync.Mutex
	infos map[string]registry.Info
}

func newCatalog() *catalog {
	return &catalog{infos: make(map[string]registry.Info)}
}

func (c *catalog) Get(id string) (*flow.Flow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.infos[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "flow", ID: id}
	}
	return info.Flow, nil
}

func (c *catalog) Snapshot() map[string]registry.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(map[string]registry.Info, len(c.infos))
	for id, info := range c.infos {
		snap[id] = info
	}
	return snap
}

func (c *catalog) add(t *testing.T, definition string) *flow.Flow {
	t.Helper()
	f, err := flow.Parse([]byte(definition))
	if err != nil {
		t.Fatalf("parse flow: %v", err)
	}
	c.put(f, definition, "")
	return f
}

func (c *catalog) put(f *flow.Flow, raw, path string) {
	sum := sha256.Sum256([]byte(raw))
	c.mu.Lock()
	c.infos[f.ID] = registry.Info{
		Flow:     f,
		Path:     path,
		Hash:     hex.EncodeToString(sum[:]),
		LoadedAt: time.Now(),
	}
	c.mu.Unlock()
}

func (c *catalog) remove(id string) {
	c.mu.Lock()
	delete(c.infos, id)
	c.mu.Unlock()
}

// rig wires an MCP server over a real engine, the same assembly the
// serve command performs minus the stdio transport.
type rig struct {
	server  *Server
	engine  *engine.Engine
	tools   *tools.Registry
	catalog *catalog
	store   *memory.Store
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	tracker := execution.NewTracker()
	eventReg := events.NewRegistry(events.DefaultConfig())
	t.Cleanup(eventReg.Close)

	toolReg := tools.NewRegistry()
	inv := tools.NewInvoker(tracker, toolReg, tools.NewChain(), eventReg, nil)
	st := memory.New()
	t.Cleanup(func() { st.Close() })
	cat := newCatalog()

	eng := engine.New(tracker, inv, eventReg, engine.Config{}).
		WithStore(st).
		WithFlows(cat)

	srv, err := New(eng, cat, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	srv.WithStore(st)

	return &rig{server: srv, engine: eng, tools: toolReg, catalog: cat, store: st}
}

func (r *rig) register(t *testing.T, tool tools.Tool) {
	t.Helper()
	if err := r.tools.Register(tool); err != nil {
		t.Fatalf("register tool: %v", err)
	}
}

// emitTool returns a fixed value.
func emitTool(name string, value any) tools.Tool {
	return tools.NewFunc(name, "emits a fixed value", nil, func(context.Context, *tools.ToolContext) (any, error) {
		return value, nil
	})
}

// blockTool signals on started, then waits for release or cancellation.
func blockTool(name string, started chan<- string, release <-chan struct{}) tools.Tool {
	return tools.NewFunc(name, "blocks until released", nil, func(ctx context.Context, _ *tools.ToolContext) (any, error) {
		started <- name
		select {
		case <-release:
			return name, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func TestNew_Defaults(t *testing.T) {
	rig := newRig(t, Config{})

	if rig.server.name != "archflow" {
		t.Errorf("server.name = %q, want %q", rig.server.name, "archflow")
	}
	if rig.server.version != "dev" {
		t.Errorf("server.version = %q, want %q", rig.server.version, "dev")
	}
	if rig.server.logger == nil {
		t.Error("server.logger is nil")
	}
	if rig.server.rateLimiter == nil {
		t.Error("server.rateLimiter is nil")
	}
}

func TestNew_InvalidLogLevel(t *testing.T) {
	cat := newCatalog()
	srv, err := New(nil, cat, Config{LogLevel: "loud"})
	if err == nil {
		t.Error("New() with invalid log level should return error")
	}
	if srv != nil {
		t.Errorf("New() with invalid log level should return nil server, got %v", srv)
	}
}

func TestNew_InvalidExposePattern(t *testing.T) {
	cat := newCatalog()
	_, err := New(nil, cat, Config{Expose: []string{"[oops"}})
	if err == nil {
		t.Fatal("New() with malformed expose pattern should return error")
	}
	var cfgErr *errors.ConfigError
	if !stderrors.As(err, &cfgErr) {
		t.Errorf("error = %T, want *errors.ConfigError", err)
	}
}

func TestExposedPatterns(t *testing.T) {
	tests := []struct {
		name    string
		expose  []string
		id      string
		matches bool
	}{
		{"no patterns exposes all", nil, "anything", true},
		{"exact id", []string{"hello"}, "hello", true},
		{"exact miss", []string{"hello"}, "deploy", false},
		{"star suffix", []string{"deploy-*"}, "deploy-api", true},
		{"star suffix miss", []string{"deploy-*"}, "hello", false},
		{"double star", []string{"**"}, "ops/deploy", true},
		{"second pattern wins", []string{"nope", "h*"}, "hello", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{expose: tt.expose}
			if got := s.exposed(tt.id); got != tt.matches {
				t.Errorf("exposed(%q) with %v = %v, want %v", tt.id, tt.expose, got, tt.matches)
			}
		})
	}
}

func TestRefreshFlowsRegistersAndRetires(t *testing.T) {
	rig := newRig(t, Config{})
	rig.catalog.add(t, `
id: hello
steps:
  - id: only
    tool: emit.done
`)
	rig.catalog.add(t, `
id: deploy
steps:
  - id: only
    tool: emit.done
`)

	rig.server.refreshFlows()
	if len(rig.server.registered) != 2 {
		t.Fatalf("registered %d flows, want 2: %v", len(rig.server.registered), rig.server.registered)
	}
	helloHash := rig.server.registered["hello"]
	if helloHash == "" {
		t.Fatal("hello not registered")
	}

	// Unchanged definitions keep their registration.
	rig.server.refreshFlows()
	if rig.server.registered["hello"] != helloHash {
		t.Error("unchanged flow was re-registered with a new hash")
	}

	// A new definition under the same id replaces the registration.
	rig.catalog.add(t, `
id: hello
description: updated
steps:
  - id: only
    tool: emit.done
`)
	rig.catalog.remove("deploy")
	rig.server.refreshFlows()

	if rig.server.registered["hello"] == helloHash {
		t.Error("changed flow kept its old hash")
	}
	if _, ok := rig.server.registered["deploy"]; ok {
		t.Error("removed flow still registered")
	}
}

func TestRefreshFlowsHonorsExpose(t *testing.T) {
	rig := newRig(t, Config{Expose: []string{"deploy-*"}})
	rig.catalog.add(t, `
id: deploy-api
steps:
  - id: only
    tool: emit.done
`)
	rig.catalog.add(t, `
id: internal-cleanup
steps:
  - id: only
    tool: emit.done
`)

	rig.server.refreshFlows()
	if _, ok := rig.server.registered["deploy-api"]; !ok {
		t.Error("deploy-api should be exposed")
	}
	if _, ok := rig.server.registered["internal-cleanup"]; ok {
		t.Error("internal-cleanup should not be exposed")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	rig := newRig(t, Config{})

	if err := rig.server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
	if err := rig.server.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() failed: %v", err)
	}
}
