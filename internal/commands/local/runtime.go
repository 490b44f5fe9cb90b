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

// Package local assembles the in-process engine stack the CLI uses for
// 'archflow run' and 'archflow resume'. The daemon builds its own stack;
// this one trades the HTTP surface for terminal streaming and prompts.
package local

import (
	"log/slog"
	"time"

	"github.com/archflow/archflow/internal/config"
	"github.com/archflow/archflow/internal/log"
	"github.com/archflow/archflow/internal/registry"
	"github.com/archflow/archflow/internal/statestore"
	"github.com/archflow/archflow/internal/statestore/memory"
	"github.com/archflow/archflow/internal/statestore/sqlite"
	"github.com/archflow/archflow/pkg/agent"
	"github.com/archflow/archflow/pkg/engine"
	"github.com/archflow/archflow/pkg/events"
	"github.com/archflow/archflow/pkg/execution"
	"github.com/archflow/archflow/pkg/metrics"
	"github.com/archflow/archflow/pkg/tools"
	"github.com/archflow/archflow/pkg/tools/approval"
	"github.com/archflow/archflow/pkg/tools/builtin"
	"github.com/archflow/archflow/pkg/tools/plugin"
)

// gatedTools are the built-ins the approval gate covers when enabled:
// the ones that execute commands or leave the machine.
var gatedTools = []string{"shell", "http"}

// Options select the optional pieces of the stack.
type Options struct {
	// Logger overrides the config-derived logger.
	Logger *slog.Logger

	// FlowsDir overrides the configured flows directory, used when the
	// run target is a file so chain steps resolve against its siblings.
	FlowsDir string

	// Approve gates shell and http tools behind an approver: the
	// terminal prompt when Interactive, a deny-all otherwise.
	Approve bool

	// Interactive marks stdin as a usable terminal.
	Interactive bool

	// NoCache drops the tool result cache for this process.
	NoCache bool

	// Watch reloads flow definitions when files under the flows
	// directory change. The daemon sets it; one-shot commands read a
	// fixed snapshot.
	Watch bool

	// MemoryStore keeps run state in memory instead of the sqlite
	// database. Suspensions then die with the process.
	MemoryStore bool

	// Adapter overrides the stub model adapter.
	Adapter agent.ModelAdapter
}

// Runtime is the assembled stack.
type Runtime struct {
	Config    *config.Config
	Logger    *slog.Logger
	Tracker   *execution.Tracker
	Events    *events.Registry
	Metrics   *metrics.Registry
	Collector *metrics.Collector
	Tools     *tools.Registry
	Invoker   *tools.Invoker
	Engine    *engine.Engine
	Store     statestore.Store
	Flows     *registry.Registry
}

// New assembles a runtime from the configuration. Close releases it.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(cfg.Logging())
	}

	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Tracker: execution.NewTracker(),
		Events:  events.NewRegistry(cfg.EventsConfig()),
	}

	rt.Metrics = metrics.NewRegistry()
	if cfg.Metrics.Enabled {
		exporter, err := metrics.NewExporter(cfg.MetricsExport(), rt.Metrics)
		if err != nil {
			rt.Events.Close()
			return nil, err
		}
		rt.Collector = metrics.NewCollector(rt.Metrics, exporter, cfg.CollectorConfig())
	}

	if err := rt.buildTools(opts); err != nil {
		rt.close()
		return nil, err
	}

	if err := rt.buildStore(opts); err != nil {
		rt.close()
		return nil, err
	}

	if err := rt.buildFlows(opts); err != nil {
		rt.close()
		return nil, err
	}

	adapter := opts.Adapter
	if adapter == nil {
		adapter = NewStubAdapter()
	}

	eng := engine.New(rt.Tracker, rt.Invoker, rt.Events, cfg.EngineConfig()).
		WithLogger(logger).
		WithStore(rt.Store).
		WithAdapter(adapter)
	if rt.Collector != nil {
		eng = eng.WithCollector(rt.Collector)
	}
	if rt.Flows != nil {
		eng = eng.WithFlows(rt.Flows)
	}
	rt.Engine = eng

	return rt, nil
}

// buildTools registers the built-ins and plugin definitions and wires
// the interceptor chain.
func (rt *Runtime) buildTools(opts Options) error {
	reg := tools.NewRegistry()
	if err := builtin.Register(reg); err != nil {
		return err
	}
	if dir := rt.Config.Agent.PluginsPath; dir != "" {
		n, err := plugin.RegisterDir(reg, dir, rt.Logger)
		if err != nil {
			return err
		}
		if n > 0 {
			rt.Logger.Debug("registered plugin tools",
				slog.Int("count", n),
				slog.String("dir", dir))
		}
	}

	chain := tools.NewChain(
		tools.NewValidationInterceptor(),
		tools.NewLoggingInterceptor(rt.Logger),
	)
	if !opts.NoCache {
		chain.Use(tools.NewCacheInterceptor(0, 0))
	}
	if rt.Collector != nil {
		chain.Use(tools.NewMetricsInterceptor(rt.Metrics))
	}
	if opts.Approve {
		var approver approval.Approver
		if opts.Interactive {
			approver = approval.NewCLIApprover()
		} else {
			approver = approval.NewStaticApprover()
		}
		chain.Use(approval.NewInterceptor(approver, reg, gatedTools...))
	}

	rt.Tools = reg
	rt.Invoker = tools.NewInvoker(rt.Tracker, reg, chain, rt.Events, rt.Logger)
	return nil
}

// buildStore opens the configured store, falling back to memory when
// the sqlite database cannot be opened so a broken data dir does not
// block runs.
func (rt *Runtime) buildStore(opts Options) error {
	if opts.MemoryStore || rt.Config.Store.Backend != "sqlite" {
		rt.Store = memory.New()
		return nil
	}

	store, err := sqlite.New(rt.Config.StorePath())
	if err != nil {
		rt.Logger.Warn("sqlite store unavailable, using in-memory state",
			slog.String("path", rt.Config.StorePath()),
			slog.Any("error", err))
		rt.Store = memory.New()
		return nil
	}
	rt.Store = store
	return nil
}

// buildFlows loads the flow registry, watching for changes only when
// Options.Watch is set.
func (rt *Runtime) buildFlows(opts Options) error {
	dir := opts.FlowsDir
	if dir == "" {
		dir = rt.Config.Flows.Dir
	}
	if dir == "" {
		return nil
	}

	flows, err := registry.New(registry.Config{
		Dir:           dir,
		Include:       rt.Config.Flows.Include,
		Exclude:       rt.Config.Flows.Exclude,
		Watch:         opts.Watch,
		RetryDefaults: rt.Config.RetryPolicy(),
		Logger:        rt.Logger,
	})
	if err != nil {
		return err
	}
	rt.Flows = flows
	return nil
}

// Close flushes the collector and releases every component. Safe to call
// after a partial failure in New.
func (rt *Runtime) Close() error {
	rt.close()
	return nil
}

func (rt *Runtime) close() {
	if rt.Collector != nil {
		rt.Collector.Close()
	}
	if rt.Flows != nil {
		rt.Flows.Close()
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			rt.Logger.Warn("failed to close state store", slog.Any("error", err))
		}
	}
	if rt.Events != nil {
		rt.Events.Close()
	}
}

// WaitTimeout returns the flow timeout for a run: the override when
// positive, else the configured default.
func (rt *Runtime) WaitTimeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return time.Duration(rt.Config.Flow.DefaultTimeoutMs) * time.Millisecond
}
