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

// Package flows implements 'archflow flows': listing and inspecting the
// definitions registered under the configured flows directory.
package flows

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/archflow/archflow/internal/commands/shared"
	"github.com/archflow/archflow/internal/config"
	"github.com/archflow/archflow/internal/registry"
	"github.com/archflow/archflow/pkg/flow"
)

// NewCommand creates the flows command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "List and inspect registered flows",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Flows reads the configured flows directory (flows.dir) and reports what
the daemon and 'archflow run <id>' would load from it.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered flows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList()
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <flow-id>",
		Short: "Show a flow's definition summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(args[0])
		},
	}
}

// flowInfo is one row of the JSON listing.
type flowInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
	Params      int    `json:"params"`
	Path        string `json:"path"`
	Hash        string `json:"hash"`
}

type listResponse struct {
	shared.JSONResponse
	Flows []flowInfo `json:"flows"`
}

func openRegistry() (*registry.Registry, error) {
	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return nil, err
	}
	return registry.New(registry.Config{
		Dir:           cfg.Flows.Dir,
		Include:       cfg.Flows.Include,
		Exclude:       cfg.Flows.Exclude,
		RetryDefaults: cfg.RetryPolicy(),
	})
}

func runList() error {
	flows, err := openRegistry()
	if err != nil {
		return err
	}
	defer flows.Close()

	infos := collectInfos(flows)

	if shared.GetJSON() {
		return shared.EmitJSON(listResponse{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "flows list", Success: true},
			Flows:        infos,
		})
	}

	if len(infos) == 0 {
		fmt.Println("No flows registered.")
		return nil
	}
	for _, info := range infos {
		line := fmt.Sprintf("%-24s %2d steps", info.ID, info.Steps)
		if info.Description != "" {
			line += "  " + info.Description
		}
		fmt.Println(line)
	}
	return nil
}

// collectInfos joins the registry snapshot (paths, hashes) with the
// parsed definitions, sorted by id for stable output.
func collectInfos(flows *registry.Registry) []flowInfo {
	snapshot := flows.Snapshot()
	infos := make([]flowInfo, 0, len(snapshot))
	for id, entry := range snapshot {
		f, err := flows.Get(id)
		if err != nil {
			continue
		}
		infos = append(infos, flowInfo{
			ID:          id,
			Name:        f.Name,
			Description: f.Description,
			Steps:       len(f.Steps),
			Params:      len(f.Params),
			Path:        entry.Path,
			Hash:        entry.Hash,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

type showResponse struct {
	shared.JSONResponse
	Flow *flow.Flow `json:"flow"`
	Path string     `json:"path"`
}

func runShow(id string) error {
	flows, err := openRegistry()
	if err != nil {
		return err
	}
	defer flows.Close()

	f, err := flows.Get(id)
	if err != nil {
		return shared.NewExecutionError(fmt.Sprintf("flow %q not found", id), err)
	}

	if shared.GetJSON() {
		info := flows.Snapshot()[id]
		return shared.EmitJSON(showResponse{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "flows show", Success: true},
			Flow:         f,
			Path:         info.Path,
		})
	}

	printFlow(f)
	return nil
}

func printFlow(f *flow.Flow) {
	fmt.Println(shared.RenderLabel(f.ID))
	if f.Name != "" && f.Name != f.ID {
		fmt.Printf("  name: %s\n", f.Name)
	}
	if f.Description != "" {
		fmt.Printf("  %s\n", f.Description)
	}
	if len(f.Params) > 0 {
		fmt.Println("  params:")
		for _, p := range f.Params {
			marker := ""
			if p.Required() {
				marker = " (required)"
			}
			fmt.Printf("    %s: %s%s\n", p.Name, paramType(p), marker)
		}
	}
	fmt.Println("  steps:")
	for _, s := range f.Steps {
		detail := string(s.Type)
		switch {
		case s.Tool != "":
			detail = "tool " + s.Tool
		case s.Flow != "":
			detail = "chain " + s.Flow
		}
		entry := ""
		if s.ID == f.Entry {
			entry = " (entry)"
		}
		fmt.Printf("    %s: %s%s\n", s.ID, detail, entry)
	}
	if len(f.Connections) > 0 {
		fmt.Println("  connections:")
		for _, c := range f.Connections {
			edge := fmt.Sprintf("    %s -> %s", c.Source, c.Target)
			var notes []string
			if c.Guard != "" {
				notes = append(notes, "guard: "+c.Guard)
			}
			if c.ErrorPath {
				notes = append(notes, "error path")
			}
			if len(notes) > 0 {
				edge += "  [" + strings.Join(notes, ", ") + "]"
			}
			fmt.Println(edge)
		}
	}
}

func paramType(p flow.Param) string {
	if p.Type == "" {
		return "string"
	}
	return p.Type
}
