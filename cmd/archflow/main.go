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

package main

import (
	"github.com/archflow/archflow/internal/cli"
	"github.com/archflow/archflow/internal/commands/flows"
	"github.com/archflow/archflow/internal/commands/mcpserver"
	"github.com/archflow/archflow/internal/commands/resume"
	"github.com/archflow/archflow/internal/commands/run"
	"github.com/archflow/archflow/internal/commands/secrets"
	"github.com/archflow/archflow/internal/commands/serve"
	"github.com/archflow/archflow/internal/commands/validate"
	versioncmd "github.com/archflow/archflow/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// Core flow commands
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(resume.NewCommand())
	rootCmd.AddCommand(validate.NewCommand())
	rootCmd.AddCommand(flows.NewCommand())

	// Daemon surfaces
	rootCmd.AddCommand(serve.NewCommand())
	rootCmd.AddCommand(mcpserver.NewCommand())

	// Configuration and security
	rootCmd.AddCommand(secrets.NewCommand())

	// Version command
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	// Custom help command with JSON support
	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
