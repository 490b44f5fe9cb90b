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

package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHelpFixture builds a root with one annotated subcommand and the
// JSON-capable help command installed.
func newHelpFixture() *cobra.Command {
	root := &cobra.Command{
		Use:   "archflow",
		Short: "Flow orchestration",
	}
	root.PersistentFlags().Bool("verbose", false, "Verbose output")

	sub := &cobra.Command{
		Use:   "launch",
		Short: "Launch a flow",
		Long:  "Launch starts a flow from its definition.",
		Example: `  archflow launch
  archflow launch --flag value`,
		Annotations: map[string]string{"group": "execution"},
	}
	sub.Flags().String("flag", "", "A sample flag")
	root.AddCommand(sub)

	root.SetHelpCommand(NewHelpCommand(root))
	return root
}

func runHelp(t *testing.T, root *cobra.Command, args ...string) string {
	t.Helper()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append([]string{"help"}, args...))
	require.NoError(t, root.Execute())
	return buf.String()
}

func TestHelpJSONListsCommands(t *testing.T) {
	out := runHelp(t, newHelpFixture(), "--json")

	var resp HelpResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))

	assert.Equal(t, "1.0", resp.Version)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.DocsURL)
	assert.NotEmpty(t, resp.Commands)
	assert.Nil(t, resp.Command)
}

func TestHelpJSONForOneCommand(t *testing.T) {
	out := runHelp(t, newHelpFixture(), "launch", "--json")

	var resp HelpResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))

	require.NotNil(t, resp.Command)
	assert.Equal(t, "launch", resp.Command.Name)
	assert.Equal(t, "execution", resp.Command.Group)
	assert.NotEmpty(t, resp.Command.Examples)
	assert.Empty(t, resp.Commands)
}

func TestHelpHumanOutputIsNotJSON(t *testing.T) {
	out := runHelp(t, newHelpFixture())
	assert.False(t, strings.HasPrefix(strings.TrimSpace(out), "{"),
		"plain help should not be JSON: %s", out)
}

func TestExtractCommandMetadata(t *testing.T) {
	cmd := &cobra.Command{
		Use:     "inspect",
		Short:   "Inspect a run",
		Long:    "Inspect shows the stored state of a run.",
		Example: "inspect --run abc",
		Aliases: []string{"in", "stat"},
		Annotations: map[string]string{
			"group": "management",
		},
	}
	cmd.Flags().String("run", "", "Run id")
	cmd.Flags().Bool("full", false, "Include step outputs")

	meta := extractCommandMetadata(cmd)

	assert.Equal(t, "inspect", meta.Name)
	assert.Equal(t, "Inspect a run", meta.Short)
	assert.Equal(t, "Inspect shows the stored state of a run.", meta.Long)
	assert.Equal(t, "management", meta.Group)
	assert.Len(t, meta.Aliases, 2)
	assert.Len(t, meta.Flags, 2)
}

func TestExtractGlobalFlags(t *testing.T) {
	root := &cobra.Command{Use: "archflow"}
	root.PersistentFlags().Bool("verbose", false, "Verbose output")
	root.PersistentFlags().String("config", "", "Config file")

	flags := extractGlobalFlags(root)
	require.Len(t, flags, 2)

	byName := map[string]string{}
	for _, f := range flags {
		byName[f.Name] = f.Usage
	}
	assert.Equal(t, "Verbose output", byName["verbose"])
	assert.Contains(t, byName, "config")
}
