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

package version

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archflow/archflow/internal/commands/shared"
)

func TestVersionHumanOutput(t *testing.T) {
	shared.SetVersion("1.2.3", "abc1234", "2026-08-26")
	t.Cleanup(func() { shared.SetVersion("dev", "unknown", "unknown") })

	cmd := NewVersionCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "archflow version 1.2.3")
	assert.Contains(t, out, "abc1234")
	assert.Contains(t, out, "go1")
}

func TestVersionJSONOutput(t *testing.T) {
	shared.SetVersion("1.2.3", "abc1234", "2026-08-26")
	t.Cleanup(func() { shared.SetVersion("dev", "unknown", "unknown") })

	root := &cobra.Command{Use: "archflow"}
	_, _, jsonPtr, _ := shared.RegisterFlagPointers()
	root.PersistentFlags().BoolVar(jsonPtr, "json", false, "JSON output")
	root.AddCommand(NewVersionCommand())
	t.Cleanup(func() { *jsonPtr = false })

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version", "--json"})

	require.NoError(t, root.Execute())

	var info VersionInfo
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info), "output: %s", buf.String())
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "abc1234", info.Commit)
	assert.Equal(t, "2026-08-26", info.BuildDate)
	assert.NotEmpty(t, info.Platform)
}
