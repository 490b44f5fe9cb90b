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

package shared

// globals holds the persistent flag values and the build metadata. The
// root command binds the flags; command packages read them through the
// accessors below so they never depend on cobra directly.
type globals struct {
	verbose bool
	quiet   bool
	json    bool
	config  string

	version   string
	commit    string
	buildDate string
}

var state = globals{
	version:   "dev",
	commit:    "unknown",
	buildDate: "unknown",
}

// RegisterFlagPointers returns the variables the root command binds its
// persistent flags to, in the order verbose, quiet, json, config.
func RegisterFlagPointers() (*bool, *bool, *bool, *string) {
	return &state.verbose, &state.quiet, &state.json, &state.config
}

// SetVersion records the ldflags-injected build information.
func SetVersion(version, commit, buildDate string) {
	state.version = version
	state.commit = commit
	state.buildDate = buildDate
}

// GetVersion returns the version, commit, and build date.
func GetVersion() (string, string, string) {
	return state.version, state.commit, state.buildDate
}

// GetVerbose reports whether --verbose was passed.
func GetVerbose() bool { return state.verbose }

// GetQuiet reports whether --quiet was passed.
func GetQuiet() bool { return state.quiet }

// GetJSON reports whether --json was passed.
func GetJSON() bool { return state.json }

// GetConfigPath returns the --config value, empty for the default
// location.
func GetConfigPath() string { return state.config }

// SetConfigPathForTest points commands at a test config file.
func SetConfigPathForTest(path string) {
	state.config = path
}
