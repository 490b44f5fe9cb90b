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

import (
	"os"

	"golang.org/x/term"
)

// ciEnvVars are the indicators checked for CI detection. JENKINS_HOME
// holds a path rather than a boolean, so any non-empty value counts.
var ciEnvVars = []string{
	"CI",
	"GITHUB_ACTIONS",
	"GITLAB_CI",
	"CIRCLECI",
	"TRAVIS",
	"BUILDKITE",
	"DRONE",
	"JENKINS_HOME",
	"TEAMCITY_VERSION",
}

// IsNonInteractive reports whether prompting the user is off the table.
// Checked in priority order:
//
//  1. ARCHFLOW_NO_INTERACTIVE=true environment variable
//  2. CI environment detection
//  3. stdin is not a terminal
//
// The --no-interactive flag is checked by the caller before this.
func IsNonInteractive() bool {
	if v := os.Getenv("ARCHFLOW_NO_INTERACTIVE"); v == "true" || v == "1" {
		return true
	}
	if isCIEnvironment() {
		return true
	}
	return !isTerminal()
}

func isCIEnvironment() bool {
	for _, name := range ciEnvVars {
		value := os.Getenv(name)
		if value == "true" || value == "1" {
			return true
		}
		if name == "JENKINS_HOME" && value != "" {
			return true
		}
	}
	return false
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
