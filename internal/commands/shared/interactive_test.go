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

import "testing"

// clearDetectionEnv blanks every variable the detection logic reads so a
// test starts from a known state. t.Setenv restores the originals.
func clearDetectionEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ARCHFLOW_NO_INTERACTIVE", "")
	for _, name := range ciEnvVars {
		t.Setenv(name, "")
	}
}

func TestIsNonInteractive(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
	}{
		{
			name:    "ARCHFLOW_NO_INTERACTIVE=true",
			envVars: map[string]string{"ARCHFLOW_NO_INTERACTIVE": "true"},
		},
		{
			name:    "ARCHFLOW_NO_INTERACTIVE=1",
			envVars: map[string]string{"ARCHFLOW_NO_INTERACTIVE": "1"},
		},
		{
			name:    "CI=true",
			envVars: map[string]string{"CI": "true"},
		},
		{
			name:    "GITHUB_ACTIONS=true",
			envVars: map[string]string{"GITHUB_ACTIONS": "true"},
		},
		{
			name:    "JENKINS_HOME set to path",
			envVars: map[string]string{"JENKINS_HOME": "/var/jenkins"},
		},
		{
			name: "multiple CI vars set",
			envVars: map[string]string{
				"CI":             "true",
				"GITHUB_ACTIONS": "true",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearDetectionEnv(t)
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			if !IsNonInteractive() {
				t.Errorf("IsNonInteractive() = false, expected true with env %v", tt.envVars)
			}
		})
	}

	// With nothing set the answer depends on whether stdin is a real TTY,
	// which varies by test runner. Only assert when we actually have one.
	t.Run("no indicators", func(t *testing.T) {
		if !isTerminal() {
			t.Skip("stdin is not a TTY")
		}
		clearDetectionEnv(t)
		if IsNonInteractive() {
			t.Error("IsNonInteractive() = true, expected false on a TTY with no env set")
		}
	})
}

func TestIsCIEnvironment(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected bool
	}{
		{
			name:     "no CI vars",
			envVars:  map[string]string{},
			expected: false,
		},
		{
			name:     "CI=true",
			envVars:  map[string]string{"CI": "true"},
			expected: true,
		},
		{
			name:     "CI=1",
			envVars:  map[string]string{"CI": "1"},
			expected: true,
		},
		{
			name:     "CI=false",
			envVars:  map[string]string{"CI": "false"},
			expected: false,
		},
		{
			name:     "GITLAB_CI=true",
			envVars:  map[string]string{"GITLAB_CI": "true"},
			expected: true,
		},
		{
			name:     "CIRCLECI=true",
			envVars:  map[string]string{"CIRCLECI": "true"},
			expected: true,
		},
		{
			name:     "BUILDKITE=true",
			envVars:  map[string]string{"BUILDKITE": "true"},
			expected: true,
		},
		{
			name:     "JENKINS_HOME set",
			envVars:  map[string]string{"JENKINS_HOME": "/var/jenkins"},
			expected: true,
		},
		{
			name:     "JENKINS_HOME empty",
			envVars:  map[string]string{"JENKINS_HOME": ""},
			expected: false,
		},
		{
			name:     "TEAMCITY_VERSION=true is accepted",
			envVars:  map[string]string{"TEAMCITY_VERSION": "true"},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearDetectionEnv(t)
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			if got := isCIEnvironment(); got != tt.expected {
				t.Errorf("isCIEnvironment() = %v, expected %v", got, tt.expected)
			}
		})
	}
}
