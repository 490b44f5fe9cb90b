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

package secrets

import (
	"context"
	"os"
)

// EnvProvider resolves env:NAME references from the process
// environment. An unset or empty variable is a not-found error rather
// than an empty secret.
type EnvProvider struct{}

// NewEnvProvider returns the environment provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// Scheme implements Provider.
func (e *EnvProvider) Scheme() string {
	return "env"
}

// Resolve implements Provider.
func (e *EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	value := os.Getenv(ref)
	if value == "" {
		return "", notFound("env:" + ref)
	}
	return value, nil
}
