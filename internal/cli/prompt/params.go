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

package prompt

import "github.com/archflow/archflow/pkg/flow"

// FromParam maps a flow parameter onto a prompt configuration. Parameters
// with an enum collapse to a select regardless of declared type.
func FromParam(p flow.Param) PromptConfig {
	cfg := PromptConfig{
		Name:        p.Name,
		Description: p.Description,
		Default:     p.Default,
	}

	if len(p.Enum) > 0 {
		cfg.Type = InputTypeEnum
		cfg.Options = p.Enum
		return cfg
	}

	switch p.Type {
	case "number":
		cfg.Type = InputTypeNumber
	case "integer":
		cfg.Type = InputTypeInteger
	case "boolean":
		cfg.Type = InputTypeBoolean
	case "array":
		cfg.Type = InputTypeArray
	case "object":
		cfg.Type = InputTypeObject
	default:
		cfg.Type = InputTypeString
	}
	return cfg
}

// FromParams maps a parameter list in declaration order.
func FromParams(params []flow.Param) []PromptConfig {
	configs := make([]PromptConfig, 0, len(params))
	for _, p := range params {
		configs = append(configs, FromParam(p))
	}
	return configs
}
