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

// InputType is the prompt shape for one flow parameter.
type InputType string

const (
	InputTypeString  InputType = "string"
	InputTypeNumber  InputType = "number"
	InputTypeInteger InputType = "integer"
	InputTypeBoolean InputType = "boolean"
	InputTypeArray   InputType = "array"
	InputTypeObject  InputType = "object"
	InputTypeEnum    InputType = "enum"
)

// PromptConfig describes one question: what to ask, how to parse the
// answer, and the pre-filled default. A nil Default means the value is
// required.
type PromptConfig struct {
	Name        string
	Description string
	Type        InputType
	Default     any
	Options     []string // enum choices
}

const (
	// MaxRetries bounds validation re-asks per input.
	MaxRetries = 3

	// MaxInputSize bounds a single answer, in bytes.
	MaxInputSize = 64 * 1024

	// MaxNestedDepth bounds object nesting in JSON answers.
	MaxNestedDepth = 10
)
