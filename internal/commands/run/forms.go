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

package run

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/archflow/archflow/pkg/engine"
)

// collectSuspendInput renders the suspended run's interaction form at the
// terminal and returns the answers as the resume payload. Without a form
// event the run is asked for a single free-form response.
func collectSuspendInput(result *engine.FlowResult, form map[string]any) (map[string]any, error) {
	if form == nil {
		return collectFreeform(suspendReason(result))
	}
	return collectForm(form)
}

// suspendReason pulls the suspension reason out of the result's error
// list, falling back to a generic prompt.
func suspendReason(result *engine.FlowResult) string {
	for _, e := range result.Errors {
		if e.Message != "" {
			return e.Message
		}
	}
	return "The run is waiting for your input."
}

func collectFreeform(reason string) (map[string]any, error) {
	var response string
	f := huh.NewForm(
		huh.NewGroup(
			huh.NewText().
				Title("Run suspended").
				Description(reason).
				Value(&response),
		),
	)
	if err := f.Run(); err != nil {
		return nil, fmt.Errorf("interaction cancelled: %w", err)
	}
	return map[string]any{"response": response}, nil
}

// formField is one question of an interaction form, decoded from the
// interaction/form event payload.
type formField struct {
	name        string
	label       string
	description string
	kind        string
	required    bool
	options     []string
	def         string
}

// collectForm builds a huh form from the interaction/form payload and
// returns the answers keyed by field name.
func collectForm(form map[string]any) (map[string]any, error) {
	fields := decodeFields(form)
	if len(fields) == 0 {
		title, _ := form["title"].(string)
		if title == "" {
			title = "The run is waiting for your input."
		}
		return collectFreeform(title)
	}

	answers := make([]string, len(fields))
	confirms := make([]bool, len(fields))
	var items []huh.Field

	if title, _ := form["title"].(string); title != "" {
		desc, _ := form["description"].(string)
		items = append(items, huh.NewNote().Title(title).Description(desc))
	}

	for i, fld := range fields {
		switch fld.kind {
		case "boolean":
			confirms[i], _ = strconv.ParseBool(fld.def)
			items = append(items, huh.NewConfirm().
				Title(fld.label).
				Description(fld.description).
				Value(&confirms[i]))
		case "select":
			opts := make([]huh.Option[string], 0, len(fld.options))
			for _, o := range fld.options {
				opts = append(opts, huh.NewOption(o, o))
			}
			answers[i] = fld.def
			items = append(items, huh.NewSelect[string]().
				Title(fld.label).
				Description(fld.description).
				Options(opts...).
				Value(&answers[i]))
		case "text":
			answers[i] = fld.def
			items = append(items, huh.NewText().
				Title(fld.label).
				Description(fld.description).
				Value(&answers[i]))
		default:
			answers[i] = fld.def
			input := huh.NewInput().
				Title(fld.label).
				Description(fld.description).
				Value(&answers[i])
			if fld.required {
				name := fld.name
				input = input.Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("%s is required", name)
					}
					return nil
				})
			}
			items = append(items, input)
		}
	}

	if err := huh.NewForm(huh.NewGroup(items...)).Run(); err != nil {
		return nil, fmt.Errorf("interaction cancelled: %w", err)
	}

	userData := make(map[string]any, len(fields))
	for i, fld := range fields {
		switch fld.kind {
		case "boolean":
			userData[fld.name] = confirms[i]
		case "number":
			if v, err := strconv.ParseFloat(answers[i], 64); err == nil {
				userData[fld.name] = v
			} else {
				userData[fld.name] = answers[i]
			}
		default:
			userData[fld.name] = answers[i]
		}
	}
	return userData, nil
}

// decodeFields normalizes the event payload's field list. JSON transport
// turns it into []any of map[string]any; in-process it stays
// []map[string]any.
func decodeFields(form map[string]any) []formField {
	var raw []map[string]any
	switch fv := form["fields"].(type) {
	case []map[string]any:
		raw = fv
	case []any:
		for _, item := range fv {
			if m, ok := item.(map[string]any); ok {
				raw = append(raw, m)
			}
		}
	}

	fields := make([]formField, 0, len(raw))
	for _, m := range raw {
		fld := formField{kind: "string"}
		fld.name, _ = m["name"].(string)
		if fld.name == "" {
			continue
		}
		if v, ok := m["label"].(string); ok && v != "" {
			fld.label = v
		} else {
			fld.label = fld.name
		}
		fld.description, _ = m["description"].(string)
		if v, ok := m["type"].(string); ok && v != "" {
			fld.kind = v
		}
		fld.required, _ = m["required"].(bool)
		if v, ok := m["default"]; ok && v != nil {
			fld.def = fmt.Sprintf("%v", v)
		}
		switch opts := m["options"].(type) {
		case []string:
			fld.options = opts
		case []any:
			for _, o := range opts {
				fld.options = append(fld.options, fmt.Sprintf("%v", o))
			}
		}
		if len(fld.options) > 0 && fld.kind != "boolean" {
			fld.kind = "select"
		}
		fields = append(fields, fld)
	}
	return fields
}
