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

import "github.com/charmbracelet/lipgloss"

// Terminal styles shared by the command packages. lipgloss downgrades
// these automatically when the terminal has no color support.
var (
	// StatusOK styles success indicators (green).
	StatusOK = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	// StatusWarn styles warning indicators (orange).
	StatusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	// StatusError styles error indicators (red).
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	// StatusInfo styles informational text (blue).
	StatusInfo = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	// Muted styles secondary text (gray).
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	// Bold styles emphasized text.
	Bold = lipgloss.NewStyle().Bold(true)

	// Header styles section headers.
	Header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

// Status line symbols.
const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
	SymbolInfo  = "•"
)

// RenderOK prefixes msg with a green check.
func RenderOK(msg string) string {
	return StatusOK.Render(SymbolOK) + " " + msg
}

// RenderWarn prefixes msg with an orange warning symbol.
func RenderWarn(msg string) string {
	return StatusWarn.Render(SymbolWarn) + " " + msg
}

// RenderError prefixes msg with a red cross.
func RenderError(msg string) string {
	return StatusError.Render(SymbolError) + " " + msg
}

// RenderStatus renders a bracketed status label, green when ok.
func RenderStatus(ok bool, label string) string {
	style := StatusError
	if ok {
		style = StatusOK
	}
	return style.Render("[" + label + "]")
}

// RenderLabel dims a key label in key: value output.
func RenderLabel(label string) string {
	return Muted.Render(label)
}
