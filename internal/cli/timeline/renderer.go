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

// Package timeline renders ASCII timelines of completed flow runs.
package timeline

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/archflow/archflow/pkg/engine"
)

const (
	// MinTerminalWidth is the minimum supported terminal width
	MinTerminalWidth = 80
	// DefaultBarWidth is the default width for duration bars
	DefaultBarWidth = 40
	// StatusIconOK indicates successful completion
	StatusIconOK = "✓"
	// StatusIconError indicates failure
	StatusIconError = "✗"
	// StatusIconSkipped indicates a step that never ran
	StatusIconSkipped = "·"
)

// Row is one rendered step with its position on the timeline.
type Row struct {
	Name      string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Status    engine.StepStatus
	Tokens    int64
}

// Renderer renders ASCII timelines from step results.
type Renderer struct {
	Width    int
	BarWidth int
}

// NewRenderer creates a timeline renderer sized to the terminal.
func NewRenderer() (*Renderer, error) {
	width, _, err := term.GetSize(0)
	if err != nil {
		// Default to 100 if detection fails
		width = 100
	}

	if width < MinTerminalWidth {
		return nil, fmt.Errorf("terminal width %d is too narrow (minimum %d columns)", width, MinTerminalWidth)
	}

	// Reserve space for the name, duration, status, and token columns.
	barWidth := width - 50
	if barWidth > 60 {
		barWidth = 60
	}
	if barWidth < DefaultBarWidth {
		barWidth = DefaultBarWidth
	}

	return &Renderer{
		Width:    width,
		BarWidth: barWidth,
	}, nil
}

// Render draws the timeline for a run. Steps that never started are
// listed without a bar.
func (r *Renderer) Render(flowID string, steps []engine.StepResult) (string, error) {
	if len(steps) == 0 {
		return "", fmt.Errorf("no steps to render")
	}

	rows := prepareRows(steps)
	if len(rows) == 0 {
		return "", fmt.Errorf("no executed steps to render")
	}

	minTime, maxTime := bounds(rows)
	totalDuration := maxTime.Sub(minTime)
	if totalDuration <= 0 {
		totalDuration = time.Millisecond
	}

	var totalTokens int64
	for _, row := range rows {
		totalTokens += row.Tokens
	}

	var sb strings.Builder

	border := strings.Repeat("─", r.Width-2)
	sb.WriteString("┌" + border + "┐\n")

	header := fmt.Sprintf("│ Flow: %-*s Total: %s  │\n",
		r.Width-24,
		truncate(flowID, r.Width-24),
		formatDuration(totalDuration))
	sb.WriteString(header)

	sb.WriteString("├" + border + "┤\n")

	for _, row := range rows {
		sb.WriteString(r.renderRow(row, minTime, totalDuration))
	}

	sb.WriteString("└" + border + "┘\n")

	if totalTokens > 0 {
		sb.WriteString(fmt.Sprintf("\nTotal Tokens: %d\n", totalTokens))
	}

	return sb.String(), nil
}

// prepareRows converts step results to rows, dropping steps that never
// reached the executor.
func prepareRows(steps []engine.StepResult) []Row {
	rows := make([]Row, 0, len(steps))
	for _, step := range steps {
		if step.StartedAt.IsZero() && step.Status != engine.StepStatusSkipped {
			continue
		}

		duration := time.Duration(step.Metrics.DurationMs) * time.Millisecond
		if duration == 0 && !step.CompletedAt.IsZero() {
			duration = step.CompletedAt.Sub(step.StartedAt)
		}

		rows = append(rows, Row{
			Name:      step.StepID,
			StartedAt: step.StartedAt,
			EndedAt:   step.CompletedAt,
			Duration:  duration,
			Status:    step.Status,
			Tokens:    step.Metrics.Tokens,
		})
	}
	return rows
}

// bounds finds the earliest start and latest end across executed rows.
func bounds(rows []Row) (time.Time, time.Time) {
	var minTime, maxTime time.Time
	for _, row := range rows {
		if row.StartedAt.IsZero() {
			continue
		}
		if minTime.IsZero() || row.StartedAt.Before(minTime) {
			minTime = row.StartedAt
		}
		if row.EndedAt.After(maxTime) {
			maxTime = row.EndedAt
		}
	}
	if minTime.IsZero() {
		now := time.Now()
		return now, now
	}
	return minTime, maxTime
}

// renderRow generates the timeline line for a single step.
func (r *Renderer) renderRow(row Row, minTime time.Time, totalDuration time.Duration) string {
	bar := make([]rune, r.BarWidth)
	for i := range bar {
		bar[i] = '░'
	}

	if !row.StartedAt.IsZero() {
		startOffset := row.StartedAt.Sub(minTime)
		startPos := int(float64(startOffset) / float64(totalDuration) * float64(r.BarWidth))
		barLength := int(float64(row.Duration) / float64(totalDuration) * float64(r.BarWidth))

		if barLength < 1 {
			barLength = 1
		}
		if startPos >= r.BarWidth {
			startPos = r.BarWidth - 1
		}
		if startPos+barLength > r.BarWidth {
			barLength = r.BarWidth - startPos
		}

		for i := startPos; i < startPos+barLength; i++ {
			bar[i] = '█'
		}
	}

	statusIcon := StatusIconOK
	switch row.Status {
	case engine.StepStatusFailed, engine.StepStatusCancelled:
		statusIcon = StatusIconError
	case engine.StepStatusSkipped:
		statusIcon = StatusIconSkipped
	}

	tokenStr := ""
	if row.Tokens > 0 {
		tokenStr = fmt.Sprintf("%d tok", row.Tokens)
	}

	name := truncate(row.Name, 20)

	return fmt.Sprintf("│ %-20s %s  %6s  %s  %10s │\n",
		name,
		string(bar),
		formatDuration(row.Duration),
		statusIcon,
		tokenStr,
	)
}

// truncate shortens a string to maxLen with ellipsis if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}
