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

package local

import (
	"fmt"
	"io"
	"sync"

	"github.com/archflow/archflow/internal/commands/shared"
	"github.com/archflow/archflow/pkg/events"
)

// Verbosity selects how much of the event stream reaches the terminal.
type Verbosity int

const (
	// VerbositySilent renders nothing; JSON mode and --quiet use it.
	VerbositySilent Verbosity = iota
	// VerbosityNormal renders step progress and streamed model output.
	VerbosityNormal
	// VerbosityVerbose adds tool invocations and audit metrics.
	VerbosityVerbose
)

// StreamRenderer consumes a run's event stream and renders progress to
// the terminal while the run executes. It also remembers the last
// interaction/form event so a suspended run can be resumed with the
// right questions.
type StreamRenderer struct {
	out       io.Writer
	verbosity Verbosity

	mu        sync.Mutex
	lastForm  map[string]any
	streaming bool

	done chan struct{}
}

// NewStreamRenderer builds a renderer writing to out.
func NewStreamRenderer(out io.Writer, verbosity Verbosity) *StreamRenderer {
	return &StreamRenderer{
		out:       out,
		verbosity: verbosity,
		done:      make(chan struct{}),
	}
}

// Consume drains the subscription until the stream completes. Run it in
// its own goroutine; Wait blocks until the stream is done.
func (r *StreamRenderer) Consume(ch <-chan events.Event) {
	defer close(r.done)
	for ev := range ch {
		r.render(ev)
	}
}

// Wait blocks until the stream has been fully consumed.
func (r *StreamRenderer) Wait() {
	<-r.done
}

// LastForm returns the most recent interaction/form payload, nil when
// the run never asked for input.
func (r *StreamRenderer) LastForm() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastForm
}

func (r *StreamRenderer) render(ev events.Event) {
	if ev.Domain == events.DomainInteraction && ev.Type == events.TypeForm {
		r.mu.Lock()
		r.lastForm = ev.Data
		r.mu.Unlock()
	}
	if r.verbosity == VerbositySilent {
		return
	}

	switch ev.Domain {
	case events.DomainChat:
		r.renderChat(ev)
	case events.DomainTool:
		if r.verbosity >= VerbosityVerbose {
			r.renderTool(ev)
		}
	case events.DomainAudit:
		r.renderAudit(ev)
	case events.DomainInteraction:
		if ev.Type == events.TypeSuspend {
			r.breakStream()
			fmt.Fprintf(r.out, "%s %v\n", shared.RenderWarn("Run suspended:"), ev.Data["reason"])
		}
	}
}

func (r *StreamRenderer) renderChat(ev events.Event) {
	switch ev.Type {
	case events.TypeDelta:
		if content, ok := ev.Data["content"].(string); ok {
			r.mu.Lock()
			r.streaming = true
			r.mu.Unlock()
			fmt.Fprint(r.out, content)
		}
	case events.TypeEnd:
		r.breakStream()
	}
}

func (r *StreamRenderer) renderTool(ev events.Event) {
	switch ev.Type {
	case events.TypeToolStart:
		r.breakStream()
		fmt.Fprintf(r.out, "  %s %v\n", shared.RenderLabel("tool"), ev.Data["toolName"])
	case events.TypeResult:
		r.breakStream()
		fmt.Fprintf(r.out, "  %s %v (%vms)\n", shared.RenderLabel("done"), ev.Data["toolName"], ev.Data["durationMs"])
	}
}

// renderAudit shows the engine's step lifecycle traces as progress lines.
func (r *StreamRenderer) renderAudit(ev events.Event) {
	switch ev.Type {
	case events.TypeTrace:
		level, _ := ev.Data["level"].(string)
		message, _ := ev.Data["message"].(string)
		if message == "" {
			return
		}
		if level == "debug" && r.verbosity < VerbosityVerbose {
			return
		}
		r.breakStream()
		switch level {
		case "warn":
			fmt.Fprintf(r.out, "%s %s\n", shared.RenderWarn("•"), message)
		case "error":
			fmt.Fprintf(r.out, "%s %s\n", shared.RenderError("•"), message)
		default:
			fmt.Fprintf(r.out, "%s %s\n", shared.RenderOK("•"), message)
		}
	case events.TypeMetric:
		if r.verbosity >= VerbosityVerbose {
			r.breakStream()
			fmt.Fprintf(r.out, "  %s %v=%v%v\n", shared.RenderLabel("metric"), ev.Data["name"], ev.Data["value"], ev.Data["unit"])
		}
	}
}

// breakStream terminates an in-flight delta line so the next progress
// line starts at column zero.
func (r *StreamRenderer) breakStream() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streaming {
		fmt.Fprintln(r.out)
		r.streaming = false
	}
}
