// Package plugin loads user-defined tools from YAML definition files.
// A plugins directory (config key agent.pluginsPath) holds one or more
// definitions per file; each becomes a registered tool backed by an
// HTTP endpoint or a local script.
package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/tools"
)

// Tool kinds a definition may declare.
const (
	KindHTTP   = "http"
	KindScript = "script"
)

const (
	// defaultTimeout bounds one plugin invocation.
	defaultTimeout = 30 * time.Second

	// defaultMaxOutputBytes caps how much plugin output is buffered.
	defaultMaxOutputBytes = 1 << 20
)

// Definition is one plugin tool as written in a definition file.
type Definition struct {
	// Name registers the tool; it must be unique across the registry.
	Name string `yaml:"name" json:"name"`

	// Description is surfaced in tool listings and approval prompts.
	Description string `yaml:"description" json:"description"`

	// Kind selects the backing: http or script.
	Kind string `yaml:"kind" json:"kind"`

	// InputSchema is the JSON-schema object describing the input.
	InputSchema map[string]any `yaml:"inputSchema,omitempty" json:"inputSchema,omitempty"`

	// Method and URL configure an http plugin. The URL is a Go template
	// over {{.inputs}} and {{.env}}.
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`

	// Headers are sent with http plugin requests; values are templates.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Command is the script a script plugin runs, relative to the
	// definition file's directory unless absolute.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// TimeoutMs bounds one invocation. Zero selects 30 s.
	TimeoutMs int64 `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`

	// MaxOutputBytes caps the buffered response or script output. Zero
	// selects 1 MiB.
	MaxOutputBytes int64 `yaml:"maxOutputBytes,omitempty" json:"maxOutputBytes,omitempty"`
}

// Validate rejects definitions that cannot become a working tool.
func (d Definition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "plugin definition is missing a name",
			Suggestion: "set name to the identifier flows will call",
		}
	}
	switch d.Kind {
	case KindHTTP:
		if d.URL == "" {
			return &errors.ValidationError{
				Field:      "url",
				Message:    fmt.Sprintf("http plugin %s has no url", d.Name),
				Suggestion: "set url to the endpoint template",
			}
		}
	case KindScript:
		if d.Command == "" {
			return &errors.ValidationError{
				Field:      "command",
				Message:    fmt.Sprintf("script plugin %s has no command", d.Name),
				Suggestion: "set command to the script path",
			}
		}
	default:
		return &errors.ValidationError{
			Field:      "kind",
			Message:    fmt.Sprintf("plugin %s has unsupported kind %q", d.Name, d.Kind),
			Suggestion: "use one of: http, script",
		}
	}
	return nil
}

// timeout returns the invocation deadline for the definition.
func (d Definition) timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return defaultTimeout
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// maxOutput returns the output cap for the definition.
func (d Definition) maxOutput() int64 {
	if d.MaxOutputBytes <= 0 {
		return defaultMaxOutputBytes
	}
	return d.MaxOutputBytes
}

// file is the on-disk shape: either a single definition or a document
// with a tools list.
type file struct {
	Tools []Definition `yaml:"tools"`
	Definition
}

// Load parses the definitions in one file. A file holds either a single
// definition at the top level or a `tools:` list.
func Load(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plugin file %s: %w", filepath.Base(path), err)
	}

	defs := f.Tools
	if len(defs) == 0 && f.Name != "" {
		defs = []Definition{f.Definition}
	}
	for i := range defs {
		if err := defs[i].Validate(); err != nil {
			return nil, fmt.Errorf("plugin file %s: %w", filepath.Base(path), err)
		}
	}
	return defs, nil
}

// New builds the tool for a definition. baseDir anchors relative script
// paths, normally the directory of the definition file.
func New(def Definition, baseDir string) (tools.Tool, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	switch def.Kind {
	case KindHTTP:
		return newHTTPTool(def)
	case KindScript:
		return newScriptTool(def, baseDir)
	default:
		return nil, &errors.ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("plugin %s has unsupported kind %q", def.Name, def.Kind),
		}
	}
}

// RegisterDir loads every *.yaml/*.yml definition file under dir and
// registers the tools it finds. Files that fail to parse are logged and
// skipped so one broken definition does not take down the rest; a name
// collision with an already registered tool is an error. Returns the
// number of tools registered. A missing directory registers nothing.
func RegisterDir(reg *tools.Registry, dir string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return 0, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}

	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, fmt.Errorf("scan plugins dir: %w", err)
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	count := 0
	for _, path := range paths {
		defs, err := Load(path)
		if err != nil {
			logger.Warn("skipping plugin file",
				slog.String("path", path),
				slog.Any("error", err))
			continue
		}
		for _, def := range defs {
			tool, err := New(def, filepath.Dir(path))
			if err != nil {
				logger.Warn("skipping plugin",
					slog.String("plugin", def.Name),
					slog.Any("error", err))
				continue
			}
			if err := reg.Register(tool); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}
