package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/tools"
)

const (
	// defaultMaxFileSize bounds reads; larger files are rejected rather
	// than truncated silently.
	defaultMaxFileSize = 10 * 1024 * 1024

	// defaultMaxLines bounds a single read when the caller does not ask
	// for a window.
	defaultMaxLines = 2000
)

// FileTool reads and writes files under an optional set of root
// directories. With no roots configured every path is reachable, which
// suits local CLI runs; the daemon narrows it to the flows directory and
// the workspace.
type FileTool struct {
	maxFileSize int64
	readRoots   []string
	writeRoots  []string
}

// NewFileTool returns a file tool with the default size cap and no path
// restrictions.
func NewFileTool() *FileTool {
	return &FileTool{
		maxFileSize: defaultMaxFileSize,
	}
}

// WithMaxFileSize caps the size of files the tool will read.
func (t *FileTool) WithMaxFileSize(size int64) *FileTool {
	t.maxFileSize = size
	return t
}

// WithReadRoots restricts reads to paths under the given directories.
func (t *FileTool) WithReadRoots(roots []string) *FileTool {
	t.readRoots = cleanRoots(roots)
	return t
}

// WithWriteRoots restricts writes to paths under the given directories.
func (t *FileTool) WithWriteRoots(roots []string) *FileTool {
	t.writeRoots = cleanRoots(roots)
	return t
}

// Name implements tools.Tool.
func (t *FileTool) Name() string { return "file" }

// Description implements tools.Tool.
func (t *FileTool) Description() string {
	return "Read and write files on the local filesystem"
}

// InputSchema implements tools.Tool.
func (t *FileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"op": map[string]any{
				"type":        "string",
				"description": "Operation to perform",
				"enum":        []any{"read", "write"},
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Path of the file to read or write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write (write op only)",
			},
			"max_lines": map[string]any{
				"type":        "integer",
				"description": "Maximum number of lines to read",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "Line number to start reading from (0-based)",
			},
		},
		"required": []any{"op", "path"},
	}
}

// Execute implements tools.Tool.
func (t *FileTool) Execute(ctx context.Context, tc *tools.ToolContext) (any, error) {
	op, ok := tc.Input["op"].(string)
	if !ok {
		return nil, &errors.ValidationError{
			Field:      "op",
			Message:    "op must be a string",
			Suggestion: "set op to read or write",
		}
	}
	path, ok := tc.Input["path"].(string)
	if !ok || path == "" {
		return nil, &errors.ValidationError{
			Field:      "path",
			Message:    "path must be a non-empty string",
			Suggestion: "provide the file path to operate on",
		}
	}

	switch op {
	case "read":
		maxLines, err := intInput(tc.Input, "max_lines", defaultMaxLines)
		if err != nil {
			return nil, err
		}
		offset, err := intInput(tc.Input, "offset", 0)
		if err != nil {
			return nil, err
		}
		return t.read(path, maxLines, offset)
	case "write":
		content, _ := tc.Input["content"].(string)
		return t.write(path, content)
	default:
		return nil, &errors.ValidationError{
			Field:      "op",
			Message:    fmt.Sprintf("unknown op %q", op),
			Suggestion: "set op to read or write",
		}
	}
}

func (t *FileTool) read(path string, maxLines, offset int) (map[string]any, error) {
	abs, err := t.resolve(path, t.readRoots)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, &errors.ValidationError{
			Field:   "path",
			Message: fmt.Sprintf("%s is a directory", path),
		}
	}
	if t.maxFileSize > 0 && info.Size() > t.maxFileSize {
		return nil, fmt.Errorf("file %s exceeds size limit (%d > %d bytes)", path, info.Size(), t.maxFileSize)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var (
		b         strings.Builder
		lineNo    int
		emitted   int
		truncated bool
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if lineNo >= offset {
			if emitted >= maxLines {
				truncated = true
				break
			}
			b.WriteString(scanner.Text())
			b.WriteByte('\n')
			emitted++
		}
		lineNo++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return map[string]any{
		"content":   b.String(),
		"lines":     emitted,
		"truncated": truncated,
	}, nil
}

func (t *FileTool) write(path, content string) (map[string]any, error) {
	abs, err := t.resolve(path, t.writeRoots)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directory for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	return map[string]any{
		"path":    abs,
		"written": len(content),
	}, nil
}

// resolve makes the path absolute and checks it against the configured
// roots. An empty root list allows every path.
func (t *FileTool) resolve(path string, roots []string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	abs = filepath.Clean(abs)

	if len(roots) == 0 {
		return abs, nil
	}
	for _, root := range roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the allowed directories", path)
}

func cleanRoots(roots []string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		out = append(out, filepath.Clean(abs))
	}
	return out
}

// intInput reads an optional integer input that may arrive as int,
// int64, or float64 depending on the decoder.
func intInput(input map[string]any, key string, def int) (int, error) {
	raw, ok := input[key]
	if !ok {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, &errors.ValidationError{
			Field:   key,
			Message: fmt.Sprintf("%s must be an integer", key),
		}
	}
}
