// Package format renders flow output for the terminal: markdown through
// glamour, JSON pretty-printing, and chroma syntax highlighting, all
// downgrading to plain text when stdout is not a TTY.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/glamour"
)

// Per-format size ceilings. Oversized content is rejected rather than
// rendered, since the renderers buffer the whole input.
const (
	maxJSONSize     = 10 * 1024 * 1024
	maxMarkdownSize = 5 * 1024 * 1024
	maxCodeSize     = 2 * 1024 * 1024
	maxNumberSize   = 1024
	maxStringSize   = 100 * 1024 * 1024
)

var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// sanitizeANSI strips ANSI escape sequences so rendered output cannot
// smuggle terminal control codes.
func sanitizeANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

func enforceSize(content, format string, max int) error {
	if len(content) > max {
		return fmt.Errorf("output size (%d bytes) exceeds maximum for %s format (%d bytes)", len(content), format, max)
	}
	return nil
}

// FormatMarkdown renders markdown through glamour on a TTY and passes it
// through untouched otherwise. Render failures fall back to plain text.
func FormatMarkdown(content string, isTTY bool) (string, error) {
	if err := enforceSize(content, "markdown", maxMarkdownSize); err != nil {
		return "", err
	}
	if !isTTY {
		return content, nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return content, nil
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return content, nil
	}
	return sanitizeANSI(rendered), nil
}

// FormatJSON re-indents the JSON with two spaces, failing on invalid
// input.
func FormatJSON(content string, isTTY bool) (string, error) {
	if err := enforceSize(content, "json", maxJSONSize); err != nil {
		return "", err
	}

	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format JSON: %w", err)
	}
	return string(out), nil
}

// FormatCode highlights code with chroma when the format carries a
// language ("code:python") and stdout is a TTY. Unknown languages and
// non-TTY output pass through plain.
func FormatCode(content string, format string, isTTY bool) (string, error) {
	if err := enforceSize(content, "code", maxCodeSize); err != nil {
		return "", err
	}
	if !isTTY {
		return content, nil
	}

	language := strings.TrimPrefix(strings.ToLower(format), "code:")
	if language == strings.ToLower(format) || language == "" {
		// No "code:" prefix or nothing after it.
		return content, nil
	}

	var buf bytes.Buffer
	if err := quick.Highlight(&buf, content, language, "terminal256", "monokai"); err != nil {
		return content, nil
	}
	return sanitizeANSI(buf.String()), nil
}

// FormatNumber passes the number through after the size check.
func FormatNumber(content string, isTTY bool) (string, error) {
	if err := enforceSize(content, "number", maxNumberSize); err != nil {
		return "", err
	}
	return content, nil
}

// FormatString passes the string through after the size check.
func FormatString(content string, isTTY bool) (string, error) {
	if err := enforceSize(content, "string", maxStringSize); err != nil {
		return "", err
	}
	return content, nil
}

// Format dispatches on the declared output format. An empty format means
// string; unknown formats are an error so flow authors catch typos.
func Format(content string, format string, isTTY bool) (string, error) {
	spec := strings.ToLower(format)
	if strings.HasPrefix(spec, "code:") {
		return FormatCode(content, format, isTTY)
	}

	switch spec {
	case "", "string":
		return FormatString(content, isTTY)
	case "number":
		return FormatNumber(content, isTTY)
	case "markdown":
		return FormatMarkdown(content, isTTY)
	case "json":
		return FormatJSON(content, isTTY)
	case "code":
		return FormatCode(content, format, isTTY)
	default:
		return "", fmt.Errorf("unknown output format: %s", format)
	}
}
