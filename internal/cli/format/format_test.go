package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatMarkdownPlainWhenNotTTY(t *testing.T) {
	out, err := FormatMarkdown("# Heading\n\nSome text", false)
	require.NoError(t, err)
	assert.Equal(t, "# Heading\n\nSome text", out)
}

func TestFormatMarkdownRendersForTTY(t *testing.T) {
	out, err := FormatMarkdown("# Heading\n\n- one\n- two", true)
	require.NoError(t, err)
	assert.Contains(t, out, "Heading")
	assert.Contains(t, out, "one")
}

func TestFormatJSONIndents(t *testing.T) {
	out, err := FormatJSON(`{"outer":{"inner":"value"}}`, false)
	require.NoError(t, err)
	assert.Contains(t, out, "\"inner\": \"value\"")
}

func TestFormatJSONRejectsInvalid(t *testing.T) {
	_, err := FormatJSON(`{invalid}`, true)
	assert.Error(t, err)
}

func TestFormatCode(t *testing.T) {
	for _, spec := range []string{"code", "code:python", "code:unknownlang"} {
		out, err := FormatCode("def foo():\n    return 42", spec, true)
		require.NoError(t, err, spec)
		assert.Contains(t, out, "foo", spec)
	}

	// Without a terminal the content passes through untouched.
	out, err := FormatCode("console.log('hi')", "code:javascript", false)
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi')", out)
}

func TestFormatNumberPassesThrough(t *testing.T) {
	for _, n := range []string{"123", "123.45", "1.5e10"} {
		out, err := FormatNumber(n, true)
		require.NoError(t, err)
		assert.Equal(t, n, out)
	}
}

func TestFormatStringPassesThrough(t *testing.T) {
	out, err := FormatString("hello world", false)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	out, err = FormatString("", true)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFormatDispatch(t *testing.T) {
	tests := []struct {
		format   string
		content  string
		contains string
		wantErr  bool
	}{
		{format: "markdown", content: "# Title", contains: "# Title"},
		{format: "json", content: `{"key":"value"}`, contains: "\"key\""},
		{format: "code:python", content: "print('hi')", contains: "print('hi')"},
		{format: "number", content: "42", contains: "42"},
		{format: "", content: "text", contains: "text"},
		{format: "unknown", content: "content", wantErr: true},
	}

	for _, tt := range tests {
		out, err := Format(tt.content, tt.format, false)
		if tt.wantErr {
			assert.Error(t, err, tt.format)
			continue
		}
		require.NoError(t, err, tt.format)
		assert.True(t, strings.Contains(out, tt.contains),
			"Format(%q) = %q, want substring %q", tt.format, out, tt.contains)
	}
}

func TestSanitizeANSI(t *testing.T) {
	assert.Equal(t, "plain text", sanitizeANSI("plain text"))
	assert.Equal(t, "bold green", sanitizeANSI("\x1b[1m\x1b[32mbold green\x1b[0m\x1b[0m"))
}
