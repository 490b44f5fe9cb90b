package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/tools"
)

func fileCall(t *testing.T, tool *FileTool, input map[string]any) (map[string]any, error) {
	t.Helper()
	tc := tools.NewToolContext("exec-1", tool.Name(), input, nil)
	out, err := tool.Execute(context.Background(), tc)
	if err != nil {
		return nil, err
	}
	result, ok := out.(map[string]any)
	require.True(t, ok, "file tool returns a map")
	return result, nil
}

func TestFileToolWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	tool := NewFileTool()

	out, err := fileCall(t, tool, map[string]any{
		"op":      "write",
		"path":    path,
		"content": "alpha\nbeta\n",
	})
	require.NoError(t, err)
	assert.Equal(t, 11, out["written"])

	out, err = fileCall(t, tool, map[string]any{
		"op":   "read",
		"path": path,
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta\n", out["content"])
	assert.Equal(t, 2, out["lines"])
	assert.Equal(t, false, out["truncated"])
}

func TestFileToolReadWindow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "many.txt")
	require.NoError(t, os.WriteFile(path, []byte("l0\nl1\nl2\nl3\nl4\n"), 0o644))

	out, err := fileCall(t, NewFileTool(), map[string]any{
		"op":        "read",
		"path":      path,
		"offset":    1,
		"max_lines": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "l1\nl2\n", out["content"])
	assert.Equal(t, true, out["truncated"])
}

func TestFileToolReadRootEnforced(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()
	path := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	tool := NewFileTool().WithReadRoots([]string{allowed})
	_, err := fileCall(t, tool, map[string]any{"op": "read", "path": path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the allowed directories")
}

func TestFileToolWriteCreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "c.txt")

	out, err := fileCall(t, NewFileTool(), map[string]any{
		"op":      "write",
		"path":    path,
		"content": "nested",
	})
	require.NoError(t, err)
	assert.Equal(t, 6, out["written"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nested", string(data))
}

func TestFileToolSizeLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 128)), 0o644))

	tool := NewFileTool().WithMaxFileSize(64)
	_, err := fileCall(t, tool, map[string]any{"op": "read", "path": path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds size limit")
}

func TestFileToolRejectsBadInput(t *testing.T) {
	tool := NewFileTool()

	_, err := fileCall(t, tool, map[string]any{"op": "read"})
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "path", ve.Field)

	_, err = fileCall(t, tool, map[string]any{"op": "chmod", "path": "/tmp/x"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "op", ve.Field)
}

func TestRegisterAddsAllBuiltins(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Equal(t, []string{"file", "http", "shell"}, reg.List())
}
