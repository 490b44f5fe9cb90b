package plugin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archflow/archflow/pkg/tools"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{"valid http", Definition{Name: "weather", Kind: KindHTTP, URL: "https://example.com"}, ""},
		{"valid script", Definition{Name: "lint", Kind: KindScript, Command: "lint.sh"}, ""},
		{"missing name", Definition{Kind: KindHTTP, URL: "https://example.com"}, "missing a name"},
		{"http without url", Definition{Name: "weather", Kind: KindHTTP}, "has no url"},
		{"script without command", Definition{Name: "lint", Kind: KindScript}, "has no command"},
		{"unknown kind", Definition{Name: "x", Kind: "grpc"}, "unsupported kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadSingleAndList(t *testing.T) {
	dir := t.TempDir()

	single := writeFile(t, dir, "single.yaml", `
name: weather
description: Look up the weather
kind: http
url: https://example.com/weather?city={{.city}}
`)
	defs, err := Load(single)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "weather", defs[0].Name)

	list := writeFile(t, dir, "list.yaml", `
tools:
  - name: first
    kind: http
    url: https://example.com/a
  - name: second
    kind: script
    command: run.sh
`)
	defs, err = Load(list)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "second", defs[1].Name)
}

func TestLoadRejectsInvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "name: broken\nkind: http\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no url")
}

func TestHTTPToolExecute(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"temp": 21}`))
	}))
	defer srv.Close()

	t.Setenv("PLUGIN_TEST_TOKEN", "tok-123")

	tool, err := New(Definition{
		Name:    "weather",
		Kind:    KindHTTP,
		URL:     srv.URL + "/weather?city={{.city}}",
		Headers: map[string]string{"Authorization": "Bearer {{.env.PLUGIN_TEST_TOKEN}}"},
	}, t.TempDir())
	require.NoError(t, err)

	tc := tools.NewToolContext("run-1", "weather", map[string]any{"city": "oslo"}, nil)
	result, err := tool.Execute(context.Background(), tc)
	require.NoError(t, err)

	assert.Equal(t, "/weather?city=oslo", gotPath)
	assert.Equal(t, "Bearer tok-123", gotAuth)

	out, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 200, out["statusCode"])
	assert.Equal(t, map[string]any{"temp": float64(21)}, out["response"])
}

func TestHTTPToolErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	tool, err := New(Definition{Name: "x", Kind: KindHTTP, URL: srv.URL}, t.TempDir())
	require.NoError(t, err)

	tc := tools.NewToolContext("run-1", "x", nil, nil)
	_, err = tool.Execute(context.Background(), tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 403")
}

func TestScriptToolExecute(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script test")
	}
	dir := t.TempDir()
	writeFile(t, dir, "double.sh", "#!/bin/sh\nread input\necho '{\"doubled\": true}'\n")

	tool, err := New(Definition{Name: "double", Kind: KindScript, Command: "double.sh"}, dir)
	require.NoError(t, err)

	tc := tools.NewToolContext("run-1", "double", map[string]any{"n": 2}, nil)
	result, err := tool.Execute(context.Background(), tc)
	require.NoError(t, err)

	out, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"doubled": true}, out["output"])
}

func TestScriptToolRejectsEscapingCommand(t *testing.T) {
	dir := t.TempDir()
	tool, err := New(Definition{Name: "evil", Kind: KindScript, Command: "../outside.sh"}, dir)
	require.NoError(t, err)

	tc := tools.NewToolContext("run-1", "evil", nil, nil)
	_, err = tool.Execute(context.Background(), tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the plugins directory")
}

func TestScriptToolTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script test")
	}
	dir := t.TempDir()
	writeFile(t, dir, "slow.sh", "#!/bin/sh\nsleep 5\n")

	tool, err := New(Definition{Name: "slow", Kind: KindScript, Command: "slow.sh", TimeoutMs: 50}, dir)
	require.NoError(t, err)

	start := time.Now()
	tc := tools.NewToolContext("run-1", "slow", nil, nil)
	_, err = tool.Execute(context.Background(), tc)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRegisterDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", "name: ok\nkind: http\nurl: https://example.com\n")
	writeFile(t, dir, "broken.yaml", "name: bad\nkind: http\n")

	reg := tools.NewRegistry()
	count, err := RegisterDir(reg, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, reg.Has("ok"))
	assert.False(t, reg.Has("bad"))
}

func TestRegisterDirMissingDirectory(t *testing.T) {
	reg := tools.NewRegistry()
	count, err := RegisterDir(reg, filepath.Join(t.TempDir(), "absent"), nil)
	require.NoError(t, err)
	assert.Zero(t, count)
}
