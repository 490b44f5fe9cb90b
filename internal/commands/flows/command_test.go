package flows

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archflow/archflow/internal/registry"
)

func newTestRegistry(t *testing.T, files map[string]string) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	reg, err := registry.New(registry.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestCollectInfosSortedByID(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{
		"b.yaml": "id: beta\ndescription: second\nentry: s\nsteps:\n  - id: s\n    type: agent\n    config:\n      prompt: p\n",
		"a.yaml": "id: alpha\nentry: s\nparams:\n  - name: x\n    type: string\nsteps:\n  - id: s\n    type: agent\n    config:\n      prompt: p\n",
	})

	infos := collectInfos(reg)
	require.Len(t, infos, 2)

	assert.Equal(t, "alpha", infos[0].ID)
	assert.Equal(t, 1, infos[0].Params)
	assert.Equal(t, "beta", infos[1].ID)
	assert.Equal(t, "second", infos[1].Description)
	assert.NotEmpty(t, infos[0].Hash)
	assert.NotEmpty(t, infos[0].Path)
}

func TestCollectInfosEmptyDir(t *testing.T) {
	reg := newTestRegistry(t, nil)
	assert.Empty(t, collectInfos(reg))
}
