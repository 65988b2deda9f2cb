package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiazeyu1987/AgentFolder/internal/store"
)

func newRegistry(t *testing.T, registryYAML string) *Registry {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	path := filepath.Join(dir, "registry.yaml")
	if registryYAML != "" {
		require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o644))
	}
	r, err := Load(s, path)
	require.NoError(t, err)
	return r
}

func TestLoadBuiltinsWithoutRegistryFile(t *testing.T) {
	r := newRegistry(t, "")
	assert.Contains(t, r.Names(), "text_extract")
}

func TestLoadRegistryFile(t *testing.T) {
	r := newRegistry(t, `
skills:
  - name: text_extract
    implementation: builtin
    idempotency:
      strategy: content_hash
      cache: true
  - name: web_fetch
    implementation: external
`)
	names := r.Names()
	assert.Contains(t, names, "text_extract")
	assert.Contains(t, names, "web_fetch")
}

func TestRunTextExtract(t *testing.T) {
	r := newRegistry(t, "")
	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Notes\nbody"), 0o644))

	res, err := r.Run(context.Background(), "task-1", "text_extract",
		map[string]interface{}{"path": path})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "# Notes\nbody", res.Output["text"])
	assert.Equal(t, path, res.Output["path"])
}

func TestRunTextExtractCacheHit(t *testing.T) {
	r := newRegistry(t, "")
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("once"), 0o644))
	params := map[string]interface{}{"path": path}

	_, err := r.Run(context.Background(), "task-1", "text_extract", params)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), "task-1", "text_extract", params)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "once", res.Output["text"])
}

func TestRunTextExtractUnsupportedType(t *testing.T) {
	r := newRegistry(t, "")
	path := filepath.Join(t.TempDir(), "binary.exe")
	require.NoError(t, os.WriteFile(path, []byte{0x4d, 0x5a}, 0o644))

	_, err := r.Run(context.Background(), "task-1", "text_extract",
		map[string]interface{}{"path": path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func TestRunTextExtractMissingPath(t *testing.T) {
	r := newRegistry(t, "")
	_, err := r.Run(context.Background(), "task-1", "text_extract",
		map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing path")
}

func TestRunUnknownSkill(t *testing.T) {
	r := newRegistry(t, "")
	_, err := r.Run(context.Background(), "task-1", "teleport",
		map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown skill")
}

func TestRunFailureIsNotCached(t *testing.T) {
	r := newRegistry(t, "")
	path := filepath.Join(t.TempDir(), "gone.md")
	params := map[string]interface{}{"path": path}

	_, err := r.Run(context.Background(), "task-1", "text_extract", params)
	require.Error(t, err)

	// The file appearing later must produce a fresh run, not a cached
	// failure.
	require.NoError(t, os.WriteFile(path, []byte("late"), 0o644))
	res, err := r.Run(context.Background(), "task-1", "text_extract", params)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "late", res.Output["text"])
}
