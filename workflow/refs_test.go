package workflow_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bewest/sdqctl/engineerr"
	"github.com/bewest/sdqctl/workflow"
)

func TestParseRefSpecAtForm(t *testing.T) {
	spec, err := workflow.ParseRefSpec("@pkg/foo.go#L10-L20")
	require.NoError(t, err)
	assert.Equal(t, "pkg/foo.go", spec.Path)
	assert.Equal(t, 10, spec.LineStart)
	assert.Equal(t, 20, spec.LineEnd)
	assert.Empty(t, spec.Alias)
}

func TestParseRefSpecAliasForm(t *testing.T) {
	spec, err := workflow.ParseRefSpec("upstream:src/main.go#L5")
	require.NoError(t, err)
	assert.Equal(t, "upstream", spec.Alias)
	assert.Equal(t, "src/main.go", spec.Path)
	assert.Equal(t, 5, spec.LineStart)
	assert.Equal(t, 5, spec.LineEnd)
}

func TestParseRefSpecWholeFile(t *testing.T) {
	spec, err := workflow.ParseRefSpec("@README.md")
	require.NoError(t, err)
	assert.Equal(t, "README.md", spec.Path)
	assert.Equal(t, 0, spec.LineStart)
}

func TestIsExcluded(t *testing.T) {
	cases := map[string]bool{
		"https://example.com/a": true,
		"user@example.com":      true,
		"unix:/tmp/sock":        true,
		"2026-07-30T10:00":      true,
		"...":                   true,
		"<PLACEHOLDER>":         true,
		"@pkg/foo.go#L1-L2":     false,
		"upstream:src/main.go":  false,
	}
	for token, want := range cases {
		assert.Equal(t, want, workflow.IsExcluded(token), token)
	}
}

func TestRefSpecResolveExplicitAlias(t *testing.T) {
	spec, err := workflow.ParseRefSpec("upstream:src/main.go")
	require.NoError(t, err)
	resolved, err := spec.Resolve(workflow.AliasTable{"upstream": "/externals/upstream"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/externals/upstream", "src/main.go"), resolved)
}

func TestRefSpecResolveUnknownAlias(t *testing.T) {
	spec, err := workflow.ParseRefSpec("ghost:src/main.go")
	require.NoError(t, err)
	_, err = spec.Resolve(nil, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrUnknownAlias)
}

func TestRefSpecResolutionOrder(t *testing.T) {
	spec, err := workflow.ParseRefSpec("shared:a.go")
	require.NoError(t, err)
	explicit := workflow.AliasTable{"shared": "/explicit"}
	lock := workflow.AliasTable{"shared": "/lock"}
	global := workflow.AliasTable{"shared": "/global"}

	resolved, err := spec.Resolve(explicit, lock, global)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/explicit", "a.go"), resolved)

	resolved, err = spec.Resolve(nil, lock, global)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/lock", "a.go"), resolved)

	resolved, err = spec.Resolve(nil, nil, global)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/global", "a.go"), resolved)
}

func TestLoadWorkspaceLock(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	lockPath := filepath.Join(dir, "workspace.lock.json")
	require.NoError(t, os.WriteFile(lockPath, []byte(`{
		"externals_dir": "/externals",
		"repos": [{"alias": "upstream", "aliases": ["up"], "name": "upstream-repo"}]
	}`), 0o644))

	table, err := workflow.LoadWorkspaceLock(sub)
	require.NoError(t, err)
	require.NotNil(t, table)
	assert.Equal(t, filepath.Join("/externals", "upstream-repo"), table["upstream"])
	assert.Equal(t, filepath.Join("/externals", "upstream-repo"), table["up"])
}

func TestLoadWorkspaceLockNotFound(t *testing.T) {
	dir := t.TempDir()
	table, err := workflow.LoadWorkspaceLock(dir)
	require.NoError(t, err)
	assert.Nil(t, table)
}
