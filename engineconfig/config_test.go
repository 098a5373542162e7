package engineconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bewest/sdqctl/engineconfig"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := engineconfig.Load(engineconfig.Options{})
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.AdapterName)
	assert.Equal(t, ".sdqctl/checkpoints", cfg.CheckpointDir)
	assert.Equal(t, 30, cfg.DefaultThresholds.Min)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := engineconfig.Load(engineconfig.Options{Path: filepath.Join(t.TempDir(), "nope.yaml")})
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.AdapterName)
}

func TestLoadReadsFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("adapter_name: claude\ndefault_model: claude-3-5-sonnet\nlog_level: debug\n"), 0o644))

	cfg, err := engineconfig.Load(engineconfig.Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.AdapterName)
	assert.Equal(t, "claude-3-5-sonnet", cfg.DefaultModel)
	assert.Equal(t, "debug", cfg.LogLevel)
	// untouched fields still get their defaults
	assert.Equal(t, ".sdqctl/checkpoints", cfg.CheckpointDir)
}
