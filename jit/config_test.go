package jit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
hot_threshold: 8
cache_max_bytes: 65536
request_timeout_ticks: 1000
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, uint32(8), cfg.HotThreshold)
	assert.Equal(t, 65536, cfg.CacheMaxBytes)
	assert.Equal(t, 10*1024, cfg.CacheMaxBlocks)
	assert.Equal(t, 16, cfg.CodeVersionMaxPages)
	assert.Equal(t, uint64(1000), cfg.RequestTimeoutTicks)
}

func TestLoadConfig_RejectsUnknownField(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "hot_treshold: 8\n"))
	assert.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "cache_max_blocks: -1\nhotness_capacity: -5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache_max_blocks")
	assert.Contains(t, err.Error(), "hotness_capacity")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultConfig_Valid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}
