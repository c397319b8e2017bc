package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nmxmxh/semasea/kernel/semaphore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint(semaphore.PoolCount), cfg.PoolCount)
	assert.Equal(t, semaphore.Sentinel, cfg.Sentinel)
	assert.Equal(t, uint64(1<<37-1<<32), cfg.SeaBase())
	assert.Equal(t, cfg.SeaBase()-cfg.UserBase, cfg.UserSize())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: gpu1
pool_count: 8
va_size: 0x1000000000
log_level: debug
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "gpu1", cfg.Name)
	assert.Equal(t, uint(8), cfg.PoolCount)
	assert.Equal(t, uint64(0x1000000000), cfg.VASize)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, uint64(semaphore.PageSize), cfg.PageSize, "unset fields keep defaults")
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("pool_count: [1, 2]\n"), 0o644))
	_, err = LoadConfig(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("slot_size: 12\nlog_level: info\n"), 0o644))
	_, err = LoadConfig(invalid)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"kernel size above VA", func(c *Config) { c.KernelSize = c.VASize }},
		{"kernel window too small for sea", func(c *Config) { c.KernelSize = 4096 }},
		{"user base in kernel window", func(c *Config) { c.UserBase = c.SeaBase() }},
		{"misaligned user base", func(c *Config) { c.UserBase = 0x1234 }},
		{"budget below sea", func(c *Config) { c.DMABudget = 4096 }},
		{"unknown log level", func(c *Config) { c.LogLevel = "chatty" }},
		{"zero pools", func(c *Config) { c.PoolCount = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
