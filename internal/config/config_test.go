package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/dnscache/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
cache:
  memory: true
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dnscache", cfg.AppName)
	assert.Equal(t, ":53", cfg.Listen.UDP)
	assert.Equal(t, ":53", cfg.Listen.TCP)
	assert.Len(t, cfg.Upstreams, 2)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 4*1024*1024, cfg.Cache.Size)
	assert.Equal(t, -1, cfg.Cache.OverrideTTL)
	assert.Equal(t, 1, cfg.Cache.MultipleTTL)
	assert.Equal(t, "127.0.0.1:47824", cfg.HTTP.Listen)
}

func TestLoadExplicitCacheSettings(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
cache:
  enabled: true
  file: /tmp/cache.db
  size: 204800
  reload: true
  overwrite: true
  ignore_ttl: true
  override_ttl: 60
  multiple_ttl: 2
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/cache.db", cfg.Cache.File)
	assert.Equal(t, 204800, cfg.Cache.Size)
	assert.True(t, cfg.Cache.Reload)
	assert.True(t, cfg.Cache.Overwrite)
	assert.True(t, cfg.Cache.IgnoreTTL)
	assert.Equal(t, 60, cfg.Cache.OverrideTTL)
	assert.Equal(t, 2, cfg.Cache.MultipleTTL)
}

func TestLoadRoundsCacheSize(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
cache:
  memory: true
  size: 102401
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 102408, cfg.Cache.Size)

	path = writeConfig(t, `
cache:
  memory: true
  size: 102400
`)

	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 102400, cfg.Cache.Size)
}

func TestLoadExplicitDisableSticks(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
cache:
  enabled: false
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Cache.Enabled)
}

func TestLoadCoercesInvalidMultipleTTL(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
cache:
  memory: true
  multiple_ttl: -5
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Cache.MultipleTTL)
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{
			name: "file backed cache without file",
			body: "cache:\n  enabled: true\n",
		},
		{
			name: "bad listen address",
			body: "listen:\n  udp: nonsense\n  tcp: \":53\"\ncache:\n  memory: true\n",
		},
		{
			name: "upstream without name",
			body: "upstreams:\n  - address: 1.1.1.1:53\ncache:\n  memory: true\n",
		},
		{
			name: "upstream without address",
			body: "upstreams:\n  - name: broken\ncache:\n  memory: true\n",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeConfig(t, tt.body)
			_, err := config.Load(path)
			require.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "cache:\n  memory: true\n")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	cfg.AppName = "renamed"
	require.NoError(t, cfg.Save())

	again, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "renamed", again.AppName)
}
