package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(2*1024*1024), cfg.Storage.ChunkSize)
	assert.Equal(t, 14*24*time.Hour, cfg.GC.GracePeriod)
	assert.Equal(t, 50, cfg.Negotiation.MaxRounds)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	os.Setenv("GITVAULT_STORAGE_ENDPOINT", "objects.example.com:9000")
	os.Setenv("GITVAULT_GC_MAX_DELETE_COUNT", "500")
	os.Setenv("GITVAULT_SERVER_ADDR", ":9443")
	defer func() {
		os.Unsetenv("GITVAULT_STORAGE_ENDPOINT")
		os.Unsetenv("GITVAULT_GC_MAX_DELETE_COUNT")
		os.Unsetenv("GITVAULT_SERVER_ADDR")
	}()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "objects.example.com:9000", cfg.Storage.Endpoint)
	assert.Equal(t, 500, cfg.GC.MaxDeleteCount)
	assert.Equal(t, ":9443", cfg.Server.Addr)
	// untouched knobs keep their defaults
	assert.Equal(t, 14*24*time.Hour, cfg.GC.GracePeriod)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/gitvault.yaml"
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  bucket: test-bucket
  use_ssl: true
negotiation:
  max_wants: 42
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-bucket", cfg.Storage.Bucket)
	assert.True(t, cfg.Storage.UseSSL)
	assert.Equal(t, 42, cfg.Negotiation.MaxWants)
	// file doesn't set lock.default_ttl, so it keeps its default
	assert.Equal(t, 30*time.Second, cfg.Lock.DefaultTTL)
}

func TestLoadRejectsUnreadableFile(t *testing.T) {
	_, err := Load("/nonexistent/path/gitvault.yaml")
	require.Error(t, err)
}
