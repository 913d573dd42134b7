package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"COLLAB_LISTEN", "COLLAB_DEBOUNCE", "COLLAB_SEND_BUFFER", "COLLAB_STORE",
		"COLLAB_BOLT_PATH", "DATABASE_URL", "REDIS_ADDR", "LOG_LEVEL", "LOG_PRETTY", "COLLAB_MDNS",
		"COLLAB_STATE_TIMEOUT",
	} {
		t.Setenv(k, "")
	}
	// godotenv reads .env from the working directory.
	t.Chdir(t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.Listen)
	assert.Equal(t, 500*time.Millisecond, cfg.Debounce)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "collab.yaml")
	content := "listen: \":9000\"\ndebounce: 2s\nstore:\n  driver: bolt\n  bolt_path: /tmp/x.db\nlog:\n  level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 2*time.Second, cfg.Debounce)
	assert.Equal(t, DriverBolt, cfg.Store.Driver)
	assert.Equal(t, "/tmp/x.db", cfg.Store.BoltPath)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debounce: 2s\n"), 0o644))
	t.Setenv("COLLAB_DEBOUNCE", "50ms")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/collabtext")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.Debounce)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	// godotenv never overrides a variable that is already present, even when empty.
	os.Unsetenv("COLLAB_LISTEN")
	require.NoError(t, os.WriteFile(".env", []byte("COLLAB_LISTEN=:7777\n"), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Listen)
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("COLLAB_DEBOUNCE", "soon")

	_, err := Load("")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "COLLAB_DEBOUNCE")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Debounce = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Store.Driver = "mongo"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Store.Driver = DriverPostgres
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}

func TestLoad_Discovery(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("discovery:\n  instance: office\n"), 0o644))
	t.Setenv("COLLAB_MDNS", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DiscoveryConfig{Enabled: true, Instance: "office"}, cfg.Discovery)
}

func TestLoad_StateTimeout(t *testing.T) {
	clearEnv(t)
	t.Setenv("COLLAB_STATE_TIMEOUT", "1s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.StateTimeout)

	cfg.StateTimeout = 0
	assert.Error(t, cfg.Validate())
}
