package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, 100, cfg.Downloader.BatchSize)
	assert.Equal(t, 10, cfg.Downloader.WriteWorkers)
	assert.Equal(t, 10*time.Minute, cfg.Downloader.StaleAfter.Duration)
	assert.Equal(t, time.Hour, cfg.Cache.TTL.Duration)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[server]
addr = ":9000"

[storage]
driver = "postgres"

[downloader]
dir = "/var/lib/evernoterobot"
batch_size = 5
write_workers = 2
download_timeout = "30s"
max_attempts = 4
max_file_bytes = 1024
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 5, cfg.Downloader.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Downloader.DownloadTimeout.Duration)
	assert.Equal(t, time.Second, cfg.Downloader.PollInterval.Duration)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "cache:\n  capacity: 42\n  ttl: 5m\nrouter:\n  download_wait: 1m\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Cache.Capacity)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL.Duration)
	assert.Equal(t, time.Minute, cfg.Router.DownloadWait.Duration)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[storage]\ndriver = \"mongo\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "env-token")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)

	masked := cfg.Masked()
	assert.Equal(t, "******", masked.Telegram.Token)
	assert.Equal(t, "******", masked.Redis.URL)
	assert.Equal(t, "env-token", cfg.Telegram.Token)
}
