package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bucketco/flagcore/pkg/client"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		require.NoError(t, os.Chdir(old))
	})
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("FLAGCORE_API_BASE_URL", "https://flags.example.com/v1?key=pk-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://flags.example.com/v1?key=pk-1", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Cache.StaleTTL)
	assert.Equal(t, 168*time.Hour, cfg.Cache.ExpireTTL)
	assert.True(t, cfg.Cache.StaleWhileRevalidate)
	assert.Equal(t, 3, cfg.Cache.NegativeAttempts)
	assert.Equal(t, "periodic", cfg.Cache.Strategy)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
api:
  base_url: "https://flags.example.com/v1?key=pk-2"
  secret_key: "sec-9"
  timeout: 2s
cache:
  stale_ttl: 30s
  strategy: in-request
fallback:
  file: ./fallback.json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flagcore.yaml"), []byte(content), 0o600))
	chdir(t, dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sec-9", cfg.API.SecretKey)
	assert.Equal(t, 2*time.Second, cfg.API.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Cache.StaleTTL)
	assert.Equal(t, "in-request", cfg.Cache.Strategy)
	assert.Equal(t, "./fallback.json", cfg.Fallback.File)
}

func TestLoadRequiresBaseURL(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.base_url")
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := &Config{
		API:   APIConfig{BaseURL: "https://flags.example.com", Timeout: time.Second},
		Cache: CacheConfig{Strategy: "eager"},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := &Config{
		API:     APIConfig{BaseURL: "https://flags.example.com", Timeout: time.Second},
		Cache:   CacheConfig{Strategy: "periodic"},
		Logging: LoggingConfig{Level: "loud"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestLoggerLevel(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "warn"}}
	assert.Equal(t, zerolog.WarnLevel, cfg.Logger().GetLevel())

	// Unset and unparseable levels fall back to info.
	assert.Equal(t, zerolog.InfoLevel, (&Config{}).Logger().GetLevel())
}

func TestClientConfig(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			BaseURL:   "https://flags.example.com/v1?key=pk-1",
			SecretKey: "sec-1",
			Timeout:   2 * time.Second,
		},
		Cache: CacheConfig{
			StaleTTL:             30 * time.Second,
			ExpireTTL:            time.Hour,
			StaleWhileRevalidate: true,
			NegativeAttempts:     5,
			Strategy:             "in-request",
		},
		Fallback: FallbackConfig{File: "fallback.json"},
		Logging:  LoggingConfig{Level: "debug"},
	}

	clientCfg := cfg.ClientConfig()
	assert.Equal(t, "https://flags.example.com/v1?key=pk-1", clientCfg.APIBaseURL)
	assert.Equal(t, "sec-1", clientCfg.SecretKey)
	assert.Equal(t, 2*time.Second, clientCfg.Timeout)
	assert.Equal(t, 30*time.Second, clientCfg.StaleTTL)
	assert.Equal(t, time.Hour, clientCfg.ExpireTTL)
	assert.Equal(t, 5, clientCfg.CacheNegativeAttempts)
	assert.Equal(t, client.StrategyInRequest, clientCfg.Strategy)
	assert.Equal(t, "fallback.json", clientCfg.FallbackFile)
	assert.Equal(t, zerolog.DebugLevel, clientCfg.Logger.GetLevel())
}
