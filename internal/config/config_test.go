package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, "api-query/dev", cfg.UserAgent)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, "ndjson", cfg.Output)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Empty(t, cfg.Metrics.Addr)
	assert.Empty(t, cfg.Redis.URL)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
user_agent: from-file/1.0
timeout: 5s
log:
  level: info
retry:
  max_retries: 7
throttle:
  rps: 2.5
  burst: 4
`), 0o644))

	t.Setenv("APIQUERY_LOG_LEVEL", "debug")
	t.Setenv("APIQUERY_RETRY_MAX_RETRIES", "9")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("max-retries", 0, "")
	require.NoError(t, flags.Parse([]string{"--max-retries=1"}))

	v := New()
	require.NoError(t, BindFlags(v, flags, map[string]string{
		"retry.max_retries": "max-retries",
		"log.format":        "missing-flag",
	}))
	require.NoError(t, ReadFile(v, path))

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "from-file/1.0", cfg.UserAgent)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level, "env overrides file")
	assert.Equal(t, 1, cfg.Retry.MaxRetries, "flag overrides env")
	assert.InDelta(t, 2.5, cfg.Throttle.RPS, 1e-9)
	assert.Equal(t, 4, cfg.Throttle.Burst)
}

func TestReadFile_MissingExplicitFile(t *testing.T) {
	err := ReadFile(New(), filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestReadFile_MissingDefaultFileIsFine(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	assert.NoError(t, ReadFile(New(), ""))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Port = 70000 }, true},
		{"empty user agent", func(c *Config) { c.UserAgent = "" }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"rps without burst", func(c *Config) { c.Throttle.RPS = 1 }, true},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, true},
		{"cache without redis", func(c *Config) { c.Redis.Cache = true }, true},
		{"cache with redis", func(c *Config) { c.Redis.Cache = true; c.Redis.URL = "localhost:6379" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(New())
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultURL(t *testing.T) {
	t.Setenv("PORT", "")
	got, err := DefaultURL(0)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8081/query", got)

	t.Setenv("PORT", "9000")
	got, err = DefaultURL(0)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/query", got)

	got, err = DefaultURL(7000)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:7000/query", got, "explicit port wins over PORT")

	t.Setenv("PORT", "abc")
	_, err = DefaultURL(0)
	assert.Error(t, err)
}

func TestResolveURL(t *testing.T) {
	cfg := &Config{URL: "https://api.example.com/query", Port: 1234}
	got, err := cfg.ResolveURL()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/query", got)

	cfg.URL = ""
	got, err = cfg.ResolveURL()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:1234/query", got)
}

func TestRedisOptions(t *testing.T) {
	cfg := &Config{}
	opts, err := cfg.RedisOptions()
	require.NoError(t, err)
	assert.Nil(t, opts)

	cfg.Redis.URL = "localhost:6380"
	opts, err = cfg.RedisOptions()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", opts.Addr)

	cfg.Redis.URL = "redis://:secret@cache.internal:6379/2"
	opts, err = cfg.RedisOptions()
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6379", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
}
