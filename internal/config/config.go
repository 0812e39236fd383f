// Package config loads api-query settings from defaults, a YAML config
// file, APIQUERY_* environment variables, and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. APIQUERY_LOG_LEVEL.
const EnvPrefix = "APIQUERY"

// DefaultPort is used for the default URL when neither --port nor PORT is set.
const DefaultPort = 8081

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the merged configuration.
type Config struct {
	// URL is the batch/stdin endpoint; empty means DefaultURL.
	URL       string        `mapstructure:"url"`
	Port      int           `mapstructure:"port"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Output    string        `mapstructure:"output"`

	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Retry    RetryConfig    `mapstructure:"retry"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	NoColor bool   `mapstructure:"no_color"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `mapstructure:"addr"`
}

// RedisConfig configures the shared cache and rate-limit state.
type RedisConfig struct {
	// URL is redis://... or host:port; empty disables Redis.
	URL       string `mapstructure:"url"`
	Cache     bool   `mapstructure:"cache"`
	RateLimit bool   `mapstructure:"rate_limit"`
}

// ThrottleConfig configures client-side request pacing.
type ThrottleConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// RetryConfig configures page retries.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("url", "")
	v.SetDefault("port", 0)
	v.SetDefault("user_agent", "api-query/dev")
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("output", "ndjson")
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.no_color", false)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache", false)
	v.SetDefault("redis.rate_limit", false)
	v.SetDefault("throttle.rps", 0.0)
	v.SetDefault("throttle.burst", 0)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 30*time.Second)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds flags to keys, e.g. {"log.level": "log-level"}.
// Missing flags are skipped.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag --%s: %w", name, err)
		}
	}
	return nil
}

// ReadFile reads path, or $HOME/.api-query/config.yml when path is empty.
// A missing default file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", path, err)
		}
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	v.AddConfigPath(filepath.Join(home, ".api-query"))
	v.SetConfigName("config")
	v.SetConfigType("yml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	return nil
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.UserAgent == "" {
		errs = append(errs, errors.New("user_agent must not be empty"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	if c.Throttle.RPS < 0 || c.Throttle.Burst < 0 {
		errs = append(errs, errors.New("throttle values must not be negative"))
	}
	if c.Throttle.RPS > 0 && c.Throttle.Burst == 0 {
		errs = append(errs, errors.New("throttle.burst is required with throttle.rps"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if (c.Redis.Cache || c.Redis.RateLimit) && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required for redis.cache and redis.rate_limit"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ResolveURL returns URL, or DefaultURL for the configured port.
func (c *Config) ResolveURL() (string, error) {
	if c.URL != "" {
		return c.URL, nil
	}
	return DefaultURL(c.Port)
}

// DefaultURL is http://localhost:PORT/query. A port of 0 falls back to
// the PORT environment variable, then DefaultPort.
func DefaultURL(port int) (string, error) {
	if port == 0 {
		port = DefaultPort
		if s := os.Getenv("PORT"); s != "" {
			p, err := strconv.Atoi(s)
			if err != nil || p <= 0 || p > 65535 {
				return "", fmt.Errorf("parsing port string %q from PORT env var", s)
			}
			port = p
		}
	}
	return fmt.Sprintf("http://localhost:%d/query", port), nil
}

// RedisOptions parses Redis.URL: a redis:// URL, or a bare host:port.
func (c *Config) RedisOptions() (*redis.Options, error) {
	if c.Redis.URL == "" {
		return nil, nil
	}
	if strings.Contains(c.Redis.URL, "://") {
		opts, err := redis.ParseURL(c.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: c.Redis.URL}, nil
}
