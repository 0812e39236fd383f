package commands

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/api-query/pkg/cache"
	"github.com/Sternrassler/api-query/pkg/client"
	"github.com/Sternrassler/api-query/pkg/logging"
	"github.com/Sternrassler/api-query/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

// newClient builds the HTTP client from the merged configuration, wiring
// Redis for the response cache and shared rate-limit state when enabled.
// The returned cleanup closes the client and any Redis connection.
func (a *app) newClient(ctx context.Context) (*client.Client, func(), error) {
	c, _, cleanup, err := a.newCachingClient(ctx)
	return c, cleanup, err
}

// newCachingClient is newClient that also returns the response cache, nil
// unless enabled.
func (a *app) newCachingClient(ctx context.Context) (*client.Client, *cache.Manager, func(), error) {
	cfg := client.DefaultConfig(a.cfg.UserAgent)
	if a.cfg.Timeout > 0 {
		cfg.Timeout = a.cfg.Timeout
	}
	cfg.RequestsPerSecond = a.cfg.Throttle.RPS
	cfg.Burst = a.cfg.Throttle.Burst

	session, err := client.NewSession()
	if err != nil {
		return nil, nil, nil, err
	}
	cfg.Session = session

	var store ratelimit.Store = ratelimit.NewMemoryStore()
	var rdb *redis.Client
	if a.cfg.Redis.URL != "" && (a.cfg.Redis.Cache || a.cfg.Redis.RateLimit) {
		opts, err := a.cfg.RedisOptions()
		if err != nil {
			return nil, nil, nil, err
		}
		rdb = redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			return nil, nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}

		if a.cfg.Redis.Cache {
			cfg.Cache = cache.NewManager(rdb)
		}
		if a.cfg.Redis.RateLimit {
			store = ratelimit.NewRedisStore(rdb)
		}
	}
	cfg.RateLimiter = ratelimit.NewTracker(store, ratelimit.DefaultThresholds(), logging.NewLogger("ratelimit"))

	c, err := client.New(cfg)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return nil, nil, nil, err
	}

	cleanup := func() {
		c.Close()
		if rdb != nil {
			rdb.Close()
		}
	}
	return c, cfg.Cache, cleanup, nil
}

// parseHeaders parses "Name: value" pairs.
func parseHeaders(values []string) (http.Header, error) {
	h := http.Header{}
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, usageError(fmt.Errorf("invalid header %q, want Name: value", v))
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h, nil
}

// parseParams parses key=value pairs. Repeated keys accumulate.
func parseParams(values []string) (url.Values, error) {
	params := url.Values{}
	for _, v := range values {
		key, value, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return nil, usageError(fmt.Errorf("invalid parameter %q, want key=value", v))
		}
		params.Add(key, value)
	}
	return params, nil
}
