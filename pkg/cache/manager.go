package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultStaleWindow is how long expired entries stay in Redis for revalidation.
const DefaultStaleWindow = 10 * time.Minute

// Manager handles caching operations with Redis backend.
type Manager struct {
	redis       redis.UniversalClient
	staleWindow time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithStaleWindow sets how long expired entries are kept for conditional
// revalidation. Zero drops entries as soon as they expire.
func WithStaleWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.staleWindow = d
		}
	}
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient redis.UniversalClient, opts ...Option) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	m := &Manager{
		redis:       redisClient,
		staleWindow: DefaultStaleWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get retrieves a cache entry by key.
// Expired entries still inside the stale window are returned so the caller can
// revalidate them; check IsExpired. Returns ErrCacheMiss if nothing usable exists.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	cacheKey := key.String()

	data, err := m.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		if time.Since(entry.Expires) > m.staleWindow || !ShouldMakeConditionalRequest(&entry) {
			_ = m.Delete(ctx, key)
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		// Stale but revalidatable
		CacheMisses.Inc()
		return &entry, nil
	}

	CacheHits.WithLabelValues("redis").Inc()
	return &entry, nil
}

// Set stores a cache entry. The Redis TTL covers the entry's freshness plus the
// stale window.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 && (m.staleWindow == 0 || !ShouldMakeConditionalRequest(entry)) {
		return nil
	}
	ttl += m.staleWindow

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheSize.WithLabelValues("redis").Add(float64(len(data)))

	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

// UpdateTTL refreshes the expiry of an existing entry, typically after a
// 304 Not Modified response.
func (m *Manager) UpdateTTL(ctx context.Context, key CacheKey, newExpires time.Time) error {
	entry, err := m.Get(ctx, key)
	if err != nil {
		return err
	}

	entry.Expires = newExpires
	entry.CachedAt = time.Now()

	return m.Set(ctx, key, entry)
}

// purgeBatch is the SCAN count used by Purge.
const purgeBatch = 500

// Purge deletes the entries of every page of a query: all keys sharing
// key.Base(), whatever their query parameters. It returns the number of
// entries removed.
func (m *Manager) Purge(ctx context.Context, key CacheKey) (int, error) {
	base := key.Base()
	pattern := globEscaper.Replace(base.String()) + "*"

	removed := 0
	iter := m.redis.Scan(ctx, 0, pattern, purgeBatch).Iterator()
	var batch []string
	for iter.Next(ctx) {
		if k := iter.Val(); base.covers(k) {
			batch = append(batch, k)
		}
		if len(batch) >= purgeBatch {
			n, err := m.redis.Del(ctx, batch...).Result()
			if err != nil {
				CacheErrors.WithLabelValues("purge").Inc()
				return removed, fmt.Errorf("redis del: %w", err)
			}
			removed += int(n)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		CacheErrors.WithLabelValues("purge").Inc()
		return removed, fmt.Errorf("redis scan: %w", err)
	}
	if len(batch) > 0 {
		n, err := m.redis.Del(ctx, batch...).Result()
		if err != nil {
			CacheErrors.WithLabelValues("purge").Inc()
			return removed, fmt.Errorf("redis del: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

