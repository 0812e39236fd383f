// Package cache provides HTTP response caching with a Redis backend.
//
// The cache manager stores GET responses keyed by method, path and query
// parameters, and supports revalidation of stale entries:
//
// - Freshness from Cache-Control max-age or the Expires header
// - Cache-Control no-store responses are never cached
// - ETag support for conditional requests (If-None-Match)
// - Last-Modified support (If-Modified-Since)
// - A stale window keeps expired entries around for revalidation
// - Prometheus metrics for observability
// - Deterministic cache key generation
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient)
//
//	u, _ := url.Parse("https://api.example.com/v1/items?limit=100")
//	key := cache.KeyFor(http.MethodGet, u)
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from origin
//	}
//
// # Storing Responses
//
//	if entry := cache.ResponseToEntry(resp.StatusCode, resp.Header, body); entry != nil {
//		if err := manager.Set(ctx, key, entry); err != nil {
//			return err
//		}
//	}
//
// # Conditional Requests
//
//	if entry.IsExpired() && cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//		// origin returns 304 if not modified
//	}
//
// # Metrics
//
//   - apiquery_cache_hits_total{layer="redis"} - Cache hits
//   - apiquery_cache_misses_total - Cache misses
//   - apiquery_cache_size_bytes{layer="redis"} - Bytes written to the cache
//   - apiquery_conditional_requests_total - Conditional requests sent
//   - apiquery_304_responses_total - Conditional request successes
//   - apiquery_cache_errors_total{operation} - Cache operation errors
package cache
