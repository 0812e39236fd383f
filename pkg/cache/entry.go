package cache

import (
	"net/http"
	"time"
)

// storedHeaders are the response headers kept with a page. Link carries the
// next page of Link-paginated APIs and must survive a cache hit.
var storedHeaders = []string{
	"Content-Type",
	"Content-Encoding",
	"Link",
	"ETag",
	"Last-Modified",
	"Cache-Control",
	"Expires",
	"X-Total-Count",
}

// CacheEntry is one cached page response.
type CacheEntry struct {
	// Data is the decoded response body
	Data []byte `json:"data"`

	// ETag for conditional requests (If-None-Match)
	ETag string `json:"etag,omitempty"`

	// Expires is when the entry stops being fresh
	Expires time.Time `json:"expires"`

	// LastModified for conditional requests (If-Modified-Since)
	LastModified time.Time `json:"last_modified,omitzero"`

	StatusCode int `json:"status_code"`

	// Headers holds the subset of response headers listed in storedHeaders
	Headers http.Header `json:"headers,omitempty"`

	CachedAt time.Time `json:"cached_at"`
}

// IsExpired reports whether the entry needs revalidation.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the remaining freshness, 0 once expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Age returns how long ago the entry was cached.
func (e *CacheEntry) Age() time.Duration {
	return time.Since(e.CachedAt)
}

func keepHeaders(h http.Header) http.Header {
	out := http.Header{}
	for _, name := range storedHeaders {
		for _, v := range h.Values(name) {
			out.Add(name, v)
		}
	}
	return out
}
