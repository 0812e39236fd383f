package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CacheKey represents a unique identifier for a cached response.
type CacheKey struct {
	// Method is the HTTP method (only GET responses are cached by the client)
	Method string

	// Host is the origin host including port
	Host string

	// Path is the request path (e.g., "/v1/items")
	Path string

	// QueryParams are the query parameters, including the pagination cursor
	QueryParams url.Values
}

// KeyFor builds the cache key of a request URL.
func KeyFor(method string, u *url.URL) CacheKey {
	return CacheKey{
		Method:      strings.ToUpper(method),
		Host:        u.Host,
		Path:        u.Path,
		QueryParams: u.Query(),
	}
}

// String generates a deterministic cache key string.
// Format: apiquery:METHOD:host:path:query1=val1:query1=val2:query2=val
//
// Example:
//
//	apiquery:GET:api.example.com:v1/items:limit=100:page_token=abc
func (k CacheKey) String() string {
	parts := []string{"apiquery"}

	method := k.Method
	if method == "" {
		method = "GET"
	}
	parts = append(parts, strings.ToUpper(method))

	if k.Host != "" {
		parts = append(parts, strings.ToLower(k.Host))
	}

	if path := strings.Trim(k.Path, "/"); path != "" {
		parts = append(parts, path)
	}

	// Query params sorted for determinism; repeated values keep their order
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			for _, v := range k.QueryParams[key] {
				parts = append(parts, fmt.Sprintf("%s=%s", url.QueryEscape(key), url.QueryEscape(v)))
			}
		}
	}

	return strings.Join(parts, ":")
}

// Base is the key of the request without query parameters. All pages of one
// query share it.
func (k CacheKey) Base() CacheKey {
	return CacheKey{Method: k.Method, Host: k.Host, Path: k.Path}
}

// covers reports whether the stored key s belongs to base key k.
func (k CacheKey) covers(s string) bool {
	base := k.String()
	return s == base || strings.HasPrefix(s, base+":")
}

