package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTTL is the fallback TTL when neither Cache-Control nor Expires is present
	DefaultTTL = 5 * time.Minute
)

// ResponseToEntry converts a fully read response into a CacheEntry.
// It returns nil for responses that must not be stored (Cache-Control no-store).
func ResponseToEntry(statusCode int, header http.Header, body []byte) *CacheEntry {
	if header == nil {
		header = http.Header{}
	}
	if directives := cacheControl(header); directives.has("no-store") {
		return nil
	}

	entry := &CacheEntry{
		Data:       append([]byte(nil), body...),
		ETag:       header.Get("ETag"),
		StatusCode: statusCode,
		Headers:    keepHeaders(header),
		CachedAt:   time.Now(),
		Expires:    parseExpires(header),
	}

	if lastModStr := header.Get("Last-Modified"); lastModStr != "" {
		if lastMod, err := http.ParseTime(lastModStr); err == nil {
			entry.LastModified = lastMod
		}
	}

	return entry
}

// ExpiresFrom returns the expiry declared by the headers, or the zero time when
// the headers declare none.
func ExpiresFrom(header http.Header) time.Time {
	if header.Get("Cache-Control") == "" && header.Get("Expires") == "" {
		return time.Time{}
	}
	return parseExpires(header)
}

// parseExpires derives the expiration time from headers.
// Cache-Control max-age wins over Expires; no-cache expires immediately.
// Returns current time + DefaultTTL when nothing usable is present.
func parseExpires(headers http.Header) time.Time {
	now := time.Now()

	directives := cacheControl(headers)
	if directives.has("no-cache") {
		return now
	}
	if v, ok := directives["max-age"]; ok {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return now.Add(time.Duration(secs) * time.Second)
		}
	}

	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return now.Add(DefaultTTL)
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return now.Add(DefaultTTL)
	}

	if expires.Before(now) {
		return now
	}

	return expires
}

type directiveSet map[string]string

func (d directiveSet) has(name string) bool {
	_, ok := d[name]
	return ok
}

func cacheControl(headers http.Header) directiveSet {
	out := directiveSet{}
	for _, line := range headers.Values("Cache-Control") {
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, value, _ := strings.Cut(part, "=")
			out[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return out
}

// ShouldMakeConditionalRequest determines if we should add conditional
// request headers (If-None-Match or If-Modified-Since) based on the cache entry.
func ShouldMakeConditionalRequest(entry *CacheEntry) bool {
	if entry == nil {
		return false
	}
	return entry.ETag != "" || !entry.LastModified.IsZero()
}

// AddConditionalHeaders adds If-None-Match (ETag) or If-Modified-Since headers
// to the request if the cache entry supports conditional requests.
func AddConditionalHeaders(req *http.Request, entry *CacheEntry) {
	if entry == nil || req == nil {
		return
	}

	// ETag is more precise than Last-Modified
	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", entry.LastModified.UTC().Format(http.TimeFormat))
	}
}
