// Package client provides the HTTP client capability used by the query
// engine: one request/response exchange with cookie propagation, content
// decoding, throttling, optional response caching and rate limit tracking.
// It never retries; retry policy belongs to the caller.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/api-query/pkg/cache"
	"github.com/Sternrassler/api-query/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for client requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiquery_requests_total",
		Help: "Total HTTP requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apiquery_request_duration_seconds",
		Help:    "HTTP request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apiquery_errors_total",
		Help: "Total request errors by class",
	}, []string{"class"})
)

// Sender performs a single HTTP request/response exchange.
// Implementations return *TransportError for connection-level failures and a
// Response for every status code; classifying the status is up to the caller.
type Sender interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, req *Request) (*Response, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Request describes one HTTP exchange.
type Request struct {
	Method string
	URL    string
	// Params are merged into the URL query, replacing keys already present.
	Params url.Values
	Header http.Header
	Body   []byte
	// Timeout bounds this exchange including the body read. Zero uses Config.Timeout.
	Timeout time.Duration
}

// Response is a fully read, content-decoded HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// FromCache is set when the body was served from the response cache.
	FromCache bool
}

// Config holds the client configuration.
type Config struct {
	// UserAgent header sent with every request.
	UserAgent string

	// Timeout is the default per-request timeout.
	Timeout time.Duration

	// Session holds cookies across requests. Nil creates a fresh session.
	Session *Session

	// RequestsPerSecond and Burst enable the token-bucket throttle when both are > 0.
	RequestsPerSecond float64
	Burst             int

	// MaxBodyBytes caps the decoded body size. Zero means unlimited.
	MaxBodyBytes int64

	// Cache enables Redis response caching for GET requests.
	Cache *cache.Manager

	// RateLimiter gates requests on X-RateLimit-* state.
	RateLimiter *ratelimit.Tracker

	// Transport overrides the base round tripper (tests, proxies).
	Transport http.RoundTripper
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent:    userAgent,
		Timeout:      30 * time.Second,
		MaxBodyBytes: 64 << 20,
	}
}

// Client is the net/http implementation of Sender.
type Client struct {
	httpClient  *http.Client
	session     *Session
	cache       *cache.Manager
	rateLimiter *ratelimit.Tracker
	config      Config
	logger      zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "http-client").Logger()

	session := cfg.Session
	if session == nil {
		var err error
		session, err = NewSession()
		if err != nil {
			return nil, err
		}
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.RequestsPerSecond > 0 || cfg.Burst > 0 {
		t, err := newThrottle(cfg.RequestsPerSecond, cfg.Burst, logger, transport)
		if err != nil {
			return nil, fmt.Errorf("configuring throttle: %w", err)
		}
		transport = t
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Jar:       session.Jar(),
		},
		session:     session,
		cache:       cfg.Cache,
		rateLimiter: cfg.RateLimiter,
		config:      cfg,
		logger:      logger,
	}, nil
}

// Session returns the cookie session used by the client.
func (c *Client) Session() *Session {
	return c.session
}

// Send performs the request. Non-2xx statuses are returned as responses, not errors.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := c.buildRequest(reqCtx, req)
	if err != nil {
		return nil, err
	}
	endpoint := httpReq.URL.Path

	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(reqCtx); err != nil {
			return nil, c.wrapTransport(ctx, httpReq, err)
		}
	}

	var (
		cacheKey    cache.CacheKey
		cachedEntry *cache.CacheEntry
	)
	if c.cache != nil && httpReq.Method == http.MethodGet {
		cacheKey = cache.KeyFor(httpReq.Method, httpReq.URL)
		cachedEntry, err = c.cache.Get(reqCtx, cacheKey)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
		if cachedEntry != nil && !cachedEntry.IsExpired() {
			c.logger.Debug().Str("endpoint", endpoint).Msg("Serving response from cache")
			requestsTotal.WithLabelValues(httpReq.Method, "cached").Inc()
			return entryToResponse(cachedEntry), nil
		}
		if cache.ShouldMakeConditionalRequest(cachedEntry) {
			cache.AddConditionalHeaders(httpReq, cachedEntry)
			cache.ConditionalRequestsSent.Inc()
		}
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", httpReq.Method).
		Str("request_id", httpReq.Header.Get("X-Request-ID")).
		Msg("Executing request")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	requestDuration.WithLabelValues(httpReq.Method).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, c.wrapTransport(ctx, httpReq, err)
	}
	defer httpResp.Body.Close()

	resp, err := c.readResponse(httpResp)
	if err != nil {
		return nil, c.wrapTransport(ctx, httpReq, err)
	}

	requestsTotal.WithLabelValues(httpReq.Method, strconv.Itoa(resp.StatusCode)).Inc()
	if class := ClassifyStatus(resp.StatusCode); class != "" {
		errorsTotal.WithLabelValues(string(class)).Inc()
	}

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.StatusCode, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	if c.cache != nil && httpReq.Method == http.MethodGet {
		resp = c.updateCache(ctx, cacheKey, cachedEntry, resp)
	}

	return resp, nil
}

func (c *Client) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url %q: %v", ErrInvalidRequest, req.URL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: url %q must be absolute", ErrInvalidRequest, req.URL)
	}
	if len(req.Params) > 0 {
		q := u.Query()
		for k, vs := range req.Params {
			q[k] = append([]string(nil), vs...)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if httpReq.Header.Get("X-Request-ID") == "" {
		httpReq.Header.Set("X-Request-ID", uuid.NewString())
	}

	return httpReq, nil
}

func (c *Client) readResponse(httpResp *http.Response) (*Response, error) {
	raw, err := readLimited(httpResp.Body, c.config.MaxBodyBytes, "read body")
	if err != nil {
		return nil, err
	}

	body, err := decodeContent(httpResp.Header.Get("Content-Encoding"), raw, c.config.MaxBodyBytes)
	if err != nil {
		return nil, err
	}

	header := httpResp.Header.Clone()
	if header.Get("Content-Encoding") != "" {
		header.Del("Content-Encoding")
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

// updateCache stores fresh 200 responses and swaps 304 responses for the cached body.
func (c *Client) updateCache(ctx context.Context, key cache.CacheKey, cached *cache.CacheEntry, resp *Response) *Response {
	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		cache.NotModifiedResponses.Inc()
		if expires := cache.ExpiresFrom(resp.Header); !expires.IsZero() {
			if err := c.cache.UpdateTTL(ctx, key, expires); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
			}
		}
		c.logger.Debug().Str("key", key.String()).Msg("304 Not Modified - using cache")
		return entryToResponse(cached)

	case resp.StatusCode == http.StatusOK:
		entry := cache.ResponseToEntry(resp.StatusCode, resp.Header, resp.Body)
		if entry == nil {
			return resp
		}
		if err := c.cache.Set(ctx, key, entry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		} else {
			c.logger.Debug().Str("key", key.String()).Dur("ttl", entry.TTL()).Msg("Cached response")
		}
	}
	return resp
}

// wrapTransport converts a request failure into a TransportError, unless the
// caller's own context ended, in which case the context error is returned as is.
func (c *Client) wrapTransport(parent context.Context, req *http.Request, err error) error {
	if perr := parent.Err(); perr != nil {
		return perr
	}
	if errors.Is(err, ErrUnsupportedEncoding) || errors.Is(err, ErrBodyTooLarge) {
		return err
	}

	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}

	errorsTotal.WithLabelValues(string(ClassNetwork)).Inc()
	requestsTotal.WithLabelValues(req.Method, "network_error").Inc()
	c.logger.Debug().Err(err).Str("endpoint", req.URL.Path).Bool("timeout", timeout).Msg("Request failed")

	return &TransportError{
		Method:  req.Method,
		URL:     req.URL.Redacted(),
		Timeout: timeout,
		Err:     err,
	}
}

func entryToResponse(entry *cache.CacheEntry) *Response {
	return &Response{
		StatusCode: entry.StatusCode,
		Header:     entry.Headers.Clone(),
		Body:       append([]byte(nil), entry.Data...),
		FromCache:  true,
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
