package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apiquery_rate_limit_remaining",
		Help: "Requests remaining in the current server rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apiquery_rate_limit_blocks_total",
		Help: "Total number of requests held until the rate limit window reset",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apiquery_rate_limit_throttles_total",
		Help: "Total number of requests delayed in the rate limit warning band",
	})
)

// epochThreshold separates delta-seconds from unix timestamps in X-RateLimit-Reset.
const epochThreshold = 1_000_000_000

// maxBlock caps a single critical wait.
const maxBlock = 15 * time.Minute

// Tracker monitors server quotas and gates requests.
type Tracker struct {
	store      Store
	thresholds Thresholds
	logger     zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a tracker. A nil store keeps state in memory.
func NewTracker(store Store, thresholds Thresholds, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:      store,
		thresholds: thresholds,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// GetState returns the current state, or UnknownState if nothing is stored.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	state, err := t.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return UnknownState(), nil
	}
	state.UpdateHealth(t.thresholds)
	return state, nil
}

// UpdateFromHeaders records the quota advertised by a response.
// A 429 without X-RateLimit-Remaining is treated as an exhausted window that
// resets after Retry-After.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, status int, headers http.Header) error {
	now := time.Now()
	state := &State{Remaining: -1, LastUpdate: now}

	if remainStr := headers.Get("X-RateLimit-Remaining"); remainStr != "" {
		remain, err := strconv.Atoi(strings.TrimSpace(remainStr))
		if err != nil {
			return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
		}
		state.Remaining = remain
	}

	if limitStr := headers.Get("X-RateLimit-Limit"); limitStr != "" {
		// Some servers send "100, 100;w=60"; keep the leading number
		first, _, _ := strings.Cut(limitStr, ",")
		if limit, err := strconv.Atoi(strings.TrimSpace(first)); err == nil {
			state.Limit = limit
		}
	}

	if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
		reset, err := strconv.ParseInt(strings.TrimSpace(resetStr), 10, 64)
		if err != nil {
			return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
		}
		if reset > epochThreshold {
			state.ResetAt = time.Unix(reset, 0)
		} else {
			state.ResetAt = now.Add(time.Duration(reset) * time.Second)
		}
	}

	if status == http.StatusTooManyRequests {
		if retryAfter, ok := ParseRetryAfter(headers.Get("Retry-After"), now); ok {
			state.ResetAt = now.Add(retryAfter)
		}
		if !state.Known() {
			state.Remaining = 0
		}
	}

	if !state.Known() {
		return nil
	}
	state.UpdateHealth(t.thresholds)

	if err := t.store.Save(ctx, state); err != nil {
		return err
	}

	quotaRemaining.Set(float64(state.Remaining))

	switch {
	case state.NeedsCriticalBlock(t.thresholds):
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit exhausted - requests will wait for reset")
	case state.NeedsThrottling(t.thresholds):
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Rate limit low - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Int("limit", state.Limit).
			Msg("Rate limit state updated")
	}

	return nil
}

// Wait blocks until a request may be sent: until the window reset when the
// quota is exhausted, ThrottleDelay in the warning band, otherwise not at all.
// It returns the context error if ctx ends first.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		// Tracker backend trouble must not stop the query
		t.logger.Warn().Err(err).Msg("Failed to read rate limit state")
		return nil
	}

	switch {
	case state.NeedsCriticalBlock(t.thresholds):
		wait := state.TimeUntilReset()
		if wait > maxBlock {
			wait = maxBlock
		}
		rateLimitBlocksTotal.Inc()
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait", wait).
			Msg("Rate limit exhausted - waiting for reset")
		return t.sleep(ctx, wait)

	case state.NeedsThrottling(t.thresholds):
		rateLimitThrottlesTotal.Inc()
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Dur("wait", t.thresholds.ThrottleDelay).
			Msg("Rate limit low - throttling request")
		return t.sleep(ctx, t.thresholds.ThrottleDelay)
	}

	return nil
}

// ParseRetryAfter parses a Retry-After value given as delta-seconds or an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
