// Package ratelimit tracks server-advertised request quotas and gates requests.
// It reads the X-RateLimit-Remaining, X-RateLimit-Limit, X-RateLimit-Reset and
// Retry-After headers so a long pagination run slows down before the server
// starts rejecting it.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining      = "apiquery:rate_limit:remaining"
	RedisKeyLimit          = "apiquery:rate_limit:limit"
	RedisKeyResetTimestamp = "apiquery:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "apiquery:rate_limit:last_update"
)

// Thresholds decide when the tracker blocks or throttles.
type Thresholds struct {
	// Critical blocks requests until reset when Remaining falls below it.
	Critical int

	// Warning delays each request by ThrottleDelay when Remaining falls below it.
	Warning int

	// Healthy marks the state healthy when Remaining is at or above it.
	Healthy int

	// ThrottleDelay is the per-request delay in the warning band.
	ThrottleDelay time.Duration
}

// DefaultThresholds returns the default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Critical:      1,
		Warning:       5,
		Healthy:       20,
		ThrottleDelay: time.Second,
	}
}

// State represents the last known quota state.
type State struct {
	// Remaining is the number of requests left in the current window.
	// -1 means unknown.
	Remaining int `json:"remaining"`

	// Limit is the window size, 0 if the server does not say.
	Limit int `json:"limit"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last updated.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining is unknown or at or above the healthy threshold.
	IsHealthy bool `json:"is_healthy"`
}

// UnknownState is the state before any quota headers have been seen.
func UnknownState() *State {
	return &State{Remaining: -1, IsHealthy: true}
}

// Known reports whether the server has advertised a quota.
func (s *State) Known() bool {
	return s.Remaining >= 0
}

// IsStale returns true if the state data is older than the given duration.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock reports whether requests must wait for the window reset.
// A reset time in the past means the window already rolled over.
func (s *State) NeedsCriticalBlock(th Thresholds) bool {
	return s.Known() && s.Remaining < th.Critical && s.TimeUntilReset() > 0
}

// NeedsThrottling reports whether requests should be slowed down.
func (s *State) NeedsThrottling(th Thresholds) bool {
	return s.Known() && s.Remaining < th.Warning && !s.NeedsCriticalBlock(th) && s.TimeUntilReset() > 0
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on Remaining.
func (s *State) UpdateHealth(th Thresholds) {
	s.IsHealthy = !s.Known() || s.Remaining >= th.Healthy
}
