package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var throttleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "apiquery_throttle_wait_seconds",
	Help:    "Time spent waiting for a throttle token before sending a request",
	Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
})

// ErrThrottleConfig is returned for non-positive rate or burst values.
var ErrThrottleConfig = errors.New("throttle rps and burst must be greater than zero")

// throttle is an http.RoundTripper that limits outbound requests with a
// token bucket. Requests block until a token is available or their context ends.
type throttle struct {
	limiter *rate.Limiter
	rps     float64
	burst   int
	next    http.RoundTripper
	logger  zerolog.Logger
}

func newThrottle(rps float64, burst int, logger zerolog.Logger, next http.RoundTripper) (*throttle, error) {
	if rps <= 0 || burst <= 0 {
		return nil, fmt.Errorf("rps[%g] burst[%d]: %w", rps, burst, ErrThrottleConfig)
	}
	return &throttle{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		rps:     rps,
		burst:   burst,
		next:    next,
		logger:  logger,
	}, nil
}

func (t *throttle) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("throttle wait: %w", err)
	}
	waited := time.Since(start)
	throttleWaitSeconds.Observe(waited.Seconds())

	if waited > 100*time.Millisecond {
		t.logger.Debug().
			Dur("waited", waited).
			Float64("rps", t.rps).
			Int("burst", t.burst).
			Str("endpoint", r.URL.Path).
			Msg("Throttle wait complete")
	}

	return t.next.RoundTrip(r)
}
