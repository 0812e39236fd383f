package pagination

import (
	"context"
	"time"

	"github.com/Sternrassler/api-query/pkg/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PageResult is one decoded page. It owns all of its data.
type PageResult struct {
	PageIndex int
	Records   []Record
	NextToken string
	TotalHint int
	// Attempts is the number of requests made, 1 without retries.
	Attempts int
	// Waited is the total backoff delay slept before success.
	Waited time.Duration
}

// RetryEvent describes a retry about to happen.
type RetryEvent struct {
	PageIndex int
	Attempt   int
	Err       error
	Delay     time.Duration
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Backoff    Backoff
	MaxRetries int
	Decoder    Decoder
	// Sleep defaults to SleepContext.
	Sleep  Sleeper
	Logger *zerolog.Logger
	// OnRetry is called before each backoff sleep.
	OnRetry func(RetryEvent)
}

// Fetcher executes one page request to completion, retrying transient failures.
type Fetcher struct {
	sender  client.Sender
	backoff Backoff
	retries int
	decoder Decoder
	sleep   Sleeper
	onRetry func(RetryEvent)
	logger  zerolog.Logger
}

// NewFetcher creates a fetcher.
func NewFetcher(sender client.Sender, cfg FetcherConfig) *Fetcher {
	f := &Fetcher{
		sender:  sender,
		backoff: cfg.Backoff,
		retries: cfg.MaxRetries,
		decoder: cfg.Decoder,
		sleep:   cfg.Sleep,
		onRetry: cfg.OnRetry,
	}
	if f.decoder == nil {
		f.decoder = JSONDecoder{}
	}
	if f.sleep == nil {
		f.sleep = SleepContext
	}
	if f.retries < 0 {
		f.retries = 0
	}
	if cfg.Logger != nil {
		f.logger = *cfg.Logger
	} else {
		f.logger = log.With().Str("component", "fetcher").Logger()
	}
	return f
}

// Fetch sends req until it succeeds, fails permanently, or runs out of retries.
// Failures are *FetchError; if ctx ends, ctx.Err() is returned unchanged.
func (f *Fetcher) Fetch(ctx context.Context, req client.Request, pageIndex int) (*PageResult, error) {
	var waited time.Duration

	for attempt := 0; ; attempt++ {
		f.logger.Debug().
			Str("url", req.URL).
			Int("page", pageIndex).
			Int("attempt", attempt).
			Msg("Fetching page")

		page, err := f.attempt(ctx, &req)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err == nil {
			pagesFetchedTotal.Inc()
			return &PageResult{
				PageIndex: pageIndex,
				Records:   page.Records,
				NextToken: page.NextToken,
				TotalHint: page.TotalHint,
				Attempts:  attempt + 1,
				Waited:    waited,
			}, nil
		}

		class := errorClassLabel(string(client.ClassOf(err)))

		if !client.IsTransient(err) {
			permanentFailuresTotal.WithLabelValues(class).Inc()
			f.logger.Debug().Err(err).Int("page", pageIndex).Str("error_class", class).Msg("Permanent failure")
			return nil, &FetchError{PageIndex: pageIndex, Attempts: attempt + 1, Kind: ErrPermanent, Err: err}
		}

		if attempt >= f.retries {
			retriesExhaustedTotal.WithLabelValues(class).Inc()
			f.logger.Warn().
				Err(err).
				Int("page", pageIndex).
				Int("attempts", attempt+1).
				Str("error_class", class).
				Msg("Retries exhausted")
			return nil, &FetchError{PageIndex: pageIndex, Attempts: attempt + 1, Kind: ErrRetriesExhausted, Err: err}
		}

		delay := f.backoff.Delay(attempt)

		pageRetriesTotal.WithLabelValues(class).Inc()
		retryBackoffSeconds.WithLabelValues(class).Observe(delay.Seconds())
		f.logger.Warn().
			Err(err).
			Int("page", pageIndex).
			Int("attempt", attempt).
			Str("error_class", class).
			Dur("delay", delay).
			Msg("Retrying after transient failure")
		if f.onRetry != nil {
			f.onRetry(RetryEvent{PageIndex: pageIndex, Attempt: attempt, Err: err, Delay: delay})
		}

		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
		waited += delay
	}
}

// attempt performs one exchange and classifies the response.
func (f *Fetcher) attempt(ctx context.Context, req *client.Request) (Page, error) {
	resp, err := f.sender.Send(ctx, req)
	if err != nil {
		return Page{}, err
	}
	if client.ClassifyStatus(resp.StatusCode) != "" {
		return Page{}, client.NewHTTPStatusError(resp)
	}
	return f.decoder.Decode(resp)
}
