package pagination

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/Sternrassler/api-query/pkg/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultGracePeriod bounds the wait for in-flight fetches after the query stops.
const DefaultGracePeriod = 5 * time.Second

// progressLogEvery is the page interval of Info progress logs.
const progressLogEvery = 50

// Progress is reported after each emitted page.
type Progress struct {
	PageIndex   int
	PageRecords int
	Records     int
	TotalHint   int
	Elapsed     time.Duration
}

// Engine runs queries against a Sender.
type Engine struct {
	sender      client.Sender
	backoff     Backoff
	sleep       Sleeper
	logger      zerolog.Logger
	progress    func(Progress)
	onRetry     func(RetryEvent)
	gracePeriod time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackoff sets the retry backoff policy.
func WithBackoff(b Backoff) Option {
	return func(e *Engine) { e.backoff = b }
}

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithProgress registers a callback invoked on the consumer's goroutine after
// each page is emitted.
func WithProgress(fn func(Progress)) Option {
	return func(e *Engine) { e.progress = fn }
}

// WithRetryHook registers a callback invoked before each retry sleep.
// It may be called from fetch goroutines concurrently.
func WithRetryHook(fn func(RetryEvent)) Option {
	return func(e *Engine) { e.onRetry = fn }
}

// WithGracePeriod bounds how long Run waits for in-flight fetches to return
// after the query stops.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.gracePeriod = d
		}
	}
}

// NewEngine creates a query engine.
func NewEngine(sender client.Sender, opts ...Option) *Engine {
	e := &Engine{
		sender:      sender,
		backoff:     DefaultBackoff(),
		sleep:       SleepContext,
		logger:      log.With().Str("component", "engine").Logger(),
		gracePeriod: DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run returns the ordered record sequence of q. Each range over the result
// executes the query from the first page.
//
// A failure is yielded once as a non-nil error (*QueryError, or a validation
// error wrapping ErrInvalidQuery) and ends the sequence. Stopping the range
// early or cancelling ctx ends the sequence without an error; in-flight
// fetches are cancelled and awaited for at most the grace period.
func (e *Engine) Run(ctx context.Context, q Query) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := q.Validate(); err != nil {
			yield(nil, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		r := &queryRun{
			engine: e,
			query:  q.WithDefaults(),
			yield:  yield,
			start:  time.Now(),
			logger: e.logger.With().Str("endpoint", q.Endpoint).Logger(),
		}
		fetchLogger := r.logger
		r.fetcher = NewFetcher(e.sender, FetcherConfig{
			Backoff:    e.backoff,
			MaxRetries: r.query.MaxRetries,
			Decoder:    r.query.Decoder,
			Sleep:      e.sleep,
			Logger:     &fetchLogger,
			OnRetry:    e.onRetry,
		})

		r.logger.Info().
			Str("mode", string(r.query.Mode)).
			Int("concurrency", r.query.Concurrency).
			Msg("Query started")

		if r.query.Mode == ModeOffset && r.query.Concurrency > 1 {
			r.windowed(ctx)
		} else {
			r.sequential(ctx)
		}

		if r.outcome == "" && ctx.Err() != nil {
			r.outcome = "cancelled"
		}
		if r.outcome == "" {
			r.outcome = "complete"
		}
		queriesTotal.WithLabelValues(r.outcome).Inc()

		r.logger.Info().
			Str("outcome", r.outcome).
			Int("pages", r.pages).
			Int("records", r.records).
			Dur("duration", time.Since(r.start)).
			Msg("Query finished")
	}
}

// Collect runs q and returns all records. Unlike Run, a cancelled ctx is
// reported as its error.
func (e *Engine) Collect(ctx context.Context, q Query) ([]Record, error) {
	var out []Record
	for rec, err := range e.Run(ctx, q) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// queryRun is the state of one execution. It is only touched by the
// consumer's goroutine; fetch goroutines communicate through channels.
type queryRun struct {
	engine  *Engine
	query   Query
	fetcher *Fetcher
	yield   func(Record, error) bool
	logger  zerolog.Logger
	start   time.Time

	cursor  Cursor
	pages   int
	records int
	outcome string
}

func (r *queryRun) sequential(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		req := r.query.RequestFor(r.cursor)
		pagesInFlight.Inc()
		page, err := r.fetcher.Fetch(ctx, req, r.cursor.PageIndex)
		pagesInFlight.Dec()
		if !r.accept(ctx, page, err) {
			return
		}
	}
}

type fetchResult struct {
	index int
	page  *PageResult
	err   error
}

// windowed keeps up to Concurrency offset-addressed fetches in flight, issued
// in page order, and emits completed pages strictly in page order.
func (r *queryRun) windowed(ctx context.Context) {
	q := r.query
	fetchCtx, cancelFetches := context.WithCancel(ctx)
	results := make(chan fetchResult, q.Concurrency)

	var wg sync.WaitGroup
	defer func() {
		cancelFetches()
		r.drain(&wg)
	}()

	pending := make(map[int]fetchResult)
	nextIssue, inFlight := 0, 0
	stopIssuing := false

	issue := func() {
		for !stopIssuing && inFlight < q.Concurrency && nextIssue < q.MaxPages {
			if q.MaxRecords > 0 && nextIssue*q.PageSize >= q.MaxRecords {
				return
			}
			index := nextIssue
			req := q.RequestFor(Cursor{PageIndex: index})
			nextIssue++
			inFlight++
			wg.Add(1)
			pagesInFlight.Inc()
			go func() {
				defer wg.Done()
				defer pagesInFlight.Dec()
				page, err := r.fetcher.Fetch(fetchCtx, req, index)
				select {
				case results <- fetchResult{index: index, page: page, err: err}:
				case <-fetchCtx.Done():
				}
			}()
		}
	}

	issue()
	for inFlight > 0 {
		var res fetchResult
		select {
		case res = <-results:
		case <-ctx.Done():
			return
		}
		inFlight--
		pending[res.index] = res

		// Nothing past a failed or short page is needed
		if res.err != nil || len(res.page.Records) < q.PageSize {
			stopIssuing = true
		}

		for {
			ready, ok := pending[r.cursor.PageIndex]
			if !ok {
				break
			}
			delete(pending, r.cursor.PageIndex)
			if !r.accept(ctx, ready.page, ready.err) {
				return
			}
		}

		issue()
	}
}

// accept emits one fetched page and advances the cursor. It returns false
// when the query is over for any reason.
func (r *queryRun) accept(ctx context.Context, page *PageResult, err error) bool {
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		r.fail(r.cursor.PageIndex, err)
		return false
	}

	if r.query.Mode == ModeOffset {
		// offsets are computed, never taken from the body
		page.NextToken = ""
	}

	if !r.emit(page) {
		return false
	}

	next, err := Advance(r.cursor, page, r.query.PageSize, r.query.MaxPages)
	if err != nil {
		r.fail(r.cursor.PageIndex+1, err)
		return false
	}

	r.logger.Debug().
		Int("page", page.PageIndex).
		Int("records", len(page.Records)).
		Bool("exhausted", next.Exhausted).
		Bool("offset_fallback", next.OffsetFallback).
		Msg("Cursor advanced")

	r.cursor = next
	return !next.Exhausted
}

// emit yields the page's records in order. It returns false if the consumer
// stopped or MaxRecords was reached.
func (r *queryRun) emit(page *PageResult) bool {
	for _, rec := range page.Records {
		if !r.yield(rec, nil) {
			r.outcome = "cancelled"
			return false
		}
		r.records++
		recordsEmittedTotal.Inc()
		if r.query.MaxRecords > 0 && r.records >= r.query.MaxRecords {
			r.pages++
			r.report(page)
			r.outcome = "limited"
			return false
		}
	}
	r.pages++
	r.report(page)
	return true
}

func (r *queryRun) report(page *PageResult) {
	if r.pages%progressLogEvery == 0 {
		r.logger.Info().
			Int("pages", r.pages).
			Int("records", r.records).
			Int("total_hint", page.TotalHint).
			Msg("Query progress")
	}
	if r.engine.progress != nil {
		r.engine.progress(Progress{
			PageIndex:   page.PageIndex,
			PageRecords: len(page.Records),
			Records:     r.records,
			TotalHint:   page.TotalHint,
			Elapsed:     time.Since(r.start),
		})
	}
}

func (r *queryRun) fail(pageIndex int, err error) {
	r.outcome = "failed"
	r.logger.Error().Err(err).Int("page", pageIndex).Msg("Query aborted")
	r.yield(nil, &QueryError{PageIndex: pageIndex, Err: err})
}

// drain waits for fetch goroutines, giving up after the grace period.
func (r *queryRun) drain(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(r.engine.gracePeriod)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		r.logger.Warn().Dur("grace_period", r.engine.gracePeriod).Msg("In-flight fetches did not stop in time")
	}
}
