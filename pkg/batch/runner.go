package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/api-query/pkg/client"
	"github.com/Sternrassler/api-query/pkg/runlog"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxErrors is the default error budget.
const DefaultMaxErrors = 5

// ErrTooManyErrors is matched by *BudgetError.
var ErrTooManyErrors = errors.New("too many errors")

// Config configures a Runner.
type Config struct {
	URL         string
	Header      http.Header
	Concurrency int
	Repeat      int
	// Rand shuffles the plan when set.
	Rand *rand.Rand

	Mode   Mode
	Outdir string
	// Out receives bodies in ModePrint; defaults to os.Stdout.
	Out io.Writer
	// ErrOut receives immediate error reports; defaults to os.Stderr.
	ErrOut io.Writer

	// MaxErrors is the number of failed queries tolerated; one more aborts the run.
	MaxErrors int
	// CollectErrors keeps errors for the summary instead of printing them.
	CollectErrors bool

	// Log, when set, receives one record per query.
	Log *runlog.Writer

	// Timeout bounds each request; 0 leaves it to the client.
	Timeout time.Duration
}

// TimedError is a failed query with the time it failed.
type TimedError struct {
	Time time.Time
	Ref  Ref
	Err  error
}

// Summary describes a finished run.
type Summary struct {
	RunID    string
	Executed int
	// Tally counts responses by HTTP status.
	Tally    map[int]int
	Errors   []TimedError
	Failures int
	Bytes    int64
	Duration time.Duration
}

// Statuses returns the tallied statuses in ascending order.
func (s *Summary) Statuses() []int {
	out := make([]int, 0, len(s.Tally))
	for status := range s.Tally {
		out = append(out, status)
	}
	slices.Sort(out)
	return out
}

// TallyString renders the tally as "200: 5, 404: 1".
func (s *Summary) TallyString() string {
	parts := make([]string, 0, len(s.Tally))
	for _, status := range s.Statuses() {
		parts = append(parts, strconv.Itoa(status)+": "+strconv.Itoa(s.Tally[status]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ErrorsString renders collected errors with unix timestamps.
func (s *Summary) ErrorsString() string {
	parts := make([]string, 0, len(s.Errors))
	for _, e := range s.Errors {
		parts = append(parts, fmt.Sprintf("(%s, %s: %v)", strconv.FormatFloat(float64(e.Time.UnixNano())/1e9, 'f', 3, 64), e.Ref, e.Err))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// String implements fmt.Stringer.
func (s *Summary) String() string {
	return fmt.Sprintf("%s ~successes, and errors: %s", s.TallyString(), s.ErrorsString())
}

// BudgetError aborts a run whose failures exceeded Config.MaxErrors.
type BudgetError struct {
	MaxErrors int
	Summary   *Summary
	// Collected includes the collected errors in the message.
	Collected bool
}

// Error implements the error interface.
func (e *BudgetError) Error() string {
	msg := fmt.Sprintf("too many errors (besides %s ~successes)", e.Summary.TallyString())
	if e.Collected {
		msg += ": " + e.Summary.ErrorsString()
	}
	return msg
}

// Unwrap returns ErrTooManyErrors.
func (e *BudgetError) Unwrap() error {
	return ErrTooManyErrors
}

// Runner executes query files.
type Runner struct {
	sender client.Sender
	cfg    Config
	logger zerolog.Logger
}

// NewRunner creates a runner.
func NewRunner(sender client.Sender, cfg Config) (*Runner, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("batch: URL is required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Repeat < 1 {
		cfg.Repeat = 1
	}
	if cfg.MaxErrors < 0 {
		cfg.MaxErrors = 0
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.ErrOut == nil {
		cfg.ErrOut = os.Stderr
	}
	return &Runner{
		sender: sender,
		cfg:    cfg,
		logger: log.With().Str("component", "batch").Logger(),
	}, nil
}

// Plan returns the execution order for n query lines.
func (r *Runner) Plan(n int) []Ref {
	return BuildPlan(n, r.cfg.Repeat, r.cfg.Rand)
}

// execution is the outcome of one query.
type execution struct {
	ref    Ref
	start  time.Time
	end    time.Time
	status int
	length int
	crc    uint32
	err    error
}

// Run executes every planned query. Queries with a response count in the
// tally whatever their status; failures without one count against the error
// budget. When ctx ends the run stops and ctx.Err() is returned with the
// partial summary.
func (r *Runner) Run(ctx context.Context, queries []string) (*Summary, error) {
	start := time.Now()
	summary := &Summary{RunID: uuid.NewString(), Tally: make(map[int]int)}
	logger := r.logger.With().Str("run_id", summary.RunID).Logger()

	plan := r.Plan(len(queries))
	out, err := newSink(r.cfg.Mode, r.cfg.Outdir, r.cfg.Out, r.cfg.Repeat != 1)
	if err != nil {
		return summary, err
	}

	logger.Info().
		Int("queries", len(queries)).
		Int("executions", len(plan)).
		Int("concurrency", r.cfg.Concurrency).
		Str("mode", r.cfg.Mode.String()).
		Msg("Batch started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	var mu sync.Mutex
	for _, ref := range plan {
		if gctx.Err() != nil {
			break
		}
		logger.Debug().Stringer("ref", ref).Msg("Scheduling query")
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			ex := r.execute(gctx, ref, queries[ref.Index], out)
			if ex.err != nil && gctx.Err() != nil && errors.Is(ex.err, context.Canceled) {
				return nil
			}
			if r.cfg.Log != nil {
				if err := r.cfg.Log.Write(ex.logRecord(queries[ref.Index])); err != nil {
					return err
				}
			}

			mu.Lock()
			defer mu.Unlock()
			return r.account(summary, ex)
		})
	}

	err = g.Wait()
	summary.Duration = time.Since(start)

	logger.Info().
		Int("executed", summary.Executed).
		Int("failures", summary.Failures).
		Str("tally", summary.TallyString()).
		Dur("duration", summary.Duration).
		Msg("Batch finished")

	if err != nil {
		return summary, err
	}
	return summary, ctx.Err()
}

// account adds ex to summary; the caller holds the lock.
func (r *Runner) account(summary *Summary, ex execution) error {
	summary.Executed++
	if ex.err == nil {
		summary.Tally[ex.status]++
		summary.Bytes += int64(ex.length)
		return nil
	}

	summary.Failures++
	batchErrorsTotal.Inc()
	if r.cfg.CollectErrors {
		summary.Errors = append(summary.Errors, TimedError{Time: ex.end, Ref: ex.ref, Err: ex.err})
	} else {
		fmt.Fprintf(r.cfg.ErrOut, "error: %s: %v\n", ex.ref, ex.err)
	}
	r.logger.Warn().Err(ex.err).Int("line", ex.ref.Line()).Int("repetition", ex.ref.Repetition).Msg("Query failed")

	if summary.Failures > r.cfg.MaxErrors {
		return &BudgetError{MaxErrors: r.cfg.MaxErrors, Summary: summary, Collected: r.cfg.CollectErrors}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, ref Ref, query string, out *sink) execution {
	ex := execution{ref: ref, start: time.Now()}
	resp, err := r.send(ctx, query)
	ex.end = time.Now()
	batchQueryDuration.Observe(ex.end.Sub(ex.start).Seconds())
	if err != nil {
		ex.err = fmt.Errorf("posting the query %q: %w", query, err)
		return ex
	}

	ex.status = resp.StatusCode
	ex.length = len(resp.Body)
	ex.crc = runlog.Checksum(resp.Body)
	batchRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	batchResponseBytes.Add(float64(ex.length))

	if err := out.store(ref, resp.StatusCode, resp.Body); err != nil {
		ex.err = err
	}
	return ex
}

func (r *Runner) send(ctx context.Context, query string) (*client.Response, error) {
	return r.sender.Send(ctx, &client.Request{
		Method:  http.MethodPost,
		URL:     r.cfg.URL,
		Header:  r.cfg.Header.Clone(),
		Body:    []byte(query),
		Timeout: r.cfg.Timeout,
	})
}

func (ex execution) logRecord(query string) runlog.Record {
	rec := runlog.Record{
		QueryIndex: ex.ref.Index,
		Repetition: ex.ref.Repetition,
		Start:      ex.start,
		End:        ex.end,
		Status:     ex.status,
		Length:     ex.length,
		CRC:        ex.crc,
		Query:      query,
	}
	if ex.err != nil {
		rec.Err = ex.err.Error()
	}
	return rec
}

// RunSingle posts body once and writes the response to Config.Out.
// It returns the response status.
func (r *Runner) RunSingle(ctx context.Context, body string) (int, error) {
	out, err := newSink(ModePrint, "", r.cfg.Out, false)
	if err != nil {
		return 0, err
	}
	ex := r.execute(ctx, Ref{}, body, out)
	if ex.err != nil {
		return ex.status, ex.err
	}
	return ex.status, nil
}
