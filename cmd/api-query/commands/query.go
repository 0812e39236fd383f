package commands

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/Sternrassler/api-query/pkg/cache"
	"github.com/Sternrassler/api-query/pkg/logging"
	"github.com/Sternrassler/api-query/pkg/output"
	"github.com/Sternrassler/api-query/pkg/pagination"
	"github.com/spf13/cobra"
)

type queryOptions struct {
	endpoint      string
	method        string
	params        []string
	headers       []string
	body          string
	pageSize      int
	pageSizeParam string
	mode          string
	tokenParam    string
	offsetParam   string
	offsetStyle   string
	recordsPath   string
	nextPath      string
	totalPath     string
	ignoreLink    bool
	concurrency   int
	maxPages      int
	maxRecords    int
	progress      bool
	refreshCache  bool
}

func newQueryCommand(a *app) *cobra.Command {
	opts := &queryOptions{}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Fetch all pages of a paginated endpoint",
		Long: `Fetch every page of a paginated endpoint and write the records in order.

Pages are followed by a next token or link from the response body (or a Link
header) in token mode, or addressed by offsets in offset mode, where up to
--concurrency pages are fetched at once. Transient failures (network errors,
429, 5xx) are retried with exponential backoff.`,
		Example: `  api-query query --endpoint https://api.example.com/items
  api-query query --endpoint https://api.example.com/items --mode offset --page-size 100 --concurrency 4 -o table`,
		Args: func(cmd *cobra.Command, args []string) error {
			return usageError(cobra.NoArgs(cmd, args))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runQuery(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.endpoint, "endpoint", "", "absolute URL of the first page (required)")
	f.StringVarP(&opts.method, "method", "X", "GET", "HTTP method")
	f.StringArrayVarP(&opts.params, "param", "p", nil, "query parameter key=value (repeatable)")
	f.StringArrayVarP(&opts.headers, "header", "H", nil, "request header 'Name: value' (repeatable)")
	f.StringVar(&opts.body, "body", "", "request body sent with every page")
	f.IntVar(&opts.pageSize, "page-size", 0, "records per page (0 leaves it to the server)")
	f.StringVar(&opts.pageSizeParam, "page-size-param", pagination.DefaultPageSizeParam, "page size parameter name")
	f.StringVar(&opts.mode, "mode", string(pagination.ModeToken), "pagination mode (token, offset)")
	f.StringVar(&opts.tokenParam, "token-param", pagination.DefaultTokenParam, "continuation token parameter name")
	f.StringVar(&opts.offsetParam, "offset-param", pagination.DefaultOffsetParam, "offset parameter name")
	f.StringVar(&opts.offsetStyle, "offset-style", string(pagination.OffsetRecords), "offset value (records, pages)")
	f.StringVar(&opts.recordsPath, "records-path", "", "dot path of the record array (default: top-level array or items/data/results/records)")
	f.StringVar(&opts.nextPath, "next-path", "", "dot path of the next token or link")
	f.StringVar(&opts.totalPath, "total-path", "", "dot path of the total record count")
	f.BoolVar(&opts.ignoreLink, "ignore-link-header", false, "do not follow Link rel=next headers")
	f.IntVar(&opts.concurrency, "concurrency", 1, "pages fetched at once in offset mode")
	f.Int("max-retries", 3, "retries per page after the first attempt")
	f.Duration("timeout", pagination.DefaultTimeout, "timeout per attempt")
	f.IntVar(&opts.maxPages, "max-pages", pagination.DefaultMaxPages, "maximum number of pages")
	f.IntVar(&opts.maxRecords, "max-records", 0, "stop after this many records (0 for no limit)")
	f.StringP("output", "o", string(output.FormatNDJSON), "output format (ndjson, json, yaml, table)")
	f.BoolVar(&opts.progress, "progress", false, "show a progress line on stderr")
	f.Float64("rps", 0, "maximum requests per second (0 for no limit)")
	f.Int("burst", 0, "throttle burst size")
	f.String("redis-url", "", "Redis URL for the response cache and shared rate-limit state")
	f.Bool("cache", false, "cache GET responses in Redis")
	f.Bool("shared-rate-limit", false, "share rate-limit state through Redis")
	f.BoolVar(&opts.refreshCache, "refresh-cache", false, "drop cached pages of the endpoint before fetching")

	return cmd
}

func (o *queryOptions) build(a *app) (pagination.Query, error) {
	if o.endpoint == "" {
		return pagination.Query{}, usageError(errors.New("--endpoint is required"))
	}
	params, err := parseParams(o.params)
	if err != nil {
		return pagination.Query{}, err
	}
	header, err := parseHeaders(o.headers)
	if err != nil {
		return pagination.Query{}, err
	}

	q := pagination.Query{
		Endpoint:      o.endpoint,
		Method:        o.method,
		Params:        params,
		Header:        header,
		PageSize:      o.pageSize,
		PageSizeParam: o.pageSizeParam,
		Mode:          pagination.Mode(o.mode),
		TokenParam:    o.tokenParam,
		OffsetParam:   o.offsetParam,
		OffsetStyle:   pagination.OffsetStyle(o.offsetStyle),
		Decoder: pagination.JSONDecoder{
			RecordsPath:      o.recordsPath,
			NextPath:         o.nextPath,
			TotalPath:        o.totalPath,
			IgnoreLinkHeader: o.ignoreLink,
		},
		Concurrency: o.concurrency,
		MaxRetries:  a.cfg.Retry.MaxRetries,
		Timeout:     a.cfg.Timeout,
		MaxPages:    o.maxPages,
		MaxRecords:  o.maxRecords,
	}
	if o.body != "" {
		q.Body = []byte(o.body)
	}
	if err := q.Validate(); err != nil {
		return pagination.Query{}, err
	}
	return q, nil
}

func (a *app) runQuery(cmd *cobra.Command, opts *queryOptions) error {
	q, err := opts.build(a)
	if err != nil {
		return err
	}

	w, err := output.New(output.Format(a.cfg.Output), cmd.OutOrStdout(), output.Options{})
	if err != nil {
		return usageError(err)
	}

	ctx := cmd.Context()
	c, responses, cleanup, err := a.newCachingClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	logger := logging.NewLogger("query")
	if opts.refreshCache && responses != nil {
		u, err := url.Parse(q.Endpoint)
		if err != nil {
			return err
		}
		removed, err := responses.Purge(ctx, cache.KeyFor(q.Method, u))
		if err != nil {
			return fmt.Errorf("refreshing cache: %w", err)
		}
		logger.Info().Str("endpoint", q.Endpoint).Int("entries", removed).Msg("Purged cached pages")
	}
	backoff := pagination.DefaultBackoff()
	backoff.Base = a.cfg.Retry.BaseDelay
	backoff.Max = a.cfg.Retry.MaxDelay

	engineOpts := []pagination.Option{
		pagination.WithBackoff(backoff),
		pagination.WithLogger(logging.NewLogger("engine")),
		pagination.WithRetryHook(func(ev pagination.RetryEvent) {
			logger.Warn().Int("page", ev.PageIndex).Int("attempt", ev.Attempt).
				Dur("delay", ev.Delay).Err(ev.Err).Msg("Retrying page")
		}),
	}
	var progress *output.ProgressLine
	if opts.progress {
		width := output.DefaultWidth
		if f, ok := cmd.ErrOrStderr().(*os.File); ok && output.IsTerminal(f) {
			width = output.TerminalWidth(int(f.Fd()))
		}
		progress = output.NewProgressLine(cmd.ErrOrStderr(), width)
		engineOpts = append(engineOpts, pagination.WithProgress(progress.Update))
	}
	engine := pagination.NewEngine(c, engineOpts...)

	start := time.Now()
	records := 0
	var runErr error
	for rec, err := range engine.Run(ctx, q) {
		if err != nil {
			runErr = err
			break
		}
		if err := w.WriteRecord(rec); err != nil {
			runErr = fmt.Errorf("writing record: %w", err)
			break
		}
		records++
	}
	if progress != nil {
		progress.Done()
	}
	if err := w.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("writing output: %w", err)
	}

	event := logger.Info()
	if runErr != nil {
		event = logger.Error().Err(runErr)
	}
	event.Str("endpoint", q.Endpoint).Int("records", records).Dur("duration", time.Since(start)).Msg("Query finished")
	return runErr
}
