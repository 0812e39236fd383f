package commands

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/Sternrassler/api-query/pkg/batch"
	"github.com/Sternrassler/api-query/pkg/runlog"
	"github.com/spf13/cobra"
)

type iterOptions struct {
	headers       []string
	concurrency   int
	repeat        int
	randomize     bool
	seed          uint64
	dryRun        bool
	outdir        string
	drop          bool
	maxErrors     int
	collectErrors bool
	logPath       string
	logOverwrite  bool
	logQueries    bool
	verbose       bool
}

func newIterCommand(a *app) *cobra.Command {
	opts := &iterOptions{}

	cmd := &cobra.Command{
		Use:   "iter QUERIES_FILE",
		Short: "Run each line of a file as a query",
		Long: `Run each line of QUERIES_FILE as a query: the line is POSTed as the
request body to the query URL.

Responses are printed, written to one file per query (--outdir, renamed
with a .STATUS suffix), or only counted (--drop, which overrides --outdir). Failures without a
response count against --max-errors; one more aborts the run. At the end a
tally of response statuses is printed to stderr.`,
		Example: `  api-query iter queries.txt --concurrency 4 --repeat 3 --randomize --drop
  api-query iter queries.txt --outdir results --log run-1.csv`,
		Args: func(cmd *cobra.Command, args []string) error {
			return usageError(cobra.ExactArgs(1)(cmd, args))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runIter(cmd, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&opts.headers, "header", "H", nil, "request header 'Name: value' (repeatable)")
	f.IntVar(&opts.concurrency, "concurrency", 1, "queries executed at once")
	f.IntVar(&opts.repeat, "repeat", 1, "executions per query line")
	f.BoolVar(&opts.randomize, "randomize", false, "shuffle the execution order")
	f.Uint64Var(&opts.seed, "seed", 0, "shuffle seed (0 picks one from the clock)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "list the planned executions and exit")
	f.StringVar(&opts.outdir, "outdir", "", "write each response to a file in this directory")
	f.BoolVar(&opts.drop, "drop", false, "discard responses, only count bytes (overrides --outdir)")
	f.IntVar(&opts.maxErrors, "max-errors", batch.DefaultMaxErrors, "failed queries tolerated before aborting")
	f.BoolVar(&opts.collectErrors, "collect-errors", false, "report errors at the end instead of immediately")
	f.StringVar(&opts.logPath, "log", "", "write a CSV run log to this file")
	f.BoolVar(&opts.logOverwrite, "log-overwrite", false, "replace an existing run log")
	f.BoolVar(&opts.logQueries, "log-queries", false, "add the query string column to the run log")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "print run details with the summary")
	f.Duration("timeout", 0, "timeout per query (default from config)")

	return cmd
}

func (o *iterOptions) mode() batch.Mode {
	switch {
	case o.drop:
		return batch.ModeDrop
	case o.outdir != "":
		return batch.ModeOutdir
	default:
		return batch.ModePrint
	}
}

func (a *app) runIter(cmd *cobra.Command, path string, opts *iterOptions) (err error) {
	header, err := parseHeaders(opts.headers)
	if err != nil {
		return err
	}
	queries, err := batch.LoadQueries(path)
	if err != nil {
		return err
	}
	target, err := a.cfg.ResolveURL()
	if err != nil {
		return err
	}

	cfg := batch.Config{
		URL:           target,
		Header:        header,
		Concurrency:   opts.concurrency,
		Repeat:        opts.repeat,
		Mode:          opts.mode(),
		Outdir:        opts.outdir,
		Out:           cmd.OutOrStdout(),
		ErrOut:        cmd.ErrOrStderr(),
		MaxErrors:     opts.maxErrors,
		CollectErrors: opts.collectErrors,
		Timeout:       a.cfg.Timeout,
	}
	if opts.randomize {
		seed := opts.seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		cfg.Rand = rand.New(rand.NewPCG(seed, seed>>1))
	}

	if opts.dryRun {
		runner, err := batch.NewRunner(nil, cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, ref := range runner.Plan(len(queries)) {
			fmt.Fprintf(out, "%s\t%s\n", ref, queries[ref.Index])
		}
		return nil
	}

	if opts.logPath != "" {
		w, err := runlog.Create(opts.logPath, opts.logOverwrite, opts.logQueries)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := w.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		cfg.Log = w
	}

	ctx := cmd.Context()
	c, cleanup, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	runner, err := batch.NewRunner(c, cfg)
	if err != nil {
		return err
	}
	summary, err := runner.Run(ctx, queries)

	var budget *batch.BudgetError
	if errors.As(err, &budget) {
		return err
	}
	errOut := cmd.ErrOrStderr()
	if opts.verbose {
		fmt.Fprintf(errOut, "run %s: %d executions in %s, %d bytes\n",
			summary.RunID, summary.Executed, summary.Duration.Round(time.Millisecond), summary.Bytes)
	}
	fmt.Fprintln(errOut, summary)
	return err
}
