package commands

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/Sternrassler/api-query/pkg/batch"
	"github.com/Sternrassler/api-query/pkg/runlog"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// ErrLogsDiffer is returned by log compare when the runs disagree.
var ErrLogsDiffer = errors.New("run logs differ")

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect and compare run logs",
		Long:  "Inspect run logs written by iter --log and compare the response checksums of two runs.",
	}
	cmd.AddCommand(newLogDebugCommand())
	cmd.AddCommand(newLogCompareCommand())
	commandGroup(cmd)
	return cmd
}

func newLogDebugCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "debug LOG_FILE",
		Short: "Print the records of a run log",
		Args: func(cmd *cobra.Command, args []string) error {
			return usageError(cobra.ExactArgs(1)(cmd, args))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := runlog.ReadAll(args[0])
			if err != nil {
				return err
			}
			return renderRecords(cmd.OutOrStdout(), records)
		},
	}
}

func renderRecords(w io.Writer, records []runlog.Record) error {
	table := tablewriter.NewWriter(w)
	table.Header("Line", "Rep", "Start", "Duration", "Status", "Length", "CRC", "Error")
	for _, r := range records {
		status, length, crc := "", "", ""
		if r.OK() {
			status = strconv.Itoa(r.Status)
			length = strconv.Itoa(r.Length)
			crc = fmt.Sprintf("%08x", r.CRC)
		}
		_ = table.Append(
			strconv.Itoa(r.Line()),
			strconv.Itoa(r.Repetition),
			r.Start.Format(time.RFC3339Nano),
			r.Duration().String(),
			status,
			length,
			crc,
			r.Err,
		)
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func newLogCompareCommand() *cobra.Command {
	var (
		ignore      string
		queriesPath string
	)

	cmd := &cobra.Command{
		Use:   "compare LOG_A LOG_B",
		Short: "Compare the response checksums of two run logs",
		Long: `Compare the first response checksum of every query line between two run
logs, and report repetitions within each log whose checksum differs from
the first one. Exits non-zero when anything differs.

With --ignore, query lines matching the regular expression are left out;
their text is read from --queries.`,
		Args: func(cmd *cobra.Command, args []string) error {
			return usageError(cobra.ExactArgs(2)(cmd, args))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var skip runlog.IgnoreFunc
			if ignore != "" {
				if queriesPath == "" {
					return usageError(errors.New("--ignore requires --queries"))
				}
				re, err := regexp.Compile(ignore)
				if err != nil {
					return usageError(fmt.Errorf("invalid --ignore pattern: %w", err))
				}
				queries, err := batch.LoadQueries(queriesPath)
				if err != nil {
					return err
				}
				skip = runlog.IgnoreMatching(queries, re)
			}

			a, err := runlog.LoadSums(args[0], skip)
			if err != nil {
				return err
			}
			b, err := runlog.LoadSums(args[1], skip)
			if err != nil {
				return err
			}
			cmp, err := runlog.Compare(a, b)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			reportComparison(out, cmp)
			if n := cmp.Failures(); n > 0 {
				return fmt.Errorf("%w: %d failures", ErrLogsDiffer, n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ignore, "ignore", "", "skip query lines matching this regular expression")
	cmd.Flags().StringVar(&queriesPath, "queries", "", "queries file the logs were produced from")
	return cmd
}

func reportComparison(w io.Writer, cmp *runlog.Comparison) {
	for _, sums := range []*runlog.Sums{cmp.A, cmp.B} {
		for _, m := range sums.Mismatches {
			fmt.Fprintf(w, "%s: line %d repetition %d: crc %08x differs from first crc %08x\n",
				sums.Path, m.QueryIndex+1, m.Repetition, m.CRC, m.FirstCRC)
		}
	}
	for _, d := range cmp.Diffs {
		fmt.Fprintf(w, "line %d: crc %08x in %s, %08x in %s\n", d.QueryIndex+1, d.A, cmp.A.Path, d.B, cmp.B.Path)
	}
	fmt.Fprintf(w, "%d lines compared, %d differing, %d consistent repetitions\n",
		cmp.A.Len(), len(cmp.Diffs), cmp.A.Matches+cmp.B.Matches)
}
