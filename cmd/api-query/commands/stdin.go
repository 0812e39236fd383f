package commands

import (
	"fmt"
	"io"
	"net/http"

	"github.com/Sternrassler/api-query/pkg/batch"
	"github.com/spf13/cobra"
)

func newStdinCommand(a *app) *cobra.Command {
	var headers []string

	cmd := &cobra.Command{
		Use:   "stdin",
		Short: "Send stdin as one query",
		Long:  "POST the whole of stdin as one request body to the query URL and print the response. A status other than 200 is an error.",
		Args: func(cmd *cobra.Command, args []string) error {
			return usageError(cobra.NoArgs(cmd, args))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			header, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			target, err := a.cfg.ResolveURL()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			c, cleanup, err := a.newClient(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			runner, err := batch.NewRunner(c, batch.Config{
				URL:     target,
				Header:  header,
				Out:     cmd.OutOrStdout(),
				ErrOut:  cmd.ErrOrStderr(),
				Timeout: a.cfg.Timeout,
			})
			if err != nil {
				return err
			}
			status, err := runner.RunSingle(ctx, string(body))
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("query failed with status %d %s", status, http.StatusText(status))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header 'Name: value' (repeatable)")
	cmd.Flags().Duration("timeout", 0, "request timeout (default from config)")
	return cmd
}
