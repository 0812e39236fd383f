package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDefaultsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "defaults",
		Short: "Print the default query URL",
		Args: func(cmd *cobra.Command, args []string) error {
			return usageError(cobra.NoArgs(cmd, args))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := a.cfg.ResolveURL()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "URL: %s\n", target)
			return nil
		},
	}
}
