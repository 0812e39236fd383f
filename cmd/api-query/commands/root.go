// Package commands implements the api-query command tree.
package commands

import (
	"fmt"
	"os"

	"github.com/Sternrassler/api-query/internal/config"
	"github.com/Sternrassler/api-query/pkg/logging"
	"github.com/Sternrassler/api-query/pkg/metrics"
	"github.com/Sternrassler/api-query/pkg/output"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BuildInfo is stamped at link time.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// flagKeys maps configuration keys to the flags that override them.
// Flags a command does not define are skipped.
var flagKeys = map[string]string{
	"url":               "url",
	"port":              "port",
	"user_agent":        "user-agent",
	"timeout":           "timeout",
	"output":            "output",
	"log.level":         "log-level",
	"log.format":        "log-format",
	"log.no_color":      "no-color",
	"metrics.addr":      "metrics-addr",
	"redis.url":         "redis-url",
	"redis.cache":       "cache",
	"redis.rate_limit":  "shared-rate-limit",
	"throttle.rps":      "rps",
	"throttle.burst":    "burst",
	"retry.max_retries": "max-retries",
}

// app carries the state shared by all commands of one invocation.
type app struct {
	v   *viper.Viper
	cfg *config.Config
}

// NewRootCommand creates the api-query root command.
func NewRootCommand(info BuildInfo) *cobra.Command {
	a := &app{v: config.New()}

	cmd := &cobra.Command{
		Use:   "api-query",
		Short: "Query paginated HTTP APIs and replay query files",
		Long: `api-query fetches every page of a paginated HTTP API as one ordered
record stream, retrying transient failures with backoff.

It also runs files of queries against a query endpoint (iter, stdin),
records run logs, and compares the responses of two runs (log compare).`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is $HOME/.api-query/config.yml)")
	flags.String("url", "", "query endpoint URL (default http://localhost:$PORT/query)")
	flags.Int("port", 0, "port of the default URL (default $PORT or 8081)")
	flags.String("user-agent", "", "User-Agent header")
	flags.String("log-level", "", "log level (debug, info, warn, error, disabled)")
	flags.String("log-format", "", "log format (console, json)")
	flags.Bool("no-color", false, "disable colored log output")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")

	cmd.AddCommand(newQueryCommand(a))
	cmd.AddCommand(newIterCommand(a))
	cmd.AddCommand(newStdinCommand(a))
	cmd.AddCommand(newDefaultsCommand(a))
	cmd.AddCommand(newLogCommand())
	cmd.AddCommand(NewVersionCommand(info))
	commandGroup(cmd)

	return cmd
}

// commandGroup makes a command that only holds subcommands print its help
// when run bare and reject unknown subcommands as usage errors.
func commandGroup(cmd *cobra.Command) {
	cmd.Args = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return usageError(fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath()))
		}
		return nil
	}
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	}
}

// setup merges configuration sources, configures logging and starts the
// metrics endpoint.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if err := config.ReadFile(a.v, path); err != nil {
		return err
	}
	if err := config.BindFlags(a.v, cmd.Flags(), flagKeys); err != nil {
		return err
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	noColor := cfg.Log.NoColor
	if f, ok := cmd.ErrOrStderr().(*os.File); !ok || !output.IsTerminal(f) {
		noColor = true
	}
	logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.Log.Level),
		Pretty:  cfg.Log.Format == "console",
		NoColor: noColor,
		Output:  cmd.ErrOrStderr(),
	})

	if cfg.Metrics.Addr != "" {
		if _, _, err := metrics.Serve(cmd.Context(), cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("starting metrics endpoint: %w", err)
		}
	}
	return nil
}
