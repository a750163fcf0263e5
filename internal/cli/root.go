// Package cli implements the docket command-line client.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/docket/internal/logging"
)

var (
	flagServer    string
	flagToken     string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the server URL from DOCKET_SERVER, or localhost.
func defaultServer() string {
	if s := os.Getenv("DOCKET_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the docket CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "docket",
		Short: "docket job scheduler client",
		Long:  "docket inspects jobs and schedules, reruns, signals, and cancels runs on a docket server.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, flagToken, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "docket server URL (or DOCKET_SERVER env)")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("DOCKET_TOKEN"), "API token (or DOCKET_TOKEN env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newJobsCmd(),
		newJobCmd(),
		newCheckJobCmd(),
		newRunsCmd(),
		newRunCmd(),
		newOutputCmd(),
		newWatchCmd(),
		newScheduleCmd(),
		newRerunCmd(),
		newSignalCmd(),
		newCancelCmd(),
		newAgentsCmd(),
	)

	return root
}
