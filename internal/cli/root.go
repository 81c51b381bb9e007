package cli

import (
	"log/slog"
	"os"

	"github.com/me/obsched/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking OBSCHED_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("OBSCHED_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the obsched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "obsched",
		Short: "obsched controls an autonomous observatory scheduler",
		Long:  "obsched inspects and drives a running obschedd, and checks job lists offline.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "obschedd URL (or OBSCHED_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newStatusCmd(),
		newJobsCmd(),
		newControlCmd("start", "Start a scheduling session"),
		newControlCmd("stop", "Stop the session; unfinished jobs are aborted"),
		newControlCmd("pause", "Stop starting new jobs; the running job continues"),
		newControlCmd("resume", "Resume a paused session"),
		newJournalCmd(),
		newEvaluateCmd(),
		newValidateCmd(),
	)

	return root
}
