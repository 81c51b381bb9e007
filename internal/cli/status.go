package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/me/obsched/pkg/model"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the scheduler status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client.Status()
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), *st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st model.SchedulerStatus) {
	fmt.Fprintf(w, "Scheduler: %s\n", st.Phase)
	fmt.Fprintf(w, "  Startup:   %s\n", st.StartupPhase)
	fmt.Fprintf(w, "  Shutdown:  %s\n", st.ShutdownPhase)
	fmt.Fprintf(w, "  Park wait: %s\n", st.ParkWaitPhase)
	if st.CurrentJob != "" {
		fmt.Fprintf(w, "  Job:       %s (%s) %s\n", st.CurrentJob, st.CurrentJobID, st.CurrentStage)
	}
	if st.Weather != "" {
		fmt.Fprintf(w, "  Weather:   %s\n", st.Weather)
	}
	if !st.PreDawn.IsZero() {
		fmt.Fprintf(w, "  Pre-dawn:  %s\n", st.PreDawn.Format(time.RFC3339))
	}
	if st.SleepingUntil != nil {
		fmt.Fprintf(w, "  Sleeping until %s\n", st.SleepingUntil.Format(time.RFC3339))
	}
}

// newControlCmd builds start, stop, pause and resume, which differ only in
// the endpoint they post to.
func newControlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client.Control(action)
			if err != nil {
				return fmt.Errorf("%s scheduler: %w", action, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scheduler: %s\n", st.Phase)
			return nil
		},
	}
}
