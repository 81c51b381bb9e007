package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/me/obsched/pkg/model"
	"github.com/spf13/cobra"
)

const jobRowFormat = "%-38s  %-24s  %-10s  %-14s  %4s  %6s  %s\n"

func newJobsCmd() *cobra.Command {
	var state string
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, page, err := client.Jobs(model.JobState(strings.ToUpper(state)), limit)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			fmt.Fprintf(out, jobRowFormat, "ID", "NAME", "STATE", "STAGE", "PRIO", "SCORE", "STARTUP")
			for _, j := range jobs {
				startup := string(j.StartupCondition)
				if !j.StartupTime.IsZero() {
					startup += " " + j.StartupTime.Format(time.RFC3339)
				}
				fmt.Fprintf(out, jobRowFormat, j.ID, j.Name, j.State, j.Stage,
					strconv.Itoa(j.Priority), strconv.Itoa(int(j.Score)), startup)
			}
			if page != nil && page.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(jobs), page.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only list jobs in this state")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs to list")

	cmd.AddCommand(newJobResetCmd(), newJobHistoryCmd(), newJobRemoveCmd())
	return cmd
}

func newJobResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <job_id>",
		Short: "Return a job to IDLE so it is evaluated again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := client.ResetJob(args[0])
			if err != nil {
				return fmt.Errorf("reset job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %s\n", job.Name, job.State)
			return nil
		},
	}
}

func newJobRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <job_id>",
		Short: "Remove a job from the list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.RemoveJob(args[0]); err != nil {
				return fmt.Errorf("remove job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s removed\n", args[0])
			return nil
		},
	}
}

func newJobHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <job_id>",
		Short: "Show the recorded state transitions of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := client.JobHistory(args[0])
			if err != nil {
				return fmt.Errorf("job history: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(history) == 0 {
				fmt.Fprintln(out, "No transitions recorded.")
				return nil
			}
			for _, tr := range history {
				fmt.Fprintf(out, "%s  %-10s -> %-10s  %s\n", tr.At.Format(time.RFC3339), tr.From, tr.To, tr.RunID)
			}
			return nil
		},
	}
}
