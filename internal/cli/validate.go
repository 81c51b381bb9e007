package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/obsched/internal/joblist"
	"github.com/me/obsched/internal/sequence"
	"github.com/me/obsched/pkg/model"
)

func newValidateCmd() *cobra.Command {
	var skipSequences bool

	cmd := &cobra.Command{
		Use:   "validate <job_list.yaml>",
		Short: "Check a job list and the capture sequences it refers to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			jobs, warnings, err := joblist.LoadFile(args[0])
			for _, w := range warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			if err != nil {
				printLoadErrors(cmd, err)
				return fmt.Errorf("%s is not a valid job list", args[0])
			}

			problems := 0
			if !skipSequences {
				for _, j := range jobs {
					if _, err := sequence.Load(j.SequenceFile); err != nil {
						fmt.Fprintf(out, "job %q: %v\n", j.Name, err)
						problems++
					}
				}
			}
			if problems > 0 {
				return fmt.Errorf("%d of %d jobs have unusable sequences", problems, len(jobs))
			}
			fmt.Fprintf(out, "%s: %d jobs OK\n", args[0], len(jobs))
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipSequences, "skip-sequences", false, "Do not load the capture sequence files")
	return cmd
}

// printLoadErrors lists field errors one per line when the loader reports
// validation failures.
func printLoadErrors(cmd *cobra.Command, err error) {
	out := cmd.OutOrStdout()
	var joined interface{ Unwrap() []error }
	errs := []error{err}
	if errors.As(err, &joined) {
		errs = joined.Unwrap()
	}
	for _, e := range errs {
		var verr *model.ValidationError
		if !errors.As(e, &verr) {
			fmt.Fprintf(out, "error: %v\n", e)
			continue
		}
		for _, f := range verr.Fields {
			fmt.Fprintf(out, "job %q: %s: %s\n", verr.Job, f.Path, f.Message)
		}
	}
}
