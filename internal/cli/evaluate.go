package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/obsched/internal/almanac"
	"github.com/me/obsched/internal/config"
	"github.com/me/obsched/internal/constraint"
	"github.com/me/obsched/internal/device"
	"github.com/me/obsched/internal/joblist"
	"github.com/me/obsched/internal/scheduler"
	"github.com/me/obsched/internal/scoring"
	"github.com/me/obsched/internal/sequence"
	"github.com/me/obsched/pkg/model"
)

const evalRowFormat = "%-3s  %-24s  %-10s  %6s  %-25s  %s\n"

// newEvaluateCmd runs the evaluator over a job list without a daemon and
// without moving anything.
func newEvaluateCmd() *cobra.Command {
	var (
		configPath string
		at         string
	)

	cmd := &cobra.Command{
		Use:   "evaluate <job_list.yaml>",
		Short: "Rank the jobs of a job list as the scheduler would, without running them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			now := time.Now()
			if at != "" {
				now, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
			}

			jobs, warnings, err := joblist.LoadFile(args[0])
			if err != nil {
				return err
			}
			for _, w := range warnings {
				logger.Warn(w)
			}

			lib, err := cfg.Scheduler.LoadConstraintLibrary()
			if err != nil {
				return err
			}
			var counter sequence.FrameCounter
			if cfg.Scheduler.RememberProgress {
				counter = sequence.DirCounter{}
			}
			site := almanac.NewSite(cfg.Site)
			eval := scheduler.NewEvaluator(
				scoring.NewEngine(site, cfg.Scheduler, logger),
				constraint.NewEvaluator(lib, logger),
				counter, cfg.Scheduler, logger)

			res := eval.Evaluate(jobs, now, device.WeatherOK, true)
			printEvaluation(cmd, cfg.Site, now, jobs, res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file with site and scheduler settings")
	cmd.Flags().StringVar(&at, "at", "", "Evaluate at this time (RFC3339) instead of now")
	return cmd
}

func printEvaluation(cmd *cobra.Command, site config.SiteConfig, now time.Time, jobs []*model.Job, res scheduler.Result) {
	out := cmd.OutOrStdout()
	loc := site.Location()

	fmt.Fprintf(out, "Site %s at %s, pre-dawn %s\n\n", site.Name,
		now.In(loc).Format(time.RFC3339), res.PreDawn.In(loc).Format(time.RFC3339))
	fmt.Fprintf(out, evalRowFormat, "#", "NAME", "STATE", "SCORE", "STARTUP", "ESTIMATE")

	ranked := make(map[*model.Job]int, len(res.Scheduled))
	for i, j := range res.Scheduled {
		ranked[j] = i + 1
		printEvalRow(cmd, strconv.Itoa(i+1), j, loc)
	}
	for _, j := range jobs {
		if _, ok := ranked[j]; !ok {
			printEvalRow(cmd, "-", j, loc)
		}
	}

	fmt.Fprintln(out)
	if len(res.Scheduled) == 0 {
		fmt.Fprintln(out, "Nothing to schedule.")
		return
	}
	next := res.Scheduled[0]
	fmt.Fprintf(out, "Next: %s at %s\n", next.Name, next.StartupTime.In(loc).Format(time.RFC3339))
}

func printEvalRow(cmd *cobra.Command, rank string, j *model.Job, loc *time.Location) {
	startup := string(j.StartupCondition)
	if !j.StartupTime.IsZero() {
		startup = j.StartupTime.In(loc).Format(time.RFC3339)
	}
	fmt.Fprintf(cmd.OutOrStdout(), evalRowFormat, rank, j.Name, j.State,
		strconv.Itoa(int(j.Score)), startup, formatEstimate(j.EstimatedSeconds))
}

func formatEstimate(secs int64) string {
	switch {
	case secs == model.EstimateUnknown:
		return "unknown"
	case secs < 0:
		return "unbounded"
	default:
		return (time.Duration(secs) * time.Second).String()
	}
}
