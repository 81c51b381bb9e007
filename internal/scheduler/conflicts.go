package scheduler

import (
	"time"

	"github.com/me/obsched/pkg/model"
)

// Shift records a job moved by conflict resolution.
type Shift struct {
	Job    *model.Job
	Anchor *model.Job
	From   time.Time
}

// ResolveConflicts spaces out fixed-time jobs whose startup times are closer
// than lead. jobs must be ordered by startup time; the first one is the
// anchor and never moves. Every later SCHEDULED job whose original startup
// condition is a fixed time, and which starts less than lead after the
// previously examined job, is pushed after it by the larger of lead and the
// gap plus the previous job's estimated runtime. A job enforcing twilight
// that would be pushed past preDawn moves to the same time on the next day
// instead.
//
// Running it again on its own output changes nothing.
func ResolveConflicts(jobs []*model.Job, lead time.Duration, preDawn time.Time) []Shift {
	if len(jobs) < 2 {
		return nil
	}

	anchor := jobs[0]
	prevStart := anchor.StartupTime
	prevRuntime := runtimeOf(anchor)
	days := 0

	var shifts []Shift
	for _, job := range jobs[1:] {
		if job.State != model.JobStateScheduled || job.FileStartupCondition != model.StartAt {
			continue
		}

		// A job earlier than the previous one was overtaken by an earlier
		// shift and follows the chain.
		gap := job.StartupTime.Sub(prevStart)
		if gap < 0 {
			gap = 0
		}
		if gap < lead {
			delay := gap + prevRuntime
			if delay < lead {
				delay = lead
			}
			from := job.StartupTime
			shifted := prevStart.Add(delay)
			cutoff := preDawn.AddDate(0, 0, days)
			if job.EnforceTwilight && prevStart.Before(cutoff) && !shifted.Before(cutoff) {
				days++
				shifted = job.StartupTime.AddDate(0, 0, days)
			}
			job.StartupTime = shifted
			shifts = append(shifts, Shift{Job: job, Anchor: anchor, From: from})
		}

		prevStart = job.StartupTime
		prevRuntime = runtimeOf(job)
	}
	return shifts
}

// runtimeOf returns the estimated runtime, or zero when it is unknown.
func runtimeOf(job *model.Job) time.Duration {
	if job.EstimatedSeconds <= 0 {
		return 0
	}
	return time.Duration(job.EstimatedSeconds) * time.Second
}
