package scheduler

import (
	"log/slog"
	"sort"
	"time"

	"github.com/me/obsched/internal/config"
	"github.com/me/obsched/internal/constraint"
	"github.com/me/obsched/internal/device"
	"github.com/me/obsched/internal/scoring"
	"github.com/me/obsched/internal/sequence"
	"github.com/me/obsched/pkg/model"
)

// SequenceLoader reads the capture sequence of a job.
type SequenceLoader func(path string) (*model.Sequence, error)

// Result is the outcome of one evaluation pass.
type Result struct {
	// Scheduled holds the SCHEDULED jobs ordered by startup time.
	Scheduled []*model.Job
	// Selected is the job to run next, nil on dry runs or when nothing is
	// scheduled.
	Selected *model.Job
	// NoUpcoming is set when no job is left to run.
	NoUpcoming bool
	// AllAborted is set when nothing is upcoming and some jobs were aborted.
	AllAborted bool
	PreDawn    time.Time
	Counts     map[model.JobState]int
}

// Evaluator scores jobs, resolves their startup times and picks the next one
// to run.
type Evaluator struct {
	engine      *scoring.Engine
	constraints *constraint.Evaluator
	counter     sequence.FrameCounter
	load        SequenceLoader
	cfg         config.SchedulerConfig
	logger      *slog.Logger
}

// NewEvaluator creates an evaluator. counter may be nil when progress is not
// remembered.
func NewEvaluator(engine *scoring.Engine, constraints *constraint.Evaluator, counter sequence.FrameCounter, cfg config.SchedulerConfig, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		engine:      engine,
		constraints: constraints,
		counter:     counter,
		load:        sequence.Load,
		cfg:         cfg,
		logger:      logger.With("component", "evaluator"),
	}
}

// Engine returns the scoring engine used by the evaluator.
func (e *Evaluator) Engine() *scoring.Engine { return e.engine }

// Evaluate runs one pass over jobs at now. A dry run updates job states and
// startup times but selects nothing.
func (e *Evaluator) Evaluate(jobs []*model.Job, now time.Time, weather device.WeatherStatus, dryRun bool) Result {
	res := Result{PreDawn: e.engine.PreDawn(now)}

	candidates := make([]*model.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.State.IsSchedulable() {
			candidates = append(candidates, job)
		}
	}
	if e.cfg.SortByPriority {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Priority < candidates[j].Priority
		})
	}

	for _, job := range candidates {
		e.evaluateJob(job, now, weather)
	}

	res.Counts = countStates(jobs)
	upcoming := res.Counts[model.JobStateScheduled] + res.Counts[model.JobStateBusy]
	aborted := res.Counts[model.JobStateAborted] + res.Counts[model.JobStateError]
	if upcoming == 0 && !dryRun {
		if n := res.Counts[model.JobStateInvalid]; n > 0 {
			e.logger.Info("jobs are invalid", "count", n)
		}
		if aborted > 0 {
			e.logger.Info("all remaining jobs aborted", "count", aborted)
			res.AllAborted = true
			return res
		}
		if n := res.Counts[model.JobStateComplete]; n > 0 {
			e.logger.Info("jobs completed", "count", n)
		}
	}

	scheduled := make([]*model.Job, 0, len(candidates))
	for _, job := range candidates {
		if job.State == model.JobStateScheduled {
			scheduled = append(scheduled, job)
		}
	}
	if len(scheduled) == 0 {
		res.NoUpcoming = true
		return res
	}

	e.orderForConflicts(scheduled)
	for _, shift := range ResolveConflicts(scheduled, e.cfg.LeadTime, res.PreDawn) {
		e.logger.Info("jobs have close startup times, rescheduled",
			"job", shift.Job.Name, "anchor", shift.Anchor.Name, "startup", shift.Job.StartupTime)
	}
	sortByStartup(scheduled)
	res.Scheduled = scheduled

	if dryRun {
		return res
	}

	selected := scheduled[0]
	if selected.FileStartupCondition == model.StartASAP && e.engine.JobScore(selected, now) > 0 {
		selected.StartupTime = now
	}
	res.Selected = selected
	e.logger.Info("job selected for next observation",
		"job", selected.Name, "priority", selected.Priority, "score", selected.Score, "startup", selected.StartupTime)
	return res
}

// evaluateJob runs the per-job state dispatch, estimation and startup
// resolution.
func (e *Evaluator) evaluateJob(job *model.Job, now time.Time, weather device.WeatherStatus) {
	log := e.logger.With("job", job.Name)

	switch job.State {
	case model.JobStateIdle:
		job.SetState(model.JobStateEvaluation)
		job.EstimatedSeconds = model.EstimateUnknown
	case model.JobStateScheduled:
		if !job.StartupTime.Before(now) {
			return
		}
	case model.JobStateEvaluation:
	default:
		return
	}

	if job.CompletionCondition == model.FinishRepeat && job.RepeatsRemaining == 0 {
		log.Info("job has no more batches remaining, marking complete")
		job.SetState(model.JobStateComplete)
		return
	}

	if job.EstimatedSeconds == model.EstimateUnknown {
		if err := e.estimate(job); err != nil {
			log.Warn("job cannot be estimated, marking invalid", "error", err)
			job.SetState(model.JobStateInvalid)
			return
		}
	}
	if job.EstimatedSeconds == model.EstimateDone {
		log.Info("job has nothing left to capture, marking complete")
		job.RepeatsRemaining = 0
		job.SetState(model.JobStateComplete)
		return
	}

	switch job.StartupCondition {
	case model.StartASAP:
		e.resolveASAP(job, now, weather, log)
	case model.StartCulmination:
		e.resolveCulmination(job, now, log)
	case model.StartAt:
		e.resolveAt(job, now, weather, log)
	}

	if job.State == model.JobStateEvaluation {
		log.Warn("job was unexpectedly not scheduled by evaluation")
	}
}

func (e *Evaluator) resolveASAP(job *model.Job, now time.Time, weather device.WeatherStatus, log *slog.Logger) {
	score := e.engine.JobScore(job, now)
	job.Score = score

	if score < 0 {
		minAlt := job.MinAltitude
		if minAlt <= 0 {
			minAlt = model.DefaultMinAltitude
		}
		at, ok := e.engine.FindAltitudeTime(job, minAlt, job.MinMoonSeparation, now)
		if !ok {
			log.Warn("no viable altitude time within a day, marking invalid", "score", score)
			job.SetState(model.JobStateInvalid)
			return
		}
		job.StartupCondition = model.StartAt
		job.StartupTime = at
		job.SetState(model.JobStateScheduled)
		log.Info("job is scheduled for a better altitude", "startup", at, "score", score)
		return
	}

	if reason := e.blocked(job, now, weather); reason != "" {
		log.Info("job cannot run now, marking aborted", "reason", reason)
		job.SetState(model.JobStateAborted)
		job.Score = model.BadScore
		return
	}

	log.Info("job is due to run as soon as possible", "score", score)
	job.StartupTime = now
	job.SetState(model.JobStateScheduled)
}

func (e *Evaluator) resolveCulmination(job *model.Job, now time.Time, log *slog.Logger) {
	at, ok := e.engine.Culmination(job, now)
	if !ok {
		log.Warn("culmination cannot be scheduled, marking invalid")
		job.SetState(model.JobStateInvalid)
		return
	}
	job.StartupCondition = model.StartAt
	job.StartupTime = at
	job.SetState(model.JobStateScheduled)
	log.Info("job is scheduled for culmination", "startup", at)
}

func (e *Evaluator) resolveAt(job *model.Job, now time.Time, weather device.WeatherStatus, log *slog.Logger) {
	if job.CompletionCondition == model.FinishAt && !job.CompletionTime.After(job.StartupTime) {
		log.Warn("completion time is not after startup time, marking invalid",
			"startup", job.StartupTime, "completion", job.CompletionTime)
		job.SetState(model.JobStateInvalid)
		return
	}

	until := job.StartupTime.Sub(now)
	switch {
	case until < -e.cfg.LeadTime:
		if job.FileStartupCondition == model.StartAt {
			log.Warn("fixed startup time already passed, marking invalid", "startup", job.StartupTime, "late", -until)
			job.SetState(model.JobStateInvalid)
		} else {
			log.Info("startup time already passed, marking aborted", "startup", job.StartupTime, "late", -until)
			job.SetState(model.JobStateAborted)
		}

	case until <= 0:
		score := e.engine.JobScore(job, now)
		if score < 0 {
			if job.Score > 0 {
				log.Info("job score dropped at startup time, marking aborted", "score", score)
			}
			job.SetState(model.JobStateAborted)
			job.Score = score
			return
		}
		if reason := e.blocked(job, now, weather); reason != "" {
			log.Info("job cannot run now, marking aborted", "reason", reason)
			job.SetState(model.JobStateAborted)
			job.Score = model.BadScore
			return
		}
		log.Info("job will be run", "startup", job.StartupTime, "score", score)
		job.SetState(model.JobStateScheduled)
		job.Score = score

	default:
		job.SetState(model.JobStateScheduled)
		job.Score = e.engine.JobScore(job, now)
		log.Debug("job unmodified", "startup", job.StartupTime, "score", job.Score)
	}
}

// blocked returns why a job with a viable score still cannot start, or "".
func (e *Evaluator) blocked(job *model.Job, now time.Time, weather device.WeatherStatus) string {
	if !e.engine.WeatherViable(job, weather) {
		return "bad weather"
	}
	if job.Constraint != "" && e.constraints != nil {
		if !e.constraints.Allows(job.Name, job.Constraint, e.constraintContext(job, now, weather)) {
			return "constraint expression is false"
		}
	}
	return ""
}

func (e *Evaluator) constraintContext(job *model.Job, now time.Time, weather device.WeatherStatus) constraint.Context {
	oracle := e.engine.Oracle()
	moon := oracle.Moon(job.Target, now)
	return constraint.Context{
		Altitude:  oracle.Altitude(job.Target, now),
		HourAngle: oracle.HourAngle(job.Target, now),
		Moon: constraint.MoonContext{
			Separation:   moon.Separation,
			Altitude:     moon.Altitude,
			Illumination: moon.Illumination,
		},
		Weather: string(weather),
		Now:     now,
	}
}

// estimate loads the job sequence, refreshes the captured frames and applies
// the runtime estimate.
func (e *Evaluator) estimate(job *model.Job) error {
	seq, err := e.load(job.SequenceFile)
	if err != nil {
		return err
	}
	var captured map[string]int
	if e.cfg.RememberProgress && e.counter != nil {
		captured, err = sequence.CountCaptured(seq, job.Name, e.counter)
		if err != nil {
			return err
		}
	}
	est := sequence.Estimate(job, seq, captured, sequence.Options{
		RememberProgress: e.cfg.RememberProgress,
		DitherEnabled:    e.cfg.DitherEnabled,
		DitherFrames:     e.cfg.DitherFrames,
	})
	est.Apply(job)
	e.logger.Debug("job estimated", "job", job.Name, "seconds", job.EstimatedSeconds,
		"completed", job.CompletedCount, "required", job.SequenceCount)
	return nil
}

// orderForConflicts sorts scheduled jobs so that, at equal startup times,
// higher priority and then higher altitude come first.
func (e *Evaluator) orderForConflicts(jobs []*model.Job) {
	if e.cfg.SortByPriority {
		oracle := e.engine.Oracle()
		alt := make(map[*model.Job]float64, len(jobs))
		for _, j := range jobs {
			alt[j] = oracle.Altitude(j.Target, j.StartupTime)
		}
		sort.SliceStable(jobs, func(i, k int) bool { return alt[jobs[i]] > alt[jobs[k]] })
		sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].Priority < jobs[k].Priority })
	}
	sortByStartup(jobs)
}

func sortByStartup(jobs []*model.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].StartupTime.Before(jobs[k].StartupTime)
	})
}

func countStates(jobs []*model.Job) map[model.JobState]int {
	counts := make(map[model.JobState]int)
	for _, j := range jobs {
		counts[j.State]++
	}
	return counts
}
