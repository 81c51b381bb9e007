package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/me/obsched/internal/config"
	"github.com/me/obsched/internal/device"
	"github.com/me/obsched/internal/scoring"
	"github.com/me/obsched/pkg/model"
)

// Outcome is what happened to the running job during one Advance.
type Outcome int

const (
	Continue Outcome = iota
	StageComplete
	JobAborted
	JobError
	JobComplete
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case StageComplete:
		return "stage_complete"
	case JobAborted:
		return "job_aborted"
	case JobError:
		return "job_error"
	case JobComplete:
		return "job_complete"
	}
	return "unknown"
}

// Terminal reports whether the job left BUSY.
func (o Outcome) Terminal() bool {
	return o == JobAborted || o == JobError || o == JobComplete
}

// Step is the result of advancing the running job by one tick.
type Step struct {
	Outcome Outcome
	// ShutdownRequested asks the controller to start the shutdown procedure.
	ShutdownRequested bool
	// UnparkRequested asks the controller to unpark the mount before the
	// job can slew.
	UnparkRequested bool
}

// FailureCounters counts consecutive failures of each stage.
type FailureCounters struct {
	Focus   int
	Align   int
	Guide   int
	Capture int
}

// Reset clears every counter.
func (f *FailureCounters) Reset() { *f = FailureCounters{} }

// Execution drives the running job through slew, focus, align, guide and
// capture. Each stage issues one device command and polls its status on
// later ticks.
type Execution struct {
	rig    device.Rig
	engine *scoring.Engine
	cfg    config.SchedulerConfig
	logger *slog.Logger

	Failures FailureCounters

	// Reevaluate refreshes the job list between repeats of a job without
	// selecting a new one.
	Reevaluate func(now time.Time)

	preDawn       time.Time
	autofocusDone bool
	modelReset    bool
	captureBatch  int
}

// NewExecution creates the execution state machine over rig.
func NewExecution(rig device.Rig, engine *scoring.Engine, cfg config.SchedulerConfig, logger *slog.Logger) *Execution {
	return &Execution{
		rig:    rig,
		engine: engine,
		cfg:    cfg,
		logger: logger.With("component", "execution"),
	}
}

// SetPreDawn sets the twilight cutoff used by the running job.
func (x *Execution) SetPreDawn(t time.Time) { x.preDawn = t }

// CaptureBatch returns how many extra capture batches the running job did.
func (x *Execution) CaptureBatch() int { return x.captureBatch }

// Reset forgets everything about the current run.
func (x *Execution) Reset() {
	x.Failures.Reset()
	x.autofocusDone = false
	x.modelReset = false
	x.captureBatch = 0
}

// Begin marks job BUSY and prepares a fresh run.
func (x *Execution) Begin(job *model.Job) {
	job.SetState(model.JobStateBusy)
	job.Stage = model.StageIdle
	x.autofocusDone = false
	x.modelReset = false
	x.logger.Info("executing job", "job", job.Name, "steps", job.Pipeline.String())
}

// Advance runs the standing guards and then checks or starts the current
// stage of job.
func (x *Execution) Advance(ctx context.Context, job *model.Job, now time.Time) Step {
	if job.State != model.JobStateBusy {
		return Step{}
	}
	if step, stop := x.guard(ctx, job, now); stop {
		return step
	}

	switch job.Stage {
	case model.StageSlewing, model.StageReslewing:
		return x.checkSlew(ctx, job)
	case model.StageFocusing:
		return x.checkFocus(ctx, job)
	case model.StageAligning:
		return x.checkAlign(ctx, job)
	case model.StageGuiding:
		return x.checkGuide(ctx, job)
	case model.StageCapturing:
		return x.checkCapture(ctx, job)
	default:
		return x.next(ctx, job)
	}
}

// guard checks completion time, altitude, Moon separation and twilight.
func (x *Execution) guard(ctx context.Context, job *model.Job, now time.Time) (Step, bool) {
	log := x.logger.With("job", job.Name)

	if job.CompletionCondition == model.FinishAt && !now.Before(job.CompletionTime) {
		log.Info("job reached completion time, stopping", "completion", job.CompletionTime)
		x.StopAction(ctx, job)
		job.SetState(model.JobStateComplete)
		return Step{Outcome: JobComplete}, true
	}

	oracle := x.engine.Oracle()
	if job.MinAltitude > 0 {
		if alt := oracle.Altitude(job.Target, now); alt < job.MinAltitude {
			parked, err := parkedOrErr(ctx, x.rig.Mount)
			if err != nil {
				return x.lost(job, err), true
			}
			if !parked {
				log.Info("job altitude crossed minimum constraint, marking aborted",
					"altitude", alt, "min_altitude", job.MinAltitude)
				return x.abort(ctx, job), true
			}
		}
	}

	if job.MinMoonSeparation > 0 {
		if sep := oracle.Moon(job.Target, now).Separation; sep < job.MinMoonSeparation {
			parked, err := parkedOrErr(ctx, x.rig.Mount)
			if err != nil {
				return x.lost(job, err), true
			}
			if !parked {
				log.Info("job moon separation crossed minimum constraint, marking aborted",
					"separation", sep, "min_separation", job.MinMoonSeparation)
				return x.abort(ctx, job), true
			}
		}
	}

	if job.EnforceTwilight && !x.preDawn.IsZero() && now.After(x.preDawn) {
		mountParked, err := parkedOrErr(ctx, x.rig.Mount)
		if err != nil {
			return x.lost(job, err), true
		}
		domeParked := true
		if x.cfg.Shutdown.ParkDome && x.rig.Dome != nil {
			if domeParked, err = parkedOrErr(ctx, x.rig.Dome); err != nil {
				return x.lost(job, err), true
			}
		}
		if !mountParked || !domeParked {
			log.Info("job is approaching astronomical twilight, marking aborted",
				"pre_dawn", x.preDawn, "margin", x.cfg.PreDawnMargin)
			step := x.abort(ctx, job)
			x.StopGuiding(ctx, job)
			step.ShutdownRequested = true
			return step, true
		}
	}
	return Step{}, false
}

// next starts the stage following the current one.
func (x *Execution) next(ctx context.Context, job *model.Job) Step {
	p := job.Pipeline
	switch job.Stage {
	case model.StageIdle:
		// Calibration frames need no pointing.
		if !job.LightFramesRequired {
			return x.startCapture(ctx, job, false)
		}
		switch {
		case p.Has(model.StepTrack):
			return x.startSlew(ctx, job, false)
		case p.Has(model.StepFocus) && !x.autofocusDone:
			return x.startFocus(ctx, job)
		case p.Has(model.StepAlign):
			return x.startAlign(ctx, job)
		case p.Has(model.StepGuide):
			return x.startGuide(ctx, job, false)
		}
		return x.startCapture(ctx, job, false)

	case model.StageSlewComplete:
		switch {
		case p.Has(model.StepFocus) && !x.autofocusDone:
			return x.startFocus(ctx, job)
		case p.Has(model.StepAlign):
			return x.startAlign(ctx, job)
		case p.Has(model.StepGuide):
			return x.startGuide(ctx, job, false)
		}
		return x.startCapture(ctx, job, false)

	case model.StageFocusComplete:
		switch {
		case p.Has(model.StepAlign):
			return x.startAlign(ctx, job)
		case p.Has(model.StepGuide):
			return x.startGuide(ctx, job, false)
		}
		return x.startCapture(ctx, job, false)

	case model.StageAlignComplete:
		return x.startSlew(ctx, job, true)

	case model.StageReslewingComplete:
		switch {
		case p.Has(model.StepFocus) && job.InSequenceFocus:
			return x.postAlignFocus(ctx, job)
		case p.Has(model.StepGuide):
			return x.startGuide(ctx, job, false)
		}
		return x.startCapture(ctx, job, false)

	case model.StagePostAlignFocusingComplete:
		if p.Has(model.StepGuide) {
			return x.startGuide(ctx, job, false)
		}
		return x.startCapture(ctx, job, false)

	case model.StageGuidingComplete:
		return x.startCapture(ctx, job, false)
	}
	return Step{}
}

// complete records the end of a stage and starts the next one in the same
// tick.
func (x *Execution) complete(ctx context.Context, job *model.Job, stage model.JobStage) Step {
	job.Stage = stage
	step := x.next(ctx, job)
	if step.Outcome == Continue {
		step.Outcome = StageComplete
	}
	return step
}

func (x *Execution) startSlew(ctx context.Context, job *model.Job, reslew bool) Step {
	log := x.logger.With("job", job.Name)

	parked, err := parkedOrErr(ctx, x.rig.Mount)
	if err != nil {
		return x.lost(job, err)
	}
	if parked {
		log.Info("mount is parked, requesting unpark before slewing")
		return Step{UnparkRequested: true}
	}

	if !reslew && x.cfg.ResetMountModelBeforeJob && !x.modelReset {
		if err := x.rig.Aligner.ResetModel(ctx); err != nil {
			if device.IsDisconnected(err) {
				return x.lost(job, err)
			}
			log.Warn("mount model reset failed", "error", err)
		}
		x.modelReset = true
	}

	if err := x.rig.Mount.SlewTo(ctx, job.Target); err != nil {
		if device.IsDisconnected(err) {
			return x.lost(job, err)
		}
		log.Warn("slew request failed, marking terminated due to errors", "error", err)
		return x.terminate(ctx, job)
	}

	if reslew {
		job.Stage = model.StageReslewing
		log.Info("job is re-slewing to target")
	} else {
		job.Stage = model.StageSlewing
		log.Info("job is slewing to target", "ra_hours", job.Target.RAHours, "dec_degrees", job.Target.DecDegrees)
	}
	return Step{}
}

func (x *Execution) checkSlew(ctx context.Context, job *model.Job) Step {
	log := x.logger.With("job", job.Name)

	status, err := x.rig.Mount.SlewStatus(ctx)
	if err != nil && device.IsDisconnected(err) {
		return x.lost(job, err)
	}
	moving := false
	if x.rig.Dome != nil {
		if moving, err = x.rig.Dome.IsMoving(ctx); err != nil && device.IsDisconnected(err) {
			return x.lost(job, err)
		}
	}

	switch {
	case status == device.SlewOK && !moving:
		log.Info("job slew is complete")
		if job.Stage == model.StageReslewing {
			return x.complete(ctx, job, model.StageReslewingComplete)
		}
		return x.complete(ctx, job, model.StageSlewComplete)

	case status == device.SlewAlert:
		log.Warn("job slew failed, marking terminated due to errors")
		return x.terminate(ctx, job)

	case status == device.SlewIdle:
		log.Warn("job found not slewing, restarting")
		job.Stage = model.StageIdle
		return x.next(ctx, job)
	}
	return Step{}
}

func (x *Execution) startFocus(ctx context.Context, job *model.Job) Step {
	log := x.logger.With("job", job.Name)

	if !x.rig.Focuser.CanAutoFocus(ctx) {
		log.Warn("job is unable to proceed with autofocus, not supported")
		job.Pipeline = job.Pipeline.Without(model.StepFocus)
		return x.complete(ctx, job, model.StageFocusComplete)
	}

	if err := x.rig.Focuser.ResetFrame(ctx); err != nil {
		return x.commandFailed(ctx, job, "focus", err, x.focusFailed)
	}
	if err := x.rig.Focuser.Start(ctx); err != nil {
		return x.commandFailed(ctx, job, "focus", err, x.focusFailed)
	}
	job.Stage = model.StageFocusing
	log.Info("job is focusing")
	return Step{}
}

// postAlignFocus prepares the focuser for in-sequence focusing after the
// alignment moved the frame.
func (x *Execution) postAlignFocus(ctx context.Context, job *model.Job) Step {
	job.Stage = model.StagePostAlignFocusing
	if err := x.rig.Focuser.ResetFrame(ctx); err != nil {
		if device.IsDisconnected(err) {
			return x.lost(job, err)
		}
		x.logger.Warn("focus frame reset failed", "job", job.Name, "error", err)
	}
	return x.complete(ctx, job, model.StagePostAlignFocusingComplete)
}

func (x *Execution) checkFocus(ctx context.Context, job *model.Job) Step {
	status, err := x.rig.Focuser.Status(ctx)
	if err != nil && device.IsDisconnected(err) {
		return x.lost(job, err)
	}
	switch {
	case status == device.ProcessComplete:
		x.logger.Info("job focusing is complete", "job", job.Name)
		x.autofocusDone = true
		x.Failures.Focus = 0
		return x.complete(ctx, job, model.StageFocusComplete)
	case status.Failed():
		x.logger.Warn("job focusing failed", "job", job.Name)
		return x.focusFailed(ctx, job)
	}
	return Step{}
}

func (x *Execution) focusFailed(ctx context.Context, job *model.Job) Step {
	x.Failures.Focus++
	if x.Failures.Focus >= model.MaxFailureAttempts {
		x.logger.Warn("job focusing procedure failed, marking aborted", "job", job.Name, "attempts", x.Failures.Focus)
		return x.abort(ctx, job)
	}
	x.logger.Info("job is restarting its focusing procedure",
		"job", job.Name, "attempt", x.Failures.Focus, "max", model.MaxFailureAttempts)
	return x.startFocus(ctx, job)
}

func (x *Execution) startAlign(ctx context.Context, job *model.Job) Step {
	var err error
	if job.FITSFile != "" {
		x.logger.Info("job is aligning from reference image", "job", job.Name, "fits", job.FITSFile)
		err = x.rig.Aligner.LoadAndSlew(ctx, job.FITSFile)
	} else {
		x.logger.Info("job is capturing and solving", "job", job.Name)
		err = x.rig.Aligner.CaptureAndSolve(ctx)
	}
	if err != nil {
		return x.commandFailed(ctx, job, "align", err, x.alignFailed)
	}
	job.Stage = model.StageAligning
	return Step{}
}

func (x *Execution) checkAlign(ctx context.Context, job *model.Job) Step {
	status, err := x.rig.Aligner.Status(ctx)
	if err != nil && device.IsDisconnected(err) {
		return x.lost(job, err)
	}
	switch {
	case status == device.ProcessComplete:
		x.logger.Info("job alignment is complete", "job", job.Name)
		x.Failures.Align = 0
		return x.complete(ctx, job, model.StageAlignComplete)
	case status.Failed():
		x.logger.Warn("job alignment failed", "job", job.Name)
		return x.alignFailed(ctx, job)
	}
	return Step{}
}

func (x *Execution) alignFailed(ctx context.Context, job *model.Job) Step {
	x.Failures.Align++
	if x.Failures.Align >= model.MaxFailureAttempts {
		x.logger.Warn("job alignment procedure failed, marking aborted", "job", job.Name, "attempts", x.Failures.Align)
		return x.abort(ctx, job)
	}
	if x.cfg.ResetMountModelOnAlignFail && x.Failures.Align == model.MaxFailureAttempts-1 {
		x.logger.Warn("forcing mount model reset after failing alignment", "job", job.Name, "attempt", x.Failures.Align)
		if err := x.rig.Aligner.ResetModel(ctx); err != nil {
			if device.IsDisconnected(err) {
				return x.lost(job, err)
			}
			x.logger.Warn("mount model reset failed", "job", job.Name, "error", err)
		}
	}
	x.logger.Info("restarting alignment procedure", "job", job.Name, "attempt", x.Failures.Align)
	return x.startAlign(ctx, job)
}

func (x *Execution) startGuide(ctx context.Context, job *model.Job, resetCalibration bool) Step {
	if resetCalibration {
		if err := x.rig.Guider.ClearCalibration(ctx); err != nil {
			return x.commandFailed(ctx, job, "guide", err, x.guideFailed)
		}
	}
	if err := x.rig.Guider.StartAutoCalibrateGuide(ctx); err != nil {
		return x.commandFailed(ctx, job, "guide", err, x.guideFailed)
	}
	job.Stage = model.StageGuiding
	x.logger.Info("starting guiding procedure", "job", job.Name)
	return Step{}
}

func (x *Execution) checkGuide(ctx context.Context, job *model.Job) Step {
	status, err := x.rig.Guider.Status(ctx)
	if err != nil && device.IsDisconnected(err) {
		return x.lost(job, err)
	}
	switch status {
	case device.GuideGuiding:
		x.logger.Info("job guiding is in progress", "job", job.Name)
		x.Failures.Guide = 0
		return x.complete(ctx, job, model.StageGuidingComplete)
	case device.GuideCalibrationError, device.GuideAborted:
		x.logger.Warn("job guiding failed", "job", job.Name, "status", status)
		return x.guideFailed(ctx, job)
	}
	return Step{}
}

func (x *Execution) guideFailed(ctx context.Context, job *model.Job) Step {
	x.Failures.Guide++
	if x.Failures.Guide >= model.MaxFailureAttempts {
		x.logger.Warn("job guiding procedure failed, marking aborted", "job", job.Name, "attempts", x.Failures.Guide)
		return x.abort(ctx, job)
	}
	x.logger.Info("job is restarting its guiding procedure",
		"job", job.Name, "attempt", x.Failures.Guide, "max", model.MaxFailureAttempts)
	return x.startGuide(ctx, job, true)
}

func (x *Execution) startCapture(ctx context.Context, job *model.Job, restart bool) Step {
	log := x.logger.With("job", job.Name)

	if !restart {
		if err := x.rig.Capture.LoadSequence(ctx, job.SequenceFile); err != nil {
			if device.IsDisconnected(err) {
				return x.lost(job, err)
			}
			log.Error("failed loading sequence, marking terminated due to errors", "sequence", job.SequenceFile, "error", err)
			return x.terminate(ctx, job)
		}
	}
	if err := x.rig.Capture.SetTargetName(ctx, strings.ReplaceAll(job.Name, " ", "")); err != nil {
		return x.commandFailed(ctx, job, "capture", err, x.captureFailed)
	}
	frames := map[string]int{}
	if x.cfg.RememberProgress && job.CapturedFrames != nil {
		frames = job.CapturedFrames
	}
	if err := x.rig.Capture.SetCapturedFrames(ctx, frames); err != nil {
		return x.commandFailed(ctx, job, "capture", err, x.captureFailed)
	}
	if err := x.rig.Capture.Start(ctx); err != nil {
		return x.commandFailed(ctx, job, "capture", err, x.captureFailed)
	}

	job.Stage = model.StageCapturing
	if x.captureBatch > 0 {
		log.Info("job capture is in progress", "batch", x.captureBatch+1)
	} else {
		log.Info("job capture is in progress")
	}
	return Step{}
}

func (x *Execution) checkCapture(ctx context.Context, job *model.Job) Step {
	status, err := x.rig.Capture.Status(ctx)
	if err != nil && device.IsDisconnected(err) {
		return x.lost(job, err)
	}
	switch status {
	case device.CaptureAborted, device.CaptureError:
		x.logger.Warn("job failed to capture target", "job", job.Name, "status", status)
		return x.captureFailed(ctx, job)
	case device.CaptureComplete:
		x.logger.Info("job capture finished", "job", job.Name)
		job.SetState(model.JobStateComplete)
		return Step{Outcome: JobComplete}
	default:
		x.Failures.Capture = 0
	}
	return Step{}
}

func (x *Execution) captureFailed(ctx context.Context, job *model.Job) Step {
	x.Failures.Capture++
	if x.Failures.Capture >= model.MaxFailureAttempts {
		x.logger.Warn("job failed its capture procedure, marking aborted", "job", job.Name, "attempts", x.Failures.Capture)
		return x.abort(ctx, job)
	}

	if job.Pipeline.Has(model.StepGuide) {
		gs, err := x.rig.Guider.Status(ctx)
		if err != nil && device.IsDisconnected(err) {
			return x.lost(job, err)
		}
		switch gs {
		case device.GuideAborted, device.GuideCalibrationError, device.GuideDitherError:
			x.logger.Info("job is capturing and is restarting its guiding procedure",
				"job", job.Name, "attempt", x.Failures.Capture, "max", model.MaxFailureAttempts)
			return x.startGuide(ctx, job, true)
		}
	}

	x.logger.Info("job failed its capture procedure, restarting capture",
		"job", job.Name, "attempt", x.Failures.Capture)
	return x.startCapture(ctx, job, true)
}

// commandFailed handles a rejected device command: a lost link aborts the
// job, anything else counts as a failed attempt of the stage.
func (x *Execution) commandFailed(ctx context.Context, job *model.Job, stage string, err error, retry func(context.Context, *model.Job) Step) Step {
	if device.IsDisconnected(err) {
		return x.lost(job, err)
	}
	x.logger.Warn("device command failed", "job", job.Name, "stage", stage, "error", err)
	return retry(ctx, job)
}

// StopAction aborts the device operation of the current stage and resets the
// stage to IDLE.
func (x *Execution) StopAction(ctx context.Context, job *model.Job) {
	var err error
	switch job.Stage {
	case model.StageSlewing, model.StageReslewing:
		err = x.rig.Mount.Abort(ctx)
	case model.StageFocusing:
		err = x.rig.Focuser.Abort(ctx)
	case model.StageAligning:
		err = x.rig.Aligner.Abort(ctx)
	case model.StageCapturing:
		err = x.rig.Capture.Abort(ctx)
	}
	if err != nil {
		x.logger.Debug("stop current action", "job", job.Name, "stage", job.Stage, "error", err)
	}
	job.Stage = model.StageIdle
}

// StopGuiding aborts the guider when job uses it.
func (x *Execution) StopGuiding(ctx context.Context, job *model.Job) {
	if !job.Pipeline.Has(model.StepGuide) || x.rig.Guider == nil {
		return
	}
	if err := x.rig.Guider.Abort(ctx); err != nil {
		x.logger.Debug("stop guiding", "job", job.Name, "error", err)
	}
}

func (x *Execution) abort(ctx context.Context, job *model.Job) Step {
	x.StopAction(ctx, job)
	job.SetState(model.JobStateAborted)
	return Step{Outcome: JobAborted}
}

func (x *Execution) terminate(ctx context.Context, job *model.Job) Step {
	x.StopAction(ctx, job)
	job.SetState(model.JobStateError)
	return Step{Outcome: JobError}
}

// lost aborts job after the device link dropped. No device is commanded.
func (x *Execution) lost(job *model.Job, err error) Step {
	x.logger.Error("job lost connection to devices, marking aborted", "job", job.Name, "stage", job.Stage, "error", err)
	job.Stage = model.StageIdle
	job.SetState(model.JobStateAborted)
	return Step{Outcome: JobAborted, ShutdownRequested: true}
}

// FindNextJob decides what follows a job that left BUSY. It returns the job
// itself when the same job continues (repeats, loops, finish-at windows),
// or nil when a new job must be evaluated.
func (x *Execution) FindNextJob(ctx context.Context, job *model.Job, jobs []*model.Job, now time.Time) (*model.Job, Step) {
	log := x.logger.With("job", job.Name)
	x.Failures.Reset()

	switch job.State {
	case model.JobStateError, model.JobStateAborted:
		x.captureBatch = 0
		x.StopGuiding(ctx, job)
		if job.State == model.JobStateError {
			log.Warn("job is terminated due to errors")
		} else {
			log.Info("job is aborted")
		}
		job.Stage = model.StageIdle
		return nil, Step{}
	}

	switch job.CompletionCondition {
	case model.FinishRepeat:
		if job.RepeatsRemaining > 0 {
			job.RepeatsRemaining--
		}
		markIdle(job, jobs)
		if x.Reevaluate != nil {
			x.Reevaluate(now)
		}
		if job.RepeatsRemaining == 0 {
			x.StopAction(ctx, job)
			x.StopGuiding(ctx, job)
			if job.State != model.JobStateComplete {
				job.SetState(model.JobStateComplete)
			}
			x.captureBatch = 0
			log.Info("job is complete", "batches", job.RepeatsRequired)
			return nil, Step{}
		}
		x.Begin(job)
		step := x.resume(ctx, job)
		log.Info("job is repeating", "batches_remaining", job.RepeatsRemaining)
		return x.continued(ctx, job, jobs, now, step)

	case model.FinishLoop:
		x.Begin(job)
		x.captureBatch++
		step := x.startCapture(ctx, job, false)
		log.Info("job is repeating, looping indefinitely", "batch", x.captureBatch+1)
		return x.continued(ctx, job, jobs, now, step)

	case model.FinishAt:
		if !now.Before(job.CompletionTime) {
			x.StopAction(ctx, job)
			x.StopGuiding(ctx, job)
			log.Info("job stopping, reached completion time", "batches", x.captureBatch+1)
			x.captureBatch = 0
			job.Stage = model.StageIdle
			return nil, Step{}
		}
		x.Begin(job)
		x.captureBatch++
		step := x.startCapture(ctx, job, false)
		log.Info("job is repeating until completion time", "completion", job.CompletionTime, "batch", x.captureBatch+1)
		return x.continued(ctx, job, jobs, now, step)

	default:
		if x.cfg.RememberProgress {
			markIdle(job, jobs)
		}
		x.captureBatch = 0
		x.StopGuiding(ctx, job)
		log.Info("job is complete")
		job.Stage = model.StageIdle
		return nil, Step{}
	}
}

// continued returns the continuing job, unless restarting it already failed.
func (x *Execution) continued(ctx context.Context, job *model.Job, jobs []*model.Job, now time.Time, step Step) (*model.Job, Step) {
	if step.Outcome.Terminal() {
		next, more := x.FindNextJob(ctx, job, jobs, now)
		more.ShutdownRequested = more.ShutdownRequested || step.ShutdownRequested
		return next, more
	}
	return job, step
}

// resume restarts a repeating job at the stage its pipeline allows:
// capture when guiding, alignment when aligning, a slew when tracking.
func (x *Execution) resume(ctx context.Context, job *model.Job) Step {
	switch {
	case job.Pipeline.Has(model.StepGuide):
		return x.startCapture(ctx, job, false)
	case job.Pipeline.Has(model.StepAlign):
		return x.startAlign(ctx, job)
	case job.Pipeline.Has(model.StepTrack):
		return x.startSlew(ctx, job, false)
	}
	return x.startCapture(ctx, job, false)
}

// markIdle resets job and its duplicates to IDLE for re-evaluation.
func markIdle(job *model.Job, jobs []*model.Job) {
	for _, other := range jobs {
		if other == job || other.IsDuplicateOf(job) {
			other.SetState(model.JobStateIdle)
		}
	}
}

// parkedOrErr reports whether a parkable device is parked. A nil device
// counts as not parked.
func parkedOrErr(ctx context.Context, p device.Parker) (bool, error) {
	if p == nil {
		return false, nil
	}
	status, err := p.ParkStatus(ctx)
	if err != nil {
		return false, err
	}
	return status == device.Parked, nil
}
