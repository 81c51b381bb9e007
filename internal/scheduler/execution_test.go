package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/me/obsched/internal/almanac/almanactest"
	"github.com/me/obsched/internal/config"
	"github.com/me/obsched/internal/device"
	"github.com/me/obsched/internal/device/sim"
	"github.com/me/obsched/internal/scoring"
	"github.com/me/obsched/pkg/model"
)

type execSetup struct {
	x      *Execution
	rig    *sim.Rig
	oracle *almanactest.Oracle
}

func testExecution(t *testing.T, cfg config.SchedulerConfig) execSetup {
	t.Helper()
	rig := sim.New()
	rig.Latency = 0
	rig.Mount.SetParked(false)
	oracle := almanactest.Night(45)
	logger := testLogger()
	engine := scoring.NewEngine(oracle, cfg, logger)
	return execSetup{
		x:      NewExecution(rig.Ports(), engine, cfg, logger),
		rig:    rig,
		oracle: oracle,
	}
}

// drive advances the running job the way the controller does, following
// repeats and loops, until no job is running or maxTicks is reached.
func drive(t *testing.T, x *Execution, job *model.Job, jobs []*model.Job, now time.Time, maxTicks int) (*model.Job, int) {
	t.Helper()
	ctx := context.Background()
	current := job
	ticks := 0
	for ; ticks < maxTicks && current != nil; ticks++ {
		step := x.Advance(ctx, current, now)
		if step.Outcome.Terminal() {
			current, _ = x.FindNextJob(ctx, current, jobs, now)
		}
	}
	return current, ticks
}

func TestExecution_FullPipeline(t *testing.T) {
	s := testExecution(t, testConfig())
	ctx := context.Background()
	job := lightJob(t, "m42")
	job.Pipeline = model.StepTrack | model.StepGuide
	now := night(22, 0)
	s.x.Begin(job)

	want := []struct {
		outcome Outcome
		stage   model.JobStage
	}{
		{Continue, model.StageSlewing},
		{StageComplete, model.StageGuiding},
		{StageComplete, model.StageCapturing},
		{JobComplete, model.StageCapturing},
	}
	for i, w := range want {
		step := s.x.Advance(ctx, job, now)
		if step.Outcome != w.outcome || job.Stage != w.stage {
			t.Fatalf("tick %d: outcome %s stage %s, want %s %s", i, step.Outcome, job.Stage, w.outcome, w.stage)
		}
	}
	if job.State != model.JobStateComplete {
		t.Errorf("state = %s, want COMPLETE", job.State)
	}
	if s.rig.Capture.TargetName != "m42" {
		t.Errorf("target name = %q", s.rig.Capture.TargetName)
	}
	if s.rig.Mount.Slews != 1 || s.rig.Guider.Starts != 1 {
		t.Errorf("slews = %d guider starts = %d, want 1 and 1", s.rig.Mount.Slews, s.rig.Guider.Starts)
	}
}

func TestExecution_CaptureFailures(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		want     model.JobState
	}{
		{"recovers after four", model.MaxFailureAttempts - 1, model.JobStateComplete},
		{"aborts on fifth", model.MaxFailureAttempts, model.JobStateAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testExecution(t, testConfig())
			s.rig.Capture.FailNext = tt.failures
			job := lightJob(t, "m42")
			s.x.Begin(job)

			if next, _ := drive(t, s.x, job, []*model.Job{job}, night(22, 0), 30); next != nil {
				t.Fatalf("job still running after 30 ticks, stage %s", job.Stage)
			}
			if job.State != tt.want {
				t.Errorf("state = %s, want %s", job.State, tt.want)
			}
			if starts := s.rig.Capture.Starts; starts != tt.failures+boolInt(tt.want == model.JobStateComplete) {
				t.Errorf("capture starts = %d", starts)
			}
		})
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestExecution_RepeatRunsEveryBatch(t *testing.T) {
	s := testExecution(t, testConfig())
	reevaluations := 0
	s.x.Reevaluate = func(time.Time) { reevaluations++ }

	job := lightJob(t, "m42")
	job.CompletionCondition = model.FinishRepeat
	job.RepeatsRequired = 3
	job.Reset()
	s.x.Begin(job)

	if next, _ := drive(t, s.x, job, []*model.Job{job}, night(22, 0), 50); next != nil {
		t.Fatalf("job still running, stage %s", job.Stage)
	}
	if job.State != model.JobStateComplete {
		t.Errorf("state = %s, want COMPLETE", job.State)
	}
	if job.RepeatsRemaining != 0 {
		t.Errorf("repeats remaining = %d, want 0", job.RepeatsRemaining)
	}
	if got := s.rig.Capture.Completed; got != 3 {
		t.Errorf("captures completed = %d, want 3", got)
	}
	if reevaluations != 3 {
		t.Errorf("reevaluations = %d, want 3", reevaluations)
	}
}

func TestExecution_LoopKeepsCapturing(t *testing.T) {
	s := testExecution(t, testConfig())
	job := lightJob(t, "m42")
	job.CompletionCondition = model.FinishLoop
	s.x.Begin(job)

	next, _ := drive(t, s.x, job, []*model.Job{job}, night(22, 0), 12)
	if next != job {
		t.Fatal("looping job stopped")
	}
	if s.x.CaptureBatch() < 2 {
		t.Errorf("capture batch = %d, want at least 2", s.x.CaptureBatch())
	}
	if job.State != model.JobStateBusy {
		t.Errorf("state = %s, want BUSY", job.State)
	}
}

func TestExecution_FinishAtStopsAtCompletionTime(t *testing.T) {
	s := testExecution(t, testConfig())
	ctx := context.Background()
	job := lightJob(t, "m42")
	job.Pipeline = model.StepNone
	job.CompletionCondition = model.FinishAt
	job.CompletionTime = night(22, 30)
	s.x.Begin(job)

	s.x.Advance(ctx, job, night(22, 0))
	if job.Stage != model.StageCapturing {
		t.Fatalf("stage = %s, want CAPTURING", job.Stage)
	}
	step := s.x.Advance(ctx, job, night(22, 31))
	if step.Outcome != JobComplete || job.State != model.JobStateComplete {
		t.Fatalf("outcome %s state %s, want job complete", step.Outcome, job.State)
	}
	if next, _ := s.x.FindNextJob(ctx, job, []*model.Job{job}, night(22, 31)); next != nil {
		t.Error("job past its completion time must not continue")
	}
}

func TestExecution_FinishAtContinuesBeforeCompletionTime(t *testing.T) {
	s := testExecution(t, testConfig())
	ctx := context.Background()
	job := lightJob(t, "m42")
	job.Pipeline = model.StepNone
	job.CompletionCondition = model.FinishAt
	job.CompletionTime = night(23, 0)
	s.x.Begin(job)

	s.x.Advance(ctx, job, night(22, 0))
	if step := s.x.Advance(ctx, job, night(22, 0)); step.Outcome != JobComplete {
		t.Fatalf("outcome = %s, want job complete", step.Outcome)
	}
	next, _ := s.x.FindNextJob(ctx, job, []*model.Job{job}, night(22, 0))
	if next != job || job.State != model.JobStateBusy || job.Stage != model.StageCapturing {
		t.Errorf("job = %s %s, want BUSY CAPTURING", job.State, job.Stage)
	}
}

func TestExecution_SequenceMarksDuplicatesIdle(t *testing.T) {
	cfg := testConfig()
	cfg.RememberProgress = true
	s := testExecution(t, cfg)
	job := lightJob(t, "m42")
	dup := model.NewJob("m42-again", "m42")
	dup.SequenceFile = job.SequenceFile
	dup.State = model.JobStateComplete
	other := lightJob(t, "ngc7000")
	other.State = model.JobStateComplete
	jobs := []*model.Job{job, dup, other}
	s.x.Begin(job)

	drive(t, s.x, job, jobs, night(22, 0), 10)

	if job.State != model.JobStateIdle || dup.State != model.JobStateIdle {
		t.Errorf("job %s dup %s, want both IDLE", job.State, dup.State)
	}
	if other.State != model.JobStateComplete {
		t.Errorf("unrelated job = %s, want COMPLETE", other.State)
	}
}

func TestExecution_ConnectionLost(t *testing.T) {
	s := testExecution(t, testConfig())
	ctx := context.Background()
	job := lightJob(t, "m42")
	job.Pipeline = model.StepNone
	s.x.Begin(job)

	s.x.Advance(ctx, job, night(22, 0))
	s.rig.LoseConnection()
	step := s.x.Advance(ctx, job, night(22, 0))

	if step.Outcome != JobAborted || !step.ShutdownRequested {
		t.Errorf("step = %+v, want aborted with shutdown", step)
	}
	if job.State != model.JobStateAborted || job.Stage != model.StageIdle {
		t.Errorf("job = %s %s, want ABORTED IDLE", job.State, job.Stage)
	}
}

func TestExecution_SlewAlertIsError(t *testing.T) {
	s := testExecution(t, testConfig())
	ctx := context.Background()
	s.rig.Mount.FailSlews = true
	job := lightJob(t, "m42")
	s.x.Begin(job)

	s.x.Advance(ctx, job, night(22, 0))
	step := s.x.Advance(ctx, job, night(22, 0))
	if step.Outcome != JobError || job.State != model.JobStateError {
		t.Errorf("outcome %s state %s, want ERROR", step.Outcome, job.State)
	}
}

func TestExecution_ParkedMountRequestsUnpark(t *testing.T) {
	s := testExecution(t, testConfig())
	s.rig.Mount.SetParked(true)
	job := lightJob(t, "m42")
	s.x.Begin(job)

	step := s.x.Advance(context.Background(), job, night(22, 0))
	if !step.UnparkRequested {
		t.Error("UnparkRequested = false, want true")
	}
	if job.State != model.JobStateBusy || job.Stage != model.StageIdle {
		t.Errorf("job = %s %s, want BUSY IDLE", job.State, job.Stage)
	}
	if s.rig.Mount.Slews != 0 {
		t.Errorf("slews = %d, want 0", s.rig.Mount.Slews)
	}
}

func TestExecution_UnsupportedAutofocusIsSkipped(t *testing.T) {
	s := testExecution(t, testConfig())
	ctx := context.Background()
	s.rig.Focuser.AutoFocus = false
	job := lightJob(t, "m42")
	job.Pipeline = model.StepTrack | model.StepFocus
	s.x.Begin(job)

	s.x.Advance(ctx, job, night(22, 0))
	s.x.Advance(ctx, job, night(22, 0))

	if job.Pipeline.Has(model.StepFocus) {
		t.Error("focus step should be removed from the pipeline")
	}
	if job.Stage != model.StageCapturing {
		t.Errorf("stage = %s, want CAPTURING", job.Stage)
	}
	if s.rig.Focuser.Runs != 0 {
		t.Errorf("focus runs = %d, want 0", s.rig.Focuser.Runs)
	}
}

func TestExecution_FocusFailuresAbort(t *testing.T) {
	s := testExecution(t, testConfig())
	s.rig.Focuser.FailNext = model.MaxFailureAttempts
	job := lightJob(t, "m42")
	job.Pipeline = model.StepFocus
	s.x.Begin(job)

	drive(t, s.x, job, []*model.Job{job}, night(22, 0), 20)
	if job.State != model.JobStateAborted {
		t.Errorf("state = %s, want ABORTED", job.State)
	}
	if s.rig.Focuser.Runs != model.MaxFailureAttempts {
		t.Errorf("focus runs = %d, want %d", s.rig.Focuser.Runs, model.MaxFailureAttempts)
	}
}

func TestExecution_AlignResetsModelBeforeLastAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.ResetMountModelOnAlignFail = true
	s := testExecution(t, cfg)
	s.rig.Aligner.FailNext = model.MaxFailureAttempts - 1
	job := lightJob(t, "m42")
	job.Pipeline = model.StepAlign
	job.FITSFile = "/data/ref.fits"
	s.x.Begin(job)

	ctx := context.Background()
	for range model.MaxFailureAttempts + 1 {
		s.x.Advance(ctx, job, night(22, 0))
	}
	if job.Stage != model.StageReslewing {
		t.Fatalf("stage = %s, want RESLEWING", job.Stage)
	}
	if s.rig.Aligner.ModelResets != 1 {
		t.Errorf("model resets = %d, want 1", s.rig.Aligner.ModelResets)
	}
	if s.rig.Aligner.LoadedFITS != "/data/ref.fits" {
		t.Errorf("loaded FITS = %q", s.rig.Aligner.LoadedFITS)
	}
	if s.x.Failures.Align != 0 {
		t.Errorf("align failures = %d, want 0 after success", s.x.Failures.Align)
	}
}

func TestExecution_GuideRetryClearsCalibration(t *testing.T) {
	s := testExecution(t, testConfig())
	ctx := context.Background()
	s.rig.Guider.FailNext = 1
	job := lightJob(t, "m42")
	job.Pipeline = model.StepGuide
	s.x.Begin(job)

	s.x.Advance(ctx, job, night(22, 0))
	s.x.Advance(ctx, job, night(22, 0))
	if s.rig.Guider.CalibrationClears != 1 || s.x.Failures.Guide != 1 {
		t.Fatalf("clears = %d failures = %d, want 1 and 1", s.rig.Guider.CalibrationClears, s.x.Failures.Guide)
	}
	s.x.Advance(ctx, job, night(22, 0))
	if job.Stage != model.StageCapturing {
		t.Errorf("stage = %s, want CAPTURING", job.Stage)
	}
}

func TestExecution_CaptureFailureRestartsGuiding(t *testing.T) {
	s := testExecution(t, testConfig())
	ctx := context.Background()
	job := lightJob(t, "m42")
	job.Pipeline = model.StepGuide
	s.x.Begin(job)

	for range 2 {
		s.x.Advance(ctx, job, night(22, 0))
	}
	if job.Stage != model.StageCapturing {
		t.Fatalf("stage = %s, want CAPTURING", job.Stage)
	}
	s.rig.Capture.FailNext = 1
	s.rig.Guider.SetStatus(device.GuideDitherError)

	s.x.Advance(ctx, job, night(22, 0))
	if job.Stage != model.StageGuiding {
		t.Errorf("stage = %s, want GUIDING", job.Stage)
	}
	if s.rig.Guider.CalibrationClears != 1 {
		t.Errorf("calibration clears = %d, want 1", s.rig.Guider.CalibrationClears)
	}
}

func TestExecution_Guards(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(s execSetup, job *model.Job)
		parked       bool
		wantState    model.JobState
		wantShutdown bool
	}{
		{
			name: "altitude below minimum",
			setup: func(s execSetup, job *model.Job) {
				job.MinAltitude = 30
				s.oracle.SetAltitude(20)
			},
			wantState: model.JobStateAborted,
		},
		{
			name: "altitude below minimum while parked",
			setup: func(s execSetup, job *model.Job) {
				job.MinAltitude = 30
				s.oracle.SetAltitude(20)
			},
			parked:    true,
			wantState: model.JobStateBusy,
		},
		{
			name: "moon too close",
			setup: func(s execSetup, job *model.Job) {
				job.MinMoonSeparation = 120
			},
			wantState: model.JobStateAborted,
		},
		{
			name: "twilight",
			setup: func(s execSetup, job *model.Job) {
				s.x.SetPreDawn(night(21, 0))
			},
			wantState:    model.JobStateAborted,
			wantShutdown: true,
		},
		{
			name:      "nothing violated",
			setup:     func(execSetup, *model.Job) {},
			wantState: model.JobStateBusy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testExecution(t, testConfig())
			s.rig.Latency = 100
			ctx := context.Background()
			job := lightJob(t, "m42")
			job.Pipeline = model.StepNone
			s.x.Begin(job)
			s.x.Advance(ctx, job, night(22, 0))

			tt.setup(s, job)
			if tt.parked {
				s.rig.Mount.SetParked(true)
			}
			step := s.x.Advance(ctx, job, night(22, 0))

			if job.State != tt.wantState {
				t.Errorf("state = %s, want %s", job.State, tt.wantState)
			}
			if step.ShutdownRequested != tt.wantShutdown {
				t.Errorf("shutdown requested = %v, want %v", step.ShutdownRequested, tt.wantShutdown)
			}
		})
	}
}

func TestExecution_StopActionAbortsCapture(t *testing.T) {
	s := testExecution(t, testConfig())
	ctx := context.Background()
	job := lightJob(t, "m42")
	job.Pipeline = model.StepNone
	s.x.Begin(job)
	s.x.Advance(ctx, job, night(22, 0))

	s.x.StopAction(ctx, job)
	if job.Stage != model.StageIdle {
		t.Errorf("stage = %s, want IDLE", job.Stage)
	}
	if st, _ := s.rig.Capture.Status(ctx); st != device.CaptureAborted {
		t.Errorf("capture status = %s, want ABORTED", st)
	}
}
