package model

import (
	"testing"
	"time"
)

func fixedJob() *Job {
	j := NewJob("job_1", "M42")
	j.Target = Coordinates{RAHours: 5.588, DecDegrees: -5.39}
	j.SequenceFile = "/seq/m42.yaml"
	j.StartupCondition = StartAt
	j.StartupTime = time.Date(2026, 1, 10, 21, 0, 0, 0, time.UTC)
	j.SnapshotStartup()
	j.Reset()
	return j
}

func TestJob_SetStateRestoresStartup(t *testing.T) {
	for _, state := range []JobState{JobStateInvalid, JobStateAborted} {
		t.Run(string(state), func(t *testing.T) {
			j := fixedJob()
			orig := j.StartupTime

			j.StartupTime = orig.Add(3 * time.Hour)
			j.EstimatedSeconds = 1200
			j.SetState(state)

			if j.StartupCondition != StartAt {
				t.Errorf("StartupCondition = %q, want %q", j.StartupCondition, StartAt)
			}
			if !j.StartupTime.Equal(orig) {
				t.Errorf("StartupTime = %v, want %v", j.StartupTime, orig)
			}
			if state == JobStateInvalid && j.EstimatedSeconds != EstimateUnknown {
				t.Errorf("EstimatedSeconds = %d, want %d", j.EstimatedSeconds, EstimateUnknown)
			}
		})
	}
}

func TestJob_SetStateRestoresResolvedASAP(t *testing.T) {
	j := NewJob("job_2", "M31")
	j.StartupCondition = StartAt
	j.StartupTime = time.Date(2026, 1, 10, 23, 0, 0, 0, time.UTC)

	j.SetState(JobStateAborted)

	if j.StartupCondition != StartASAP {
		t.Errorf("StartupCondition = %q, want %q", j.StartupCondition, StartASAP)
	}
	if !j.StartupTime.IsZero() {
		t.Errorf("StartupTime = %v, want zero", j.StartupTime)
	}
}

func TestJob_Reset(t *testing.T) {
	j := fixedJob()
	j.CompletionCondition = FinishRepeat
	j.RepeatsRequired = 3
	j.RepeatsRemaining = 1
	j.State = JobStateComplete
	j.Stage = StageCapturing
	j.EstimatedSeconds = 600

	j.Reset()

	if j.State != JobStateIdle || j.Stage != StageIdle {
		t.Errorf("state/stage = %s/%s, want IDLE/IDLE", j.State, j.Stage)
	}
	if j.EstimatedSeconds != EstimateUnknown {
		t.Errorf("EstimatedSeconds = %d, want -1", j.EstimatedSeconds)
	}
	if j.RepeatsRemaining != 3 {
		t.Errorf("RepeatsRemaining = %d, want 3", j.RepeatsRemaining)
	}
}

func TestJob_IsDuplicateOf(t *testing.T) {
	a := fixedJob()
	b := fixedJob()
	b.ID = "job_other"
	b.Name = "M42 again"

	if !a.IsDuplicateOf(b) {
		t.Error("same target and sequence should be a duplicate")
	}
	if a.IsDuplicateOf(a) {
		t.Error("job must not be a duplicate of itself")
	}

	b.SequenceFile = "/seq/other.yaml"
	if a.IsDuplicateOf(b) {
		t.Error("different sequence should not be a duplicate")
	}
}

func TestPipeline(t *testing.T) {
	p := StepTrack | StepAlign | StepGuide
	if !p.Has(StepAlign) {
		t.Error("Has(StepAlign) = false")
	}
	if p.Has(StepFocus) {
		t.Error("Has(StepFocus) = true")
	}
	if got := p.String(); got != "track,align,guide" {
		t.Errorf("String() = %q, want %q", got, "track,align,guide")
	}
	if got := p.Without(StepGuide).String(); got != "track,align" {
		t.Errorf("Without(StepGuide) = %q", got)
	}
	if StepNone.String() != "none" {
		t.Errorf("StepNone.String() = %q", StepNone.String())
	}
	if s, ok := ParseStep(" Focus "); !ok || s != StepFocus {
		t.Errorf("ParseStep(Focus) = %v, %v", s, ok)
	}
}

func TestJob_Clone(t *testing.T) {
	j := fixedJob()
	j.CapturedFrames["/data/M42/Light/L"] = 4
	c := j.Clone()
	c.CapturedFrames["/data/M42/Light/L"] = 9
	if j.CapturedFrames["/data/M42/Light/L"] != 4 {
		t.Error("Clone shares the captured frames map")
	}
}
