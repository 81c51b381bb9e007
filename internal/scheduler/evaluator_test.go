package scheduler

import (
	"testing"
	"time"

	"github.com/me/obsched/internal/almanac/almanactest"
	"github.com/me/obsched/internal/device"
	"github.com/me/obsched/pkg/model"
)

func TestEvaluate_ASAPRunsNow(t *testing.T) {
	e := testEvaluator(t, almanactest.Night(45), testConfig())
	job := lightJob(t, "m42")
	now := night(22, 0)

	res := e.Evaluate([]*model.Job{job}, now, device.WeatherOK, false)

	if job.State != model.JobStateScheduled {
		t.Fatalf("state = %s, want SCHEDULED", job.State)
	}
	if res.Selected != job {
		t.Fatalf("selected = %v, want m42", res.Selected)
	}
	if !job.StartupTime.Equal(now) {
		t.Errorf("startup = %s, want now", job.StartupTime)
	}
	if job.Score <= 0 {
		t.Errorf("score = %d, want positive", job.Score)
	}
	if job.EstimatedSeconds <= 0 {
		t.Errorf("estimate = %d, want positive", job.EstimatedSeconds)
	}
	if want := time.Date(2026, 1, 11, 5, 0, 0, 0, time.UTC); !res.PreDawn.Equal(want) {
		t.Errorf("pre-dawn = %s, want %s", res.PreDawn, want)
	}
}

func TestEvaluate_PriorityWins(t *testing.T) {
	e := testEvaluator(t, almanactest.Night(45), testConfig())
	low := lightJob(t, "low")
	low.Priority = 5
	high := lightJob(t, "high")
	high.Priority = 1

	res := e.Evaluate([]*model.Job{low, high}, night(22, 0), device.WeatherOK, false)
	if res.Selected != high {
		t.Fatalf("selected = %s, want high", res.Selected.ID)
	}
	if len(res.Scheduled) != 2 {
		t.Errorf("scheduled = %d jobs, want 2", len(res.Scheduled))
	}
}

func TestEvaluate_WaitsForAltitude(t *testing.T) {
	oracle := almanactest.Night(45)
	oracle.AltFunc = func(_ model.Coordinates, t time.Time) float64 {
		if t.Before(night(23, 0)) {
			return -5
		}
		return 40
	}
	e := testEvaluator(t, oracle, testConfig())
	job := lightJob(t, "rising")

	res := e.Evaluate([]*model.Job{job}, night(22, 0), device.WeatherOK, false)

	if job.State != model.JobStateScheduled {
		t.Fatalf("state = %s, want SCHEDULED", job.State)
	}
	if job.StartupCondition != model.StartAt || !job.StartupTime.Equal(night(23, 0)) {
		t.Errorf("startup = %s at %s, want AT 23:00", job.StartupCondition, job.StartupTime)
	}
	if job.FileStartupCondition != model.StartASAP {
		t.Errorf("file startup condition = %s, want ASAP", job.FileStartupCondition)
	}
	if res.Selected != job || !res.Selected.StartupTime.Equal(night(23, 0)) {
		t.Errorf("selected job should keep its 23:00 startup")
	}
}

func TestEvaluate_Culmination(t *testing.T) {
	e := testEvaluator(t, almanactest.Night(45), testConfig())
	job := lightJob(t, "transit")
	job.StartupCondition = model.StartCulmination
	job.CulminationOffset = 30
	job.SnapshotStartup()

	e.Evaluate([]*model.Job{job}, night(20, 0), device.WeatherOK, true)

	if job.State != model.JobStateScheduled || !job.StartupTime.Equal(night(22, 30)) {
		t.Errorf("job = %s at %s, want SCHEDULED at 22:30", job.State, job.StartupTime)
	}
}

func TestEvaluate_StateOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*model.Job)
		weather device.WeatherStatus
		want    model.JobState
	}{
		{
			name:   "missing sequence",
			mutate: func(j *model.Job) { j.SequenceFile = "/nonexistent/seq.yaml" },
			want:   model.JobStateInvalid,
		},
		{
			name:    "weather alert",
			mutate:  func(j *model.Job) { j.EnforceWeather = true },
			weather: device.WeatherAlert,
			want:    model.JobStateAborted,
		},
		{
			name:    "weather alert ignored",
			weather: device.WeatherAlert,
			want:    model.JobStateScheduled,
		},
		{
			name:   "constraint false",
			mutate: func(j *model.Job) { j.Constraint = "altitude > 80" },
			want:   model.JobStateAborted,
		},
		{
			name: "no repeats left",
			mutate: func(j *model.Job) {
				j.CompletionCondition = model.FinishRepeat
				j.RepeatsRemaining = 0
			},
			want: model.JobStateComplete,
		},
		{
			name: "fixed time long past",
			mutate: func(j *model.Job) {
				j.StartupCondition = model.StartAt
				j.StartupTime = night(21, 0)
				j.SnapshotStartup()
			},
			want: model.JobStateInvalid,
		},
		{
			name: "finish before start",
			mutate: func(j *model.Job) {
				j.StartupCondition = model.StartAt
				j.StartupTime = night(23, 0)
				j.SnapshotStartup()
				j.CompletionCondition = model.FinishAt
				j.CompletionTime = night(22, 30)
			},
			want: model.JobStateInvalid,
		},
		{
			name: "fixed time ahead",
			mutate: func(j *model.Job) {
				j.StartupCondition = model.StartAt
				j.StartupTime = night(23, 0)
				j.SnapshotStartup()
			},
			want: model.JobStateScheduled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEvaluator(t, almanactest.Night(45), testConfig())
			job := lightJob(t, "m42")
			if tt.mutate != nil {
				tt.mutate(job)
			}
			weather := tt.weather
			if weather == "" {
				weather = device.WeatherOK
			}
			e.Evaluate([]*model.Job{job}, night(22, 0), weather, true)
			if job.State != tt.want {
				t.Errorf("state = %s, want %s", job.State, tt.want)
			}
		})
	}
}

func TestEvaluate_AllAborted(t *testing.T) {
	e := testEvaluator(t, almanactest.Night(45), testConfig())
	job := lightJob(t, "m42")
	job.EnforceWeather = true

	res := e.Evaluate([]*model.Job{job}, night(22, 0), device.WeatherAlert, false)
	if !res.AllAborted {
		t.Error("AllAborted = false, want true")
	}
	if res.Selected != nil {
		t.Errorf("selected = %s, want nil", res.Selected.ID)
	}
}

func TestEvaluate_DryRunSelectsNothing(t *testing.T) {
	e := testEvaluator(t, almanactest.Night(45), testConfig())
	job := lightJob(t, "m42")

	res := e.Evaluate([]*model.Job{job}, night(22, 0), device.WeatherOK, true)
	if res.Selected != nil {
		t.Error("dry run selected a job")
	}
	if job.State != model.JobStateScheduled {
		t.Errorf("state = %s, want SCHEDULED", job.State)
	}
}

func TestEvaluate_NothingUpcoming(t *testing.T) {
	e := testEvaluator(t, almanactest.Night(45), testConfig())
	done := lightJob(t, "done")
	done.State = model.JobStateComplete

	res := e.Evaluate([]*model.Job{done}, night(22, 0), device.WeatherOK, false)
	if !res.NoUpcoming || res.AllAborted || res.Selected != nil {
		t.Errorf("result = %+v, want NoUpcoming only", res)
	}
	if res.Counts[model.JobStateComplete] != 1 {
		t.Errorf("counts = %v, want one COMPLETE", res.Counts)
	}
}

func TestEvaluate_ScheduledJobKeptUntilDue(t *testing.T) {
	e := testEvaluator(t, almanactest.Night(45), testConfig())
	job := lightJob(t, "m42")
	job.StartupCondition = model.StartAt
	job.StartupTime = night(23, 0)
	job.SnapshotStartup()

	e.Evaluate([]*model.Job{job}, night(22, 0), device.WeatherOK, true)
	score := job.Score

	// Nothing re-resolves a scheduled job before its startup.
	job.Score = 1
	e.Evaluate([]*model.Job{job}, night(22, 10), device.WeatherOK, true)
	if job.Score != 1 {
		t.Errorf("score changed to %d before startup (was %d)", job.Score, score)
	}
}
