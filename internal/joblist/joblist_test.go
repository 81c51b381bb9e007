package joblist

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/obsched/pkg/model"
)

const testList = `version: 1
jobs:
  - id: job_m42
    name: M42
    priority: 5
    target: {ra_hours: 5.588, dec_degrees: -5.39}
    sequence: /seq/m42.yaml
    fits: /ref/m42.fits
    startup: {condition: at, time: 2026-01-10T22:00:00Z}
    constraints: {min_altitude: 30, enforce_weather: true, enforce_twilight: true, expression: "altitude > 40"}
    completion: {condition: repeat, repeats: 3}
    steps: [track, align, guide]
  - name: M31
    target: {ra_hours: 0.712, dec_degrees: 41.27}
    sequence: /seq/m31.yaml
    startup: {condition: culmination, offset_minutes: -30}
    completion: {condition: loop}
  - name: M31
    target: {ra_hours: 0.712, dec_degrees: 41.27}
    sequence: /seq/m31-ha.yaml
    startup: {condition: asap}
    steps: []
`

func TestLoad(t *testing.T) {
	jobs, warnings, err := Load(strings.NewReader(testList))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("jobs = %d, want 3", len(jobs))
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "M31") {
		t.Errorf("warnings = %v, want one duplicate-name warning", warnings)
	}

	m42 := jobs[0]
	if m42.ID != "job_m42" {
		t.Errorf("ID = %q, want %q", m42.ID, "job_m42")
	}
	if m42.StartupCondition != model.StartAt || m42.FileStartupCondition != model.StartAt {
		t.Errorf("startup = %s/%s, want AT", m42.StartupCondition, m42.FileStartupCondition)
	}
	if want := time.Date(2026, 1, 10, 22, 0, 0, 0, time.UTC); !m42.StartupTime.Equal(want) {
		t.Errorf("StartupTime = %s, want %s", m42.StartupTime, want)
	}
	if m42.MinAltitude != 30 || m42.MinMoonSeparation != model.Unconstrained {
		t.Errorf("constraints = %v/%v", m42.MinAltitude, m42.MinMoonSeparation)
	}
	if m42.RepeatsRequired != 3 || m42.RepeatsRemaining != 3 {
		t.Errorf("repeats = %d/%d, want 3/3", m42.RepeatsRemaining, m42.RepeatsRequired)
	}
	if m42.Pipeline != model.StepTrack|model.StepAlign|model.StepGuide {
		t.Errorf("Pipeline = %s", m42.Pipeline)
	}

	m31 := jobs[1]
	if !strings.HasPrefix(m31.ID, "job_") {
		t.Errorf("generated ID = %q, want job_ prefix", m31.ID)
	}
	if m31.CulminationOffset != -30 || m31.CompletionCondition != model.FinishLoop {
		t.Errorf("M31 = offset %d, completion %s", m31.CulminationOffset, m31.CompletionCondition)
	}
	if m31.Pipeline != model.StepTrack|model.StepFocus|model.StepAlign|model.StepGuide {
		t.Errorf("omitted steps should enable every step, got %s", m31.Pipeline)
	}
	if jobs[2].Pipeline != model.StepNone {
		t.Errorf("empty steps = %s, want none", jobs[2].Pipeline)
	}
	if jobs[1].IsDuplicateOf(jobs[2]) {
		t.Error("different sequences must not be duplicates")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"version", "version: 2\njobs: []\n", "version"},
		{"unknown field", "version: 1\njobs:\n  - name: A\n    sequence: s\n    colour: red\n", "colour"},
		{"ra range", "version: 1\njobs:\n  - name: A\n    sequence: s\n    target: {ra_hours: 25}\n", "RAHours"},
		{"missing at time", "version: 1\njobs:\n  - name: A\n    sequence: s\n    startup: {condition: at}\n", "Time"},
		{"missing repeats", "version: 1\njobs:\n  - name: A\n    sequence: s\n    completion: {condition: repeat}\n", "Repeats"},
		{"bad step", "version: 1\njobs:\n  - name: A\n    sequence: s\n    steps: [track, polish]\n", "Steps"},
		{"missing sequence", "version: 1\njobs:\n  - name: A\n", "Sequence"},
		{"bad expression", "version: 1\njobs:\n  - name: A\n    sequence: s\n    constraints: {expression: \"altitude >\"}\n", "Expression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Load(strings.NewReader(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_ValidationErrorType(t *testing.T) {
	_, _, err := Load(strings.NewReader("version: 1\njobs:\n  - name: A\n    sequence: s\n    priority: 99\n"))
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error %v is not a *model.ValidationError", err)
	}
	if verr.Job != "A" || len(verr.Fields) != 1 || verr.Fields[0].Path != "Priority" {
		t.Errorf("ValidationError = %+v", verr)
	}
}

func TestLoad_Empty(t *testing.T) {
	jobs, _, err := Load(strings.NewReader(""))
	if err != nil || len(jobs) != 0 {
		t.Errorf("Load(empty) = %d jobs, %v", len(jobs), err)
	}
}

func TestRoundTrip(t *testing.T) {
	jobs, _, err := Load(strings.NewReader(testList))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Runtime state must not leak into the saved list.
	jobs[1].StartupCondition = model.StartAt
	jobs[1].StartupTime = time.Date(2026, 1, 10, 21, 30, 0, 0, time.UTC)
	jobs[1].SetState(model.JobStateScheduled)
	jobs[1].Score = 42

	var buf bytes.Buffer
	if err := Save(&buf, jobs); err != nil {
		t.Fatalf("Save: %v", err)
	}
	again, _, err := Load(&buf)
	if err != nil {
		t.Fatalf("reload: %v\n%s", err, buf.String())
	}
	if len(again) != len(jobs) {
		t.Fatalf("reloaded %d jobs, want %d", len(again), len(jobs))
	}

	for i := range jobs {
		want := jobs[i].Clone()
		want.Reset()
		want.Score = 0
		got := again[i]

		if got.ID != want.ID || got.Name != want.Name || got.Priority != want.Priority {
			t.Errorf("job %d identity = %s/%s/%d, want %s/%s/%d", i, got.ID, got.Name, got.Priority, want.ID, want.Name, want.Priority)
		}
		if !got.Target.Equal(want.Target) || got.SequenceFile != want.SequenceFile || got.FITSFile != want.FITSFile {
			t.Errorf("job %d target or files differ", i)
		}
		if got.StartupCondition != want.StartupCondition || !got.StartupTime.Equal(want.StartupTime) {
			t.Errorf("job %d startup = %s %s, want %s %s", i, got.StartupCondition, got.StartupTime, want.StartupCondition, want.StartupTime)
		}
		if got.CulminationOffset != want.CulminationOffset {
			t.Errorf("job %d culmination offset = %d, want %d", i, got.CulminationOffset, want.CulminationOffset)
		}
		if got.MinAltitude != want.MinAltitude || got.MinMoonSeparation != want.MinMoonSeparation {
			t.Errorf("job %d constraints differ", i)
		}
		if got.EnforceWeather != want.EnforceWeather || got.EnforceTwilight != want.EnforceTwilight || got.Constraint != want.Constraint {
			t.Errorf("job %d flags differ", i)
		}
		if got.CompletionCondition != want.CompletionCondition || got.RepeatsRequired != want.RepeatsRequired || !got.CompletionTime.Equal(want.CompletionTime) {
			t.Errorf("job %d completion differs", i)
		}
		if got.Pipeline != want.Pipeline {
			t.Errorf("job %d pipeline = %s, want %s", i, got.Pipeline, want.Pipeline)
		}
		if got.State != model.JobStateIdle || got.Stage != model.StageIdle || got.Score != 0 || got.EstimatedSeconds != model.EstimateUnknown {
			t.Errorf("job %d transient fields not reset: %s %s %d %d", i, got.State, got.Stage, got.Score, got.EstimatedSeconds)
		}
	}
}

func TestSaveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	jobs, _, err := Load(strings.NewReader(testList))
	if err != nil {
		t.Fatal(err)
	}
	if err := SaveFile(path, jobs); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	again, _, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(again) != 3 {
		t.Errorf("LoadFile = %d jobs, want 3", len(again))
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	if err := os.WriteFile(path, []byte("version: 1\njobs: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond

	reloaded := make(chan int, 4)
	w.OnReload(func(jobs []*model.Job, _ []string) error {
		reloaded <- len(jobs)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(path, []byte(testList), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-reloaded:
		if n != 3 {
			t.Errorf("reloaded %d jobs, want 3", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the job list changed")
	}
}

func TestWatcher_OwnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	if err := os.WriteFile(path, []byte("version: 1\njobs: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 100 * time.Millisecond
	reloaded := make(chan struct{}, 4)
	w.OnReload(func([]*model.Job, []string) error {
		reloaded <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.MarkOwnWrite()
	if err := os.WriteFile(path, []byte(testList), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-reloaded:
		t.Error("own write triggered a reload")
	case <-time.After(500 * time.Millisecond):
	}
}
