package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/obsched/internal/config"
	"github.com/me/obsched/internal/logging"
	"github.com/me/obsched/internal/observatory"
	"github.com/me/obsched/internal/scheduler"
	"github.com/me/obsched/internal/store"
	"github.com/me/obsched/pkg/model"
)

// fakeScheduler follows the controller's phase rules without running jobs.
type fakeScheduler struct {
	mu     sync.Mutex
	phase  model.SchedulerPhase
	jobs   []*model.Job
	events chan scheduler.StatusEvent
}

func newFakeScheduler(jobs ...*model.Job) *fakeScheduler {
	return &fakeScheduler{
		phase:  model.SchedulerIdle,
		jobs:   jobs,
		events: make(chan scheduler.StatusEvent, 4),
	}
}

func (f *fakeScheduler) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase != model.SchedulerIdle {
		return &model.InvalidPhaseError{Action: "start", Phase: f.phase}
	}
	f.phase = model.SchedulerRunning
	return nil
}

func (f *fakeScheduler) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase == model.SchedulerIdle {
		return &model.InvalidPhaseError{Action: "stop", Phase: f.phase}
	}
	f.phase = model.SchedulerIdle
	return nil
}

func (f *fakeScheduler) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase != model.SchedulerRunning {
		return &model.InvalidPhaseError{Action: "pause", Phase: f.phase}
	}
	f.phase = model.SchedulerPaused
	return nil
}

func (f *fakeScheduler) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase != model.SchedulerPaused {
		return &model.InvalidPhaseError{Action: "resume", Phase: f.phase}
	}
	f.phase = model.SchedulerRunning
	return nil
}

func (f *fakeScheduler) Status() model.SchedulerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.SchedulerStatus{Phase: f.phase, Weather: "OK"}
}

func (f *fakeScheduler) Subscribe(ctx context.Context) <-chan scheduler.StatusEvent {
	out := make(chan scheduler.StatusEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (f *fakeScheduler) Jobs() []*model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Job, len(f.jobs))
	for i, j := range f.jobs {
		out[i] = j.Clone()
	}
	return out
}

func (f *fakeScheduler) Job(id string) *model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == id {
			return j.Clone()
		}
	}
	return nil
}

func (f *fakeScheduler) AddJob(job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase != model.SchedulerIdle {
		return &model.InvalidPhaseError{Action: "add a job to", Phase: f.phase}
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeScheduler) RemoveJob(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase != model.SchedulerIdle {
		return &model.InvalidPhaseError{Action: "remove a job from", Phase: f.phase}
	}
	for i, j := range f.jobs {
		if j.ID == id {
			f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
			return nil
		}
	}
	return model.NewNotFoundError("job", id)
}

func (f *fakeScheduler) ResetJob(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == id {
			j.Reset()
			return nil
		}
	}
	return model.NewNotFoundError("job", id)
}

type fakeObservatory struct{ st observatory.Status }

func (o fakeObservatory) Status() observatory.Status { return o.st }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testJobs() []*model.Job {
	a := model.NewJob("job-a", "M31")
	a.SequenceFile = "/seq/m31.yaml"
	b := model.NewJob("job-b", "M42")
	b.SequenceFile = "/seq/m42.yaml"
	b.SetState(model.JobStateComplete)
	c := model.NewJob("job-c", "NGC 7000")
	c.SequenceFile = "/seq/ngc7000.yaml"
	return []*model.Job{a, b, c}
}

func testServer(t *testing.T, opts ...Option) (*Server, *fakeScheduler) {
	t.Helper()
	sched := newFakeScheduler(testJobs()...)
	return New(config.DefaultServerConfig(), sched, testLogger(), opts...), sched
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func do(t *testing.T, srv *Server, method, path, body string, wantStatus int) envelope {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("%s %s: status=%d, want %d, body=%s", method, path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
	}
	return env
}

func TestDiscovery(t *testing.T) {
	srv, _ := testServer(t)
	env := do(t, srv, "GET", "/api/v1/", "", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}

	var data struct {
		Name      string `json:"name"`
		Endpoints []struct {
			Path string `json:"path"`
		} `json:"endpoints"`
	}
	json.Unmarshal(env.Data, &data)
	if data.Name != "obsched API" {
		t.Errorf("name = %q", data.Name)
	}
	if len(data.Endpoints) < 10 {
		t.Errorf("endpoints count = %d, want >= 10", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)
	env := do(t, srv, "GET", "/api/v1/health", "", http.StatusOK)

	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" || data.Version != Version {
		t.Errorf("health = %+v", data)
	}
	if data.Scheduler != "IDLE" || data.Store != "none" || data.Observatory != "disabled" {
		t.Errorf("health = %+v", data)
	}
}

func TestSchedulerControl(t *testing.T) {
	srv, _ := testServer(t)

	steps := []struct {
		path       string
		wantStatus int
		wantPhase  model.SchedulerPhase
		wantCode   model.ErrorCode
	}{
		{"/api/v1/scheduler/stop", http.StatusConflict, "", model.ErrInvalidPhase},
		{"/api/v1/scheduler/start", http.StatusOK, model.SchedulerRunning, ""},
		{"/api/v1/scheduler/start", http.StatusConflict, "", model.ErrInvalidPhase},
		{"/api/v1/scheduler/resume", http.StatusConflict, "", model.ErrInvalidPhase},
		{"/api/v1/scheduler/pause", http.StatusOK, model.SchedulerPaused, ""},
		{"/api/v1/scheduler/resume", http.StatusOK, model.SchedulerRunning, ""},
		{"/api/v1/scheduler/stop", http.StatusOK, model.SchedulerIdle, ""},
	}
	for i, st := range steps {
		env := do(t, srv, "POST", st.path, "", st.wantStatus)
		if st.wantCode != "" {
			if env.Error == nil || env.Error.Code != st.wantCode {
				t.Errorf("step %d: error = %+v, want %s", i, env.Error, st.wantCode)
			}
			continue
		}
		var status model.SchedulerStatus
		json.Unmarshal(env.Data, &status)
		if status.Phase != st.wantPhase {
			t.Errorf("step %d: phase = %s, want %s", i, status.Phase, st.wantPhase)
		}
	}

	env := do(t, srv, "GET", "/api/v1/status", "", http.StatusOK)
	var status model.SchedulerStatus
	json.Unmarshal(env.Data, &status)
	if status.Phase != model.SchedulerIdle {
		t.Errorf("final phase = %s", status.Phase)
	}
}

func TestListJobs(t *testing.T) {
	srv, _ := testServer(t)

	tests := []struct {
		name      string
		query     string
		wantIDs   []string
		wantTotal int
		wantMore  bool
	}{
		{"all", "", []string{"job-a", "job-b", "job-c"}, 3, false},
		{"by state", "?state=idle", []string{"job-a", "job-c"}, 2, false},
		{"paged", "?limit=1&offset=1", []string{"job-b"}, 3, true},
		{"past end", "?offset=9", []string{}, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := do(t, srv, "GET", "/api/v1/jobs/"+tt.query, "", http.StatusOK)
			var jobs []model.Job
			if err := json.Unmarshal(env.Data, &jobs); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(jobs) != len(tt.wantIDs) {
				t.Fatalf("len = %d, want %d", len(jobs), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if jobs[i].ID != id {
					t.Errorf("jobs[%d] = %s, want %s", i, jobs[i].ID, id)
				}
			}
			if env.Pagination == nil || env.Pagination.Total != tt.wantTotal || env.Pagination.HasMore != tt.wantMore {
				t.Errorf("pagination = %+v", env.Pagination)
			}
		})
	}

	env := do(t, srv, "GET", "/api/v1/jobs/?state=bogus", "", http.StatusBadRequest)
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestGetJob(t *testing.T) {
	srv, _ := testServer(t)

	env := do(t, srv, "GET", "/api/v1/jobs/job-b", "", http.StatusOK)
	var job model.Job
	json.Unmarshal(env.Data, &job)
	if job.Name != "M42" || job.State != model.JobStateComplete {
		t.Errorf("job = %s/%s", job.Name, job.State)
	}

	env = do(t, srv, "GET", "/api/v1/jobs/nope", "", http.StatusNotFound)
	if env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestCreateJob(t *testing.T) {
	var changed []*model.Job
	srv, sched := testServer(t, WithJobsChanged(func(jobs []*model.Job) { changed = jobs }))

	body := `{"id":"job-d","name":"M51","priority":3,"target":{"ra_hours":13.5,"dec_degrees":47.2},` +
		`"sequence":"/seq/m51.yaml","steps":["track","guide"],` +
		`"completion":{"condition":"repeat","repeats":2}}`
	env := do(t, srv, "POST", "/api/v1/jobs/", body, http.StatusCreated)

	var job model.Job
	json.Unmarshal(env.Data, &job)
	if job.ID != "job-d" || job.Name != "M51" || job.Priority != 3 {
		t.Errorf("job = %+v", job)
	}
	if job.CompletionCondition != model.FinishRepeat || job.RepeatsRemaining != 2 {
		t.Errorf("completion = %s remaining=%d", job.CompletionCondition, job.RepeatsRemaining)
	}
	if len(changed) != 4 {
		t.Errorf("change hook saw %d jobs, want 4", len(changed))
	}

	yamlBody := "name: M101\nsequence: /seq/m101.yaml\ntarget: {ra_hours: 14.05, dec_degrees: 54.3}\n"
	do(t, srv, "POST", "/api/v1/jobs/", yamlBody, http.StatusCreated)
	if n := len(sched.Jobs()); n != 5 {
		t.Errorf("jobs = %d, want 5", n)
	}
}

func TestCreateJob_Invalid(t *testing.T) {
	srv, sched := testServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"not a record", "[1, 2]"},
		{"unknown field", `{"name":"x","sequence":"s","colour":"red"}`},
		{"missing sequence", `{"name":"x"}`},
		{"ra out of range", `{"name":"x","sequence":"s","target":{"ra_hours":25}}`},
		{"bad expression", `{"name":"x","sequence":"s","constraints":{"expression":"altitude >"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := do(t, srv, "POST", "/api/v1/jobs/", tt.body, http.StatusBadRequest)
			if env.Error == nil || env.Error.Code != model.ErrValidation {
				t.Errorf("error = %+v", env.Error)
			}
		})
	}
	if n := len(sched.Jobs()); n != 3 {
		t.Errorf("jobs = %d, want 3", n)
	}
}

func TestJobEditingRefusedWhileRunning(t *testing.T) {
	srv, _ := testServer(t)
	do(t, srv, "POST", "/api/v1/scheduler/start", "", http.StatusOK)

	env := do(t, srv, "DELETE", "/api/v1/jobs/job-a", "", http.StatusConflict)
	if env.Error == nil || env.Error.Code != model.ErrInvalidPhase {
		t.Errorf("error = %+v", env.Error)
	}
	do(t, srv, "POST", "/api/v1/jobs/", `{"name":"x","sequence":"s"}`, http.StatusConflict)
}

func TestDeleteAndResetJob(t *testing.T) {
	srv, sched := testServer(t)

	env := do(t, srv, "POST", "/api/v1/jobs/job-b/reset", "", http.StatusOK)
	var job model.Job
	json.Unmarshal(env.Data, &job)
	if job.State != model.JobStateIdle {
		t.Errorf("state after reset = %s", job.State)
	}

	do(t, srv, "DELETE", "/api/v1/jobs/job-b", "", http.StatusOK)
	if sched.Job("job-b") != nil {
		t.Error("job-b still present")
	}
	do(t, srv, "DELETE", "/api/v1/jobs/job-b", "", http.StatusNotFound)
	do(t, srv, "POST", "/api/v1/jobs/job-b/reset", "", http.StatusNotFound)
}

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestJobHistory(t *testing.T) {
	srv, _ := testServer(t)
	do(t, srv, "GET", "/api/v1/jobs/job-a/history", "", http.StatusServiceUnavailable)

	st := testStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 10, 22, 0, 0, 0, time.UTC)
	st.RecordTransition(ctx, "run_1", "job-a", model.JobStateIdle, model.JobStateEvaluation, at)
	st.RecordTransition(ctx, "run_1", "job-a", model.JobStateEvaluation, model.JobStateScheduled, at)

	srv, _ = testServer(t, WithStore(st))
	env := do(t, srv, "GET", "/api/v1/jobs/job-a/history", "", http.StatusOK)
	var history []model.Transition
	json.Unmarshal(env.Data, &history)
	if len(history) != 2 || history[1].To != model.JobStateScheduled {
		t.Errorf("history = %+v", history)
	}

	env = do(t, srv, "GET", "/api/v1/jobs/job-c/history", "", http.StatusOK)
	if string(env.Data) != "[]" {
		t.Errorf("empty history = %s, want []", env.Data)
	}
}

func TestJournal(t *testing.T) {
	t.Run("in memory", func(t *testing.T) {
		journal := logging.NewJournal(10, slog.LevelInfo)
		logger := journal.Wrap(testLogger())
		for i := 0; i < 3; i++ {
			logger.Info(fmt.Sprintf("line %d", i))
		}
		srv, _ := testServer(t, WithJournal(journal))

		env := do(t, srv, "GET", "/api/v1/journal?limit=2", "", http.StatusOK)
		var entries []model.JournalEntry
		json.Unmarshal(env.Data, &entries)
		if len(entries) != 2 || entries[0].Message != "line 2" {
			t.Errorf("entries = %+v", entries)
		}
	})

	t.Run("stored", func(t *testing.T) {
		st := testStore(t)
		st.AppendJournal(context.Background(), &model.JournalEntry{Time: time.Now(), Level: "INFO", Message: "persisted"})
		srv, _ := testServer(t, WithStore(st), WithJournal(logging.NewJournal(10, slog.LevelInfo)))

		env := do(t, srv, "GET", "/api/v1/journal", "", http.StatusOK)
		var entries []model.JournalEntry
		json.Unmarshal(env.Data, &entries)
		if len(entries) != 1 || entries[0].Message != "persisted" {
			t.Errorf("entries = %+v", entries)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		srv, _ := testServer(t)
		do(t, srv, "GET", "/api/v1/journal?limit=zero", "", http.StatusBadRequest)
	})
}

func TestObservatory(t *testing.T) {
	srv, _ := testServer(t)
	do(t, srv, "GET", "/api/v1/observatory", "", http.StatusServiceUnavailable)

	obs := fakeObservatory{st: observatory.Status{Dome: observatory.DomeReady, Weather: observatory.WeatherWarning}}
	srv, _ = testServer(t, WithObservatory(obs))
	env := do(t, srv, "GET", "/api/v1/observatory", "", http.StatusOK)
	var st observatory.Status
	json.Unmarshal(env.Data, &st)
	if st.Dome != observatory.DomeReady || st.Weather != observatory.WeatherWarning {
		t.Errorf("observatory = %+v", st)
	}
}

func TestSSEStatus(t *testing.T) {
	srv, sched := testServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/v1/sse/status", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	next := func() string {
		t.Helper()
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "event: ") {
				return strings.TrimPrefix(line, "event: ")
			}
		}
		t.Fatalf("stream ended: %v", sc.Err())
		return ""
	}

	if ev := next(); ev != "init" {
		t.Fatalf("first event = %q, want init", ev)
	}
	sched.events <- scheduler.StatusEvent{Status: model.SchedulerStatus{Phase: model.SchedulerRunning}}
	if ev := next(); ev != "status" {
		t.Fatalf("second event = %q, want status", ev)
	}
	sc.Scan()
	if line := sc.Text(); !strings.Contains(line, `"phase":"RUNNING"`) {
		t.Errorf("data = %q", line)
	}
}
