package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/me/obsched/internal/joblist"
	"github.com/me/obsched/pkg/model"
)

// listOptions reads ?state, ?limit and ?offset.
func listOptions(r *http.Request) (model.ListOptions, error) {
	opts := model.DefaultListOptions()
	q := r.URL.Query()
	if state := q.Get("state"); state != "" {
		st := model.JobState(strings.ToUpper(state))
		if !st.Valid() {
			return opts, model.NewValidationError("unknown job state " + state)
		}
		opts.State = string(st)
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &opts.Limit}, {"offset", &opts.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, model.NewValidationError("invalid " + p.name + " " + strconv.Quote(v))
		}
		*p.dst = n
	}
	opts.Clamp()
	return opts, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, err := listOptions(r)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}

	var jobs []*model.Job
	for _, j := range s.sched.Jobs() {
		if opts.State == "" || string(j.State) == opts.State {
			jobs = append(jobs, j)
		}
	}
	total := len(jobs)
	page := []*model.Job{}
	if opts.Offset < total {
		end := min(opts.Offset+opts.Limit, total)
		page = jobs[opts.Offset:end]
	}

	respondList(w, reqID, page, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+opts.Limit < total,
	})
}

// handleCreateJob adds one job-list record. The body is YAML or JSON.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var rec joblist.Record
	dec := yaml.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.KnownFields(true)
	if err := dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid job record: "+err.Error()))
		return
	}
	if err := joblist.Validate(rec, 0); err != nil {
		respondErr(w, reqID, err)
		return
	}

	job := rec.ToJob()
	if err := s.sched.AddJob(job); err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.jobsChanged()
	respondCreated(w, reqID, s.sched.Job(job.ID))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	job := s.sched.Job(id)
	if job == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", id))
		return
	}
	respondOK(w, reqID, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.sched.RemoveJob(id); err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.jobsChanged()
	respondOK(w, reqID, map[string]any{"deleted": true})
}

func (s *Server) handleResetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.sched.ResetJob(id); err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, s.sched.Job(id))
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if s.store == nil {
		respondError(w, reqID, http.StatusServiceUnavailable,
			&model.APIError{Code: model.ErrInternal, Message: "run history requires a store"})
		return
	}
	history, err := s.store.ListTransitions(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if history == nil {
		history = []model.Transition{}
	}
	respondOK(w, reqID, history)
}
