package server

import "net/http"

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.sched.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "start", s.sched.Start)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "stop", func() error { return s.sched.Stop(r.Context()) })
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "pause", s.sched.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "resume", s.sched.Resume)
}

// control runs a scheduler command and answers with the resulting status.
func (s *Server) control(w http.ResponseWriter, r *http.Request, action string, fn func() error) {
	reqID := RequestIDFromContext(r.Context())
	if err := fn(); err != nil {
		s.logger.Debug("control request refused", "action", action, "error", err)
		respondErr(w, reqID, err)
		return
	}
	s.logger.Info("control request", "action", action, "request_id", reqID)
	respondOK(w, reqID, s.sched.Status())
}
