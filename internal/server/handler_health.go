package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	GoVersion   string `json:"go_version"`
	Uptime      string `json:"uptime"`
	Scheduler   string `json:"scheduler"`
	Store       string `json:"store"`
	Observatory string `json:"observatory"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	storeState := "none"
	if s.store != nil {
		storeState = "sqlite"
	}
	obsState := "disabled"
	if s.obs != nil {
		obsState = "enabled"
	}
	respondOK(w, reqID, healthResponse{
		Status:      "healthy",
		Version:     Version,
		GoVersion:   runtime.Version(),
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Scheduler:   string(s.sched.Status().Phase),
		Store:       storeState,
		Observatory: obsState,
	})
}
