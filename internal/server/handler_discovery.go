package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "obsched API",
		Version:     "v1",
		Description: "Autonomous observatory scheduler control and status",
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/api/v1/status", []string{"GET"}, "Scheduler phase, current job and procedure phases"},
			{"/api/v1/scheduler/start", []string{"POST"}, "Start a scheduling session"},
			{"/api/v1/scheduler/stop", []string{"POST"}, "Stop the session; unfinished jobs are aborted"},
			{"/api/v1/scheduler/pause", []string{"POST"}, "Stop starting new jobs"},
			{"/api/v1/scheduler/resume", []string{"POST"}, "Resume a paused session"},
			{"/api/v1/jobs", []string{"GET", "POST"}, "Job list. GET accepts ?state, ?limit and ?offset"},
			{"/api/v1/jobs/{id}", []string{"GET", "DELETE"}, "Single job"},
			{"/api/v1/jobs/{id}/reset", []string{"POST"}, "Return a job to IDLE"},
			{"/api/v1/jobs/{id}/history", []string{"GET"}, "Recorded state transitions of a job"},
			{"/api/v1/journal", []string{"GET"}, "Scheduler journal, newest first. Accepts ?limit"},
			{"/api/v1/observatory", []string{"GET"}, "Dome, weather and scheduler status"},
			{"/api/v1/sse/status", []string{"GET"}, "Scheduler status changes as Server-Sent Events"},
		},
	})
}
