package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures list queries with pagination and filtering.
type ListOptions struct {
	Limit  int
	Offset int
	State  string // Optional job state filter
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 50, Offset: 0}
}

// Clamp enforces limits (max 500, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// SchedulerStatus is a read-only snapshot of the controller.
type SchedulerStatus struct {
	Phase         SchedulerPhase `json:"phase"`
	StartupPhase  StartupPhase   `json:"startup_phase"`
	ShutdownPhase ShutdownPhase  `json:"shutdown_phase"`
	ParkWaitPhase ParkWaitPhase  `json:"park_wait_phase"`
	CurrentJobID  string         `json:"current_job_id,omitempty"`
	CurrentJob    string         `json:"current_job,omitempty"`
	CurrentStage  JobStage       `json:"current_stage,omitempty"`
	Weather       string         `json:"weather"`
	SleepingUntil *time.Time     `json:"sleeping_until,omitempty"`
	PreDawn       time.Time      `json:"pre_dawn"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// JournalEntry is one line of the human-readable scheduler log.
type JournalEntry struct {
	ID      int64             `json:"id,omitempty"`
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Transition records one job state change.
type Transition struct {
	RunID string    `json:"run_id"`
	JobID string    `json:"job_id"`
	From  JobState  `json:"from"`
	To    JobState  `json:"to"`
	At    time.Time `json:"at"`
}
