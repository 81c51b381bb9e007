package store

import (
	"context"
	"time"

	"github.com/me/obsched/pkg/model"
)

// Store defines the persistence layer for scheduler state.
type Store interface {
	// Job CRUD
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	SaveJob(ctx context.Context, job *model.Job) error
	DeleteJob(ctx context.Context, id string) error

	// Journal
	AppendJournal(ctx context.Context, e *model.JournalEntry) error
	ListJournal(ctx context.Context, limit int) ([]model.JournalEntry, error)

	// Run history
	RecordTransition(ctx context.Context, runID, jobID string, from, to model.JobState, at time.Time) error
	ListTransitions(ctx context.Context, jobID string) ([]model.Transition, error)

	// Captured frame counts, keyed by storage signature.
	SetCapturedFrames(ctx context.Context, jobID string, frames map[string]int) error
	GetCapturedFrames(ctx context.Context, jobID string) (map[string]int, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
