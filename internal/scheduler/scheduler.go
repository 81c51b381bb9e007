package scheduler

import (
	"context"

	"github.com/me/obsched/pkg/model"
)

// ControlPort is the narrow handle other components get on the scheduler.
// The observatory aggregator receives one at construction.
type ControlPort interface {
	// Pause stops new jobs from starting.
	Pause() error

	// Stop ends the scheduling session.
	Stop(ctx context.Context) error

	// Status returns the current snapshot.
	Status() model.SchedulerStatus

	// Subscribe delivers status changes until ctx ends.
	Subscribe(ctx context.Context) <-chan StatusEvent
}

var _ ControlPort = (*Controller)(nil)
