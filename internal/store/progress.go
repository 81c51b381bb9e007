package store

import (
	"context"
	"fmt"

	"github.com/me/obsched/pkg/model"
)

// RestoreProgress merges the captured-frame counts persisted for each job
// into jobs freshly read from the job list, keeping the larger count per
// signature. It returns the merged counts by signature so a frame counter
// can be seeded with them.
func RestoreProgress(ctx context.Context, st Store, jobs []*model.Job) (map[string]int, error) {
	restored := make(map[string]int)
	for _, job := range jobs {
		frames, err := st.GetCapturedFrames(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("restore progress of job %s: %w", job.ID, err)
		}
		if len(frames) == 0 {
			continue
		}
		if job.CapturedFrames == nil {
			job.CapturedFrames = make(map[string]int, len(frames))
		}
		for sig, n := range frames {
			if n > job.CapturedFrames[sig] {
				job.CapturedFrames[sig] = n
			}
			if job.CapturedFrames[sig] > restored[sig] {
				restored[sig] = job.CapturedFrames[sig]
			}
		}
	}
	return restored, nil
}
