package sequence

import (
	"math"

	"github.com/me/obsched/pkg/model"
)

// Per-step overheads in seconds, added once per repeat when light frames
// are still needed.
const (
	trackOverhead = 30
	focusOverhead = 120
	alignOverhead = 30
	guideOverhead = 120

	inSequenceFocusPerFrame = 30
	ditherPerFrame          = 15
)

// Options are the estimation settings taken from the scheduler policy.
type Options struct {
	RememberProgress bool
	DitherEnabled    bool
	DitherFrames     int
}

// Estimation is the outcome of estimating a job against its sequence.
type Estimation struct {
	Seconds             int64
	LightFramesRequired bool
	InSequenceFocus     bool
	SequenceCount       int
	CompletedCount      int
	CapturedFrames      map[string]int
}

// Apply copies the estimation onto job.
func (e Estimation) Apply(job *model.Job) {
	job.EstimatedSeconds = e.Seconds
	job.LightFramesRequired = e.LightFramesRequired
	job.InSequenceFocus = e.InSequenceFocus
	job.SequenceCount = e.SequenceCount
	job.CompletedCount = e.CompletedCount
	if e.CapturedFrames != nil {
		job.CapturedFrames = e.CapturedFrames
	}
}

// Estimate works out how many frames job still needs and how long capturing
// them will take. captured maps storage signatures to frames already on disk.
//
// The result is model.EstimateUnbounded when frames are stored remotely or
// the job loops, the scheduled window length for a fixed start with a
// finish time, and model.EstimateDone when nothing is left to capture.
func Estimate(job *model.Job, seq *model.Sequence, captured map[string]int, opts Options) Estimation {
	est := Estimation{InSequenceFocus: seq.AutoFocus}
	looping := job.CompletionCondition == model.FinishLoop

	for _, item := range seq.Items {
		if item.Upload == model.UploadRemote {
			est.Seconds = model.EstimateUnbounded
			est.LightFramesRequired = hasLightFrames(seq)
			return est
		}
	}

	if opts.RememberProgress {
		est.CapturedFrames = make(map[string]int, len(seq.Items))
	}

	var imaging float64
	for i, item := range seq.Items {
		required := item.Count * job.RepeatsRequired
		completed := 0

		if opts.RememberProgress {
			sig := Signature(item, job.Name)
			completed = completedFor(seq.Items[:i], sig, captured[sig], job.Name, job.RepeatsRequired)
			if completed > required {
				completed = required
			}
			est.CapturedFrames[sig] = completed
		}

		done := completed >= required && !looping
		if item.FrameType == model.FrameLight && !done {
			est.LightFramesRequired = true
		}

		est.SequenceCount += required
		est.CompletedCount += completed

		if done {
			continue
		}
		remaining := required - completed
		if looping {
			imaging += math.Abs(item.Exposure + item.Delay)
		} else {
			imaging += math.Abs((item.Exposure + item.Delay) * float64(remaining))
		}
		if item.FrameType == model.FrameLight {
			if seq.AutoFocus {
				imaging += float64(remaining * inSequenceFocusPerFrame)
			}
			if job.Pipeline.Has(model.StepGuide) && opts.DitherEnabled && opts.DitherFrames > 0 {
				imaging += float64(remaining * ditherPerFrame / opts.DitherFrames)
			}
		}
	}

	switch {
	case looping:
		est.Seconds = model.EstimateUnbounded
	case job.StartupCondition == model.StartAt && job.CompletionCondition == model.FinishAt:
		est.Seconds = int64(job.CompletionTime.Sub(job.StartupTime).Seconds())
	case imaging <= 0:
		est.Seconds = model.EstimateDone
	default:
		if est.LightFramesRequired {
			imaging += float64(overhead(job.Pipeline) * job.RepeatsRequired)
		}
		est.Seconds = int64(imaging)
	}
	return est
}

// completedFor returns the frames on disk that belong to the current item,
// after earlier items sharing the same storage have claimed theirs.
func completedFor(previous []model.SequenceItem, sig string, onDisk int, jobName string, repeats int) int {
	completed := onDisk
	for _, prev := range previous {
		if completed == 0 {
			break
		}
		if Signature(prev, jobName) == sig {
			completed -= prev.Count * repeats
		}
		if completed < 0 {
			completed = 0
		}
	}
	return completed
}

func overhead(p model.Pipeline) int {
	total := 0
	if p.Has(model.StepTrack) {
		total += trackOverhead
	}
	if p.Has(model.StepFocus) {
		total += focusOverhead
	}
	if p.Has(model.StepAlign) {
		total += alignOverhead
	}
	if p.Has(model.StepGuide) {
		total += guideOverhead
	}
	return total
}

func hasLightFrames(seq *model.Sequence) bool {
	for _, item := range seq.Items {
		if item.FrameType == model.FrameLight {
			return true
		}
	}
	return false
}
