package model

import (
	"math"
	"strings"
	"time"
)

// Scheduling constants shared by the scoring engine and the controller.
const (
	// BadScore marks a job as non-viable at the evaluated time.
	BadScore int16 = -1000

	// CalibrationScore is the fixed score of jobs that need no light frames.
	CalibrationScore int16 = 1000

	// DefaultMinAltitude is the altitude in degrees below which a target
	// without an explicit constraint scores poorly.
	DefaultMinAltitude = 15.0

	// MaxFailureAttempts caps consecutive failures of a single stage.
	MaxFailureAttempts = 5

	// Unconstrained disables an altitude or moon separation constraint.
	Unconstrained = -1.0
)

// Estimate sentinels for Job.EstimatedSeconds.
const (
	EstimateUnknown   int64 = -1 // not estimated yet
	EstimateUnbounded int64 = -2 // open-ended or remote upload
	EstimateDone      int64 = 0  // nothing left to capture
)

// StartupCondition selects how a job's start time is determined.
type StartupCondition string

const (
	StartASAP        StartupCondition = "ASAP"
	StartCulmination StartupCondition = "CULMINATION"
	StartAt          StartupCondition = "AT"
)

// CompletionCondition selects when a job is considered finished.
type CompletionCondition string

const (
	FinishSequence CompletionCondition = "SEQUENCE"
	FinishRepeat   CompletionCondition = "REPEAT"
	FinishLoop     CompletionCondition = "LOOP"
	FinishAt       CompletionCondition = "AT"
)

// Pipeline is the set of preparation steps run before capture.
type Pipeline uint8

const (
	StepTrack Pipeline = 1 << iota
	StepFocus
	StepAlign
	StepGuide

	StepNone Pipeline = 0
)

var stepNames = []struct {
	step Pipeline
	name string
}{
	{StepTrack, "track"},
	{StepFocus, "focus"},
	{StepAlign, "align"},
	{StepGuide, "guide"},
}

// Has reports whether every step in s is enabled.
func (p Pipeline) Has(s Pipeline) bool {
	return s != 0 && p&s == s
}

// Without returns the pipeline with s cleared.
func (p Pipeline) Without(s Pipeline) Pipeline {
	return p &^ s
}

// Names returns the enabled steps in execution order.
func (p Pipeline) Names() []string {
	names := []string{}
	for _, sn := range stepNames {
		if p.Has(sn.step) {
			names = append(names, sn.name)
		}
	}
	return names
}

func (p Pipeline) String() string {
	if p == StepNone {
		return "none"
	}
	return strings.Join(p.Names(), ",")
}

// ParseStep returns the pipeline bit for a step name.
func ParseStep(name string) (Pipeline, bool) {
	for _, sn := range stepNames {
		if strings.EqualFold(sn.name, strings.TrimSpace(name)) {
			return sn.step, true
		}
	}
	return StepNone, false
}

// Coordinates is a J2000 equatorial position.
type Coordinates struct {
	RAHours    float64 `json:"ra_hours"`
	DecDegrees float64 `json:"dec_degrees"`
}

// Equal compares coordinates to the arc-second.
func (c Coordinates) Equal(o Coordinates) bool {
	const raEps = 1.0 / 3600 / 15
	const decEps = 1.0 / 3600
	return math.Abs(c.RAHours-o.RAHours) < raEps && math.Abs(c.DecDegrees-o.DecDegrees) < decEps
}

// Job is a single observation request.
type Job struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Profile      string      `json:"profile,omitempty"`
	Priority     int         `json:"priority"`
	Target       Coordinates `json:"target"`
	SequenceFile string      `json:"sequence_file"`
	FITSFile     string      `json:"fits_file,omitempty"`

	// Runtime startup condition. ASAP and CULMINATION resolve into AT with a
	// concrete StartupTime during evaluation.
	StartupCondition  StartupCondition `json:"startup_condition"`
	StartupTime       time.Time        `json:"startup_time"`
	CulminationOffset int              `json:"culmination_offset,omitempty"` // minutes

	// Snapshot of the user's original startup intent.
	FileStartupCondition StartupCondition `json:"file_startup_condition"`
	FileStartupTime      time.Time        `json:"file_startup_time"`

	CompletionCondition CompletionCondition `json:"completion_condition"`
	CompletionTime      time.Time           `json:"completion_time"`
	RepeatsRequired     int                 `json:"repeats_required"`
	RepeatsRemaining    int                 `json:"repeats_remaining"`

	MinAltitude       float64 `json:"min_altitude"`
	MinMoonSeparation float64 `json:"min_moon_separation"`
	EnforceWeather    bool    `json:"enforce_weather"`
	EnforceTwilight   bool    `json:"enforce_twilight"`
	Constraint        string  `json:"constraint,omitempty"`

	Pipeline Pipeline `json:"pipeline"`

	State            JobState  `json:"state"`
	Stage            JobStage  `json:"stage"`
	Score            int16     `json:"score"`
	EstimatedSeconds int64     `json:"estimated_seconds"`
	StateChangedAt   time.Time `json:"state_changed_at"`

	LightFramesRequired bool           `json:"light_frames_required"`
	InSequenceFocus     bool           `json:"in_sequence_focus"`
	SequenceCount       int            `json:"sequence_count"`
	CompletedCount      int            `json:"completed_count"`
	CapturedFrames      map[string]int `json:"captured_frames,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob returns a job with unconstrained altitude and moon separation and
// all transient fields at their defaults.
func NewJob(id, name string) *Job {
	j := &Job{
		ID:                  id,
		Name:                name,
		StartupCondition:    StartASAP,
		CompletionCondition: FinishSequence,
		MinAltitude:         Unconstrained,
		MinMoonSeparation:   Unconstrained,
		RepeatsRequired:     1,
		LightFramesRequired: true,
		CapturedFrames:      map[string]int{},
	}
	j.SnapshotStartup()
	j.Reset()
	return j
}

// SnapshotStartup records the current startup condition and time as the
// user's original intent.
func (j *Job) SnapshotStartup() {
	j.FileStartupCondition = j.StartupCondition
	j.FileStartupTime = j.StartupTime
}

// RestoreStartup resets the runtime startup condition and time from the
// snapshot taken at load time.
func (j *Job) RestoreStartup() {
	j.StartupCondition = j.FileStartupCondition
	if j.FileStartupCondition == StartAt {
		j.StartupTime = j.FileStartupTime
	} else {
		j.StartupTime = time.Time{}
	}
}

// SetState changes the lifecycle state. Transitions to INVALID and ABORTED
// restore the startup condition and time from the snapshot; INVALID also
// forces the runtime estimate to be recomputed. StateChangedAt gets the
// wall clock; the scheduler restamps it with its own clock.
func (j *Job) SetState(s JobState) {
	j.State = s
	j.StateChangedAt = time.Now().UTC()
	switch s {
	case JobStateInvalid:
		j.RestoreStartup()
		j.EstimatedSeconds = EstimateUnknown
	case JobStateAborted:
		j.RestoreStartup()
	}
}

// Reset returns the job to IDLE as if freshly loaded.
func (j *Job) Reset() {
	j.State = JobStateIdle
	j.Stage = StageIdle
	j.EstimatedSeconds = EstimateUnknown
	j.RestoreStartup()
	j.RepeatsRemaining = j.RepeatsRequired
}

// IsDuplicateOf reports whether other has the same name or target and runs
// the same sequence. A job is never a duplicate of itself.
func (j *Job) IsDuplicateOf(other *Job) bool {
	if other == nil || other == j || (j.ID != "" && j.ID == other.ID) {
		return false
	}
	if j.SequenceFile != other.SequenceFile {
		return false
	}
	return j.Name == other.Name || j.Target.Equal(other.Target)
}

// RequiresTracking reports whether the job slews to its target.
func (j *Job) RequiresTracking() bool {
	return j.Pipeline.Has(StepTrack)
}

// Clone returns a deep copy safe to hand to readers outside the controller.
func (j *Job) Clone() *Job {
	c := *j
	c.CapturedFrames = make(map[string]int, len(j.CapturedFrames))
	for k, v := range j.CapturedFrames {
		c.CapturedFrames[k] = v
	}
	return &c
}
