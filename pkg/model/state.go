package model

// JobState represents the lifecycle state of a Job.
//
// States are ordered: IDLE < EVALUATION < SCHEDULED < BUSY < ABORTED < ERROR <
// INVALID < COMPLETE. The order separates jobs that may still be scheduled
// (up to ABORTED) from terminal or problem states.
type JobState string

const (
	JobStateIdle       JobState = "IDLE"
	JobStateEvaluation JobState = "EVALUATION"
	JobStateScheduled  JobState = "SCHEDULED"
	JobStateBusy       JobState = "BUSY"
	JobStateAborted    JobState = "ABORTED"
	JobStateError      JobState = "ERROR"
	JobStateInvalid    JobState = "INVALID"
	JobStateComplete   JobState = "COMPLETE"
)

var jobStateOrder = map[JobState]int{
	JobStateIdle:       0,
	JobStateEvaluation: 1,
	JobStateScheduled:  2,
	JobStateBusy:       3,
	JobStateAborted:    4,
	JobStateError:      5,
	JobStateInvalid:    6,
	JobStateComplete:   7,
}

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// Order returns the position of the state in the lifecycle ordering.
// Unknown states sort last.
func (s JobState) Order() int {
	if o, ok := jobStateOrder[s]; ok {
		return o
	}
	return len(jobStateOrder)
}

// Less reports whether s comes before other in the lifecycle ordering.
func (s JobState) Less(other JobState) bool {
	return s.Order() < other.Order()
}

// IsSchedulable returns true for states at or below ABORTED.
func (s JobState) IsSchedulable() bool {
	return s.Order() <= JobStateAborted.Order()
}

// IsTerminal returns true if the job will not be picked up again without a
// reset or an edit.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateError, JobStateInvalid, JobStateComplete:
		return true
	}
	return false
}

// Valid returns true for known job states.
func (s JobState) Valid() bool {
	_, ok := jobStateOrder[s]
	return ok
}

// JobStage is the execution sub-stage of a BUSY job.
type JobStage string

const (
	StageIdle                      JobStage = "IDLE"
	StageSlewing                   JobStage = "SLEWING"
	StageSlewComplete              JobStage = "SLEW_COMPLETE"
	StageFocusing                  JobStage = "FOCUSING"
	StageFocusComplete             JobStage = "FOCUS_COMPLETE"
	StageAligning                  JobStage = "ALIGNING"
	StageAlignComplete             JobStage = "ALIGN_COMPLETE"
	StageReslewing                 JobStage = "RESLEWING"
	StageReslewingComplete         JobStage = "RESLEWING_COMPLETE"
	StagePostAlignFocusing         JobStage = "POSTALIGN_FOCUSING"
	StagePostAlignFocusingComplete JobStage = "POSTALIGN_FOCUSING_COMPLETE"
	StageGuiding                   JobStage = "GUIDING"
	StageGuidingComplete           JobStage = "GUIDING_COMPLETE"
	StageCapturing                 JobStage = "CAPTURING"
)

// String returns the string representation of the job stage.
func (s JobStage) String() string {
	return string(s)
}

// SchedulerPhase is the top-level state of a scheduling session.
type SchedulerPhase string

const (
	SchedulerIdle    SchedulerPhase = "IDLE"
	SchedulerRunning SchedulerPhase = "RUNNING"
	SchedulerPaused  SchedulerPhase = "PAUSED"
)

func (p SchedulerPhase) String() string { return string(p) }

// StartupPhase tracks the observatory startup procedure.
type StartupPhase string

const (
	StartupIdle           StartupPhase = "IDLE"
	StartupScript         StartupPhase = "SCRIPT"
	StartupScriptRunning  StartupPhase = "SCRIPT_RUNNING"
	StartupUnparkDome     StartupPhase = "UNPARK_DOME"
	StartupUnparkingDome  StartupPhase = "UNPARKING_DOME"
	StartupUnparkMount    StartupPhase = "UNPARK_MOUNT"
	StartupUnparkingMount StartupPhase = "UNPARKING_MOUNT"
	StartupUnparkCap      StartupPhase = "UNPARK_CAP"
	StartupUnparkingCap   StartupPhase = "UNPARKING_CAP"
	StartupComplete       StartupPhase = "COMPLETE"
	StartupError          StartupPhase = "ERROR"
)

func (p StartupPhase) String() string { return string(p) }

// ShutdownPhase tracks the observatory shutdown procedure.
type ShutdownPhase string

const (
	ShutdownIdle          ShutdownPhase = "IDLE"
	ShutdownParkCap       ShutdownPhase = "PARK_CAP"
	ShutdownParkingCap    ShutdownPhase = "PARKING_CAP"
	ShutdownParkMount     ShutdownPhase = "PARK_MOUNT"
	ShutdownParkingMount  ShutdownPhase = "PARKING_MOUNT"
	ShutdownParkDome      ShutdownPhase = "PARK_DOME"
	ShutdownParkingDome   ShutdownPhase = "PARKING_DOME"
	ShutdownScript        ShutdownPhase = "SCRIPT"
	ShutdownScriptRunning ShutdownPhase = "SCRIPT_RUNNING"
	ShutdownComplete      ShutdownPhase = "COMPLETE"
	ShutdownError         ShutdownPhase = "ERROR"
)

func (p ShutdownPhase) String() string { return string(p) }

// InProgress returns true while the shutdown procedure is running.
func (p ShutdownPhase) InProgress() bool {
	switch p {
	case ShutdownIdle, ShutdownComplete, ShutdownError:
		return false
	}
	return true
}

// ParkWaitPhase tracks parking the mount during a long gap between jobs.
type ParkWaitPhase string

const (
	ParkWaitIdle      ParkWaitPhase = "IDLE"
	ParkWaitPark      ParkWaitPhase = "PARK"
	ParkWaitParking   ParkWaitPhase = "PARKING"
	ParkWaitParked    ParkWaitPhase = "PARKED"
	ParkWaitUnpark    ParkWaitPhase = "UNPARK"
	ParkWaitUnparking ParkWaitPhase = "UNPARKING"
	ParkWaitUnparked  ParkWaitPhase = "UNPARKED"
	ParkWaitError     ParkWaitPhase = "ERROR"
)

func (p ParkWaitPhase) String() string { return string(p) }
