// Package device defines the ports the scheduler drives on the observatory
// equipment. Every command is a request whose outcome is observed by polling
// the matching status method on later ticks.
package device

import (
	"context"
	"errors"

	"github.com/me/obsched/pkg/model"
)

// ErrDisconnected is returned by any port whose device link is gone.
var ErrDisconnected = errors.New("device disconnected")

// SlewStatus is the state of a mount slew.
type SlewStatus string

const (
	SlewIdle  SlewStatus = "IDLE"
	SlewBusy  SlewStatus = "BUSY"
	SlewOK    SlewStatus = "OK"
	SlewAlert SlewStatus = "ALERT"
)

// ParkStatus is the parking state of a mount, dome or dust cap.
type ParkStatus string

const (
	Parked    ParkStatus = "PARKED"
	Parking   ParkStatus = "PARKING"
	Unparked  ParkStatus = "UNPARKED"
	Unparking ParkStatus = "UNPARKING"
	ParkError ParkStatus = "ERROR"
)

// ProcessStatus is the state of a focus or alignment run.
type ProcessStatus string

const (
	ProcessIdle     ProcessStatus = "IDLE"
	ProcessBusy     ProcessStatus = "BUSY"
	ProcessComplete ProcessStatus = "COMPLETE"
	ProcessFailed   ProcessStatus = "FAILED"
	ProcessAborted  ProcessStatus = "ABORTED"
)

// Failed reports whether the run ended without success.
func (s ProcessStatus) Failed() bool {
	return s == ProcessFailed || s == ProcessAborted
}

// GuideStatus is the state of the guider.
type GuideStatus string

const (
	GuideIdle             GuideStatus = "IDLE"
	GuideBusy             GuideStatus = "BUSY"
	GuideGuiding          GuideStatus = "GUIDING"
	GuideCalibrationError GuideStatus = "CALIBRATION_ERROR"
	GuideAborted          GuideStatus = "ABORTED"
	GuideDitherError      GuideStatus = "DITHER_ERROR"
)

// CaptureStatus is the free-form status string of the capture sequence.
type CaptureStatus string

const (
	CaptureIdle     CaptureStatus = "Idle"
	CaptureBusy     CaptureStatus = "Busy"
	CaptureAborted  CaptureStatus = "Aborted"
	CaptureError    CaptureStatus = "Error"
	CaptureComplete CaptureStatus = "Complete"
)

// WeatherStatus is the safety status reported by the weather station.
// IDLE means no report has been received yet.
type WeatherStatus string

const (
	WeatherIdle  WeatherStatus = "IDLE"
	WeatherOK    WeatherStatus = "OK"
	WeatherBusy  WeatherStatus = "BUSY"
	WeatherAlert WeatherStatus = "ALERT"
)

// Connector manages the link to the equipment profile.
type Connector interface {
	Connect(ctx context.Context) error
	Connected(ctx context.Context) (bool, error)
	Disconnect(ctx context.Context) error
}

// Parker is implemented by every device that can be parked.
type Parker interface {
	Park(ctx context.Context) error
	Unpark(ctx context.Context) error
	ParkStatus(ctx context.Context) (ParkStatus, error)
}

// Mount slews and parks the telescope.
type Mount interface {
	Parker
	SlewTo(ctx context.Context, target model.Coordinates) error
	Abort(ctx context.Context) error
	SlewStatus(ctx context.Context) (SlewStatus, error)
}

// Dome rotates with the mount and opens for observation.
type Dome interface {
	Parker
	IsMoving(ctx context.Context) (bool, error)
}

// DustCap covers the optical train while parked.
type DustCap interface {
	Parker
}

// Focuser runs autofocus.
type Focuser interface {
	CanAutoFocus(ctx context.Context) bool
	ResetFrame(ctx context.Context) error
	Start(ctx context.Context) error
	Abort(ctx context.Context) error
	Status(ctx context.Context) (ProcessStatus, error)
}

// Aligner plate-solves and corrects the mount pointing.
type Aligner interface {
	CaptureAndSolve(ctx context.Context) error
	LoadAndSlew(ctx context.Context, fitsPath string) error
	ResetModel(ctx context.Context) error
	Abort(ctx context.Context) error
	Status(ctx context.Context) (ProcessStatus, error)
}

// Guider calibrates and holds the target.
type Guider interface {
	StartAutoCalibrateGuide(ctx context.Context) error
	ClearCalibration(ctx context.Context) error
	Abort(ctx context.Context) error
	Status(ctx context.Context) (GuideStatus, error)
}

// Capture runs the imaging sequence of a job.
type Capture interface {
	LoadSequence(ctx context.Context, path string) error
	SetTargetName(ctx context.Context, name string) error
	SetCapturedFrames(ctx context.Context, frames map[string]int) error
	Start(ctx context.Context) error
	Abort(ctx context.Context) error
	Status(ctx context.Context) (CaptureStatus, error)
	WarmCCD(ctx context.Context) error
}

// WeatherStation reports the site safety status.
type WeatherStation interface {
	Status(ctx context.Context) (WeatherStatus, error)
}

// Rig bundles the ports of one observatory. Dome, Cap and Weather are
// optional and may be nil.
type Rig struct {
	Connector Connector
	Mount     Mount
	Dome      Dome
	Cap       DustCap
	Focuser   Focuser
	Aligner   Aligner
	Guider    Guider
	Capture   Capture
	Weather   WeatherStation
}

// IsDisconnected reports whether err signals a lost device link.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrDisconnected)
}
