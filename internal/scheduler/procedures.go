package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/me/obsched/internal/device"
	"github.com/me/obsched/internal/script"
	"github.com/me/obsched/pkg/model"
)

// maxProcedureSteps bounds the phase changes a procedure makes in one tick.
const maxProcedureSteps = 16

// Operation is an outstanding asynchronous device request.
type Operation struct {
	StartedAt time.Time
	Retries   int
}

// StartupState is the startup procedure record.
type StartupState struct {
	Phase model.StartupPhase
	Op    Operation
}

// ShutdownState is the shutdown procedure record.
type ShutdownState struct {
	Phase model.ShutdownPhase
	Op    Operation
}

// ParkWaitState is the record of parking the mount between jobs.
type ParkWaitState struct {
	Phase model.ParkWaitPhase
	Op    Operation
}

// ConnectPhase tracks the device link.
type ConnectPhase string

const (
	ConnectIdle       ConnectPhase = "IDLE"
	ConnectConnecting ConnectPhase = "CONNECTING"
	ConnectReady      ConnectPhase = "READY"
)

// ConnectState is the device connection record.
type ConnectState struct {
	Phase ConnectPhase
	Op    Operation
}

type parkResult int

const (
	parkPending parkResult = iota
	parkDone
	parkFailed
)

// nextPhase maps a parking result to the phase that follows it.
func nextPhase[P ~string](r parkResult, pending, done, failed P) P {
	switch r {
	case parkDone:
		return done
	case parkFailed:
		return failed
	}
	return pending
}

func parkCall(ctx context.Context, p device.Parker, want device.ParkStatus) error {
	if want == device.Parked {
		return p.Park(ctx)
	}
	return p.Unpark(ctx)
}

// requestPark asks p to reach want. It reports parkDone when p is already
// there.
func (c *Controller) requestPark(ctx context.Context, name string, p device.Parker, want device.ParkStatus, op *Operation, now time.Time) parkResult {
	status, err := p.ParkStatus(ctx)
	if err != nil {
		c.logger.Warn("parking status unavailable", "device", name, "error", err)
		return parkFailed
	}
	if status == want {
		return parkDone
	}
	if err := parkCall(ctx, p, want); err != nil {
		c.logger.Warn("parking request failed", "device", name, "want", want, "error", err)
		return parkFailed
	}
	op.StartedAt = now
	if want == device.Parked {
		c.logger.Info("parking device", "device", name)
	} else {
		c.logger.Info("unparking device", "device", name)
	}
	return parkPending
}

// pollPark follows an outstanding park or unpark request. A request that
// takes longer than the park timeout is reissued, at most
// model.MaxFailureAttempts times.
func (c *Controller) pollPark(ctx context.Context, name string, p device.Parker, want device.ParkStatus, op *Operation, now time.Time) parkResult {
	status, err := p.ParkStatus(ctx)
	if err != nil {
		c.logger.Warn("parking status unavailable", "device", name, "error", err)
		op.Retries = 0
		return parkFailed
	}
	switch status {
	case want:
		op.Retries = 0
		if want == device.Parked {
			c.logger.Info("device parked", "device", name)
		} else {
			c.logger.Info("device unparked", "device", name)
		}
		return parkDone
	case device.ParkError:
		c.logger.Error("device parking error", "device", name, "want", want)
		op.Retries = 0
		return parkFailed
	}

	if now.Sub(op.StartedAt) <= c.cfg.ParkTimeout {
		return parkPending
	}
	if op.Retries >= model.MaxFailureAttempts {
		c.logger.Error("parking operation timed out, giving up", "device", name, "attempts", op.Retries)
		op.Retries = 0
		return parkFailed
	}
	op.Retries++
	c.logger.Warn("operation timeout, restarting operation", "device", name, "attempt", op.Retries)
	if err := parkCall(ctx, p, want); err != nil {
		c.logger.Warn("parking request failed", "device", name, "want", want, "error", err)
		op.Retries = 0
		return parkFailed
	}
	op.StartedAt = now
	return parkPending
}

// pollScript reports whether the running script finished and whether it
// succeeded. The runner is reset once the outcome is read.
func (c *Controller) pollScript(procedure string) (finished, ok bool) {
	res := c.runner.Poll()
	switch res.State {
	case script.StateRunning:
		return false, false
	case script.StateSucceeded:
		if out := strings.TrimSpace(res.Stdout); out != "" {
			c.logger.Info("script output", "procedure", procedure, "output", out)
		}
		c.logger.Info("script finished", "procedure", procedure)
		c.runner.Reset()
		return true, true
	}
	c.logger.Error("script failed, aborting", "procedure", procedure,
		"exit_code", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr), "error", res.Err)
	c.runner.Reset()
	return true, false
}

func scriptPhase(p model.StartupPhase) bool {
	return p == model.StartupIdle || p == model.StartupScript || p == model.StartupScriptRunning
}

// runStartup steps the startup procedure until it waits on a device or
// settles. Unparking waits for the device link. It reports whether the
// procedure is settled.
func (c *Controller) runStartup(ctx context.Context, now time.Time) bool {
	for range maxProcedureSteps {
		if c.startup.Phase == model.StartupUnparkDome && c.conn.Phase != ConnectReady {
			return false
		}
		before := c.startup.Phase
		if c.stepStartup(ctx, now) {
			return true
		}
		if c.startup.Phase == before {
			return false
		}
	}
	return false
}

func (c *Controller) stepStartup(ctx context.Context, now time.Time) bool {
	s := &c.startup
	cfg := c.cfg.Startup
	before := s.Phase

	switch s.Phase {
	case model.StartupIdle:
		c.logger.Info("observatory is in the startup process")
		if cfg.Script != "" {
			s.Phase = model.StartupScript
		} else {
			s.Phase = model.StartupUnparkDome
		}

	case model.StartupScript:
		if err := c.runner.Start(ctx, cfg.Script); err != nil {
			c.logger.Error("startup script could not be started", "script", cfg.Script, "error", err)
			s.Phase = model.StartupError
			break
		}
		c.logger.Info("executing startup script", "script", cfg.Script)
		s.Phase = model.StartupScriptRunning

	case model.StartupScriptRunning:
		if finished, ok := c.pollScript("startup"); finished {
			if ok {
				s.Phase = model.StartupUnparkDome
			} else {
				s.Phase = model.StartupError
			}
		}

	case model.StartupUnparkDome:
		// Calibration jobs need no sky.
		if c.current != nil && !c.current.LightFramesRequired {
			s.Phase = model.StartupComplete
			break
		}
		if cfg.UnparkDome && c.rig.Dome != nil {
			s.Phase = nextPhase(c.requestPark(ctx, "dome", c.rig.Dome, device.Unparked, &s.Op, now),
				model.StartupUnparkingDome, model.StartupUnparkMount, model.StartupError)
		} else {
			s.Phase = model.StartupUnparkMount
		}

	case model.StartupUnparkingDome:
		s.Phase = nextPhase(c.pollPark(ctx, "dome", c.rig.Dome, device.Unparked, &s.Op, now),
			model.StartupUnparkingDome, model.StartupUnparkMount, model.StartupError)

	case model.StartupUnparkMount:
		if cfg.UnparkMount && c.rig.Mount != nil {
			s.Phase = nextPhase(c.requestPark(ctx, "mount", c.rig.Mount, device.Unparked, &s.Op, now),
				model.StartupUnparkingMount, model.StartupUnparkCap, model.StartupError)
		} else {
			s.Phase = model.StartupUnparkCap
		}

	case model.StartupUnparkingMount:
		s.Phase = nextPhase(c.pollPark(ctx, "mount", c.rig.Mount, device.Unparked, &s.Op, now),
			model.StartupUnparkingMount, model.StartupUnparkCap, model.StartupError)

	case model.StartupUnparkCap:
		if cfg.UnparkCap && c.rig.Cap != nil {
			s.Phase = nextPhase(c.requestPark(ctx, "cap", c.rig.Cap, device.Unparked, &s.Op, now),
				model.StartupUnparkingCap, model.StartupComplete, model.StartupError)
		} else {
			s.Phase = model.StartupComplete
		}

	case model.StartupUnparkingCap:
		s.Phase = nextPhase(c.pollPark(ctx, "cap", c.rig.Cap, device.Unparked, &s.Op, now),
			model.StartupUnparkingCap, model.StartupComplete, model.StartupError)
	}

	switch s.Phase {
	case model.StartupComplete:
		if before != model.StartupComplete {
			c.logger.Info("startup procedure complete")
		}
		return true
	case model.StartupError:
		if before != model.StartupError {
			c.logger.Error("startup procedure failed")
		}
		return true
	}
	return false
}

// beginShutdown starts the shutdown procedure unless it is already running.
func (c *Controller) beginShutdown(ctx context.Context, now time.Time) {
	if c.shutdown.Phase.InProgress() {
		return
	}
	c.logger.Info("starting shutdown procedure")
	c.current = nil
	if !c.preemptive {
		c.sleepUntil = time.Time{}
	}
	if c.cfg.Shutdown.WarmCCD && c.rig.Capture != nil {
		c.logger.Info("warming up CCD")
		if err := c.rig.Capture.WarmCCD(ctx); err != nil {
			c.logger.Warn("warming up CCD failed", "error", err)
		}
	}
	c.shutdown = ShutdownState{Phase: model.ShutdownParkCap}
	c.runShutdown(ctx, now)
}

// runShutdown steps the shutdown procedure until it waits on a device or
// settles.
func (c *Controller) runShutdown(ctx context.Context, now time.Time) bool {
	for range maxProcedureSteps {
		before := c.shutdown.Phase
		if c.stepShutdown(ctx, now) {
			return true
		}
		if c.shutdown.Phase == before {
			return false
		}
	}
	return false
}

func (c *Controller) stepShutdown(ctx context.Context, now time.Time) bool {
	s := &c.shutdown
	cfg := c.cfg.Shutdown

	switch s.Phase {
	case model.ShutdownParkCap:
		if cfg.ParkCap && c.rig.Cap != nil {
			s.Phase = nextPhase(c.requestPark(ctx, "cap", c.rig.Cap, device.Parked, &s.Op, now),
				model.ShutdownParkingCap, model.ShutdownParkMount, model.ShutdownError)
		} else {
			s.Phase = model.ShutdownParkMount
		}

	case model.ShutdownParkingCap:
		s.Phase = nextPhase(c.pollPark(ctx, "cap", c.rig.Cap, device.Parked, &s.Op, now),
			model.ShutdownParkingCap, model.ShutdownParkMount, model.ShutdownError)

	case model.ShutdownParkMount:
		if cfg.ParkMount && c.rig.Mount != nil {
			s.Phase = nextPhase(c.requestPark(ctx, "mount", c.rig.Mount, device.Parked, &s.Op, now),
				model.ShutdownParkingMount, model.ShutdownParkDome, model.ShutdownError)
		} else {
			s.Phase = model.ShutdownParkDome
		}

	case model.ShutdownParkingMount:
		s.Phase = nextPhase(c.pollPark(ctx, "mount", c.rig.Mount, device.Parked, &s.Op, now),
			model.ShutdownParkingMount, model.ShutdownParkDome, model.ShutdownError)

	case model.ShutdownParkDome:
		if cfg.ParkDome && c.rig.Dome != nil {
			s.Phase = nextPhase(c.requestPark(ctx, "dome", c.rig.Dome, device.Parked, &s.Op, now),
				model.ShutdownParkingDome, model.ShutdownScript, model.ShutdownError)
		} else {
			s.Phase = model.ShutdownScript
		}

	case model.ShutdownParkingDome:
		s.Phase = nextPhase(c.pollPark(ctx, "dome", c.rig.Dome, device.Parked, &s.Op, now),
			model.ShutdownParkingDome, model.ShutdownScript, model.ShutdownError)

	case model.ShutdownScript:
		if cfg.Script == "" {
			s.Phase = model.ShutdownComplete
			break
		}
		if err := c.runner.Start(ctx, cfg.Script); err != nil {
			c.logger.Error("shutdown script could not be started", "script", cfg.Script, "error", err)
			s.Phase = model.ShutdownError
			break
		}
		c.logger.Info("executing shutdown script", "script", cfg.Script)
		s.Phase = model.ShutdownScriptRunning

	case model.ShutdownScriptRunning:
		if finished, ok := c.pollScript("shutdown"); finished {
			if ok {
				s.Phase = model.ShutdownComplete
			} else {
				s.Phase = model.ShutdownError
			}
		}

	case model.ShutdownIdle, model.ShutdownComplete, model.ShutdownError:
		return true
	}

	return s.Phase == model.ShutdownComplete || s.Phase == model.ShutdownError
}

// runParkWait drives parking the mount between jobs. It reports whether
// the mount is settled and the caller may go on.
func (c *Controller) runParkWait(ctx context.Context, now time.Time) bool {
	s := &c.parkWait
	switch s.Phase {
	case model.ParkWaitPark:
		s.Phase = nextPhase(c.requestPark(ctx, "mount", c.rig.Mount, device.Parked, &s.Op, now),
			model.ParkWaitParking, model.ParkWaitParked, model.ParkWaitError)
	case model.ParkWaitParking:
		s.Phase = nextPhase(c.pollPark(ctx, "mount", c.rig.Mount, device.Parked, &s.Op, now),
			model.ParkWaitParking, model.ParkWaitParked, model.ParkWaitError)
	case model.ParkWaitUnpark:
		s.Phase = nextPhase(c.requestPark(ctx, "mount", c.rig.Mount, device.Unparked, &s.Op, now),
			model.ParkWaitUnparking, model.ParkWaitUnparked, model.ParkWaitError)
	case model.ParkWaitUnparking:
		s.Phase = nextPhase(c.pollPark(ctx, "mount", c.rig.Mount, device.Unparked, &s.Op, now),
			model.ParkWaitUnparking, model.ParkWaitUnparked, model.ParkWaitError)
	}

	switch s.Phase {
	case model.ParkWaitIdle, model.ParkWaitParked, model.ParkWaitUnparked:
		return true
	case model.ParkWaitError:
		c.logger.Error("park/unpark wait procedure failed, aborting")
		c.stop(ctx, now)
	}
	return false
}

// runConnect brings up the device link. It reports whether the link is
// ready.
func (c *Controller) runConnect(ctx context.Context, now time.Time) bool {
	s := &c.conn
	conn := c.rig.Connector
	if conn == nil {
		s.Phase = ConnectReady
	}

	switch s.Phase {
	case ConnectReady:
		return true

	case ConnectIdle:
		if ok, err := conn.Connected(ctx); err == nil && ok {
			s.Phase = ConnectReady
			return true
		}
		if err := conn.Connect(ctx); err != nil {
			c.logger.Warn("device connection request failed", "error", err)
		}
		c.logger.Info("connecting devices")
		s.Phase = ConnectConnecting
		s.Op = Operation{StartedAt: now}

	case ConnectConnecting:
		ok, err := conn.Connected(ctx)
		if err == nil && ok {
			c.logger.Info("devices connected")
			s.Phase = ConnectReady
			s.Op.Retries = 0
			return true
		}
		if now.Sub(s.Op.StartedAt) <= c.cfg.ConnectTimeout {
			return false
		}
		if s.Op.Retries >= model.MaxFailureAttempts {
			c.logger.Error("device connection timed out, aborting", "attempts", s.Op.Retries)
			c.stop(ctx, now)
			return false
		}
		s.Op.Retries++
		c.logger.Warn("devices failed to connect, retrying", "attempt", s.Op.Retries)
		if err := conn.Connect(ctx); err != nil {
			c.logger.Warn("device connection request failed", "error", err)
		}
		s.Op.StartedAt = now
	}
	return false
}

// disconnect drops the device link after shutdown.
func (c *Controller) disconnect(ctx context.Context) {
	if c.conn.Phase == ConnectIdle || c.rig.Connector == nil {
		return
	}
	if err := c.rig.Connector.Disconnect(ctx); err != nil {
		c.logger.Warn("device disconnect failed", "error", err)
	} else {
		c.logger.Info("devices disconnected")
	}
	c.conn = ConnectState{Phase: ConnectIdle}
}
