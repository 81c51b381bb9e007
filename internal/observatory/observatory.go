// Package observatory aggregates dome and weather status for operators and
// reacts to bad weather through the scheduler control port.
package observatory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/me/obsched/internal/config"
	"github.com/me/obsched/internal/device"
	"github.com/me/obsched/internal/scheduler"
	"github.com/me/obsched/pkg/model"
)

// DomeStatus is the operator-facing dome state.
type DomeStatus string

const (
	DomeIdle    DomeStatus = "IDLE"
	DomeOpening DomeStatus = "OPENING"
	DomeClosing DomeStatus = "CLOSING"
	DomeReady   DomeStatus = "READY"
	DomeClosed  DomeStatus = "CLOSED"
)

// WeatherState is the operator-facing weather state.
type WeatherState string

const (
	WeatherOK      WeatherState = "OK"
	WeatherWarning WeatherState = "WARNING"
	WeatherAlert   WeatherState = "ALERT"
)

// Status is the aggregated observatory state.
type Status struct {
	Dome       DomeStatus            `json:"dome"`
	Weather    WeatherState          `json:"weather"`
	Scheduler  model.SchedulerStatus `json:"scheduler"`
	LastAction string                `json:"last_action,omitempty"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Aggregator polls the dome and weather ports and mirrors the scheduler
// status. Weather changes trigger the configured actions.
type Aggregator struct {
	ctrl    scheduler.ControlPort
	dome    device.Dome
	mount   device.Mount
	weather device.WeatherStation
	cfg     config.ObservatoryConfig
	logger  *slog.Logger

	mu     sync.Mutex
	status Status

	subMu sync.Mutex
	subs  map[chan Status]struct{}
}

// New creates an aggregator over the dome, mount and weather ports of rig.
func New(ctrl scheduler.ControlPort, rig device.Rig, cfg config.ObservatoryConfig, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		ctrl:    ctrl,
		dome:    rig.Dome,
		mount:   rig.Mount,
		weather: rig.Weather,
		cfg:     cfg,
		logger:  logger.With("component", "observatory"),
		status: Status{
			Dome:      DomeIdle,
			Weather:   WeatherOK,
			Scheduler: ctrl.Status(),
		},
		subs: make(map[chan Status]struct{}),
	}
}

// Run polls every PollInterval and follows scheduler status events until ctx
// is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	a.logger.Info("observatory monitor started", "poll_interval", a.cfg.PollInterval)
	events := a.ctrl.Subscribe(ctx)

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("observatory monitor stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.update(func(s *Status) { s.Scheduler = ev.Status })
		case <-ticker.C:
			a.Poll(ctx)
		}
	}
}

// Poll reads the dome and weather once and acts on a weather change.
func (a *Aggregator) Poll(ctx context.Context) {
	dome := a.readDome(ctx)
	weather := a.readWeather(ctx)

	var previous WeatherState
	a.update(func(s *Status) {
		previous = s.Weather
		s.Dome = dome
		s.Weather = weather
		s.Scheduler = a.ctrl.Status()
	})

	if weather == previous {
		return
	}
	a.logger.Info("weather status changed", "from", previous, "to", weather)
	switch weather {
	case WeatherWarning:
		a.act(ctx, a.cfg.WarningActions, weather)
	case WeatherAlert:
		a.act(ctx, a.cfg.AlertActions, weather)
	}
}

func (a *Aggregator) readDome(ctx context.Context) DomeStatus {
	if a.dome == nil {
		return DomeIdle
	}
	status, err := a.dome.ParkStatus(ctx)
	if err != nil {
		a.logger.Debug("dome status unavailable", "error", err)
		return DomeIdle
	}
	switch status {
	case device.Parked:
		return DomeClosed
	case device.Parking:
		return DomeClosing
	case device.Unparking:
		return DomeOpening
	case device.Unparked:
		return DomeReady
	}
	return DomeIdle
}

// readWeather treats a missing report as OK, the same way job scoring does.
func (a *Aggregator) readWeather(ctx context.Context) WeatherState {
	if a.weather == nil {
		return WeatherOK
	}
	status, err := a.weather.Status(ctx)
	if err != nil {
		a.logger.Debug("weather status unavailable", "error", err)
		return WeatherOK
	}
	switch status {
	case device.WeatherBusy:
		return WeatherWarning
	case device.WeatherAlert:
		return WeatherAlert
	}
	return WeatherOK
}

// act runs the configured actions for a weather state. Requests the
// scheduler rejects because of its phase are not errors.
func (a *Aggregator) act(ctx context.Context, actions config.WeatherActions, weather WeatherState) {
	var done []string
	var phaseErr *model.InvalidPhaseError

	if actions.PauseScheduler {
		if err := a.ctrl.Pause(); err != nil && !errors.As(err, &phaseErr) {
			a.logger.Warn("pause scheduler failed", "error", err)
		} else if err == nil {
			done = append(done, "pause_scheduler")
		}
	}
	if actions.StopScheduler {
		if err := a.ctrl.Stop(ctx); err != nil && !errors.As(err, &phaseErr) {
			a.logger.Warn("stop scheduler failed", "error", err)
		} else if err == nil {
			done = append(done, "stop_scheduler")
		}
	}
	if actions.ParkMount && a.mount != nil {
		if err := a.mount.Park(ctx); err != nil {
			a.logger.Warn("park mount failed", "error", err)
		} else {
			done = append(done, "park_mount")
		}
	}
	if actions.CloseDome && a.dome != nil {
		if err := a.dome.Park(ctx); err != nil {
			a.logger.Warn("close dome failed", "error", err)
		} else {
			done = append(done, "close_dome")
		}
	}

	if len(done) == 0 {
		return
	}
	a.logger.Warn("weather actions taken", "weather", weather, "actions", done)
	a.update(func(s *Status) {
		s.LastAction = string(weather) + ": " + strings.Join(done, ",")
		s.Scheduler = a.ctrl.Status()
	})
}

// update applies fn under the lock and publishes the result when it changed.
func (a *Aggregator) update(fn func(*Status)) {
	a.mu.Lock()
	before := a.status
	fn(&a.status)
	changed := before.Dome != a.status.Dome ||
		before.Weather != a.status.Weather ||
		before.LastAction != a.status.LastAction ||
		before.Scheduler.Phase != a.status.Scheduler.Phase ||
		before.Scheduler.CurrentJobID != a.status.Scheduler.CurrentJobID ||
		before.Scheduler.ShutdownPhase != a.status.Scheduler.ShutdownPhase
	if changed {
		a.status.UpdatedAt = time.Now().UTC()
	}
	snapshot := a.status
	a.mu.Unlock()

	if changed {
		a.publish(snapshot)
	}
}

// Status returns the current aggregated status.
func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// OnStatusChanged returns a channel receiving every status change until ctx
// ends. Events for a slow reader are dropped.
func (a *Aggregator) OnStatusChanged(ctx context.Context) <-chan Status {
	ch := make(chan Status, 8)
	a.subMu.Lock()
	a.subs[ch] = struct{}{}
	a.subMu.Unlock()

	go func() {
		<-ctx.Done()
		a.subMu.Lock()
		delete(a.subs, ch)
		close(ch)
		a.subMu.Unlock()
	}()
	return ch
}

func (a *Aggregator) publish(s Status) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for ch := range a.subs {
		select {
		case ch <- s:
		default:
		}
	}
}
