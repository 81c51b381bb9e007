package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/obsched/internal/config"
)

// Loop drives a Controller from three timers: the scheduling tick, the
// weather poll and a wake-up for the end of a sleep.
type Loop struct {
	ctrl     *Controller
	config   config.SchedulerConfig
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewLoop creates a new scheduler loop.
func NewLoop(ctrl *Controller, cfg config.SchedulerConfig, logger *slog.Logger) *Loop {
	return &Loop{
		ctrl:   ctrl,
		config: cfg,
		logger: logger.With("component", "loop"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("scheduler loop started",
		"tick_interval", l.config.TickInterval, "weather_period", l.config.WeatherPeriod)
	defer close(l.doneCh)

	tick := time.NewTicker(l.config.TickInterval)
	defer tick.Stop()
	weather := time.NewTicker(l.config.WeatherPeriod)
	defer weather.Stop()
	wake := time.NewTimer(time.Hour)
	wake.Stop()
	defer wake.Stop()

	var armed time.Time
	rearm := func() {
		until := l.ctrl.SleepingUntil()
		if until.Equal(armed) {
			return
		}
		armed = until
		wake.Stop()
		if !until.IsZero() {
			l.logger.Debug("wake-up armed", "until", until)
			wake.Reset(max(time.Until(until), 0))
		}
	}

	l.ctrl.PollWeather(ctx)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler loop stopping (context cancelled)")
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler loop stopping (stop called)")
			return nil
		case <-tick.C:
			l.ctrl.Tick(ctx)
			rearm()
		case <-weather.C:
			l.ctrl.PollWeather(ctx)
			rearm()
		case <-wake.C:
			armed = time.Time{}
			l.ctrl.Tick(ctx)
			rearm()
		}
	}
}

// Stop shuts the loop down and waits for the current tick to finish.
func (l *Loop) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
	return nil
}
