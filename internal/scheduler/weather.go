package scheduler

import (
	"context"
	"time"

	"github.com/me/obsched/internal/device"
	"github.com/me/obsched/pkg/model"
)

// PollWeather reads the weather station once. A status change is logged; an
// ALERT aborts the running job and starts the shutdown procedure at once.
func (c *Controller) PollWeather(ctx context.Context) {
	if c.rig.Weather == nil {
		return
	}
	c.locked(func(now time.Time) {
		// Weather is not watched while the observatory sleeps through a
		// pre-emptive shutdown.
		if c.preemptive {
			return
		}

		status, err := c.rig.Weather.Status(ctx)
		if err != nil {
			c.logger.Debug("weather status unavailable", "error", err)
			status = device.WeatherIdle
		}

		switch status {
		case device.WeatherOK, device.WeatherBusy, device.WeatherAlert:
			c.noWeatherUpdates = 0
		default:
			c.noWeatherUpdates++
			if c.noWeatherUpdates >= c.cfg.WeatherNoUpdateWarning {
				c.logger.Warn("no weather updates received",
					"polls", c.noWeatherUpdates, "period", c.cfg.WeatherPeriod)
				c.noWeatherUpdates = 0
			}
		}

		if status != c.weather {
			c.weather = status
			switch status {
			case device.WeatherOK:
				c.logger.Info("weather conditions are OK")
			case device.WeatherBusy:
				c.logger.Warn("weather conditions are in the warning zone")
			case device.WeatherAlert:
				c.logger.Warn("weather conditions are in the danger zone")
			}
		}

		if status != device.WeatherAlert || c.phase == model.SchedulerIdle || c.shutdown.Phase.InProgress() {
			return
		}
		c.logger.Warn("starting shutdown procedure due to severe weather")
		if job := c.current; job != nil {
			c.exec.StopAction(ctx, job)
			c.exec.StopGuiding(ctx, job)
			if job.State.Order() <= model.JobStateBusy.Order() {
				job.SetState(model.JobStateAborted)
			}
			job.Stage = model.StageIdle
		}
		c.beginShutdown(ctx, now)
	})
}

// Weather returns the last weather status seen by the controller.
func (c *Controller) Weather() device.WeatherStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weather
}
