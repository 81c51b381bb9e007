// Package scoring computes how desirable it is to run a job at a given time.
//
// A score is a signed 16-bit value. Negative scores mean the job is not
// viable at that time; model.BadScore marks a hard failure.
package scoring

import (
	"log/slog"
	"math"
	"time"

	"github.com/me/obsched/internal/almanac"
	"github.com/me/obsched/internal/config"
	"github.com/me/obsched/internal/device"
	"github.com/me/obsched/pkg/model"
)

const (
	searchStep    = time.Minute
	searchHorizon = 24 * time.Hour

	// culminationRetry is the shift applied when a transit is already past.
	culminationRetry = 8 * time.Hour
	// maxCulminationRetries bounds the search to a little over a day.
	maxCulminationRetries = 4
)

// Engine scores jobs against the sky of one site.
type Engine struct {
	oracle        almanac.Oracle
	preDawnMargin time.Duration
	settingCutoff float64
	leadTime      time.Duration
	logger        *slog.Logger
}

// NewEngine creates a scoring engine using the given oracle and policy.
func NewEngine(oracle almanac.Oracle, cfg config.SchedulerConfig, logger *slog.Logger) *Engine {
	return &Engine{
		oracle:        oracle,
		preDawnMargin: cfg.PreDawnMargin,
		settingCutoff: cfg.SettingAltitudeCutoff,
		leadTime:      cfg.LeadTime,
		logger:        logger.With("component", "scoring"),
	}
}

// Oracle returns the almanac the engine scores against.
func (e *Engine) Oracle() almanac.Oracle { return e.oracle }

// DarkSkyScore rates t against astronomical twilight.
//
// Between the pre-dawn margin and dawn the score is mildly negative. Before
// dawn and after dusk it grows with the distance from the twilight boundary.
// During daylight it is model.BadScore.
func (e *Engine) DarkSkyScore(t time.Time) int16 {
	dawn, dusk := e.oracle.DawnDusk(t)
	earlyDawn := dawn - e.preDawnMargin.Minutes()/1440
	now := almanac.DayFraction(t, e.oracle.Location())

	switch {
	case earlyDawn <= now && now < dawn:
		return model.BadScore / 50
	case now < dawn:
		return int16((dawn - now) * 100)
	case now > dusk:
		return int16((now - dusk) * 100)
	default:
		return model.BadScore
	}
}

// AltitudeScore rates the target altitude of job at t.
func (e *Engine) AltitudeScore(job *model.Job, t time.Time) int16 {
	alt := e.oracle.Altitude(job.Target, t)

	if alt < 0 {
		return model.BadScore
	}
	if job.MinAltitude > 0 {
		if alt < job.MinAltitude {
			return model.BadScore
		}
		if e.setting(job, t) && alt-e.settingCutoff < job.MinAltitude {
			return model.BadScore / 2
		}
		return altitudeCurve(alt, job.MinAltitude)
	}
	if alt < model.DefaultMinAltitude {
		return int16(alt / 10)
	}
	return altitudeCurve(alt, model.DefaultMinAltitude)
}

func altitudeCurve(alt, minAlt float64) int16 {
	return int16(math.Round(1.5*math.Pow(1.06, alt) - minAlt/10))
}

// setting reports whether the target has crossed the meridian at t.
func (e *Engine) setting(job *model.Job, t time.Time) bool {
	return e.oracle.HourAngle(job.Target, t) > 0
}

// MoonSeparationScore rates the Moon's interference with the target of job
// at t, in the range 0..20 or model.BadScore when the job's minimum
// separation is violated.
func (e *Engine) MoonSeparationScore(job *model.Job, t time.Time) int16 {
	moon := e.oracle.Moon(job.Target, t)
	targetAlt := e.oracle.Altitude(job.Target, t)

	zMoon := 90 - moon.Altitude
	zTarget := 90 - targetAlt

	effect := 100.0
	if zMoon != zTarget && moon.Illumination != 0 && zMoon < 90 {
		effect = math.Pow(moon.Separation, 1.7) * math.Sqrt(zMoon) /
			(math.Pow(zTarget, 1.1) * math.Sqrt(moon.Illumination))
		if math.IsNaN(effect) {
			effect = 0
		}
		effect = math.Max(0, math.Min(100, effect))
	}

	score := int16(effect)
	if job.MinMoonSeparation > 0 && moon.Separation < job.MinMoonSeparation {
		score = model.BadScore * 5
	}
	return score / 5
}

// JobScore combines the darkness, altitude and Moon sub-scores of job at t.
// Jobs that need no light frames always score model.CalibrationScore.
//
// As soon as the running total is negative the remaining sub-scores are not
// computed, so a failing total is exactly the first failing component.
func (e *Engine) JobScore(job *model.Job, t time.Time) int16 {
	if !job.LightFramesRequired {
		return model.CalibrationScore
	}

	var total int16
	if job.EnforceTwilight {
		dark := e.DarkSkyScore(t)
		e.logger.Debug("dark sky score", "job", job.Name, "score", dark, "at", t)
		total += dark
	}
	if total >= 0 && job.Pipeline != model.StepNone {
		alt := e.AltitudeScore(job, t)
		e.logger.Debug("altitude score", "job", job.Name, "score", alt, "at", t)
		total += alt
	}
	if total >= 0 {
		moon := e.MoonSeparationScore(job, t)
		e.logger.Debug("moon separation score", "job", job.Name, "score", moon, "at", t)
		total += moon
	}

	e.logger.Debug("job score", "job", job.Name, "score", total, "at", t)
	return total
}

// WeatherViable reports whether the weather allows job to run.
//
// Only ALERT blocks a job, and only when the job enforces weather. A BUSY
// (warning) status is accepted with a log line, and a missing report is
// treated optimistically.
func (e *Engine) WeatherViable(job *model.Job, status device.WeatherStatus) bool {
	if !job.EnforceWeather {
		return true
	}
	switch status {
	case device.WeatherAlert:
		return false
	case device.WeatherBusy:
		e.logger.Warn("weather warning, job allowed to run", "job", job.Name)
	}
	return true
}

// FindAltitudeTime scans forward from from, one minute at a time over a day,
// for the first time the target of job is at or above minAlt while the Moon
// separation constraint holds. Times where the target is setting within the
// altitude cutoff are skipped.
func (e *Engine) FindAltitudeTime(job *model.Job, minAlt, minMoon float64, from time.Time) (time.Time, bool) {
	for off := time.Duration(0); off < searchHorizon; off += searchStep {
		t := from.Add(off)
		alt := e.oracle.Altitude(job.Target, t)
		if alt < minAlt {
			continue
		}
		if minMoon > 0 && e.MoonSeparationScore(job, t) < 0 {
			continue
		}
		if e.setting(job, t) && alt-e.settingCutoff < minAlt {
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

// Culmination returns the transit of the target of job shifted by its
// culmination offset. When that time, relaxed by the lead time, is earlier
// than from, the search restarts eight hours later.
func (e *Engine) Culmination(job *model.Job, from time.Time) (time.Time, bool) {
	return e.culmination(job, from, 0)
}

func (e *Engine) culmination(job *model.Job, from time.Time, depth int) (time.Time, bool) {
	if depth > maxCulminationRetries {
		return time.Time{}, false
	}
	transit := e.oracle.TransitTime(job.Target, from)
	observation := transit.Add(time.Duration(job.CulminationOffset) * time.Minute)
	relaxed := observation.Add(e.leadTime)

	if relaxed.Before(from) {
		e.logger.Debug("startup is after transit, shifting by 8 hours",
			"job", job.Name, "from", from, "transit", relaxed)
		return e.culmination(job, from.Add(culminationRetry), depth+1)
	}
	return observation, true
}

// PreDawn returns the next astronomical dawn after now, minus the pre-dawn
// margin.
func (e *Engine) PreDawn(now time.Time) time.Time {
	loc := e.oracle.Location()
	dawn, _ := e.oracle.DawnDusk(now)
	next := almanac.AtDayFraction(now, loc, dawn)
	if !next.After(now) {
		tomorrow := now.AddDate(0, 0, 1)
		dawn, _ = e.oracle.DawnDusk(tomorrow)
		next = almanac.AtDayFraction(tomorrow, loc, dawn)
	}
	return next.Add(-e.preDawnMargin)
}
