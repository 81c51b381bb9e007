// Package almanac provides the astronomical quantities the scheduler needs:
// target altitude and hour angle, astronomical dawn and dusk, Moon geometry
// and transit times.
package almanac

import (
	"time"

	"github.com/me/obsched/pkg/model"
)

// MoonInfo describes the Moon relative to a target at one instant.
type MoonInfo struct {
	Separation   float64 // degrees between Moon and target
	Altitude     float64 // Moon altitude in degrees
	Illumination float64 // illuminated fraction in percent, 0..100
}

// Oracle answers the astronomical questions asked by the scoring engine.
// Implementations must be safe for concurrent use.
type Oracle interface {
	// Altitude returns the target altitude in degrees at t.
	Altitude(target model.Coordinates, t time.Time) float64

	// HourAngle returns the target hour angle in hours at t, in [-12, 12).
	// Positive values mean the target has crossed the meridian.
	HourAngle(target model.Coordinates, t time.Time) float64

	// DawnDusk returns astronomical dawn and dusk for the local date of t,
	// as fractions of the local day in [0, 1].
	DawnDusk(t time.Time) (dawn, dusk float64)

	// Moon returns the Moon's separation from target, its altitude and its
	// illumination at t.
	Moon(target model.Coordinates, t time.Time) MoonInfo

	// TransitTime returns the meridian transit of target on the local date of t.
	TransitTime(target model.Coordinates, t time.Time) time.Time

	// Location is the site timezone used for day fractions.
	Location() *time.Location
}

// DayFraction returns the fraction of the local day elapsed at t.
func DayFraction(t time.Time, loc *time.Location) float64 {
	lt := t.In(loc)
	secs := lt.Hour()*3600 + lt.Minute()*60 + lt.Second()
	return (float64(secs) + float64(lt.Nanosecond())/1e9) / 86400
}

// AtDayFraction returns the instant at fraction f of the local date of t.
func AtDayFraction(t time.Time, loc *time.Location, f float64) time.Time {
	lt := t.In(loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	return midnight.Add(time.Duration(f * 86400 * float64(time.Second))).Round(time.Second)
}
