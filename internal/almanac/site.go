package almanac

import (
	"math"
	"sync"
	"time"

	"github.com/me/obsched/internal/config"
	"github.com/me/obsched/pkg/model"
)

// astronomicalTwilight is the Sun altitude bounding the dark sky.
const astronomicalTwilight = -18.0

// Site is an Oracle for a fixed observing location.
//
// Sun and Moon positions and sidereal time come from the Meeus algorithms.
// Target coordinates are used as given, with no precession or refraction,
// which is adequate for minute-level scheduling.
type Site struct {
	lat, lon float64
	loc      *time.Location

	mu       sync.Mutex
	twilight map[string][2]float64
}

// NewSite creates an Oracle for the configured site.
func NewSite(cfg config.SiteConfig) *Site {
	return &Site{
		lat:      cfg.Latitude,
		lon:      cfg.Longitude,
		loc:      cfg.Location(),
		twilight: make(map[string][2]float64),
	}
}

// Location implements Oracle.
func (s *Site) Location() *time.Location { return s.loc }

// Altitude implements Oracle.
func (s *Site) Altitude(target model.Coordinates, t time.Time) float64 {
	return altitude(target.RAHours, target.DecDegrees, s.lst(t), s.lat)
}

// HourAngle implements Oracle.
func (s *Site) HourAngle(target model.Coordinates, t time.Time) float64 {
	ha := normalize180(s.lst(t)-target.RAHours*15) / 15
	return ha
}

// DawnDusk implements Oracle. Results are cached per local date.
//
// A date without astronomical darkness returns (0, 1), which scores the
// whole day as daylight. A date that never leaves darkness returns (1, 1).
func (s *Site) DawnDusk(t time.Time) (float64, float64) {
	lt := t.In(s.loc)
	key := lt.Format("2006-01-02")

	s.mu.Lock()
	if v, ok := s.twilight[key]; ok {
		s.mu.Unlock()
		return v[0], v[1]
	}
	s.mu.Unlock()

	dawn, dusk := s.computeTwilight(lt)

	s.mu.Lock()
	s.twilight[key] = [2]float64{dawn, dusk}
	s.mu.Unlock()
	return dawn, dusk
}

func (s *Site) computeTwilight(lt time.Time) (float64, float64) {
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, s.loc)
	const steps = 24 * 60

	dawn, dusk := -1.0, -1.0
	sawDark, sawLight := false, false
	prev := s.sunAltitude(midnight)
	for m := 1; m <= steps; m++ {
		at := midnight.Add(time.Duration(m) * time.Minute)
		alt := s.sunAltitude(at)
		if alt < astronomicalTwilight {
			sawDark = true
		} else {
			sawLight = true
		}
		if prev < astronomicalTwilight && alt >= astronomicalTwilight && dawn < 0 {
			dawn = interpolateCrossing(m, prev, alt) / steps
		}
		if prev >= astronomicalTwilight && alt < astronomicalTwilight && dusk < 0 {
			dusk = interpolateCrossing(m, prev, alt) / steps
		}
		prev = alt
	}

	switch {
	case !sawDark:
		return 0, 1
	case !sawLight:
		return 1, 1
	}
	if dawn < 0 {
		dawn = 0
	}
	if dusk < 0 {
		dusk = 1
	}
	return dawn, dusk
}

// interpolateCrossing returns the fractional minute where the Sun crosses
// the twilight altitude between minute m-1 and m.
func interpolateCrossing(m int, prev, cur float64) float64 {
	if cur == prev {
		return float64(m)
	}
	return float64(m-1) + (astronomicalTwilight-prev)/(cur-prev)
}

// Moon implements Oracle.
func (s *Site) Moon(target model.Coordinates, t time.Time) MoonInfo {
	m := moonPosition(julianDay(t))
	return MoonInfo{
		Separation:   angularDistance(target.RAHours*15, target.DecDegrees, m.ra, m.dec),
		Altitude:     altitude(m.ra/15, m.dec, s.lst(t), s.lat),
		Illumination: m.illumination(),
	}
}

// TransitTime implements Oracle.
func (s *Site) TransitTime(target model.Coordinates, t time.Time) time.Time {
	lt := t.In(s.loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, s.loc)

	ha := normalize360(s.lst(midnight) - target.RAHours*15)
	until := math.Mod(360-ha, 360)
	secs := until / siderealRate * 86400
	return midnight.Add(time.Duration(secs * float64(time.Second))).Round(time.Second)
}

func (s *Site) lst(t time.Time) float64 {
	return normalize360(gast(julianDay(t)) + s.lon)
}

func (s *Site) sunAltitude(t time.Time) float64 {
	ra, dec := sunPosition(julianDay(t))
	return altitude(ra/15, dec, s.lst(t), s.lat)
}
