// Package almanactest provides a controllable almanac.Oracle for tests.
package almanactest

import (
	"sync"
	"time"

	"github.com/me/obsched/internal/almanac"
	"github.com/me/obsched/pkg/model"
)

// Oracle returns configured values instead of computing ephemerides.
// The zero value reports every target at 0 degrees with no darkness.
type Oracle struct {
	mu sync.Mutex

	Alt       float64
	AltFunc   func(target model.Coordinates, t time.Time) float64
	HA        float64
	HAFunc    func(target model.Coordinates, t time.Time) float64
	Dawn      float64
	Dusk      float64
	MoonInfo  almanac.MoonInfo
	TransitAt func(target model.Coordinates, t time.Time) time.Time
	Loc       *time.Location
}

// Night returns an oracle with dawn at 06:00 and dusk at 18:00 UTC, every
// target at alt degrees before transit, and the Moon below the horizon.
func Night(alt float64) *Oracle {
	return &Oracle{
		Alt:      alt,
		HA:       -2,
		Dawn:     0.25,
		Dusk:     0.75,
		MoonInfo: almanac.MoonInfo{Separation: 90, Altitude: -10, Illumination: 50},
	}
}

// SetAltitude changes the altitude reported for every target.
func (o *Oracle) SetAltitude(alt float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Alt = alt
	o.AltFunc = nil
}

func (o *Oracle) Altitude(target model.Coordinates, t time.Time) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.AltFunc != nil {
		return o.AltFunc(target, t)
	}
	return o.Alt
}

func (o *Oracle) HourAngle(target model.Coordinates, t time.Time) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.HAFunc != nil {
		return o.HAFunc(target, t)
	}
	return o.HA
}

func (o *Oracle) DawnDusk(time.Time) (float64, float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Dawn, o.Dusk
}

func (o *Oracle) Moon(model.Coordinates, time.Time) almanac.MoonInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.MoonInfo
}

// TransitTime defaults to 22:00 on the local date of t.
func (o *Oracle) TransitTime(target model.Coordinates, t time.Time) time.Time {
	if o.TransitAt != nil {
		return o.TransitAt(target, t)
	}
	lt := t.In(o.Location())
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 22, 0, 0, 0, o.Location())
}

func (o *Oracle) Location() *time.Location {
	if o.Loc == nil {
		return time.UTC
	}
	return o.Loc
}

var _ almanac.Oracle = (*Oracle)(nil)
