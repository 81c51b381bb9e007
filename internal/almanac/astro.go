package almanac

import (
	"math"
	"time"

	"github.com/soniakeys/meeus/v3/base"
	"github.com/soniakeys/meeus/v3/coord"
	"github.com/soniakeys/meeus/v3/julian"
	"github.com/soniakeys/meeus/v3/moonillum"
	"github.com/soniakeys/meeus/v3/moonposition"
	"github.com/soniakeys/meeus/v3/nutation"
	"github.com/soniakeys/meeus/v3/sidereal"
	"github.com/soniakeys/meeus/v3/solar"
	"github.com/soniakeys/unit"
)

// siderealRate is the sidereal degrees swept per solar day.
const siderealRate = 360.98564736629

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }

func normalize360(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}

func normalize180(d float64) float64 {
	d = normalize360(d)
	if d >= 180 {
		d -= 360
	}
	return d
}

func julianDay(t time.Time) float64 {
	return julian.TimeToJD(t.UTC())
}

// gast returns Greenwich apparent sidereal time in degrees.
func gast(jd float64) float64 {
	return normalize360(deg(sidereal.Apparent(jd).Rad()))
}

// altitude returns the altitude in degrees of an object at (raHours, dec)
// for local sidereal time lst (degrees) and latitude lat.
func altitude(raHours, dec, lst, lat float64) float64 {
	h := rad(lst - raHours*15)
	d := rad(dec)
	p := rad(lat)
	sinAlt := math.Sin(p)*math.Sin(d) + math.Cos(p)*math.Cos(d)*math.Cos(h)
	return deg(math.Asin(clamp(sinAlt, -1, 1)))
}

// sunPosition returns the Sun's apparent right ascension and declination in
// degrees.
func sunPosition(jd float64) (ra, dec float64) {
	α, δ := solar.ApparentEquatorial(jd)
	return normalize360(deg(α.Rad())), δ.Deg()
}

// moonState is the Moon's geocentric position at one instant.
type moonState struct {
	ra, dec float64 // degrees
	phase   unit.Angle
}

func moonPosition(jd float64) moonState {
	λ, β, _ := moonposition.Position(jd)
	ε := nutation.MeanObliquity(jd)
	sε, cε := math.Sincos(ε.Rad())
	α, δ := coord.EclToEq(λ, β, sε, cε)

	λ0 := solar.ApparentLongitude(base.J2000Century(jd))
	return moonState{
		ra:    normalize360(deg(α.Rad())),
		dec:   δ.Deg(),
		phase: moonillum.PhaseAngleEcl2(λ, β, λ0),
	}
}

// illumination returns the illuminated fraction of the Moon in percent.
func (m moonState) illumination() float64 {
	return base.Illuminated(m.phase) * 100
}

// angularDistance returns the separation in degrees between two equatorial
// positions given in degrees.
func angularDistance(ra1, dec1, ra2, dec2 float64) float64 {
	c := math.Sin(rad(dec1))*math.Sin(rad(dec2)) +
		math.Cos(rad(dec1))*math.Cos(rad(dec2))*math.Cos(rad(ra1-ra2))
	return deg(math.Acos(clamp(c, -1, 1)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
