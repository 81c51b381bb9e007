package constraint

import "time"

// Context holds the sky and site values visible to a constraint expression.
type Context struct {
	// Altitude is the target altitude in degrees.
	Altitude float64

	// HourAngle is the target hour angle in hours, positive after transit.
	HourAngle float64

	Moon MoonContext

	// Weather is the last weather status string (OK, BUSY, ALERT, IDLE).
	Weather string

	Now time.Time
}

// MoonContext is exposed to expressions as the `moon` object.
type MoonContext struct {
	Separation   float64
	Altitude     float64
	Illumination float64
}
