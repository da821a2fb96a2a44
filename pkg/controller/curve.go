package controller

import (
	"math"
	"time"

	"github.com/yutampo/yutampo/pkg/types"
)

// HeatingWindow is the [Start, End) range of hours around the hottest hour
// of the day. Start and End are always within [0, 24) and the window wraps
// past midnight when Start > End.
type HeatingWindow struct {
	Start    float64
	End      float64
	Center   float64
	Duration float64
}

// NewHeatingWindow centers a window of duration hours on hottestHour.
func NewHeatingWindow(hottestHour, duration float64) HeatingWindow {
	duration = math.Min(math.Max(duration, 0), 24)
	center := normalizeHour(hottestHour)
	return HeatingWindow{
		Start:    normalizeHour(center - duration/2),
		End:      normalizeHour(center + duration/2),
		Center:   center,
		Duration: duration,
	}
}

func normalizeHour(h float64) float64 {
	h = math.Mod(h, 24)
	if h < 0 {
		h += 24
	}
	// -1e-15 + 24 rounds to 24
	if h >= 24 {
		h = 0
	}
	return h
}

// HourOf returns the hour of t in its location with minute resolution.
func HourOf(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60
}

// Contains reports whether hour is within the window.
func (w HeatingWindow) Contains(hour float64) bool {
	if w.Duration >= 24 {
		return true
	}
	if w.Duration <= 0 {
		return false
	}
	hour = normalizeHour(hour)
	if w.Start <= w.End {
		return hour >= w.Start && hour < w.End
	}
	return hour >= w.Start || hour < w.End
}

// Progress returns how far hour is through the window, clamped to [0, 1].
func (w HeatingWindow) Progress(hour float64) float64 {
	if w.Duration <= 0 {
		return 0
	}
	offset := normalizeHour(hour) - w.Start
	if offset < 0 {
		offset += 24
	}
	return math.Min(math.Max(offset/w.Duration, 0), 1)
}

// Curve computes the target setpoint for a time of day.
type Curve struct {
	Base      float64
	Amplitude float64
	Shape     types.Shape
}

// Floor is the setpoint used outside the heating window.
func (c Curve) Floor() float64 {
	return c.Base - c.Amplitude
}

// Target returns the setpoint for hour given the window. An amplitude of
// zero or less disables the curve and always returns Base.
func (c Curve) Target(w HeatingWindow, hour float64) float64 {
	if c.Amplitude <= 0 {
		return c.Base
	}
	if !w.Contains(hour) {
		return c.Floor()
	}
	p := w.Progress(hour)
	switch c.Shape {
	case types.ShapeStep:
		return c.Base
	case types.ShapeRamp:
		return c.along(math.Min(2*p, 1))
	default:
		// rise to Base at the center then fall back symmetrically
		return c.along(1 - math.Abs(2*p-1))
	}
}

// along returns the setpoint at fraction f of the way from Floor to Base.
func (c Curve) along(f float64) float64 {
	switch {
	case f <= 0:
		return c.Floor()
	case f >= 1:
		return c.Base
	}
	return math.Round((c.Floor()+c.Amplitude*f)*10) / 10
}
