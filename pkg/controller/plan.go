package controller

import (
	"time"

	"github.com/yutampo/yutampo/pkg/types"
)

// PlanStep is the target setpoint from At until the next step.
type PlanStep struct {
	At       time.Time `json:"at"`
	Hour     float64   `json:"hour"`
	Target   float64   `json:"target"`
	InWindow bool      `json:"inWindow"`
}

// Plan lays out the automatic targets for the day containing day, one step
// every resolution. A non-positive resolution defaults to 30 minutes.
func Plan(settings types.Settings, hottestHour float64, day time.Time, resolution time.Duration) []PlanStep {
	if resolution <= 0 {
		resolution = 30 * time.Minute
	}
	window := NewHeatingWindow(hottestHour, settings.HeatingDurationHours)
	curve := Curve{Base: settings.BaseTemperature, Amplitude: settings.Amplitude, Shape: settings.Shape}

	y, m, d := day.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)

	steps := make([]PlanStep, 0, int(24*time.Hour/resolution))
	for ts := start; ts.Before(end); ts = ts.Add(resolution) {
		hour := HourOf(ts)
		steps = append(steps, PlanStep{
			At:       ts,
			Hour:     hour,
			Target:   curve.Target(window, hour),
			InWindow: settings.Amplitude > 0 && window.Contains(hour),
		})
	}
	return steps
}

// Plan returns today's plan using the current settings and hottest hour.
func (c *Controller) Plan(resolution time.Duration) []PlanStep {
	c.mu.Lock()
	now := c.now()
	settings := c.settings
	hottest := c.hottestHour
	c.mu.Unlock()
	return Plan(settings, hottest, now, resolution)
}
