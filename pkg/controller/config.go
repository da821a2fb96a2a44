package controller

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/yutampo/yutampo/pkg/types"
)

// Config is the startup configuration of the controller.
type Config struct {
	// Interval between regulation cycles.
	Interval time.Duration
	// FallbackHottestHour is used when no forecast is available.
	FallbackHottestHour float64
	// Defaults are the settings used until persisted ones are restored.
	Defaults types.Settings
	// SeasonPresets maps a preset name to a heating duration in hours.
	SeasonPresets map[string]float64

	configErr error
}

// Configured registers the regulation flags.
func Configured() *Config {
	c := &Config{}

	interval := lflag.Duration("regulation-interval", 5*time.Minute, "Interval between regulation cycles")
	base := lflag.String("base-temperature", "50", "Setpoint at the hottest hour of the day")
	amplitude := lflag.String("amplitude", "8", "Degrees below the base temperature outside the heating window (0 disables the curve)")
	duration := lflag.String("heating-duration", "6", "Width of the heating window in hours")
	shape := lflag.String("regulation-shape", "gradual", "Shape of the curve inside the heating window (gradual, step)")
	fallback := lflag.String("fallback-hottest-hour", "15", "Hottest hour to assume when no forecast is available")
	presets := make(map[string]float64, len(types.DefaultSeasonPresets))
	for k, v := range types.DefaultSeasonPresets {
		presets[k] = v
	}
	lflag.JSON(&presets, "season-presets", presets, "JSON map of season preset name to heating duration in hours")

	lflag.Do(func() {
		c.Interval = *interval
		c.SeasonPresets = presets

		var err error
		parse := func(name, v string) float64 {
			if err != nil {
				return 0
			}
			var f float64
			f, err = strconv.ParseFloat(v, 64)
			if err != nil {
				err = fmt.Errorf("invalid %s (%q): %w", name, v, err)
			}
			return f
		}
		c.Defaults.BaseTemperature = parse("base-temperature", *base)
		c.Defaults.Amplitude = parse("amplitude", *amplitude)
		c.Defaults.HeatingDurationHours = parse("heating-duration", *duration)
		c.FallbackHottestHour = parse("fallback-hottest-hour", *fallback)
		if err != nil {
			c.configErr = err
			return
		}
		c.Defaults.Shape, c.configErr = types.ParseShape(*shape)
	})
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.configErr != nil {
		return c.configErr
	}
	if c.Interval <= 0 {
		return errors.New("regulation-interval must be positive")
	}
	if c.FallbackHottestHour < 0 || c.FallbackHottestHour >= 24 {
		return fmt.Errorf("fallback-hottest-hour must be within [0, 24): %v", c.FallbackHottestHour)
	}
	if err := c.Defaults.Validate(); err != nil {
		return err
	}
	for name, hours := range c.SeasonPresets {
		if err := types.ValidateHeatingDuration(hours); err != nil {
			return fmt.Errorf("season preset %s: %w", name, err)
		}
	}
	return nil
}
