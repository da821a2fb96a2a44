package types

import (
	"fmt"
	"strings"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 2

// Shape selects how the target setpoint moves across the heating window.
type Shape int

const (
	// ShapeGradual rises from the floor to the base temperature at the
	// window midpoint and falls back by the end.
	ShapeGradual Shape = iota
	// ShapeStep holds the base temperature for the whole window.
	ShapeStep
	// ShapeRamp rises to the base temperature by the midpoint and holds it.
	//
	// Deprecated: kept so old settings keep loading, use ShapeGradual.
	ShapeRamp
)

func (s Shape) String() string {
	switch s {
	case ShapeGradual:
		return "gradual"
	case ShapeStep:
		return "step"
	case ShapeRamp:
		return "ramp"
	}
	return fmt.Sprintf("Shape(%d)", int(s))
}

// ParseShape parses the textual shape name.
func ParseShape(s string) (Shape, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gradual", "":
		return ShapeGradual, nil
	case "step":
		return ShapeStep, nil
	case "ramp":
		return ShapeRamp, nil
	}
	return ShapeGradual, &ValidationError{Field: "shape", Value: s, Reason: "must be gradual, step or ramp"}
}

// MarshalText implements encoding.TextMarshaler.
func (s Shape) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Shape) UnmarshalText(b []byte) error {
	parsed, err := ParseShape(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Season presets selectable from the UI. Each maps to a heating duration.
const (
	SeasonWinter       = "winter"
	SeasonSpringAutumn = "spring_autumn"
	SeasonSummer       = "summer"
)

// DefaultSeasonPresets are the heating durations (in hours) used when none
// are configured.
var DefaultSeasonPresets = map[string]float64{
	SeasonWinter:       6,
	SeasonSpringAutumn: 4,
	SeasonSummer:       3,
}

// Settings are the regulation parameters persisted between restarts. These
// can be changed at runtime from MQTT or the HTTP API.
type Settings struct {
	BaseTemperature      float64 `json:"baseTemperature"`
	Amplitude            float64 `json:"amplitude"`
	HeatingDurationHours float64 `json:"heatingDurationHours"`
	Shape                Shape   `json:"shape"`

	// SeasonPreset is informational once applied, the duration is what
	// the controller uses.
	SeasonPreset string `json:"seasonPreset,omitempty"`

	// ForcedSetpoints are user overrides keyed by device ID.
	ForcedSetpoints map[string]float64 `json:"forcedSetpoints,omitempty"`
}

// Validate checks the persisted values.
func (s Settings) Validate() error {
	if err := ValidateTemperature(s.BaseTemperature); err != nil {
		return err
	}
	if err := ValidateAmplitude(s.Amplitude); err != nil {
		return err
	}
	if err := ValidateHeatingDuration(s.HeatingDurationHours); err != nil {
		return err
	}
	for id, v := range s.ForcedSetpoints {
		if err := ValidateTemperature(v); err != nil {
			return fmt.Errorf("forced setpoint for %s: %w", id, err)
		}
	}
	return nil
}

var legacySeasonNames = map[string]string{
	"hiver":             SeasonWinter,
	"printemps/automne": SeasonSpringAutumn,
	"été":               SeasonSummer,
	"ete":               SeasonSummer,
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.BaseTemperature == 0 {
				s.BaseTemperature = 50
				migrated = true
			}
			if s.HeatingDurationHours == 0 {
				s.HeatingDurationHours = 6
				migrated = true
			}
			// amplitude 0 is a valid choice so it isn't defaulted
		case 2:
			// version 2: season presets use stable keys
			if s.SeasonPreset != "" {
				if key, ok := legacySeasonNames[strings.ToLower(s.SeasonPreset)]; ok {
					s.SeasonPreset = key
					migrated = true
				}
			}
		default:
			return s, migrated, fmt.Errorf("unknown settings version: %d", version)
		}
	}
	return s, migrated, nil
}
