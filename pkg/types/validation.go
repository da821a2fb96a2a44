package types

import "fmt"

// Accepted ranges for inbound commands.
const (
	MinTemperature     = 30.0
	MaxTemperature     = 60.0
	MinAmplitude       = 0.0
	MaxAmplitude       = 20.0
	MinHeatingDuration = 1.0
	MaxHeatingDuration = 24.0
)

// ValidationError is returned when an inbound command is out of range. Values
// are never clamped.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func validateRange(field string, v, lo, hi float64, unit string) error {
	if v != v || v < lo || v > hi {
		return &ValidationError{
			Field:  field,
			Value:  v,
			Reason: fmt.Sprintf("must be within [%g, %g]%s", lo, hi, unit),
		}
	}
	return nil
}

// ValidateTemperature checks a user supplied setpoint.
func ValidateTemperature(v float64) error {
	return validateRange("temperature", v, MinTemperature, MaxTemperature, "°")
}

// ValidateAmplitude checks a curve amplitude.
func ValidateAmplitude(v float64) error {
	return validateRange("amplitude", v, MinAmplitude, MaxAmplitude, "°")
}

// ValidateHeatingDuration checks a heating window length in hours.
func ValidateHeatingDuration(v float64) error {
	return validateRange("heating duration", v, MinHeatingDuration, MaxHeatingDuration, "h")
}
