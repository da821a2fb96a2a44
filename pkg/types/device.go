package types

import (
	"fmt"
	"strings"
	"time"
)

// RunMode is the commanded run state of a water heater.
type RunMode int

const (
	RunModeOff RunMode = iota
	RunModeHeat
)

func (m RunMode) String() string {
	switch m {
	case RunModeOff:
		return "off"
	case RunModeHeat:
		return "heat"
	}
	return fmt.Sprintf("RunMode(%d)", int(m))
}

// ParseRunMode parses the textual form used by the MQTT and HTTP surfaces.
func ParseRunMode(s string) (RunMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return RunModeOff, nil
	case "heat":
		return RunModeHeat, nil
	}
	return RunModeOff, &ValidationError{Field: "mode", Value: s, Reason: "must be off or heat"}
}

// MarshalText implements encoding.TextMarshaler.
func (m RunMode) MarshalText() ([]byte, error) {
	switch m {
	case RunModeOff, RunModeHeat:
		return []byte(m.String()), nil
	}
	return nil, fmt.Errorf("invalid run mode: %d", int(m))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *RunMode) UnmarshalText(b []byte) error {
	parsed, err := ParseRunMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Action is the human readable activity derived from run mode and the
// vendor operation status.
type Action string

const (
	ActionIdle    Action = "idle"
	ActionHeating Action = "heating"
	ActionOff     Action = "off"
	ActionCooling Action = "cooling"
)

// Availability is published to the sink when a device goes on or offline.
type Availability string

const (
	AvailabilityOnline  Availability = "online"
	AvailabilityOffline Availability = "offline"
)

// Source identifies who caused a state change.
type Source string

const (
	SourceAutomation Source = "automation"
	SourceUser       Source = "user"
)

// DeviceSnapshot is one element of an upstream state fetch.
type DeviceSnapshot struct {
	ID                 string
	Name               string
	CommandID          string
	SettingTemperature *float64
	CurrentTemperature *float64
	Mode               RunMode
	OperationStatus    int
}

// Device is the in-memory state of one controlled unit. It is owned by the
// registry and only mutated through the registry.
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CommandID string `json:"commandID"`

	// CurrentTemperature is nil until the first successful poll.
	CurrentTemperature *float64 `json:"currentTemperature"`
	SettingTemperature *float64 `json:"settingTemperature"`
	Mode               RunMode  `json:"mode"`
	OperationStatus    int      `json:"operationStatus"`
	Action             Action   `json:"action"`
	OperationLabel     string   `json:"operationLabel"`

	Available   bool      `json:"available"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Command is a partial update sent upstream. Nil fields are left unchanged
// by the vendor service.
type Command struct {
	RunMode            *RunMode
	SettingTemperature *float64
}

// Empty returns true if the command would not change anything.
func (c Command) Empty() bool {
	return c.RunMode == nil && c.SettingTemperature == nil
}

// StateChange is what the sink receives. Only DeviceID and Source are
// required.
type StateChange struct {
	DeviceID           string
	SettingTemperature *float64
	CurrentTemperature *float64
	Mode               *RunMode
	Action             *Action
	OperationLabel     *string
	Source             Source
}

// StateChangeFromDevice builds a full state change out of a device.
func StateChangeFromDevice(d Device, source Source) StateChange {
	mode := d.Mode
	action := d.Action
	label := d.OperationLabel
	return StateChange{
		DeviceID:           d.ID,
		SettingTemperature: d.SettingTemperature,
		CurrentTemperature: d.CurrentTemperature,
		Mode:               &mode,
		Action:             &action,
		OperationLabel:     &label,
		Source:             source,
	}
}

// Complete returns true if the change describes the whole device, as built by
// StateChangeFromDevice. Temperatures may still be unknown.
func (c StateChange) Complete() bool {
	return c.Mode != nil && c.Action != nil && c.OperationLabel != nil
}

// Float returns a pointer to f.
func Float(f float64) *float64 {
	return &f
}

// Mode returns a pointer to m.
func Mode(m RunMode) *RunMode {
	return &m
}
