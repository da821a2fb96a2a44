package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/yutampo/yutampo/pkg/log"
	"github.com/yutampo/yutampo/pkg/types"
)

const (
	manufacturer   = "Yutampo"
	model          = "RS32"
	regulationID   = "yutampo_regulation"
	regulationName = "Yutampo regulation"
)

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

type availability struct {
	Topic string `json:"topic"`
}

type climateConfig struct {
	Name                    string          `json:"name"`
	UniqueID                string          `json:"unique_id"`
	Modes                   []string        `json:"modes"`
	StateTopic              string          `json:"state_topic"`
	CurrentTemperatureTopic string          `json:"current_temperature_topic"`
	TemperatureCommandTopic string          `json:"temperature_command_topic"`
	TemperatureStateTopic   string          `json:"temperature_state_topic"`
	ModeStateTopic          string          `json:"mode_state_topic"`
	ModeCommandTopic        string          `json:"mode_command_topic"`
	ActionTopic             string          `json:"action_topic"`
	Availability            []availability  `json:"availability"`
	AvailabilityMode        string          `json:"availability_mode"`
	MinTemp                 float64         `json:"min_temp"`
	MaxTemp                 float64         `json:"max_temp"`
	TempStep                float64         `json:"temp_step"`
	TemperatureUnit         string          `json:"temperature_unit"`
	Device                  discoveryDevice `json:"device"`
}

type numberConfig struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	CommandTopic      string          `json:"command_topic"`
	StateTopic        string          `json:"state_topic"`
	AvailabilityTopic string          `json:"availability_topic"`
	Min               float64         `json:"min"`
	Max               float64         `json:"max"`
	Step              float64         `json:"step"`
	UnitOfMeasurement string          `json:"unit_of_measurement"`
	Mode              string          `json:"mode"`
	Device            discoveryDevice `json:"device"`
}

type selectConfig struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	CommandTopic      string          `json:"command_topic"`
	StateTopic        string          `json:"state_topic"`
	AvailabilityTopic string          `json:"availability_topic"`
	Options           []string        `json:"options"`
	Device            discoveryDevice `json:"device"`
}

type buttonConfig struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	CommandTopic      string          `json:"command_topic"`
	AvailabilityTopic string          `json:"availability_topic"`
	Device            discoveryDevice `json:"device"`
}

type discoveryMessage struct {
	topic   string
	payload any
}

func objectID(deviceID string) string {
	return "yutampo_" + deviceID
}

func heaterDevice(d types.Device) discoveryDevice {
	name := d.Name
	if name == "" {
		name = "Yutampo " + d.ID
	}
	return discoveryDevice{
		Identifiers:  []string{objectID(d.ID)},
		Name:         name,
		Manufacturer: manufacturer,
		Model:        model,
	}
}

// deviceDiscovery returns the climate entity and the reset button of one
// water heater.
func deviceDiscovery(prefix string, d types.Device) []discoveryMessage {
	dev := heaterDevice(d)
	oid := objectID(d.ID)
	return []discoveryMessage{
		{
			topic: discoveryTopic(prefix, "climate", oid),
			payload: climateConfig{
				Name:                    dev.Name,
				UniqueID:                oid,
				Modes:                   []string{types.RunModeOff.String(), types.RunModeHeat.String()},
				StateTopic:              climateTopic(d.ID, "state"),
				CurrentTemperatureTopic: climateTopic(d.ID, "current_temperature"),
				TemperatureCommandTopic: climateTopic(d.ID, "set"),
				TemperatureStateTopic:   climateTopic(d.ID, "temperature_state"),
				ModeStateTopic:          climateTopic(d.ID, "mode"),
				ModeCommandTopic:        climateTopic(d.ID, "mode/set"),
				ActionTopic:             climateTopic(d.ID, "hvac_action"),
				Availability: []availability{
					{Topic: TopicBridgeStatus},
					{Topic: climateTopic(d.ID, "availability")},
				},
				AvailabilityMode: "all",
				MinTemp:          types.MinTemperature,
				MaxTemp:          types.MaxTemperature,
				TempStep:         1,
				TemperatureUnit:  "C",
				Device:           dev,
			},
		},
		{
			topic: discoveryTopic(prefix, "button", oid+"_reset"),
			payload: buttonConfig{
				Name:              "Reset override",
				UniqueID:          oid + "_reset",
				CommandTopic:      climateTopic(d.ID, "reset"),
				AvailabilityTopic: TopicBridgeStatus,
				Device:            dev,
			},
		},
	}
}

// regulationDiscovery returns the entities controlling the heating curve.
func regulationDiscovery(prefix string, presets map[string]float64) []discoveryMessage {
	dev := discoveryDevice{
		Identifiers:  []string{regulationID},
		Name:         regulationName,
		Manufacturer: manufacturer,
		Model:        "Heating curve",
	}
	options := make([]string, 0, len(presets))
	for name := range presets {
		options = append(options, name)
	}
	sort.Strings(options)

	return []discoveryMessage{
		{
			topic: discoveryTopic(prefix, "number", regulationID+"_"+regulationAmplitude),
			payload: numberConfig{
				Name:              "Amplitude",
				UniqueID:          regulationID + "_" + regulationAmplitude,
				CommandTopic:      regulationTopic(regulationAmplitude, "set"),
				StateTopic:        regulationTopic(regulationAmplitude, "state"),
				AvailabilityTopic: TopicBridgeStatus,
				Min:               types.MinAmplitude,
				Max:               types.MaxAmplitude,
				Step:              0.5,
				UnitOfMeasurement: "°C",
				Mode:              "box",
				Device:            dev,
			},
		},
		{
			topic: discoveryTopic(prefix, "number", regulationID+"_"+regulationDuration),
			payload: numberConfig{
				Name:              "Heating duration",
				UniqueID:          regulationID + "_" + regulationDuration,
				CommandTopic:      regulationTopic(regulationDuration, "set"),
				StateTopic:        regulationTopic(regulationDuration, "state"),
				AvailabilityTopic: TopicBridgeStatus,
				Min:               types.MinHeatingDuration,
				Max:               types.MaxHeatingDuration,
				Step:              0.5,
				UnitOfMeasurement: "h",
				Mode:              "box",
				Device:            dev,
			},
		},
		{
			topic: discoveryTopic(prefix, "select", regulationID+"_"+regulationPreset),
			payload: selectConfig{
				Name:              "Season preset",
				UniqueID:          regulationID + "_" + regulationPreset,
				CommandTopic:      regulationTopic(regulationPreset, "set"),
				StateTopic:        regulationTopic(regulationPreset, "state"),
				AvailabilityTopic: TopicBridgeStatus,
				Options:           options,
				Device:            dev,
			},
		},
	}
}

// PublishDiscovery announces every device and the regulation controls to
// Home Assistant, then publishes the current regulation settings.
func (b *Bridge) PublishDiscovery(ctx context.Context, devices []types.Device) error {
	msgs := regulationDiscovery(b.cfg.DiscoveryPrefix, b.handler.SeasonPresets())
	for _, d := range devices {
		msgs = append(msgs, deviceDiscovery(b.cfg.DiscoveryPrefix, d)...)
	}
	for _, m := range msgs {
		payload, err := json.Marshal(m.payload)
		if err != nil {
			return fmt.Errorf("failed to encode discovery for %s: %w", m.topic, err)
		}
		if err := b.publish(m.topic, payload, true); err != nil {
			return fmt.Errorf("failed to publish discovery: %w", err)
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "published discovery", slog.Int("devices", len(devices)), slog.Int("messages", len(msgs)))
	b.PublishRegulation(ctx, b.handler.Settings())
	return nil
}
