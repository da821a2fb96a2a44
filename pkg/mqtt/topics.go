package mqtt

import (
	"fmt"
	"strings"
)

const (
	topicRoot = "yutampo"

	// TopicBridgeStatus carries "online" or "offline" for the whole bridge.
	// The broker publishes "offline" through the last will.
	TopicBridgeStatus = topicRoot + "/bridge/status"

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Regulation settings exposed as their own entities.
const (
	regulationAmplitude = "amplitude"
	regulationDuration  = "duration"
	regulationPreset    = "preset"
)

func climateTopic(deviceID, leaf string) string {
	return fmt.Sprintf("%s/climate/%s/%s", topicRoot, deviceID, leaf)
}

func regulationTopic(name, leaf string) string {
	return fmt.Sprintf("%s/regulation/%s/%s", topicRoot, name, leaf)
}

func discoveryTopic(prefix, component, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/config", prefix, component, objectID)
}

// subscriptions are the command topics the bridge listens on.
var subscriptions = []string{
	climateTopic("+", "set"),
	climateTopic("+", "mode/set"),
	climateTopic("+", "reset"),
	regulationTopic("+", "set"),
}

// commandKind identifies what an inbound message asks for.
type commandKind int

const (
	commandUnknown commandKind = iota
	commandTemperature
	commandMode
	commandReset
	commandAmplitude
	commandDuration
	commandPreset
)

// parseCommandTopic maps an inbound topic to a command and, for device
// commands, the device it targets.
func parseCommandTopic(topic string) (commandKind, string) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != topicRoot {
		return commandUnknown, ""
	}
	switch parts[1] {
	case "climate":
		id := parts[2]
		if id == "" {
			return commandUnknown, ""
		}
		switch strings.Join(parts[3:], "/") {
		case "set":
			return commandTemperature, id
		case "mode/set":
			return commandMode, id
		case "reset":
			return commandReset, id
		}
	case "regulation":
		if len(parts) != 4 || parts[3] != "set" {
			return commandUnknown, ""
		}
		switch parts[2] {
		case regulationAmplitude:
			return commandAmplitude, ""
		case regulationDuration:
			return commandDuration, ""
		case regulationPreset:
			return commandPreset, ""
		}
	}
	return commandUnknown, ""
}
