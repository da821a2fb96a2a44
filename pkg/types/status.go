package types

import "fmt"

// Operation status codes reported by the CSNet element list for a hot water
// unit.
const (
	OperationStatusStopped        = 0
	OperationStatusStandby        = 1
	OperationStatusHeatPump       = 2
	OperationStatusElectricHeater = 3
	OperationStatusDefrost        = 4
	OperationStatusAntiLegionella = 5
	OperationStatusAlarm          = 6
)

var operationLabels = map[int]string{
	OperationStatusStopped:        "Stopped",
	OperationStatusStandby:        "Standby",
	OperationStatusHeatPump:       "Heating (heat pump)",
	OperationStatusElectricHeater: "Heating (electric heater)",
	OperationStatusDefrost:        "Defrost",
	OperationStatusAntiLegionella: "Anti-legionella cycle",
	OperationStatusAlarm:          "Alarm",
}

// OperationLabel returns a readable label for a vendor operation status.
func OperationLabel(status int) string {
	if l, ok := operationLabels[status]; ok {
		return l
	}
	return fmt.Sprintf("Unknown (%d)", status)
}

// DeriveAction maps run mode and operation status to an Action.
func DeriveAction(mode RunMode, status int) Action {
	if mode == RunModeOff {
		return ActionOff
	}
	switch status {
	case OperationStatusHeatPump, OperationStatusElectricHeater, OperationStatusAntiLegionella:
		return ActionHeating
	case OperationStatusDefrost:
		// defrost pulls heat back out of the tank
		return ActionCooling
	default:
		return ActionIdle
	}
}
