package types

import "time"

// CommandRecord is one command accepted by upstream, kept for the history
// view.
type CommandRecord struct {
	Timestamp          time.Time `json:"timestamp"`
	DeviceID           string    `json:"deviceID"`
	SettingTemperature *float64  `json:"settingTemperature,omitempty"`
	Mode               *RunMode  `json:"mode,omitempty"`
	Source             Source    `json:"source"`
	Explanation        string    `json:"explanation,omitempty"`
}

// CommandRecordFrom builds the record of cmd being applied to deviceID.
func CommandRecordFrom(ts time.Time, deviceID string, cmd Command, source Source, explanation string) CommandRecord {
	rec := CommandRecord{
		Timestamp:   ts,
		DeviceID:    deviceID,
		Source:      source,
		Explanation: explanation,
	}
	if cmd.SettingTemperature != nil {
		rec.SettingTemperature = Float(*cmd.SettingTemperature)
	}
	if cmd.RunMode != nil {
		rec.Mode = Mode(*cmd.RunMode)
	}
	return rec
}
