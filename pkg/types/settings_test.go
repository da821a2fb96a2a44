package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateSettings(t *testing.T) {
	t.Run("v1: initial defaults", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{}, 0)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 50.0, s.BaseTemperature)
		assert.Equal(t, 6.0, s.HeatingDurationHours)
		assert.Equal(t, 0.0, s.Amplitude)
		assert.Equal(t, ShapeGradual, s.Shape)
	})

	t.Run("v1 to v2: legacy season names", func(t *testing.T) {
		old := Settings{
			BaseTemperature:      55,
			HeatingDurationHours: 4,
			SeasonPreset:         "Printemps/Automne",
		}
		s, changed, err := MigrateSettings(old, 1)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, SeasonSpringAutumn, s.SeasonPreset)
		assert.Equal(t, 55.0, s.BaseTemperature)
	})

	t.Run("no change: current version", func(t *testing.T) {
		current := Settings{
			BaseTemperature:      50,
			Amplitude:            8,
			HeatingDurationHours: 6,
			SeasonPreset:         SeasonWinter,
		}
		s, changed, err := MigrateSettings(current, CurrentSettingsVersion)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, current, s)
	})
}

func TestSettingsJSON(t *testing.T) {
	s := Settings{
		BaseTemperature:      50,
		Amplitude:            8,
		HeatingDurationHours: 6,
		Shape:                ShapeStep,
		ForcedSetpoints:      map[string]float64{"123": 45},
	}
	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"shape":"step"`)

	var got Settings
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, s, got)

	err = json.Unmarshal([]byte(`{"shape":"zigzag"}`), &got)
	require.Error(t, err)
}

func TestSettingsValidate(t *testing.T) {
	valid := Settings{BaseTemperature: 50, Amplitude: 8, HeatingDurationHours: 6}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.ForcedSetpoints = map[string]float64{"1": 70}
	var verr *ValidationError
	require.ErrorAs(t, bad.Validate(), &verr)
	assert.Equal(t, "temperature", verr.Field)

	bad = valid
	bad.HeatingDurationHours = 0.5
	require.ErrorAs(t, bad.Validate(), &verr)
	assert.Equal(t, "heating duration", verr.Field)
}
