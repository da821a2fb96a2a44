package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yutampo/yutampo/pkg/storage"
	"github.com/yutampo/yutampo/pkg/storage/storagemock"
	"github.com/yutampo/yutampo/pkg/types"
)

func TestInstance(t *testing.T) {
	ctx := context.Background()

	t.Run("NotStored", func(t *testing.T) {
		inst := storage.NewInstance(storage.NewMemory(), "home")
		_, found, err := inst.LoadSettings(ctx)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Migrates", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetSettings", mock.Anything, "home").Return(types.Settings{Amplitude: 5, SeasonPreset: "Hiver"}, 1, nil)
		db.On("SetSettings", mock.Anything, "home", mock.MatchedBy(func(s types.Settings) bool {
			return s.SeasonPreset == types.SeasonWinter
		}), types.CurrentSettingsVersion).Return(nil)

		settings, found, err := storage.NewInstance(db, "home").LoadSettings(ctx)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, types.SeasonWinter, settings.SeasonPreset)
		assert.Equal(t, 5.0, settings.Amplitude)
		db.AssertExpectations(t)
	})

	t.Run("Current", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetSettings", mock.Anything, "home").Return(types.Settings{BaseTemperature: 55, HeatingDurationHours: 3}, types.CurrentSettingsVersion, nil)

		settings, found, err := storage.NewInstance(db, "home").LoadSettings(ctx)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, 55.0, settings.BaseTemperature)
		db.AssertNotCalled(t, "SetSettings", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Errors", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetSettings", mock.Anything, "home").Return(types.Settings{}, 0, errors.New("boom"))
		_, _, err := storage.NewInstance(db, "home").LoadSettings(ctx)
		assert.ErrorContains(t, err, "boom")
	})

	t.Run("SaveAndRecord", func(t *testing.T) {
		mem := storage.NewMemory()
		inst := storage.NewInstance(mem, "home")
		require.NoError(t, inst.SaveSettings(ctx, types.Settings{BaseTemperature: 50, HeatingDurationHours: 6}))
		_, version, err := mem.GetSettings(ctx, "home")
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSettingsVersion, version)

		ts := time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC)
		require.NoError(t, inst.RecordCommand(ctx, types.CommandRecord{Timestamp: ts, DeviceID: "1001"}))
		recs, err := inst.CommandHistory(ctx, ts, ts.Add(time.Second))
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})
}
