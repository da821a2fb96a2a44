package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yutampo/yutampo/pkg/log"
	"github.com/yutampo/yutampo/pkg/types"
)

// Instance reads and writes the data of a single bridge instance.
type Instance struct {
	db Database
	id string
}

// NewInstance returns db scoped to instanceID.
func NewInstance(db Database, instanceID string) *Instance {
	return &Instance{db: db, id: instanceID}
}

// ID returns the instance ID.
func (i *Instance) ID() string {
	return i.id
}

// LoadSettings returns the stored settings migrated to the current version.
// The boolean is false when nothing was stored yet.
func (i *Instance) LoadSettings(ctx context.Context) (types.Settings, bool, error) {
	settings, version, err := i.db.GetSettings(ctx, i.id)
	if err != nil {
		return types.Settings{}, false, fmt.Errorf("failed to get settings: %w", err)
	}
	if version == 0 {
		return types.Settings{}, false, nil
	}
	settings, migrated, err := types.MigrateSettings(settings, version)
	if err != nil {
		return types.Settings{}, false, fmt.Errorf("failed to migrate settings: %w", err)
	}
	if migrated {
		log.Ctx(ctx).InfoContext(ctx, "migrated settings", slog.Int("from", version), slog.Int("to", types.CurrentSettingsVersion))
		if err := i.SaveSettings(ctx, settings); err != nil {
			return types.Settings{}, false, err
		}
	}
	return settings, true, nil
}

// SaveSettings stores settings at the current version.
func (i *Instance) SaveSettings(ctx context.Context, settings types.Settings) error {
	if err := i.db.SetSettings(ctx, i.id, settings, types.CurrentSettingsVersion); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// RecordCommand appends rec to the command history.
func (i *Instance) RecordCommand(ctx context.Context, rec types.CommandRecord) error {
	return i.db.InsertCommand(ctx, i.id, rec)
}

// CommandHistory returns the commands recorded in [start, end).
func (i *Instance) CommandHistory(ctx context.Context, start, end time.Time) ([]types.CommandRecord, error) {
	return i.db.GetCommandHistory(ctx, i.id, start, end)
}
