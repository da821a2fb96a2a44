package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yutampo/yutampo/pkg/log"
	"github.com/yutampo/yutampo/pkg/registry"
	"github.com/yutampo/yutampo/pkg/types"
)

// SetTemperature forces a setpoint on a device. The override only takes
// effect if upstream accepted the command.
func (c *Controller) SetTemperature(ctx context.Context, deviceID string, value float64) error {
	ctx = log.WithAttrs(ctx, slog.String("deviceID", deviceID))
	if err := types.ValidateTemperature(value); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "rejected temperature", slog.Any("error", err))
		return err
	}

	cmd := heatAt(value)
	err := c.command(ctx, deviceID, cmd, "forced by user", func(types.Device) {
		c.mu.Lock()
		c.settings.ForcedSetpoints[deviceID] = value
		c.mu.Unlock()
	})
	if err != nil {
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "manual override", slog.Float64("forced", value))
	c.persist(ctx)
	return nil
}

// SetMode switches a device on or off. Turning a device back on clears any
// stale forced setpoint so the next cycle regulates automatically.
func (c *Controller) SetMode(ctx context.Context, deviceID string, mode types.RunMode) error {
	ctx = log.WithAttrs(ctx, slog.String("deviceID", deviceID))
	if mode != types.RunModeOff && mode != types.RunModeHeat {
		err := &types.ValidationError{Field: "mode", Value: int(mode), Reason: "must be off or heat"}
		log.Ctx(ctx).WarnContext(ctx, "rejected mode", slog.Any("error", err))
		return err
	}

	var cleared bool
	cmd := types.Command{RunMode: types.Mode(mode)}
	err := c.command(ctx, deviceID, cmd, "mode set by user", func(prev types.Device) {
		if prev.Mode == types.RunModeOff && mode == types.RunModeHeat {
			c.mu.Lock()
			_, cleared = c.settings.ForcedSetpoints[deviceID]
			delete(c.settings.ForcedSetpoints, deviceID)
			c.mu.Unlock()
		}
	})
	if err != nil {
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "mode set", slog.String("mode", mode.String()), slog.Bool("clearedOverride", cleared))
	if cleared {
		c.persist(ctx)
	}
	return nil
}

// ResetOverride drops a forced setpoint immediately.
func (c *Controller) ResetOverride(ctx context.Context, deviceID string) error {
	if _, ok := c.registry.Get(deviceID); !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownDevice, deviceID)
	}
	c.mu.Lock()
	_, ok := c.settings.ForcedSetpoints[deviceID]
	delete(c.settings.ForcedSetpoints, deviceID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	log.Ctx(ctx).InfoContext(ctx, "manual override reset", slog.String("deviceID", deviceID))
	c.persist(ctx)
	return nil
}

// SetAmplitude changes the curve amplitude. Zero disables the curve.
func (c *Controller) SetAmplitude(ctx context.Context, value float64) error {
	if err := types.ValidateAmplitude(value); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "rejected amplitude", slog.Any("error", err))
		return err
	}
	c.update(ctx, "amplitude set", func(s *types.Settings) {
		s.Amplitude = value
	})
	return nil
}

// SetHeatingDuration changes the width of the heating window in hours.
func (c *Controller) SetHeatingDuration(ctx context.Context, hours float64) error {
	if err := types.ValidateHeatingDuration(hours); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "rejected heating duration", slog.Any("error", err))
		return err
	}
	c.update(ctx, "heating duration set", func(s *types.Settings) {
		s.HeatingDurationHours = hours
		s.SeasonPreset = ""
	})
	return nil
}

// SetSeasonPreset applies the heating duration of a named preset.
func (c *Controller) SetSeasonPreset(ctx context.Context, name string) error {
	hours, ok := c.cfg.SeasonPresets[name]
	if !ok {
		err := &types.ValidationError{Field: "seasonPreset", Value: name, Reason: "unknown preset"}
		log.Ctx(ctx).WarnContext(ctx, "rejected season preset", slog.Any("error", err))
		return err
	}
	c.update(ctx, "season preset set", func(s *types.Settings) {
		s.HeatingDurationHours = hours
		s.SeasonPreset = name
	})
	return nil
}

// SetShape changes the curve shape.
func (c *Controller) SetShape(ctx context.Context, shape types.Shape) error {
	switch shape {
	case types.ShapeGradual, types.ShapeStep, types.ShapeRamp:
	default:
		return &types.ValidationError{Field: "shape", Value: int(shape), Reason: "must be gradual, step or ramp"}
	}
	c.update(ctx, "shape set", func(s *types.Settings) {
		s.Shape = shape
	})
	return nil
}

// SeasonPresets returns the configured preset durations.
func (c *Controller) SeasonPresets() map[string]float64 {
	out := make(map[string]float64, len(c.cfg.SeasonPresets))
	for k, v := range c.cfg.SeasonPresets {
		out[k] = v
	}
	return out
}

func (c *Controller) update(ctx context.Context, msg string, fn func(s *types.Settings)) {
	c.mu.Lock()
	fn(&c.settings)
	s := c.settings
	c.mu.Unlock()

	log.Ctx(ctx).InfoContext(
		ctx,
		msg,
		slog.Float64("amplitude", s.Amplitude),
		slog.Float64("heatingDurationHours", s.HeatingDurationHours),
		slog.String("shape", s.Shape.String()),
		slog.String("seasonPreset", s.SeasonPreset),
	)
	c.persist(ctx)
}

// command sends cmd with the device lock held and commits its local effect
// only when upstream accepted it. onSuccess receives the device as it was
// before the command and runs before the lock is released.
func (c *Controller) command(ctx context.Context, deviceID string, cmd types.Command, explanation string, onSuccess func(prev types.Device)) error {
	var change types.StateChange
	var record types.CommandRecord
	err := c.registry.Do(deviceID, func(d *types.Device) error {
		prev := *d
		if err := c.commander.SendCommand(ctx, d.CommandID, cmd); err != nil {
			return fmt.Errorf("failed to send command: %w", err)
		}
		now := c.registry.Now()
		registry.UpdateFromCommand(d, cmd, now)
		onSuccess(prev)
		change = types.StateChangeFromDevice(*d, types.SourceUser)
		record = types.CommandRecordFrom(now, deviceID, cmd, types.SourceUser, explanation)
		return nil
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "command failed", slog.Any("error", err))
		return err
	}
	c.sink.NotifyStateChange(ctx, change)
	c.record(ctx, record)
	return nil
}
