package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yutampo/yutampo/pkg/log"
	"github.com/yutampo/yutampo/pkg/registry"
	"github.com/yutampo/yutampo/pkg/sink"
	"github.com/yutampo/yutampo/pkg/types"
)

// Tolerance is how close the current temperature must get to a forced
// setpoint before automatic regulation resumes.
const Tolerance = 1.0

// Commander sends a command to a device upstream.
type Commander interface {
	SendCommand(ctx context.Context, commandID string, cmd types.Command) error
}

// WeatherSource returns the hottest hour of today.
type WeatherSource interface {
	HottestHourOfDay(ctx context.Context, fallback float64) float64
}

// SettingsStore persists regulation settings and the history of accepted
// commands.
type SettingsStore interface {
	SaveSettings(ctx context.Context, settings types.Settings) error
	RecordCommand(ctx context.Context, rec types.CommandRecord) error
}

// Mode is the regulation mode of a single device.
type Mode int

const (
	// ModeAutomatic follows the heating curve.
	ModeAutomatic Mode = iota
	// ModeManualOverride holds a user supplied setpoint.
	ModeManualOverride
)

func (m Mode) String() string {
	switch m {
	case ModeAutomatic:
		return "automatic"
	case ModeManualOverride:
		return "manual_override"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// State is the regulation state of one device.
type State struct {
	Mode           Mode     `json:"mode"`
	ForcedSetpoint *float64 `json:"forcedSetpoint,omitempty"`
}

// Decision represents the result of the decision logic for one device.
type Decision struct {
	// Command is empty when nothing needs to be sent.
	Command types.Command
	// ClearOverride is set when the forced setpoint was reached.
	ClearOverride bool
	Explanation   string
}

// Controller regulates the setpoint of every registered device, once per
// cycle, from either a forced setpoint or the heating curve.
type Controller struct {
	cfg       Config
	registry  *registry.Registry
	commander Commander
	weather   WeatherSource
	sink      sink.Sink
	store     SettingsStore
	now       func() time.Time

	mu          sync.Mutex
	settings    types.Settings
	hottestHour float64
	lastTick    time.Time
	started     bool

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Controller using cfg.Defaults as the initial settings.
func New(cfg Config, reg *registry.Registry, commander Commander, weather WeatherSource, s sink.Sink) *Controller {
	if s == nil {
		s = sink.Nop{}
	}
	if cfg.SeasonPresets == nil {
		cfg.SeasonPresets = types.DefaultSeasonPresets
	}
	settings := cfg.Defaults
	settings.ForcedSetpoints = make(map[string]float64)
	return &Controller{
		cfg:         cfg,
		registry:    reg,
		commander:   commander,
		weather:     weather,
		sink:        s,
		now:         time.Now,
		settings:    settings,
		hottestHour: cfg.FallbackHottestHour,
		done:        make(chan struct{}),
	}
}

// SetClock overrides the clock. This is primarily used for testing.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetStore makes every settings change persist to store.
func (c *Controller) SetStore(store SettingsStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = store
}

// Restore replaces the settings with previously persisted ones, including
// any active forced setpoints.
func (c *Controller) Restore(settings types.Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid stored settings: %w", err)
	}
	forced := make(map[string]float64, len(settings.ForcedSetpoints))
	for id, v := range settings.ForcedSetpoints {
		forced[id] = v
	}
	settings.ForcedSetpoints = forced

	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = settings
	return nil
}

// Settings returns a copy of the current settings.
func (c *Controller) Settings() types.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settingsLocked()
}

func (c *Controller) settingsLocked() types.Settings {
	s := c.settings
	s.ForcedSetpoints = make(map[string]float64, len(c.settings.ForcedSetpoints))
	for id, v := range c.settings.ForcedSetpoints {
		s.ForcedSetpoints[id] = v
	}
	return s
}

// State returns the regulation state of a device.
func (c *Controller) State(deviceID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.settings.ForcedSetpoints[deviceID]; ok {
		return State{Mode: ModeManualOverride, ForcedSetpoint: types.Float(v)}
	}
	return State{Mode: ModeAutomatic}
}

// HottestHour returns the hottest hour used by the last cycle.
func (c *Controller) HottestHour() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hottestHour
}

// LastTick returns when the last regulation cycle started.
func (c *Controller) LastTick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTick
}

// Window returns the heating window used by the last cycle.
func (c *Controller) Window() HeatingWindow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return NewHeatingWindow(c.hottestHour, c.settings.HeatingDurationHours)
}

// Start runs the regulation loop in its own goroutine. The first cycle runs
// immediately.
func (c *Controller) Start(ctx context.Context, interval time.Duration) error {
	interval, err := c.begin(interval)
	if err != nil {
		return err
	}
	go func() {
		defer c.wg.Done()
		c.loop(ctx, interval)
	}()
	return nil
}

// Run regulates every interval until ctx is cancelled or Shutdown is
// called. The first cycle runs immediately. Use Start when Shutdown may be
// called from another goroutine before Run begins.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	interval, err := c.begin(interval)
	if err != nil {
		return err
	}
	defer c.wg.Done()
	c.loop(ctx, interval)
	return nil
}

// begin marks the controller started and adds the loop to the WaitGroup.
func (c *Controller) begin(interval time.Duration) (time.Duration, error) {
	if interval <= 0 {
		interval = c.cfg.Interval
	}
	if interval <= 0 {
		return 0, errors.New("regulation interval must be positive")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return 0, errors.New("controller already started")
	}
	select {
	case <-c.done:
		return 0, errors.New("controller is shut down")
	default:
	}
	c.started = true
	c.wg.Add(1)
	return interval, nil
}

func (c *Controller) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		c.Tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
		}
	}
}

// Shutdown stops the loop and waits for an in-flight cycle to finish.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

// Tick runs one regulation cycle over every registered device.
func (c *Controller) Tick(ctx context.Context) {
	ctx = log.WithAttrs(ctx, slog.String("cycleID", uuid.NewString()))

	c.mu.Lock()
	now := c.now()
	settings := c.settingsLocked()
	c.lastTick = now
	c.mu.Unlock()

	hottest := c.cfg.FallbackHottestHour
	if settings.Amplitude > 0 && c.weather != nil {
		hottest = c.weather.HottestHourOfDay(ctx, c.cfg.FallbackHottestHour)
	}
	c.mu.Lock()
	c.hottestHour = hottest
	c.mu.Unlock()

	window := NewHeatingWindow(hottest, settings.HeatingDurationHours)
	hour := HourOf(now)
	log.Ctx(ctx).DebugContext(
		ctx,
		"regulation cycle started",
		slog.Float64("hour", hour),
		slog.Float64("hottestHour", hottest),
		slog.Float64("windowStart", window.Start),
		slog.Float64("windowEnd", window.End),
	)

	for _, id := range c.registry.IDs() {
		c.regulate(log.WithAttrs(ctx, slog.String("deviceID", id)), id, settings, window, hour)
	}
}

func (c *Controller) regulate(ctx context.Context, id string, settings types.Settings, window HeatingWindow, hour float64) {
	var change *types.StateChange
	var record types.CommandRecord
	err := c.registry.Do(id, func(d *types.Device) error {
		// re-read so a reset or a user command since the cycle started wins
		forced, hasForced := c.forced(id)
		dec := Decide(*d, settings, forced, hasForced, window, hour)
		log.Ctx(ctx).DebugContext(ctx, "regulation decision", slog.String("explanation", dec.Explanation))

		if dec.ClearOverride {
			c.clearForced(ctx, id, forced)
		}
		if dec.Command.Empty() {
			return nil
		}
		if err := c.commander.SendCommand(ctx, d.CommandID, dec.Command); err != nil {
			return fmt.Errorf("failed to send command: %w", err)
		}
		now := c.registry.Now()
		registry.UpdateFromCommand(d, dec.Command, now)
		sc := types.StateChangeFromDevice(*d, types.SourceAutomation)
		change = &sc
		record = types.CommandRecordFrom(now, id, dec.Command, types.SourceAutomation, dec.Explanation)
		log.Ctx(ctx).InfoContext(
			ctx,
			"regulation command applied",
			slog.Float64("setpoint", *dec.Command.SettingTemperature),
			slog.String("explanation", dec.Explanation),
		)
		return nil
	})
	if err != nil {
		// nothing changed, the next cycle recomputes the same decision
		log.Ctx(ctx).WarnContext(ctx, "regulation failed", slog.Any("error", err))
		return
	}
	if change != nil {
		c.sink.NotifyStateChange(ctx, *change)
		c.record(ctx, record)
	}
}

// Decide computes what to command for d. It does not depend on anything but
// its arguments.
func Decide(d types.Device, settings types.Settings, forced float64, hasForced bool, window HeatingWindow, hour float64) Decision {
	if d.Mode != types.RunModeHeat {
		return Decision{Explanation: "device is off"}
	}

	var clear bool
	if hasForced {
		if d.CurrentTemperature == nil {
			return Decision{
				Command:     heatAt(forced),
				Explanation: fmt.Sprintf("Forced %.1f, current temperature unknown. Re-applying.", forced),
			}
		}
		if math.Abs(*d.CurrentTemperature-forced) > Tolerance {
			return Decision{
				Command:     heatAt(forced),
				Explanation: fmt.Sprintf("Forced %.1f, current %.1f. Re-applying.", forced, *d.CurrentTemperature),
			}
		}
		clear = true
	}

	var target float64
	var explanation string
	if settings.Amplitude <= 0 {
		target = settings.BaseTemperature
		explanation = fmt.Sprintf("Curve disabled. Base %.1f.", target)
	} else {
		curve := Curve{Base: settings.BaseTemperature, Amplitude: settings.Amplitude, Shape: settings.Shape}
		target = curve.Target(window, hour)
		if window.Contains(hour) {
			explanation = fmt.Sprintf("Inside window [%.2f, %.2f) (%s). Target %.1f.", window.Start, window.End, settings.Shape, target)
		} else {
			explanation = fmt.Sprintf("Outside window [%.2f, %.2f). Floor %.1f.", window.Start, window.End, target)
		}
	}
	if clear {
		explanation = fmt.Sprintf("Forced %.1f reached. %s", forced, explanation)
	}

	// the device already runs at the target
	if d.SettingTemperature != nil && *d.SettingTemperature == target {
		return Decision{ClearOverride: clear, Explanation: explanation + " No change."}
	}
	return Decision{Command: heatAt(target), ClearOverride: clear, Explanation: explanation}
}

func heatAt(v float64) types.Command {
	return types.Command{RunMode: types.Mode(types.RunModeHeat), SettingTemperature: types.Float(v)}
}

func (c *Controller) forced(id string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.settings.ForcedSetpoints[id]
	return v, ok
}

func (c *Controller) clearForced(ctx context.Context, id string, value float64) {
	c.mu.Lock()
	// only clear the value the decision was based on
	if v, ok := c.settings.ForcedSetpoints[id]; !ok || v != value {
		c.mu.Unlock()
		return
	}
	delete(c.settings.ForcedSetpoints, id)
	c.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "forced setpoint reached, resuming automatic regulation", slog.Float64("forced", value))
	c.persist(ctx)
}

func (c *Controller) record(ctx context.Context, rec types.CommandRecord) {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return
	}
	if err := store.RecordCommand(ctx, rec); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to record command", slog.Any("error", err))
	}
}

func (c *Controller) persist(ctx context.Context) {
	c.mu.Lock()
	store := c.store
	settings := c.settingsLocked()
	c.mu.Unlock()
	if store == nil {
		return
	}
	if err := store.SaveSettings(ctx, settings); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist settings", slog.Any("error", err))
	}
}
