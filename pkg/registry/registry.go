package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yutampo/yutampo/pkg/types"
)

// ErrUnknownDevice is returned for ids that were never registered.
var ErrUnknownDevice = errors.New("unknown device")

type entry struct {
	mu  sync.Mutex
	dev types.Device
}

// Registry owns the in-memory state of every device. Each device has its own
// lock; writers for different devices never block each other.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*entry
	now     func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		devices: make(map[string]*entry),
		now:     time.Now,
	}
}

// SetClock overrides the clock used for LastUpdated. This is primarily used
// for testing.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return e, nil
}

// Register adds a device from its first snapshot. Registering an existing id
// applies the snapshot instead. It returns true if the device is new.
func (r *Registry) Register(snap types.DeviceSnapshot) bool {
	r.mu.Lock()
	e, ok := r.devices[snap.ID]
	if !ok {
		e = &entry{dev: types.Device{ID: snap.ID}}
		r.devices[snap.ID] = e
	}
	now := r.now()
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	UpdateFromSnapshot(&e.dev, snap, now)
	return !ok
}

// Do runs fn with the device's lock held. fn receives the live device and
// may modify it; the lock is held for the whole call so a decision and the
// write of its result happen as one critical section.
func (r *Registry) Do(id string, fn func(d *types.Device) error) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(&e.dev)
}

// Now returns the registry's current time.
func (r *Registry) Now() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now()
}

// ApplySnapshot applies a poll result and returns the updated device along
// with whether it was unavailable before.
func (r *Registry) ApplySnapshot(snap types.DeviceSnapshot) (types.Device, bool, error) {
	var dev types.Device
	var wasUnavailable bool
	now := r.Now()
	err := r.Do(snap.ID, func(d *types.Device) error {
		wasUnavailable = !d.Available
		UpdateFromSnapshot(d, snap, now)
		dev = clone(*d)
		return nil
	})
	return dev, wasUnavailable, err
}

// ApplyCommand applies the local effect of a command that upstream accepted.
func (r *Registry) ApplyCommand(id string, cmd types.Command) (types.Device, error) {
	var dev types.Device
	now := r.Now()
	err := r.Do(id, func(d *types.Device) error {
		UpdateFromCommand(d, cmd, now)
		dev = clone(*d)
		return nil
	})
	return dev, err
}

// MarkUnavailable flags the device as unavailable. It returns true if the
// device was available before.
func (r *Registry) MarkUnavailable(id string) (bool, error) {
	var changed bool
	err := r.Do(id, func(d *types.Device) error {
		changed = d.Available
		d.Available = false
		return nil
	})
	return changed, err
}

// Get returns a copy of the device.
func (r *Registry) Get(id string) (types.Device, bool) {
	e, err := r.entry(id)
	if err != nil {
		return types.Device{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.dev), true
}

// IDs returns the registered device ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// List returns copies of every device sorted by id.
func (r *Registry) List() []types.Device {
	ids := r.IDs()
	devs := make([]types.Device, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.Get(id); ok {
			devs = append(devs, d)
		}
	}
	return devs
}

// UpdateFromSnapshot writes a poll result into d. Temperatures missing from
// the snapshot keep their previous value. Callers must hold the device lock,
// typically by running inside Do.
func UpdateFromSnapshot(d *types.Device, snap types.DeviceSnapshot, now time.Time) {
	if snap.Name != "" {
		d.Name = snap.Name
	}
	if snap.CommandID != "" {
		d.CommandID = snap.CommandID
	}
	if snap.SettingTemperature != nil {
		d.SettingTemperature = types.Float(*snap.SettingTemperature)
	}
	if snap.CurrentTemperature != nil {
		d.CurrentTemperature = types.Float(*snap.CurrentTemperature)
	}
	d.Mode = snap.Mode
	d.OperationStatus = snap.OperationStatus
	derive(d)
	d.Available = true
	d.LastUpdated = now
}

// UpdateFromCommand writes the local effect of an accepted command into d.
// Callers must hold the device lock.
func UpdateFromCommand(d *types.Device, cmd types.Command, now time.Time) {
	if cmd.SettingTemperature != nil {
		d.SettingTemperature = types.Float(*cmd.SettingTemperature)
	}
	if cmd.RunMode != nil {
		d.Mode = *cmd.RunMode
	}
	derive(d)
	d.LastUpdated = now
}

func derive(d *types.Device) {
	d.Action = types.DeriveAction(d.Mode, d.OperationStatus)
	d.OperationLabel = types.OperationLabel(d.OperationStatus)
}

func clone(d types.Device) types.Device {
	if d.SettingTemperature != nil {
		d.SettingTemperature = types.Float(*d.SettingTemperature)
	}
	if d.CurrentTemperature != nil {
		d.CurrentTemperature = types.Float(*d.CurrentTemperature)
	}
	return d
}
