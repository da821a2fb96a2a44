package sink

import (
	"context"
	"sync"

	"github.com/yutampo/yutampo/pkg/types"
)

// Sink receives device state changes. Implementations own their wire format
// and must not block for long since they are called from the poll and
// regulation loops.
type Sink interface {
	NotifyStateChange(ctx context.Context, change types.StateChange)
	NotifyAvailability(ctx context.Context, deviceID string, availability types.Availability)
}

// Multi fans every notification out to each sink in order.
type Multi []Sink

// NotifyStateChange implements Sink.
func (m Multi) NotifyStateChange(ctx context.Context, change types.StateChange) {
	for _, s := range m {
		s.NotifyStateChange(ctx, change)
	}
}

// NotifyAvailability implements Sink.
func (m Multi) NotifyAvailability(ctx context.Context, deviceID string, availability types.Availability) {
	for _, s := range m {
		s.NotifyAvailability(ctx, deviceID, availability)
	}
}

// Nop discards everything.
type Nop struct{}

// NotifyStateChange implements Sink.
func (Nop) NotifyStateChange(context.Context, types.StateChange) {}

// NotifyAvailability implements Sink.
func (Nop) NotifyAvailability(context.Context, string, types.Availability) {}

// AvailabilityEvent is one recorded availability notification.
type AvailabilityEvent struct {
	DeviceID     string
	Availability types.Availability
}

// Recorder keeps every notification in memory. It is used by tests and by
// the HTTP status endpoint to show the last published state.
type Recorder struct {
	mu           sync.Mutex
	changes      []types.StateChange
	availability []AvailabilityEvent
}

// NotifyStateChange implements Sink.
func (r *Recorder) NotifyStateChange(_ context.Context, change types.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

// NotifyAvailability implements Sink.
func (r *Recorder) NotifyAvailability(_ context.Context, deviceID string, availability types.Availability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.availability = append(r.availability, AvailabilityEvent{DeviceID: deviceID, Availability: availability})
}

// Changes returns a copy of the recorded state changes.
func (r *Recorder) Changes() []types.StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.StateChange(nil), r.changes...)
}

// Availability returns a copy of the recorded availability events.
func (r *Recorder) Availability() []AvailabilityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AvailabilityEvent(nil), r.availability...)
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = nil
	r.availability = nil
}
