package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"

	"github.com/yutampo/yutampo/pkg/log"
	"github.com/yutampo/yutampo/pkg/registry"
	"github.com/yutampo/yutampo/pkg/sink"
	"github.com/yutampo/yutampo/pkg/types"
)

const (
	// UnavailableAfter is the number of consecutive failed polls after which
	// a device is reported offline.
	UnavailableAfter = 3

	maxBackoffExponent = 4
	maxFailureCount    = 16
)

// ErrOutage is reported when nothing has been polled successfully for longer
// than the outage threshold.
var ErrOutage = errors.New("upstream outage")

// Fetcher returns the state of every device upstream.
type Fetcher interface {
	FetchDeviceState(ctx context.Context) ([]types.DeviceSnapshot, error)
}

// Config controls poll cadence.
type Config struct {
	// Interval is the base interval between polls.
	Interval time.Duration
	// Cap bounds the backed off interval.
	Cap time.Duration
	// OutageThreshold is how long polls may fail before ErrOutage.
	OutageThreshold time.Duration
}

// Configured registers the scheduler flags.
func Configured() *Config {
	c := &Config{}
	interval := lflag.Duration("poll-interval", 5*time.Minute, "Base interval between CSNet polls")
	capInterval := lflag.Duration("poll-interval-cap", 30*time.Minute, "Maximum interval between polls while backing off")
	outage := lflag.Duration("poll-outage-threshold", time.Hour, "Exit for a supervised restart after polls failed for this long")

	lflag.Do(func() {
		c.Interval = *interval
		c.Cap = *capInterval
		c.OutageThreshold = *outage
	})
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("poll-interval must be positive")
	}
	if c.Cap < c.Interval {
		return fmt.Errorf("poll-interval-cap (%s) must not be less than poll-interval (%s)", c.Cap, c.Interval)
	}
	if c.OutageThreshold <= 0 {
		return errors.New("poll-outage-threshold must be positive")
	}
	return nil
}

// PollHealth tracks consecutive failures for one device.
type PollHealth struct {
	Failures    int       `json:"failures"`
	LastSuccess time.Time `json:"lastSuccess"`
}

// Scheduler polls upstream and keeps the registry current. Failures back
// the interval off exponentially and persistently failing devices are
// reported offline.
type Scheduler struct {
	cfg      Config
	fetcher  Fetcher
	registry *registry.Registry
	sink     sink.Sink

	// OnOutage is called from the poll goroutine when the outage threshold
	// is crossed. The loop stops afterwards.
	OnOutage func(err error)

	now func() time.Time

	mu          sync.Mutex
	deviceIDs   []string
	health      map[string]*PollHealth
	lastSuccess time.Time
	started     bool

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New returns a scheduler; call ScheduleUpdates to start it.
func New(cfg Config, fetcher Fetcher, reg *registry.Registry, s sink.Sink) *Scheduler {
	if s == nil {
		s = sink.Nop{}
	}
	if cfg.Cap < cfg.Interval {
		cfg.Cap = cfg.Interval
	}
	return &Scheduler{
		cfg:      cfg,
		fetcher:  fetcher,
		registry: reg,
		sink:     s,
		now:      time.Now,
		health:   make(map[string]*PollHealth),
		done:     make(chan struct{}),
	}
}

// SetClock overrides the clock. This is primarily used for testing.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// NextInterval returns min(base·2^min(failures,4), cap).
func NextInterval(base, ceiling time.Duration, failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	d := base << min(failures, maxBackoffExponent)
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// ScheduleUpdates starts polling the given devices every base interval. The
// first poll happens immediately. A zero base keeps the configured interval.
func (s *Scheduler) ScheduleUpdates(ctx context.Context, deviceIDs []string, base time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler already started")
	}
	select {
	case <-s.done:
		return errors.New("scheduler is shut down")
	default:
	}
	if base > 0 {
		s.cfg.Interval = base
		if s.cfg.Cap < base {
			s.cfg.Cap = base
		}
	}
	s.started = true
	s.track(deviceIDs)

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Shutdown stops the loop and waits for it to exit. An in-flight poll is
// allowed to finish. It is safe to call from any goroutine and more than
// once; no poll is dispatched after it returns.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// track must be called with s.mu held.
func (s *Scheduler) track(deviceIDs []string) {
	s.deviceIDs = append([]string(nil), deviceIDs...)
	s.lastSuccess = s.now()
	for _, id := range s.deviceIDs {
		s.health[id] = &PollHealth{}
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		s.Poll(ctx)

		if err := s.checkOutage(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "giving up after upstream outage", slog.Any("error", err))
			if s.OnOutage != nil {
				s.OnOutage(err)
			}
			return
		}

		interval := s.NextInterval()
		log.Ctx(ctx).DebugContext(ctx, "next poll scheduled", slog.Duration("in", interval))
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// NextInterval returns the delay before the next poll based on the worst
// failure streak of any device.
func (s *Scheduler) NextInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var worst int
	for _, h := range s.health {
		worst = max(worst, h.Failures)
	}
	return NextInterval(s.cfg.Interval, s.cfg.Cap, worst)
}

func (s *Scheduler) checkOutage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := s.now().Sub(s.lastSuccess)
	if since > s.cfg.OutageThreshold {
		return fmt.Errorf("%w: no successful poll for %s", ErrOutage, since.Truncate(time.Second))
	}
	return nil
}

// Poll runs one poll cycle: fetch, apply to the registry, and publish.
func (s *Scheduler) Poll(ctx context.Context) {
	ctx = log.WithAttrs(ctx, slog.String("cycleID", uuid.NewString()))

	snaps, err := s.fetcher.FetchDeviceState(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "poll failed", slog.Any("error", err))
		for _, id := range s.ids() {
			s.recordFailure(ctx, id)
		}
		return
	}

	seen := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		if !s.tracked(snap.ID) {
			log.Ctx(ctx).DebugContext(ctx, "ignoring untracked device", slog.String("deviceID", snap.ID))
			continue
		}
		seen[snap.ID] = true
		dev, wasUnavailable, err := s.registry.ApplySnapshot(snap)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to apply snapshot", slog.String("deviceID", snap.ID), slog.Any("error", err))
			s.recordFailure(ctx, snap.ID)
			continue
		}
		s.recordSuccess(snap.ID)
		if wasUnavailable {
			log.Ctx(ctx).InfoContext(ctx, "device back online", slog.String("deviceID", snap.ID))
			s.sink.NotifyAvailability(ctx, snap.ID, types.AvailabilityOnline)
		}
		s.sink.NotifyStateChange(ctx, types.StateChangeFromDevice(dev, types.SourceAutomation))
	}

	for _, id := range s.ids() {
		if !seen[id] {
			log.Ctx(ctx).WarnContext(ctx, "device missing from poll", slog.String("deviceID", id))
			s.recordFailure(ctx, id)
		}
	}
}

func (s *Scheduler) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deviceIDs...)
}

func (s *Scheduler) tracked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.health[id]
	return ok
}

func (s *Scheduler) recordSuccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	h := s.health[id]
	h.Failures = 0
	h.LastSuccess = now
	s.lastSuccess = now
}

func (s *Scheduler) recordFailure(ctx context.Context, id string) {
	s.mu.Lock()
	h, ok := s.health[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	h.Failures = min(h.Failures+1, maxFailureCount)
	failures := h.Failures
	s.mu.Unlock()

	if failures < UnavailableAfter {
		return
	}
	changed, err := s.registry.MarkUnavailable(id)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to mark device unavailable", slog.String("deviceID", id), slog.Any("error", err))
		return
	}
	if changed {
		log.Ctx(ctx).WarnContext(ctx, "device offline", slog.String("deviceID", id), slog.Int("failures", failures))
		s.sink.NotifyAvailability(ctx, id, types.AvailabilityOffline)
	}
}

// Health returns a copy of the per-device poll health.
func (s *Scheduler) Health() map[string]PollHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PollHealth, len(s.health))
	for id, h := range s.health {
		out[id] = *h
	}
	return out
}

// LastSuccess returns when any device was last polled successfully.
func (s *Scheduler) LastSuccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccess
}
