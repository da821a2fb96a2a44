package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/yutampo/yutampo/pkg/common"
	"github.com/yutampo/yutampo/pkg/controller"
	"github.com/yutampo/yutampo/pkg/csnet"
	"github.com/yutampo/yutampo/pkg/log"
	"github.com/yutampo/yutampo/pkg/mqtt"
	"github.com/yutampo/yutampo/pkg/registry"
	"github.com/yutampo/yutampo/pkg/scheduler"
	"github.com/yutampo/yutampo/pkg/server"
	"github.com/yutampo/yutampo/pkg/sink"
	"github.com/yutampo/yutampo/pkg/storage"
	"github.com/yutampo/yutampo/pkg/supervisor"
	"github.com/yutampo/yutampo/pkg/types"
	"github.com/yutampo/yutampo/pkg/weather"
)

// ExitCodeOutage is the exit code after a prolonged upstream outage. The
// supervisor restarts the bridge with a fresh session.
const ExitCodeOutage = 75

type components struct {
	csnet      *csnet.Client
	scheduler  *scheduler.Config
	controller *controller.Config
	weather    *weather.Client
	mqtt       *mqtt.Config
	storage    *storage.Configuration
	server     *server.Server
}

func main() {
	// init packages
	c := components{
		csnet:      csnet.Configured(),
		scheduler:  scheduler.Configured(),
		controller: controller.Configured(),
		weather:    weather.Configured(),
		mqtt:       mqtt.Configured(),
		storage:    storage.Configured(),
		server:     server.Configured(),
	}
	supervise := lflag.Bool("supervise", false, "Run the bridge as a child process and restart it when it fails")
	restartDelay := lflag.Duration("supervise-restart-delay", 30*time.Second, "Delay before restarting a failed bridge")

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for name, v := range map[string]interface{ Validate() error }{
		"csnet":      c.csnet,
		"scheduler":  c.scheduler,
		"controller": c.controller,
		"weather":    c.weather,
		"mqtt":       c.mqtt,
		"storage":    c.storage,
	} {
		if err := v.Validate(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "invalid configuration", slog.String("component", name), slog.Any("error", err))
			os.Exit(1)
		}
	}

	if *supervise && !supervisor.Supervised() {
		os.Exit(runSupervisor(ctx, *restartDelay))
	}
	code := run(ctx, c)
	cancel()
	os.Exit(code)
}

func runSupervisor(ctx context.Context, restartDelay time.Duration) int {
	binary, err := os.Executable()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to find executable", slog.Any("error", err))
		return 1
	}
	m := supervisor.NewManager(supervisor.Config{
		Binary:       binary,
		Args:         os.Args[1:],
		RestartDelay: restartDelay,
		// startup failures such as bad credentials exit 1 and are final
		RestartCodes: []int{ExitCodeOutage},
	})
	code, err := m.Run(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "supervisor stopped", slog.Any("error", err))
	}
	return code
}

func run(ctx context.Context, c components) int {
	log.Ctx(ctx).InfoContext(ctx, "starting yutampo", slog.String("version", common.Version()))

	if err := c.storage.Init(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to initialize storage", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := c.storage.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()
	instance := c.storage.Instance()

	// bad credentials are fatal at startup, later failures are retried
	if err := c.csnet.Authenticate(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to authenticate with csnet", slog.Any("error", err))
		return 1
	}
	snapshots, err := c.csnet.FetchDeviceState(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch devices", slog.Any("error", err))
		return 1
	}
	reg := registry.New()
	for _, snap := range snapshots {
		reg.Register(snap)
	}
	if len(snapshots) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no water heaters found on the account")
	}
	log.Ctx(ctx).InfoContext(ctx, "registered devices", slog.Any("deviceIDs", reg.IDs()))

	// sinks is filled in before any loop starts
	sinks := &sink.Multi{}
	ctrl := controller.New(*c.controller, reg, c.csnet, c.weather, sinks)
	ctrl.SetStore(instance)
	settings, found, err := instance.LoadSettings(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load settings", slog.Any("error", err))
		return 1
	}
	if found {
		if err := ctrl.Restore(settings); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "ignoring stored settings", slog.Any("error", err))
		} else {
			log.Ctx(ctx).InfoContext(ctx, "restored settings", slog.Int("overrides", len(settings.ForcedSetpoints)))
		}
	}

	if c.mqtt.Enabled() {
		bridge, err := mqtt.Connect(ctx, *c.mqtt, ctrl)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to connect to mqtt", slog.Any("error", err))
			return 1
		}
		defer bridge.Close(context.WithoutCancel(ctx))
		*sinks = append(*sinks, bridge)

		if err := bridge.Start(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to start mqtt", slog.Any("error", err))
			return 1
		}
		devices := reg.List()
		if err := bridge.PublishDiscovery(ctx, devices); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish discovery", slog.Any("error", err))
		}
		for _, d := range devices {
			bridge.NotifyStateChange(ctx, types.StateChangeFromDevice(d, types.SourceAutomation))
			bridge.NotifyAvailability(ctx, d.ID, types.AvailabilityOnline)
		}
	}

	outage := make(chan error, 1)
	sched := scheduler.New(*c.scheduler, c.csnet, reg, sinks)
	sched.OnOutage = func(err error) {
		select {
		case outage <- err:
		default:
		}
	}
	if err := sched.ScheduleUpdates(ctx, reg.IDs(), 0); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start polling", slog.Any("error", err))
		return 1
	}
	defer sched.Shutdown()

	if err := ctrl.Start(ctx, 0); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start regulation", slog.Any("error", err))
		return 1
	}
	defer ctrl.Shutdown()

	serverErr := make(chan error, 1)
	if c.server.Enabled() {
		if err := c.server.Init(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to initialize server", slog.Any("error", err))
			return 1
		}
		c.server.Bind(server.Deps{
			Controller: ctrl,
			Registry:   reg,
			Poller:     sched,
			History:    instance,
		})
		go func() {
			serverErr <- c.server.Run(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down")
		return 0
	case err := <-outage:
		log.Ctx(ctx).ErrorContext(ctx, "upstream outage, exiting for restart", slog.Any("error", err))
		return ExitCodeOutage
	case err := <-serverErr:
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
			return 1
		}
		return 0
	}
}
