package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/yutampo/yutampo/pkg/controller"
	"github.com/yutampo/yutampo/pkg/log"
	"github.com/yutampo/yutampo/pkg/storage"
	"github.com/yutampo/yutampo/pkg/types"
)

func main() {
	s := storage.Configured()
	cc := controller.Configured()
	action := lflag.String("action", "print", "What to do with the stored settings (print, seed, clear-overrides, history)")
	since := lflag.Duration("since", 24*time.Hour, "How far back history goes")
	lflag.Configure()

	ctx := context.Background()
	for _, v := range []interface{ Validate() error }{s, cc} {
		if err := v.Validate(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "invalid configuration", slog.Any("error", err))
			os.Exit(1)
		}
	}
	if err := s.Init(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to initialize storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer s.Close()

	if err := run(ctx, os.Stdout, s.Instance(), cc.Defaults, *action, *since); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed", slog.String("action", *action), slog.Any("error", err))
		s.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, w io.Writer, inst *storage.Instance, defaults types.Settings, action string, since time.Duration) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	switch action {
	case "print":
		settings, found, err := inst.LoadSettings(ctx)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no settings stored for instance %s", inst.ID())
		}
		return enc.Encode(settings)
	case "seed":
		if err := defaults.Validate(); err != nil {
			return err
		}
		if err := inst.SaveSettings(ctx, defaults); err != nil {
			return err
		}
		log.Ctx(ctx).InfoContext(ctx, "seeded settings", slog.String("instanceID", inst.ID()))
		return enc.Encode(defaults)
	case "clear-overrides":
		settings, found, err := inst.LoadSettings(ctx)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no settings stored for instance %s", inst.ID())
		}
		cleared := len(settings.ForcedSetpoints)
		settings.ForcedSetpoints = nil
		if err := inst.SaveSettings(ctx, settings); err != nil {
			return err
		}
		log.Ctx(ctx).InfoContext(ctx, "cleared overrides", slog.Int("count", cleared))
		return enc.Encode(settings)
	case "history":
		end := time.Now()
		records, err := inst.CommandHistory(ctx, end.Add(-since), end)
		if err != nil {
			return err
		}
		if records == nil {
			records = []types.CommandRecord{}
		}
		return enc.Encode(records)
	}
	return fmt.Errorf("unknown action: %s", action)
}
