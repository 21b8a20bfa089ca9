package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/pilot/internal/callbacks"
	"github.com/dohr-michael/pilot/internal/config"
	"github.com/dohr-michael/pilot/internal/core"
	"github.com/dohr-michael/pilot/internal/events"
	"github.com/dohr-michael/pilot/internal/gateway"
	"github.com/dohr-michael/pilot/internal/models"
	"github.com/dohr-michael/pilot/internal/storage"
	"github.com/dohr-michael/pilot/internal/tasks"
)

// setupLogging installs a stderr text handler. --debug always wins.
func setupLogging(cmd *cli.Command, level slog.Level) {
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadConfig reads --config. A missing file yields the defaults.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("config not found, using defaults", "path", path)
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveOwner returns --user or the configured default user.
func resolveOwner(cmd *cli.Command, cfg *config.Config) (string, error) {
	owner := cmd.String("user")
	if owner == "" {
		owner = cfg.Gateway.DefaultUser
	}
	if !gateway.ValidOwner(owner) {
		return "", fmt.Errorf("invalid user %q", owner)
	}
	return owner, nil
}

// runtime is the wired engine shared by every command.
type runtime struct {
	cfg      *config.Config
	owner    string
	bus      *events.Bus
	store    *tasks.SQLiteStore
	models   *models.Registry
	eventLog *storage.EventLogger
	usage    *storage.UsageTracker
	svc      *core.Service
}

func openRuntime(cmd *cli.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	owner, err := resolveOwner(cmd, cfg)
	if err != nil {
		return nil, err
	}

	store, err := tasks.OpenSQLite(cfg.Storage.Database)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	bus := events.NewBus(cfg.Events.BufferSize)
	registry := models.NewRegistry(cfg.Models, callbacks.NewEventBusHandler(bus))

	rt := &runtime{
		cfg:      cfg,
		owner:    owner,
		bus:      bus,
		store:    store,
		models:   registry,
		eventLog: storage.NewEventLogger(cfg.Storage.EventLog, bus),
		usage:    storage.NewUsageTracker(cfg.Storage.EventLog, bus),
	}
	rt.svc = core.NewService(store, registry.Gateway(), bus, cfg.Engine)
	return rt, nil
}

// Close flushes subscribers before closing the store.
func (rt *runtime) Close() {
	if !rt.bus.Drain(2 * time.Second) {
		slog.Warn("event bus not drained, some audit entries may be missing")
	}
	rt.bus.Close()
	rt.eventLog.Close()
	rt.usage.Close()
	if err := rt.store.Close(); err != nil {
		slog.Warn("close task store", "error", err)
	}
}
