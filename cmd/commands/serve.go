package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/pilot/internal/config"
	"github.com/dohr-michael/pilot/internal/gateway"
	"github.com/dohr-michael/pilot/internal/heartbeat"
	"github.com/dohr-michael/pilot/internal/lock"
	"github.com/dohr-michael/pilot/internal/scheduler"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the pilot HTTP gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	setupLogging(cmd, slog.LevelInfo)

	if err := os.MkdirAll(config.PilotPath(), 0o700); err != nil {
		return fmt.Errorf("create pilot dir: %w", err)
	}
	fl := lock.NewFileLock(filepath.Join(config.PilotPath(), "pilot.lock"))
	if err := fl.TryLock(); err != nil {
		return err
	}
	defer fl.Unlock()

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	// CLI flags override config
	if cmd.IsSet("host") {
		rt.cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		rt.cfg.Gateway.Port = int(cmd.Int("port"))
	}

	if names := rt.models.Names(); len(names) == 0 {
		slog.Warn("no model providers configured, AI endpoints will fail")
	} else {
		slog.Info("model providers", "names", names, "default", rt.models.DefaultName())
	}

	// Priorities drift as due dates pass; re-rank everyone once at startup.
	if err := rt.svc.RecomputeAll(ctx); err != nil {
		slog.Warn("startup recompute failed", "error", err)
	}

	var next func(time.Time) time.Time
	if spec := rt.cfg.Scheduler.Recompute; spec != "" {
		sched, err := scheduler.New(scheduler.Config{Spec: spec, Target: rt.svc})
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		sched.Start()
		defer sched.Stop()
		next = sched.Next
	}

	server := gateway.NewServer(gateway.Options{
		Service:  rt.svc,
		Bus:      rt.bus,
		EventLog: rt.eventLog,
		Usage:    rt.usage,
		Config:   rt.cfg.Gateway,
	})

	addr := fmt.Sprintf("%s:%d", rt.cfg.Gateway.Host, rt.cfg.Gateway.Port)
	hb := heartbeat.NewWriter(heartbeatPath(), addr, next)
	if err := hb.Start(); err != nil {
		slog.Warn("heartbeat disabled", "error", err)
	}
	defer hb.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
