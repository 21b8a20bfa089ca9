package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/pilot/internal/config"
	"github.com/dohr-michael/pilot/internal/heartbeat"
)

func heartbeatPath() string {
	return filepath.Join(config.PilotPath(), "heartbeat.json")
}

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show whether a pilot server is running",
		Action: runStatus,
	}
}

func runStatus(_ context.Context, _ *cli.Command) error {
	now := time.Now()
	state, hb, err := heartbeat.Check(heartbeatPath(), 4*heartbeat.DefaultInterval, now)
	if err != nil {
		return fmt.Errorf("check heartbeat: %w", err)
	}

	switch state {
	case heartbeat.StateRunning:
		fmt.Printf("Server: RUNNING on %s (PID %d, uptime %s)\n", hb.Addr, hb.PID, hb.Uptime())
		if hb.NextRecompute != nil {
			fmt.Printf("Next re-rank: %s\n", hb.NextRecompute.Local().Format(time.DateTime))
		}
	case heartbeat.StateStale:
		fmt.Printf("Server: STALE (PID %d, last heartbeat %s ago)\n", hb.PID, now.Sub(hb.Timestamp).Truncate(time.Second))
	default:
		fmt.Println("Server: NOT RUNNING")
	}
	return nil
}
