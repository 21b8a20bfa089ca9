package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/pilot/clients/ws"
	"github.com/dohr-michael/pilot/internal/events"
	wsprotocol "github.com/dohr-michael/pilot/internal/gateway/ws"
)

// NewWatchCommand returns the watch subcommand.
func NewWatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Follow task and AI events from a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "Event stream URL (default: from gateway config)",
			},
			&cli.IntFlag{
				Name:  "history",
				Usage: "Recent events to print first",
				Value: 10,
			},
		},
		Action: runWatch,
	}
}

func runWatch(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	owner, err := resolveOwner(cmd, cfg)
	if err != nil {
		return err
	}
	url := cmd.String("server")
	if url == "" {
		url = fmt.Sprintf("ws://%s:%d/api/events/ws", cfg.Gateway.Host, cfg.Gateway.Port)
	}

	client, err := wsclient.Dial(ctx, url, owner)
	if err != nil {
		return fmt.Errorf("connect to server: %w", err)
	}
	defer client.Close()

	historyID := ""
	if n := int(cmd.Int("history")); n > 0 {
		if historyID, err = client.RequestHistory(ctx, n); err != nil {
			return err
		}
	}

	for {
		f, err := client.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		switch {
		case f.Type == wsprotocol.FrameTypeResponse && f.ID == historyID:
			list, err := wsclient.DecodeHistory(f)
			if err != nil {
				return err
			}
			for _, e := range list {
				printEvent(e)
			}
		case f.Type == wsprotocol.FrameTypeEvent:
			e, err := wsclient.DecodeEvent(f)
			if err != nil {
				continue
			}
			printEvent(e)
		}
	}
}

func printEvent(e events.Event) {
	ts := colorize(mutedStyle, e.Timestamp.Local().Format(time.TimeOnly))
	fmt.Printf("%s %-22s %s\n", ts, e.Type, summarizeEvent(e))
}

func summarizeEvent(e events.Event) string {
	switch e.Type {
	case events.EventTaskCreated, events.EventTaskUpdated:
		return fmt.Sprintf("%v %v", e.Payload["task_id"], e.Payload["title"])
	case events.EventTasksRanked:
		return fmt.Sprintf("%v tasks, %v changed (%v)", e.Payload["count"], e.Payload["changed"], e.Payload["trigger"])
	case events.EventProjectDecomposed:
		return fmt.Sprintf("%v %v", e.Payload["project_id"], e.Payload["project_name"])
	case events.EventDecompositionFailed:
		return fmt.Sprintf("%v", e.Payload["error"])
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Sprint(e.Payload)
	}
	return string(data)
}
