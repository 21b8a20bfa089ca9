package storage

import (
	"log/slog"

	"github.com/dohr-michael/pilot/internal/events"
)

const eventsFile = "events.jsonl"

// EventLogger persists bus events as JSONL, one file per owner.
type EventLogger struct {
	dirs        *ownerDirs
	unsubscribe func()
}

// NewEventLogger subscribes to every bus event and appends it under dir.
func NewEventLogger(dir string, bus *events.Bus) *EventLogger {
	el := &EventLogger{dirs: newOwnerDirs(dir)}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

func (el *EventLogger) handleEvent(e events.Event) {
	// Request-phase model events carry no outcome; the response or error event follows.
	if e.Type == events.EventLLMCall {
		if p, ok := events.GetLLMCallPayload(e); ok && p.Phase == "request" {
			return
		}
	}
	if err := el.dirs.appendJSONL(e.OwnerID, eventsFile, e); err != nil {
		slog.Warn("event log: write failed", "owner", e.OwnerID, "type", e.Type, "error", err)
	}
}

// Recent returns up to limit of owner's most recent logged events, oldest
// first. limit <= 0 returns everything.
func (el *EventLogger) Recent(owner string, limit int) ([]events.Event, error) {
	all, err := loadJSONL[events.Event](el.dirs, owner, eventsFile)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}
