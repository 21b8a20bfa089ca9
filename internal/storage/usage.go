package storage

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/pilot/internal/events"
)

const usageFile = "usage.json"

// Usage is the accumulated model consumption of one owner.
type Usage struct {
	Calls        int       `json:"calls"`
	Errors       int       `json:"errors"`
	TokensInput  int       `json:"tokens_input"`
	TokensOutput int       `json:"tokens_output"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

// UsageTracker subscribes to model call events and accumulates usage per owner.
type UsageTracker struct {
	mu          sync.Mutex
	dirs        *ownerDirs
	cache       map[string]*Usage
	unsubscribe func()
}

// NewUsageTracker creates a tracker persisting under dir.
func NewUsageTracker(dir string, bus *events.Bus) *UsageTracker {
	ut := &UsageTracker{
		dirs:  newOwnerDirs(dir),
		cache: make(map[string]*Usage),
	}
	ut.unsubscribe = bus.Subscribe(ut.handleEvent, events.EventLLMCall)
	return ut
}

// Close unsubscribes the tracker from the event bus.
func (ut *UsageTracker) Close() {
	if ut.unsubscribe != nil {
		ut.unsubscribe()
	}
}

func (ut *UsageTracker) handleEvent(e events.Event) {
	if e.OwnerID == "" {
		return
	}
	payload, ok := events.GetLLMCallPayload(e)
	if !ok {
		return
	}

	ut.mu.Lock()
	defer ut.mu.Unlock()

	u, err := ut.load(e.OwnerID)
	if err != nil {
		slog.Debug("usage tracker: load failed", "owner", e.OwnerID, "error", err)
		u = &Usage{}
		ut.cache[e.OwnerID] = u
	}

	switch payload.Phase {
	case "response":
		u.Calls++
		u.TokensInput += payload.TokensInput
		u.TokensOutput += payload.TokensOutput
	case "error":
		u.Calls++
		u.Errors++
	default:
		return
	}
	u.UpdatedAt = e.Timestamp

	if err := ut.dirs.writeJSON(e.OwnerID, usageFile, u); err != nil {
		slog.Error("usage tracker: persist", "owner", e.OwnerID, "error", err)
	}
}

// Usage returns owner's accumulated usage.
func (ut *UsageTracker) Usage(owner string) (Usage, error) {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	u, err := ut.load(owner)
	if err != nil {
		return Usage{}, err
	}
	return *u, nil
}

// load must be called with mu held.
func (ut *UsageTracker) load(owner string) (*Usage, error) {
	if u, ok := ut.cache[owner]; ok {
		return u, nil
	}
	u := &Usage{}
	if _, err := ut.dirs.readJSON(owner, usageFile, u); err != nil {
		return nil, err
	}
	ut.cache[owner] = u
	return u, nil
}
