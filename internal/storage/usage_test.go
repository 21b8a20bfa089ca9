package storage

import (
	"testing"
	"time"

	"github.com/dohr-michael/pilot/internal/events"
)

func publishLLMEvent(bus *events.Bus, owner, phase string, tokensIn, tokensOut int) {
	payload := events.LLMCallPayload{
		Phase:        phase,
		Model:        "test-model",
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
	}
	bus.Publish(events.NewTypedEventWithOwner(events.SourceModels, payload, owner))
}

func TestUsageTracker_Accumulation(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()

	ut := NewUsageTracker(t.TempDir(), bus)
	defer ut.Close()

	publishLLMEvent(bus, "alice", "request", 0, 0)
	publishLLMEvent(bus, "alice", "response", 100, 50)
	publishLLMEvent(bus, "alice", "response", 200, 80)
	publishLLMEvent(bus, "alice", "error", 0, 0)

	time.Sleep(150 * time.Millisecond)

	got, err := ut.Usage("alice")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if got.TokensInput != 300 {
		t.Errorf("input tokens: got %d, want 300", got.TokensInput)
	}
	if got.TokensOutput != 130 {
		t.Errorf("output tokens: got %d, want 130", got.TokensOutput)
	}
	if got.Calls != 3 || got.Errors != 1 {
		t.Errorf("calls/errors: got %d/%d, want 3/1", got.Calls, got.Errors)
	}
}

func TestUsageTracker_Persistence(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(64)
	defer bus.Close()

	ut := NewUsageTracker(dir, bus)
	publishLLMEvent(bus, "bob", "response", 10, 5)
	time.Sleep(150 * time.Millisecond)
	ut.Close()

	reopened := NewUsageTracker(dir, bus)
	defer reopened.Close()

	got, err := reopened.Usage("bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.TokensInput != 10 || got.TokensOutput != 5 || got.Calls != 1 {
		t.Errorf("usage not reloaded: %+v", got)
	}
}

func TestUsageTracker_IgnoresOwnerless(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()

	dir := t.TempDir()
	ut := NewUsageTracker(dir, bus)
	defer ut.Close()

	publishLLMEvent(bus, "", "response", 100, 50)
	time.Sleep(100 * time.Millisecond)

	got, err := ut.Usage("")
	if err != nil {
		t.Fatal(err)
	}
	if got.Calls != 0 {
		t.Errorf("ownerless events must not be tracked: %+v", got)
	}
}

func TestUsageTracker_OwnerIsolation(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()

	ut := NewUsageTracker(t.TempDir(), bus)
	defer ut.Close()

	publishLLMEvent(bus, "alice", "response", 7, 3)
	time.Sleep(100 * time.Millisecond)

	got, _ := ut.Usage("carol")
	if got.TokensInput != 0 {
		t.Errorf("carol should have no usage, got %+v", got)
	}
}
