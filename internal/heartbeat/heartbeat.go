// Package heartbeat lets the CLI tell whether a pilot server is running.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultInterval is how often a running server refreshes its heartbeat.
const DefaultInterval = 30 * time.Second

// State is the liveness of a server as seen from its heartbeat file.
type State string

const (
	StateRunning State = "running"
	StateStale   State = "stale"
	StateStopped State = "stopped"
)

// Heartbeat is the content of the heartbeat file.
type Heartbeat struct {
	PID           int        `json:"pid"`
	Addr          string     `json:"addr"`
	StartedAt     time.Time  `json:"started_at"`
	Timestamp     time.Time  `json:"timestamp"`
	NextRecompute *time.Time `json:"next_recompute,omitempty"`
}

// Uptime is the time elapsed between start and the last beat.
func (hb Heartbeat) Uptime() time.Duration {
	return hb.Timestamp.Sub(hb.StartedAt).Truncate(time.Second)
}

// Writer refreshes a heartbeat file until stopped.
type Writer struct {
	path     string
	interval time.Duration
	addr     string
	next     func(time.Time) time.Time // optional, reports the next scheduled re-rank
	started  time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a writer for the server listening on addr. next may be
// nil when no recompute schedule is active.
func NewWriter(path, addr string, next func(time.Time) time.Time) *Writer {
	return &Writer{
		path:     path,
		interval: DefaultInterval,
		addr:     addr,
		next:     next,
	}
}

// Start writes a first beat synchronously and keeps refreshing in the background.
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return nil
	}

	w.started = time.Now()
	if err := w.write(w.started); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				if err := w.write(now); err != nil {
					slog.Warn("heartbeat write failed", "path", w.path, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop ends the refresh loop and removes the file.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil

	if err := os.Remove(w.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("remove heartbeat", "path", w.path, "error", err)
	}
}

func (w *Writer) write(now time.Time) error {
	hb := Heartbeat{
		PID:       os.Getpid(),
		Addr:      w.addr,
		StartedAt: w.started,
		Timestamp: now,
	}
	if w.next != nil {
		n := w.next(now)
		if !n.IsZero() {
			hb.NextRecompute = &n
		}
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return err
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return os.Rename(tmp, w.path)
}

// Check reads the heartbeat at path. A beat older than maxAge is stale; a
// missing file means no server is running.
func Check(path string, maxAge time.Duration, now time.Time) (State, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return StateStopped, nil, nil
	}
	if err != nil {
		return StateStopped, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StateStopped, nil, fmt.Errorf("decode heartbeat: %w", err)
	}
	if now.Sub(hb.Timestamp) > maxAge {
		return StateStale, &hb, nil
	}
	return StateRunning, &hb, nil
}
