// Package scheduler periodically re-ranks every owner's tasks. Overdue status
// changes with the passage of time alone, so stored priorities drift without it.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultCooldown is the minimum interval between two runs.
const DefaultCooldown = 60 * time.Second

// Recomputer re-ranks the tasks of every owner.
type Recomputer interface {
	RecomputeAll(ctx context.Context) error
}

// Config holds the scheduler dependencies.
type Config struct {
	Spec    string        // 5-field cron expression
	Target  Recomputer
	Timeout time.Duration // per run, default 5m
}

// Scheduler triggers Target on a cron schedule.
type Scheduler struct {
	expr    *CronExpr
	target  Recomputer
	timeout time.Duration

	mu      sync.Mutex
	lastRun time.Time
	running bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New parses cfg.Spec and returns a stopped scheduler.
func New(cfg Config) (*Scheduler, error) {
	expr, err := ParseCron(cfg.Spec)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Scheduler{
		expr:    expr,
		target:  cfg.Target,
		timeout: cfg.Timeout,
		done:    make(chan struct{}),
	}, nil
}

// Start begins checking the schedule once a minute.
func (s *Scheduler) Start() {
	slog.Info("scheduler started", "recompute", s.expr.String(), "next", s.expr.Next(time.Now()))
	s.wg.Add(1)
	go s.cronLoop()
}

// Stop halts the scheduler and waits for a running recompute to finish.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

// Next returns the next planned run after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.expr.Next(t)
}

func (s *Scheduler) cronLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkCron(now)
		}
	}
}

// checkCron runs the target when now matches the schedule, at most once per
// cooldown and never twice concurrently.
func (s *Scheduler) checkCron(now time.Time) bool {
	if !s.expr.Matches(now) {
		return false
	}

	s.mu.Lock()
	if s.running || now.Sub(s.lastRun) < DefaultCooldown {
		s.mu.Unlock()
		return false
	}
	s.running = true
	s.lastRun = now
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.run()
	return true
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	// Stop cancels a run in progress.
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	if err := s.target.RecomputeAll(ctx); err != nil {
		slog.Error("scheduled recompute failed", "error", err, "duration", time.Since(start))
		return
	}
	slog.Info("scheduled recompute done", "duration", time.Since(start))
}
