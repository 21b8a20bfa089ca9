// Package core is the transport-agnostic facade over the engine. Every
// surface (HTTP, MCP, CLI) goes through Service.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dohr-michael/pilot/internal/assistant"
	"github.com/dohr-michael/pilot/internal/breakdown"
	"github.com/dohr-michael/pilot/internal/config"
	"github.com/dohr-michael/pilot/internal/estimate"
	"github.com/dohr-michael/pilot/internal/events"
	"github.com/dohr-michael/pilot/internal/lock"
	"github.com/dohr-michael/pilot/internal/models"
	"github.com/dohr-michael/pilot/internal/ranking"
	"github.com/dohr-michael/pilot/internal/tasks"
)

// Recompute triggers reported in tasks.ranked events.
const (
	TriggerCreate    = "create"
	TriggerUpdate    = "update"
	TriggerComplete  = "complete"
	TriggerBreakdown = "breakdown"
	TriggerRequest   = "request"
	TriggerSchedule  = "schedule"
)

// Service wires the store, the gateway and the engine components together.
type Service struct {
	store tasks.Store
	bus   *events.Bus
	est   estimate.Model
	orch  *breakdown.Orchestrator
	asst  *assistant.Assistant
	locks *lock.MutexMap
	now   func() time.Time
}

// NewService creates a Service. bus may be nil.
func NewService(store tasks.Store, gw models.Gateway, bus *events.Bus, cfg config.EngineConfig) *Service {
	return &Service{
		store: store,
		bus:   bus,
		est:   estimate.New(cfg),
		orch:  breakdown.New(gw, store, cfg),
		asst:  assistant.New(gw, cfg),
		locks: lock.NewMutexMap(),
		now:   time.Now,
	}
}

// WithClock replaces the time source used for ranking and timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.orch.WithClock(now)
	return s
}

// Store exposes the underlying task store.
func (s *Service) Store() tasks.Store { return s.store }

// Now returns the service clock in UTC.
func (s *Service) Now() time.Time { return s.now().UTC() }

// Rank orders ts at now without touching the store.
func (s *Service) Rank(ts []*tasks.Task, now time.Time) []string {
	return ranking.Rank(ts, now)
}

// Recompute ranks owner's outstanding tasks and rewrites their stored
// priorities in a single transaction.
func (s *Service) Recompute(ctx context.Context, owner string) (ranking.Snapshot, error) {
	var snap ranking.Snapshot
	err := s.locks.Do(owner, func() error {
		var err error
		snap, err = s.recompute(ctx, owner, TriggerRequest)
		return err
	})
	return snap, err
}

// RecomputeAll re-ranks every owner with outstanding tasks. Failures for one
// owner do not stop the others.
func (s *Service) RecomputeAll(ctx context.Context) error {
	owners, err := s.store.Owners(ctx)
	if err != nil {
		return fmt.Errorf("list owners: %w", err)
	}
	var errs []error
	for _, owner := range owners {
		err := s.locks.Do(owner, func() error {
			_, err := s.recompute(ctx, owner, TriggerSchedule)
			return err
		})
		if err != nil {
			slog.Warn("recompute failed", "owner", owner, "error", err)
			errs = append(errs, fmt.Errorf("owner %s: %w", owner, err))
		}
	}
	return errors.Join(errs...)
}

// recompute must run under owner's lock.
func (s *Service) recompute(ctx context.Context, owner, trigger string) (ranking.Snapshot, error) {
	var (
		snap    ranking.Snapshot
		changed int
	)
	err := s.store.WithTx(ctx, func(tx tasks.Tx) error {
		var err error
		snap, changed, err = s.rerank(ctx, tx, owner)
		return err
	})
	if err != nil {
		return ranking.Snapshot{}, err
	}
	s.ranked(owner, snap, changed, trigger)
	return snap, nil
}

// rerank reads the outstanding set and rewrites priorities inside tx, so
// the ranking written is the ranking of what tx sees.
func (s *Service) rerank(ctx context.Context, tx tasks.Tx, owner string) (ranking.Snapshot, int, error) {
	open, err := tx.ListTasks(ctx, owner, tasks.Outstanding())
	if err != nil {
		return ranking.Snapshot{}, 0, err
	}
	snap := ranking.Compute(open, s.Now())

	stored := make(map[string]int, len(open))
	for _, t := range open {
		stored[t.ID] = t.Priority
	}

	changed := 0
	for _, e := range snap.Entries {
		if stored[e.TaskID] == e.Priority {
			continue
		}
		if err := tx.SetPriority(ctx, owner, e.TaskID, e.Priority); err != nil {
			return ranking.Snapshot{}, 0, fmt.Errorf("rewrite priorities: %w", err)
		}
		changed++
	}
	return snap, changed, nil
}

func (s *Service) ranked(owner string, snap ranking.Snapshot, changed int, trigger string) {
	slog.Debug("tasks ranked", "owner", owner, "count", len(snap.Entries), "changed", changed, "trigger", trigger)
	s.publish(owner, events.TasksRankedPayload{
		Count:   len(snap.Entries),
		Changed: changed,
		Order:   snap.IDs(),
		Trigger: trigger,
	})
}

// CreateTask stores a new task, predicting its effort from completed
// history when no estimate is given, then re-ranks the owner's tasks. The
// insert and the re-rank commit together.
func (s *Service) CreateTask(ctx context.Context, owner string, in tasks.TaskInput) (*tasks.Task, error) {
	now := s.Now()
	t, err := tasks.NewTask(owner, in, now)
	if err != nil {
		return nil, err
	}

	var (
		created *tasks.Task
		snap    ranking.Snapshot
		changed int
	)
	err = s.locks.Do(owner, func() error {
		return s.store.WithTx(ctx, func(tx tasks.Tx) error {
			if t.ProjectID != "" {
				if err := checkProject(ctx, tx, owner, t.ProjectID); err != nil {
					return err
				}
			}
			if t.EstimatedHours == nil {
				history, err := tx.ListTasks(ctx, owner, tasks.CompletedOnly())
				if err != nil {
					return fmt.Errorf("load estimation history: %w", err)
				}
				h := s.est.Predict(t.Title, t.Description, history)
				t.EstimatedHours = &h
			}
			if err := tx.CreateTask(ctx, t); err != nil {
				return err
			}
			var err error
			if snap, changed, err = s.rerank(ctx, tx, owner); err != nil {
				return err
			}
			created, err = tx.GetTask(ctx, owner, t.ID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(owner, events.TaskCreatedPayload{
		TaskID:         t.ID,
		Title:          t.Title,
		ProjectID:      t.ProjectID,
		EstimatedHours: t.EstimatedHours,
	})
	s.ranked(owner, snap, changed, TriggerCreate)
	return created, nil
}

// UpdateTask applies patch to a task. When patch carries an expected
// version that no longer matches, tasks.ErrConflict is returned.
func (s *Service) UpdateTask(ctx context.Context, owner, id string, patch tasks.TaskPatch) (*tasks.Task, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	trigger := TriggerUpdate
	if patch.Completed.Set && patch.Completed.Value {
		trigger = TriggerComplete
	}

	var (
		updated *tasks.Task
		fields  []string
		applied bool
		snap    ranking.Snapshot
		changed int
	)
	err := s.locks.Do(owner, func() error {
		return s.store.WithTx(ctx, func(tx tasks.Tx) error {
			t, err := tx.GetTask(ctx, owner, id)
			if err != nil {
				return err
			}
			expected := t.Version
			if patch.ExpectedVersion != nil {
				if *patch.ExpectedVersion != t.Version {
					return fmt.Errorf("task %s at version %d: %w", id, *patch.ExpectedVersion, tasks.ErrConflict)
				}
				expected = *patch.ExpectedVersion
			}
			if patch.Empty() {
				updated = t
				return nil
			}
			if patch.ProjectID.Set && patch.ProjectID.Value != "" {
				if err := checkProject(ctx, tx, owner, patch.ProjectID.Value); err != nil {
					return err
				}
			}

			fields = patch.Apply(t, s.Now())
			applied = true
			if err := tx.UpdateTask(ctx, t, expected); err != nil {
				return err
			}
			if snap, changed, err = s.rerank(ctx, tx, owner); err != nil {
				return err
			}
			updated, err = tx.GetTask(ctx, owner, id)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return updated, nil
	}

	s.publish(owner, events.TaskUpdatedPayload{
		TaskID:    updated.ID,
		Fields:    fields,
		Completed: updated.Completed,
		Version:   updated.Version,
	})
	s.ranked(owner, snap, changed, trigger)
	return updated, nil
}

// CompleteTask marks a task done. Completed tasks are kept as estimation history.
func (s *Service) CompleteTask(ctx context.Context, owner, id string, expectedVersion *int) (*tasks.Task, error) {
	return s.UpdateTask(ctx, owner, id, tasks.TaskPatch{
		Completed:       tasks.Some(true),
		ExpectedVersion: expectedVersion,
	})
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, owner, id string) (*tasks.Task, error) {
	return s.store.GetTask(ctx, owner, id)
}

// ListTasks returns owner's tasks ordered by stored priority, which tracks
// the latest ranking.
func (s *Service) ListTasks(ctx context.Context, owner string, filter tasks.ListFilter) ([]*tasks.Task, error) {
	return s.store.ListTasks(ctx, owner, filter)
}

// Snapshot ranks owner's outstanding tasks at the current time without
// rewriting anything.
func (s *Service) Snapshot(ctx context.Context, owner string) (ranking.Snapshot, error) {
	open, err := s.store.ListTasks(ctx, owner, tasks.Outstanding())
	if err != nil {
		return ranking.Snapshot{}, err
	}
	return ranking.Compute(open, s.Now()), nil
}

// CreateProject stores a project created by hand.
func (s *Service) CreateProject(ctx context.Context, owner, name, description string) (*tasks.Project, error) {
	p := &tasks.Project{
		ID:          tasks.GenerateProjectID(),
		OwnerID:     owner,
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		CreatedAt:   s.Now(),
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListProjects returns owner's projects, oldest first.
func (s *Service) ListProjects(ctx context.Context, owner string) ([]*tasks.Project, error) {
	return s.store.ListProjects(ctx, owner)
}

// Breakdown decomposes goal into a new project and re-ranks afterwards.
func (s *Service) Breakdown(ctx context.Context, owner, goal string) (*breakdown.Result, error) {
	ctx = events.ContextWithOwner(ctx, owner)
	res, err := s.orch.Decompose(ctx, owner, goal)
	if err != nil {
		s.publish(owner, events.DecompositionFailedPayload{Goal: goal, Error: SafeMessage(err)})
		return nil, err
	}

	ids := make([]string, len(res.Subtasks))
	predicted := 0
	for i, st := range res.Subtasks {
		ids[i] = st.TaskID
		if st.EstimateSource == breakdown.SourcePredicted {
			predicted++
		}
	}
	s.publish(owner, events.ProjectDecomposedPayload{
		ProjectID:   res.ProjectID,
		ProjectName: res.ProjectName,
		TaskIDs:     ids,
		Predicted:   predicted,
	})

	// The project is committed; a failed re-rank only delays priorities.
	err = s.locks.Do(owner, func() error {
		_, err := s.recompute(ctx, owner, TriggerBreakdown)
		return err
	})
	if err != nil {
		slog.Warn("recompute after breakdown failed", "owner", owner, "error", err)
	}
	return res, nil
}

// Query answers a question grounded in owner's current tasks.
func (s *Service) Query(ctx context.Context, owner, question string) (*assistant.Answer, error) {
	ctx = events.ContextWithOwner(ctx, owner)
	snapshot, err := s.store.ListTasks(ctx, owner, tasks.ListFilter{})
	if err != nil {
		return nil, err
	}
	ans, err := s.asst.Ask(ctx, question, snapshot, s.Now())
	if err != nil {
		return nil, err
	}
	s.publish(owner, events.QueryAnsweredPayload{
		Question:      strings.TrimSpace(question),
		ContextTasks:  ans.ContextTasks,
		TotalTasks:    ans.TotalTasks,
		ResponseChars: len(ans.Response),
	})
	return ans, nil
}

func checkProject(ctx context.Context, tx tasks.Tx, owner, id string) error {
	if _, err := tx.GetProject(ctx, owner, id); err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return tasks.Invalid("project_id", "unknown project %q", id)
		}
		return err
	}
	return nil
}

func (s *Service) publish(owner string, payload events.EventPayload) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(events.NewTypedEventWithOwner(events.SourceCore, payload, owner)); err != nil {
		slog.Debug("event not published", "type", payload.EventType(), "error", err)
	}
}
