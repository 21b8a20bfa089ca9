// Package breakdown turns a free-text goal into a project with estimated
// subtasks. The project and its subtasks are persisted atomically.
package breakdown

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dohr-michael/pilot/internal/config"
	"github.com/dohr-michael/pilot/internal/estimate"
	"github.com/dohr-michael/pilot/internal/models"
	"github.com/dohr-michael/pilot/internal/tasks"
)

// Estimate sources reported for each subtask.
const (
	SourceModel     = "model"
	SourcePredicted = "predicted"
)

const maxNameRunes = 100

const systemPrompt = `You are a planning assistant. Break the user's goal into a project with concrete, actionable subtasks.
Order subtasks in the sequence they should be done. Each title is a short imperative sentence.
Estimate each subtask in hours (decimals allowed). Produce between 3 and 10 subtasks unless the goal clearly needs fewer.`

const schemaHint = `{
  "project_name": "string, short name for the project",
  "description": "string, optional one-paragraph summary",
  "subtasks": [
    {"title": "string", "estimated_hours": "number"}
  ]
}`

// Subtask is one produced task.
type Subtask struct {
	TaskID         string  `json:"task_id"`
	Title          string  `json:"title"`
	EstimatedHours float64 `json:"estimated_hours"`
	EstimateSource string  `json:"estimate_source"`
}

// Result is the outcome of a successful decomposition.
type Result struct {
	Goal        string    `json:"goal"`
	ProjectID   string    `json:"project_id"`
	ProjectName string    `json:"project_name"`
	Subtasks    []Subtask `json:"subtasks"`
}

// Orchestrator drives goal decomposition.
type Orchestrator struct {
	gw          models.Gateway
	store       tasks.Store
	est         estimate.Model
	retry       models.RetryPolicy
	maxGoal     int
	maxSubtasks int
	now         func() time.Time
}

// New creates an Orchestrator from the engine settings.
func New(gw models.Gateway, store tasks.Store, cfg config.EngineConfig) *Orchestrator {
	return &Orchestrator{
		gw:          gw,
		store:       store,
		est:         estimate.New(cfg),
		retry:       models.PolicyFromConfig(cfg.BreakdownRetry),
		maxGoal:     cfg.MaxGoalLength,
		maxSubtasks: cfg.MaxSubtasks,
		now:         time.Now,
	}
}

// WithClock replaces the time source.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// plan is the document requested from the model.
type plan struct {
	ProjectName string        `json:"project_name"`
	Description string        `json:"description"`
	Subtasks    []planSubtask `json:"subtasks"`
}

type planSubtask struct {
	Title          string    `json:"title"`
	EstimatedHours flexHours `json:"estimated_hours"`
}

// flexHours accepts a number or a numeric string. Anything else is treated
// as absent so the estimate can be predicted instead.
type flexHours struct {
	Value float64
	Valid bool
}

func (h *flexHours) UnmarshalJSON(b []byte) error {
	*h = flexHours{}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		h.Value, h.Valid = n, true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			h.Value, h.Valid = n, true
		}
	}
	return nil
}

func (h flexHours) usable() bool {
	return h.Valid && h.Value > 0 && !math.IsNaN(h.Value) && !math.IsInf(h.Value, 0)
}

// Decompose generates a plan for goal and persists it for owner. Nothing is
// stored unless the whole project commits.
func (o *Orchestrator) Decompose(ctx context.Context, owner, goal string) (*Result, error) {
	goal, err := NormalizeGoal(goal, o.maxGoal)
	if err != nil {
		return nil, err
	}

	p, err := o.generate(ctx, goal)
	if err != nil {
		return nil, err
	}

	subtasks := o.validate(p)
	if len(subtasks) == 0 {
		return nil, tasks.Invalid("subtasks", "the model produced no usable subtasks")
	}

	if err := o.fillEstimates(ctx, owner, subtasks); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	project := &tasks.Project{
		ID:          tasks.GenerateProjectID(),
		OwnerID:     owner,
		Name:        projectName(p.ProjectName, goal),
		Description: strings.TrimSpace(p.Description),
		Goal:        goal,
		CreatedAt:   now,
	}
	if project.Description == "" {
		project.Description = goal
	}

	created := make([]*tasks.Task, len(subtasks))
	for i, st := range subtasks {
		hours := st.EstimatedHours
		created[i] = &tasks.Task{
			ID:             tasks.GenerateTaskID(),
			OwnerID:        owner,
			Title:          st.Title,
			Priority:       tasks.DefaultPriority,
			EstimatedHours: &hours,
			ProjectID:      project.ID,
			Position:       i + 1,
			// Distinct timestamps keep generation order in ranking tie-breaks.
			CreatedAt: now.Add(time.Duration(i)),
			UpdatedAt: now,
			Version:   1,
		}
		subtasks[i].TaskID = created[i].ID
	}

	err = o.store.WithTx(ctx, func(tx tasks.Tx) error {
		if err := tx.CreateProject(ctx, project); err != nil {
			return err
		}
		for _, t := range created {
			if err := tx.CreateTask(ctx, t); err != nil {
				return err
			}
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store decomposition: %w", err)
	}

	slog.Info("goal decomposed", "owner", owner, "project", project.ID, "subtasks", len(created))
	return &Result{
		Goal:        goal,
		ProjectID:   project.ID,
		ProjectName: project.Name,
		Subtasks:    subtasks,
	}, nil
}

// NormalizeGoal trims goal and enforces the length bound (in runes).
func NormalizeGoal(goal string, maxLen int) (string, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", tasks.Invalid("goal", "must not be empty")
	}
	if maxLen > 0 && utf8.RuneCountInString(goal) > maxLen {
		return "", tasks.Invalid("goal", "must be at most %d characters", maxLen)
	}
	return goal, nil
}

func (o *Orchestrator) generate(ctx context.Context, goal string) (*plan, error) {
	prompt := models.Prompt{System: systemPrompt, User: "Goal: " + goal}

	var p plan
	err := models.Retry(ctx, o.retry, func(ctx context.Context) error {
		// Each attempt starts from an empty document.
		p = plan{}
		return o.gw.GenerateStructured(ctx, prompt, schemaHint, &p)
	})
	if err != nil {
		return nil, fmt.Errorf("decompose goal: %w", err)
	}
	return &p, nil
}

// validate trims titles, drops blank ones and caps the list in generation
// order. Unusable estimates are left at zero for fillEstimates.
func (o *Orchestrator) validate(p *plan) []Subtask {
	limit := o.maxSubtasks
	if limit <= 0 {
		limit = 20
	}
	var out []Subtask
	for _, st := range p.Subtasks {
		title := strings.TrimSpace(st.Title)
		if title == "" {
			continue
		}
		s := Subtask{Title: title}
		if st.EstimatedHours.usable() {
			s.EstimatedHours = st.EstimatedHours.Value
			s.EstimateSource = SourceModel
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (o *Orchestrator) fillEstimates(ctx context.Context, owner string, subtasks []Subtask) error {
	var history []*tasks.Task
	loaded := false
	for i := range subtasks {
		if subtasks[i].EstimateSource == SourceModel {
			continue
		}
		if !loaded {
			h, err := o.store.ListTasks(ctx, owner, tasks.CompletedOnly())
			if err != nil {
				return fmt.Errorf("load estimation history: %w", err)
			}
			history, loaded = h, true
		}
		subtasks[i].EstimatedHours = o.est.Predict(subtasks[i].Title, "", history)
		subtasks[i].EstimateSource = SourcePredicted
	}
	return nil
}

func projectName(name, goal string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = goal
	}
	if utf8.RuneCountInString(name) <= maxNameRunes {
		return name
	}
	return strings.TrimSpace(string([]rune(name)[:maxNameRunes]))
}
