// Package tasks holds the task and project model and its persistent store.
package tasks

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority bounds. 1 is the most urgent.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("version conflict")
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Invalid builds a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Task is a unit of work owned by one user.
type Task struct {
	ID             string     `json:"id" yaml:"id"`
	OwnerID        string     `json:"owner_id" yaml:"owner_id"`
	Title          string     `json:"title" yaml:"title"`
	Description    string     `json:"description,omitempty" yaml:"description,omitempty"`
	Priority       int        `json:"priority" yaml:"priority"`
	EstimatedHours *float64   `json:"estimated_hours,omitempty" yaml:"estimated_hours,omitempty"`
	DueDate        *time.Time `json:"due_date,omitempty" yaml:"due_date,omitempty"`
	Completed      bool       `json:"completed" yaml:"completed"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	ProjectID      string     `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	Position       int        `json:"position,omitempty" yaml:"position,omitempty"`
	CreatedAt      time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" yaml:"updated_at"`
	Version        int        `json:"version" yaml:"version"`
}

// Validate checks the stored-task invariants.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return Invalid("title", "must not be empty")
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return Invalid("priority", "must be between %d and %d, got %d", MinPriority, MaxPriority, t.Priority)
	}
	if t.EstimatedHours != nil {
		if err := ValidateHours(*t.EstimatedHours); err != nil {
			return err
		}
	}
	return nil
}

// ValidateHours rejects negative and non-finite estimates.
func ValidateHours(h float64) error {
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return Invalid("estimated_hours", "must be a finite number")
	}
	if h < 0 {
		return Invalid("estimated_hours", "must be >= 0, got %g", h)
	}
	return nil
}

// Hours returns the estimate, or 0 when absent.
func (t *Task) Hours() float64 {
	if t.EstimatedHours == nil {
		return 0
	}
	return *t.EstimatedHours
}

// IsOverdue reports whether an outstanding task is past its due date.
func (t *Task) IsOverdue(now time.Time) bool {
	return !t.Completed && t.DueDate != nil && t.DueDate.Before(now)
}

// Project groups tasks, usually produced by goal decomposition.
type Project struct {
	ID          string    `json:"id" yaml:"id"`
	OwnerID     string    `json:"owner_id" yaml:"owner_id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Goal        string    `json:"goal,omitempty" yaml:"goal,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// Validate checks the project invariants.
func (p *Project) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return Invalid("name", "must not be empty")
	}
	return nil
}

// TaskInput is the caller-supplied part of a new task.
type TaskInput struct {
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Priority       *int       `json:"priority,omitempty"`
	EstimatedHours *float64   `json:"estimated_hours,omitempty"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	ProjectID      string     `json:"project_id,omitempty"`
}

// NewTask builds a validated task for owner from in.
func NewTask(owner string, in TaskInput, now time.Time) (*Task, error) {
	t := &Task{
		ID:             GenerateTaskID(),
		OwnerID:        owner,
		Title:          strings.TrimSpace(in.Title),
		Description:    strings.TrimSpace(in.Description),
		Priority:       DefaultPriority,
		EstimatedHours: in.EstimatedHours,
		DueDate:        in.DueDate,
		ProjectID:      in.ProjectID,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if in.Priority != nil {
		t.Priority = *in.Priority
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// ParseDue accepts RFC 3339 timestamps or plain dates. A plain date means the
// end of that day in UTC.
func ParseDue(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, Invalid("due_date", "expected YYYY-MM-DD or RFC 3339, got %q", s)
	}
	return d.Add(24*time.Hour - time.Second), nil
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	return "task_" + shortUUID()
}

// GenerateProjectID creates a unique project identifier.
func GenerateProjectID() string {
	return "proj_" + shortUUID()
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}
