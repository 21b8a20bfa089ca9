package tasks

import (
	"encoding/json"
	"strings"
	"time"
)

// Optional distinguishes an absent field from an explicit null in a patch.
type Optional[T any] struct {
	Set   bool
	Null  bool
	Value T
}

// Some returns a set Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: v}
}

// Null returns a set Optional that clears the field.
func Null[T any]() Optional[T] {
	return Optional[T]{Set: true, Null: true}
}

func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		o.Null = true
		return nil
	}
	return json.Unmarshal(b, &o.Value)
}

// TaskPatch is a partial update. Only set fields are applied.
type TaskPatch struct {
	Title           Optional[string]    `json:"title"`
	Description     Optional[string]    `json:"description"`
	Priority        Optional[int]       `json:"priority"`
	EstimatedHours  Optional[float64]   `json:"estimated_hours"`
	DueDate         Optional[time.Time] `json:"due_date"`
	ProjectID       Optional[string]    `json:"project_id"`
	Completed       Optional[bool]      `json:"completed"`
	ExpectedVersion *int                `json:"expected_version,omitempty"`
}

// Validate rejects patches that would break a task invariant.
func (p TaskPatch) Validate() error {
	if p.Title.Set && (p.Title.Null || strings.TrimSpace(p.Title.Value) == "") {
		return Invalid("title", "must not be empty")
	}
	if p.Priority.Set {
		if p.Priority.Null {
			return Invalid("priority", "cannot be cleared")
		}
		if p.Priority.Value < MinPriority || p.Priority.Value > MaxPriority {
			return Invalid("priority", "must be between %d and %d, got %d", MinPriority, MaxPriority, p.Priority.Value)
		}
	}
	if p.EstimatedHours.Set && !p.EstimatedHours.Null {
		if err := ValidateHours(p.EstimatedHours.Value); err != nil {
			return err
		}
	}
	if p.Completed.Set && p.Completed.Null {
		return Invalid("completed", "cannot be cleared")
	}
	return nil
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return !p.Title.Set && !p.Description.Set && !p.Priority.Set && !p.EstimatedHours.Set &&
		!p.DueDate.Set && !p.ProjectID.Set && !p.Completed.Set
}

// Apply mutates t and returns the names of the fields that were set.
// Call Validate first.
func (p TaskPatch) Apply(t *Task, now time.Time) []string {
	var fields []string
	if p.Title.Set {
		t.Title = strings.TrimSpace(p.Title.Value)
		fields = append(fields, "title")
	}
	if p.Description.Set {
		t.Description = strings.TrimSpace(p.Description.Value)
		fields = append(fields, "description")
	}
	if p.Priority.Set {
		t.Priority = p.Priority.Value
		fields = append(fields, "priority")
	}
	if p.EstimatedHours.Set {
		if p.EstimatedHours.Null {
			t.EstimatedHours = nil
		} else {
			h := p.EstimatedHours.Value
			t.EstimatedHours = &h
		}
		fields = append(fields, "estimated_hours")
	}
	if p.DueDate.Set {
		if p.DueDate.Null {
			t.DueDate = nil
		} else {
			d := p.DueDate.Value
			t.DueDate = &d
		}
		fields = append(fields, "due_date")
	}
	if p.ProjectID.Set {
		t.ProjectID = p.ProjectID.Value
		fields = append(fields, "project_id")
	}
	if p.Completed.Set {
		if p.Completed.Value && !t.Completed {
			done := now
			t.CompletedAt = &done
		} else if !p.Completed.Value {
			t.CompletedAt = nil
		}
		t.Completed = p.Completed.Value
		fields = append(fields, "completed")
	}
	t.UpdatedAt = now
	return fields
}
