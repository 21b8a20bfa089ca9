// Package assistant answers natural-language questions about a user's tasks,
// grounding the model in a bounded summary of the current task state.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dohr-michael/pilot/internal/config"
	"github.com/dohr-michael/pilot/internal/models"
	"github.com/dohr-michael/pilot/internal/ranking"
	"github.com/dohr-michael/pilot/internal/tasks"
)

// NoTasksMarker replaces the context block when the user has no tasks at all.
const NoTasksMarker = "NO_TASKS: the user currently has no tasks."

const systemPrompt = `You are a task management assistant. Answer the user's question about their tasks and give concrete recommendations.
Ground every statement in the task context provided. If the context does not contain the answer, say so instead of guessing.
Tasks are listed most urgent first; priority 1 is the highest.`

// Answer is the assistant's reply and the size of the context it saw.
type Answer struct {
	Response     string `json:"response"`
	ContextTasks int    `json:"context_tasks"`
	TotalTasks   int    `json:"total_tasks"`
}

// Assistant forwards grounded questions to a Gateway.
type Assistant struct {
	gw     models.Gateway
	cap    int
	maxLen int
	retry  models.RetryPolicy
}

// New creates an Assistant using the engine's query settings.
func New(gw models.Gateway, cfg config.EngineConfig) *Assistant {
	return &Assistant{
		gw:     gw,
		cap:    cfg.ContextCap,
		maxLen: cfg.MaxQuestionLength,
		retry:  models.PolicyFromConfig(cfg.QueryRetry),
	}
}

// Ask answers question against snapshot, the caller's full task list.
// The model's text is returned unmodified. Ask has no side effects.
func (a *Assistant) Ask(ctx context.Context, question string, snapshot []*tasks.Task, now time.Time) (*Answer, error) {
	q, err := NormalizeQuestion(question, a.maxLen)
	if err != nil {
		return nil, err
	}

	block := BuildContext(snapshot, now, a.cap)
	prompt := models.Prompt{
		System: systemPrompt,
		User:   "Task context:\n" + block.Text + "\n\nQuestion: " + q,
	}

	var text string
	err = models.Retry(ctx, a.retry, func(ctx context.Context) error {
		out, err := a.gw.Generate(ctx, prompt)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("answer question: %w", err)
	}

	slog.Debug("query answered", "context_tasks", block.Shown, "outstanding", block.Outstanding, "chars", len(text))
	return &Answer{Response: text, ContextTasks: block.Shown, TotalTasks: len(snapshot)}, nil
}

// NormalizeQuestion trims q and enforces the length bound (in runes).
func NormalizeQuestion(q string, maxLen int) (string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return "", tasks.Invalid("question", "must not be empty")
	}
	if maxLen > 0 && utf8.RuneCountInString(q) > maxLen {
		return "", tasks.Invalid("question", "must be at most %d characters", maxLen)
	}
	return q, nil
}

// Context is the grounding block handed to the model.
type Context struct {
	Text        string
	Outstanding int
	Overdue     int
	DueToday    int
	Completed   int
	TotalHours  float64
	Shown       int
}

// BuildContext summarises snapshot at now, listing at most limit outstanding
// tasks in ranking order.
func BuildContext(snapshot []*tasks.Task, now time.Time, limit int) Context {
	if len(snapshot) == 0 {
		return Context{Text: NoTasksMarker}
	}
	if limit <= 0 {
		limit = 10
	}

	var c Context
	byID := make(map[string]*tasks.Task, len(snapshot))
	for _, t := range snapshot {
		if t == nil {
			continue
		}
		byID[t.ID] = t
		if t.Completed {
			c.Completed++
			continue
		}
		c.Outstanding++
		c.TotalHours += t.Hours()
		switch {
		case t.IsOverdue(now):
			c.Overdue++
		case dueToday(t, now):
			c.DueToday++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Now: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Outstanding tasks: %d\n", c.Outstanding)
	fmt.Fprintf(&sb, "Overdue: %d\n", c.Overdue)
	fmt.Fprintf(&sb, "Due today: %d\n", c.DueToday)
	fmt.Fprintf(&sb, "Completed: %d\n", c.Completed)
	fmt.Fprintf(&sb, "Total outstanding estimated hours: %s\n", formatHours(c.TotalHours))

	snap := ranking.Compute(snapshot, now)
	entries := snap.Entries
	if len(entries) > limit {
		entries = entries[:limit]
	}
	c.Shown = len(entries)

	if c.Outstanding == 0 {
		sb.WriteString("\nNo outstanding tasks.")
		c.Text = sb.String()
		return c
	}

	sb.WriteString("\nMost urgent outstanding tasks")
	if c.Shown < c.Outstanding {
		fmt.Fprintf(&sb, " (showing %d of %d)", c.Shown, c.Outstanding)
	}
	sb.WriteString(":\n")
	for _, e := range entries {
		sb.WriteString(formatEntry(e, byID[e.TaskID], now))
		sb.WriteByte('\n')
	}
	c.Text = strings.TrimRight(sb.String(), "\n")
	return c
}

func formatEntry(e ranking.Entry, t *tasks.Task, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d. %s (priority %d", e.Rank, t.Title, e.Priority)
	if t.DueDate != nil {
		fmt.Fprintf(&sb, ", due %s", t.DueDate.Format(time.DateOnly))
		switch {
		case e.Overdue:
			sb.WriteString(", OVERDUE")
		case dueToday(t, now):
			sb.WriteString(", due today")
		}
	}
	if t.EstimatedHours != nil {
		fmt.Fprintf(&sb, ", est %sh", formatHours(*t.EstimatedHours))
	}
	sb.WriteString(")")
	if t.Description != "" {
		sb.WriteString(": " + oneLine(t.Description, 160))
	}
	return sb.String()
}

// dueToday reports whether a non-overdue task falls due before the end of
// now's calendar day.
func dueToday(t *tasks.Task, now time.Time) bool {
	if t.DueDate == nil || t.DueDate.Before(now) {
		return false
	}
	y, m, d := now.Date()
	endOfDay := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return t.DueDate.Before(endOfDay)
}

func formatHours(h float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", h), "0"), ".")
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
