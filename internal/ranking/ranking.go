// Package ranking orders outstanding tasks by urgency and effort.
//
// Ordering is a strict total order over (task set, now):
//
//  1. overdue tasks, longest overdue first
//  2. dated tasks, by whole days to due, then by estimated hours (unknown
//     last), then by exact due date
//  3. undated tasks, by estimated hours (unknown last)
//
// Remaining ties break on created_at, then id. Completed tasks are ignored.
package ranking

import (
	"sort"
	"time"

	"github.com/dohr-michael/pilot/internal/tasks"
)

const day = 24 * time.Hour

type class int

const (
	classOverdue class = iota
	classDated
	classUndated
)

// Band is the colour bucket shown next to a priority.
type Band string

const (
	BandRed    Band = "red"
	BandYellow Band = "yellow"
	BandGreen  Band = "green"
)

// Entry is one ranked task.
type Entry struct {
	TaskID    string `json:"task_id"`
	Rank      int    `json:"rank"`
	Priority  int    `json:"priority"`
	Band      Band   `json:"band"`
	Overdue   bool   `json:"overdue"`
	DaysToDue *int   `json:"days_to_due,omitempty"`
}

// Snapshot is the ranking of a task set at a given instant.
type Snapshot struct {
	Now     time.Time `json:"now"`
	Entries []Entry   `json:"entries"`
}

// IDs returns the ranked task ids, most urgent first.
func (s Snapshot) IDs() []string {
	ids := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		ids[i] = e.TaskID
	}
	return ids
}

// Priorities maps task id to its rank-derived priority.
func (s Snapshot) Priorities() map[string]int {
	out := make(map[string]int, len(s.Entries))
	for _, e := range s.Entries {
		out[e.TaskID] = e.Priority
	}
	return out
}

// Rank returns the ids of the outstanding tasks, most urgent first.
func Rank(ts []*tasks.Task, now time.Time) []string {
	return Compute(ts, now).IDs()
}

// Compute ranks the outstanding tasks in ts. ts is not modified.
func Compute(ts []*tasks.Task, now time.Time) Snapshot {
	open := make([]*tasks.Task, 0, len(ts))
	for _, t := range ts {
		if t != nil && !t.Completed {
			open = append(open, t)
		}
	}

	sort.SliceStable(open, func(i, j int) bool {
		return Less(open[i], open[j], now)
	})

	snap := Snapshot{Now: now, Entries: make([]Entry, len(open))}
	for i, t := range open {
		p := Tier(i+1, len(open))
		e := Entry{
			TaskID:   t.ID,
			Rank:     i + 1,
			Priority: p,
			Band:     BandFor(p),
			Overdue:  t.IsOverdue(now),
		}
		if t.DueDate != nil && !e.Overdue {
			d := daysToDue(t, now)
			e.DaysToDue = &d
		}
		snap.Entries[i] = e
	}
	return snap
}

// Less reports whether a is more urgent than b at now.
func Less(a, b *tasks.Task, now time.Time) bool {
	ca, cb := classOf(a, now), classOf(b, now)
	if ca != cb {
		return ca < cb
	}

	switch ca {
	case classOverdue:
		if !a.DueDate.Equal(*b.DueDate) {
			return a.DueDate.Before(*b.DueDate)
		}
	case classDated:
		if da, db := daysToDue(a, now), daysToDue(b, now); da != db {
			return da < db
		}
		if c := compareHours(a, b); c != 0 {
			return c < 0
		}
		if !a.DueDate.Equal(*b.DueDate) {
			return a.DueDate.Before(*b.DueDate)
		}
	case classUndated:
		if c := compareHours(a, b); c != 0 {
			return c < 0
		}
	}

	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Tier maps rank r (1-based) of n tasks onto a priority in [1, 10].
func Tier(r, n int) int {
	if n <= 0 || r <= 0 {
		return tasks.MaxPriority
	}
	if r > n {
		r = n
	}
	return 1 + ((r-1)*10)/n
}

// BandFor buckets a priority into a colour band.
func BandFor(priority int) Band {
	switch {
	case priority <= 2:
		return BandRed
	case priority <= 5:
		return BandYellow
	default:
		return BandGreen
	}
}

func classOf(t *tasks.Task, now time.Time) class {
	switch {
	case t.DueDate == nil:
		return classUndated
	case t.DueDate.Before(now):
		return classOverdue
	default:
		return classDated
	}
}

func daysToDue(t *tasks.Task, now time.Time) int {
	return int(t.DueDate.Sub(now) / day)
}

// compareHours orders known estimates ascending, unknown last.
func compareHours(a, b *tasks.Task) int {
	switch {
	case a.EstimatedHours == nil && b.EstimatedHours == nil:
		return 0
	case a.EstimatedHours == nil:
		return 1
	case b.EstimatedHours == nil:
		return -1
	case *a.EstimatedHours < *b.EstimatedHours:
		return -1
	case *a.EstimatedHours > *b.EstimatedHours:
		return 1
	default:
		return 0
	}
}
