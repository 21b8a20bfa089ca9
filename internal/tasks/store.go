package tasks

import "context"

// ListFilter defines criteria for filtering task lists.
type ListFilter struct {
	Completed *bool  `json:"completed,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Outstanding lists tasks that are not completed.
func Outstanding() ListFilter {
	f := false
	return ListFilter{Completed: &f}
}

// CompletedOnly lists completed tasks.
func CompletedOnly() ListFilter {
	t := true
	return ListFilter{Completed: &t}
}

// Tx is the set of operations available inside and outside a transaction.
// Every read and write is scoped to one owner.
type Tx interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, owner, id string) (*Project, error)
	ListProjects(ctx context.Context, owner string) ([]*Project, error)

	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, owner, id string) (*Task, error)
	// ListTasks orders by priority, then created_at, then id.
	ListTasks(ctx context.Context, owner string, filter ListFilter) ([]*Task, error)
	// UpdateTask persists t if its stored version equals expectedVersion, and
	// increments t.Version. ErrConflict otherwise.
	UpdateTask(ctx context.Context, t *Task, expectedVersion int) error
	// SetPriority rewrites a stored priority without bumping the version.
	SetPriority(ctx context.Context, owner, id string, priority int) error
}

// Store persists tasks and projects.
type Store interface {
	Tx
	// WithTx runs fn in a transaction. fn's error rolls everything back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// Owners lists every owner with at least one outstanding task.
	Owners(ctx context.Context) ([]string, error)
	Close() error
}
