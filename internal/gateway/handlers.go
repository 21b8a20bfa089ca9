package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/pilot/internal/events"
	"github.com/dohr-michael/pilot/internal/storage"
	"github.com/dohr-michael/pilot/internal/tasks"
)

const defaultEventLimit = 50

func badRequest(field, format string, args ...any) error {
	return tasks.Invalid(field, format, args...)
}

// =============================================================================
// TASKS
// =============================================================================

type createTaskRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Priority       *int     `json:"priority"`
	EstimatedHours *float64 `json:"estimated_hours"`
	DueDate        string   `json:"due_date"`
	ProjectID      string   `json:"project_id"`
}

func (req createTaskRequest) input() (tasks.TaskInput, error) {
	in := tasks.TaskInput{
		Title:          req.Title,
		Description:    req.Description,
		Priority:       req.Priority,
		EstimatedHours: req.EstimatedHours,
		ProjectID:      req.ProjectID,
	}
	if req.DueDate != "" {
		due, err := tasks.ParseDue(req.DueDate)
		if err != nil {
			return in, err
		}
		in.DueDate = &due
	}
	return in, nil
}

// patchTaskRequest mirrors tasks.TaskPatch with a due date that accepts
// plain dates.
type patchTaskRequest struct {
	Title           tasks.Optional[string]  `json:"title"`
	Description     tasks.Optional[string]  `json:"description"`
	Priority        tasks.Optional[int]     `json:"priority"`
	EstimatedHours  tasks.Optional[float64] `json:"estimated_hours"`
	DueDate         tasks.Optional[string]  `json:"due_date"`
	ProjectID       tasks.Optional[string]  `json:"project_id"`
	Completed       tasks.Optional[bool]    `json:"completed"`
	ExpectedVersion *int                    `json:"expected_version"`
}

func (req patchTaskRequest) patch() (tasks.TaskPatch, error) {
	p := tasks.TaskPatch{
		Title:           req.Title,
		Description:     req.Description,
		Priority:        req.Priority,
		EstimatedHours:  req.EstimatedHours,
		ProjectID:       req.ProjectID,
		Completed:       req.Completed,
		ExpectedVersion: req.ExpectedVersion,
	}
	switch {
	case !req.DueDate.Set:
	case req.DueDate.Null || req.DueDate.Value == "":
		p.DueDate = tasks.Null[time.Time]()
	default:
		due, err := tasks.ParseDue(req.DueDate.Value)
		if err != nil {
			return p, err
		}
		p.DueDate = tasks.Some(due)
	}
	return p, nil
}

// expectedVersion reads If-Match. Weak and quoted forms are accepted.
func expectedVersion(r *http.Request) (*int, error) {
	h := strings.TrimSpace(r.Header.Get("If-Match"))
	if h == "" {
		return nil, nil
	}
	h = strings.Trim(strings.TrimPrefix(h, "W/"), `"`)
	v, err := strconv.Atoi(h)
	if err != nil || v < 1 {
		return nil, badRequest("If-Match", "expected a task version, got %q", r.Header.Get("If-Match"))
	}
	return &v, nil
}

func writeTask(w http.ResponseWriter, status int, t *tasks.Task) {
	w.Header().Set("ETag", strconv.Quote(strconv.Itoa(t.Version)))
	writeJSON(w, status, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter tasks.ListFilter
	if v := q.Get("completed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, badRequest("completed", "expected true or false, got %q", v))
			return
		}
		filter.Completed = &b
	}
	filter.ProjectID = q.Get("project_id")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, badRequest("limit", "expected a non-negative integer, got %q", v))
			return
		}
		filter.Limit = n
	}

	list, err := s.svc.ListTasks(r.Context(), ownerFrom(r), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.svc.CreateTask(r.Context(), ownerFrom(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTask(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTask(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTask(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req patchTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	patch, err := req.patch()
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := expectedVersion(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if v != nil {
		patch.ExpectedVersion = v
	}

	t, err := s.svc.UpdateTask(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTask(w, http.StatusOK, t)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	v, err := expectedVersion(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.svc.CompleteTask(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), v)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTask(w, http.StatusOK, t)
}

func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Recompute(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// =============================================================================
// PROJECTS
// =============================================================================

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListProjects(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*tasks.Project{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.svc.CreateProject(r.Context(), ownerFrom(r), req.Name, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// =============================================================================
// AI
// =============================================================================

type breakdownRequest struct {
	Goal string `json:"goal"`
}

type queryRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	var req breakdownRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.svc.Breakdown(r.Context(), ownerFrom(r), req.Goal)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ans, err := s.svc.Query(r.Context(), ownerFrom(r), req.Query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// =============================================================================
// EVENTS & USAGE
// =============================================================================

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, badRequest("limit", "expected a positive integer, got %q", v))
			return
		}
		limit = n
	}

	owner := ownerFrom(r)
	var history []events.Event
	if s.eventLog != nil {
		var err error
		if history, err = s.eventLog.Recent(owner, limit); err != nil {
			writeError(w, r, err)
			return
		}
	} else {
		history = s.bus.HistoryFor(owner, limit)
	}
	if history == nil {
		history = []events.Event{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, ownerFrom(r))
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var u storage.Usage
	if s.usage != nil {
		var err error
		if u, err = s.usage.Usage(ownerFrom(r)); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, u)
}
