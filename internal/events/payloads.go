package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// TASK EVENTS
// =============================================================================

type TaskCreatedPayload struct {
	TaskID         string   `json:"task_id"`
	Title          string   `json:"title"`
	ProjectID      string   `json:"project_id,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
}

func (TaskCreatedPayload) EventType() EventType { return EventTaskCreated }

type TaskUpdatedPayload struct {
	TaskID    string   `json:"task_id"`
	Fields    []string `json:"fields"`
	Completed bool     `json:"completed"`
	Version   int      `json:"version"`
}

func (TaskUpdatedPayload) EventType() EventType { return EventTaskUpdated }

type TasksRankedPayload struct {
	Count   int      `json:"count"`
	Changed int      `json:"changed"` // stored priorities rewritten
	Order   []string `json:"order,omitempty"`
	Trigger string   `json:"trigger"`
}

func (TasksRankedPayload) EventType() EventType { return EventTasksRanked }

// =============================================================================
// DECOMPOSITION EVENTS
// =============================================================================

type ProjectDecomposedPayload struct {
	ProjectID   string   `json:"project_id"`
	ProjectName string   `json:"project_name"`
	TaskIDs     []string `json:"task_ids"`
	Predicted   int      `json:"predicted"` // subtasks whose hours came from history
}

func (ProjectDecomposedPayload) EventType() EventType { return EventProjectDecomposed }

type DecompositionFailedPayload struct {
	Goal  string `json:"goal"`
	Error string `json:"error"`
}

func (DecompositionFailedPayload) EventType() EventType { return EventDecompositionFailed }

// =============================================================================
// QUERY EVENTS
// =============================================================================

type QueryAnsweredPayload struct {
	Question      string `json:"question"`
	ContextTasks  int    `json:"context_tasks"`
	TotalTasks    int    `json:"total_tasks"`
	ResponseChars int    `json:"response_chars"`
}

func (QueryAnsweredPayload) EventType() EventType { return EventQueryAnswered }

// =============================================================================
// INTERNAL EVENTS
// =============================================================================

type LLMCallPayload struct {
	Phase        string        `json:"phase"`
	Model        string        `json:"model"`
	Provider     string        `json:"provider,omitempty"`
	MessageCount int           `json:"message_count,omitempty"`
	TokensInput  int           `json:"tokens_input,omitempty"`
	TokensOutput int           `json:"tokens_output,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func (LLMCallPayload) EventType() EventType { return EventLLMCall }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func NewTypedEventWithOwner(source EventSource, payload EventPayload, ownerID string) Event {
	e := NewTypedEvent(source, payload)
	e.OwnerID = ownerID
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

func GetLLMCallPayload(e Event) (LLMCallPayload, bool) {
	return ExtractPayload[LLMCallPayload](e)
}

func GetTasksRankedPayload(e Event) (TasksRankedPayload, bool) {
	return ExtractPayload[TasksRankedPayload](e)
}

func GetProjectDecomposedPayload(e Event) (ProjectDecomposedPayload, bool) {
	return ExtractPayload[ProjectDecomposedPayload](e)
}
