package schema

import (
	"encoding/json"
	"strings"
)

// TaskState is the lifecycle state reported by the status endpoint.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
	TaskStateUnknown   TaskState = "unknown"
)

// ParseTaskState normalizes server spellings ("cancelled", "error", "done", ...)
// onto the known states. Unrecognized values map to TaskStateUnknown.
func ParseTaskState(s string) TaskState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "created", "submitted":
		return TaskStatePending
	case "queued":
		return TaskStateQueued
	case "running", "working", "in_progress", "streaming":
		return TaskStateRunning
	case "completed", "complete", "succeeded", "success", "done":
		return TaskStateCompleted
	case "failed", "error", "errored":
		return TaskStateFailed
	case "canceled", "cancelled":
		return TaskStateCanceled
	default:
		return TaskStateUnknown
	}
}

// IsTerminal reports whether no further status change is expected.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCanceled
}

// UnmarshalJSON accepts any server spelling of the state.
func (s *TaskState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseTaskState(raw)
	return nil
}

// TaskStatus is the body returned by the poll endpoint.
type TaskStatus struct {
	// Status is the task lifecycle state.
	Status TaskState `json:"status"`
	// Progress is a percentage in [0, 100]; servers that do not track it send 0.
	Progress float64 `json:"progress"`
	// Result is the task result, present once the task completed.
	Result json.RawMessage `json:"result,omitempty"`
	// Output is the full textual output produced so far, if the server exposes it.
	Output *string `json:"output,omitempty"`
	// Error describes why a task failed.
	Error string `json:"error,omitempty"`
}

// Equal reports whether two statuses carry the same observable information.
func (t *TaskStatus) Equal(other *TaskStatus) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.Status != other.Status || t.Progress != other.Progress || t.Error != other.Error {
		return false
	}
	if string(t.Result) != string(other.Result) {
		return false
	}
	if (t.Output == nil) != (other.Output == nil) {
		return false
	}
	return t.Output == nil || *t.Output == *other.Output
}
