package streamClient

import (
	"encoding/json"

	"github.com/gate4ai/taskstream/clients/streamClient/connection"
	"github.com/gate4ai/taskstream/clients/streamClient/listeners"
)

// Phase is the lifecycle of one stream session.
type Phase int

const (
	PhaseNone Phase = iota // No session started yet
	PhaseStarting
	PhaseStreaming
	PhaseComplete
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "NONE"
	case PhaseStarting:
		return "STARTING"
	case PhaseStreaming:
		return "STREAMING"
	case PhaseComplete:
		return "COMPLETE"
	case PhaseErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the phase can no longer change.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseErrored
}

// Synthetic event names. Any other name subscribes to raw push frames of that name.
const (
	EventState   = "state"
	EventContent = "content"
	EventError   = "error"
	// EventAll receives every synthetic event and every raw frame.
	EventAll = listeners.Wildcard
)

// Snapshot is an immutable view of the current session.
type Snapshot struct {
	TaskID          string
	Generation      uint64
	ConnectionState connection.State
	Phase           Phase
	Content         string
	Chunks          int // Number of content pieces appended so far
	Progress        float64
	Result          json.RawMessage
	Err             *Error // Last recorded error, fatal or not
	Degraded        bool   // Push channel gave up; content now comes from polling
}

// Event is what subscribers receive.
type Event struct {
	Name       string
	TaskID     string
	Generation uint64
	// State is the snapshot right after the change that produced the event.
	State Snapshot
	// Delta is the text appended by a content event.
	Delta string
	// Err is set on error events.
	Err *Error
	// Frame is the raw push frame for frame events.
	Frame listeners.Frame
}

// Handler receives events on the client's notifier goroutine, one at a time.
type Handler func(Event)
