package connection

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle of one push-channel connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
	StateFailed
)

func (s State) String() string {
	names := [...]string{"IDLE", "CONNECTING", "OPEN", "RECONNECTING", "CLOSED", "FAILED"}
	if s < 0 || int(s) >= len(names) {
		return "UNKNOWN"
	}
	return names[s]
}

// Active reports whether the connection is trying to be, or is, open.
func (s State) Active() bool {
	return s == StateConnecting || s == StateOpen || s == StateReconnecting
}

// Transition describes one state change.
type Transition struct {
	ResourceID string
	From       State
	To         State
	// Attempt is the reconnect attempt being scheduled (RECONNECTING) or made (CONNECTING).
	Attempt int
	// Delay is the wait before the scheduled attempt; zero when none is scheduled.
	Delay time.Duration
	// Err is the cause for RECONNECTING and FAILED transitions.
	Err error
}

var (
	ErrClosed       = errors.New("connection closed")
	ErrStreamEnded  = errors.New("stream closed by server")
	ErrUnauthorized = errors.New("push channel rejected credentials")
)

// ExhaustedError is the give-up notification: the reconnect budget ran out.
// It is fatal to the connection only.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d reconnect attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// HandshakeError is returned when the server answers the stream request with
// something other than an event stream.
type HandshakeError struct {
	StatusCode  int
	ContentType string
}

func (e *HandshakeError) Error() string {
	if e.StatusCode != 200 {
		return fmt.Sprintf("could not connect to stream: status %d", e.StatusCode)
	}
	return fmt.Sprintf("expected Content-Type 'text/event-stream', got '%s'", e.ContentType)
}

func (e *HandshakeError) Is(target error) bool {
	return target == ErrUnauthorized && (e.StatusCode == 401 || e.StatusCode == 403)
}
