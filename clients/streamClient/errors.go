package streamClient

import (
	"errors"
	"fmt"
)

// Code classifies an Error.
type Code string

const (
	CodeCancelled      Code = "cancelled"       // Stop or Close ended the session
	CodeTaskFailed     Code = "task_failed"     // Status endpoint reported failure
	CodePollFailed     Code = "poll_failed"     // Too many consecutive poll errors
	CodeDegraded       Code = "degraded"        // Push channel gave up; poll only
	CodeMalformedFrame Code = "malformed_frame" // Push frame could not be decoded
	CodeServer         Code = "server_error"    // Push channel sent an error frame
)

var (
	ErrClosed      = errors.New("stream client closed")
	ErrEmptyTaskID = errors.New("task id is empty")
)

// Error is what sessions record as LastError and what "error" subscribers receive.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Fatal reports whether the error ended its session.
func (e *Error) Fatal() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case CodeCancelled, CodeTaskFailed, CodePollFailed:
		return true
	}
	return false
}

func newError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
