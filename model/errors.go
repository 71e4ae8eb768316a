package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionDestroyed is returned when an operation is attempted on a
// destroyed session.
var ErrSessionDestroyed = errors.New("session is destroyed")

// ErrSessionBusy is returned when a send is attempted while another request
// is in flight on the same session.
var ErrSessionBusy = errors.New("session has a request in flight")

// InitializationError indicates the session could not be set up (missing
// credentials, binary, or endpoint). Fatal to that session.
type InitializationError struct {
	Provider string
	Err      error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("%s initialization failed: %v", e.Provider, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// RequestTimeoutError indicates a request exceeded its inactivity timeout.
type RequestTimeoutError struct {
	Elapsed time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %.0f seconds of inactivity", e.Elapsed.Seconds())
}

// SessionStaleError indicates the backend conversation expired and could not
// be transparently recreated. Surfaces only when recreation itself fails.
type SessionStaleError struct {
	Err error
}

func (e *SessionStaleError) Error() string {
	return fmt.Sprintf("stale session recreation failed: %v", e.Err)
}

func (e *SessionStaleError) Unwrap() error { return e.Err }

// ToolExecutionError records a failed tool call. It is absorbed by the tool
// loop and fed back to the model as a structured result, never propagated
// out of the loop.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }
