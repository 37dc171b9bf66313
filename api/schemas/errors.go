// File: api/schemas/errors.go
// Description: The error taxonomy shared by the parser, dispatcher, and loop.
// Parse failures and transient tool failures are recovered locally; permanent
// tool failures and session errors are surfaced to the model as observations;
// only exhausted limits or engine-level faults escalate to a TaskFailed.

package schemas

import (
	"errors"
	"fmt"
)

// ParseError reports that model text could not be turned into a valid
// ActionRequest by either the structured or the heuristic strategy.
type ParseError struct {
	Reason string
	Raw    string
}

const ParseUnparsable = "unparsable"

func (e *ParseError) Error() string {
	return fmt.Sprintf("action parse failed: %s", e.Reason)
}

// SessionErrorKind distinguishes a session that never existed from one whose
// lifecycle already ended.
type SessionErrorKind string

const (
	SessionNotFound SessionErrorKind = "not_found"
	SessionClosed   SessionErrorKind = "closed"
)

// SessionError reports an operation referencing an unusable session id.
type SessionError struct {
	Kind SessionErrorKind
	ID   string
}

func (e *SessionError) Error() string {
	switch e.Kind {
	case SessionClosed:
		return fmt.Sprintf("session %s is closed", e.ID)
	default:
		return fmt.Sprintf("no browser session found with ID: %s", e.ID)
	}
}

// ErrElementNotFound marks a click_selector miss. It is permanent: retrying
// the same selector against the same page cannot succeed.
var ErrElementNotFound = errors.New("element not found")

// ErrEngineFatal marks a browser-engine fault the loop cannot recover from,
// e.g. the browser process died. It aborts the task with FailFatalTool.
var ErrEngineFatal = errors.New("browser engine fatal error")

// ToolInvocationError wraps a collaborator-level fault from the browser
// engine, preserving its message. Transient faults (timeouts, temporary
// unavailability) are retried by the loop; permanent ones are not.
type ToolInvocationError struct {
	Op        string
	Transient bool
	Message   string
	Err       error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// NewTransientToolError wraps a retryable collaborator fault.
func NewTransientToolError(op string, err error) *ToolInvocationError {
	return &ToolInvocationError{Op: op, Transient: true, Message: err.Error(), Err: err}
}

// NewPermanentToolError wraps a non-retryable collaborator fault.
func NewPermanentToolError(op string, err error) *ToolInvocationError {
	return &ToolInvocationError{Op: op, Transient: false, Message: err.Error(), Err: err}
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	var te *ToolInvocationError
	if errors.As(err, &te) {
		return te.Transient
	}
	return false
}

// IsFatal reports whether err must abort the whole task rather than be
// surfaced to the model as an observation.
func IsFatal(err error) bool {
	return errors.Is(err, ErrEngineFatal)
}
