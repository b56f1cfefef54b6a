package domain

import "fmt"

// ValidationError reports a malformed admin command or config field.
// Message is safe to show to the admin who issued the command.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// NewValidationError creates a validation error for field
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransportError wraps a failed platform call
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HandlerError is a failure raised inside a feature handler
type HandlerError struct {
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return "handler " + e.Handler + ": " + e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// SchedulerCallbackError is a failure of a fired deferred action
type SchedulerCallbackError struct {
	ActionID string
	Err      error
}

func (e *SchedulerCallbackError) Error() string {
	return "deferred action " + e.ActionID + ": " + e.Err.Error()
}

func (e *SchedulerCallbackError) Unwrap() error {
	return e.Err
}
