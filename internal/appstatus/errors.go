// Package appstatus defines the structured, user-facing error type used at
// the CLI boundary. Pipeline internals use plain wrapped errors; only errors
// that must be explained to an operator (config, locking, permissions) get
// promoted to a UserError here.
package appstatus

import "fmt"

// UserError is a structured error meant to be printed to an operator: what
// went wrong, why, and what to do about it.
type UserError struct {
	Title  string // short summary, e.g. "Invalid configuration"
	Detail string // what specifically failed
	Hint   string // suggested remedy
	Cause  error  // underlying error, if any
}

func (e *UserError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Title, e.Detail)
	if e.Cause != nil {
		msg += fmt.Sprintf(" (%v)", e.Cause)
	}
	if e.Hint != "" {
		msg += fmt.Sprintf("; hint: %s", e.Hint)
	}
	return msg
}

func (e *UserError) Unwrap() error { return e.Cause }

// NewConfigError reports a problem loading or validating the route/source config.
func NewConfigError(title, detail, hint string, cause error) *UserError {
	return &UserError{Title: title, Detail: detail, Hint: hint, Cause: cause}
}

// NewLockError reports failure to acquire the cross-instance data-directory lock.
func NewLockError(title, detail, hint string, cause error) *UserError {
	return &UserError{Title: title, Detail: detail, Hint: hint, Cause: cause}
}

// NewInternalError reports an unexpected failure not attributable to user input.
func NewInternalError(title, detail, hint string, cause error) *UserError {
	return &UserError{Title: title, Detail: detail, Hint: hint, Cause: cause}
}
