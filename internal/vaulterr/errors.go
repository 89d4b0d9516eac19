// Package vaulterr defines the error kinds shared by every vault component.
//
// Callers test the kind with errors.Is; the concrete *Error carries the failed
// sub-step and a message that is safe to show to the user.
package vaulterr

import (
	"errors"
	"fmt"
)

var (
	// ErrSecurityViolation means the resolved capability lacks the required level.
	ErrSecurityViolation = errors.New("access denied")
	// ErrNotFound means an unknown actor, item, node or request id.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a duplicate on create.
	ErrConflict = errors.New("already exists")
	// ErrIntegrity means key material or a payload failed to unwrap or verify.
	ErrIntegrity = errors.New("integrity failure")
	// ErrWorkflow means the request is not allowed in the current workflow state.
	ErrWorkflow = errors.New("workflow violation")
	// ErrStore means the persistence layer failed; the transaction was rolled back.
	ErrStore = errors.New("storage error")
)

// Error is a classified vault error.
type Error struct {
	Kind error
	Step string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Step != "" {
		msg = e.Step + ": " + msg
	}
	if e.Err != nil && e.Kind != ErrIntegrity && e.Kind != ErrStore {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Security reports missing access.
func Security(format string, args ...any) error {
	return &Error{Kind: ErrSecurityViolation, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown object.
func NotFound(what, id string) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf("%s %q not found", what, id)}
}

// Conflict reports a duplicate.
func Conflict(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Msg: fmt.Sprintf(format, args...)}
}

// Integrity wraps a cryptographic failure. The cause is kept for logging but
// left out of Error() so no key detail reaches the caller.
func Integrity(step string, err error) error {
	return &Error{Kind: ErrIntegrity, Step: step, Msg: "key material could not be verified", Err: err}
}

// Workflow reports a rejected state transition or policy check.
func Workflow(step, format string, args ...any) error {
	return &Error{Kind: ErrWorkflow, Step: step, Msg: fmt.Sprintf(format, args...)}
}

// Store wraps a persistence failure. Already classified errors pass through.
func Store(step string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return err
	}
	return &Error{Kind: ErrStore, Step: step, Err: err}
}

// Classified reports whether err already carries a vault error kind.
func Classified(err error) bool {
	for _, k := range []error{ErrSecurityViolation, ErrNotFound, ErrConflict, ErrIntegrity, ErrWorkflow, ErrStore} {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// Step returns the failed sub-step recorded on err, if any.
func Step(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Step
	}
	return ""
}
