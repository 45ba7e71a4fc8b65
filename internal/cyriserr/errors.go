// Package cyriserr defines the structural error taxonomy surfaced to the
// CLI and recorded on range records.
package cyriserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for rollback decisions and exit-code mapping.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindPermission        Kind = "permission"
	KindImageBuild        Kind = "image-build"
	KindLibvirt           Kind = "libvirt"
	KindNetwork           Kind = "network"
	KindDiscoveryTimeout  Kind = "discovery-timeout"
	KindTaskFailed        Kind = "task-failed"
	KindTransient         Kind = "transient"
	KindInternal          Kind = "internal"
)

// Error is a Kind-tagged wrapped error carrying the failing step name and
// a path to a log file with full detail, for the CLI's user-visible
// failure contract.
type Error struct {
	Kind    Kind
	Step    string
	Message string
	LogPath string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Step, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with a human sentence, no underlying cause.
func New(kind Kind, step, message string) *Error {
	return &Error{Kind: kind, Step: step, Message: message}
}

// Wrap attaches a Kind and step to an existing error.
func Wrap(kind Kind, step string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Step: step, Err: err, Message: fmt.Sprintf("%s: %v", step, err)}
}

// WithLog returns a copy of e with LogPath set.
func (e *Error) WithLog(path string) *Error {
	cp := *e
	cp.LogPath = path
	return &cp
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, otherwise
// KindInternal — an invariant violation that must never be swallowed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient reports whether err is classified as retriable.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
