// Package apperr defines error kinds used across the orchestration engine.
//
// Callers branch on the kind (validation, state conflict, not found) instead of
// matching error strings, so the API layer can map each kind to a response code.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an application error.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindStateConflict
	KindNotFound
)

// Error is an application error with a kind attached.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// Validation returns a validation error (bad input, rejected before any state change).
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// StateConflict returns a state-conflict error (operation not allowed in the current status).
func StateConflict(format string, args ...any) error {
	return &Error{Kind: KindStateConflict, Msg: fmt.Sprintf(format, args...)}
}

// NotFound returns a not-found error.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func isKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func IsValidation(err error) bool    { return isKind(err, KindValidation) }
func IsStateConflict(err error) bool { return isKind(err, KindStateConflict) }
func IsNotFound(err error) bool      { return isKind(err, KindNotFound) }
