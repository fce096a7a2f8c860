package service

import (
	"errors"
	"fmt"

	"evcharge/internal/models"
)

// ErrorKind classifies failures returned at the operation boundary
type ErrorKind string

// Error kinds
const (
	KindValidation         ErrorKind = "ValidationError"
	KindInvalidTransition  ErrorKind = "InvalidStateTransition"
	KindSpotUnavailable    ErrorKind = "SpotUnavailable"
	KindSignatureMismatch  ErrorKind = "SignatureMismatch"
	KindConflictingOutcome ErrorKind = "ConflictingOutcome"
	KindStaleProgress      ErrorKind = "StaleProgress"
	KindNotFound           ErrorKind = "NotFound"
	KindInternal           ErrorKind = "Internal"
)

// Error is the typed result of a failed operation
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrInvalidTransition  = &Error{Kind: KindInvalidTransition}
	ErrSpotUnavailable    = &Error{Kind: KindSpotUnavailable}
	ErrSignatureMismatch  = &Error{Kind: KindSignatureMismatch}
	ErrConflictingOutcome = &Error{Kind: KindConflictingOutcome}
	ErrStaleProgress      = &Error{Kind: KindStaleProgress}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

func newError(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, KindInternal for untyped errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// wrapStore converts persistence errors into typed errors
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, models.ErrNotFound):
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	case errors.Is(err, models.ErrSpotConflict), errors.Is(err, models.ErrActiveSessionExists):
		return &Error{Kind: KindSpotUnavailable, Op: op, Err: err}
	case errors.Is(err, models.ErrDuplicateSettlement):
		return &Error{Kind: KindConflictingOutcome, Op: op, Err: err}
	}
	return &Error{Kind: KindInternal, Op: op, Err: err}
}
