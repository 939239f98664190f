// Package apperr defines the error kinds shared by every lifecycle operation.
package apperr

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies a failure so callers can branch without string matching.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindForbidden          Kind = "forbidden"
	KindConflict           Kind = "conflict"
	KindPreconditionFailed Kind = "precondition_failed"
	KindValidation         Kind = "validation"
	KindStorage            Kind = "storage"
	KindInternal           Kind = "internal"
)

// Error is the canonical error returned by services.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if len(parts) == 0 {
		return string(e.Kind)
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New builds an error without an underlying cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Message: strings.TrimSpace(msg)}
}

// Wrap attaches kind and op to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Cause: err}
}

func NotFound(op, msg string) error           { return New(KindNotFound, op, msg) }
func Forbidden(op, msg string) error          { return New(KindForbidden, op, msg) }
func Conflict(op, msg string) error           { return New(KindConflict, op, msg) }
func PreconditionFailed(op, msg string) error { return New(KindPreconditionFailed, op, msg) }
func Validation(op, msg string) error         { return New(KindValidation, op, msg) }

// KindOf reports the kind of the outermost *Error in err's chain.
// Errors outside the taxonomy are reported as internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller may retry the whole operation.
func Retryable(err error) bool {
	return Is(err, KindStorage)
}

// FromDB maps a storage error into the taxonomy. Errors that already carry a
// kind pass through untouched.
func FromDB(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Wrap(KindNotFound, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindStorage, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505":
			return Wrap(KindConflict, op, err) // unique_violation
		case "23503", "23514":
			return Wrap(KindPreconditionFailed, op, err) // foreign_key / check
		case "40001", "40P01", "55P03":
			return Wrap(KindStorage, op, err) // serialization / deadlock / lock_not_available
		case "57P01", "57P02", "57P03":
			return Wrap(KindStorage, op, err) // backend terminated or not accepting connections
		}
		if strings.HasPrefix(pgErr.Code, "08") {
			return Wrap(KindStorage, op, err) // connection_exception class
		}
		return Wrap(KindInternal, op, err)
	}

	// Anything else from the driver is a connection level failure.
	return Wrap(KindStorage, op, err)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint failure,
// optionally restricted to the named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
