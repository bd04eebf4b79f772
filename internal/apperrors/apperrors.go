// Package apperrors holds the error taxonomy shared by every component.
package apperrors

import (
	"errors"
	"fmt"

	"github.com/lockedin-study/lockedin-sync/internal/store"
)

type Kind string

const (
	// KindConfigMissing: no usable store credentials. Halts everything
	// until credentials are supplied.
	KindConfigMissing Kind = "config_missing"
	// KindConnectivity: store unreachable or permission denied.
	KindConnectivity Kind = "connectivity"
	// KindAuthRejected: wrong group password or not the group owner.
	KindAuthRejected Kind = "auth_rejected"
	// KindValidation: malformed user input, rejected before any store call.
	KindValidation Kind = "validation"
	// KindAlreadyExists: lost a create race for the same group code.
	KindAlreadyExists Kind = "already_exists"
	KindNotFound      Kind = "not_found"
)

// Error carries a Kind, the operation that failed and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Op == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, apperrors.ErrAuthRejected).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrConfigMissing = &Error{Kind: KindConfigMissing}
	ErrConnectivity  = &Error{Kind: KindConnectivity}
	ErrAuthRejected  = &Error{Kind: KindAuthRejected}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrAlreadyExists = &Error{Kind: KindAlreadyExists}
	ErrNotFound      = &Error{Kind: KindNotFound}
)

func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation builds a validation error from a message.
func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Err: errors.New(msg)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// FromStore classifies an adapter error. Permission and availability
// failures become connectivity errors; unknown errors are wrapped with op
// and keep no kind.
func FromStore(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrPermissionDenied), errors.Is(err, store.ErrUnavailable):
		return E(KindConnectivity, op, err)
	case errors.Is(err, store.ErrNotFound):
		return E(KindNotFound, op, err)
	case errors.Is(err, store.ErrAlreadyExists):
		return E(KindAlreadyExists, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsConnectivity reports whether err should move the session into the
// blocking connection-error state.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}
