package rbac

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for administrative commands. Match with errors.Is.
var (
	ErrNotFound   = errors.New("rbac: not found")
	ErrConflict   = errors.New("rbac: conflict")
	ErrValidation = errors.New("rbac: validation failed")
)

// CommandError is a rejected administrative command. Kind is one of the
// sentinel errors above and Reason is safe to show to the caller.
type CommandError struct {
	Kind   error
	Reason string
}

func (e *CommandError) Error() string {
	return e.Reason
}

// StatusCode maps the kind to 404, 409 or 400
func (e *CommandError) StatusCode() int {
	switch {
	case errors.Is(e.Kind, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(e.Kind, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// Unwrap lets errors.Is match the Kind sentinel
func (e *CommandError) Unwrap() error {
	return e.Kind
}

func notFound(reason string) error {
	return &CommandError{Kind: ErrNotFound, Reason: reason}
}

func conflict(reason string) error {
	return &CommandError{Kind: ErrConflict, Reason: reason}
}

func validationError(reason string) error {
	return &CommandError{Kind: ErrValidation, Reason: reason}
}

func notFoundf(format string, args ...interface{}) error {
	return notFound(fmt.Sprintf(format, args...))
}

// IsCommandError reports whether err is a user-facing command rejection
// rather than an infrastructure failure
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}
