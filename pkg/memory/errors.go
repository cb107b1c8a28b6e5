package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned by lookups and updates against a missing session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidRole matches any *InvalidRoleError via errors.Is.
	ErrInvalidRole = errors.New("invalid message role")

	// ErrManagerClosed is returned by a manager after ClearSession.
	ErrManagerClosed = errors.New("memory manager closed")
)

// InvalidRoleError reports a role outside {user, assistant}.
type InvalidRoleError struct {
	Role string
}

func (e *InvalidRoleError) Error() string {
	return fmt.Sprintf("invalid role %q: must be 'user' or 'assistant'", e.Role)
}

func (e *InvalidRoleError) Is(target error) bool {
	return target == ErrInvalidRole
}

// ExternalServiceError wraps a failed LLM or embedding call.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// Result is the outcome of an external call. Callers pick a fallback with Or.
type Result[T any] struct {
	Value T
	Err   error
}

func Ok[T any](v T) Result[T] { return Result[T]{Value: v} }

func Fail[T any](service, op string, err error) Result[T] {
	return Result[T]{Err: &ExternalServiceError{Service: service, Op: op, Err: err}}
}

// Or returns the value, or fallback when the call failed.
func (r Result[T]) Or(fallback T) T {
	if r.Err != nil {
		return fallback
	}
	return r.Value
}
