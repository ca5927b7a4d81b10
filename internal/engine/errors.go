package engine

import "fmt"

// ValidationError marks a malformed input or a transition that is illegal in
// the entity's current state.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError marks a uniqueness violation: duplicate pending bid,
// duplicate vote, or a second active assignment.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

func conflictf(format string, args ...any) error {
	return ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// AuthorizationError marks a principal lacking the role or ownership an
// action requires.
type AuthorizationError struct {
	Msg string
}

func (e AuthorizationError) Error() string { return e.Msg }

func forbiddenf(format string, args ...any) error {
	return AuthorizationError{Msg: fmt.Sprintf(format, args...)}
}

// ExternalServiceError wraps a failed classification, ledger, or oracle call.
// The reconciliation layer is the only component allowed to swallow it.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e ExternalServiceError) Error() string {
	return fmt.Sprintf("%s call failed: %v", e.Service, e.Err)
}

func (e ExternalServiceError) Unwrap() error { return e.Err }
