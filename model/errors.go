package model

import (
	"errors"
	"fmt"
	"strings"
)

// Configuration error codes: operator or caller mistakes in definitions and wiring.
const (
	ErrDefinitionNotFound = "DEFINITION_NOT_FOUND"
	ErrInvalidDefinition  = "INVALID_DEFINITION"
	ErrValidatorNotFound  = "VALIDATOR_NOT_FOUND"
)

// Domain error codes.
const (
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrEncounterNotFound = "ENCOUNTER_NOT_FOUND"
	ErrNotFound          = "NOT_FOUND"
)

// Policy and invariant error codes.
const (
	ErrTransitionBlocked   = "TRANSITION_BLOCKED"
	ErrImmutableTransition = "IMMUTABLE_TRANSITION"
)

// Infrastructure error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrConflict      = "CONFLICT"
	ErrUnavailable   = "UNAVAILABLE"
	ErrInternalError = "INTERNAL_ERROR"
)

// ErrorKind groups error codes by who is expected to act on them.
type ErrorKind string

const (
	KindConfiguration      ErrorKind = "configuration"
	KindDomain             ErrorKind = "domain"
	KindPolicy             ErrorKind = "policy"
	KindInvariantViolation ErrorKind = "invariant_violation"
	KindInfrastructure     ErrorKind = "infrastructure"
)

var kindForCode = map[string]ErrorKind{
	ErrDefinitionNotFound:  KindConfiguration,
	ErrInvalidDefinition:   KindConfiguration,
	ErrValidatorNotFound:   KindConfiguration,
	ErrInvalidTransition:   KindDomain,
	ErrEncounterNotFound:   KindDomain,
	ErrNotFound:            KindDomain,
	ErrTransitionBlocked:   KindPolicy,
	ErrImmutableTransition: KindInvariantViolation,
	ErrBadRequest:          KindInfrastructure,
	ErrConflict:            KindInfrastructure,
	ErrUnavailable:         KindInfrastructure,
	ErrInternalError:       KindInfrastructure,
}

// ErrorEnvelope is the error type returned by every engine operation.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`
	From    string   `json:"from_state,omitempty"`
	To      string   `json:"to_state,omitempty"`
	TraceID string   `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if len(e.Reasons) > 0 {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, strings.Join(e.Reasons, "; "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Kind returns the taxonomy class of the error code.
func (e *ErrorEnvelope) Kind() ErrorKind {
	if k, ok := kindForCode[e.Code]; ok {
		return k
	}
	return KindInfrastructure
}

// AsEnvelope unwraps err into an *ErrorEnvelope if one is present in its chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsCode reports whether err carries an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewDefinitionNotFoundError returns a DEFINITION_NOT_FOUND error for key.
func NewDefinitionNotFoundError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDefinitionNotFound,
		Message: fmt.Sprintf("active encounter definition %q not found", key),
	}
}

// NewInvalidDefinitionError returns an INVALID_DEFINITION error carrying every
// graph defect found.
func NewInvalidDefinitionError(key string, problems []string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidDefinition,
		Message: fmt.Sprintf("encounter definition %q is invalid", key),
		Reasons: problems,
	}
}

// NewValidatorNotFoundError returns a VALIDATOR_NOT_FOUND error.
func NewValidatorNotFoundError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidatorNotFound,
		Message: fmt.Sprintf("validator %q is not registered", id),
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error for the edge
// from -> to. The terminal flag selects the terminal-state wording.
func NewInvalidTransitionError(from, to string, terminal bool) *ErrorEnvelope {
	msg := fmt.Sprintf("Transition from '%s' to '%s' not allowed", from, to)
	if terminal {
		msg = fmt.Sprintf("Cannot transition from terminal state '%s'", from)
	}
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: msg,
		From:    from,
		To:      to,
	}
}

// NewTransitionBlockedError returns a TRANSITION_BLOCKED error listing every
// reason reported by the validators.
func NewTransitionBlockedError(from, to string, reasons []string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTransitionBlocked,
		Message: fmt.Sprintf("transition from '%s' to '%s' blocked", from, to),
		Reasons: reasons,
		From:    from,
		To:      to,
	}
}

// NewImmutableTransitionError returns an IMMUTABLE_TRANSITION error. Reaching
// it means calling code tried to rewrite the audit trail.
func NewImmutableTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrImmutableTransition, Message: msg}
}

// NewEncounterNotFoundError returns an ENCOUNTER_NOT_FOUND error.
func NewEncounterNotFoundError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEncounterNotFound,
		Message: fmt.Sprintf("encounter %q not found", id),
	}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewUnavailableError returns an UNAVAILABLE error, used when a lock or the
// backing store cannot be reached in time.
func NewUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnavailable, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
