package services

import "errors"

type ErrorCode string

const (
	ErrorInvalid           ErrorCode = "invalid"
	ErrorInvalidTransition ErrorCode = "invalid_transition"
	ErrorConflict          ErrorCode = "conflict"
	ErrorSessionActive     ErrorCode = "session_active"
	ErrorSessionNotActive  ErrorCode = "session_not_active"
	ErrorStoreUnavailable  ErrorCode = "store_unavailable"
	ErrorNotFound          ErrorCode = "not_found"
	ErrorForbidden         ErrorCode = "forbidden"
	ErrorUnauthorized      ErrorCode = "unauthorized"
	ErrorBadGateway        ErrorCode = "bad_gateway"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
}

func (e *ServiceError) Error() string { return e.Message }

func NewInvalidError(msg string) error   { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewForbiddenError(msg string) error { return &ServiceError{Code: ErrorForbidden, Message: msg} }
func NewNotFoundError(msg string) error  { return &ServiceError{Code: ErrorNotFound, Message: msg} }

// NewConflictError signals a lost optimistic-concurrency race. The caller is
// expected to re-read current state and retry.
func NewConflictError(msg string) error { return &ServiceError{Code: ErrorConflict, Message: msg} }

// NewInvalidTransitionError signals a consent transition that is not legal
// from the participant's current role. Never retried.
func NewInvalidTransitionError(msg string) error {
	return &ServiceError{Code: ErrorInvalidTransition, Message: msg}
}

func NewSessionActiveError(msg string) error {
	return &ServiceError{Code: ErrorSessionActive, Message: msg}
}

func NewSessionNotActiveError(msg string) error {
	return &ServiceError{Code: ErrorSessionNotActive, Message: msg}
}

// NewStoreUnavailableError signals a transient infrastructure failure. Safe to
// retry with backoff; withdrawal retries re-enter through the idempotent
// anonymization step.
func NewStoreUnavailableError(msg string) error {
	return &ServiceError{Code: ErrorStoreUnavailable, Message: msg}
}

func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}

// NewBadGatewayError signals a collaborator failure (completion provider or
// tokenizer). Not retried automatically; the caller decides.
func NewBadGatewayError(msg string) error {
	return &ServiceError{Code: ErrorBadGateway, Message: msg}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsCode reports whether err is a ServiceError with the given code.
func IsCode(err error, code ErrorCode) bool {
	se, ok := AsServiceError(err)
	return ok && se.Code == code
}
