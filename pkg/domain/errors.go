package domain

import (
	"errors"
	"time"
)

// Pipeline stage errors.
var (
	ErrRateLimited               = errors.New("rate limit exceeded")
	ErrInvalidInput              = errors.New("invalid input")
	ErrComplianceRejected        = errors.New("wallet rejected by compliance screening")
	ErrScreeningUnavailable      = errors.New("compliance screening unavailable")
	ErrFreshnessTokenUnavailable = errors.New("recent blockhash unavailable")
	ErrSubmission                = errors.New("relay submission failed")
	ErrConfigInvalid             = errors.New("invalid configuration")
)

// ErrorKind classifies a pipeline failure for callers.
type ErrorKind string

const (
	KindRateLimited        ErrorKind = "RATE_LIMITED"
	KindInvalidInput       ErrorKind = "INVALID_INPUT"
	KindComplianceRejected ErrorKind = "COMPLIANCE_REJECTED"
	KindBackendFailure     ErrorKind = "BACKEND_FAILURE"
)

// GuardianError wraps a stage failure with the caller-safe kind and message.
// Err carries the internal cause and must never be rendered to clients.
type GuardianError struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *GuardianError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *GuardianError) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of err, defaulting to KindBackendFailure for
// anything that is not a GuardianError.
func KindOf(err error) ErrorKind {
	var gerr *GuardianError
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindBackendFailure
}

// ErrorResponse defines the JSON error model returned by the protection API.
// It carries only the kind and a short description, never internal causes.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
