package models

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a capture error. Kinds are used in attempt histories,
// persisted failure records and API responses.
type Kind string

const (
	KindNavigation     Kind = "NAVIGATION_FAILED"
	KindChallenge      Kind = "CHALLENGE_TIMEOUT"
	KindNotFound       Kind = "ELEMENT_NOT_FOUND"
	KindEngineCrash    Kind = "ENGINE_CRASH"
	KindExhausted      Kind = "ALL_ENGINES_EXHAUSTED"
	KindCaptureFailed  Kind = "CAPTURE_FAILED"
	KindInvalidInput   Kind = "INVALID_INPUT"
	KindUnauthorized   Kind = "UNAUTHORIZED"
	KindRateLimited    Kind = "RATE_LIMITED"
	KindNotFoundRecord Kind = "RECORD_NOT_FOUND"
	KindInternal       Kind = "INTERNAL_ERROR"
)

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    Kind   `json:"code"`
	Message string `json:"message"`
}

// CaptureError is the internal error type carrying a Kind.
// It implements the error interface and supports error wrapping via Unwrap.
type CaptureError struct {
	Kind    Kind
	Message string
	Err     error // wrapped original error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// NewCaptureError creates a new CaptureError.
func NewCaptureError(kind Kind, message string, err error) *CaptureError {
	return &CaptureError{Kind: kind, Message: message, Err: err}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *CaptureError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Kind, Message: e.Message}
}

// KindOf reports the Kind of err. Errors that carry no Kind are reported as
// KindNavigation when they are deadline or cancellation errors (the only
// unclassified waits left are network waits) and KindCaptureFailed otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var failure *CaptureFailure
	if errors.As(err, &failure) {
		return KindExhausted
	}
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNavigation
	}
	return KindCaptureFailed
}
