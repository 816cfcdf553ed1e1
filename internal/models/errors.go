package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// Reasons for a failed local extraction.
const (
	ReasonUnreadableImage = "unreadable_image"
	ReasonEngineError     = "engine_error"
)

// ExtractionFailure means no usable text came out of the OCR stage.
// The distinction between an unreadable image and an engine fault
// matters to callers: the first is the user's problem, the second ours.
type ExtractionFailure struct {
	Reason string
	Err    error
}

func (e *ExtractionFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("extraction failed (%s)", e.Reason)
}

func (e *ExtractionFailure) Unwrap() error { return e.Err }

// Reasons for a failed AI fallback call.
const (
	ReasonRateLimited       = "rate_limited"
	ReasonTimeout           = "timeout"
	ReasonMalformedResponse = "malformed_response"
	ReasonServiceError      = "service_error"
)

// FallbackFailure means the AI fallback could not produce a valid
// structured result. Only rate limits and timeouts are worth retrying;
// a malformed response will stay malformed however often it is resent.
type FallbackFailure struct {
	Reason string
	Err    error
}

func (e *FallbackFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ai fallback failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("ai fallback failed (%s)", e.Reason)
}

func (e *FallbackFailure) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could plausibly succeed.
func (e *FallbackFailure) Retryable() bool {
	return e.Reason == ReasonRateLimited || e.Reason == ReasonTimeout
}

// ValidationFailure rejects malformed input before any processing.
type ValidationFailure struct {
	Field string
	Msg   string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}
