package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the closed classification every platform failure is translated
// into. Adapters map vendor errors onto these categories; the retry engine,
// circuit breaker, and fallback dispatcher make decisions from the category
// alone and never inspect vendor errors.
type ErrorKind string

const (
	// KindTransient covers connection resets, 5xx responses, and anything
	// the adapter cannot classify.
	KindTransient ErrorKind = "transient"

	// KindTimeout means the attempt's deadline elapsed.
	KindTimeout ErrorKind = "timeout"

	// KindRateLimit means the platform signalled throttling (429 or
	// equivalent). Retriable, with the delay overridden by the token
	// bucket's next-token estimate.
	KindRateLimit ErrorKind = "rate_limit"

	// KindServiceUnavailable means the platform signalled maintenance or
	// outage.
	KindServiceUnavailable ErrorKind = "service_unavailable"

	// KindAuth means authentication or authorization failed.
	KindAuth ErrorKind = "auth"

	// KindValidation means the parameters or preconditions were malformed.
	KindValidation ErrorKind = "validation"

	// KindNotFound means the target resource is missing.
	KindNotFound ErrorKind = "not_found"

	// KindClient covers the remaining 4xx class.
	KindClient ErrorKind = "client"

	// KindBreakerOpen means the circuit breaker rejected the attempt before
	// the adapter was called. Never produced by adapters.
	KindBreakerOpen ErrorKind = "breaker_open"
)

// Retriable reports whether the retry engine may schedule another attempt
// after a failure of this kind.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindTransient, KindTimeout, KindRateLimit, KindServiceUnavailable:
		return true
	default:
		return false
	}
}

// CountsTowardBreaker reports whether a failure of this kind is a symptom of
// remote unavailability and should accumulate in the breaker's failure
// window. Client-side kinds and throttling do not open circuits.
func (k ErrorKind) CountsTowardBreaker() bool {
	switch k {
	case KindTransient, KindTimeout, KindServiceUnavailable:
		return true
	default:
		return false
	}
}

// Permanent reports whether the kind terminates the attempt loop for the
// current platform. The fallback dispatcher engages only after a permanent
// outcome.
func (k ErrorKind) Permanent() bool {
	return !k.Retriable()
}

// Valid reports whether k is one of the defined categories.
func (k ErrorKind) Valid() bool {
	switch k {
	case KindTransient, KindTimeout, KindRateLimit, KindServiceUnavailable,
		KindAuth, KindValidation, KindNotFound, KindClient, KindBreakerOpen:
		return true
	default:
		return false
	}
}

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Queue and admission errors
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")

	// Resilience errors
	ErrBreakerOpen        = errors.New("circuit breaker open")
	ErrAcquireTimeout     = errors.New("rate limiter acquire timed out")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Approval errors
	ErrAlreadyDecided = errors.New("review already decided")
	ErrUnknownReview  = errors.New("unknown review")

	// Routing errors
	ErrUnknownPlatform   = errors.New("unknown platform")
	ErrUnknownActionType = errors.New("unknown action type")

	// Workflow errors
	ErrWorkflowCycle     = errors.New("workflow has a dependency cycle")
	ErrWorkflowCancelled = errors.New("workflow cancelled")
	ErrUnknownWorkflow   = errors.New("unknown workflow")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
	ErrJournalClosed  = errors.New("journal closed")

	// Operation errors
	ErrTimeout          = errors.New("operation timeout")
	ErrConnectionFailed = errors.New("connection failed")
)

// OrchestrationError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OrchestrationError struct {
	Op       string    // Operation that failed (e.g., "executor.Execute")
	Kind     ErrorKind // Taxonomy category
	Platform Platform  // Platform involved, if any
	ActionID string    // Optional ID of the action involved
	Message  string    // Human-readable message
	Err      error     // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *OrchestrationError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ActionID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ActionID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// NewOrchestrationError creates a new OrchestrationError
func NewOrchestrationError(op string, kind ErrorKind, err error) *OrchestrationError {
	return &OrchestrationError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// NewPlatformError builds the classified error adapters return to the
// executor pipeline.
func NewPlatformError(platform Platform, kind ErrorKind, message string) *OrchestrationError {
	return &OrchestrationError{
		Op:       "platform.Execute",
		Kind:     kind,
		Platform: platform,
		Message:  message,
	}
}

// KindOf extracts the taxonomy category from any error. Unclassified errors
// are transient; context expiry is a timeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var oe *OrchestrationError
	if errors.As(err, &oe) && oe.Kind.Valid() {
		return oe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrAcquireTimeout):
		return KindTimeout
	case errors.Is(err, ErrBreakerOpen):
		return KindBreakerOpen
	default:
		return KindTransient
	}
}

// IsRetriable checks if an error allows another attempt on the same platform
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retriable()
}

// CountsTowardBreaker checks if an error should accumulate in the circuit
// breaker's failure window
func CountsTowardBreaker(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).CountsTowardBreaker()
}

// IsRateLimit checks if an error signals platform throttling
func IsRateLimit(err error) bool {
	return KindOf(err) == KindRateLimit
}

// IsAuth checks if an error is an authentication or authorization failure
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// IsValidation checks if an error is a validation rejection
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
