package types

import "errors"

// Error taxonomy shared by every pipeline component. Callers test with errors.Is.
var (
	// ErrInvalidInput indicates a malformed capture, feature vector or timestamp.
	// The capture is rejected and no state changes.
	ErrInvalidInput = errors.New("invalid input")

	// ErrLowConfidence indicates a match below the acceptance threshold. It is
	// informational: such captures are routed to the unidentified bucket.
	ErrLowConfidence = errors.New("low confidence match")

	// ErrPreconditionFailed indicates an operator action on an alert that does
	// not exist or is in the wrong state.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrInsufficientHistory indicates too few visits for a confident depletion
	// estimate. Alerting is suppressed; it is never fatal.
	ErrInsufficientHistory = errors.New("insufficient history")

	// ErrUpstreamUnavailable indicates that a collaborator (feature extraction,
	// storage) failed. It is retryable; the core never retries on its own.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("not found")
)
