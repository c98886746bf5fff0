package types

import "errors"

// Error taxonomy shared by every component. Callers match with errors.Is.
var (
	// ErrNotFound marks an unknown memory, rule or status id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput marks a request rejected before any mutation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUpstreamUnavailable marks a failed embedding, LLM or datastore call.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrDeliveryFailure marks a notification that could not be sent.
	ErrDeliveryFailure = errors.New("delivery failure")
)
