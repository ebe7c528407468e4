package dpq

import "errors"

// Errors returned synchronously by Push, before any script is invoked.
var (
	// ErrReservedGroupID is returned when a caller supplies "0" as a
	// group id. The wire sentinel is reserved to mean "no group".
	ErrReservedGroupID = errors.New("dpq: \"0\" is reserved to mean no group")

	// ErrEmptyPayload is returned when Push is called with an empty
	// payload. The payload is the queue's deduplication key, so an
	// empty one can never be pushed.
	ErrEmptyPayload = errors.New("dpq: payload must not be empty")

	// ErrNegativeRetries is returned when a negative retry count is
	// supplied via WithRetries.
	ErrNegativeRetries = errors.New("dpq: retries must not be negative")
)
