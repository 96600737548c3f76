package apperrors

import "errors"

// Standardized Broker and Control-Plane Errors
var (
	ErrValidation            = errors.New("validation error")
	ErrBrokerRejected        = errors.New("order rejected by broker")
	ErrBrokerUnavailable     = errors.New("broker unavailable")
	ErrAuthExpired           = errors.New("broker auth expired")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrOrderNotFound         = errors.New("order not found")
	ErrPositionNotAvailable  = errors.New("position not available")
	ErrBracketRollbackFailed = errors.New("bracket rollback failed")
	ErrOverfillDetected      = errors.New("overfill detected")
	ErrEodFailed             = errors.New("eod close failed")
	ErrInternalInvariant     = errors.New("internal invariant violated")
)
