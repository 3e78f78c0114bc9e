package errors

import (
	"errors"
)

// Common error types for the redemption engine
var (
	// Authentication errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionExpired     = errors.New("session expired")

	// Storage errors
	ErrStorage        = errors.New("ledger storage error")
	ErrSchemaMismatch = errors.New("ledger schema version mismatch")

	// Scheduling errors
	ErrCycleInFlight = errors.New("a redemption cycle is already in flight")
)

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}
