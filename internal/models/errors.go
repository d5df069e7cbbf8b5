package models

import "errors"

// Booking and storage failure kinds. Callers match them with errors.Is; the
// underlying cause stays wrapped.
var (
	ErrStorage                  = errors.New("storage unavailable")
	ErrRiderLocationUnavailable = errors.New("rider location unavailable")
	ErrNoDriversAvailable       = errors.New("no drivers available")
	ErrDuplicatePendingRide     = errors.New("rider already has a pending ride")
	ErrPersistFailure           = errors.New("ride could not be persisted")

	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid ride status transition")
	ErrBadRequest        = errors.New("bad request")
)
