package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidUnit           = errors.New("invalid_unit")
	ErrInvalidRequester      = errors.New("invalid_requester")
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrUnitNotFound          = errors.New("unit_not_found")
	ErrReservationNotFound   = errors.New("reservation_not_found")
	ErrReservationReleased   = errors.New("reservation_released")
	// ErrReservationLost means the audit log still holds a granted reservation the
	// cache no longer knows; it cannot be confirmed and will be released by the sweep.
	ErrReservationLost = errors.New("reservation_lost")
	ErrUnavailable     = errors.New("reservation_unavailable")
	ErrDenied          = errors.New("reservation_denied")
)

// DeniedError turns a Denied result into an error for callers that treat a
// denial as failure. Reason is one of the Reason* values.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDenied, e.Reason)
}

func (e *DeniedError) Unwrap() error {
	return ErrDenied
}
