package domain

import "errors"

var (
	ErrInvalidWrite        = errors.New("invalid_ledger_write")
	ErrInvalidOp           = errors.New("invalid_ledger_op")
	ErrUnitNotFound        = errors.New("unit_not_found")
	ErrReservationNotFound = errors.New("reservation_not_found")
	// ErrCapacityExceeded means a reserve would push sold above total; the
	// cache drifted and reconciliation has to correct it.
	ErrCapacityExceeded = errors.New("ledger_capacity_exceeded")
)
