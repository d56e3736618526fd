package domain

import "errors"

var (
	ErrActivityNotFound = errors.New("activity_not_found")
	ErrSessionNotFound  = errors.New("session_not_found")

	ErrInvalidKind           = errors.New("invalid_activity_kind")
	ErrInvalidTitle          = errors.New("invalid_activity_title")
	ErrInvalidWindow         = errors.New("invalid_time_window")
	ErrInvalidPeople         = errors.New("invalid_group_people")
	ErrInvalidGroupTimeLimit = errors.New("invalid_group_time_limit")
	ErrSessionOutsideWindow  = errors.New("session_outside_activity_window")
	ErrSessionNotFlashSale   = errors.New("session_requires_flash_sale")
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrInvalidSKU            = errors.New("invalid_sku")
	ErrInvalidPrice          = errors.New("invalid_price")
	ErrInvalidLimit          = errors.New("invalid_per_user_limit")
	ErrUnitSessionRequired   = errors.New("unit_session_required")
	ErrUnitSessionMismatch   = errors.New("unit_session_mismatch")
)
