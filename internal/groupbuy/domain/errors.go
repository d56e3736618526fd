package domain

import "errors"

var (
	ErrGroupNotFound       = errors.New("group_not_found")
	ErrGroupFull           = errors.New("group_full")
	ErrGroupExpired        = errors.New("group_expired")
	ErrGroupClosed         = errors.New("group_closed")
	ErrAlreadyJoined       = errors.New("group_already_joined")
	ErrNotMember           = errors.New("group_member_not_found")
	ErrActivityNotGroupBuy = errors.New("activity_not_group_buy")
	ErrActivityNotActive   = errors.New("activity_not_active")
	ErrUnitRequired        = errors.New("group_unit_required")
	ErrUnitMismatch        = errors.New("group_unit_mismatch")
	ErrInvalidMember       = errors.New("invalid_member")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrInvalidCode         = errors.New("invalid_group_code")
)
