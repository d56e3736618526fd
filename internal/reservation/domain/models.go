package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
)

// Denial reasons. Unavailable is the fail-closed answer to cache timeouts and
// collaborator outages; the caller may retry.
const (
	ReasonInsufficientStock = "insufficient_stock"
	ReasonPerUserLimit      = "per_user_limit_exceeded"
	ReasonUnitNotActive     = "unit_not_active"
	ReasonUnavailable       = "unavailable"
)

type Status string

const (
	StatusGranted   Status = "granted"
	StatusConfirmed Status = "confirmed"
	StatusReleased  Status = "released"
)

// Release causes.
const (
	CauseManual      = "manual"
	CauseExpired     = "expired"
	CauseOrderFailed = "order_failed"
	CauseGroupFailed = "group_failed"
)

type ReserveRequest struct {
	UnitID         snowflake.ID `json:"unit_id"`
	RequesterID    string       `json:"requester_id"`
	Quantity       int64        `json:"quantity"`
	IdempotencyKey string       `json:"idempotency_key"`
	// HoldUntil overrides the configured reservation TTL when it lies in the future.
	HoldUntil time.Time `json:"-"`
}

// Result is Granted{reservation} or Denied{reason}. A repeated idempotency key
// is a grant with Duplicate set and the original reservation id.
type Result struct {
	Outcome       Outcome      `json:"outcome"`
	ReservationID snowflake.ID `json:"reservation_id,omitempty"`
	Duplicate     bool         `json:"duplicate,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
}

func (r Result) Granted() bool {
	return r.Outcome == OutcomeGranted
}

func Denied(reason string) Result {
	return Result{Outcome: OutcomeDenied, Reason: reason}
}

// Reservation is the lookup view, served from the cache or the durable audit log.
type Reservation struct {
	ID             snowflake.ID `json:"id"`
	UnitID         snowflake.ID `json:"unit_id"`
	RequesterID    string       `json:"requester_id"`
	Quantity       int64        `json:"quantity"`
	Status         Status       `json:"status"`
	IdempotencyKey string       `json:"-"`
	ExpiresAt      time.Time    `json:"expires_at"`
	CreatedAt      time.Time    `json:"created_at"`
	ConfirmedAt    *time.Time   `json:"confirmed_at,omitempty"`
	ReleasedAt     *time.Time   `json:"released_at,omitempty"`
	Source         string       `json:"source"`
}

type ConfirmResult struct {
	ReservationID snowflake.ID `json:"reservation_id"`
	Confirmed     bool         `json:"confirmed"`
	// Already is set when the reservation had been confirmed before this call.
	Already bool   `json:"already"`
	Status  Status `json:"status"`
}

type ReleaseResult struct {
	ReservationID snowflake.ID `json:"reservation_id"`
	Released      bool         `json:"released"`
	Quantity      int64        `json:"quantity,omitempty"`
	// Status is the observed status when nothing was released.
	Status    Status `json:"status"`
	Recovered bool   `json:"recovered,omitempty"`
}
