package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrRejected    = errors.New("order_rejected")
	ErrUnavailable = errors.New("order_service_unavailable")
)

// Request asks the order service for an order line backed by one reservation.
type Request struct {
	ReservationID string          `json:"reservation_id"`
	Kind          string          `json:"kind"`
	UnitID        string          `json:"unit_id"`
	SKUID         string          `json:"sku_id"`
	RequesterID   string          `json:"requester_id"`
	Quantity      int64           `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Total         decimal.Decimal `json:"total"`
	GroupCode     string          `json:"group_code,omitempty"`
}

// Client creates orders from reservations. The reservation id doubles as the
// idempotency key, so retries return the same order.
type Client interface {
	CreateOrderFromReservation(ctx context.Context, req Request) (string, error)
}

// Local accepts every order and derives the id from the reservation. It stands
// in when no order service is configured.
type Local struct{}

func (Local) CreateOrderFromReservation(_ context.Context, req Request) (string, error) {
	if req.ReservationID == "" {
		return "", ErrRejected
	}
	return fmt.Sprintf("local-%s", req.ReservationID), nil
}
