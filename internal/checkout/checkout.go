package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	groupdomain "github.com/smallbiznis/promosale/internal/groupbuy/domain"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
)

var (
	ErrUnsupportedKind = errors.New("checkout_kind_unsupported")
	ErrKindMismatch    = errors.New("checkout_kind_mismatch")
	ErrInvalidRequest  = errors.New("invalid_checkout_request")
)

// Request is the inbound checkout body. Kind selects the variant.
type Request struct {
	Kind           activitydomain.Kind `json:"kind"`
	UnitID         snowflake.ID        `json:"unit_id"`
	RequesterID    string              `json:"requester_id"`
	Quantity       int64               `json:"quantity"`
	IdempotencyKey string              `json:"idempotency_key"`
	// GroupCode joins an existing group; empty opens a new one. Group-buy only.
	GroupCode string `json:"group_code,omitempty"`
}

// Draft is a checkout with stock already reserved but no order yet.
type Draft struct {
	Request       Request
	Unit          *ledgerdomain.SellableUnit
	ReservationID snowflake.ID
	Duplicate     bool
	UnitPrice     decimal.Decimal
	Total         decimal.Decimal
	ExpiresAt     *time.Time
	Group         *groupdomain.BuyGroup
}

type Result struct {
	Kind          activitydomain.Kind `json:"kind"`
	ReservationID snowflake.ID        `json:"reservation_id"`
	OrderID       string              `json:"order_id"`
	UnitPrice     decimal.Decimal     `json:"unit_price"`
	Total         decimal.Decimal     `json:"total"`
	ExpiresAt     *time.Time          `json:"expires_at,omitempty"`
	Confirmed     bool                `json:"confirmed"`
	GroupCode     string              `json:"group_code,omitempty"`
	GroupStatus   groupdomain.Status  `json:"group_status,omitempty"`
}

// Variant is one order type's share of the checkout pipeline.
type Variant interface {
	Kind() activitydomain.Kind
	// Validate checks the request against the unit before any stock is touched.
	Validate(ctx context.Context, req Request, unit *ledgerdomain.SellableUnit, activity *activitydomain.Activity) error
	// BuildDraft reserves stock and prices the order.
	BuildDraft(ctx context.Context, req Request, unit *ledgerdomain.SellableUnit) (*Draft, error)
	// PostCreate settles the reservation once the order call returned. orderErr
	// is the order call's error; a non-nil orderErr must give the stock back.
	PostCreate(ctx context.Context, draft *Draft, orderID string, orderErr error) (*Result, error)
}

func priced(unit *ledgerdomain.SellableUnit, qty int64) (decimal.Decimal, decimal.Decimal) {
	price := unit.PromoPrice
	return price, price.Mul(decimal.NewFromInt(qty))
}
