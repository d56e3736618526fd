package catalog

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrSKUNotFound = errors.New("sku_not_found")
	ErrUnavailable = errors.New("catalog_unavailable")
)

// Snapshot is the sellability view of a SKU at lookup time.
type Snapshot struct {
	SKUID  string          `json:"sku_id"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Active bool            `json:"active"`
}

// Client answers "is this SKU sellable, at what price". It has no side effects.
type Client interface {
	GetSnapshot(ctx context.Context, skuID string) (Snapshot, error)
}

// Permissive reports every SKU as active. It stands in when no catalog is configured.
type Permissive struct{}

func (Permissive) GetSnapshot(_ context.Context, skuID string) (Snapshot, error) {
	return Snapshot{SKUID: skuID, Active: true}, nil
}
