package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// WriteOp is the kind of durable write applied from the cache write-behind queue.
type WriteOp string

const (
	WriteOpReserve WriteOp = "reserve"
	WriteOpRelease WriteOp = "release"
	WriteOpConfirm WriteOp = "confirm"
)

// ReservationStatus mirrors the cache reservation lifecycle in the audit log.
type ReservationStatus string

const (
	ReservationStatusGranted   ReservationStatus = "granted"
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	ReservationStatusReleased  ReservationStatus = "released"
)

// SellableUnit is the durable stock row reservations are counted against:
// a (session, sku) pair for flash sales or an (activity, sku) pair for group buys.
type SellableUnit struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	ActivityID    snowflake.ID    `gorm:"not null;index"`
	SessionID     *snowflake.ID   `gorm:"index"`
	SKUID         string          `gorm:"column:sku_id;type:text;not null"`
	TotalQuantity int64           `gorm:"not null"`
	SoldQuantity  int64           `gorm:"not null;default:0"`
	OriginalPrice decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	PromoPrice    decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	PerUserLimit  int64           `gorm:"not null;default:0"`
	CreatedAt     time.Time       `gorm:"not null"`
	UpdatedAt     time.Time       `gorm:"not null"`
}

// TableName sets the database table name.
func (SellableUnit) TableName() string { return "sellable_units" }

// Remaining returns the unsold quantity.
func (u SellableUnit) Remaining() int64 {
	if u.SoldQuantity >= u.TotalQuantity {
		return 0
	}
	return u.TotalQuantity - u.SoldQuantity
}

// LedgerWrite is the idempotency record for one applied reserve or release.
type LedgerWrite struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	ReservationID snowflake.ID `gorm:"not null;uniqueIndex:ux_stock_ledger_writes_once,priority:1"`
	UnitID        snowflake.ID `gorm:"not null;index"`
	Op            WriteOp      `gorm:"type:text;not null;uniqueIndex:ux_stock_ledger_writes_once,priority:2"`
	Quantity      int64        `gorm:"not null"`
	AppliedAt     time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (LedgerWrite) TableName() string { return "stock_ledger_writes" }

// ReservationRecord is the durable reservation audit log row.
type ReservationRecord struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	UnitID         snowflake.ID      `gorm:"not null;index"`
	RequesterID    string            `gorm:"type:text;not null"`
	Quantity       int64             `gorm:"not null"`
	IdempotencyKey string            `gorm:"type:text;not null"`
	Status         ReservationStatus `gorm:"type:text;not null"`
	ExpiresAt      time.Time         `gorm:"not null"`
	ConfirmedAt    *time.Time
	ReleasedAt     *time.Time
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (ReservationRecord) TableName() string { return "reservations" }

// DriftEvent records a reconciliation correction.
type DriftEvent struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	UnitID     snowflake.ID `gorm:"not null;index"`
	CacheSold  int64        `gorm:"not null"`
	LedgerSold int64        `gorm:"not null"`
	Pending    int64        `gorm:"not null"`
	Drift      int64        `gorm:"not null"`
	DetectedAt time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (DriftEvent) TableName() string { return "drift_events" }

// Write is one durable write decoded from the cache queue.
type Write struct {
	Op             WriteOp
	ReservationID  snowflake.ID
	UnitID         snowflake.ID
	RequesterID    string
	Quantity       int64
	IdempotencyKey string
	ExpiresAt      time.Time
	At             time.Time
}

// ApplyResult describes the ledger state after a write.
type ApplyResult struct {
	// Applied is false when the write had already been recorded.
	Applied    bool
	ActivityID snowflake.ID
	SessionID  *snowflake.ID
	Sold       int64
	Total      int64
}

// SoldOut reports whether the unit has no remaining quantity.
func (r ApplyResult) SoldOut() bool {
	return r.Total > 0 && r.Sold >= r.Total
}
