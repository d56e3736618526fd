package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindFlashSale Kind = "flash_sale"
	KindGroupBuy  Kind = "group_buy"
)

func (k Kind) Valid() bool {
	return k == KindFlashSale || k == KindGroupBuy
}

// Status is shared by activities and sessions.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusSoldOut   Status = "sold_out"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusSoldOut, StatusCancelled:
		return true
	default:
		return false
	}
}

type Entity string

const (
	EntityActivity Entity = "activity"
	EntitySession  Entity = "session"
)

// Activity is a flash sale or group-buy campaign.
type Activity struct {
	ID                    snowflake.ID `gorm:"primaryKey" json:"id"`
	Kind                  Kind         `gorm:"type:text;not null" json:"kind"`
	Title                 string       `gorm:"type:text;not null" json:"title"`
	Status                Status       `gorm:"type:text;not null;default:pending" json:"status"`
	Enabled               bool         `gorm:"not null" json:"enabled"`
	StartAt               time.Time    `gorm:"not null" json:"start_at"`
	EndAt                 time.Time    `gorm:"not null" json:"end_at"`
	MinPeople             int          `gorm:"not null;default:0" json:"min_people,omitempty"`
	MaxPeople             int          `gorm:"not null;default:0" json:"max_people,omitempty"`
	GroupTimeLimitSeconds int          `gorm:"not null;default:0" json:"group_time_limit_seconds,omitempty"`
	CreatedAt             time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time    `gorm:"not null" json:"updated_at"`
}

func (Activity) TableName() string { return "activities" }

func (a Activity) GroupTimeLimit() time.Duration {
	return time.Duration(a.GroupTimeLimitSeconds) * time.Second
}

// Session is a flash-sale time slice. ActivityID is a non-owning back reference.
type Session struct {
	ID            snowflake.ID  `gorm:"primaryKey" json:"id"`
	ActivityID    *snowflake.ID `gorm:"index" json:"activity_id,omitempty"`
	Status        Status        `gorm:"type:text;not null;default:pending" json:"status"`
	Enabled       bool          `gorm:"not null" json:"enabled"`
	StartAt       time.Time     `gorm:"not null" json:"start_at"`
	EndAt         time.Time     `gorm:"not null" json:"end_at"`
	PerUserMax    int64         `gorm:"not null;default:0" json:"per_user_max"`
	TotalQuantity int64         `gorm:"not null;default:0" json:"total_quantity"`
	SoldQuantity  int64         `gorm:"not null;default:0" json:"sold_quantity"`
	CreatedAt     time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"not null" json:"updated_at"`
}

func (Session) TableName() string { return "activity_sessions" }

// Transition is one applied status change.
type Transition struct {
	Entity Entity       `json:"entity"`
	ID     snowflake.ID `json:"id"`
	From   Status       `json:"from"`
	To     Status       `json:"to"`
	Reason string       `json:"reason"`
	At     time.Time    `json:"at"`
	// Units is the number of cache entries warmed or evicted by the transition.
	Units int `json:"units"`
}

// LiveUnit is a sellable unit whose activity, and session if any, are running.
type LiveUnit struct {
	Unit ledgerdomain.SellableUnit
	Kind Kind
	// Limit is the effective per-user limit: the tighter non-zero value of the
	// unit limit and the session per-user max.
	Limit int64
}

// EffectiveLimit combines a unit limit with a session per-user max; zero means unlimited.
func EffectiveLimit(unitLimit, sessionMax int64) int64 {
	switch {
	case unitLimit <= 0:
		if sessionMax < 0 {
			return 0
		}
		return sessionMax
	case sessionMax <= 0:
		return unitLimit
	case unitLimit < sessionMax:
		return unitLimit
	default:
		return sessionMax
	}
}

type CreateActivityRequest struct {
	Kind           Kind          `json:"kind"`
	Title          string        `json:"title"`
	StartAt        time.Time     `json:"start_at"`
	EndAt          time.Time     `json:"end_at"`
	Disabled       bool          `json:"disabled"`
	MinPeople      int           `json:"min_people"`
	MaxPeople      int           `json:"max_people"`
	GroupTimeLimit time.Duration `json:"group_time_limit"`
}

type CreateSessionRequest struct {
	ActivityID *snowflake.ID `json:"activity_id"`
	StartAt    time.Time     `json:"start_at"`
	EndAt      time.Time     `json:"end_at"`
	PerUserMax int64         `json:"per_user_max"`
}

type CreateUnitRequest struct {
	ActivityID    snowflake.ID    `json:"activity_id"`
	SessionID     *snowflake.ID   `json:"session_id"`
	SKUID         string          `json:"sku_id"`
	TotalQuantity int64           `json:"total_quantity"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	PromoPrice    decimal.Decimal `json:"promo_price"`
	PerUserLimit  int64           `json:"per_user_limit"`
}
