package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Service is the durable stock ledger.
type Service interface {
	Apply(ctx context.Context, write Write) (ApplyResult, error)

	GetUnit(ctx context.Context, id snowflake.ID) (*SellableUnit, error)
	ListUnitsByActivity(ctx context.Context, activityID snowflake.ID) ([]SellableUnit, error)
	ListUnitsBySession(ctx context.Context, sessionID snowflake.ID) ([]SellableUnit, error)

	GetReservation(ctx context.Context, id snowflake.ID) (*ReservationRecord, error)
	ListExpiredGranted(ctx context.Context, now time.Time, limit int) ([]ReservationRecord, error)

	RecordDrift(ctx context.Context, event DriftEvent) error
}
