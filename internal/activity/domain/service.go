package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
)

// Service owns the activity and session state machine and keeps the stock
// cache in step with it.
type Service interface {
	CreateActivity(ctx context.Context, req CreateActivityRequest) (*Activity, error)
	CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error)
	CreateUnit(ctx context.Context, req CreateUnitRequest) (*ledgerdomain.SellableUnit, error)

	GetActivity(ctx context.Context, id snowflake.ID) (*Activity, error)
	GetSession(ctx context.Context, id snowflake.ID) (*Session, error)

	// ActivateDue moves due pending sessions and activities to active and warms their units.
	ActivateDue(ctx context.Context) ([]Transition, error)
	// DeactivateDue moves active sessions and activities past their end to ended and evicts their units.
	DeactivateDue(ctx context.Context) ([]Transition, error)

	CancelActivity(ctx context.Context, id snowflake.ID, reason string) (bool, error)
	CancelSession(ctx context.Context, id snowflake.ID, reason string) (bool, error)
	SetActivityEnabled(ctx context.Context, id snowflake.ID, enabled bool) (bool, error)

	// MarkSoldOutIfFull ends the parent session or activity once every unit under it is sold.
	MarkSoldOutIfFull(ctx context.Context, result ledgerdomain.ApplyResult) (bool, error)

	ListLiveUnits(ctx context.Context) ([]LiveUnit, error)
}
