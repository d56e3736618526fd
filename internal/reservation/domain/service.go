package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	TryReserve(ctx context.Context, req ReserveRequest) (Result, error)
	Confirm(ctx context.Context, id snowflake.ID) (ConfirmResult, error)
	Release(ctx context.Context, id snowflake.ID, cause string) (ReleaseResult, error)
	Get(ctx context.Context, id snowflake.ID) (*Reservation, error)
	// ExpireDue releases granted reservations past their expiry and returns how many it released.
	ExpireDue(ctx context.Context) (int, error)
}
