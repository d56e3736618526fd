package reservation

import (
	"context"

	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	"github.com/smallbiznis/promosale/internal/reservation/service"
	"github.com/smallbiznis/promosale/internal/reservation/writebehind"
	"go.uber.org/fx"
)

var Module = fx.Module("reservation.service",
	fx.Provide(service.NewService),
)

// WriteBehindModule runs the ledger drain loop. Only processes that own the
// write queue should include it.
var WriteBehindModule = fx.Module("reservation.writebehind",
	fx.Provide(soldOutMarker),
	fx.Provide(writebehind.NewWorker),
	fx.Invoke(runWorker),
)

func soldOutMarker(svc activitydomain.Service) writebehind.SoldOutMarker {
	return svc
}

func runWorker(lc fx.Lifecycle, worker *writebehind.Worker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return worker.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return worker.Stop(ctx)
		},
	})
}
