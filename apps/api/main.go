package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/promosale/internal/activity"
	"github.com/smallbiznis/promosale/internal/catalog"
	"github.com/smallbiznis/promosale/internal/checkout"
	"github.com/smallbiznis/promosale/internal/clock"
	"github.com/smallbiznis/promosale/internal/config"
	"github.com/smallbiznis/promosale/internal/groupbuy"
	"github.com/smallbiznis/promosale/internal/ledger"
	"github.com/smallbiznis/promosale/internal/notification"
	"github.com/smallbiznis/promosale/internal/observability"
	"github.com/smallbiznis/promosale/internal/order"
	"github.com/smallbiznis/promosale/internal/reconcile"
	"github.com/smallbiznis/promosale/internal/reservation"
	"github.com/smallbiznis/promosale/internal/server"
	"github.com/smallbiznis/promosale/internal/stockcache"
	"github.com/smallbiznis/promosale/pkg/db"
	"go.uber.org/fx"
)

// Purchase-path API only. Reservations land in the write queue; the scheduler
// process drains it.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		stockcache.Module,

		catalog.Module,
		order.Module,
		notification.Module,

		ledger.Module,
		activity.Module,
		reconcile.Module,
		reservation.Module,
		groupbuy.Module,
		checkout.Module,

		// No scheduler module: /admin/scheduler/run answers 503 here.
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		panic(err)
	}
	return node
}
