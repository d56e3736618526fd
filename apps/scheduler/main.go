package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/promosale/internal/activity"
	"github.com/smallbiznis/promosale/internal/audit"
	"github.com/smallbiznis/promosale/internal/catalog"
	"github.com/smallbiznis/promosale/internal/clock"
	"github.com/smallbiznis/promosale/internal/config"
	"github.com/smallbiznis/promosale/internal/groupbuy"
	"github.com/smallbiznis/promosale/internal/ledger"
	"github.com/smallbiznis/promosale/internal/migration"
	"github.com/smallbiznis/promosale/internal/notification"
	"github.com/smallbiznis/promosale/internal/observability"
	"github.com/smallbiznis/promosale/internal/ratelimit"
	"github.com/smallbiznis/promosale/internal/reconcile"
	"github.com/smallbiznis/promosale/internal/reservation"
	"github.com/smallbiznis/promosale/internal/scheduler"
	"github.com/smallbiznis/promosale/internal/stockcache"
	"github.com/smallbiznis/promosale/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		stockcache.Module,

		// Domain services required by scheduler jobs
		catalog.Module,
		notification.Module,
		audit.Module,
		ratelimit.Module,
		ledger.Module,
		activity.Module,
		reconcile.Module,
		reservation.Module,
		reservation.WriteBehindModule,
		groupbuy.Module,

		// No server module!
		scheduler.Module,
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
