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
	"github.com/smallbiznis/promosale/internal/migration"
	"github.com/smallbiznis/promosale/internal/notification"
	"github.com/smallbiznis/promosale/internal/observability"
	"github.com/smallbiznis/promosale/internal/order"
	"github.com/smallbiznis/promosale/internal/reconcile"
	"github.com/smallbiznis/promosale/internal/reservation"
	"github.com/smallbiznis/promosale/internal/scheduler"
	"github.com/smallbiznis/promosale/internal/server"
	"github.com/smallbiznis/promosale/internal/stockcache"
	"github.com/smallbiznis/promosale/pkg/db"
	"go.uber.org/fx"
)

// Monolith: HTTP API, write-behind drain and the lifecycle scheduler in one process.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		stockcache.Module,

		// Collaborators
		catalog.Module,
		order.Module,
		notification.Module,

		// Functional Domains
		ledger.Module,
		activity.Module,
		reconcile.Module,
		reservation.Module,
		reservation.WriteBehindModule,
		groupbuy.Module,
		checkout.Module,
		scheduler.Module,

		// server.Module carries audit, authorization and rate limiting.
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
