package stockcache

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/promosale/internal/config"
	"github.com/smallbiznis/promosale/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("stockcache",
	fx.Provide(NewClient),
	fx.Provide(NewFromParams),
)

type Params struct {
	fx.In

	Client  *redis.Client
	Promo   *config.PromoConfigHolder
	Log     *zap.Logger
	Metrics *metrics.ReservationMetrics
}

func NewFromParams(p Params) *Cache {
	return New(p.Client, p.Promo, p.Log, p.Metrics, Options{})
}
