package order

import (
	"strings"

	"github.com/smallbiznis/promosale/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("order",
	fx.Provide(NewClient),
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

func NewClient(p Params) Client {
	baseURL := strings.TrimSpace(p.Config.Collaborator.OrderBaseURL)
	if baseURL == "" {
		p.Log.Warn("order.local", zap.String("reason", "ORDER_BASE_URL not set"))
		return Local{}
	}
	return NewHTTPClient(baseURL, p.Config.Collaborator.Timeout)
}
