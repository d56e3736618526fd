package catalog

import (
	"strings"

	"github.com/smallbiznis/promosale/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("catalog",
	fx.Provide(NewClient),
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

func NewClient(p Params) Client {
	baseURL := strings.TrimSpace(p.Config.Collaborator.CatalogBaseURL)
	if baseURL == "" {
		p.Log.Warn("catalog.permissive", zap.String("reason", "CATALOG_BASE_URL not set"))
		return Permissive{}
	}
	return NewCachedClient(NewHTTPClient(baseURL, p.Config.Collaborator.Timeout), defaultSnapshotTTL)
}
