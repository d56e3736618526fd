package groupbuy

import (
	"github.com/smallbiznis/promosale/internal/groupbuy/service"
	"go.uber.org/fx"
)

var Module = fx.Module("groupbuy.service",
	fx.Provide(service.NewService),
)
