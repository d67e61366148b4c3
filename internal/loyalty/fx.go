package loyalty

import (
	"github.com/smallbiznis/spiral/internal/loyalty/service"
	"go.uber.org/fx"
)

var Module = fx.Module("loyalty.service",
	fx.Provide(service.NewService),
)
