package shop

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/trailmarket/internal/shop/repository"
)

var Module = fx.Module("shop",
	fx.Provide(repository.Provide),
)
