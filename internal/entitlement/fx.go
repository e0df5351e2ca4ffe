package entitlement

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/trailmarket/internal/entitlement/repository"
	"github.com/smallbiznis/trailmarket/internal/entitlement/service"
)

var Module = fx.Module("entitlement",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
