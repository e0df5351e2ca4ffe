package audit

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/trailmarket/internal/audit/repository"
	"github.com/smallbiznis/trailmarket/internal/audit/service"
)

var Module = fx.Module("audit",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
