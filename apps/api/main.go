package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/trailmarket/internal/audit"
	"github.com/smallbiznis/trailmarket/internal/billing"
	"github.com/smallbiznis/trailmarket/internal/config"
	"github.com/smallbiznis/trailmarket/internal/entitlement"
	"github.com/smallbiznis/trailmarket/internal/member"
	"github.com/smallbiznis/trailmarket/internal/migration"
	"github.com/smallbiznis/trailmarket/internal/observability"
	"github.com/smallbiznis/trailmarket/internal/ratelimit"
	"github.com/smallbiznis/trailmarket/internal/receipt"
	"github.com/smallbiznis/trailmarket/internal/server"
	"github.com/smallbiznis/trailmarket/internal/shop"
	"github.com/smallbiznis/trailmarket/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,

		audit.Module,
		member.Module,
		shop.Module,
		entitlement.Module,
		billing.Module,
		ratelimit.Module,
		receipt.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(func(s *server.Server) {
			s.RegisterRoutes()
		}),
		fx.Invoke(server.RunHTTP),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
