package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/trailmarket/internal/audit/domain"
	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
	"github.com/smallbiznis/trailmarket/internal/config"
	"github.com/smallbiznis/trailmarket/internal/observability"
	obslogger "github.com/smallbiznis/trailmarket/internal/observability/logger"
	obstracing "github.com/smallbiznis/trailmarket/internal/observability/tracing"
	"github.com/smallbiznis/trailmarket/internal/ratelimit"
	"github.com/smallbiznis/trailmarket/internal/receipt"
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine          *gin.Engine
	cfg             *config.Config
	db              *gorm.DB
	genID           *snowflake.Node
	checkoutSvc     billingdomain.CheckoutService
	reconcileSvc    billingdomain.ReconcileService
	recordsSvc      billingdomain.RecordQueryService
	receiptSvc      *receipt.Service
	auditSvc        auditdomain.Service
	checkoutLimiter *ratelimit.CheckoutLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             *config.Config
	DB              *gorm.DB
	GenID           *snowflake.Node
	CheckoutSvc     billingdomain.CheckoutService
	ReconcileSvc    billingdomain.ReconcileService
	RecordsSvc      billingdomain.RecordQueryService
	ReceiptSvc      *receipt.Service
	AuditSvc        auditdomain.Service
	CheckoutLimiter *ratelimit.CheckoutLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		genID:           p.GenID,
		checkoutSvc:     p.CheckoutSvc,
		reconcileSvc:    p.ReconcileSvc,
		recordsSvc:      p.RecordsSvc,
		receiptSvc:      p.ReceiptSvc,
		auditSvc:        p.AuditSvc,
		checkoutLimiter: p.CheckoutLimiter,
	}
}

func (s *Server) RegisterRoutes() {
	s.engine.POST("/webhooks/:stream", s.HandleWebhook)
	s.engine.POST("/checkout/donations", s.HandleDonationCheckout)
	s.engine.POST("/checkout/shops/:shop_id/subscription", s.HandleShopSubscriptionCheckout)
	s.engine.GET("/donations/:id/receipt", s.HandleDonationReceipt)
}

func RunHTTP(lc fx.Lifecycle, cfg *config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
