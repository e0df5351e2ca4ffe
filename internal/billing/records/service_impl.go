// Package records exposes read access to payment records for surfaces like
// donation receipts.
package records

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Repo billingdomain.Repository
}

type Service struct {
	db   *gorm.DB
	repo billingdomain.Repository
}

func NewService(p Params) billingdomain.RecordQueryService {
	return &Service{db: p.DB, repo: p.Repo}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*billingdomain.PaymentRecord, error) {
	return s.repo.FindByID(ctx, s.db, id)
}
