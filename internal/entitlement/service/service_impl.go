package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
	"github.com/smallbiznis/trailmarket/internal/config"
	entitlementdomain "github.com/smallbiznis/trailmarket/internal/entitlement/domain"
	"github.com/smallbiznis/trailmarket/internal/observability/metrics"
	shopdomain "github.com/smallbiznis/trailmarket/internal/shop/domain"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Catalog  *config.CatalogHolder
	Repo     entitlementdomain.Repository
	ShopRepo shopdomain.Repository
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	genID    *snowflake.Node
	catalog  *config.CatalogHolder
	repo     entitlementdomain.Repository
	shopRepo shopdomain.Repository
	metrics  *metrics.Metrics
}

func NewService(p Params) entitlementdomain.Service {
	return &Service{
		log:      p.Log.Named("entitlement.service"),
		genID:    p.GenID,
		catalog:  p.Catalog,
		repo:     p.Repo,
		shopRepo: p.ShopRepo,
		metrics:  p.Metrics,
	}
}

// GrantForRecord grants the perk the record's plan maps to. An owner holds
// at most one active entitlement per kind: a same-tier grant is a no-op, a
// different tier revokes the prior one in the same transaction.
func (s *Service) GrantForRecord(ctx context.Context, tx *gorm.DB, record *billingdomain.PaymentRecord) error {
	tier, err := s.tierForRecord(record)
	if err != nil {
		return err
	}
	if tier == "" {
		return nil
	}

	kind, err := entitlementdomain.KindForTier(tier)
	if err != nil {
		return err
	}

	ownerID := record.OwnerID()
	if ownerID == 0 {
		// Anonymous donors get no durable perks beyond the optional
		// name-wall snapshot on the record itself.
		return nil
	}

	existing, err := s.repo.FindActiveByOwnerAndKind(ctx, tx, record.OwnerKind, ownerID, kind)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, e := range existing {
		if e.Tier == tier {
			return nil
		}
		if err := s.repo.Deactivate(ctx, tx, e.ID, now); err != nil {
			return err
		}
		s.record(ctx, e.Tier, "revoked")
	}

	entitlement := entitlementdomain.Entitlement{
		ID:             s.genID.Generate(),
		OwnerKind:      record.OwnerKind,
		OwnerID:        ownerID,
		Kind:           kind,
		Tier:           tier,
		SourceRecordID: record.ID,
		Active:         true,
		GrantedAt:      now,
	}
	if err := s.repo.Insert(ctx, tx, &entitlement); err != nil {
		return err
	}
	s.record(ctx, tier, "granted")

	if kind == entitlementdomain.KindShopVisibility && record.ShopID != nil {
		visibility := strings.TrimPrefix(tier, "visibility_")
		if err := s.shopRepo.UpdateVisibilityTier(ctx, tx, *record.ShopID, visibility); err != nil {
			return err
		}
	}

	s.log.Info("entitlement granted",
		zap.String("tier", tier),
		zap.String("owner_kind", string(record.OwnerKind)),
		zap.Int64("owner_id", int64(ownerID)),
		zap.Int64("source_record_id", int64(record.ID)),
	)
	return nil
}

// DeactivateForRecord revokes every active entitlement sourced from the
// record. Entitlement rows are never deleted.
func (s *Service) DeactivateForRecord(ctx context.Context, tx *gorm.DB, record *billingdomain.PaymentRecord) error {
	now := time.Now().UTC()
	affected, err := s.repo.DeactivateBySource(ctx, tx, record.ID, now)
	if err != nil {
		return err
	}
	if affected == 0 {
		return nil
	}
	s.record(ctx, record.Plan, "deactivated")

	if record.OwnerKind == billingdomain.OwnerKindShop && record.ShopID != nil {
		if err := s.shopRepo.UpdateVisibilityTier(ctx, tx, *record.ShopID, shopdomain.VisibilityTierStandard); err != nil {
			return err
		}
	}

	s.log.Info("entitlement deactivated",
		zap.Int64("source_record_id", int64(record.ID)),
		zap.Int64("count", affected),
	)
	return nil
}

func (s *Service) tierForRecord(record *billingdomain.PaymentRecord) (string, error) {
	plan, ok := s.catalog.Get().FindPlan(string(record.Stream), record.Plan)
	if !ok {
		return "", billingdomain.ErrInvalidPlan
	}
	return plan.EntitlementTier, nil
}

func (s *Service) record(ctx context.Context, tier, action string) {
	if s.metrics != nil {
		s.metrics.RecordEntitlementGrant(ctx, tier, action)
	}
}
