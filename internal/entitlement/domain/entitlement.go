// Package domain models perks derived from settled payments: supporter
// badges, the donor name wall, and shop visibility tiers.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
)

var (
	ErrInvalidTier  = errors.New("invalid_entitlement_tier")
	ErrInvalidOwner = errors.New("invalid_entitlement_owner")
)

// Kind groups tiers that are mutually exclusive per owner. An upgrade within
// a kind revokes the prior tier in the same transaction.
type Kind string

const (
	KindBadge          Kind = "badge"
	KindNameWall       Kind = "name_wall"
	KindShopVisibility Kind = "shop_visibility"
)

// KindForTier maps catalog tier codes onto entitlement kinds.
func KindForTier(tier string) (Kind, error) {
	switch {
	case strings.HasSuffix(tier, "_badge"):
		return KindBadge, nil
	case tier == "name_wall":
		return KindNameWall, nil
	case strings.HasPrefix(tier, "visibility_"):
		return KindShopVisibility, nil
	default:
		return "", ErrInvalidTier
	}
}

type Entitlement struct {
	ID             snowflake.ID            `gorm:"primaryKey"`
	OwnerKind      billingdomain.OwnerKind `gorm:"type:text;not null"`
	OwnerID        snowflake.ID            `gorm:"not null;index"`
	Kind           Kind                    `gorm:"type:text;not null"`
	Tier           string                  `gorm:"type:text;not null"`
	SourceRecordID snowflake.ID            `gorm:"not null;index"`
	Active         bool                    `gorm:"not null;default:true"`
	GrantedAt      time.Time               `gorm:"not null"`
	DeactivatedAt  *time.Time              `gorm:""`
}

func (Entitlement) TableName() string { return "entitlements" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entitlement *Entitlement) error
	FindActiveByOwnerAndKind(ctx context.Context, db *gorm.DB, ownerKind billingdomain.OwnerKind, ownerID snowflake.ID, kind Kind) ([]Entitlement, error)
	FindBySource(ctx context.Context, db *gorm.DB, sourceRecordID snowflake.ID) ([]Entitlement, error)
	Deactivate(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	DeactivateBySource(ctx context.Context, db *gorm.DB, sourceRecordID snowflake.ID, at time.Time) (int64, error)
}

// Service grants and revokes entitlements inside the caller's transaction so
// record transitions and their perk effects commit together.
type Service interface {
	GrantForRecord(ctx context.Context, db *gorm.DB, record *billingdomain.PaymentRecord) error
	DeactivateForRecord(ctx context.Context, db *gorm.DB, record *billingdomain.PaymentRecord) error
}
