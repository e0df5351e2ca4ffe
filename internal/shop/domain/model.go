// Package domain holds the shop subject model. A shop's visibility tier is
// derived from its subscription entitlement, never set directly.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

var ErrShopNotFound = errors.New("shop_not_found")

// VisibilityTierStandard is the tier every shop falls back to without an
// active subscription.
const VisibilityTierStandard = "standard"

type Shop struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	OwnerMemberID      snowflake.ID `gorm:"not null;index"`
	Name               string       `gorm:"type:text;not null"`
	Slug               string       `gorm:"type:text;not null;uniqueIndex"`
	ProviderCustomerID *string      `gorm:"type:text"`
	VisibilityTier     string       `gorm:"type:text;not null;default:standard"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Shop) TableName() string { return "shops" }

// New builds a shop with a URL-safe slug derived from its name.
func New(id, ownerMemberID snowflake.ID, name string) *Shop {
	now := time.Now().UTC()
	return &Shop{
		ID:             id,
		OwnerMemberID:  ownerMemberID,
		Name:           name,
		Slug:           slug.Make(name),
		VisibilityTier: VisibilityTierStandard,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, shop *Shop) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Shop, error)
	UpdateProviderCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string) error
	UpdateVisibilityTier(ctx context.Context, db *gorm.DB, id snowflake.ID, tier string) error
}
