package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	shopdomain "github.com/smallbiznis/trailmarket/internal/shop/domain"
)

type repo struct{}

func Provide() shopdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, shop *shopdomain.Shop) error {
	return tx.WithContext(ctx).Exec(`
INSERT INTO shops (id, owner_member_id, name, slug, provider_customer_id, visibility_tier, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		shop.ID, shop.OwnerMemberID, shop.Name, shop.Slug, shop.ProviderCustomerID,
		shop.VisibilityTier, shop.CreatedAt, shop.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*shopdomain.Shop, error) {
	var shop shopdomain.Shop
	err := tx.WithContext(ctx).Raw(`
SELECT id, owner_member_id, name, slug, provider_customer_id, visibility_tier, created_at, updated_at
FROM shops WHERE id = ?`, id).First(&shop).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shopdomain.ErrShopNotFound
		}
		return nil, err
	}
	return &shop, nil
}

func (r *repo) UpdateProviderCustomerID(ctx context.Context, tx *gorm.DB, id snowflake.ID, customerID string) error {
	return tx.WithContext(ctx).Exec(`
UPDATE shops SET provider_customer_id = ?, updated_at = ? WHERE id = ?`,
		customerID, time.Now().UTC(), id).Error
}

func (r *repo) UpdateVisibilityTier(ctx context.Context, tx *gorm.DB, id snowflake.ID, tier string) error {
	return tx.WithContext(ctx).Exec(`
UPDATE shops SET visibility_tier = ?, updated_at = ? WHERE id = ?`,
		tier, time.Now().UTC(), id).Error
}
