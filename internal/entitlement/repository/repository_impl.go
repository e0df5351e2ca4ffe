package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
	entitlementdomain "github.com/smallbiznis/trailmarket/internal/entitlement/domain"
)

const entitlementColumns = `id, owner_kind, owner_id, kind, tier, source_record_id, active, granted_at, deactivated_at`

type repo struct{}

func Provide() entitlementdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, entitlement *entitlementdomain.Entitlement) error {
	return tx.WithContext(ctx).Exec(`
INSERT INTO entitlements (`+entitlementColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entitlement.ID, entitlement.OwnerKind, entitlement.OwnerID, entitlement.Kind, entitlement.Tier,
		entitlement.SourceRecordID, entitlement.Active, entitlement.GrantedAt, entitlement.DeactivatedAt,
	).Error
}

func (r *repo) FindActiveByOwnerAndKind(ctx context.Context, tx *gorm.DB, ownerKind billingdomain.OwnerKind, ownerID snowflake.ID, kind entitlementdomain.Kind) ([]entitlementdomain.Entitlement, error) {
	var entitlements []entitlementdomain.Entitlement
	err := tx.WithContext(ctx).Raw(`
SELECT `+entitlementColumns+` FROM entitlements
WHERE owner_kind = ? AND owner_id = ? AND kind = ? AND active = ?`,
		ownerKind, ownerID, kind, true).Scan(&entitlements).Error
	if err != nil {
		return nil, err
	}
	return entitlements, nil
}

func (r *repo) FindBySource(ctx context.Context, tx *gorm.DB, sourceRecordID snowflake.ID) ([]entitlementdomain.Entitlement, error) {
	var entitlements []entitlementdomain.Entitlement
	err := tx.WithContext(ctx).Raw(`
SELECT `+entitlementColumns+` FROM entitlements WHERE source_record_id = ?`, sourceRecordID).Scan(&entitlements).Error
	if err != nil {
		return nil, err
	}
	return entitlements, nil
}

func (r *repo) Deactivate(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error {
	return tx.WithContext(ctx).Exec(`
UPDATE entitlements SET active = ?, deactivated_at = ? WHERE id = ? AND active = ?`,
		false, at, id, true).Error
}

func (r *repo) DeactivateBySource(ctx context.Context, tx *gorm.DB, sourceRecordID snowflake.ID, at time.Time) (int64, error) {
	result := tx.WithContext(ctx).Exec(`
UPDATE entitlements SET active = ?, deactivated_at = ? WHERE source_record_id = ? AND active = ?`,
		false, at, sourceRecordID, true)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
