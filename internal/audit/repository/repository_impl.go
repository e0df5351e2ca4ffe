package repository

import (
	"context"

	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/trailmarket/internal/audit/domain"
)

type repo struct{}

func Provide() auditdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, entry *auditdomain.AuditLog) error {
	return tx.WithContext(ctx).Exec(`
INSERT INTO audit_logs (id, action, target_type, target_id, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.TargetType, entry.TargetID, entry.Metadata, entry.CreatedAt,
	).Error
}
