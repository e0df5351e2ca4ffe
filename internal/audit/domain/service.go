// Package domain defines the append-only audit trail used for reconciliation
// anomalies and orphaned checkout sessions.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrInvalidAction = errors.New("invalid_action")

type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	Action     string            `gorm:"type:text;not null"`
	TargetType string            `gorm:"type:text;not null"`
	TargetID   string            `gorm:"type:text;not null"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
}

type Service interface {
	AuditLog(ctx context.Context, action, targetType, targetID string, metadata map[string]any) error
}
