// Package domain holds the member subject model used by checkout customer
// resolution and entitlement effects.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var ErrMemberNotFound = errors.New("member_not_found")

type Member struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	DisplayName        string       `gorm:"type:text;not null"`
	Email              string       `gorm:"type:text;not null;uniqueIndex"`
	ProviderCustomerID *string      `gorm:"type:text"`
	ShowOnNameWall     bool         `gorm:"not null;default:false"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Member) TableName() string { return "members" }

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Member, error)
	UpdateProviderCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string) error
}
