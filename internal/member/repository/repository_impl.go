package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	memberdomain "github.com/smallbiznis/trailmarket/internal/member/domain"
)

type repo struct{}

func Provide() memberdomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*memberdomain.Member, error) {
	var member memberdomain.Member
	err := tx.WithContext(ctx).Raw(`
SELECT id, display_name, email, provider_customer_id, show_on_name_wall, created_at, updated_at
FROM members WHERE id = ?`, id).First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, memberdomain.ErrMemberNotFound
		}
		return nil, err
	}
	return &member, nil
}

func (r *repo) UpdateProviderCustomerID(ctx context.Context, tx *gorm.DB, id snowflake.ID, customerID string) error {
	return tx.WithContext(ctx).Exec(`
UPDATE members SET provider_customer_id = ?, updated_at = ? WHERE id = ?`,
		customerID, time.Now().UTC(), id).Error
}
