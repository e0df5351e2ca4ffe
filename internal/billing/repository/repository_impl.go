package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
	"github.com/smallbiznis/trailmarket/pkg/db"
)

const recordColumns = `id, stream, checkout_session_id, provider_subscription_id, provider_customer_id,
owner_kind, member_id, shop_id, donor_name, donor_email,
amount, currency, plan, frequency, status,
is_anonymous, show_on_name_wall, current_period_start, current_period_end, cancel_at_period_end,
metadata, created_at, updated_at`

type repo struct{}

func Provide() billingdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, record *billingdomain.PaymentRecord) error {
	return tx.WithContext(ctx).Exec(`
INSERT INTO payment_records (`+recordColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Stream, record.CheckoutSessionID, record.ProviderSubscriptionID, record.ProviderCustomerID,
		record.OwnerKind, record.MemberID, record.ShopID, record.DonorName, record.DonorEmail,
		record.Amount, record.Currency, record.Plan, record.Frequency, record.Status,
		record.IsAnonymous, record.ShowOnNameWall, record.CurrentPeriodStart, record.CurrentPeriodEnd, record.CancelAtPeriodEnd,
		record.Metadata, record.CreatedAt, record.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*billingdomain.PaymentRecord, error) {
	var record billingdomain.PaymentRecord
	err := tx.WithContext(ctx).Raw(`
SELECT `+recordColumns+` FROM payment_records WHERE id = ?`, id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billingdomain.ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *repo) FindBySessionID(ctx context.Context, tx *gorm.DB, sessionID string) (*billingdomain.PaymentRecord, error) {
	return r.findBySession(ctx, tx, sessionID, false)
}

func (r *repo) FindBySessionIDForUpdate(ctx context.Context, tx *gorm.DB, sessionID string) (*billingdomain.PaymentRecord, error) {
	return r.findBySession(ctx, tx, sessionID, true)
}

func (r *repo) findBySession(ctx context.Context, tx *gorm.DB, sessionID string, lock bool) (*billingdomain.PaymentRecord, error) {
	var record billingdomain.PaymentRecord
	query := `SELECT ` + recordColumns + ` FROM payment_records WHERE checkout_session_id = ?` + lockSuffix(tx, lock)
	err := tx.WithContext(ctx).Raw(query, sessionID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billingdomain.ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *repo) FindBySubscriptionIDForUpdate(ctx context.Context, tx *gorm.DB, subscriptionID string) (*billingdomain.PaymentRecord, error) {
	var record billingdomain.PaymentRecord
	query := `SELECT ` + recordColumns + ` FROM payment_records WHERE provider_subscription_id = ?` + lockSuffix(tx, true)
	err := tx.WithContext(ctx).Raw(query, subscriptionID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billingdomain.ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *repo) FindActiveBySubject(ctx context.Context, tx *gorm.DB, stream billingdomain.Stream, ownerKind billingdomain.OwnerKind, ownerID snowflake.ID, statuses []billingdomain.Status) (*billingdomain.PaymentRecord, error) {
	var ownerColumn string
	switch ownerKind {
	case billingdomain.OwnerKindMember:
		ownerColumn = "member_id"
	case billingdomain.OwnerKindShop:
		ownerColumn = "shop_id"
	default:
		return nil, billingdomain.ErrInvalidSubject
	}

	var record billingdomain.PaymentRecord
	query := fmt.Sprintf(`
SELECT `+recordColumns+` FROM payment_records
WHERE stream = ? AND %s = ? AND status IN ?
ORDER BY created_at DESC LIMIT 1`, ownerColumn)
	err := tx.WithContext(ctx).Raw(query, stream, ownerID, statuses).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billingdomain.ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *repo) TransitionStatus(ctx context.Context, tx *gorm.DB, id snowflake.ID, from []billingdomain.Status, change billingdomain.StatusChange) (bool, error) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{change.Status, time.Now().UTC()}

	if change.ProviderSubscriptionID != nil {
		sets = append(sets, "provider_subscription_id = ?")
		args = append(args, *change.ProviderSubscriptionID)
	}
	if change.ProviderCustomerID != nil {
		sets = append(sets, "provider_customer_id = ?")
		args = append(args, *change.ProviderCustomerID)
	}
	if change.ClearPeriod {
		sets = append(sets, "current_period_start = NULL", "current_period_end = NULL")
	} else {
		if change.CurrentPeriodStart != nil {
			sets = append(sets, "current_period_start = ?")
			args = append(args, *change.CurrentPeriodStart)
		}
		if change.CurrentPeriodEnd != nil {
			sets = append(sets, "current_period_end = ?")
			args = append(args, *change.CurrentPeriodEnd)
		}
	}
	if change.CancelAtPeriodEnd != nil {
		sets = append(sets, "cancel_at_period_end = ?")
		args = append(args, *change.CancelAtPeriodEnd)
	}

	args = append(args, id, from)
	result := tx.WithContext(ctx).Exec(`
UPDATE payment_records SET `+strings.Join(sets, ", ")+`
WHERE id = ? AND status IN ?`, args...)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertDelivery(ctx context.Context, tx *gorm.DB, delivery *billingdomain.WebhookDelivery) (bool, error) {
	err := tx.WithContext(ctx).Exec(`
INSERT INTO webhook_deliveries (id, stream, provider_event_id, event_type, payload, received_at, processed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		delivery.ID, delivery.Stream, delivery.ProviderEventID, delivery.EventType,
		delivery.Payload, delivery.ReceivedAt, delivery.ProcessedAt,
	).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *repo) FindDelivery(ctx context.Context, tx *gorm.DB, stream billingdomain.Stream, providerEventID string) (*billingdomain.WebhookDelivery, error) {
	var delivery billingdomain.WebhookDelivery
	err := tx.WithContext(ctx).Raw(`
SELECT id, stream, provider_event_id, event_type, payload, received_at, processed_at
FROM webhook_deliveries WHERE stream = ? AND provider_event_id = ?`, stream, providerEventID).First(&delivery).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billingdomain.ErrRecordNotFound
		}
		return nil, err
	}
	return &delivery, nil
}

func (r *repo) MarkDeliveryProcessed(ctx context.Context, tx *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return tx.WithContext(ctx).Exec(`
UPDATE webhook_deliveries SET processed_at = ? WHERE id = ?`, processedAt, id).Error
}

// lockSuffix appends FOR UPDATE only on dialects that support it. sqlite,
// used in tests, serializes writers on its own.
func lockSuffix(tx *gorm.DB, lock bool) string {
	if !lock {
		return ""
	}
	switch tx.Dialector.Name() {
	case "postgres", "mysql":
		return " FOR UPDATE"
	default:
		return ""
	}
}
