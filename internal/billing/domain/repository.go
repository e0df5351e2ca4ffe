package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// StatusChange describes one conditional lifecycle update. Only non-nil
// fields are written; ClearPeriod forces both period bounds to NULL, which
// matters for transitions into terminal states.
type StatusChange struct {
	Status                 Status
	ProviderSubscriptionID *string
	ProviderCustomerID     *string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	ClearPeriod            bool
	CancelAtPeriodEnd      *bool
}

// Repository persists payment records and the webhook delivery ledger.
// Methods take an explicit *gorm.DB handle so services can compose them
// inside a single transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *PaymentRecord) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentRecord, error)
	FindBySessionID(ctx context.Context, db *gorm.DB, sessionID string) (*PaymentRecord, error)
	FindBySessionIDForUpdate(ctx context.Context, db *gorm.DB, sessionID string) (*PaymentRecord, error)
	FindBySubscriptionIDForUpdate(ctx context.Context, db *gorm.DB, subscriptionID string) (*PaymentRecord, error)
	FindActiveBySubject(ctx context.Context, db *gorm.DB, stream Stream, ownerKind OwnerKind, ownerID snowflake.ID, statuses []Status) (*PaymentRecord, error)

	// TransitionStatus applies change iff the record's current status is in
	// from, in one compare-and-swap UPDATE. It reports whether a row was
	// updated; false with a nil error means the guard did not match.
	TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []Status, change StatusChange) (bool, error)

	// InsertDelivery records one webhook delivery. It reports false when a
	// delivery with the same (stream, provider event id) already exists.
	InsertDelivery(ctx context.Context, db *gorm.DB, delivery *WebhookDelivery) (bool, error)
	FindDelivery(ctx context.Context, db *gorm.DB, stream Stream, providerEventID string) (*WebhookDelivery, error)
	MarkDeliveryProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}
