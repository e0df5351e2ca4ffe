// Package domain contains the payment record mirror and the lifecycle
// state machine that webhook reconciliation drives.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Stream identifies which payment product a record belongs to. Each stream
// is delivered on its own webhook endpoint with its own signing secret.
type Stream string

const (
	StreamDonation         Stream = "donation"
	StreamShopSubscription Stream = "shop_subscription"
)

// Status is the local lifecycle state of a PaymentRecord.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusPastDue  Status = "PAST_DUE"
	StatusCanceled Status = "CANCELED"
	StatusFailed   Status = "FAILED"
)

type Frequency string

const (
	FrequencyOneTime   Frequency = "ONE_TIME"
	FrequencyRecurring Frequency = "RECURRING"
)

// OwnerKind names the subject variant that owns a record.
type OwnerKind string

const (
	OwnerKindMember    OwnerKind = "member"
	OwnerKindShop      OwnerKind = "shop"
	OwnerKindAnonymous OwnerKind = "anonymous"
)

// PaymentRecord is the local mirror of one checkout/subscription lifecycle
// at the external processor. The checkout session identifier is assigned at
// creation and is the join key for every later webhook delivery.
type PaymentRecord struct {
	ID                     snowflake.ID      `gorm:"primaryKey"`
	Stream                 Stream            `gorm:"type:text;not null;index"`
	CheckoutSessionID      string            `gorm:"type:text;not null;uniqueIndex"`
	ProviderSubscriptionID *string           `gorm:"type:text;index"`
	ProviderCustomerID     *string           `gorm:"type:text"`
	OwnerKind              OwnerKind         `gorm:"type:text;not null"`
	MemberID               *snowflake.ID     `gorm:"index"`
	ShopID                 *snowflake.ID     `gorm:"index"`
	DonorName              *string           `gorm:"type:text"`
	DonorEmail             *string           `gorm:"type:text"`
	Amount                 int64             `gorm:"not null"`
	Currency               string            `gorm:"type:text;not null"`
	Plan                   string            `gorm:"type:text;not null"`
	Frequency              Frequency         `gorm:"type:text;not null"`
	Status                 Status            `gorm:"type:text;not null"`
	IsAnonymous            bool              `gorm:"not null;default:false"`
	ShowOnNameWall         bool              `gorm:"not null;default:false"`
	CurrentPeriodStart     *time.Time        `gorm:""`
	CurrentPeriodEnd       *time.Time        `gorm:""`
	CancelAtPeriodEnd      bool              `gorm:"not null;default:false"`
	Metadata               datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt              time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

// Subject is the closed set of record owners: an anonymous donor snapshot,
// a registered member, or a shop. A record owns exactly one variant.
type Subject interface {
	ownerKind() OwnerKind
}

// AnonymousDonor carries the optional snapshot captured at checkout time.
type AnonymousDonor struct {
	Name  string
	Email string
}

type MemberSubject struct {
	MemberID snowflake.ID
}

type ShopSubject struct {
	ShopID snowflake.ID
}

func (AnonymousDonor) ownerKind() OwnerKind { return OwnerKindAnonymous }
func (MemberSubject) ownerKind() OwnerKind  { return OwnerKindMember }
func (ShopSubject) ownerKind() OwnerKind    { return OwnerKindShop }

// ApplySubject writes the subject variant onto the record columns and keeps
// the exactly-one-owner invariant.
func ApplySubject(record *PaymentRecord, subject Subject) error {
	if record == nil {
		return ErrInvalidSubject
	}
	record.MemberID = nil
	record.ShopID = nil
	record.DonorName = nil
	record.DonorEmail = nil

	switch s := subject.(type) {
	case AnonymousDonor:
		record.OwnerKind = OwnerKindAnonymous
		record.IsAnonymous = true
		if s.Name != "" {
			name := s.Name
			record.DonorName = &name
		}
		if s.Email != "" {
			email := s.Email
			record.DonorEmail = &email
		}
	case MemberSubject:
		if s.MemberID == 0 {
			return ErrInvalidSubject
		}
		record.OwnerKind = OwnerKindMember
		record.IsAnonymous = false
		id := s.MemberID
		record.MemberID = &id
	case ShopSubject:
		if s.ShopID == 0 {
			return ErrInvalidSubject
		}
		record.OwnerKind = OwnerKindShop
		record.IsAnonymous = false
		id := s.ShopID
		record.ShopID = &id
	default:
		return ErrInvalidSubject
	}
	return nil
}

// Subject reconstructs the owner variant from the persisted columns.
func (r *PaymentRecord) Subject() (Subject, error) {
	switch r.OwnerKind {
	case OwnerKindAnonymous:
		donor := AnonymousDonor{}
		if r.DonorName != nil {
			donor.Name = *r.DonorName
		}
		if r.DonorEmail != nil {
			donor.Email = *r.DonorEmail
		}
		return donor, nil
	case OwnerKindMember:
		if r.MemberID == nil || *r.MemberID == 0 {
			return nil, ErrInvalidSubject
		}
		return MemberSubject{MemberID: *r.MemberID}, nil
	case OwnerKindShop:
		if r.ShopID == nil || *r.ShopID == 0 {
			return nil, ErrInvalidSubject
		}
		return ShopSubject{ShopID: *r.ShopID}, nil
	default:
		return nil, ErrInvalidSubject
	}
}

// OwnerID returns the owning member or shop identifier, zero for anonymous.
func (r *PaymentRecord) OwnerID() snowflake.ID {
	switch r.OwnerKind {
	case OwnerKindMember:
		if r.MemberID != nil {
			return *r.MemberID
		}
	case OwnerKindShop:
		if r.ShopID != nil {
			return *r.ShopID
		}
	}
	return 0
}

// transitions is the full edge set of the record lifecycle. CANCELED is a
// sink: no handler may leave it, which makes cancellation robust against
// out-of-order redelivery.
var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusCanceled, StatusFailed},
	StatusActive:  {StatusPastDue, StatusCanceled},
	StatusPastDue: {StatusActive, StatusCanceled},
}

// CanTransition reports whether the edge from -> to is part of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WebhookDelivery is the persisted trace of one webhook delivery, unique per
// (stream, provider event id). It is what makes redelivered events no-ops.
type WebhookDelivery struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	Stream          Stream         `gorm:"type:text;not null"`
	ProviderEventID string         `gorm:"type:text;not null"`
	EventType       string         `gorm:"type:text;not null"`
	Payload         datatypes.JSON `gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time     `gorm:""`
}

func (WebhookDelivery) TableName() string { return "webhook_deliveries" }
