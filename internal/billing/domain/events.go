package domain

import "time"

// Event is the closed union of processor events the reconciler understands.
// Adapters decode raw payloads into exactly one of the variants below;
// anything else surfaces as ErrEventIgnored at the boundary so the
// dispatcher never sees an unknown type.
type Event interface {
	EventID() string
	isEvent()
}

// CheckoutCompleted is delivered when the payer finishes the external
// checkout flow. SessionID joins against the pending record created at
// initiation; SubscriptionID is empty for one-time donations.
type CheckoutCompleted struct {
	ProviderEventID string
	SessionID       string
	SubscriptionID  string
	CustomerID      string
	PaymentIntentID string
	OccurredAt      time.Time
}

// SubscriptionUpdated carries the processor's current view of a recurring
// obligation. Status is already mapped onto the local vocabulary.
type SubscriptionUpdated struct {
	ProviderEventID   string
	SubscriptionID    string
	Status            Status
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	OccurredAt        time.Time
}

type SubscriptionDeleted struct {
	ProviderEventID string
	SubscriptionID  string
	OccurredAt      time.Time
}

type InvoicePaymentFailed struct {
	ProviderEventID string
	SubscriptionID  string
	OccurredAt      time.Time
}

func (e CheckoutCompleted) EventID() string    { return e.ProviderEventID }
func (e SubscriptionUpdated) EventID() string  { return e.ProviderEventID }
func (e SubscriptionDeleted) EventID() string  { return e.ProviderEventID }
func (e InvoicePaymentFailed) EventID() string { return e.ProviderEventID }

func (CheckoutCompleted) isEvent()    {}
func (SubscriptionUpdated) isEvent()  {}
func (SubscriptionDeleted) isEvent()  {}
func (InvoicePaymentFailed) isEvent() {}

// EventType returns the wire-level name used for the delivery trace.
func EventType(event Event) string {
	switch event.(type) {
	case CheckoutCompleted:
		return "checkout.completed"
	case SubscriptionUpdated:
		return "subscription.updated"
	case SubscriptionDeleted:
		return "subscription.deleted"
	case InvoicePaymentFailed:
		return "invoice.payment_failed"
	default:
		return "unknown"
	}
}
