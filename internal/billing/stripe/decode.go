package stripe

import (
	"encoding/json"
	"time"

	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
)

type envelope struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Created int64        `json:"created"`
	Data    envelopeData `json:"data"`
}

type envelopeData struct {
	Object json.RawMessage `json:"object"`
}

type checkoutSessionObject struct {
	ID            string `json:"id"`
	Subscription  string `json:"subscription"`
	Customer      string `json:"customer"`
	PaymentIntent string `json:"payment_intent"`
}

type subscriptionObject struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CanceledAt        int64  `json:"canceled_at"`
}

type invoiceObject struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
}

// DecodeEvent parses one raw webhook payload into the domain event union.
// Event types outside the handled set return ErrEventIgnored.
func DecodeEvent(payload []byte) (billingdomain.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, billingdomain.ErrInvalidPayload
	}
	if env.ID == "" || env.Type == "" {
		return nil, billingdomain.ErrInvalidPayload
	}

	switch env.Type {
	case "checkout.session.completed":
		return decodeCheckoutCompleted(env)
	case "customer.subscription.updated":
		return decodeSubscriptionUpdated(env)
	case "customer.subscription.deleted":
		return decodeSubscriptionDeleted(env)
	case "invoice.payment_failed":
		return decodeInvoicePaymentFailed(env)
	default:
		return nil, billingdomain.ErrEventIgnored
	}
}

func decodeCheckoutCompleted(env envelope) (billingdomain.Event, error) {
	var session checkoutSessionObject
	if err := json.Unmarshal(env.Data.Object, &session); err != nil {
		return nil, billingdomain.ErrInvalidPayload
	}
	if session.ID == "" {
		return nil, billingdomain.ErrInvalidPayload
	}
	return billingdomain.CheckoutCompleted{
		ProviderEventID: env.ID,
		SessionID:       session.ID,
		SubscriptionID:  session.Subscription,
		CustomerID:      session.Customer,
		PaymentIntentID: session.PaymentIntent,
		OccurredAt:      timestamp(env.Created, 0),
	}, nil
}

func decodeSubscriptionUpdated(env envelope) (billingdomain.Event, error) {
	var sub subscriptionObject
	if err := json.Unmarshal(env.Data.Object, &sub); err != nil {
		return nil, billingdomain.ErrInvalidPayload
	}
	if sub.ID == "" {
		return nil, billingdomain.ErrInvalidPayload
	}
	status, err := mapSubscriptionStatus(sub.Status)
	if err != nil {
		return nil, err
	}
	event := billingdomain.SubscriptionUpdated{
		ProviderEventID:   env.ID,
		SubscriptionID:    sub.ID,
		Status:            status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		OccurredAt:        timestamp(env.Created, 0),
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		event.CurrentPeriodEnd = &end
	}
	return event, nil
}

func decodeSubscriptionDeleted(env envelope) (billingdomain.Event, error) {
	var sub subscriptionObject
	if err := json.Unmarshal(env.Data.Object, &sub); err != nil {
		return nil, billingdomain.ErrInvalidPayload
	}
	if sub.ID == "" {
		return nil, billingdomain.ErrInvalidPayload
	}
	return billingdomain.SubscriptionDeleted{
		ProviderEventID: env.ID,
		SubscriptionID:  sub.ID,
		OccurredAt:      timestamp(sub.CanceledAt, env.Created),
	}, nil
}

func decodeInvoicePaymentFailed(env envelope) (billingdomain.Event, error) {
	var invoice invoiceObject
	if err := json.Unmarshal(env.Data.Object, &invoice); err != nil {
		return nil, billingdomain.ErrInvalidPayload
	}
	// Invoices without a subscription (one-time charges) carry no lifecycle
	// signal for us.
	if invoice.Subscription == "" {
		return nil, billingdomain.ErrEventIgnored
	}
	return billingdomain.InvoicePaymentFailed{
		ProviderEventID: env.ID,
		SubscriptionID:  invoice.Subscription,
		OccurredAt:      timestamp(env.Created, 0),
	}, nil
}

// mapSubscriptionStatus translates processor vocabulary into local statuses.
// Trials count as active for badge and visibility purposes.
func mapSubscriptionStatus(status string) (billingdomain.Status, error) {
	switch status {
	case "active", "trialing":
		return billingdomain.StatusActive, nil
	case "past_due":
		return billingdomain.StatusPastDue, nil
	case "canceled", "unpaid", "incomplete_expired":
		return billingdomain.StatusCanceled, nil
	case "incomplete":
		return "", billingdomain.ErrEventIgnored
	default:
		return "", billingdomain.ErrInvalidEvent
	}
}

func timestamp(primary, fallback int64) time.Time {
	if primary > 0 {
		return time.Unix(primary, 0).UTC()
	}
	if fallback > 0 {
		return time.Unix(fallback, 0).UTC()
	}
	return time.Now().UTC()
}
