// Package reconcile applies webhook deliveries to local payment records.
// Every handler is idempotent: deliveries are deduplicated by provider event
// id, and status changes go through compare-and-swap updates so redelivered
// or out-of-order events cannot double-apply side effects.
package reconcile

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/trailmarket/internal/audit/domain"
	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
	"github.com/smallbiznis/trailmarket/internal/billing/stripe"
	"github.com/smallbiznis/trailmarket/internal/config"
	entitlementdomain "github.com/smallbiznis/trailmarket/internal/entitlement/domain"
	"github.com/smallbiznis/trailmarket/internal/observability/metrics"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Catalog      *config.CatalogHolder
	Verifiers    map[billingdomain.Stream]*stripe.Verifier
	Repo         billingdomain.Repository
	Entitlements entitlementdomain.Service
	Audit        auditdomain.Service
	Metrics      *metrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	catalog      *config.CatalogHolder
	verifiers    map[billingdomain.Stream]*stripe.Verifier
	repo         billingdomain.Repository
	entitlements entitlementdomain.Service
	audit        auditdomain.Service
	metrics      *metrics.Metrics
}

func NewService(p Params) billingdomain.ReconcileService {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("billing.reconcile"),
		genID:        p.GenID,
		catalog:      p.Catalog,
		verifiers:    p.Verifiers,
		repo:         p.Repo,
		entitlements: p.Entitlements,
		audit:        p.Audit,
		metrics:      p.Metrics,
	}
}

// result describes how a delivery was resolved. Anomalies are acknowledged
// to the processor but leave an audit entry behind.
type result struct {
	outcome       string
	anomalyAction string
	targetID      string
	meta          map[string]any
}

func applied() result { return result{outcome: "applied"} }

func noop(outcome string) result { return result{outcome: outcome} }

func anomaly(action, targetID string, meta map[string]any) result {
	return result{outcome: "anomaly", anomalyAction: action, targetID: targetID, meta: meta}
}

// sameSubscription reports whether the event names the subscription the
// record already carries. One-off payments carry no subscription on either
// side, which also counts as a match.
func sameSubscription(record *billingdomain.PaymentRecord, subscriptionID string) bool {
	if record.ProviderSubscriptionID == nil {
		return subscriptionID == ""
	}
	return subscriptionID == *record.ProviderSubscriptionID
}

// ProcessWebhook verifies, records, decodes and applies one raw delivery.
// A nil return acknowledges the delivery; any error asks for redelivery.
func (s *Service) ProcessWebhook(ctx context.Context, stream billingdomain.Stream, payload []byte, headers http.Header) error {
	verifier, ok := s.verifiers[stream]
	if !ok {
		return billingdomain.ErrInvalidStream
	}
	if err := verifier.Verify(payload, headers.Get("Stripe-Signature")); err != nil {
		return err
	}

	event, err := stripe.DecodeEvent(payload)
	if err != nil {
		if errors.Is(err, billingdomain.ErrEventIgnored) {
			s.count(ctx, stream, "unknown", "ignored")
			return nil
		}
		// Authenticated but unparseable. Redelivery cannot fix it, so ack
		// with an audit trail instead of bouncing forever.
		s.log.Warn("undecodable webhook payload", zap.String("stream", string(stream)), zap.Error(err))
		_ = s.audit.AuditLog(ctx, "reconcile.invalid_payload", "webhook", "", map[string]any{
			"stream": string(stream),
		})
		s.count(ctx, stream, "unknown", "invalid")
		return nil
	}

	eventType := billingdomain.EventType(event)
	delivery := billingdomain.WebhookDelivery{
		ID:              s.genID.Generate(),
		Stream:          stream,
		ProviderEventID: event.EventID(),
		EventType:       eventType,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      time.Now().UTC(),
	}

	inserted, err := s.repo.InsertDelivery(ctx, s.db, &delivery)
	if err != nil {
		return err
	}
	if !inserted {
		existing, err := s.repo.FindDelivery(ctx, s.db, stream, event.EventID())
		if err != nil {
			return err
		}
		if existing.ProcessedAt != nil {
			s.count(ctx, stream, eventType, "duplicate")
			return nil
		}
		// A previous attempt recorded the delivery but died before the
		// transaction committed. Re-run it under the original row.
		delivery.ID = existing.ID
	}

	var res result
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		res, txErr = s.dispatch(ctx, tx, stream, event)
		if txErr != nil {
			return txErr
		}
		return s.repo.MarkDeliveryProcessed(ctx, tx, delivery.ID, time.Now().UTC())
	})
	if err != nil {
		s.count(ctx, stream, eventType, "error")
		return err
	}

	if res.anomalyAction != "" {
		_ = s.audit.AuditLog(ctx, res.anomalyAction, "payment_record", res.targetID, res.meta)
	}
	s.count(ctx, stream, eventType, res.outcome)
	return nil
}

func (s *Service) dispatch(ctx context.Context, tx *gorm.DB, stream billingdomain.Stream, event billingdomain.Event) (result, error) {
	switch e := event.(type) {
	case billingdomain.CheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, tx, stream, e)
	case billingdomain.SubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, tx, e)
	case billingdomain.SubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, tx, e)
	case billingdomain.InvoicePaymentFailed:
		return s.handleInvoicePaymentFailed(ctx, tx, e)
	default:
		return result{}, billingdomain.ErrInvalidEvent
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, tx *gorm.DB, stream billingdomain.Stream, e billingdomain.CheckoutCompleted) (result, error) {
	record, err := s.repo.FindBySessionIDForUpdate(ctx, tx, e.SessionID)
	if err != nil {
		if errors.Is(err, billingdomain.ErrRecordNotFound) {
			return anomaly("reconcile.record_not_found", e.SessionID, map[string]any{
				"event_id":   e.ProviderEventID,
				"session_id": e.SessionID,
			}), nil
		}
		return result{}, err
	}

	if record.Status == billingdomain.StatusActive {
		if sameSubscription(record, e.SubscriptionID) {
			return noop("duplicate"), nil
		}
		// Same session, different subscription: something upstream forked.
		return anomaly("reconcile.invariant_violation", record.ID.String(), map[string]any{
			"event_id":        e.ProviderEventID,
			"session_id":      e.SessionID,
			"subscription_id": e.SubscriptionID,
		}), nil
	}
	if record.Status != billingdomain.StatusPending {
		return anomaly("reconcile.invariant_violation", record.ID.String(), map[string]any{
			"event_id": e.ProviderEventID,
			"from":     string(record.Status),
			"to":       string(billingdomain.StatusActive),
		}), nil
	}

	change := billingdomain.StatusChange{Status: billingdomain.StatusActive}
	if e.SubscriptionID != "" {
		change.ProviderSubscriptionID = &e.SubscriptionID
	}
	if e.CustomerID != "" {
		change.ProviderCustomerID = &e.CustomerID
	}
	if record.Frequency == billingdomain.FrequencyRecurring {
		start := e.OccurredAt
		end := start.Add(s.periodLength(record))
		change.CurrentPeriodStart = &start
		change.CurrentPeriodEnd = &end
	}

	ok, err := s.repo.TransitionStatus(ctx, tx, record.ID, []billingdomain.Status{billingdomain.StatusPending}, change)
	if err != nil {
		return result{}, err
	}
	if !ok {
		return noop("stale"), nil
	}

	record.Status = billingdomain.StatusActive
	if err := s.entitlements.GrantForRecord(ctx, tx, record); err != nil {
		return result{}, err
	}

	s.log.Info("checkout completed",
		zap.String("stream", string(stream)),
		zap.Int64("record_id", int64(record.ID)),
		zap.String("subscription_id", e.SubscriptionID),
	)
	return applied(), nil
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, tx *gorm.DB, e billingdomain.SubscriptionUpdated) (result, error) {
	record, err := s.repo.FindBySubscriptionIDForUpdate(ctx, tx, e.SubscriptionID)
	if err != nil {
		if errors.Is(err, billingdomain.ErrRecordNotFound) {
			return anomaly("reconcile.record_not_found", e.SubscriptionID, map[string]any{
				"event_id":        e.ProviderEventID,
				"subscription_id": e.SubscriptionID,
			}), nil
		}
		return result{}, err
	}

	// Canceled is a sink. A late update after deletion changes nothing.
	if record.Status == billingdomain.StatusCanceled {
		return anomaly("reconcile.stale_update", record.ID.String(), map[string]any{
			"event_id": e.ProviderEventID,
			"status":   string(e.Status),
		}), nil
	}

	target := e.Status
	if record.Status != target && !billingdomain.CanTransition(record.Status, target) {
		return anomaly("reconcile.invariant_violation", record.ID.String(), map[string]any{
			"event_id": e.ProviderEventID,
			"from":     string(record.Status),
			"to":       string(target),
		}), nil
	}

	cancelAtPeriodEnd := e.CancelAtPeriodEnd
	change := billingdomain.StatusChange{
		Status:            target,
		CancelAtPeriodEnd: &cancelAtPeriodEnd,
	}
	if target == billingdomain.StatusCanceled {
		change.ClearPeriod = true
	} else if e.CurrentPeriodEnd != nil {
		change.CurrentPeriodEnd = e.CurrentPeriodEnd
	}

	// Allow the no-op edge so period and cancellation fields still refresh.
	from := []billingdomain.Status{record.Status}
	ok, err := s.repo.TransitionStatus(ctx, tx, record.ID, from, change)
	if err != nil {
		return result{}, err
	}
	if !ok {
		return noop("stale"), nil
	}

	prev := record.Status
	record.Status = target
	record.CancelAtPeriodEnd = cancelAtPeriodEnd

	switch {
	case target == billingdomain.StatusCanceled, target == billingdomain.StatusPastDue:
		// Perks lapse while delinquent, not only on cancellation. The
		// past_due -> active recovery below re-grants them.
		if err := s.entitlements.DeactivateForRecord(ctx, tx, record); err != nil {
			return result{}, err
		}
	case target == billingdomain.StatusActive && prev != billingdomain.StatusActive:
		if err := s.entitlements.GrantForRecord(ctx, tx, record); err != nil {
			return result{}, err
		}
	}

	s.log.Info("subscription updated",
		zap.Int64("record_id", int64(record.ID)),
		zap.String("from", string(prev)),
		zap.String("to", string(target)),
	)
	return applied(), nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, tx *gorm.DB, e billingdomain.SubscriptionDeleted) (result, error) {
	record, err := s.repo.FindBySubscriptionIDForUpdate(ctx, tx, e.SubscriptionID)
	if err != nil {
		if errors.Is(err, billingdomain.ErrRecordNotFound) {
			return anomaly("reconcile.record_not_found", e.SubscriptionID, map[string]any{
				"event_id":        e.ProviderEventID,
				"subscription_id": e.SubscriptionID,
			}), nil
		}
		return result{}, err
	}

	if record.Status == billingdomain.StatusCanceled {
		return noop("duplicate"), nil
	}

	from := []billingdomain.Status{billingdomain.StatusPending, billingdomain.StatusActive, billingdomain.StatusPastDue}
	ok, err := s.repo.TransitionStatus(ctx, tx, record.ID, from, billingdomain.StatusChange{
		Status:      billingdomain.StatusCanceled,
		ClearPeriod: true,
	})
	if err != nil {
		return result{}, err
	}
	if !ok {
		return noop("stale"), nil
	}

	record.Status = billingdomain.StatusCanceled
	if err := s.entitlements.DeactivateForRecord(ctx, tx, record); err != nil {
		return result{}, err
	}

	s.log.Info("subscription deleted", zap.Int64("record_id", int64(record.ID)))
	return applied(), nil
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, tx *gorm.DB, e billingdomain.InvoicePaymentFailed) (result, error) {
	record, err := s.repo.FindBySubscriptionIDForUpdate(ctx, tx, e.SubscriptionID)
	if err != nil {
		if errors.Is(err, billingdomain.ErrRecordNotFound) {
			return anomaly("reconcile.record_not_found", e.SubscriptionID, map[string]any{
				"event_id":        e.ProviderEventID,
				"subscription_id": e.SubscriptionID,
			}), nil
		}
		return result{}, err
	}

	// Payment failures only matter for live subscriptions.
	if record.Status != billingdomain.StatusActive {
		return noop("ignored"), nil
	}

	ok, err := s.repo.TransitionStatus(ctx, tx, record.ID, []billingdomain.Status{billingdomain.StatusActive}, billingdomain.StatusChange{
		Status: billingdomain.StatusPastDue,
	})
	if err != nil {
		return result{}, err
	}
	if !ok {
		// Lost the race against a concurrent delivery; that one carried
		// the side effects.
		return noop("stale"), nil
	}

	record.Status = billingdomain.StatusPastDue
	if err := s.entitlements.DeactivateForRecord(ctx, tx, record); err != nil {
		return result{}, err
	}

	s.log.Info("invoice payment failed", zap.Int64("record_id", int64(record.ID)))
	return applied(), nil
}

func (s *Service) periodLength(record *billingdomain.PaymentRecord) time.Duration {
	if plan, ok := s.catalog.Get().FindPlan(string(record.Stream), record.Plan); ok && plan.PeriodDays > 0 {
		return time.Duration(plan.PeriodDays) * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

func (s *Service) count(ctx context.Context, stream billingdomain.Stream, eventType, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordWebhookDelivery(ctx, string(stream), eventType, outcome)
	}
}
