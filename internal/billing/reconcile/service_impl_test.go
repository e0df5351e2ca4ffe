package reconcile_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/trailmarket/internal/audit/domain"
	auditrepo "github.com/smallbiznis/trailmarket/internal/audit/repository"
	auditservice "github.com/smallbiznis/trailmarket/internal/audit/service"
	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
	"github.com/smallbiznis/trailmarket/internal/billing/reconcile"
	billingrepo "github.com/smallbiznis/trailmarket/internal/billing/repository"
	"github.com/smallbiznis/trailmarket/internal/billing/stripe"
	"github.com/smallbiznis/trailmarket/internal/config"
	entitlementdomain "github.com/smallbiznis/trailmarket/internal/entitlement/domain"
	entitlementrepo "github.com/smallbiznis/trailmarket/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/trailmarket/internal/entitlement/service"
	shopdomain "github.com/smallbiznis/trailmarket/internal/shop/domain"
	shoprepo "github.com/smallbiznis/trailmarket/internal/shop/repository"
)

const (
	donationSecret = "whsec_donation_test"
	shopSecret     = "whsec_shop_test"
)

var schema = []string{
	`CREATE TABLE payment_records (
		id INTEGER PRIMARY KEY,
		stream TEXT NOT NULL,
		checkout_session_id TEXT NOT NULL,
		provider_subscription_id TEXT,
		provider_customer_id TEXT,
		owner_kind TEXT NOT NULL,
		member_id INTEGER,
		shop_id INTEGER,
		donor_name TEXT,
		donor_email TEXT,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		plan TEXT NOT NULL,
		frequency TEXT NOT NULL,
		status TEXT NOT NULL,
		is_anonymous BOOLEAN NOT NULL DEFAULT FALSE,
		show_on_name_wall BOOLEAN NOT NULL DEFAULT FALSE,
		current_period_start DATETIME,
		current_period_end DATETIME,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		metadata TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX idx_payment_records_session ON payment_records(checkout_session_id)`,
	`CREATE TABLE webhook_deliveries (
		id INTEGER PRIMARY KEY,
		stream TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		processed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX idx_webhook_deliveries_event ON webhook_deliveries(stream, provider_event_id)`,
	`CREATE TABLE entitlements (
		id INTEGER PRIMARY KEY,
		owner_kind TEXT NOT NULL,
		owner_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		tier TEXT NOT NULL,
		source_record_id INTEGER NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		granted_at DATETIME NOT NULL,
		deactivated_at DATETIME
	)`,
	`CREATE TABLE shops (
		id INTEGER PRIMARY KEY,
		owner_member_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		slug TEXT NOT NULL,
		provider_customer_id TEXT,
		visibility_tier TEXT NOT NULL DEFAULT 'standard',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE audit_logs (
		id INTEGER PRIMARY KEY,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		metadata TEXT,
		created_at DATETIME NOT NULL
	)`,
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}
	return db
}

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	repo     billingdomain.Repository
	entRepo  entitlementdomain.Repository
	shopRepo shopdomain.Repository
	svc      billingdomain.ReconcileService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)

	node, err := snowflake.NewNode(10)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	catalog := config.NewStaticCatalogHolder(config.DefaultCatalog())
	repo := billingrepo.Provide()
	entRepo := entitlementrepo.Provide()
	shops := shoprepo.Provide()

	entitlements := entitlementservice.NewService(entitlementservice.Params{
		Log:      zap.NewNop(),
		GenID:    node,
		Catalog:  catalog,
		Repo:     entRepo,
		ShopRepo: shops,
	})
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
	})

	svc := reconcile.NewService(reconcile.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Catalog: catalog,
		Verifiers: map[billingdomain.Stream]*stripe.Verifier{
			billingdomain.StreamDonation:         stripe.NewVerifier(donationSecret),
			billingdomain.StreamShopSubscription: stripe.NewVerifier(shopSecret),
		},
		Repo:         repo,
		Entitlements: entitlements,
		Audit:        audit,
	})

	return &fixture{db: db, node: node, repo: repo, entRepo: entRepo, shopRepo: shops, svc: svc}
}

func signedHeaders(secret string, payload []byte) http.Header {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func (f *fixture) process(t *testing.T, stream billingdomain.Stream, payload string) error {
	t.Helper()
	secret := donationSecret
	if stream == billingdomain.StreamShopSubscription {
		secret = shopSecret
	}
	return f.svc.ProcessWebhook(context.Background(), stream, []byte(payload), signedHeaders(secret, []byte(payload)))
}

func (f *fixture) seedPending(t *testing.T, stream billingdomain.Stream, plan string, frequency billingdomain.Frequency, subject billingdomain.Subject) *billingdomain.PaymentRecord {
	t.Helper()
	now := time.Now().UTC()
	record := billingdomain.PaymentRecord{
		ID:                f.node.Generate(),
		Stream:            stream,
		CheckoutSessionID: "cs_" + f.node.Generate().String(),
		Amount:            500,
		Currency:          "usd",
		Plan:              plan,
		Frequency:         frequency,
		Status:            billingdomain.StatusPending,
		Metadata:          datatypes.JSONMap{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := billingdomain.ApplySubject(&record, subject); err != nil {
		t.Fatalf("apply subject: %v", err)
	}
	if err := f.repo.Insert(context.Background(), f.db, &record); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return &record
}

func (f *fixture) seedShop(t *testing.T) *shopdomain.Shop {
	t.Helper()
	shop := shopdomain.New(f.node.Generate(), f.node.Generate(), "Trail Goods")
	if err := f.shopRepo.Insert(context.Background(), f.db, shop); err != nil {
		t.Fatalf("seed shop: %v", err)
	}
	return shop
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) *billingdomain.PaymentRecord {
	t.Helper()
	record, err := f.repo.FindByID(context.Background(), f.db, id)
	if err != nil {
		t.Fatalf("reload record: %v", err)
	}
	return record
}

func (f *fixture) entitlementsBySource(t *testing.T, recordID snowflake.ID) []entitlementdomain.Entitlement {
	t.Helper()
	entitlements, err := f.entRepo.FindBySource(context.Background(), f.db, recordID)
	if err != nil {
		t.Fatalf("load entitlements: %v", err)
	}
	return entitlements
}

func (f *fixture) auditActions(t *testing.T) []string {
	t.Helper()
	var entries []auditdomain.AuditLog
	if err := f.db.Raw(`SELECT id, action, target_type, target_id, metadata, created_at FROM audit_logs`).Scan(&entries).Error; err != nil {
		t.Fatalf("load audit logs: %v", err)
	}
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func checkoutCompletedPayload(eventID, sessionID, subscriptionID string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"created": %d,
		"data": {"object": {"id": %q, "subscription": %q, "customer": "cus_test"}}
	}`, eventID, time.Now().Unix(), sessionID, subscriptionID)
}

func subscriptionUpdatedPayload(eventID, subscriptionID, status string, cancelAtPeriodEnd bool) string {
	return fmt.Sprintf(`{
		"id": %q,
		"type": "customer.subscription.updated",
		"created": %d,
		"data": {"object": {"id": %q, "status": %q, "current_period_end": %d, "cancel_at_period_end": %t}}
	}`, eventID, time.Now().Unix(), subscriptionID, status, time.Now().Add(30*24*time.Hour).Unix(), cancelAtPeriodEnd)
}

func subscriptionDeletedPayload(eventID, subscriptionID string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"type": "customer.subscription.deleted",
		"created": %d,
		"data": {"object": {"id": %q, "canceled_at": %d}}
	}`, eventID, time.Now().Unix(), subscriptionID, time.Now().Unix())
}

func invoicePaymentFailedPayload(eventID, subscriptionID string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"type": "invoice.payment_failed",
		"created": %d,
		"data": {"object": {"id": "in_test", "subscription": %q}}
	}`, eventID, time.Now().Unix(), subscriptionID)
}

func TestCheckoutCompletedActivatesAndGrants(t *testing.T) {
	f := newFixture(t)
	memberID := f.node.Generate()
	record := f.seedPending(t, billingdomain.StreamDonation, "supporter", billingdomain.FrequencyRecurring, billingdomain.MemberSubject{MemberID: memberID})

	payload := checkoutCompletedPayload("evt_checkout_1", record.CheckoutSessionID, "sub_1")
	if err := f.process(t, billingdomain.StreamDonation, payload); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := f.reload(t, record.ID)
	if got.Status != billingdomain.StatusActive {
		t.Fatalf("status = %s, want ACTIVE", got.Status)
	}
	if got.ProviderSubscriptionID == nil || *got.ProviderSubscriptionID != "sub_1" {
		t.Fatalf("subscription id not recorded")
	}
	if got.CurrentPeriodStart == nil || got.CurrentPeriodEnd == nil {
		t.Fatalf("recurring record must carry a billing period")
	}

	entitlements := f.entitlementsBySource(t, record.ID)
	if len(entitlements) != 1 {
		t.Fatalf("entitlements = %d, want 1", len(entitlements))
	}
	if entitlements[0].Tier != "supporter_badge" || !entitlements[0].Active {
		t.Fatalf("unexpected entitlement: %+v", entitlements[0])
	}
}

func TestDuplicateDeliveryGrantsOnce(t *testing.T) {
	f := newFixture(t)
	record := f.seedPending(t, billingdomain.StreamDonation, "supporter", billingdomain.FrequencyRecurring, billingdomain.MemberSubject{MemberID: f.node.Generate()})

	payload := checkoutCompletedPayload("evt_dup_1", record.CheckoutSessionID, "sub_dup")
	for i := 0; i < 3; i++ {
		if err := f.process(t, billingdomain.StreamDonation, payload); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if got := f.entitlementsBySource(t, record.ID); len(got) != 1 {
		t.Fatalf("entitlements = %d, want exactly 1 after redelivery", len(got))
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	f := newFixture(t)
	payload := []byte(checkoutCompletedPayload("evt_bad_sig", "cs_unknown", ""))

	err := f.svc.ProcessWebhook(context.Background(), billingdomain.StreamDonation, payload, signedHeaders("whsec_wrong", payload))
	if !errors.Is(err, billingdomain.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM webhook_deliveries`).Scan(&count).Error; err != nil {
		t.Fatalf("count deliveries: %v", err)
	}
	if count != 0 {
		t.Fatalf("unauthenticated delivery must not be recorded")
	}
}

func TestUnknownStreamRejected(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{}`)
	err := f.svc.ProcessWebhook(context.Background(), billingdomain.Stream("refunds"), payload, http.Header{})
	if !errors.Is(err, billingdomain.ErrInvalidStream) {
		t.Fatalf("err = %v, want ErrInvalidStream", err)
	}
}

func TestUnhandledEventTypeAcked(t *testing.T) {
	f := newFixture(t)
	payload := `{"id": "evt_misc", "type": "customer.created", "created": 1700000000, "data": {"object": {}}}`
	if err := f.process(t, billingdomain.StreamDonation, payload); err != nil {
		t.Fatalf("unhandled event type must be acked, got %v", err)
	}
}

func TestCheckoutCompletedUnknownSessionAudited(t *testing.T) {
	f := newFixture(t)
	payload := checkoutCompletedPayload("evt_orphan", "cs_never_created", "sub_x")
	if err := f.process(t, billingdomain.StreamDonation, payload); err != nil {
		t.Fatalf("unknown session must be acked, got %v", err)
	}

	actions := f.auditActions(t)
	if len(actions) != 1 || actions[0] != "reconcile.record_not_found" {
		t.Fatalf("audit actions = %v, want [reconcile.record_not_found]", actions)
	}
}

func TestSubscriptionLifecycleRoundTrip(t *testing.T) {
	f := newFixture(t)
	record := f.seedPending(t, billingdomain.StreamDonation, "supporter", billingdomain.FrequencyRecurring, billingdomain.MemberSubject{MemberID: f.node.Generate()})
	subID := "sub_life"

	steps := []struct {
		payload    string
		wantStatus billingdomain.Status
		wantActive int
	}{
		{checkoutCompletedPayload("evt_l1", record.CheckoutSessionID, subID), billingdomain.StatusActive, 1},
		{invoicePaymentFailedPayload("evt_l2", subID), billingdomain.StatusPastDue, 0},
		{subscriptionUpdatedPayload("evt_l3", subID, "active", false), billingdomain.StatusActive, 1},
		{subscriptionDeletedPayload("evt_l4", subID), billingdomain.StatusCanceled, 0},
	}

	for i, step := range steps {
		if err := f.process(t, billingdomain.StreamDonation, step.payload); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		got := f.reload(t, record.ID)
		if got.Status != step.wantStatus {
			t.Fatalf("step %d: status = %s, want %s", i, got.Status, step.wantStatus)
		}

		active := 0
		for _, e := range f.entitlementsBySource(t, record.ID) {
			if e.Active {
				active++
			}
		}
		if active != step.wantActive {
			t.Fatalf("step %d: active entitlements = %d, want %d", i, active, step.wantActive)
		}
	}

	final := f.reload(t, record.ID)
	if final.CurrentPeriodStart != nil || final.CurrentPeriodEnd != nil {
		t.Fatalf("canceled record must have its period cleared")
	}
}

func TestStaleUpdateAfterCancelIsAcked(t *testing.T) {
	f := newFixture(t)
	record := f.seedPending(t, billingdomain.StreamDonation, "supporter", billingdomain.FrequencyRecurring, billingdomain.MemberSubject{MemberID: f.node.Generate()})
	subID := "sub_stale"

	if err := f.process(t, billingdomain.StreamDonation, checkoutCompletedPayload("evt_s1", record.CheckoutSessionID, subID)); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := f.process(t, billingdomain.StreamDonation, subscriptionDeletedPayload("evt_s2", subID)); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// A late update must be acknowledged without resurrecting the record.
	if err := f.process(t, billingdomain.StreamDonation, subscriptionUpdatedPayload("evt_s3", subID, "active", false)); err != nil {
		t.Fatalf("stale update must be acked, got %v", err)
	}

	got := f.reload(t, record.ID)
	if got.Status != billingdomain.StatusCanceled {
		t.Fatalf("status = %s, canceled must be a sink", got.Status)
	}
	found := false
	for _, action := range f.auditActions(t) {
		if action == "reconcile.stale_update" {
			found = true
		}
	}
	if !found {
		t.Fatalf("stale update must leave an audit entry, got %v", f.auditActions(t))
	}
}

func TestRepeatedPaymentFailureDeactivatesOnce(t *testing.T) {
	f := newFixture(t)
	record := f.seedPending(t, billingdomain.StreamDonation, "supporter", billingdomain.FrequencyRecurring, billingdomain.MemberSubject{MemberID: f.node.Generate()})
	subID := "sub_fail"

	if err := f.process(t, billingdomain.StreamDonation, checkoutCompletedPayload("evt_f1", record.CheckoutSessionID, subID)); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := f.process(t, billingdomain.StreamDonation, invoicePaymentFailedPayload("evt_f2", subID)); err != nil {
		t.Fatalf("first failure: %v", err)
	}
	if err := f.process(t, billingdomain.StreamDonation, invoicePaymentFailedPayload("evt_f3", subID)); err != nil {
		t.Fatalf("second failure must be acked, got %v", err)
	}

	got := f.reload(t, record.ID)
	if got.Status != billingdomain.StatusPastDue {
		t.Fatalf("status = %s, want PAST_DUE", got.Status)
	}

	entitlements := f.entitlementsBySource(t, record.ID)
	if len(entitlements) != 1 {
		t.Fatalf("entitlements = %d, want 1", len(entitlements))
	}
	if entitlements[0].Active {
		t.Fatalf("entitlement must be deactivated while past due")
	}
	if entitlements[0].DeactivatedAt == nil {
		t.Fatalf("deactivation timestamp missing")
	}
}

func TestPastDueUpdateSuspendsEntitlement(t *testing.T) {
	f := newFixture(t)
	shop := f.seedShop(t)
	record := f.seedPending(t, billingdomain.StreamShopSubscription, "featured", billingdomain.FrequencyRecurring, billingdomain.ShopSubject{ShopID: shop.ID})
	subID := "sub_pd"

	if err := f.process(t, billingdomain.StreamShopSubscription, checkoutCompletedPayload("evt_pd1", record.CheckoutSessionID, subID)); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// The provider can report delinquency through subscription.updated
	// without a preceding invoice.payment_failed. Perks lapse either way.
	if err := f.process(t, billingdomain.StreamShopSubscription, subscriptionUpdatedPayload("evt_pd2", subID, "past_due", false)); err != nil {
		t.Fatalf("past_due update: %v", err)
	}

	if got := f.reload(t, record.ID); got.Status != billingdomain.StatusPastDue {
		t.Fatalf("status = %s, want PAST_DUE", got.Status)
	}
	for _, e := range f.entitlementsBySource(t, record.ID) {
		if e.Active {
			t.Fatalf("entitlement %d still active after transition into past_due", e.ID)
		}
	}
	shopRow, err := f.shopRepo.FindByID(context.Background(), f.db, shop.ID)
	if err != nil {
		t.Fatalf("reload shop: %v", err)
	}
	if shopRow.VisibilityTier != shopdomain.VisibilityTierStandard {
		t.Fatalf("visibility tier = %s, want standard while past due", shopRow.VisibilityTier)
	}

	// A follow-up payment failure lands on an already past-due record and
	// must not resurrect anything.
	if err := f.process(t, billingdomain.StreamShopSubscription, invoicePaymentFailedPayload("evt_pd3", subID)); err != nil {
		t.Fatalf("follow-up failure must be acked, got %v", err)
	}
	for _, e := range f.entitlementsBySource(t, record.ID) {
		if e.Active {
			t.Fatalf("entitlement reactivated by follow-up payment failure")
		}
	}

	// Recovery re-grants the perk.
	if err := f.process(t, billingdomain.StreamShopSubscription, subscriptionUpdatedPayload("evt_pd4", subID, "active", false)); err != nil {
		t.Fatalf("recovery: %v", err)
	}
	active := 0
	for _, e := range f.entitlementsBySource(t, record.ID) {
		if e.Active {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("active entitlements after recovery = %d, want 1", active)
	}
	shopRow, err = f.shopRepo.FindByID(context.Background(), f.db, shop.ID)
	if err != nil {
		t.Fatalf("reload shop: %v", err)
	}
	if shopRow.VisibilityTier != "featured" {
		t.Fatalf("visibility tier = %s, want featured after recovery", shopRow.VisibilityTier)
	}
}

func TestConcurrentPaymentFailuresDeactivateOnce(t *testing.T) {
	f := newFixture(t)
	record := f.seedPending(t, billingdomain.StreamDonation, "supporter", billingdomain.FrequencyRecurring, billingdomain.MemberSubject{MemberID: f.node.Generate()})
	subID := "sub_race"

	if err := f.process(t, billingdomain.StreamDonation, checkoutCompletedPayload("evt_r0", record.CheckoutSessionID, subID)); err != nil {
		t.Fatalf("activate: %v", err)
	}

	const deliveries = 2
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := invoicePaymentFailedPayload(fmt.Sprintf("evt_r%d", i+1), subID)
			errs <- f.process(t, billingdomain.StreamDonation, payload)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent failure delivery: %v", err)
		}
	}

	got := f.reload(t, record.ID)
	if got.Status != billingdomain.StatusPastDue {
		t.Fatalf("status = %s, want PAST_DUE", got.Status)
	}
	entitlements := f.entitlementsBySource(t, record.ID)
	if len(entitlements) != 1 {
		t.Fatalf("entitlements = %d, want exactly 1 after racing failures", len(entitlements))
	}
	if entitlements[0].Active || entitlements[0].DeactivatedAt == nil {
		t.Fatalf("entitlement must be deactivated exactly once: %+v", entitlements[0])
	}
}

func TestCheckoutCompletedSubscriptionMismatchAudited(t *testing.T) {
	f := newFixture(t)
	record := f.seedPending(t, billingdomain.StreamDonation, "supporter", billingdomain.FrequencyRecurring, billingdomain.MemberSubject{MemberID: f.node.Generate()})

	if err := f.process(t, billingdomain.StreamDonation, checkoutCompletedPayload("evt_m1", record.CheckoutSessionID, "sub_m_a")); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// A redelivery naming the same subscription is an ordinary duplicate.
	if err := f.process(t, billingdomain.StreamDonation, checkoutCompletedPayload("evt_m2", record.CheckoutSessionID, "sub_m_a")); err != nil {
		t.Fatalf("same-subscription redelivery must be acked, got %v", err)
	}
	if actions := f.auditActions(t); len(actions) != 0 {
		t.Fatalf("duplicate must not be audited, got %v", actions)
	}

	// The same session naming a different subscription is not.
	if err := f.process(t, billingdomain.StreamDonation, checkoutCompletedPayload("evt_m3", record.CheckoutSessionID, "sub_m_b")); err != nil {
		t.Fatalf("mismatched completion must be acked, got %v", err)
	}

	got := f.reload(t, record.ID)
	if got.ProviderSubscriptionID == nil || *got.ProviderSubscriptionID != "sub_m_a" {
		t.Fatalf("record must keep its original subscription id")
	}
	if entitlements := f.entitlementsBySource(t, record.ID); len(entitlements) != 1 {
		t.Fatalf("entitlements = %d, want 1", len(entitlements))
	}
	found := false
	for _, action := range f.auditActions(t) {
		if action == "reconcile.invariant_violation" {
			found = true
		}
	}
	if !found {
		t.Fatalf("mismatched completion must leave an audit entry, got %v", f.auditActions(t))
	}
}

func TestSubscriptionDeletedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	record := f.seedPending(t, billingdomain.StreamDonation, "supporter", billingdomain.FrequencyRecurring, billingdomain.MemberSubject{MemberID: f.node.Generate()})
	subID := "sub_del"

	if err := f.process(t, billingdomain.StreamDonation, checkoutCompletedPayload("evt_d1", record.CheckoutSessionID, subID)); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := f.process(t, billingdomain.StreamDonation, subscriptionDeletedPayload("evt_d2", subID)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.process(t, billingdomain.StreamDonation, subscriptionDeletedPayload("evt_d3", subID)); err != nil {
		t.Fatalf("redelivered delete must be acked, got %v", err)
	}

	if got := f.reload(t, record.ID); got.Status != billingdomain.StatusCanceled {
		t.Fatalf("status = %s, want CANCELED", got.Status)
	}
}

func TestShopVisibilityFollowsSubscription(t *testing.T) {
	f := newFixture(t)
	shop := f.seedShop(t)
	record := f.seedPending(t, billingdomain.StreamShopSubscription, "featured", billingdomain.FrequencyRecurring, billingdomain.ShopSubject{ShopID: shop.ID})
	subID := "sub_shop"

	if err := f.process(t, billingdomain.StreamShopSubscription, checkoutCompletedPayload("evt_v1", record.CheckoutSessionID, subID)); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, err := f.shopRepo.FindByID(context.Background(), f.db, shop.ID)
	if err != nil {
		t.Fatalf("reload shop: %v", err)
	}
	if got.VisibilityTier != "featured" {
		t.Fatalf("visibility tier = %s, want featured", got.VisibilityTier)
	}

	if err := f.process(t, billingdomain.StreamShopSubscription, subscriptionDeletedPayload("evt_v2", subID)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = f.shopRepo.FindByID(context.Background(), f.db, shop.ID)
	if err != nil {
		t.Fatalf("reload shop: %v", err)
	}
	if got.VisibilityTier != shopdomain.VisibilityTierStandard {
		t.Fatalf("visibility tier = %s, want standard after cancellation", got.VisibilityTier)
	}
}

func TestCancelAtPeriodEndRecorded(t *testing.T) {
	f := newFixture(t)
	record := f.seedPending(t, billingdomain.StreamDonation, "supporter", billingdomain.FrequencyRecurring, billingdomain.MemberSubject{MemberID: f.node.Generate()})
	subID := "sub_cap"

	if err := f.process(t, billingdomain.StreamDonation, checkoutCompletedPayload("evt_c1", record.CheckoutSessionID, subID)); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := f.process(t, billingdomain.StreamDonation, subscriptionUpdatedPayload("evt_c2", subID, "active", true)); err != nil {
		t.Fatalf("update: %v", err)
	}

	got := f.reload(t, record.ID)
	if got.Status != billingdomain.StatusActive {
		t.Fatalf("status = %s, want ACTIVE", got.Status)
	}
	if !got.CancelAtPeriodEnd {
		t.Fatalf("cancel_at_period_end not recorded")
	}
}

func TestAnonymousDonationGetsNoEntitlement(t *testing.T) {
	f := newFixture(t)
	record := f.seedPending(t, billingdomain.StreamDonation, "supporter", billingdomain.FrequencyOneTime, billingdomain.AnonymousDonor{Name: "Jo"})

	payload := checkoutCompletedPayload("evt_anon", record.CheckoutSessionID, "")
	if err := f.process(t, billingdomain.StreamDonation, payload); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := f.reload(t, record.ID)
	if got.Status != billingdomain.StatusActive {
		t.Fatalf("status = %s, want ACTIVE", got.Status)
	}
	if got.CurrentPeriodStart != nil {
		t.Fatalf("one-time record must not carry a billing period")
	}
	if entitlements := f.entitlementsBySource(t, record.ID); len(entitlements) != 0 {
		t.Fatalf("anonymous donor must not receive durable entitlements, got %d", len(entitlements))
	}
}
