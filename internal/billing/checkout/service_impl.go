// Package checkout starts external checkout sessions and persists the
// pending payment record the webhook pipeline later reconciles against.
package checkout

import (
	"context"
	"errors"
	"strconv"
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
	memberdomain "github.com/smallbiznis/trailmarket/internal/member/domain"
	"github.com/smallbiznis/trailmarket/internal/observability/metrics"
	"github.com/smallbiznis/trailmarket/internal/ratelimit"
	shopdomain "github.com/smallbiznis/trailmarket/internal/shop/domain"
)

// customerLockTTL bounds how long a crashed checkout can hold the
// customer-creation fence.
const customerLockTTL = 10 * time.Second

// conflictStatuses are the record states that block a second recurring
// checkout for the same subject on the same stream.
var conflictStatuses = []billingdomain.Status{billingdomain.StatusActive, billingdomain.StatusPastDue}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Catalog    *config.CatalogHolder
	Repo       billingdomain.Repository
	MemberRepo memberdomain.Repository
	ShopRepo   shopdomain.Repository
	Client     *stripe.Client
	Audit      auditdomain.Service
	Locker     *ratelimit.Locker `optional:"true"`
	Metrics    *metrics.Metrics  `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	catalog    *config.CatalogHolder
	repo       billingdomain.Repository
	memberRepo memberdomain.Repository
	shopRepo   shopdomain.Repository
	client     *stripe.Client
	audit      auditdomain.Service
	locker     *ratelimit.Locker
	metrics    *metrics.Metrics
}

func NewService(p Params) billingdomain.CheckoutService {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.checkout"),
		genID:      p.GenID,
		catalog:    p.Catalog,
		repo:       p.Repo,
		memberRepo: p.MemberRepo,
		shopRepo:   p.ShopRepo,
		client:     p.Client,
		audit:      p.Audit,
		locker:     p.Locker,
		metrics:    p.Metrics,
	}
}

func (s *Service) Start(ctx context.Context, req billingdomain.StartCheckoutRequest) (*billingdomain.StartCheckoutResponse, error) {
	resp, err := s.start(ctx, req)
	if s.metrics != nil {
		outcome := "created"
		if err != nil {
			outcome = "rejected"
		}
		s.metrics.RecordCheckoutSession(ctx, string(req.Stream), outcome)
	}
	return resp, err
}

func (s *Service) start(ctx context.Context, req billingdomain.StartCheckoutRequest) (*billingdomain.StartCheckoutResponse, error) {
	plan, subject, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	// Subjects with a live recurring record never get a second session;
	// anonymous donors are exempt because nothing ties their records together.
	if req.Frequency == billingdomain.FrequencyRecurring {
		if err := s.checkConflict(ctx, req, subject); err != nil {
			return nil, err
		}
	}

	customerID, err := s.resolveCustomer(ctx, subject)
	if err != nil {
		return nil, err
	}

	recordID := s.genID.Generate()
	mode := "payment"
	if req.Frequency == billingdomain.FrequencyRecurring {
		mode = "subscription"
	}

	session, err := s.client.CreateCheckoutSession(ctx, stripe.CheckoutSessionParams{
		Mode:        mode,
		PriceID:     plan.PriceID,
		Amount:      plan.Amount,
		Currency:    plan.Currency,
		ProductName: plan.ProductName,
		CustomerID:  customerID,
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
		Metadata: map[string]string{
			"record_id": recordID.String(),
			"stream":    string(req.Stream),
			"plan":      plan.Code,
		},
	})
	if err != nil {
		s.log.Error("checkout session creation failed", zap.Error(err))
		return nil, billingdomain.ErrCheckoutUnavailable
	}

	now := time.Now().UTC()
	record := billingdomain.PaymentRecord{
		ID:                recordID,
		Stream:            req.Stream,
		CheckoutSessionID: session.ID,
		Amount:            plan.Amount,
		Currency:          plan.Currency,
		Plan:              plan.Code,
		Frequency:         req.Frequency,
		Status:            billingdomain.StatusPending,
		ShowOnNameWall:    req.ShowOnNameWall,
		Metadata:          datatypes.JSONMap{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if customerID != "" {
		record.ProviderCustomerID = &customerID
	}
	if err := billingdomain.ApplySubject(&record, subject); err != nil {
		return nil, err
	}

	if err := s.repo.Insert(ctx, s.db, &record); err != nil {
		// The external session exists but no local record points at it.
		// Its completion webhook will land as record-not-found until
		// someone follows up on this entry.
		s.log.Error("orphaned checkout session", zap.String("session_id", session.ID), zap.Error(err))
		_ = s.audit.AuditLog(ctx, "checkout.orphaned_session", "checkout_session", session.ID, map[string]any{
			"stream": string(req.Stream),
			"plan":   plan.Code,
		})
		return nil, err
	}

	s.log.Info("checkout session started",
		zap.String("stream", string(req.Stream)),
		zap.String("plan", plan.Code),
		zap.String("session_id", session.ID),
		zap.Int64("record_id", int64(recordID)),
	)
	return &billingdomain.StartCheckoutResponse{
		RecordID:    recordID,
		RedirectURL: session.URL,
	}, nil
}

func (s *Service) validate(req billingdomain.StartCheckoutRequest) (config.Plan, billingdomain.Subject, error) {
	switch req.Stream {
	case billingdomain.StreamDonation, billingdomain.StreamShopSubscription:
	default:
		return config.Plan{}, nil, billingdomain.ErrInvalidStream
	}

	switch req.Frequency {
	case billingdomain.FrequencyOneTime, billingdomain.FrequencyRecurring:
	default:
		return config.Plan{}, nil, billingdomain.ErrInvalidFrequency
	}
	if req.Stream == billingdomain.StreamShopSubscription && req.Frequency != billingdomain.FrequencyRecurring {
		return config.Plan{}, nil, billingdomain.ErrInvalidFrequency
	}

	plan, ok := s.catalog.Get().FindPlan(string(req.Stream), req.Plan)
	if !ok {
		return config.Plan{}, nil, billingdomain.ErrInvalidPlan
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		return config.Plan{}, nil, billingdomain.ErrInvalidPayload
	}

	subject, err := resolveSubject(req)
	if err != nil {
		return config.Plan{}, nil, err
	}
	return plan, subject, nil
}

func resolveSubject(req billingdomain.StartCheckoutRequest) (billingdomain.Subject, error) {
	switch req.Stream {
	case billingdomain.StreamShopSubscription:
		if req.ShopID == nil || *req.ShopID == 0 || req.MemberID != nil || req.Donor != nil {
			return nil, billingdomain.ErrInvalidSubject
		}
		return billingdomain.ShopSubject{ShopID: *req.ShopID}, nil
	default:
		if req.ShopID != nil {
			return nil, billingdomain.ErrInvalidSubject
		}
		if req.MemberID != nil {
			if *req.MemberID == 0 || req.Donor != nil {
				return nil, billingdomain.ErrInvalidSubject
			}
			return billingdomain.MemberSubject{MemberID: *req.MemberID}, nil
		}
		donor := billingdomain.AnonymousDonor{}
		if req.Donor != nil {
			donor.Name = req.Donor.Name
			donor.Email = req.Donor.Email
		}
		return donor, nil
	}
}

func (s *Service) checkConflict(ctx context.Context, req billingdomain.StartCheckoutRequest, subject billingdomain.Subject) error {
	var ownerKind billingdomain.OwnerKind
	var ownerID snowflake.ID
	switch sub := subject.(type) {
	case billingdomain.MemberSubject:
		ownerKind, ownerID = billingdomain.OwnerKindMember, sub.MemberID
	case billingdomain.ShopSubject:
		ownerKind, ownerID = billingdomain.OwnerKindShop, sub.ShopID
	default:
		return nil
	}

	existing, err := s.repo.FindActiveBySubject(ctx, s.db, req.Stream, ownerKind, ownerID, conflictStatuses)
	if err != nil {
		if errors.Is(err, billingdomain.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	s.log.Info("checkout rejected, live record exists",
		zap.String("stream", string(req.Stream)),
		zap.Int64("existing_record_id", int64(existing.ID)),
	)
	return billingdomain.ErrActiveRecordExists
}

func (s *Service) resolveCustomer(ctx context.Context, subject billingdomain.Subject) (string, error) {
	switch sub := subject.(type) {
	case billingdomain.MemberSubject:
		member, err := s.memberRepo.FindByID(ctx, s.db, sub.MemberID)
		if err != nil {
			if errors.Is(err, memberdomain.ErrMemberNotFound) {
				return "", billingdomain.ErrInvalidSubject
			}
			return "", err
		}
		if member.ProviderCustomerID != nil && *member.ProviderCustomerID != "" {
			return *member.ProviderCustomerID, nil
		}

		unlock := s.lockCustomer(ctx, "checkout:customer:member:"+member.ID.String())
		defer unlock()

		// A concurrent checkout may have created the customer already.
		member, err = s.memberRepo.FindByID(ctx, s.db, sub.MemberID)
		if err != nil {
			return "", err
		}
		if member.ProviderCustomerID != nil && *member.ProviderCustomerID != "" {
			return *member.ProviderCustomerID, nil
		}

		customer, err := s.client.CreateCustomer(ctx, member.DisplayName, member.Email, map[string]string{
			"member_id": member.ID.String(),
		})
		if err != nil {
			return "", billingdomain.ErrCheckoutUnavailable
		}
		if err := s.memberRepo.UpdateProviderCustomerID(ctx, s.db, member.ID, customer.ID); err != nil {
			return "", err
		}
		return customer.ID, nil
	case billingdomain.ShopSubject:
		shop, err := s.shopRepo.FindByID(ctx, s.db, sub.ShopID)
		if err != nil {
			if errors.Is(err, shopdomain.ErrShopNotFound) {
				return "", billingdomain.ErrInvalidSubject
			}
			return "", err
		}
		if shop.ProviderCustomerID != nil && *shop.ProviderCustomerID != "" {
			return *shop.ProviderCustomerID, nil
		}

		unlock := s.lockCustomer(ctx, "checkout:customer:shop:"+shop.ID.String())
		defer unlock()

		shop, err = s.shopRepo.FindByID(ctx, s.db, sub.ShopID)
		if err != nil {
			return "", err
		}
		if shop.ProviderCustomerID != nil && *shop.ProviderCustomerID != "" {
			return *shop.ProviderCustomerID, nil
		}

		customer, err := s.client.CreateCustomer(ctx, shop.Name, "", map[string]string{
			"shop_id": strconv.FormatInt(int64(shop.ID), 10),
		})
		if err != nil {
			return "", billingdomain.ErrCheckoutUnavailable
		}
		if err := s.shopRepo.UpdateProviderCustomerID(ctx, s.db, shop.ID, customer.ID); err != nil {
			return "", err
		}
		return customer.ID, nil
	default:
		return "", nil
	}
}

// lockCustomer fences provider-customer creation so concurrent checkouts for
// the same subject do not each register a customer. Best effort: without a
// locker, or when redis is unreachable, creation proceeds unfenced and the
// provider ends up with a spare customer at worst.
func (s *Service) lockCustomer(ctx context.Context, key string) func() {
	if s.locker == nil {
		return func() {}
	}
	lease, ok, err := s.locker.Acquire(ctx, key, customerLockTTL)
	if err != nil || !ok {
		if err != nil {
			s.log.Warn("customer lock unavailable", zap.String("key", key), zap.Error(err))
		}
		return func() {}
	}
	return func() {
		if err := lease.Release(ctx); err != nil {
			s.log.Warn("customer lock release failed", zap.String("key", key), zap.Error(err))
		}
	}
}
