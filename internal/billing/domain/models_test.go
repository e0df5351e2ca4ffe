package domain_test

import (
	"testing"

	"github.com/bwmarrin/snowflake"

	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from    billingdomain.Status
		to      billingdomain.Status
		allowed bool
	}{
		{billingdomain.StatusPending, billingdomain.StatusActive, true},
		{billingdomain.StatusPending, billingdomain.StatusCanceled, true},
		{billingdomain.StatusPending, billingdomain.StatusFailed, true},
		{billingdomain.StatusPending, billingdomain.StatusPastDue, false},
		{billingdomain.StatusActive, billingdomain.StatusPastDue, true},
		{billingdomain.StatusActive, billingdomain.StatusCanceled, true},
		{billingdomain.StatusActive, billingdomain.StatusFailed, false},
		{billingdomain.StatusPastDue, billingdomain.StatusActive, true},
		{billingdomain.StatusPastDue, billingdomain.StatusCanceled, true},
		{billingdomain.StatusCanceled, billingdomain.StatusActive, false},
		{billingdomain.StatusCanceled, billingdomain.StatusPending, false},
		{billingdomain.StatusFailed, billingdomain.StatusActive, false},
	}

	for _, tc := range cases {
		if got := billingdomain.CanTransition(tc.from, tc.to); got != tc.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestApplySubjectMember(t *testing.T) {
	memberID := snowflake.ID(42)
	record := &billingdomain.PaymentRecord{}

	if err := billingdomain.ApplySubject(record, billingdomain.MemberSubject{MemberID: memberID}); err != nil {
		t.Fatalf("apply member subject: %v", err)
	}
	if record.OwnerKind != billingdomain.OwnerKindMember {
		t.Fatalf("owner kind = %s, want member", record.OwnerKind)
	}
	if record.MemberID == nil || *record.MemberID != memberID {
		t.Fatalf("member id not set")
	}
	if record.ShopID != nil || record.DonorName != nil || record.DonorEmail != nil {
		t.Fatalf("other owner columns must be cleared")
	}

	subject, err := record.Subject()
	if err != nil {
		t.Fatalf("subject: %v", err)
	}
	member, ok := subject.(billingdomain.MemberSubject)
	if !ok {
		t.Fatalf("subject type = %T, want MemberSubject", subject)
	}
	if member.MemberID != memberID {
		t.Fatalf("round-trip member id = %d, want %d", member.MemberID, memberID)
	}
}

func TestApplySubjectClearsPreviousOwner(t *testing.T) {
	record := &billingdomain.PaymentRecord{}
	if err := billingdomain.ApplySubject(record, billingdomain.ShopSubject{ShopID: 7}); err != nil {
		t.Fatalf("apply shop subject: %v", err)
	}
	if err := billingdomain.ApplySubject(record, billingdomain.AnonymousDonor{Name: "Jo", Email: "jo@example.com"}); err != nil {
		t.Fatalf("apply anonymous subject: %v", err)
	}

	if record.ShopID != nil {
		t.Fatalf("shop id must be cleared when subject changes")
	}
	if !record.IsAnonymous {
		t.Fatalf("anonymous flag not set")
	}
	if record.DonorName == nil || *record.DonorName != "Jo" {
		t.Fatalf("donor name not captured")
	}
}

func TestApplySubjectRejectsZeroIDs(t *testing.T) {
	record := &billingdomain.PaymentRecord{}
	if err := billingdomain.ApplySubject(record, billingdomain.MemberSubject{}); err != billingdomain.ErrInvalidSubject {
		t.Fatalf("zero member id: err = %v, want ErrInvalidSubject", err)
	}
	if err := billingdomain.ApplySubject(record, billingdomain.ShopSubject{}); err != billingdomain.ErrInvalidSubject {
		t.Fatalf("zero shop id: err = %v, want ErrInvalidSubject", err)
	}
}

func TestOwnerID(t *testing.T) {
	record := &billingdomain.PaymentRecord{}
	if err := billingdomain.ApplySubject(record, billingdomain.AnonymousDonor{}); err != nil {
		t.Fatalf("apply subject: %v", err)
	}
	if got := record.OwnerID(); got != 0 {
		t.Fatalf("anonymous owner id = %d, want 0", got)
	}

	if err := billingdomain.ApplySubject(record, billingdomain.ShopSubject{ShopID: 99}); err != nil {
		t.Fatalf("apply subject: %v", err)
	}
	if got := record.OwnerID(); got != 99 {
		t.Fatalf("shop owner id = %d, want 99", got)
	}
}
