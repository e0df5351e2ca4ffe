// Package receipt renders donation receipts as PDFs.
package receipt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"go.uber.org/fx"
	"go.uber.org/zap"

	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
)

// ErrReceiptUnavailable is returned for records that are not settled
// donations.
var ErrReceiptUnavailable = errors.New("receipt_unavailable")

type Params struct {
	fx.In

	Log     *zap.Logger
	Records billingdomain.RecordQueryService
}

type Service struct {
	log     *zap.Logger
	records billingdomain.RecordQueryService
}

func NewService(p Params) *Service {
	return &Service{
		log:     p.Log.Named("receipt"),
		records: p.Records,
	}
}

// Generate renders the receipt PDF for a settled donation record.
func (s *Service) Generate(ctx context.Context, record *billingdomain.PaymentRecord) (io.Reader, error) {
	if record.Stream != billingdomain.StreamDonation {
		return nil, ErrReceiptUnavailable
	}
	switch record.Status {
	case billingdomain.StatusActive, billingdomain.StatusPastDue, billingdomain.StatusCanceled:
	default:
		// Pending and failed donations never settled.
		return nil, ErrReceiptUnavailable
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(30,
		text.NewCol(12, "Donation Receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Receipt number: "+record.ID.String(), props.Text{Top: 0}),
			text.New("Date: "+record.CreatedAt.Format("January 2, 2006"), props.Text{Top: 4}),
			text.New("Donor: "+donorLabel(record), props.Text{Top: 8}),
		),
		col.New(6),
	)

	m.AddRow(15,
		text.NewCol(12, formatAmount(record.Amount, record.Currency)+" received", props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Frequency", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(3, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(15,
		text.NewCol(6, "Donation ("+record.Plan+")", props.Text{Size: 9}),
		text.NewCol(3, frequencyLabel(record.Frequency), props.Text{Size: 9, Align: align.Right}),
		text.NewCol(3, formatAmount(record.Amount, record.Currency), props.Text{Size: 9, Align: align.Right}),
	)

	if record.Frequency == billingdomain.FrequencyRecurring && record.CurrentPeriodStart != nil && record.CurrentPeriodEnd != nil {
		m.AddRow(10,
			text.NewCol(12, "Current period: "+periodLabel(*record.CurrentPeriodStart, *record.CurrentPeriodEnd), props.Text{Size: 9}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		s.log.Error("receipt generation failed", zap.Int64("record_id", int64(record.ID)), zap.Error(err))
		return nil, err
	}
	return bytes.NewReader(doc.GetBytes()), nil
}

func donorLabel(record *billingdomain.PaymentRecord) string {
	if record.IsAnonymous {
		if record.DonorName != nil && *record.DonorName != "" {
			return *record.DonorName
		}
		return "Anonymous"
	}
	if record.DonorName != nil && *record.DonorName != "" {
		return *record.DonorName
	}
	return "Member " + fmt.Sprint(record.OwnerID())
}

func frequencyLabel(frequency billingdomain.Frequency) string {
	if frequency == billingdomain.FrequencyRecurring {
		return "Monthly"
	}
	return "One time"
}

func formatAmount(minor int64, currency string) string {
	return fmt.Sprintf("%.2f %s", float64(minor)/100, strings.ToUpper(currency))
}

func periodLabel(start, end time.Time) string {
	return start.Format("Jan 2, 2006") + " - " + end.Format("Jan 2, 2006")
}
