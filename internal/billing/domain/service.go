package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
)

// DonorInfo is the optional snapshot an anonymous donor provides at checkout.
type DonorInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type StartCheckoutRequest struct {
	Stream         Stream
	MemberID       *snowflake.ID
	ShopID         *snowflake.ID
	Donor          *DonorInfo
	Plan           string
	Frequency      Frequency
	ShowOnNameWall bool
	SuccessURL     string
	CancelURL      string
}

type StartCheckoutResponse struct {
	RecordID    snowflake.ID `json:"record_id"`
	RedirectURL string       `json:"redirect_url"`
}

// CheckoutService starts external checkout sessions and persists the
// pending local record before the caller is redirected.
type CheckoutService interface {
	Start(ctx context.Context, req StartCheckoutRequest) (*StartCheckoutResponse, error)
}

// ReconcileService applies one raw webhook delivery to the local store.
// A nil return means the delivery may be acknowledged; any error means the
// processor should redeliver.
type ReconcileService interface {
	ProcessWebhook(ctx context.Context, stream Stream, payload []byte, headers http.Header) error
}

type RecordQueryService interface {
	GetByID(ctx context.Context, id snowflake.ID) (*PaymentRecord, error)
}
