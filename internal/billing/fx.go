package billing

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/trailmarket/internal/billing/checkout"
	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
	"github.com/smallbiznis/trailmarket/internal/billing/reconcile"
	"github.com/smallbiznis/trailmarket/internal/billing/records"
	"github.com/smallbiznis/trailmarket/internal/billing/repository"
	"github.com/smallbiznis/trailmarket/internal/billing/stripe"
	"github.com/smallbiznis/trailmarket/internal/config"
)

var Module = fx.Module("billing",
	fx.Provide(
		repository.Provide,
		provideClient,
		provideVerifiers,
		checkout.NewService,
		reconcile.NewService,
		records.NewService,
	),
)

func provideClient(cfg *config.Config) *stripe.Client {
	return stripe.NewClient(cfg.StripeAPIKey)
}

// Each stream carries its own signing secret, so a signature minted for one
// endpoint can never authenticate a delivery on the other.
func provideVerifiers(cfg *config.Config) map[billingdomain.Stream]*stripe.Verifier {
	return map[billingdomain.Stream]*stripe.Verifier{
		billingdomain.StreamDonation:         stripe.NewVerifier(cfg.DonationWebhookSecret),
		billingdomain.StreamShopSubscription: stripe.NewVerifier(cfg.ShopWebhookSecret),
	}
}
