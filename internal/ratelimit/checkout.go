package ratelimit

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/trailmarket/internal/config"
	"github.com/smallbiznis/trailmarket/internal/observability/metrics"
)

// CheckoutLimiter throttles checkout initiation per client. Without a redis
// client it degrades to allow-all rather than blocking checkouts.
type CheckoutLimiter struct {
	bucket  *TokenBucket
	log     *zap.Logger
	rate    float64
	burst   int
	metrics *metrics.Metrics
}

type CheckoutLimiterParams struct {
	fx.In

	Config  *config.Config
	Log     *zap.Logger
	Bucket  *TokenBucket     `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
}

func NewCheckoutLimiter(p CheckoutLimiterParams) *CheckoutLimiter {
	return &CheckoutLimiter{
		bucket:  p.Bucket,
		log:     p.Log.Named("ratelimit.checkout"),
		rate:    p.Config.CheckoutRatePerSecond,
		burst:   int(p.Config.CheckoutBurst),
		metrics: p.Metrics,
	}
}

// Allow reports whether the given client may start another checkout.
func (l *CheckoutLimiter) Allow(ctx context.Context, clientKey string) bool {
	if l == nil || l.bucket == nil {
		return true
	}

	res, err := l.bucket.Allow(ctx, "checkout:"+clientKey, l.rate, l.burst)
	if err != nil {
		// Redis trouble must not take the checkout surface down.
		l.log.Warn("rate limit check failed, allowing request", zap.Error(err))
		return true
	}
	if !res.Allowed && l.metrics != nil {
		l.metrics.RecordRateLimitDenied(ctx, "checkout", "token_bucket")
	}
	return res.Allowed
}
