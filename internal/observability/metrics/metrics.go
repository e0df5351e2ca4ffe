package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookDeliveries metric.Int64Counter
	checkoutSessions  metric.Int64Counter
	entitlementGrants metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "trailmarket"
	}
	meter := provider.Meter(name)

	webhookDeliveries, err := meter.Int64Counter("trailmarket_webhook_deliveries_total")
	if err != nil {
		return nil, err
	}
	checkoutSessions, err := meter.Int64Counter("trailmarket_checkout_sessions_total")
	if err != nil {
		return nil, err
	}
	entitlementGrants, err := meter.Int64Counter("trailmarket_entitlement_grants_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("trailmarket_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookDeliveries: webhookDeliveries,
		checkoutSessions:  checkoutSessions,
		entitlementGrants: entitlementGrants,
		rateLimitDenied:   rateLimitDenied,
	}, nil
}

// RecordWebhookDelivery counts one processed webhook by stream, event type
// and outcome (applied, duplicate, ignored, anomaly, error).
func (m *Metrics) RecordWebhookDelivery(ctx context.Context, stream, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("stream", strings.TrimSpace(stream)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookDeliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCheckoutSession counts one checkout initiation by stream and outcome.
func (m *Metrics) RecordCheckoutSession(ctx context.Context, stream, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("stream", strings.TrimSpace(stream)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.checkoutSessions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEntitlementGrant counts entitlement grants and deactivations.
func (m *Metrics) RecordEntitlementGrant(ctx context.Context, tier, action string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tier", strings.TrimSpace(tier)),
		attribute.String("action", strings.TrimSpace(action)),
	)
	m.entitlementGrants.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"stream":     {},
	"event_type": {},
	"outcome":    {},
	"tier":       {},
	"action":     {},
	"endpoint":   {},
	"reason":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
