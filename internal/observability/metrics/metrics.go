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
	paymentsCreated metric.Int64Counter
	transitions     metric.Int64Counter
	webhooks        metric.Int64Counter
	reconcilePolls  metric.Int64Counter
	providerLatency metric.Float64Histogram
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
		name = "sokopay"
	}
	meter := provider.Meter(name)

	paymentsCreated, err := meter.Int64Counter("sokopay_payments_created_total")
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("sokopay_payment_transitions_total")
	if err != nil {
		return nil, err
	}
	webhooks, err := meter.Int64Counter("sokopay_webhooks_received_total")
	if err != nil {
		return nil, err
	}
	reconcilePolls, err := meter.Int64Counter("sokopay_reconcile_polls_total")
	if err != nil {
		return nil, err
	}
	providerLatency, err := meter.Float64Histogram("sokopay_provider_call_seconds")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		paymentsCreated: paymentsCreated,
		transitions:     transitions,
		webhooks:        webhooks,
		reconcilePolls:  reconcilePolls,
		providerLatency: providerLatency,
	}, nil
}

// RecordPaymentCreated increments payment creation counts.
func (m *Metrics) RecordPaymentCreated(ctx context.Context, method string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("method", strings.TrimSpace(method)))
	m.paymentsCreated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTransition increments state transition counts.
func (m *Metrics) RecordTransition(ctx context.Context, method, toStatus string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("method", strings.TrimSpace(method)),
		attribute.String("to_status", strings.TrimSpace(toStatus)),
	)
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhook increments inbound webhook counts.
func (m *Metrics) RecordWebhook(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhooks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconcilePoll increments reconciliation poll counts.
func (m *Metrics) RecordReconcilePoll(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.reconcilePolls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordProviderLatency observes one outbound provider call duration.
func (m *Metrics) RecordProviderLatency(ctx context.Context, provider, operation string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("operation", strings.TrimSpace(operation)),
	)
	m.providerLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
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
	"method":    {},
	"provider":  {},
	"to_status": {},
	"outcome":   {},
	"operation": {},
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
