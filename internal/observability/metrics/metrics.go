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

// Metrics exposes credit ledger instruments.
type Metrics struct {
	creditsAllocated   metric.Int64Counter
	creditsConsumed    metric.Int64Counter
	creditsExpired     metric.Int64Counter
	consumeOutcomes    metric.Int64Counter
	consumeRetries     metric.Int64Counter
	purchaseOutcomes   metric.Int64Counter
	balanceFallbacks   metric.Int64Counter
	eventsRelayed      metric.Int64Counter
	consumeLatencyMsec metric.Float64Histogram
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
		name = "bizsuite"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	if m.creditsAllocated, err = meter.Int64Counter("bizsuite_credits_allocated_total",
		metric.WithDescription("Credits granted by allocation type and credit type.")); err != nil {
		return nil, err
	}
	if m.creditsConsumed, err = meter.Int64Counter("bizsuite_credits_consumed_total",
		metric.WithDescription("Credits debited by billable operations.")); err != nil {
		return nil, err
	}
	if m.creditsExpired, err = meter.Int64Counter("bizsuite_credits_expired_total",
		metric.WithDescription("Unspent credits deactivated by the expiration sweep.")); err != nil {
		return nil, err
	}
	if m.consumeOutcomes, err = meter.Int64Counter("bizsuite_credit_consume_outcomes_total"); err != nil {
		return nil, err
	}
	if m.consumeRetries, err = meter.Int64Counter("bizsuite_credit_consume_retries_total"); err != nil {
		return nil, err
	}
	if m.purchaseOutcomes, err = meter.Int64Counter("bizsuite_credit_purchase_outcomes_total"); err != nil {
		return nil, err
	}
	if m.balanceFallbacks, err = meter.Int64Counter("bizsuite_credit_balance_fallbacks_total"); err != nil {
		return nil, err
	}
	if m.eventsRelayed, err = meter.Int64Counter("bizsuite_credit_events_relayed_total"); err != nil {
		return nil, err
	}
	if m.consumeLatencyMsec, err = meter.Float64Histogram("bizsuite_credit_consume_duration_ms",
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}

	return &m, nil
}

// RecordAllocation increments granted credits.
func (m *Metrics) RecordAllocation(ctx context.Context, allocationType, creditType string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("allocation_type", strings.TrimSpace(allocationType)),
		attribute.String("credit_type", strings.TrimSpace(creditType)),
	)
	m.creditsAllocated.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordConsumption records a consume call outcome. Credits are only counted
// for fresh debits, never for replays or failures.
func (m *Metrics) RecordConsumption(ctx context.Context, operationCode, outcome string, amount int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation_code", strings.TrimSpace(operationCode)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.consumeOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.consumeLatencyMsec.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
	if outcome == OutcomeSuccess && amount > 0 {
		m.creditsConsumed.Add(ctx, amount, metric.WithAttributes(
			FilterAttributes(attribute.String("operation_code", strings.TrimSpace(operationCode)))...,
		))
	}
}

// RecordConsumeRetry counts transaction retries caused by write conflicts.
func (m *Metrics) RecordConsumeRetry(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.consumeRetries.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("reason", reason))...))
}

// RecordExpiration increments credits removed by the sweeper.
func (m *Metrics) RecordExpiration(ctx context.Context, creditType string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("credit_type", strings.TrimSpace(creditType)))
	m.creditsExpired.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordPurchase increments purchase processing outcomes.
func (m *Metrics) RecordPurchase(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.purchaseOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBalanceFallback counts entity to tenant balance fallbacks.
func (m *Metrics) RecordBalanceFallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.balanceFallbacks.Add(ctx, 1)
}

// RecordEventsRelayed counts outbox events delivered to the event bus.
func (m *Metrics) RecordEventsRelayed(ctx context.Context, eventType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.eventsRelayed.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

const (
	OutcomeSuccess      = "success"
	OutcomeReplay       = "replay"
	OutcomeInsufficient = "insufficient"
	OutcomeInvalid      = "invalid"
	OutcomeError        = "error"
)

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
	"allocation_type": {},
	"credit_type":     {},
	"operation_code":  {},
	"outcome":         {},
	"event_type":      {},
	"reason":          {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
// Tenant and entity identifiers are never allowed.
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
