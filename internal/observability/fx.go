package observability

import (
	"github.com/smallbiznis/bizsuite/internal/observability/logger"
	"github.com/smallbiznis/bizsuite/internal/observability/metrics"
	"github.com/smallbiznis/bizsuite/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module provides the zap logger, the tracer provider and the credit
// instruments. Scheduler job metrics register on the default Prometheus
// registry at startup.
var Module = fx.Module("observability",
	fx.Provide(
		provideLoggerConfig,
		logger.New,
		provideTracingConfig,
		tracing.NewProvider,
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.New,
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
	fx.Invoke(metrics.SchedulerWithConfig),
)
