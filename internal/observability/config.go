package observability

import (
	"strings"

	"github.com/smallbiznis/bizsuite/internal/config"
	"github.com/smallbiznis/bizsuite/internal/observability/logger"
	"github.com/smallbiznis/bizsuite/internal/observability/metrics"
	"github.com/smallbiznis/bizsuite/internal/observability/tracing"
)

// Identity names this process in logs, spans and metric resources.
type Identity struct {
	ServiceName string
	Environment string
	Version     string
}

func identityFrom(cfg config.Config) Identity {
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = "bizsuite"
	}
	return Identity{
		ServiceName: name,
		Environment: strings.TrimSpace(cfg.Environment),
		Version:     strings.TrimSpace(cfg.AppVersion),
	}
}

// debugMode turns on development logging and stack traces on errors.
func debugMode(cfg config.Config) bool {
	if cfg.Telemetry.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func provideLoggerConfig(cfg config.Config) logger.Config {
	id := identityFrom(cfg)
	debug := debugMode(cfg)
	return logger.Config{
		ServiceName:         id.ServiceName,
		Environment:         id.Environment,
		Version:             id.Version,
		Level:               cfg.Telemetry.LogLevel,
		Format:              cfg.Telemetry.LogFormat,
		Debug:               debug,
		IncludeCaller:       true,
		IncludeStackOnError: debug,
	}
}

func provideTracingConfig(cfg config.Config) tracing.Config {
	id := identityFrom(cfg)
	return tracing.Config{
		Enabled:          cfg.Telemetry.TracesEnabled,
		ServiceName:      id.ServiceName,
		ServiceVersion:   id.Version,
		Environment:      id.Environment,
		ExporterEndpoint: cfg.Telemetry.OTLPEndpoint,
		ExporterProtocol: cfg.Telemetry.OTLPProtocol,
		SamplingRatio:    cfg.Telemetry.SamplingRatio,
	}
}

func provideMetricsConfig(cfg config.Config) metrics.Config {
	id := identityFrom(cfg)
	return metrics.Config{
		Enabled:          cfg.Telemetry.MetricsEnabled,
		ExporterEndpoint: cfg.Telemetry.OTLPEndpoint,
		ExporterProtocol: cfg.Telemetry.OTLPProtocol,
		ServiceName:      id.ServiceName,
		Environment:      id.Environment,
	}
}
