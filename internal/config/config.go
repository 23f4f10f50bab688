package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName         string
	AppVersion      string
	Environment     string
	DefaultTenantID int64
	// SnowflakeNodeID must differ between replicas sharing one database.
	SnowflakeNodeID string

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis RedisConfig

	Credit    CreditConfig
	Scheduler SchedulerConfig
}

// TelemetryConfig follows the OTEL_* environment conventions. Tracing and
// metrics export can be switched independently.
type TelemetryConfig struct {
	LogLevel       string
	LogFormat      string
	TracesEnabled  bool
	MetricsEnabled bool
	OTLPEndpoint   string
	OTLPProtocol   string
	SamplingRatio  float64
}

type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// CreditConfig tunes the credit engine. Plan grants and the balance fallback
// policy live in the hot-reloadable credits.yml instead.
type CreditConfig struct {
	ConsumeMaxRetries    int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	PolicyPath           string
}

type SchedulerConfig struct {
	Enabled        bool
	RunInterval    time.Duration
	SweepBatchSize int
	RelayBatchSize int
	EnabledJobs    []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:         getenv("APP_SERVICE", "bizsuite"),
		AppVersion:      getenv("APP_VERSION", "0.1.0"),
		Environment:     getenv("ENVIRONMENT", "development"),
		DefaultTenantID: getenvInt64("DEFAULT_TENANT", 0),
		SnowflakeNodeID: strings.TrimSpace(getenv("SNOWFLAKE_NODE_ID", "1")),

		Telemetry: TelemetryConfig{
			LogLevel:       strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:      strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			TracesEnabled:  getenvBool("OTEL_TRACES_ENABLED", getenvBool("OTEL_ENABLED", false)),
			MetricsEnabled: getenvBool("OTEL_METRICS_ENABLED", getenvBool("OTEL_ENABLED", false)),
			OTLPEndpoint:   strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OTLPProtocol:   strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio:  getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", false),

		Redis: RedisConfig{
			Addr:          strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:      getenv("REDIS_PASSWORD", ""),
			DB:            getenvInt("REDIS_DB", 0),
			ChannelPrefix: getenv("REDIS_CHANNEL_PREFIX", "bizsuite"),
		},

		Credit: CreditConfig{
			ConsumeMaxRetries:    getenvInt("CREDIT_CONSUME_MAX_RETRIES", 5),
			RetryInitialInterval: getenvDuration("CREDIT_RETRY_INITIAL_INTERVAL", 20*time.Millisecond),
			RetryMaxInterval:     getenvDuration("CREDIT_RETRY_MAX_INTERVAL", 500*time.Millisecond),
			PolicyPath:           strings.TrimSpace(getenv("CREDIT_POLICY_PATH", "")),
		},

		Scheduler: SchedulerConfig{
			Enabled:        getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:    getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			SweepBatchSize: getenvInt("SCHEDULER_SWEEP_BATCH_SIZE", 200),
			RelayBatchSize: getenvInt("SCHEDULER_RELAY_BATCH_SIZE", 100),
			EnabledJobs:    parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
