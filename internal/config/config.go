package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPolicyHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint  string
	Observability ObservabilityConfig

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
	DBTxIsolation     string
	DBTxMaxAttempts   int
	DBAutoMigrate     bool

	Redis RedisConfig

	Idempotency IdempotencyConfig
	WebhookLock WebhookLockConfig
	Audit       AuditConfig
	PubSub      PubSubConfig
	RateLimit   RateLimitConfig
	Scheduler   SchedulerConfig

	// VerifierURLs maps a payment provider to the verification service endpoint.
	VerifierURLs    map[string]string
	VerifierTimeout time.Duration
	// WebhookSecrets maps a payment provider to its webhook signing secret.
	WebhookSecrets map[string]string
	StripeAPIKey   string

	CORSAllowOrigins []string
	PolicyFile       string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type IdempotencyConfig struct {
	TTL       time.Duration
	LocalSize int
}

type WebhookLockConfig struct {
	TTL time.Duration
}

type AuditConfig struct {
	SpoolSize     int
	RetryInterval time.Duration
	MaxRetries    int
}

// RateLimitConfig bounds webhook deliveries per provider. Rate is tokens
// per second.
type RateLimitConfig struct {
	Enabled      bool
	WebhookRate  float64
	WebhookBurst int
}

// SchedulerConfig drives the sweep that re-dispatches signals whose first
// attempt failed and that the sender never redelivered.
type SchedulerConfig struct {
	Enabled           bool
	RunInterval       time.Duration
	RecoveryThreshold time.Duration
	MaxAge            time.Duration
	BatchSize         int
}

// ObservabilityConfig carries logging and telemetry switches. Routes in
// TraceRoutes move money or entitlements and are traced regardless of the
// sampling ratio.
type ObservabilityConfig struct {
	LogLevel           string
	LogFormat          string
	LogSQL             bool
	SlowQueryThreshold time.Duration

	OtelEnabled       bool
	OtelEndpoint      string
	OtelProtocol      string
	OtelSamplingRatio float64
	TraceRoutes       []string
}

type PubSubConfig struct {
	Enabled        bool
	ProjectID      string
	SubscriptionID string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "commerce"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            getenvInt64("SNOWFLAKE_NODE_ID", 1),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		Observability: ObservabilityConfig{
			LogLevel:           strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:          strings.ToLower(getenv("LOG_FORMAT", "json")),
			LogSQL:             getenvBool("LOG_SQL", false),
			SlowQueryThreshold: getenvDuration("DB_SLOW_QUERY_THRESHOLD", 200*time.Millisecond),
			OtelEnabled:        getenvBool("OTEL_ENABLED", true),
			OtelEndpoint:       getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OtelProtocol:       strings.ToLower(getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			OtelSamplingRatio:  getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
			TraceRoutes:        parseList(getenv("OTEL_TRACE_ROUTES", "/webhooks/,/api/refunds,/api/purchases,/admin/")),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "commerce"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBTxIsolation:     strings.ToLower(getenv("DATABASE_TX_ISOLATION", "repeatable_read")),
		DBTxMaxAttempts:   int(getenvInt64("DATABASE_TX_MAX_ATTEMPTS", 3)),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Idempotency: IdempotencyConfig{
			TTL:       getenvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			LocalSize: int(getenvInt64("IDEMPOTENCY_LOCAL_SIZE", 10000)),
		},
		WebhookLock: WebhookLockConfig{
			TTL: getenvDuration("WEBHOOK_LOCK_TTL", 60*time.Second),
		},
		Audit: AuditConfig{
			SpoolSize:     int(getenvInt64("AUDIT_SPOOL_SIZE", 1024)),
			RetryInterval: getenvDuration("AUDIT_RETRY_INTERVAL", 5*time.Second),
			MaxRetries:    int(getenvInt64("AUDIT_MAX_RETRIES", 10)),
		},
		PubSub: PubSubConfig{
			Enabled:        getenvBool("PUBSUB_ENABLED", false),
			ProjectID:      strings.TrimSpace(getenv("PUBSUB_PROJECT_ID", "")),
			SubscriptionID: strings.TrimSpace(getenv("PUBSUB_SUBSCRIPTION_ID", "")),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getenvBool("RATE_LIMIT_ENABLED", false),
			WebhookRate:  getenvFloat("RATE_LIMIT_WEBHOOK_RATE", 50),
			WebhookBurst: int(getenvInt64("RATE_LIMIT_WEBHOOK_BURST", 100)),
		},
		Scheduler: SchedulerConfig{
			Enabled:           getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:       getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			RecoveryThreshold: getenvDuration("SCHEDULER_RECOVERY_THRESHOLD", 10*time.Minute),
			MaxAge:            getenvDuration("SCHEDULER_MAX_AGE", 72*time.Hour),
			BatchSize:         int(getenvInt64("SCHEDULER_BATCH_SIZE", 50)),
		},
		VerifierURLs:     parseProviderMap(getenv("PAYMENT_VERIFIER_URLS", "")),
		VerifierTimeout:  getenvDuration("PAYMENT_VERIFIER_TIMEOUT", 10*time.Second),
		WebhookSecrets:   parseProviderMap(getenv("PAYMENT_WEBHOOK_SECRETS", "")),
		StripeAPIKey:     strings.TrimSpace(getenv("STRIPE_API_KEY", "")),
		CORSAllowOrigins: parseList(getenv("CORS_ALLOW_ORIGINS", "")),
		PolicyFile:       strings.TrimSpace(getenv("COMMERCE_POLICY_FILE", "")),
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
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return value
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

// parseProviderMap reads "steam=https://...,epic=https://..." pairs.
func parseProviderMap(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range parseList(raw) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		out[name] = value
	}
	return out
}
