// ==============================================================================
// CONFIG PACKAGE - pkg/config/config.go
// ==============================================================================
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Store     StoreConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Provider  ProviderConfig
	Webhook   WebhookConfig
	Worker    WorkerConfig
	Limits    LimitsConfig
	Reconcile ReconcileConfig
	Log       LogConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RateLimit    int
	RateWindow   time.Duration
	CORSOrigins  []string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// StoreConfig selects the ledger store backend.
type StoreConfig struct {
	Driver     string
	MaxRetries int
}

type RedisConfig struct {
	URL            string
	Password       string
	DB             int
	IdempotencyTTL time.Duration
}

type JWTConfig struct {
	Secret string
}

type ProviderConfig struct {
	Mode           string
	BaseURL        string
	SecretKey      string
	Timeout        time.Duration
	MaxFailures    uint32
	OpenTimeout    time.Duration
	HalfOpenProbes uint32
}

type WebhookConfig struct {
	Secret  string
	Headers []string
}

type WorkerConfig struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

// LimitRule is a per-currency policy in minor units.
type LimitRule struct {
	PerTransaction int64
	Daily          int64
}

type LimitsConfig struct {
	Rules            map[string]LimitRule
	FallbackCurrency string
	DefaultCurrency  string
}

type ReconcileConfig struct {
	SweepInterval time.Duration
	StaleAfter    time.Duration
	BatchSize     int
	LockTTL       time.Duration
}

type LogConfig struct {
	Level  string
	Format string
	Dev    bool
}

type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

const defaultTransferLimits = "NGN:2000000:100000000,USD:2000000:100000000,EUR:2000000:100000000," +
	"GBP:2000000:100000000,GHS:2000000:100000000,KES:2000000:100000000"

var defaultWebhookHeaders = []string{"verif-hash", "x-flw-webhook-secret", "x-webhook-secret", "x-hook-secret"}

// Load reads configuration from the environment, loading a .env file first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
			RateLimit:    getIntEnv("RATE_LIMIT", 150),
			RateWindow:   getDurationEnv("RATE_WINDOW", time.Minute),
			CORSOrigins:  getListEnv("CORS_ALLOWED_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Store: StoreConfig{
			Driver:     strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
			MaxRetries: getIntEnv("STORE_MAX_RETRIES", 5),
		},
		Redis: RedisConfig{
			URL:            normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getIntEnv("REDIS_DB", 0),
			IdempotencyTTL: getDurationEnv("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-this-secret"),
		},
		Provider: ProviderConfig{
			Mode:           strings.ToLower(getEnv("PROVIDER_MODE", "http")),
			BaseURL:        strings.TrimRight(getEnv("PROVIDER_BASE_URL", "https://api.flutterwave.com/v3"), "/"),
			SecretKey:      getEnv("PROVIDER_SECRET_KEY", ""),
			Timeout:        getDurationEnv("PROVIDER_TIMEOUT", 30*time.Second),
			MaxFailures:    uint32(getIntEnv("PROVIDER_CB_MAX_FAILURES", 5)),
			OpenTimeout:    getDurationEnv("PROVIDER_CB_OPEN_TIMEOUT", 60*time.Second),
			HalfOpenProbes: uint32(getIntEnv("PROVIDER_CB_HALF_OPEN_PROBES", 1)),
		},
		Webhook: WebhookConfig{
			Secret:  getEnv("WEBHOOK_SECRET", ""),
			Headers: getListEnv("WEBHOOK_SECRET_HEADERS", defaultWebhookHeaders),
		},
		Worker: WorkerConfig{
			Workers:     getIntEnv("SETTLEMENT_WORKERS", 4),
			QueueSize:   getIntEnv("SETTLEMENT_QUEUE_SIZE", 256),
			TaskTimeout: getDurationEnv("SETTLEMENT_TASK_TIMEOUT", 45*time.Second),
		},
		Limits: LimitsConfig{
			Rules:            ParseLimitRules(getEnv("TRANSFER_LIMITS", defaultTransferLimits)),
			FallbackCurrency: strings.ToUpper(getEnv("LIMITS_FALLBACK_CURRENCY", "NGN")),
			DefaultCurrency:  strings.ToUpper(getEnv("DEFAULT_CURRENCY", "NGN")),
		},
		Reconcile: ReconcileConfig{
			SweepInterval: getDurationEnv("SWEEP_INTERVAL", time.Minute),
			StaleAfter:    getDurationEnv("SWEEP_STALE_AFTER", 10*time.Minute),
			BatchSize:     getIntEnv("SWEEP_BATCH", 100),
			LockTTL:       getDurationEnv("SWEEP_LOCK_TTL", 30*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Dev:    getBoolEnv("LOG_DEV", false),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("METRICS_ENABLED", true),
			Namespace: getEnv("METRICS_NAMESPACE", "poseidon"),
		},
	}
}

// ParseLimitRules parses "CUR:perTx:daily,..." into a rule table. Malformed items are skipped.
func ParseLimitRules(raw string) map[string]LimitRule {
	rules := make(map[string]LimitRule)
	for _, item := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 3 {
			continue
		}
		perTx, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil || perTx <= 0 {
			continue
		}
		daily, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil || daily <= 0 {
			continue
		}
		rules[strings.ToUpper(strings.TrimSpace(parts[0]))] = LimitRule{PerTransaction: perTx, Daily: daily}
	}
	return rules
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
