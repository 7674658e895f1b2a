package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLimitRules(t *testing.T) {
	rules := ParseLimitRules("ngn:2000000:100000000, USD:500:1000,bad,EUR:x:1,GBP:0:10")

	require.Len(t, rules, 2)
	assert.Equal(t, LimitRule{PerTransaction: 2000000, Daily: 100000000}, rules["NGN"])
	assert.Equal(t, LimitRule{PerTransaction: 500, Daily: 1000}, rules["USD"])
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PROVIDER_BASE_URL", "https://provider.test/v3/")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("WEBHOOK_SECRET_HEADERS", "Verif-Hash, X-Other ")

	cfg := Load()

	assert.Equal(t, "https://provider.test/v3", cfg.Provider.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.SweepInterval)
	assert.Equal(t, []string{"verif-hash", "x-other"}, cfg.Webhook.Headers)
	assert.Len(t, cfg.Limits.Rules, 6)
	assert.Equal(t, "NGN", cfg.Limits.FallbackCurrency)
}

func TestValidateCore(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Port: "8080"},
		Store:    StoreConfig{Driver: "postgres"},
		Redis:    RedisConfig{URL: "localhost:6379"},
		JWT:      JWTConfig{Secret: "change-this-secret"},
		Provider: ProviderConfig{Mode: "http"},
		Worker:   WorkerConfig{Workers: 1, QueueSize: 1},
		Limits:   LimitsConfig{Rules: map[string]LimitRule{"NGN": {PerTransaction: 1, Daily: 1}}},
	}

	err := cfg.ValidateCore()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "PROVIDER_SECRET_KEY")

	cfg.Store.Driver = "memory"
	cfg.JWT.Secret = "s3cret"
	cfg.Provider.Mode = "simulated"
	assert.NoError(t, cfg.ValidateCore())

	cfg.Provider.Mode = "carrier-pigeon"
	assert.Error(t, cfg.ValidateCore())
}
