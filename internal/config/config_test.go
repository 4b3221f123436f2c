package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "STORE", "KAFKA_BROKERS", "TAX_RATE", "CHECKOUT_RATE_LIMIT", "WORKER_COUNT", "CURRENCY"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, "USD", cfg.Currency)
	assert.True(t, cfg.TaxRate.IsZero())
	assert.Equal(t, 30, cfg.CheckoutRateLimit)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092")
	t.Setenv("TAX_RATE", "0.19")
	t.Setenv("CURRENCY", "eur")
	t.Setenv("CHECKOUT_RATE_LIMIT", "0")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "0.19", cfg.TaxRate.String())
	assert.Equal(t, "EUR", cfg.Currency)
	assert.Zero(t, cfg.CheckoutRateLimit)
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string][2]string{
		"bad tax":      {"TAX_RATE", "abc"},
		"negative tax": {"TAX_RATE", "-0.1"},
		"bad limit":    {"CHECKOUT_RATE_LIMIT", "many"},
		"bad workers":  {"WORKER_COUNT", "-2"},
		"bad store":    {"STORE", "mysql"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
