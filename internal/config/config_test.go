package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "order-service", cfg.App.Name)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, 5*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, 4, cfg.Gateway.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Gateway.Backoff)
	assert.Equal(t, 30*time.Minute, cfg.Checkout.PaymentTimeout)
	assert.False(t, cfg.RedisEnabled())
	assert.False(t, cfg.RabbitMQEnabled())
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("GATEWAY_TIMEOUT", "2s")
	t.Setenv("GATEWAY_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SHIPPING_FEE", "4000")

	cfg := Load()
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 2*time.Second, cfg.RetryPolicy().Timeout)
	assert.Equal(t, 4, cfg.RetryPolicy().MaxAttempts)
	assert.True(t, cfg.RedisEnabled())
	assert.Equal(t, "redis:6379", cfg.RedisConfig().Addr)
	assert.Equal(t, "k1:9092,k2:9092", cfg.Kafka.Brokers)
	assert.Equal(t, int64(4000), cfg.Checkout.ShippingFee)
}

func TestValidate(t *testing.T) {
	cfg := Load()

	cfg.Store.Backend = "mongo"
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.Gateway.Mode = "http"
	assert.Error(t, cfg.Validate())
	cfg.Gateway.KeyID, cfg.Gateway.KeySecret = "rzp_test", "secret"
	assert.NoError(t, cfg.Validate())

	cfg.Carrier.Mode = "http"
	assert.Error(t, cfg.Validate())
}
