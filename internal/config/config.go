// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/cache"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/messaging"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/payment"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/repository"
)

type App struct {
	Name     string
	Env      string
	Port     string
	LogLevel string
}

type Store struct {
	Backend string // postgres | memory
}

type Kafka struct {
	Brokers    string
	Topic      string
	Group      string
	MaxRetries int
	Backoff    time.Duration
}

type Redis struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

type Gateway struct {
	Mode          string // mock | http
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Currency      string
	Timeout       time.Duration
	MaxAttempts   int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	IntentTTL     time.Duration
	FailureRate   float64
}

type Carrier struct {
	Mode         string // mock | http
	BaseURL      string
	Token        string
	WebhookToken string
	Timeout      time.Duration
	PollInterval time.Duration
	PollBatch    int
}

type Checkout struct {
	ShippingFee       int64
	FreeShippingAbove int64
	PaymentTimeout    time.Duration
	ReaperInterval    time.Duration
	ReaperBatch       int
	CacheCapacity     int
}

type Config struct {
	App      App
	Store    Store
	DB       repository.PostgresConfig
	RabbitMQ messaging.RabbitMQConfig
	Kafka    Kafka
	Redis    Redis
	Gateway  Gateway
	Carrier  Carrier
	Checkout Checkout
}

func Load() Config {
	return Config{
		App: App{
			Name:     getEnvOrDefault("SERVICE_NAME", "order-service"),
			Env:      getEnvOrDefault("APP_ENV", "dev"),
			Port:     getEnvOrDefault("PORT", "8001"),
			LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
		},
		Store: Store{
			Backend: getEnvOrDefault("STORE_BACKEND", "postgres"),
		},
		DB: repository.PostgresConfig{
			Host:         getEnvOrDefault("DB_HOST", "localhost"),
			Port:         getEnvOrDefault("DB_PORT", "5432"),
			User:         getEnvOrDefault("DB_USER", "postgres"),
			Password:     getEnvOrDefault("DB_PASSWORD", "postgres"),
			Name:         getEnvOrDefault("DB_NAME", "order_db"),
			SSLMode:      getEnvOrDefault("DB_SSLMODE", "disable"),
			MaxOpenConns: atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "25"), 25),
			MaxIdleConns: atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "5"), 5),
		},
		RabbitMQ: messaging.RabbitMQConfig{
			Host:              getEnvOrDefault("RABBITMQ_HOST", ""),
			Port:              atoi(getEnvOrDefault("RABBITMQ_PORT", "5672"), 5672),
			Username:          getEnvOrDefault("RABBITMQ_USERNAME", "guest"),
			Password:          getEnvOrDefault("RABBITMQ_PASSWORD", "guest"),
			VHost:             getEnvOrDefault("RABBITMQ_VHOST", "/"),
			Exchange:          getEnvOrDefault("RABBITMQ_EXCHANGE", "saga.events"),
			Queue:             getEnvOrDefault("RABBITMQ_TRACKING_QUEUE", "order-service.shipping.tracking"),
			RetryCount:        atoi(getEnvOrDefault("RABBITMQ_RETRY_COUNT", "3"), 3),
			RetryDelay:        duration(getEnvOrDefault("RABBITMQ_RETRY_DELAY", "5s"), 5*time.Second),
			ConnectionTimeout: duration(getEnvOrDefault("RABBITMQ_CONNECTION_TIMEOUT", "30s"), 30*time.Second),
		},
		Kafka: Kafka{
			Brokers:    getEnvOrDefault("KAFKA_BROKERS", ""),
			Topic:      getEnvOrDefault("CARRIER_FEED_TOPIC", "carrier.tracking"),
			Group:      getEnvOrDefault("CARRIER_FEED_GROUP", "order-service-tracking"),
			MaxRetries: atoi(getEnvOrDefault("CARRIER_FEED_MAX_RETRIES", "3"), 3),
			Backoff:    duration(getEnvOrDefault("CARRIER_FEED_BACKOFF", "500ms"), 500*time.Millisecond),
		},
		Redis: Redis{
			Addr:     getEnvOrDefault("REDIS_ADDR", ""),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       atoi(getEnvOrDefault("REDIS_DB", "0"), 0),
			TTL:      duration(getEnvOrDefault("REDIS_TTL", "10m"), 10*time.Minute),
			Prefix:   getEnvOrDefault("REDIS_PREFIX", "order:"),
		},
		Gateway: Gateway{
			Mode:          getEnvOrDefault("GATEWAY_MODE", "mock"),
			BaseURL:       getEnvOrDefault("GATEWAY_BASE_URL", "https://api.razorpay.com"),
			KeyID:         getEnvOrDefault("GATEWAY_KEY_ID", ""),
			KeySecret:     getEnvOrDefault("GATEWAY_KEY_SECRET", ""),
			WebhookSecret: getEnvOrDefault("GATEWAY_SIGNING_SECRET", "dev-signing-secret"),
			Currency:      getEnvOrDefault("CURRENCY", "INR"),
			Timeout:       duration(getEnvOrDefault("GATEWAY_TIMEOUT", "5s"), 5*time.Second),
			MaxAttempts:   atoi(getEnvOrDefault("GATEWAY_MAX_ATTEMPTS", "4"), 4),
			Backoff:       duration(getEnvOrDefault("GATEWAY_BACKOFF", "200ms"), 200*time.Millisecond),
			MaxBackoff:    duration(getEnvOrDefault("GATEWAY_MAX_BACKOFF", "5s"), 5*time.Second),
			IntentTTL:     duration(getEnvOrDefault("PAYMENT_INTENT_TTL", "30m"), 30*time.Minute),
			FailureRate:   atof(getEnvOrDefault("GATEWAY_MOCK_FAILURE_RATE", "0"), 0),
		},
		Carrier: Carrier{
			Mode:         getEnvOrDefault("CARRIER_MODE", "mock"),
			BaseURL:      getEnvOrDefault("CARRIER_BASE_URL", ""),
			Token:        getEnvOrDefault("CARRIER_TOKEN", ""),
			WebhookToken: getEnvOrDefault("CARRIER_WEBHOOK_TOKEN", ""),
			Timeout:      duration(getEnvOrDefault("CARRIER_TIMEOUT", "10s"), 10*time.Second),
			PollInterval: duration(getEnvOrDefault("TRACKING_POLL_INTERVAL", "15m"), 15*time.Minute),
			PollBatch:    atoi(getEnvOrDefault("TRACKING_POLL_BATCH", "200"), 200),
		},
		Checkout: Checkout{
			ShippingFee:       int64(atoi(getEnvOrDefault("SHIPPING_FEE", "5000"), 5000)),
			FreeShippingAbove: int64(atoi(getEnvOrDefault("FREE_SHIPPING_ABOVE", "0"), 0)),
			PaymentTimeout:    duration(getEnvOrDefault("PAYMENT_TIMEOUT", "30m"), 30*time.Minute),
			ReaperInterval:    duration(getEnvOrDefault("REAPER_INTERVAL", "1m"), time.Minute),
			ReaperBatch:       atoi(getEnvOrDefault("REAPER_BATCH", "100"), 100),
			CacheCapacity:     atoi(getEnvOrDefault("CACHE_CAPACITY", "10000"), 10000),
		},
	}
}

// Validate rejects combinations the service cannot start with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}
	switch c.Gateway.Mode {
	case "mock":
	case "http":
		if c.Gateway.KeyID == "" || c.Gateway.KeySecret == "" {
			return fmt.Errorf("GATEWAY_KEY_ID and GATEWAY_KEY_SECRET are required in http mode")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_MODE %q", c.Gateway.Mode)
	}
	switch c.Carrier.Mode {
	case "mock":
	case "http":
		if c.Carrier.BaseURL == "" {
			return fmt.Errorf("CARRIER_BASE_URL is required in http mode")
		}
	default:
		return fmt.Errorf("unknown CARRIER_MODE %q", c.Carrier.Mode)
	}
	if c.Gateway.WebhookSecret == "" {
		return fmt.Errorf("GATEWAY_SIGNING_SECRET is required")
	}
	if c.Gateway.MaxAttempts < 1 {
		return fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func (c Config) RetryPolicy() payment.RetryPolicy {
	return payment.RetryPolicy{
		Timeout:     c.Gateway.Timeout,
		MaxAttempts: c.Gateway.MaxAttempts,
		BaseBackoff: c.Gateway.Backoff,
		MaxBackoff:  c.Gateway.MaxBackoff,
	}
}

func (c Config) RedisConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Prefix:   c.Redis.Prefix,
		TTL:      c.Redis.TTL,
	}
}

func (c Config) RabbitMQEnabled() bool { return c.RabbitMQ.Host != "" }

func (c Config) RedisEnabled() bool { return c.Redis.Addr != "" }

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func atoi(s string, def int) int {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return i
}

func atof(s string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return def
	}
	return f
}

func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return d
}
