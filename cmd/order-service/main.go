package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/cache"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/carrierfeed"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/config"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/handlers"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/ledger"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/messaging"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/metrics"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/payment"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/pricing"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/repository"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/service"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/shipment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

type stores struct {
	orders  ledger.OrderStore
	intents payment.IntentStore
	coupons pricing.CouponStore
	health  handlers.Pinger
	db      *sql.DB
}

func main() {
	cfg := config.Load()
	logging.InitLogger(cfg.App.LogLevel)

	if err := cfg.Validate(); err != nil {
		logging.LogError("Invalid configuration", err, nil)
		os.Exit(1)
	}

	logging.LogInfo("Order service starting", logrus.Fields{
		"env":     cfg.App.Env,
		"store":   cfg.Store.Backend,
		"gateway": cfg.Gateway.Mode,
		"carrier": cfg.Carrier.Mode,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics("order_service", reg)

	// Database connection
	st, err := initStores(ctx, cfg)
	if err != nil {
		logging.LogError("Store initialization error", err, logrus.Fields{"backend": cfg.Store.Backend})
		os.Exit(1)
	}
	if st.db != nil {
		defer st.db.Close()
	}

	// Dependencies injection
	payments := payment.NewManager(st.intents, initGateway(cfg), payment.Config{
		Secret:    cfg.Gateway.WebhookSecret,
		IntentTTL: cfg.Gateway.IntentTTL,
		Retry:     cfg.RetryPolicy(),
	}, m)

	orderLedger := ledger.New(st.orders, st.coupons, m)

	orderCache, closeCache := initCache(ctx, cfg)
	defer closeCache()
	orderLedger.AddObserver(service.NewCacheObserver(orderCache))

	var rabbitClient *messaging.RabbitMQClient
	if cfg.RabbitMQEnabled() {
		rabbitClient = messaging.NewRabbitMQClient(&cfg.RabbitMQ)
		if err := rabbitClient.Connect(); err != nil {
			logging.LogError("RabbitMQ connection error", err, nil)
			os.Exit(1)
		}
		defer rabbitClient.Close()

		orderLedger.AddObserver(service.NewEventObserver(messaging.NewPublisher(rabbitClient), cfg.App.Name))
	}

	checkout := service.NewCheckoutService(
		pricing.NewEngine(st.coupons, cfg.Gateway.Currency),
		payments,
		orderLedger,
		orderCache,
		shippingPolicy(cfg),
		cfg.Gateway.Currency,
	)
	fulfillment := service.NewFulfillmentService(orderLedger, shipment.NewTracker(), initCarrier(cfg), payments, m, service.FulfillmentConfig{
		PaymentTimeout: cfg.Checkout.PaymentTimeout,
		ReaperBatch:    cfg.Checkout.ReaperBatch,
		PollBatch:      cfg.Carrier.PollBatch,
	})

	orderHandler := handlers.NewOrderHandler(checkout, fulfillment, cfg.App.Name).WithDependency("store", st.health)
	if pinger, ok := orderCache.(handlers.Pinger); ok {
		orderHandler.WithDependency("cache", pinger)
	}

	// Fiber app setup
	app := handlers.NewApp(handlers.AppConfig{
		Name:      cfg.App.Name,
		AccessLog: true,
		Metrics:   m,
	})
	handlers.RegisterRoutes(app, handlers.Routes{
		Checkout: handlers.NewCheckoutHandler(checkout, cfg.Gateway.KeyID),
		Orders:   orderHandler,
		Webhooks: handlers.NewWebhookHandler(fulfillment, cfg.Carrier.WebhookToken),
		Metrics:  m,
	})

	// RabbitMQ event consumption start
	if rabbitClient != nil {
		consumer := messaging.NewConsumer(rabbitClient, cfg.RabbitMQ.Queue, cfg.App.Name)
		if err := orderHandler.StartConsuming(ctx, consumer); err != nil {
			logging.LogError("RabbitMQ consumption error", err, nil)
		}
	}

	feed := carrierfeed.NewClient(cfg.Kafka.Brokers)
	if feed.Enabled() {
		reader := feed.NewReader(cfg.Kafka.Topic, cfg.Kafka.Group)
		feedConsumer := carrierfeed.NewConsumer(reader, carrierfeed.Config{
			MaxRetries: cfg.Kafka.MaxRetries,
			Backoff:    cfg.Kafka.Backoff,
		})
		go func() {
			if err := feedConsumer.Run(ctx, fulfillment.HandleFeedPayload); err != nil && ctx.Err() == nil {
				logging.LogError("Carrier feed stopped", err, logrus.Fields{"topic": cfg.Kafka.Topic})
			}
		}()
	}

	go service.RunEvery(ctx, "payment-reaper", cfg.Checkout.ReaperInterval, fulfillment.ReapStaleOrders)
	go service.RunEvery(ctx, "tracking-poller", cfg.Carrier.PollInterval, fulfillment.PollTracking)

	// Graceful shutdown setup
	go func() {
		<-ctx.Done()
		logging.LogInfo("Order service closing", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logging.LogError("Shutdown error", err, nil)
		}
	}()

	logging.LogInfo("Order service listening", logrus.Fields{"port": cfg.App.Port})
	if err := app.Listen(":" + cfg.App.Port); err != nil {
		logging.LogError("Server start error", err, nil)
		os.Exit(1)
	}
}

func initStores(ctx context.Context, cfg config.Config) (stores, error) {
	if cfg.Store.Backend == "memory" {
		orders := repository.NewMemoryOrderStore()
		logging.LogWarn("Using in-memory stores, data is lost on restart", nil)
		return stores{
			orders:  orders,
			intents: repository.NewMemoryIntentStore(),
			coupons: repository.NewMemoryCouponStore(),
			health:  orders,
		}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, err := repository.OpenPostgres(connectCtx, cfg.DB)
	if err != nil {
		return stores{}, err
	}

	orders := repository.NewOrderRepository(db)
	return stores{
		orders:  orders,
		intents: repository.NewIntentRepository(db),
		coupons: repository.NewCouponRepository(db),
		health:  orders,
		db:      db,
	}, nil
}

func initGateway(cfg config.Config) payment.Gateway {
	if cfg.Gateway.Mode == "http" {
		return payment.NewHTTPGateway(cfg.Gateway.BaseURL, cfg.Gateway.KeyID, cfg.Gateway.KeySecret, cfg.Gateway.Timeout)
	}
	logging.LogWarn("Using mock payment gateway", logrus.Fields{"failure_rate": cfg.Gateway.FailureRate})
	return payment.NewMockGateway(cfg.Gateway.WebhookSecret, cfg.Gateway.FailureRate)
}

func initCarrier(cfg config.Config) shipment.Carrier {
	if cfg.Carrier.Mode == "http" {
		return shipment.NewHTTPCarrier(cfg.Carrier.BaseURL, cfg.Carrier.Token, cfg.Carrier.Timeout)
	}
	return shipment.NewMockCarrier()
}

// initCache prefers Redis and falls back to an in-process LRU when Redis is
// not configured or not reachable.
func initCache(ctx context.Context, cfg config.Config) (cache.Cache, func()) {
	if cfg.RedisEnabled() {
		rc := cache.NewRedisCache(cfg.RedisConfig())

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		err := rc.Ping(pingCtx)
		if err == nil {
			return rc, func() { _ = rc.Close() }
		}
		logging.LogWarn("Redis unavailable, using in-process cache", logrus.Fields{"addr": cfg.Redis.Addr, "error": err.Error()})
		_ = rc.Close()
	}
	return cache.NewLRUCache(cfg.Checkout.CacheCapacity), func() {}
}

func shippingPolicy(cfg config.Config) domain.ShippingPolicy {
	if cfg.Checkout.FreeShippingAbove > 0 {
		return domain.ThresholdShipping(cfg.Checkout.ShippingFee, cfg.Checkout.FreeShippingAbove)
	}
	return domain.FlatShipping(cfg.Checkout.ShippingFee)
}
