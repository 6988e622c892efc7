package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/sirupsen/logrus"
)

type AppConfig struct {
	Name string
	// AccessLog enables the per-request access line.
	AccessLog bool
	Metrics   *metrics.Metrics
}

func NewApp(cfg AppConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               cfg.Name,
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})

	// Middlewares
	app.Use(recover.New())
	app.Use(requestid.New())
	if cfg.AccessLog {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${method} ${path} - ${latency} - ${locals:requestid}\n",
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Request-ID," + HeaderWebhookToken,
	}))
	if cfg.Metrics != nil {
		app.Use(RequestMetrics(cfg.Metrics))
	}

	return app
}

type Routes struct {
	Checkout *CheckoutHandler
	Orders   *OrderHandler
	Webhooks *WebhookHandler
	Metrics  *metrics.Metrics
}

func RegisterRoutes(app *fiber.App, r Routes) {
	// API v1 routes
	api := app.Group("/api/v1")

	api.Get("/health", r.Orders.HealthCheck)
	if r.Metrics != nil {
		api.Get("/metrics", adaptor.HTTPHandler(r.Metrics.Handler()))
	}

	checkout := api.Group("/checkout")
	checkout.Post("/quote", r.Checkout.Quote)                  // POST /api/v1/checkout/quote
	checkout.Post("/create-order", r.Checkout.CreateOrder)     // POST /api/v1/checkout/create-order
	checkout.Post("/verify-payment", r.Checkout.VerifyPayment) // POST /api/v1/checkout/verify-payment
	checkout.Post("/payment-failed", r.Checkout.PaymentFailed) // POST /api/v1/checkout/payment-failed

	orders := api.Group("/orders")
	orders.Get("/:id", r.Orders.GetOrderByID)
	orders.Post("/:id/shipment", r.Orders.AttachShipment)
	orders.Post("/:id/cancel", r.Orders.CancelOrder)
	orders.Post("/:id/refund", r.Orders.RefundOrder)
	orders.Post("/:id/resolve", r.Orders.ResolveOrder)

	webhooks := api.Group("/webhooks")
	webhooks.Post("/shipment", r.Webhooks.ShipmentUpdate)

	// Route not found
	app.Use("*", func(c *fiber.Ctx) error {
		return NotFoundResponse(c, "Route not found")
	})
}

// RequestMetrics records request count and latency per matched route.
func RequestMetrics(m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}

		m.ObserveRequest(c.Route().Path, strconv.Itoa(status), float64(time.Since(start).Microseconds())/1000)
		return err
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	logging.LogError("Unhandled request error", err, logrus.Fields{
		"method": c.Method(),
		"path":   c.Path(),
		"status": code,
	})

	errCode := CodeInternal
	switch code {
	case fiber.StatusNotFound:
		errCode = CodeNotFound
	case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge:
		errCode = CodeBadRequest
	}
	return ErrorResponse(c, code, errCode, message, nil)
}
