package handlers

import (
	"errors"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeBadRequest         = "BAD_REQUEST"
	CodeInvalidCoupon      = "INVALID_COUPON"
	CodePaymentUnconfirmed = "PAYMENT_UNCONFIRMED"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInternal           = "INTERNAL_SERVER_ERROR"
)

// Customer-facing messages never say more than this about payment problems.
const (
	msgInvalidCoupon      = "this coupon is invalid"
	msgPaymentUnconfirmed = "payment could not be confirmed"
)

type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id"`
}

type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func SuccessResponse(c *fiber.Ctx, message string, data interface{}) error {
	return c.Status(fiber.StatusOK).JSON(APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	})
}

func CreatedResponse(c *fiber.Ctx, message string, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	})
}

func ErrorResponse(c *fiber.Ctx, status int, code, message string, details map[string]interface{}) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Message: message,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	})
}

func BadRequestResponse(c *fiber.Ctx, message string, details map[string]interface{}) error {
	return ErrorResponse(c, fiber.StatusBadRequest, CodeBadRequest, message, details)
}

func NotFoundResponse(c *fiber.Ctx, message string) error {
	return ErrorResponse(c, fiber.StatusNotFound, CodeNotFound, message, nil)
}

func InternalServerErrorResponse(c *fiber.Ctx, message string, details map[string]interface{}) error {
	return ErrorResponse(c, fiber.StatusInternalServerError, CodeInternal, message, details)
}

func ConflictResponse(c *fiber.Ctx, message string, details map[string]interface{}) error {
	return ErrorResponse(c, fiber.StatusConflict, CodeConflict, message, details)
}

// HandleError maps a service error onto the response envelope. details is
// merged into the error details when the error is mapped.
func HandleError(c *fiber.Ctx, err error, details map[string]interface{}) error {
	var (
		vErr      *domain.ValidationError
		couponErr *domain.InvalidCouponError
		gwErr     *domain.GatewayUnavailableError
		verifyErr *domain.VerificationError
		transErr  *domain.InvalidTransitionError
	)

	switch {
	case errors.As(err, &couponErr):
		return ErrorResponse(c, fiber.StatusUnprocessableEntity, CodeInvalidCoupon, msgInvalidCoupon,
			merge(details, map[string]interface{}{"coupon_code": couponErr.Code, "reason": couponErr.Reason}))

	case errors.As(err, &vErr):
		return ErrorResponse(c, fiber.StatusBadRequest, CodeValidation, vErr.Error(),
			merge(details, map[string]interface{}{"field": vErr.Field, "reason": vErr.Reason}))

	case errors.As(err, &gwErr):
		logging.LogWarn("Payment gateway unavailable", logrus.Fields{
			"path":     c.Path(),
			"attempts": gwErr.Attempts,
			"error":    err.Error(),
		})
		return ErrorResponse(c, fiber.StatusServiceUnavailable, CodePaymentUnconfirmed, msgPaymentUnconfirmed, details)

	case errors.As(err, &verifyErr):
		logging.LogWarn("Payment proof rejected", logrus.Fields{
			"gateway_order_id": verifyErr.GatewayOrderID,
			"reason":           verifyErr.Reason,
			"fraud_review":     true,
		})
		return ErrorResponse(c, fiber.StatusPaymentRequired, CodePaymentUnconfirmed, msgPaymentUnconfirmed, details)

	case errors.As(err, &transErr):
		return ErrorResponse(c, fiber.StatusConflict, CodeInvalidTransition, transErr.Error(),
			merge(details, map[string]interface{}{"status": transErr.From, "event": transErr.Event}))

	case errors.Is(err, domain.ErrOrderNotFound):
		return NotFoundResponse(c, "Order not found")

	case errors.Is(err, domain.ErrIntentNotFound):
		return NotFoundResponse(c, "Payment intent not found")

	case errors.Is(err, domain.ErrConcurrentUpdate):
		return ConflictResponse(c, "Order was modified concurrently, retry the request", details)
	}

	logging.LogError("Request failed", err, logrus.Fields{
		"method":     c.Method(),
		"path":       c.Path(),
		"request_id": getRequestID(c),
	})
	return InternalServerErrorResponse(c, "Internal server error", details)
}

func merge(base, extra map[string]interface{}) map[string]interface{} {
	if len(base) == 0 {
		return extra
	}
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func getRequestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok && id != "" {
		return id
	}
	requestID := c.Get(fiber.HeaderXRequestID)
	if requestID == "" {
		requestID = uuid.New().String()
		c.Set(fiber.HeaderXRequestID, requestID)
	}
	return requestID
}
