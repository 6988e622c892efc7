package payment

import (
	"context"
	"errors"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/domain"
	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds every gateway call: a timeout per attempt and a doubling
// delay between attempts, capped at MaxBackoff.
type RetryPolicy struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:     5 * time.Second,
		MaxAttempts: 4,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Do runs op until it succeeds, fails permanently, or attempts run out. The
// number of attempts made is always returned.
func (p RetryPolicy) Do(ctx context.Context, name string, op func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		attemptCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		lastErr = op(attemptCtx)
		cancel()

		if lastErr == nil {
			return attempt, nil
		}
		if errors.Is(lastErr, domain.ErrGatewayRejected) {
			return attempt, lastErr
		}
		if attempt == maxAttempts {
			break
		}

		delay := p.backoff(attempt)
		logging.LogWarn("Gateway call failed, retrying", logrus.Fields{
			"operation": name,
			"attempt":   attempt,
			"delay":     delay.String(),
			"error":     lastErr.Error(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
	}

	return maxAttempts, lastErr
}
