package service

import (
	"context"
	"time"

	"github.com/distributed-ecommerce-saga/order-lifecycle/internal/logging"
	"github.com/sirupsen/logrus"
)

// RunEvery calls fn on every tick until ctx is cancelled. A failing run is
// logged and the loop carries on.
func RunEvery(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) (int, error)) {
	if interval <= 0 {
		logging.LogWarn("Background job disabled", logrus.Fields{"job": name})
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.LogInfo("Background job started", logrus.Fields{"job": name, "interval": interval.String()})

	for {
		select {
		case <-ctx.Done():
			logging.LogInfo("Background job stopped", logrus.Fields{"job": name})
			return
		case <-ticker.C:
			started := time.Now()
			n, err := fn(ctx)
			fields := logrus.Fields{
				"job":         name,
				"processed":   n,
				"duration_ms": time.Since(started).Milliseconds(),
			}
			if err != nil && ctx.Err() == nil {
				logging.LogError("Background job run failed", err, fields)
				continue
			}
			if n > 0 {
				logging.LogInfo("Background job run finished", fields)
			}
		}
	}
}
