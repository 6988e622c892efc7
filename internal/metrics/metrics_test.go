package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecordAgainstOwnRegistry(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.ObserveTransition("created", "paid")
	m.ObserveTransition("created", "paid")
	m.ObserveVerification("rejected")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Transitions.WithLabelValues("created", "paid")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Verifications.WithLabelValues("rejected")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("quote", "200", 1)
		m.ObserveGatewayCall("create_order", "ok")
		m.ObserveTrackingUpdate("webhook", "applied")
	})
	assert.NotNil(t, m.Handler())
}
