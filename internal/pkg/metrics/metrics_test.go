package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveWebhook(t *testing.T) {
	m := New()
	m.ObserveWebhook("checkout.session.completed", "processed", 10*time.Millisecond)
	m.ObserveWebhook("checkout.session.completed", "processed", 20*time.Millisecond)
	m.ObserveWebhook("checkout.session.completed", "duplicate", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("checkout.session.completed", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("checkout.session.completed", "duplicate")))
}

func TestCountersAndGauges(t *testing.T) {
	m := New()
	m.NumberAllocated("2026")
	m.SetStatsDrift(3)
	m.LedgerRowsDeleted(500)
	m.LedgerRowsDeleted(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.numbersAllocated.WithLabelValues("2026")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.statsDrift))
	assert.Equal(t, 500.0, testutil.ToFloat64(m.ledgerCleanup))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveWebhook("x", "y", time.Second)
		m.NumberAllocated("2026")
		m.SetStatsDrift(1)
		m.LedgerRowsDeleted(1)
		_ = m.Handler()
	})
	assert.Nil(t, m.Registry())
}
