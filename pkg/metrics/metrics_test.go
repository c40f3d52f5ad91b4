package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCountersAccumulate(t *testing.T) {
	m := New(zap.NewNop())

	m.IncBillingRequest("200")
	m.IncBillingRequest("200")
	m.IncBillingRequest("400")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.billingRequestsTotal.WithLabelValues("200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.billingRequestsTotal.WithLabelValues("400")))

	m.IncCDFFailover()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cdfFailoversTotal))

	m.IncACRResult("START_RECORD", "2001")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.acrResultsTotal.WithLabelValues("START_RECORD", "2001")))

	m.IncStoreContention("local")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.storeContentionTotal.WithLabelValues("local")))
}

func TestCommGauge(t *testing.T) {
	m := New(zap.NewNop())

	g := m.CommGauge("cdf")
	g.Set(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.commUp.WithLabelValues("cdf")))
	g.Set(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.commUp.WithLabelValues("cdf")))
}

func TestNilMetricsAreInert(t *testing.T) {
	var m *Metrics

	m.IncBillingRequest("200")
	m.ObserveBillingLatency(time.Millisecond)
	m.IncACRAttempt("START_RECORD")
	m.IncACRResult("START_RECORD", "2001")
	m.IncCDFFailover()
	m.IncStoreOp("local", "get", "OK")
	m.IncStoreContention("local")
	m.IncTimerOp("post", "ok")
	assert.Nil(t, m.CommGauge("cdf"))
	assert.NoError(t, m.Serve(":0"))
}
