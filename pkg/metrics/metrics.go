// Package metrics holds the gateway's Prometheus instrumentation and serves
// the scrape endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so instrumentation points never need guarding.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP entry point
	billingRequestsTotal *prometheus.CounterVec
	billingLatency       prometheus.Histogram

	// ACR pipeline
	acrAttemptsTotal  *prometheus.CounterVec
	acrResultsTotal   *prometheus.CounterVec
	cdfFailoversTotal prometheus.Counter

	// Session stores
	storeOpsTotal        *prometheus.CounterVec
	storeContentionTotal *prometheus.CounterVec

	// Timer service
	timerOpsTotal *prometheus.CounterVec

	// Collaborator reachability (1 = up)
	commUp *prometheus.GaugeVec

	logger *zap.Logger
	server *http.Server
}

// New creates and registers all metrics on a fresh registry.
func New(logger *zap.Logger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}

	m.billingRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ralf_billing_requests_total",
		Help: "Billing HTTP requests by response status",
	}, []string{"status"})

	m.billingLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ralf_billing_request_latency_seconds",
		Help:    "Billing request parse latency",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	m.acrAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ralf_acr_attempts_total",
		Help: "ACR send attempts by record type",
	}, []string{"record_type"})

	m.acrResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ralf_acr_results_total",
		Help: "Terminal ACR outcomes by record type and result",
	}, []string{"record_type", "result"})

	m.cdfFailoversTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ralf_cdf_failovers_total",
		Help: "Failovers to a backup CCF",
	})

	m.storeOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ralf_session_store_ops_total",
		Help: "Session store operations by store, operation and status",
	}, []string{"store", "op", "status"})

	m.storeContentionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ralf_session_store_contention_total",
		Help: "CAS conflicts observed per store",
	}, []string{"store"})

	m.timerOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ralf_timer_ops_total",
		Help: "Timer service operations by verb and outcome",
	}, []string{"op", "outcome"})

	m.commUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ralf_comm_up",
		Help: "Reachability of external collaborators (1 = up)",
	}, []string{"peer"})

	m.registry.MustRegister(
		m.billingRequestsTotal,
		m.billingLatency,
		m.acrAttemptsTotal,
		m.acrResultsTotal,
		m.cdfFailoversTotal,
		m.storeOpsTotal,
		m.storeContentionTotal,
		m.timerOpsTotal,
		m.commUp,
	)

	return m
}

// Serve exposes /metrics on addr until Shutdown.
func (m *Metrics) Serve(addr string) error {
	if m == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{Addr: addr, Handler: mux}

	m.logger.Info("Metrics server listening", zap.String("addr", addr))
	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) {
	if m == nil || m.server == nil {
		return
	}
	m.server.Shutdown(ctx)
}

// CommGauge returns the reachability gauge for one collaborator.
func (m *Metrics) CommGauge(peer string) prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.commUp.WithLabelValues(peer)
}

func (m *Metrics) IncBillingRequest(status string) {
	if m == nil {
		return
	}
	m.billingRequestsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveBillingLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.billingLatency.Observe(d.Seconds())
}

func (m *Metrics) IncACRAttempt(recordType string) {
	if m == nil {
		return
	}
	m.acrAttemptsTotal.WithLabelValues(recordType).Inc()
}

func (m *Metrics) IncACRResult(recordType, result string) {
	if m == nil {
		return
	}
	m.acrResultsTotal.WithLabelValues(recordType, result).Inc()
}

func (m *Metrics) IncCDFFailover() {
	if m == nil {
		return
	}
	m.cdfFailoversTotal.Inc()
}

func (m *Metrics) IncStoreOp(store, op, status string) {
	if m == nil {
		return
	}
	m.storeOpsTotal.WithLabelValues(store, op, status).Inc()
}

func (m *Metrics) IncStoreContention(store string) {
	if m == nil {
		return
	}
	m.storeContentionTotal.WithLabelValues(store).Inc()
}

func (m *Metrics) IncTimerOp(op, outcome string) {
	if m == nil {
		return
	}
	m.timerOpsTotal.WithLabelValues(op, outcome).Inc()
}
