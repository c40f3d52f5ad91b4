// Package handlers exposes the gateway's HTTP surface: the billing entry
// point the signalling layer and the timer service POST charging events to,
// and a ping endpoint for liveness probes.
package handlers

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Metaswitch/ralf/pkg/message"
	"github.com/Metaswitch/ralf/pkg/metrics"
)

// callIDPrefix is the billing path; the remainder of the path is the SIP
// Call-ID.
const callIDPrefix = "/call-id/"

// MessageHandler consumes parsed charging messages. Handle takes ownership
// of the message.
type MessageHandler interface {
	Handle(ctx context.Context, msg *message.Message)
}

// LoadMonitor shapes request admission and learns from request latencies.
type LoadMonitor interface {
	Admit() bool
	RecordLatency(d time.Duration)
}

// BillingHandler is the HTTP entry point for charging events.
type BillingHandler struct {
	mgr     MessageHandler
	load    LoadMonitor
	stats   *metrics.Metrics
	logger  *zap.Logger
	logACRs bool
}

// Config configures the billing handler.
type Config struct {
	// LogACRBodies includes request bodies in processing logs.
	LogACRBodies bool
}

// NewBillingHandler creates the handler. load and stats may be nil.
func NewBillingHandler(mgr MessageHandler, load LoadMonitor, stats *metrics.Metrics, cfg Config, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{
		mgr:     mgr,
		load:    load,
		stats:   stats,
		logger:  logger,
		logACRs: cfg.LogACRBodies,
	}
}

// Register installs the handler's routes on mux.
func (h *BillingHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ping", h.handlePing)
	mux.HandleFunc(callIDPrefix, h.handleBilling)
}

func (h *BillingHandler) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (h *BillingHandler) handleBilling(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		h.finish(w, http.StatusMethodNotAllowed, start)
		return
	}

	if h.load != nil && !h.load.Admit() {
		h.logger.Warn("Rejecting billing request, over load target")
		h.finish(w, http.StatusServiceUnavailable, start)
		return
	}

	callID, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, callIDPrefix))
	if err != nil || callID == "" {
		h.finish(w, http.StatusBadRequest, start)
		return
	}

	timerInterim := r.URL.Query().Get("timer-interim") == "true"
	if timerInterim {
		h.logger.Debug("Interim timer popped", zap.String("call_id", callID))
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.finish(w, http.StatusBadRequest, start)
		return
	}

	msg, status := message.Parse(callID, timerInterim, body)

	if h.logACRs {
		h.logger.Info("Handling billing request",
			zap.String("call_id", callID),
			zap.Int("status", status),
			zap.ByteString("body", body),
		)
	}

	if status != http.StatusOK {
		h.logger.Info("Rejecting malformed billing request",
			zap.String("call_id", callID),
			zap.Int("status", status),
		)
		h.finish(w, status, start)
		return
	}

	if msg == nil {
		// Start/Event with no peers: nothing to bill, but the request was
		// understood.
		h.logger.Info("Billing request carried no CCF peers, acknowledging without processing",
			zap.String("call_id", callID),
		)
		h.finish(w, http.StatusOK, start)
		return
	}

	// Hand off before replying so the recorded latency covers parsing
	// only; the ACR round trip happens on its own goroutine.
	go h.mgr.Handle(context.Background(), msg)

	h.finish(w, http.StatusOK, start)
}

// finish writes the response status and accounts for the request.
func (h *BillingHandler) finish(w http.ResponseWriter, status int, start time.Time) {
	w.WriteHeader(status)

	latency := time.Since(start)
	h.stats.IncBillingRequest(strconv.Itoa(status))
	h.stats.ObserveBillingLatency(latency)
	if h.load != nil {
		h.load.RecordLatency(latency)
	}
}
