// Package loadmonitor shapes request admission with a token bucket whose
// rate adapts to observed request latency: sustained overshoot of the target
// tightens the bucket, headroom relaxes it.
package loadmonitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes the monitor.
type Config struct {
	// TargetLatency is the latency the admitted rate aims to hold.
	TargetLatency time.Duration

	// MaxTokens is the bucket depth (burst size).
	MaxTokens int

	// InitTokenRate, MinTokenRate and MaxTokenRate bound the admitted
	// requests per second.
	InitTokenRate float64
	MinTokenRate  float64
	MaxTokenRate  float64

	// AdjustInterval is how often the rate is reconsidered.
	AdjustInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TargetLatency:  100 * time.Millisecond,
		MaxTokens:      1000,
		InitTokenRate:  100,
		MinTokenRate:   10,
		MaxTokenRate:   0, // unbounded
		AdjustInterval: 2 * time.Second,
	}
}

// Monitor is a token-bucket admission gate shared across the HTTP workers.
type Monitor struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger

	mu           sync.Mutex
	latencySum   time.Duration
	latencyCount int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor; call Start to begin rate adjustment.
func New(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.TargetLatency == 0 {
		cfg.TargetLatency = 100 * time.Millisecond
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.InitTokenRate == 0 {
		cfg.InitTokenRate = 100
	}
	if cfg.MinTokenRate == 0 {
		cfg.MinTokenRate = 10
	}
	if cfg.AdjustInterval == 0 {
		cfg.AdjustInterval = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.InitTokenRate), cfg.MaxTokens),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the rate adjustment loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.adjustLoop()
}

// Stop halts rate adjustment.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Admit consumes one token, reporting whether the request may proceed.
func (m *Monitor) Admit() bool {
	return m.limiter.Allow()
}

// RecordLatency feeds one request's latency into the next adjustment.
func (m *Monitor) RecordLatency(d time.Duration) {
	m.mu.Lock()
	m.latencySum += d
	m.latencyCount++
	m.mu.Unlock()
}

func (m *Monitor) adjustLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.AdjustInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.adjust()
		}
	}
}

// adjust nudges the admitted rate toward the latency target: a 20% decrease
// when the mean latency exceeds the target, a gentle 5% increase when it is
// under half the target.
func (m *Monitor) adjust() {
	m.mu.Lock()
	count := m.latencyCount
	sum := m.latencySum
	m.latencySum = 0
	m.latencyCount = 0
	m.mu.Unlock()

	if count == 0 {
		return
	}

	mean := sum / time.Duration(count)
	current := float64(m.limiter.Limit())
	next := current

	if mean > m.cfg.TargetLatency {
		next = current * 0.8
	} else if mean < m.cfg.TargetLatency/2 {
		next = current * 1.05
	}

	if next < m.cfg.MinTokenRate {
		next = m.cfg.MinTokenRate
	}
	if m.cfg.MaxTokenRate > 0 && next > m.cfg.MaxTokenRate {
		next = m.cfg.MaxTokenRate
	}

	if next != current {
		m.logger.Debug("Adjusting admitted request rate",
			zap.Float64("from", current),
			zap.Float64("to", next),
			zap.Duration("mean_latency", mean),
		)
		m.limiter.SetLimit(rate.Limit(next))
	}
}

// Rate reports the currently admitted requests per second.
func (m *Monitor) Rate() float64 {
	return float64(m.limiter.Limit())
}
