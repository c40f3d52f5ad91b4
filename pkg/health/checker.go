// Package health tracks the gateway's own liveness and the reachability of
// its external collaborators (the binary monitors the CDF and the timer
// service).
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Checker judges whether the gateway is doing useful work. Successful ACAs
// are reported as passed probes; a window with traffic but no passes is the
// strongest sign the billing path is broken.
type Checker struct {
	logger *zap.Logger

	passes   atomic.Uint64
	attempts atomic.Uint64

	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	healthy bool
}

// NewChecker creates a Checker evaluating once per interval.
func NewChecker(interval time.Duration, logger *zap.Logger) *Checker {
	if interval == 0 {
		interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{
		logger:   logger,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		healthy:  true,
	}
}

// Start launches periodic evaluation.
func (c *Checker) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop halts evaluation.
func (c *Checker) Stop() {
	c.cancel()
	c.wg.Wait()
}

// HealthCheckPassed records one successful probe (an accepted ACA).
func (c *Checker) HealthCheckPassed() {
	c.passes.Add(1)
}

// HealthCheckAttempted records that work arrived which should eventually
// produce a pass.
func (c *Checker) HealthCheckAttempted() {
	c.attempts.Add(1)
}

// Healthy reports the last evaluation's verdict.
func (c *Checker) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

func (c *Checker) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.evaluate()
		}
	}
}

func (c *Checker) evaluate() {
	passes := c.passes.Swap(0)
	attempts := c.attempts.Swap(0)

	// Idle is healthy; traffic with no passes is not.
	healthy := attempts == 0 || passes > 0

	c.mu.Lock()
	changed := healthy != c.healthy
	c.healthy = healthy
	c.mu.Unlock()

	if changed {
		if healthy {
			c.logger.Info("Health restored",
				zap.Uint64("passes", passes),
				zap.Uint64("attempts", attempts),
			)
		} else {
			c.logger.Error("Health check failing: traffic arriving but no ACRs succeeding",
				zap.Uint64("attempts", attempts),
			)
		}
	}
}
