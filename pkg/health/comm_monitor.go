package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// CommMonitor watches one external collaborator. Consecutive failures past
// the threshold raise an operator-facing alarm (a log transition plus a
// gauge flip); a single success clears it.
type CommMonitor struct {
	name      string
	threshold int
	logger    *zap.Logger
	gauge     prometheus.Gauge

	mu          sync.Mutex
	consecFails int
	alarmRaised bool
}

// NewCommMonitor creates a monitor for the named collaborator. gauge may be
// nil; it is set to 1 while communication is considered up, 0 otherwise.
func NewCommMonitor(name string, threshold int, gauge prometheus.Gauge, logger *zap.Logger) *CommMonitor {
	if threshold <= 0 {
		threshold = 3
	}

	m := &CommMonitor{
		name:      name,
		threshold: threshold,
		logger:    logger,
		gauge:     gauge,
	}
	if gauge != nil {
		gauge.Set(1)
	}
	return m
}

// Success records one successful exchange with the collaborator.
func (m *CommMonitor) Success() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecFails = 0
	if m.alarmRaised {
		m.alarmRaised = false
		if m.gauge != nil {
			m.gauge.Set(1)
		}
		m.logger.Info("Communication restored", zap.String("peer", m.name))
	}
}

// Failure records one failed exchange.
func (m *CommMonitor) Failure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecFails++
	if m.consecFails >= m.threshold && !m.alarmRaised {
		m.alarmRaised = true
		if m.gauge != nil {
			m.gauge.Set(0)
		}
		m.logger.Error("Communication failing",
			zap.String("peer", m.name),
			zap.Int("consecutive_failures", m.consecFails),
		)
	}
}

// AlarmRaised reports whether the collaborator is currently considered
// unreachable.
func (m *CommMonitor) AlarmRaised() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alarmRaised
}
