package loadmonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestAdmitRespectsBucket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokens = 2
	cfg.InitTokenRate = 0.001 // effectively no refill during the test
	cfg.MinTokenRate = 0.001

	m := New(cfg, zap.NewNop())

	assert.True(t, m.Admit())
	assert.True(t, m.Admit())
	assert.False(t, m.Admit(), "bucket exhausted")
}

func TestAdjustTightensOnOvershoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetLatency = 10 * time.Millisecond
	cfg.InitTokenRate = 100
	cfg.MinTokenRate = 1

	m := New(cfg, zap.NewNop())

	for i := 0; i < 10; i++ {
		m.RecordLatency(50 * time.Millisecond)
	}
	m.adjust()

	assert.InDelta(t, 80, m.Rate(), 0.01, "multiplicative decrease of one fifth")
}

func TestAdjustRelaxesOnHeadroom(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetLatency = 100 * time.Millisecond
	cfg.InitTokenRate = 100
	cfg.MaxTokenRate = 102

	m := New(cfg, zap.NewNop())

	for i := 0; i < 10; i++ {
		m.RecordLatency(time.Millisecond)
	}
	m.adjust()
	assert.InDelta(t, 102, m.Rate(), 0.01, "rise capped at the max rate")
}

func TestAdjustFloorsAtMinRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetLatency = time.Millisecond
	cfg.InitTokenRate = 10
	cfg.MinTokenRate = 9

	m := New(cfg, zap.NewNop())

	m.RecordLatency(time.Second)
	m.adjust()
	assert.InDelta(t, 9, m.Rate(), 0.01)
}

func TestAdjustWithoutTrafficHoldsRate(t *testing.T) {
	m := New(DefaultConfig(), zap.NewNop())

	before := m.Rate()
	m.adjust()
	assert.Equal(t, before, m.Rate())
}

func TestStartStop(t *testing.T) {
	m := New(DefaultConfig(), zap.NewNop())
	m.Start()
	m.Stop()
}
