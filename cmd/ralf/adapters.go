package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Metaswitch/ralf/pkg/health"
	"github.com/Metaswitch/ralf/pkg/metrics"
	"github.com/Metaswitch/ralf/pkg/message"
	"github.com/Metaswitch/ralf/pkg/rf"
	"github.com/Metaswitch/ralf/pkg/sessionmgr"
)

// failoverObserver counts CCF failovers.
type failoverObserver struct {
	stats *metrics.Metrics
}

func (o failoverObserver) CDFFailover(_, _ string) {
	o.stats.IncCDFFailover()
}

// senderAdapter joins the Rf sender to the session manager, adding ACR
// accounting, CDF reachability monitoring and health attempt tracking on
// the way through.
type senderAdapter struct {
	sender *rf.Sender
	stats  *metrics.Metrics
	cdf    *health.CommMonitor
	health *health.Checker
}

func (a *senderAdapter) Send(ctx context.Context, msg *message.Message, handler sessionmgr.ResponseHandler) {
	a.stats.IncACRAttempt(msg.RecordType.String())
	a.health.HealthCheckAttempted()
	a.sender.Send(ctx, msg, &responseAdapter{next: handler, stats: a.stats, cdf: a.cdf})
}

// responseAdapter sees the terminal outcome before the state machine does.
type responseAdapter struct {
	next  sessionmgr.ResponseHandler
	stats *metrics.Metrics
	cdf   *health.CommMonitor
}

func (r *responseAdapter) OnCCFResponse(accepted bool, interimInterval uint32, sessionID string, resultCode uint32, msg *message.Message) {
	r.stats.IncACRResult(msg.RecordType.String(), strconv.Itoa(int(resultCode)))

	// Any answer that arrived means the CDF is reachable; only exhaustion
	// of the CCF list counts against it.
	if resultCode == rf.ResultUnableToDeliver {
		r.cdf.Failure()
	} else {
		r.cdf.Success()
	}

	r.next.OnCCFResponse(accepted, interimInterval, sessionID, resultCode, msg)
}

// instrumentedTimers wraps the timer service client with operation
// accounting, reachability monitoring, and a cooldown that sheds timer
// traffic while the service is down.
type instrumentedTimers struct {
	inner    sessionmgr.TimerClient
	stats    *metrics.Metrics
	comm     *health.CommMonitor
	cooldown time.Duration

	mu    sync.Mutex
	until time.Time
}

func (t *instrumentedTimers) Post(ctx context.Context, interval, repeatFor uint32, callbackPath, opaque string, tags map[string]uint32) (string, error) {
	if t.shedding() {
		t.stats.IncTimerOp("post", "shed")
		return "", fmt.Errorf("timer service backed off")
	}
	id, err := t.inner.Post(ctx, interval, repeatFor, callbackPath, opaque, tags)
	t.observe("post", err)
	return id, err
}

func (t *instrumentedTimers) Put(ctx context.Context, timerID string, interval, repeatFor uint32, callbackPath, opaque string, tags map[string]uint32) (string, error) {
	if t.shedding() {
		t.stats.IncTimerOp("put", "shed")
		return "", fmt.Errorf("timer service backed off")
	}
	id, err := t.inner.Put(ctx, timerID, interval, repeatFor, callbackPath, opaque, tags)
	t.observe("put", err)
	return id, err
}

func (t *instrumentedTimers) Delete(ctx context.Context, timerID string) error {
	if t.shedding() {
		t.stats.IncTimerOp("delete", "shed")
		return fmt.Errorf("timer service backed off")
	}
	err := t.inner.Delete(ctx, timerID)
	t.observe("delete", err)
	return err
}

func (t *instrumentedTimers) shedding() bool {
	if t.cooldown == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Now().Before(t.until)
}

func (t *instrumentedTimers) observe(op string, err error) {
	if err != nil {
		t.stats.IncTimerOp(op, "error")
		t.comm.Failure()
		if t.cooldown > 0 && t.comm.AlarmRaised() {
			t.mu.Lock()
			t.until = time.Now().Add(t.cooldown)
			t.mu.Unlock()
		}
		return
	}
	t.stats.IncTimerOp(op, "ok")
	t.comm.Success()
}
