package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Metaswitch/ralf/pkg/message"
)

type captureManager struct {
	mu       sync.Mutex
	messages []*message.Message
	done     chan struct{}
}

func newCaptureManager() *captureManager {
	return &captureManager{done: make(chan struct{}, 16)}
}

func (c *captureManager) Handle(_ context.Context, msg *message.Message) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *captureManager) wait(t *testing.T) *message.Message {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("no message handled within a second")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[len(c.messages)-1]
}

func (c *captureManager) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

type stubLoad struct {
	mu        sync.Mutex
	admit     bool
	latencies []time.Duration
}

func (s *stubLoad) Admit() bool { return s.admit }

func (s *stubLoad) RecordLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, d)
}

func (s *stubLoad) latencyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.latencies)
}

func newTestServer(t *testing.T, mgr MessageHandler, load LoadMonitor, cfg Config) *httptest.Server {
	t.Helper()
	h := NewBillingHandler(mgr, load, nil, cfg, zap.NewNop())
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func validStartBody() string {
	return `{
		"peers": {"ccf": ["c1.example.com"]},
		"event": {
			"Accounting-Record-Type": 2,
			"Acct-Interim-Interval": 300,
			"Service-Information": {
				"IMS-Information": {"Role-Of-Node": 0, "Node-Functionality": 0}
			}
		}
	}`
}

func TestPing(t *testing.T) {
	srv := newTestServer(t, newCaptureManager(), nil, Config{})

	resp, err := http.Post(srv.URL+"/ping", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	buf := make([]byte, 8)
	n, _ := resp.Body.Read(buf)
	assert.Equal(t, "OK", string(buf[:n]))
}

func TestBillingAcceptsStart(t *testing.T) {
	mgr := newCaptureManager()
	srv := newTestServer(t, mgr, nil, Config{})

	resp, err := http.Post(srv.URL+"/call-id/abcd1234%40host", "application/json",
		strings.NewReader(validStartBody()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	msg := mgr.wait(t)
	assert.Equal(t, "abcd1234@host", msg.CallID, "the path segment is unescaped")
	assert.Equal(t, message.RecordTypeStart, msg.RecordType)
	assert.False(t, msg.TimerInterim)
}

func TestBillingTimerInterimFlag(t *testing.T) {
	mgr := newCaptureManager()
	srv := newTestServer(t, mgr, nil, Config{})

	body := `{
		"event": {
			"Accounting-Record-Type": 3,
			"Service-Information": {
				"IMS-Information": {"Role-Of-Node": 0, "Node-Functionality": 0}
			}
		}
	}`
	resp, err := http.Post(srv.URL+"/call-id/cid?timer-interim=true", "application/json",
		strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	msg := mgr.wait(t)
	assert.True(t, msg.TimerInterim)
	assert.Equal(t, message.RecordTypeInterim, msg.RecordType)
}

func TestBillingRejectsWrongMethod(t *testing.T) {
	mgr := newCaptureManager()
	srv := newTestServer(t, mgr, nil, Config{})

	resp, err := http.Get(srv.URL + "/call-id/cid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Zero(t, mgr.count())
}

func TestBillingRejectsMalformedBody(t *testing.T) {
	mgr := newCaptureManager()
	srv := newTestServer(t, mgr, nil, Config{})

	// Node-Functionality missing.
	body := `{
		"peers": {"ccf": ["c1"]},
		"event": {
			"Accounting-Record-Type": 2,
			"Service-Information": {"IMS-Information": {"Role-Of-Node": 0}}
		}
	}`
	resp, err := http.Post(srv.URL+"/call-id/cid", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, mgr.count(), "no message reaches the state machine")
}

func TestBillingNoPeersAcknowledged(t *testing.T) {
	mgr := newCaptureManager()
	srv := newTestServer(t, mgr, nil, Config{})

	body := `{
		"event": {
			"Accounting-Record-Type": 2,
			"Service-Information": {
				"IMS-Information": {"Role-Of-Node": 0, "Node-Functionality": 0}
			}
		}
	}`
	resp, err := http.Post(srv.URL+"/call-id/cid", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, mgr.count())
}

func TestBillingOverloadReturns503(t *testing.T) {
	mgr := newCaptureManager()
	load := &stubLoad{admit: false}
	srv := newTestServer(t, mgr, load, Config{})

	resp, err := http.Post(srv.URL+"/call-id/cid", "application/json",
		strings.NewReader(validStartBody()))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, mgr.count())
}

func TestBillingRecordsLatency(t *testing.T) {
	mgr := newCaptureManager()
	load := &stubLoad{admit: true}
	srv := newTestServer(t, mgr, load, Config{})

	resp, err := http.Post(srv.URL+"/call-id/cid", "application/json",
		strings.NewReader(validStartBody()))
	require.NoError(t, err)
	resp.Body.Close()

	mgr.wait(t)
	assert.Equal(t, 1, load.latencyCount())
}

func TestServerStartShutdown(t *testing.T) {
	mux := http.NewServeMux()
	h := NewBillingHandler(newCaptureManager(), nil, nil, Config{}, zap.NewNop())
	h.Register(mux)

	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", MaxConnections: 4}, mux, zap.NewNop())
	require.NoError(t, srv.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}
