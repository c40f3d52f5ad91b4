package rf

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fiorix/go-diameter/v4/diam"
	"github.com/fiorix/go-diameter/v4/diam/avp"
	"github.com/fiorix/go-diameter/v4/diam/datatype"
	"github.com/fiorix/go-diameter/v4/diam/sm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClientConfig() ClientConfig {
	return ClientConfig{
		OriginHost:        "ralf.example.com",
		OriginRealm:       "example.com",
		RequestTimeout:    500 * time.Millisecond,
		BlacklistDuration: time.Minute,
	}
}

// startTestCDF runs an in-process Diameter server whose ACR handling is
// delegated to handle. It returns the server's address.
func startTestCDF(t *testing.T, handle func(conn diam.Conn, m *diam.Message)) string {
	t.Helper()

	settings := &sm.Settings{
		OriginHost:       datatype.DiameterIdentity("cdf.example.com"),
		OriginRealm:      datatype.DiameterIdentity("example.com"),
		VendorID:         0,
		ProductName:      datatype.UTF8String("test-cdf"),
		OriginStateID:    datatype.Unsigned32(1),
		FirmwareRevision: 1,
	}

	mux := sm.New(settings)
	mux.HandleFunc("ACR", handle)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	srv := &diam.Server{Handler: mux, Dict: Dictionary()}
	go srv.Serve(l)

	return l.Addr().String()
}

// answerACR replies to an ACR with the given result code.
func answerACR(t *testing.T, resultCode uint32, interimInterval uint32) func(conn diam.Conn, m *diam.Message) {
	return func(conn diam.Conn, m *diam.Message) {
		a := m.Answer(resultCode)
		if sid, err := m.FindAVP(avp.SessionID, 0); err == nil {
			a.AddAVP(sid)
		}
		a.NewAVP(avp.OriginHost, avp.Mbit, 0, datatype.DiameterIdentity("cdf.example.com"))
		a.NewAVP(avp.OriginRealm, avp.Mbit, 0, datatype.DiameterIdentity("example.com"))
		if interimInterval != 0 {
			a.NewAVP(avp.AcctInterimInterval, avp.Mbit, 0, datatype.Unsigned32(interimInterval))
		}
		if _, err := a.WriteTo(conn); err != nil {
			t.Logf("write answer: %v", err)
		}
	}
}

func TestNewClientRequiresIdentity(t *testing.T) {
	_, err := NewClient(ClientConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestCallRoundTrip(t *testing.T) {
	addr := startTestCDF(t, answerACR(t, 2001, 100))

	client, err := NewClient(testClientConfig(), zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	acr := BuildACR(testACRConfig(), addr, "s;1;1", 1,
		decodeEvent(t, `{"Accounting-Record-Type": 2}`), zap.NewNop())

	ans, err := client.Call(context.Background(), addr, acr)
	require.NoError(t, err)
	assert.Equal(t, uint32(2001), ans.ResultCode)
	assert.Equal(t, uint32(100), ans.InterimInterval)
	assert.Equal(t, "s;1;1", ans.SessionID)
}

func TestCallTimesOutWhenPeerIsSilent(t *testing.T) {
	addr := startTestCDF(t, func(diam.Conn, *diam.Message) {
		// Swallow the request.
	})

	cfg := testClientConfig()
	cfg.RequestTimeout = 200 * time.Millisecond

	client, err := NewClient(cfg, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	acr := BuildACR(testACRConfig(), addr, "s", 1,
		decodeEvent(t, `{"Accounting-Record-Type": 3}`), zap.NewNop())

	_, err = client.Call(context.Background(), addr, acr)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	// The silent peer is now blacklisted, so the next attempt fails fast.
	start := time.Now()
	_, err = client.Call(context.Background(), addr, acr)
	assert.ErrorIs(t, err, ErrPeerUnavailable)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestCallUnreachablePeer(t *testing.T) {
	client, err := NewClient(testClientConfig(), zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	acr := BuildACR(testACRConfig(), "127.0.0.1:1", "s", 1,
		decodeEvent(t, `{"Accounting-Record-Type": 2}`), zap.NewNop())

	_, err = client.Call(context.Background(), "127.0.0.1:1", acr)
	assert.ErrorIs(t, err, ErrPeerUnavailable)
}

func TestCallReusesConnections(t *testing.T) {
	addr := startTestCDF(t, answerACR(t, 2001, 0))

	client, err := NewClient(testClientConfig(), zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	for i := 0; i < 3; i++ {
		acr := BuildACR(testACRConfig(), addr, "s", uint32(i+1),
			decodeEvent(t, `{"Accounting-Record-Type": 3}`), zap.NewNop())
		_, err := client.Call(context.Background(), addr, acr)
		require.NoError(t, err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Len(t, client.conns, 1)
}
