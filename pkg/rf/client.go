package rf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiorix/go-diameter/v4/diam"
	"github.com/fiorix/go-diameter/v4/diam/avp"
	"github.com/fiorix/go-diameter/v4/diam/datatype"
	"github.com/fiorix/go-diameter/v4/diam/sm"
	"go.uber.org/zap"
)

// ErrTimeout is returned when a peer does not answer within the transaction
// timeout. The sender maps it onto UNABLE_TO_DELIVER and fails over.
var ErrTimeout = errors.New("diameter transaction timed out")

// ErrPeerUnavailable is returned when a peer cannot be dialled or is
// currently blacklisted.
var ErrPeerUnavailable = errors.New("diameter peer unavailable")

// defaultDiameterPort is appended to peer names with no explicit port.
const defaultDiameterPort = "3868"

// ClientConfig configures the Diameter client.
type ClientConfig struct {
	OriginHost  string
	OriginRealm string
	ProductName string

	// MaxPeers bounds the concurrently held peer connections; the least
	// recently used connection is closed to admit a new peer.
	MaxPeers int

	// RequestTimeout is the per-transaction timeout.
	RequestTimeout time.Duration

	// BlacklistDuration is how long a peer is skipped after a dial
	// failure or transaction timeout.
	BlacklistDuration time.Duration

	// WatchdogInterval for device watchdog exchanges; zero disables.
	WatchdogInterval time.Duration
}

// Client owns the Diameter connections to the CCFs and correlates requests
// with their answers by Hop-by-Hop id. It is safe for concurrent use; many
// transactions can be in flight on one peer connection.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger
	cli    *sm.Client
	mux    *sm.StateMachine

	mu        sync.Mutex
	conns     map[string]diam.Conn
	lastUsed  map[string]time.Time
	blacklist map[string]time.Time

	pendingMu sync.Mutex
	pending   map[uint32]chan Answer
	nextHbH   uint32
}

// NewClient builds the Diameter state machine and client. No connections
// are made until the first send.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.OriginHost == "" || cfg.OriginRealm == "" {
		return nil, fmt.Errorf("diameter origin host and realm are required")
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = time.Second
	}
	if cfg.BlacklistDuration == 0 {
		cfg.BlacklistDuration = 30 * time.Second
	}
	if cfg.ProductName == "" {
		cfg.ProductName = "ralf"
	}

	settings := &sm.Settings{
		OriginHost:       datatype.DiameterIdentity(cfg.OriginHost),
		OriginRealm:      datatype.DiameterIdentity(cfg.OriginRealm),
		VendorID:         0,
		ProductName:      datatype.UTF8String(cfg.ProductName),
		OriginStateID:    datatype.Unsigned32(uint32(time.Now().Unix())),
		FirmwareRevision: 1,
	}

	mux := sm.New(settings)

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		mux:       mux,
		conns:     make(map[string]diam.Conn),
		lastUsed:  make(map[string]time.Time),
		blacklist: make(map[string]time.Time),
		pending:   make(map[uint32]chan Answer),
	}

	c.cli = &sm.Client{
		Dict:               Dictionary(),
		Handler:            mux,
		MaxRetransmits:     0,
		RetransmitInterval: time.Second,
		EnableWatchdog:     cfg.WatchdogInterval > 0,
		WatchdogInterval:   cfg.WatchdogInterval,
		AcctApplicationID: []*diam.AVP{
			diam.NewAVP(avp.AcctApplicationID, avp.Mbit, 0, datatype.Unsigned32(AcctApplicationID)),
		},
	}

	mux.HandleFunc("ACA", c.handleACA)

	go c.logMuxErrors()

	return c, nil
}

// Call sends one request to peer and waits for its answer or the
// transaction timeout. Timeouts blacklist the peer.
func (c *Client) Call(ctx context.Context, peer string, req *diam.Message) (Answer, error) {
	conn, err := c.connection(peer)
	if err != nil {
		return Answer{}, err
	}

	// Answers are matched back to their transaction by Hop-by-Hop id, so
	// it must be unique among in-flight requests.
	hbh := atomic.AddUint32(&c.nextHbH, 1)
	req.Header.HopByHopID = hbh

	ch := make(chan Answer, 1)
	c.pendingMu.Lock()
	c.pending[hbh] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, hbh)
		c.pendingMu.Unlock()
	}()

	if _, err := req.WriteTo(conn); err != nil {
		c.dropConnection(peer, conn)
		return Answer{}, fmt.Errorf("%w: %s: write: %v", ErrPeerUnavailable, peer, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case ans := <-ch:
		return ans, nil
	case <-timer.C:
		c.blacklistPeer(peer)
		return Answer{}, fmt.Errorf("%w: %s", ErrTimeout, peer)
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	}
}

// handleACA routes an incoming answer to the transaction that issued the
// request.
func (c *Client) handleACA(conn diam.Conn, m *diam.Message) {
	ans := ParseACA(m)

	c.pendingMu.Lock()
	ch, ok := c.pending[m.Header.HopByHopID]
	delete(c.pending, m.Header.HopByHopID)
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("Discarding answer for unknown transaction",
			zap.Uint32("hop_by_hop", m.Header.HopByHopID),
			zap.Uint32("result_code", ans.ResultCode),
		)
		return
	}

	ch <- ans
}

// connection returns a live connection to peer, dialling if necessary.
func (c *Client) connection(peer string) (diam.Conn, error) {
	addr := peer
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, defaultDiameterPort)
	}

	c.mu.Lock()
	if until, ok := c.blacklist[peer]; ok {
		if time.Now().Before(until) {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s blacklisted", ErrPeerUnavailable, peer)
		}
		delete(c.blacklist, peer)
	}

	if conn, ok := c.conns[peer]; ok {
		c.lastUsed[peer] = time.Now()
		c.mu.Unlock()
		return conn, nil
	}
	c.evictIfFullLocked()
	c.mu.Unlock()

	// Dial outside the lock; the CER/CEA exchange can take a while.
	conn, err := c.cli.DialNetwork("tcp", addr)
	if err != nil {
		c.blacklistPeer(peer)
		return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnavailable, peer, err)
	}

	c.logger.Info("Connected to CCF", zap.String("peer", peer))

	c.mu.Lock()
	if existing, ok := c.conns[peer]; ok {
		// Another transaction dialled concurrently; keep the first.
		c.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	c.conns[peer] = conn
	c.lastUsed[peer] = time.Now()
	c.mu.Unlock()

	return conn, nil
}

// evictIfFullLocked closes the least recently used connection when the peer
// table is at MaxPeers. Caller holds c.mu.
func (c *Client) evictIfFullLocked() {
	if c.cfg.MaxPeers <= 0 || len(c.conns) < c.cfg.MaxPeers {
		return
	}

	var oldestPeer string
	var oldest time.Time
	for peer, used := range c.lastUsed {
		if _, ok := c.conns[peer]; !ok {
			continue
		}
		if oldestPeer == "" || used.Before(oldest) {
			oldestPeer = peer
			oldest = used
		}
	}
	if oldestPeer == "" {
		return
	}

	c.logger.Info("Evicting least recently used CCF connection",
		zap.String("peer", oldestPeer),
	)
	c.conns[oldestPeer].Close()
	delete(c.conns, oldestPeer)
	delete(c.lastUsed, oldestPeer)
}

func (c *Client) dropConnection(peer string, conn diam.Conn) {
	c.mu.Lock()
	if c.conns[peer] == conn {
		delete(c.conns, peer)
		delete(c.lastUsed, peer)
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) blacklistPeer(peer string) {
	c.mu.Lock()
	c.blacklist[peer] = time.Now().Add(c.cfg.BlacklistDuration)
	if conn, ok := c.conns[peer]; ok {
		delete(c.conns, peer)
		delete(c.lastUsed, peer)
		conn.Close()
	}
	c.mu.Unlock()

	c.logger.Warn("Blacklisted CCF",
		zap.String("peer", peer),
		zap.Duration("for", c.cfg.BlacklistDuration),
	)
}

// Close tears down every peer connection.
func (c *Client) Close() {
	c.mu.Lock()
	for peer, conn := range c.conns {
		conn.Close()
		delete(c.conns, peer)
	}
	c.mu.Unlock()
}

func (c *Client) logMuxErrors() {
	for report := range c.mux.ErrorReports() {
		c.logger.Warn("Diameter stack error", zap.Error(report.Error))
	}
}
