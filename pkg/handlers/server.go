package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// Server runs the billing HTTP listener.
type Server struct {
	httpServer *http.Server
	addr       string
	maxConns   int
	logger     *zap.Logger
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":10888".
	Addr string

	// MaxConnections caps concurrently open connections; zero means
	// unlimited.
	MaxConnections int

	// ReadTimeout and WriteTimeout bound slow peers.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewServer creates a server serving handler.
func NewServer(cfg ServerConfig, handler http.Handler, logger *zap.Logger) *Server {
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 10 * time.Second
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		addr:     cfg.Addr,
		maxConns: cfg.MaxConnections,
		logger:   logger,
	}
}

// Start begins serving. It returns once the listener is bound; serving
// continues on a background goroutine until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	if s.maxConns > 0 {
		listener = netutil.LimitListener(listener, s.maxConns)
	}

	s.logger.Info("Billing HTTP server listening",
		zap.String("addr", s.addr),
		zap.Int("max_connections", s.maxConns),
	)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown stops accepting new requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Draining billing HTTP server")
	return s.httpServer.Shutdown(ctx)
}
