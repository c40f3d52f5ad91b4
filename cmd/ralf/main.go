package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/Metaswitch/ralf/pkg/chronos"
	"github.com/Metaswitch/ralf/pkg/handlers"
	"github.com/Metaswitch/ralf/pkg/health"
	"github.com/Metaswitch/ralf/pkg/kv"
	"github.com/Metaswitch/ralf/pkg/loadmonitor"
	"github.com/Metaswitch/ralf/pkg/metrics"
	"github.com/Metaswitch/ralf/pkg/rf"
	"github.com/Metaswitch/ralf/pkg/sessionmgr"
	"github.com/Metaswitch/ralf/pkg/sessionstore"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ralf",
	Short: "Rf offline charging gateway",
	Long: `ralf - IMS offline charging gateway

Converts JSON charging events from the signalling layer into Diameter Rf
Accounting-Requests, maintaining per-call sessions in a replicated store and
driving recurring interim timers so long-lived calls stay billable.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the charging gateway",
	RunE:  runRalf,
}

var (
	configFile string
	logLevel   string
	pidFile    string

	// HTTP configuration
	httpAddr     string
	metricsAddr  string
	maxHTTPConns int

	// Session store configuration
	sessionStores string
	localSiteName string

	// Diameter configuration
	billingRealm      string
	billingPeer       string
	originHost        string
	originRealm       string
	maxPeers          int
	diameterTimeoutMs int
	diameterBlacklist time.Duration
	watchdogInterval  time.Duration

	// Load monitor configuration
	targetLatencyUs int
	maxTokens       int
	initTokenRate   float64
	minTokenRate    float64
	maxTokenRate    float64

	// Peer blacklist configuration
	httpBlacklist    time.Duration
	astaireBlacklist time.Duration

	// Timer service configuration
	chronosHostname        string
	ralfChronosCallbackURI string
	ralfHostname           string

	// Diagnostics
	httpACRLogging bool
)

func init() {
	flags := runCmd.Flags()

	flags.StringVarP(&configFile, "config", "c", "", "YAML config file; flags take precedence")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&pidFile, "pidfile", "", "Write and lock a pidfile at this path")

	flags.StringVar(&httpAddr, "http-address", ":10888", "Billing HTTP listen address")
	flags.StringVar(&metricsAddr, "metrics-address", ":9092", "Prometheus metrics listen address")
	flags.IntVar(&maxHTTPConns, "max-http-connections", 0, "Cap on open billing HTTP connections (0 = unlimited)")

	flags.StringVar(&sessionStores, "session-stores", "", "Session stores as <site>=<domain>[,<site>=<domain>...]")
	flags.StringVar(&localSiteName, "local-site-name", "", "Site name identifying the local session store")

	flags.StringVar(&billingRealm, "billing-realm", "", "Diameter Destination-Realm on every ACR")
	flags.StringVar(&billingPeer, "billing-peer", "", "Fallback CCF when a message carries no peers")
	flags.StringVar(&originHost, "origin-host", "", "Diameter Origin-Host (default: ralf hostname)")
	flags.StringVar(&originRealm, "origin-realm", "", "Diameter Origin-Realm (default: billing realm)")
	flags.IntVar(&maxPeers, "max-peers", 16, "Upper bound on Diameter peer connections")
	flags.IntVar(&diameterTimeoutMs, "diameter-timeout-ms", 0, "Per-ACR timeout in ms (default: derived from target latency)")
	flags.DurationVar(&diameterBlacklist, "diameter-blacklist-duration", 30*time.Second, "How long to skip a failed CCF")
	flags.DurationVar(&watchdogInterval, "diameter-watchdog-interval", 10*time.Second, "Device watchdog interval (0 disables)")

	flags.IntVar(&targetLatencyUs, "target-latency-us", 100000, "Load monitor latency target in microseconds")
	flags.IntVar(&maxTokens, "max-tokens", 1000, "Token bucket depth")
	flags.Float64Var(&initTokenRate, "init-token-rate", 100, "Initial admitted requests per second")
	flags.Float64Var(&minTokenRate, "min-token-rate", 10, "Lower bound on admitted requests per second")
	flags.Float64Var(&maxTokenRate, "max-token-rate", 0, "Upper bound on admitted requests per second (0 = unbounded)")

	flags.DurationVar(&httpBlacklist, "http-blacklist-duration", 30*time.Second, "How long to back off a failing timer service")
	flags.DurationVar(&astaireBlacklist, "astaire-blacklist-duration", 30*time.Second, "How long to take a failing session store out of rotation")

	flags.StringVar(&chronosHostname, "chronos-hostname", "localhost:7253", "Timer service address")
	flags.StringVar(&ralfChronosCallbackURI, "ralf-chronos-callback-uri", "", "Host the timer service calls back on (default: ralf hostname)")
	flags.StringVar(&ralfHostname, "ralf-hostname", "", "This node's public hostname (default: os hostname)")

	flags.BoolVar(&httpACRLogging, "http-acr-logging", false, "Include HTTP bodies in ACR processing logs")

	rootCmd.AddCommand(runCmd)
}

// fileConfig mirrors the flags that make sense to pin in a config file.
type fileConfig struct {
	LogLevel      string  `yaml:"log-level"`
	HTTPAddress   string  `yaml:"http-address"`
	MetricsAddr   string  `yaml:"metrics-address"`
	SessionStores string  `yaml:"session-stores"`
	LocalSiteName string  `yaml:"local-site-name"`
	BillingRealm  string  `yaml:"billing-realm"`
	BillingPeer   string  `yaml:"billing-peer"`
	OriginHost    string  `yaml:"origin-host"`
	OriginRealm   string  `yaml:"origin-realm"`
	MaxPeers      int     `yaml:"max-peers"`
	DiameterMs    int     `yaml:"diameter-timeout-ms"`
	TargetLatency int     `yaml:"target-latency-us"`
	MaxTokens     int     `yaml:"max-tokens"`
	InitTokenRate float64 `yaml:"init-token-rate"`
	MinTokenRate  float64 `yaml:"min-token-rate"`
	MaxTokenRate  float64 `yaml:"max-token-rate"`
	Chronos       string  `yaml:"chronos-hostname"`
	CallbackURI   string  `yaml:"ralf-chronos-callback-uri"`
	RalfHostname  string  `yaml:"ralf-hostname"`
	ACRLogging    bool    `yaml:"http-acr-logging"`
}

// applyConfigFile folds file values under unchanged flags.
func applyConfigFile(cmd *cobra.Command) error {
	if configFile == "" {
		return nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	set := func(flag string, apply func()) {
		if !cmd.Flags().Changed(flag) {
			apply()
		}
	}

	set("log-level", func() {
		if cfg.LogLevel != "" {
			logLevel = cfg.LogLevel
		}
	})
	set("http-address", func() {
		if cfg.HTTPAddress != "" {
			httpAddr = cfg.HTTPAddress
		}
	})
	set("metrics-address", func() {
		if cfg.MetricsAddr != "" {
			metricsAddr = cfg.MetricsAddr
		}
	})
	set("session-stores", func() {
		if cfg.SessionStores != "" {
			sessionStores = cfg.SessionStores
		}
	})
	set("local-site-name", func() {
		if cfg.LocalSiteName != "" {
			localSiteName = cfg.LocalSiteName
		}
	})
	set("billing-realm", func() {
		if cfg.BillingRealm != "" {
			billingRealm = cfg.BillingRealm
		}
	})
	set("billing-peer", func() {
		if cfg.BillingPeer != "" {
			billingPeer = cfg.BillingPeer
		}
	})
	set("origin-host", func() {
		if cfg.OriginHost != "" {
			originHost = cfg.OriginHost
		}
	})
	set("origin-realm", func() {
		if cfg.OriginRealm != "" {
			originRealm = cfg.OriginRealm
		}
	})
	set("max-peers", func() {
		if cfg.MaxPeers != 0 {
			maxPeers = cfg.MaxPeers
		}
	})
	set("diameter-timeout-ms", func() {
		if cfg.DiameterMs != 0 {
			diameterTimeoutMs = cfg.DiameterMs
		}
	})
	set("target-latency-us", func() {
		if cfg.TargetLatency != 0 {
			targetLatencyUs = cfg.TargetLatency
		}
	})
	set("max-tokens", func() {
		if cfg.MaxTokens != 0 {
			maxTokens = cfg.MaxTokens
		}
	})
	set("init-token-rate", func() {
		if cfg.InitTokenRate != 0 {
			initTokenRate = cfg.InitTokenRate
		}
	})
	set("min-token-rate", func() {
		if cfg.MinTokenRate != 0 {
			minTokenRate = cfg.MinTokenRate
		}
	})
	set("max-token-rate", func() {
		if cfg.MaxTokenRate != 0 {
			maxTokenRate = cfg.MaxTokenRate
		}
	})
	set("chronos-hostname", func() {
		if cfg.Chronos != "" {
			chronosHostname = cfg.Chronos
		}
	})
	set("ralf-chronos-callback-uri", func() {
		if cfg.CallbackURI != "" {
			ralfChronosCallbackURI = cfg.CallbackURI
		}
	})
	set("ralf-hostname", func() {
		if cfg.RalfHostname != "" {
			ralfHostname = cfg.RalfHostname
		}
	})
	set("http-acr-logging", func() {
		if cfg.ACRLogging {
			httpACRLogging = true
		}
	})

	return nil
}

func buildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// parseSessionStores splits "<site>=<domain>,..." and selects the local
// site. Declaration order of the remaining sites is preserved.
func parseSessionStores(spec, localSite string) (local string, remotes []string, err error) {
	if spec == "" {
		return "", nil, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		site, domain, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || site == "" || domain == "" {
			return "", nil, fmt.Errorf("malformed session store entry %q", entry)
		}
		if site == localSite {
			local = domain
		} else {
			remotes = append(remotes, domain)
		}
	}

	if local == "" {
		return "", nil, fmt.Errorf("no session store configured for local site %q", localSite)
	}
	return local, remotes, nil
}

func writePidFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("lock pidfile: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return func() { os.Remove(path) }, nil
}

func runRalf(cmd *cobra.Command, _ []string) error {
	if err := applyConfigFile(cmd); err != nil {
		return err
	}

	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting ralf",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	if pidFile != "" {
		release, err := writePidFile(pidFile)
		if err != nil {
			return err
		}
		defer release()
	}

	hostname := ralfHostname
	if hostname == "" {
		if hostname, err = os.Hostname(); err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
	}
	if originHost == "" {
		originHost = hostname
	}
	if originRealm == "" {
		originRealm = billingRealm
	}
	if billingRealm == "" {
		return fmt.Errorf("--billing-realm is required")
	}
	callbackHost := ralfChronosCallbackURI
	if callbackHost == "" {
		callbackHost = hostname
	}

	// Metrics first so everything below can be instrumented.
	stats := metrics.New(logger)
	if metricsAddr != "" {
		if err := stats.Serve(metricsAddr); err != nil {
			return err
		}
	}

	checker := health.NewChecker(30*time.Second, logger)
	checker.Start()

	loadCfg := loadmonitor.Config{
		TargetLatency: time.Duration(targetLatencyUs) * time.Microsecond,
		MaxTokens:     maxTokens,
		InitTokenRate: initTokenRate,
		MinTokenRate:  minTokenRate,
		MaxTokenRate:  maxTokenRate,
	}
	load := loadmonitor.New(loadCfg, logger)
	load.Start()

	// Session stores: the local site plus best-effort remote replicas.
	localStore, remoteStores, closeStores, err := buildStores(stats, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	// Diameter stack.
	timeout := time.Duration(diameterTimeoutMs) * time.Millisecond
	if timeout == 0 {
		// Derived from the load monitor's target when not set explicitly.
		timeout = time.Duration(targetLatencyUs) * time.Microsecond
		if timeout < 200*time.Millisecond {
			timeout = 200 * time.Millisecond
		}
	}

	diamClient, err := rf.NewClient(rf.ClientConfig{
		OriginHost:        originHost,
		OriginRealm:       originRealm,
		MaxPeers:          maxPeers,
		RequestTimeout:    timeout,
		BlacklistDuration: diameterBlacklist,
		WatchdogInterval:  watchdogInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("diameter init: %w", err)
	}
	defer diamClient.Close()

	cdfMonitor := health.NewCommMonitor("cdf", 3, stats.CommGauge("cdf"), logger)
	acrSender := rf.NewSender(diamClient, rf.ACRConfig{
		OriginHost:       originHost,
		OriginRealm:      originRealm,
		DestinationRealm: billingRealm,
	}, billingPeer, failoverObserver{stats: stats}, logger)

	// Timer service.
	chronosMonitor := health.NewCommMonitor("chronos", 3, stats.CommGauge("chronos"), logger)
	timerClient := chronos.NewClient(chronos.Config{
		Host:         chronosHostname,
		CallbackHost: callbackHost,
	}, logger)
	timers := &instrumentedTimers{
		inner:    timerClient,
		stats:    stats,
		comm:     chronosMonitor,
		cooldown: httpBlacklist,
	}

	mgr := sessionmgr.New(localStore, remoteStores,
		&senderAdapter{sender: acrSender, stats: stats, cdf: cdfMonitor, health: checker},
		timers, checker, sessionmgr.Config{}, logger)

	// HTTP last: once the listener is up we are in service.
	billing := handlers.NewBillingHandler(mgr, load, stats,
		handlers.Config{LogACRBodies: httpACRLogging}, logger)
	mux := http.NewServeMux()
	billing.Register(mux)

	httpServer := handlers.NewServer(handlers.ServerConfig{
		Addr:           httpAddr,
		MaxConnections: maxHTTPConns,
	}, mux, logger)
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	logger.Info("ralf started",
		zap.String("http", httpAddr),
		zap.String("billing_realm", billingRealm),
		zap.String("chronos", chronosHostname),
	)

	// Wait for a termination signal, then drain: stop accepting HTTP,
	// finish in-flight requests, then take down the Diameter stack and
	// the rest in reverse start order.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP drain incomplete", zap.Error(err))
	}
	diamClient.Close()
	load.Stop()
	checker.Stop()
	stats.Shutdown(shutdownCtx)

	logger.Info("ralf stopped")
	return nil
}

// buildStores creates the local session store and the remote replicas from
// the --session-stores declaration. With no declaration at all it falls
// back to a process-local store, which only makes sense for development.
func buildStores(stats *metrics.Metrics, logger *zap.Logger) (*sessionstore.Store, []*sessionstore.Store, func(), error) {
	if sessionStores == "" {
		logger.Warn("No --session-stores configured; using an in-memory session store")
		backend := kv.Instrument(kv.NewInMemory("local"), stats)
		return sessionstore.NewStore(backend, logger), nil, func() {}, nil
	}

	if localSiteName == "" {
		return nil, nil, nil, fmt.Errorf("--local-site-name is required with --session-stores")
	}

	localDomain, remoteDomains, err := parseSessionStores(sessionStores, localSiteName)
	if err != nil {
		return nil, nil, nil, err
	}

	var closers []*kv.Memcached

	newStore := func(name, domain string) *sessionstore.Store {
		mc := kv.NewMemcached(kv.MemcachedConfig{
			Name:    name,
			Servers: []string{domain},
		}, logger)
		closers = append(closers, mc)

		backend := kv.Blacklist(mc, 3, astaireBlacklist)
		return sessionstore.NewStore(kv.Instrument(backend, stats), logger)
	}

	local := newStore(localSiteName, localDomain)
	var remotes []*sessionstore.Store
	for i, domain := range remoteDomains {
		remotes = append(remotes, newStore("remote-"+strconv.Itoa(i), domain))
	}

	closeAll := func() {
		for _, mc := range closers {
			mc.Close()
		}
	}
	return local, remotes, closeAll, nil
}
