package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/horgh/meshcat/internal/link"
	"github.com/horgh/meshcat/internal/msgcache"
	"github.com/horgh/meshcat/internal/policy"
	"github.com/horgh/meshcat/internal/route"
	"github.com/horgh/meshcat/internal/state"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Meshcat holds the state for this local server.
// I put everything global to a server in an instance of struct rather than
// have global variables.
type Meshcat struct {
	ConfigFile string

	// configMu guards Config, which a rehash replaces.
	configMu sync.RWMutex
	Config   *Config

	log *logrus.Entry

	state    *state.State
	router   *route.Router
	seen     *msgcache.Cache
	bans     policy.BanStore
	engine   *link.Engine
	manager  *link.Manager
	registry *prometheus.Registry

	// Client id to LocalClient, registered or not.
	clientsMu sync.Mutex
	clients   map[uint64]*LocalClient

	// Next client ID to issue. This turns into TS6 ID which gets concatenated
	// with our SID to make the TS6 UID.
	nextClientID atomic.Uint64

	// shutdown stops the server. DIE uses it.
	shutdown context.CancelFunc
}

func main() {
	if err := newRootCommand(run).Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func run(args Args) error {
	cfg, err := checkAndParseConfig(args.ConfigFile)
	if err != nil {
		return errors.Wrap(err, "configuration problem")
	}

	m, err := newMeshcat(cfg, args.ConfigFile)
	if err != nil {
		return err
	}

	if err := m.start(context.Background()); err != nil {
		return err
	}

	m.log.Infof("Server shutdown cleanly.")
	return nil
}

func newLogger(cfg *Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func newMeshcat(cfg *Config, configFile string) (*Meshcat, error) {
	log := newLogger(cfg).WithField("server", cfg.ServerName)

	var bans policy.BanStore = policy.NewMemoryStore()
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rs, err := policy.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "unable to connect to redis")
		}
		bans = rs
	}

	st := state.New(state.Server{
		SID:         cfg.TS6SID,
		Name:        cfg.ServerName,
		Description: cfg.ServerInfo,
	})
	router := route.New(st)
	seen := msgcache.New(cfg.MsgIDCacheTTL, cfg.MsgIDCacheSize)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	promauto.With(registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "meshcat_local_users",
		Help: "Number of registered local users.",
	}, func() float64 { return float64(router.Len()) })
	promauto.With(registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "meshcat_network_users",
		Help: "Number of users on the network.",
	}, func() float64 { return float64(st.Counts().Users) })
	promauto.With(registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "meshcat_msgid_cache_entries",
		Help: "Number of message ids remembered for loop prevention.",
	}, func() float64 { return float64(seen.Len()) })

	engine := link.NewEngine(link.Config{
		SID:              cfg.TS6SID,
		Name:             cfg.ServerName,
		Description:      cfg.ServerInfo,
		HandshakeTimeout: cfg.LinkHandshakeTimeout,
		PingTime:         cfg.PingTime,
		DeadTime:         cfg.DeadTime,
		SendQueueSize:    cfg.LinkSendQueueSize,
	}, st, router, seen, bans, link.NewMetrics(registry), log.WithField("component", "link"))
	engine.SetPeers(cfg.Peers)

	manager := link.NewManager(engine, outboundConfig(cfg), log.WithField("component", "outbound"))

	return &Meshcat{
		ConfigFile: configFile,
		Config:     cfg,
		log:        log,
		state:      st,
		router:     router,
		seen:       seen,
		bans:       bans,
		engine:     engine,
		manager:    manager,
		registry:   registry,
		clients:    map[uint64]*LocalClient{},
	}, nil
}

func outboundConfig(cfg *Config) link.OutboundConfig {
	return link.OutboundConfig{
		ScanInterval:    cfg.LinkScanInterval,
		BackoffMax:      cfg.LinkBackoffMax,
		BackoffExponent: cfg.LinkBackoffExponent,
		FailureLimit:    cfg.LinkFailureLimit,
	}
}

// config returns the current configuration.
func (m *Meshcat) config() *Config {
	m.configMu.RLock()
	defer m.configMu.RUnlock()
	return m.Config
}

// start opens our listeners and runs until a signal or DIE stops us.
func (m *Meshcat) start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	m.shutdown = cancel

	cfg := m.config()

	// Catch signals before anyone can see us listening. Until then SIGHUP
	// would kill us.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	clientListener, err := net.Listen("tcp", net.JoinHostPort(cfg.ListenHost, cfg.ListenPort))
	if err != nil {
		return errors.Wrap(err, "unable to listen")
	}
	linkListener, err := net.Listen("tcp", net.JoinHostPort(cfg.ListenHost, cfg.LinkListenPort))
	if err != nil {
		_ = clientListener.Close()
		return errors.Wrap(err, "unable to listen for links")
	}

	m.log.Infof("Listening for clients on %s and servers on %s.", clientListener.Addr(),
		linkListener.Addr())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.acceptConnections(ctx, clientListener) })
	g.Go(func() error {
		return link.NewAcceptor(m.engine, linkListener, m.log.WithField("component", "acceptor")).
			Run(ctx)
	})
	g.Go(func() error { return m.engine.Run(ctx) })
	g.Go(func() error { return m.manager.Run(ctx) })
	g.Go(func() error { return m.handleSignals(ctx, sigCh, cancel) })
	if cfg.MetricsListen != "" {
		g.Go(func() error { return m.serveMetrics(ctx, cfg.MetricsListen) })
	}

	<-ctx.Done()
	m.log.Infof("Shutting down.")
	m.closeClients("Server shutting down")
	m.engine.Close("Server shutting down")

	err = g.Wait()
	if closer, ok := m.bans.(*policy.RedisStore); ok {
		if cerr := closer.Close(); cerr != nil {
			m.log.Warnf("Problem closing redis: %s", cerr)
		}
	}
	if err != nil && errors.Cause(err) != context.Canceled {
		return err
	}
	return nil
}

// handleSignals rehashes on SIGHUP and stops the server on SIGINT or
// SIGTERM.
func (m *Meshcat) handleSignals(ctx context.Context, sigCh <-chan os.Signal,
	stop context.CancelFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := m.rehash(); err != nil {
					m.log.Errorf("Rehash failed: %s", err)
				}
				continue
			}
			m.log.Infof("Received signal %v, shutting down.", sig)
			stop()
			return nil
		}
	}
}

// rehash reloads the configuration. Opers, peers, link tunables, the
// message id cache bounds and the log level take effect at once. Listeners
// and the server's identity stay as they are.
func (m *Meshcat) rehash() error {
	cfg, err := checkAndParseConfig(m.ConfigFile)
	if err != nil {
		return err
	}

	m.configMu.Lock()
	old := m.Config
	cfg.ListenHost = old.ListenHost
	cfg.ListenPort = old.ListenPort
	cfg.LinkListenPort = old.LinkListenPort
	cfg.ServerName = old.ServerName
	cfg.TS6SID = old.TS6SID
	m.Config = cfg
	m.configMu.Unlock()

	m.engine.SetPeers(cfg.Peers)
	m.engine.SetHandshakeTimeout(cfg.LinkHandshakeTimeout)
	m.manager.SetConfig(outboundConfig(cfg))
	m.seen.SetLimits(cfg.MsgIDCacheTTL, cfg.MsgIDCacheSize)
	m.log.Logger.SetLevel(cfg.LogLevel)
	m.log.Infof("Rehashed: %d opers, %d peers.", len(cfg.Opers), len(cfg.Peers))
	return nil
}

func (m *Meshcat) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	m.log.Infof("Serving metrics on %s.", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}

// acceptConnections accepts TCP connections and starts a goroutine serving
// each.
func (m *Meshcat) acceptConnections(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				m.log.Warnf("Temporary problem accepting client: %s", err)
				continue
			}
			return errors.Wrap(err, "error accepting connection")
		}

		id := m.nextClientID.Add(1) - 1
		c := NewLocalClient(m, id, conn)

		m.clientsMu.Lock()
		m.clients[id] = c
		m.clientsMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.serve(ctx)

			m.clientsMu.Lock()
			delete(m.clients, id)
			m.clientsMu.Unlock()
		}()
	}
}

// closeClients tells every client we're going away.
func (m *Meshcat) closeClients(reason string) {
	m.clientsMu.Lock()
	clients := make([]*LocalClient, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clientsMu.Unlock()

	for _, c := range clients {
		c.Disconnect(reason)
	}
}

// noticeOpers sends a server notice to local operators.
func (m *Meshcat) noticeOpers(msg string) {
	m.log.Info(msg)
	m.router.ToOpers(m.serverMessage("NOTICE", "*", "*** Notice --- "+msg))
}
