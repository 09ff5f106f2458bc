package link

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// OutboundConfig controls how we dial peers.
type OutboundConfig struct {
	// ScanInterval is how often we look for peers to dial. It is also the
	// first retry delay.
	ScanInterval time.Duration

	// BackoffMax caps the retry delay.
	BackoffMax time.Duration

	// BackoffExponent caps how many times the delay doubles.
	BackoffExponent int

	// FailureLimit is how many failures in a row we log at warning level
	// before a peer is reported as failing.
	FailureLimit int

	DialTimeout time.Duration
}

// Dialer opens connections. *net.Dialer is one.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type peerAttempts struct {
	inFlight bool
	failures int
	next     time.Time
}

// Manager keeps links up to the peers we dial.
type Manager struct {
	e      *Engine
	cfg    OutboundConfig
	dialer Dialer
	log    *logrus.Entry
	now    func() time.Time

	mu       sync.Mutex
	attempts map[string]*peerAttempts
	wg       sync.WaitGroup
}

func (c OutboundConfig) withDefaults() OutboundConfig {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 10 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// NewManager creates a Manager.
func NewManager(e *Engine, cfg OutboundConfig, log *logrus.Entry) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		e:        e,
		cfg:      cfg,
		dialer:   &net.Dialer{Timeout: cfg.DialTimeout},
		log:      log,
		now:      time.Now,
		attempts: map[string]*peerAttempts{},
	}
}

// SetConfig replaces the dialing settings. Delays already scheduled stand.
// A new scan interval applies from the next scan.
func (m *Manager) SetConfig(cfg OutboundConfig) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg = cfg
	if _, ok := m.dialer.(*net.Dialer); ok {
		m.dialer = &net.Dialer{Timeout: cfg.DialTimeout}
	}
	m.mu.Unlock()
}

// Config returns the dialing settings in use.
func (m *Manager) Config() OutboundConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Run scans for peers to dial until the context is done, then waits for
// attempts in flight.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.Config().ScanInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer m.wg.Wait()

	m.scan(ctx)
	for {
		select {
		case <-ticker.C:
			m.scan(ctx)
			if next := m.Config().ScanInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Connect dials a peer now, ignoring backoff. It is for the CONNECT
// command.
func (m *Manager) Connect(ctx context.Context, name string) bool {
	p, ok := m.e.Peer(name)
	if !ok || m.e.IsLinked(p.SID, p.Name) {
		return false
	}
	return m.start(ctx, p, true)
}

func (m *Manager) scan(ctx context.Context) {
	for _, p := range m.e.Peers() {
		if !p.Outbound || m.e.IsLinked(p.SID, p.Name) {
			continue
		}
		m.start(ctx, p, false)
	}
}

// start launches an attempt unless one is in flight or, without force,
// the peer is backing off.
func (m *Manager) start(ctx context.Context, p Peer, force bool) bool {
	m.mu.Lock()
	a, ok := m.attempts[p.Name]
	if !ok {
		a = &peerAttempts{}
		m.attempts[p.Name] = a
	}
	if a.inFlight || (!force && m.now().Before(a.next)) {
		m.mu.Unlock()
		return false
	}
	a.inFlight = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.attempt(ctx, p)
	}()
	return true
}

func (m *Manager) attempt(ctx context.Context, p Peer) {
	log := m.log.WithField("peer", p.Name)
	log.Debugf("Connecting to %s (%s)", p.Name, p.Address())

	m.mu.Lock()
	dialer := m.dialer
	m.mu.Unlock()

	conn, err := dialer.DialContext(ctx, "tcp", p.Address())
	if err != nil {
		log.Warnf("Unable to connect to %s: %s", p.Name, err)
		m.failed(p)
		return
	}

	sess := m.e.NewSession(conn)
	sess.Start(ctx)

	established := false
	err = m.e.Serve(ctx, sess, Outbound, &p, func() {
		established = true
		m.succeeded(p)
	})
	if err != nil || !established {
		m.failed(p)
		return
	}

	m.mu.Lock()
	m.attempts[p.Name].inFlight = false
	m.mu.Unlock()
}

func (m *Manager) succeeded(p Peer) {
	m.mu.Lock()
	a := m.attempts[p.Name]
	a.failures = 0
	a.next = time.Time{}
	m.mu.Unlock()

	m.e.metrics.PeerFailures.WithLabelValues(p.Name).Set(0)
}

// failed records a failure and pushes the next attempt back, doubling the
// delay each time up to the caps.
func (m *Manager) failed(p Peer) {
	m.mu.Lock()
	a := m.attempts[p.Name]
	a.inFlight = false
	a.failures++
	failures := a.failures
	delay := m.jittered(m.backoff(failures))
	a.next = m.now().Add(delay)
	limit := m.cfg.FailureLimit
	m.mu.Unlock()

	m.e.metrics.DialFailures.WithLabelValues(p.Name).Inc()
	m.e.metrics.PeerFailures.WithLabelValues(p.Name).Set(float64(failures))

	if limit > 0 && failures == limit {
		m.log.Warnf("Link to %s has failed %d times in a row. Still retrying.",
			p.Name, failures)
	}
	m.log.Debugf("Next attempt to %s in %s.", p.Name, delay)
}

// jittered adds up to a fifth of d so peers that failed together do not
// all retry together. The result stays within BackoffMax. Call with mu held.
func (m *Manager) jittered(d time.Duration) time.Duration {
	d += time.Duration(rand.Int63n(int64(d)/5 + 1))
	if d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	return d
}

// backoff is the delay before retrying after failures in a row. Call with
// mu held.
func (m *Manager) backoff(failures int) time.Duration {
	shift := failures - 1
	if shift < 0 {
		shift = 0
	}
	if shift > m.cfg.BackoffExponent {
		shift = m.cfg.BackoffExponent
	}
	if shift > 30 {
		shift = 30
	}
	delay := m.cfg.ScanInterval << uint(shift)
	if delay > m.cfg.BackoffMax || delay <= 0 {
		delay = m.cfg.BackoffMax
	}
	return delay
}

// Failures reports a peer's consecutive failures.
func (m *Manager) Failures(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[name]; ok {
		return a.failures
	}
	return 0
}
