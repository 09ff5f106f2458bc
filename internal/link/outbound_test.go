package link

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer connects to a node over a pipe, or fails when fail is set.
type pipeDialer struct {
	ctx   context.Context
	to    *node
	fail  bool
	calls int32
}

func (d *pipeDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c1, c2 := net.Pipe()
	s := d.to.e.NewSession(c2)
	s.Start(d.ctx)
	go func() { _ = d.to.e.Serve(d.ctx, s, Inbound, nil, nil) }()
	return c1, nil
}

func (d *pipeDialer) count() int { return int(atomic.LoadInt32(&d.calls)) }

func TestBackoff(t *testing.T) {
	m := &Manager{cfg: OutboundConfig{
		ScanInterval:    time.Second,
		BackoffMax:      5 * time.Second,
		BackoffExponent: 3,
	}}

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{100, 5 * time.Second},
	}

	for _, test := range tests {
		assert.Equal(t, test.want, m.backoff(test.failures), "failures %d", test.failures)
	}
}

func TestBackoffJitter(t *testing.T) {
	m := &Manager{cfg: OutboundConfig{
		ScanInterval:    time.Second,
		BackoffMax:      5 * time.Second,
		BackoffExponent: 3,
	}}

	spread := map[time.Duration]struct{}{}
	for i := 0; i < 100; i++ {
		d := m.jittered(m.backoff(2))
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 2400*time.Millisecond)
		spread[d] = struct{}{}

		assert.Equal(t, 5*time.Second, m.jittered(m.backoff(10)), "capped")
	}
	assert.Greater(t, len(spread), 1)
}

func TestManagerWarnsAtFailureLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(t, "00A", "00B")
	b := newNode(t, "00B", "00A")

	log := testLogger()
	hook := logtest.NewLocal(log.Logger)
	m := NewManager(a.e, OutboundConfig{ScanInterval: time.Hour, FailureLimit: 2}, log)
	m.dialer = &pipeDialer{ctx: ctx, to: b, fail: true}

	warnings := func() int {
		n := 0
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "times in a row") {
				n++
			}
		}
		return n
	}

	for i := 1; i <= 3; i++ {
		require.True(t, m.Connect(ctx, b.name))
		require.Eventually(t, func() bool { return m.Failures(b.name) == i }, waitFor, tick)
		m.wg.Wait()
		if i < 2 {
			assert.Equal(t, 0, warnings())
		}
	}
	assert.Equal(t, 1, warnings(), "reported once when the limit is reached")
	assert.Equal(t, float64(3), testutil.ToFloat64(a.e.metrics.PeerFailures.WithLabelValues(b.name)))
}

func TestManagerSetConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(t, "00A", "00B")
	b := newNode(t, "00B", "00A")

	m := NewManager(a.e, OutboundConfig{ScanInterval: time.Hour}, testLogger())
	d := &pipeDialer{ctx: ctx, to: b, fail: true}
	m.dialer = d

	m.SetConfig(OutboundConfig{ScanInterval: 20 * time.Millisecond, FailureLimit: 3})
	cfg := m.Config()
	assert.Equal(t, 20*time.Millisecond, cfg.ScanInterval)
	assert.Equal(t, 3, cfg.FailureLimit)
	assert.Equal(t, 5*time.Minute, cfg.BackoffMax, "defaults filled in")
	assert.Same(t, d, m.dialer, "an injected dialer is kept")

	go func() { _ = m.Run(ctx) }()
	require.Eventually(t, func() bool { return d.count() >= 3 }, waitFor, tick,
		"retries at the new interval")
}

func TestManagerLinks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(t, "00A", "00B")
	b := newNode(t, "00B", "00A")

	m := NewManager(a.e, OutboundConfig{ScanInterval: time.Hour}, testLogger())
	d := &pipeDialer{ctx: ctx, to: b}
	m.dialer = d

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return synced(a, b.sid) && synced(b, a.sid)
	}, waitFor, tick)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, 0, m.Failures(b.name))

	assert.False(t, m.Connect(ctx, b.name), "already linked")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("manager did not stop")
	}
}

func TestManagerBacksOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(t, "00A", "00B")
	b := newNode(t, "00B", "00A")

	m := NewManager(a.e, OutboundConfig{
		ScanInterval:    time.Second,
		BackoffMax:      time.Minute,
		BackoffExponent: 4,
	}, testLogger())
	d := &pipeDialer{ctx: ctx, to: b, fail: true}
	m.dialer = d

	var clock atomic.Int64
	clock.Store(time.Unix(1000, 0).UnixNano())
	m.now = func() time.Time { return time.Unix(0, clock.Load()) }

	m.scan(ctx)
	require.Eventually(t, func() bool { return m.Failures(b.name) == 1 }, waitFor, tick)

	m.scan(ctx)
	assert.Equal(t, 1, d.count(), "still backing off")

	// Delays carry up to a fifth again of jitter.
	clock.Add(int64(1200 * time.Millisecond))
	m.scan(ctx)
	require.Eventually(t, func() bool { return m.Failures(b.name) == 2 }, waitFor, tick)

	clock.Add(int64(1200 * time.Millisecond))
	m.scan(ctx)
	assert.Equal(t, 2, d.count(), "second failure doubles the delay")

	require.True(t, m.Connect(ctx, b.name), "connect ignores backoff")
	require.Eventually(t, func() bool { return m.Failures(b.name) == 3 }, waitFor, tick)
	m.wg.Wait()
}

func TestAcceptor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(t, "00A", "00B")
	b := newNode(t, "00B", "00A")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	p, ok := a.e.Peer(b.name)
	require.True(t, ok)
	p.Port = port
	p.Host = "127.0.0.1"
	a.e.SetPeers([]Peer{p})
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(port), p.Address())

	acceptor := NewAcceptor(b.e, ln, testLogger())
	done := make(chan error, 1)
	go func() { done <- acceptor.Run(ctx) }()

	m := NewManager(a.e, OutboundConfig{ScanInterval: time.Hour}, testLogger())
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return synced(a, b.sid) && synced(b, a.sid)
	}, waitFor, tick)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("acceptor did not stop")
	}
}
