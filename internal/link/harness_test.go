package link

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/horgh/irc"
	"github.com/horgh/meshcat/internal/msgcache"
	"github.com/horgh/meshcat/internal/policy"
	"github.com/horgh/meshcat/internal/route"
	"github.com/horgh/meshcat/internal/state"
	"github.com/horgh/meshcat/internal/ts6"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type testSink struct {
	mu       sync.Mutex
	messages []irc.Message
	reason   string
}

func (s *testSink) Deliver(m irc.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return true
}

func (s *testSink) Disconnect(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason = reason
}

func (s *testSink) count(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Command == command {
			n++
		}
	}
	return n
}

func (s *testSink) disconnected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

type node struct {
	sid    ts6.SID
	name   string
	st     *state.State
	router *route.Router
	bans   *policy.MemoryStore
	e      *Engine
	nextID uint64
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func nameOf(sid ts6.SID) string { return "s" + string(sid) + ".test" }

// newNode creates a server that will link with the given servers using
// password "pw".
func newNode(t *testing.T, sid ts6.SID, peers ...ts6.SID) *node {
	t.Helper()

	st := state.New(state.Server{SID: sid, Name: nameOf(sid), Description: "test server"})
	router := route.New(st)
	bans := policy.NewMemoryStore()
	e := NewEngine(Config{
		SID:              sid,
		Name:             nameOf(sid),
		Description:      "test server",
		HandshakeTimeout: 2 * time.Second,
	}, st, router, msgcache.New(time.Minute, 10000), bans,
		NewMetrics(prometheus.NewRegistry()), testLogger())

	var ps []Peer
	for _, p := range peers {
		ps = append(ps, Peer{
			Name:     nameOf(p),
			SID:      p,
			Host:     "127.0.0.1",
			Password: "pw",
			Outbound: true,
			UserSync: true,
		})
	}
	e.SetPeers(ps)

	return &node{sid: sid, name: nameOf(sid), st: st, router: router, bans: bans, e: e}
}

// addUser registers a local user and announces it.
func (n *node) addUser(t *testing.T, nick string, ts int64) (state.User, *testSink) {
	t.Helper()

	n.nextID++
	uid, err := ts6.MakeUID(n.sid, n.nextID)
	require.NoError(t, err)

	u := state.User{
		UID:      uid,
		Nick:     nick,
		Username: "u" + nick,
		Host:     "host." + nick,
		IP:       "192.0.2.1",
		RealName: "Real " + nick,
		NickTS:   ts,
	}
	require.Equal(t, state.OK, n.st.AddUser(u))
	sink := &testSink{}
	n.router.Register(uid, sink)

	u, _ = n.st.User(uid)
	n.e.LocalUser(u)
	return u, sink
}

func (n *node) join(t *testing.T, u state.User, channel string) {
	t.Helper()
	j := n.st.TryJoinChannel(u.UID, channel, time.Now().Unix(), true)
	require.Equal(t, state.OK, j.Outcome)
	n.e.LocalJoin(u.UID, j)
}

type serveResult struct {
	outbound chan error
	inbound  chan error
}

// connect links from (dialing) to to over a pipe and returns once both
// sides have the link.
func connect(ctx context.Context, t *testing.T, from, to *node) {
	t.Helper()
	dial(ctx, t, from, to)
	require.Eventually(t, func() bool {
		return from.e.IsLinked(to.sid, to.name) && to.e.IsLinked(from.sid, from.name)
	}, waitFor, tick)
}

func dial(ctx context.Context, t *testing.T, from, to *node) serveResult {
	t.Helper()

	c1, c2 := net.Pipe()
	s1 := from.e.NewSession(c1)
	s1.Start(ctx)
	s2 := to.e.NewSession(c2)
	s2.Start(ctx)

	p, ok := from.e.Peer(to.name)
	require.True(t, ok)

	res := serveResult{outbound: make(chan error, 1), inbound: make(chan error, 1)}
	go func() { res.outbound <- from.e.Serve(ctx, s1, Outbound, &p, nil) }()
	go func() { res.inbound <- to.e.Serve(ctx, s2, Inbound, nil, nil) }()
	return res
}

func synced(n *node, peer ts6.SID) bool {
	for _, l := range n.e.Links() {
		if l.SID == peer {
			return l.State == Synced
		}
	}
	return false
}

func knows(n *node, sid ts6.SID) bool {
	_, ok := n.st.Server(sid)
	return ok
}

func hasNick(n *node, nick string) bool {
	_, ok := n.st.UserByNick(nick)
	return ok
}
