// Package link implements server to server links: the handshake, the
// netburst, relaying, and netsplits, along with dialing peers and accepting
// their connections.
package link

import (
	"context"
	"net"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/horgh/meshcat/internal/msgcache"
	"github.com/horgh/meshcat/internal/policy"
	"github.com/horgh/meshcat/internal/route"
	"github.com/horgh/meshcat/internal/session"
	"github.com/horgh/meshcat/internal/state"
	"github.com/horgh/meshcat/internal/ts6"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxTimeDelta is how far apart our clocks may be.
const maxTimeDelta = 60 * time.Second

// Config is the local server's link settings.
type Config struct {
	SID         ts6.SID
	Name        string
	Description string

	// HandshakeTimeout bounds the handshake.
	HandshakeTimeout time.Duration

	// PingTime is how often we ping each link.
	PingTime time.Duration

	// DeadTime is how long a link may be silent before we drop it.
	DeadTime time.Duration

	// SendQueueSize bounds each link's outbound queue. Overflowing it drops
	// the link.
	SendQueueSize int
}

// Engine owns every link and keeps our view of the network in step with
// theirs.
type Engine struct {
	cfg     Config
	state   *state.State
	router  *route.Router
	seen    *msgcache.Cache
	bans    policy.BanStore
	metrics *Metrics
	log     *logrus.Entry
	now     func() time.Time

	// handshakeTimeout is in nanoseconds. Rehashing may change it.
	handshakeTimeout atomic.Int64

	peersMu sync.RWMutex
	peers   map[string]Peer

	// mu guards links and advertised. Changes to which servers we announce
	// to which link, and bursts, hold it for writing. Relaying holds it for
	// reading so nothing is relayed to a link in the middle of its burst.
	mu    sync.RWMutex
	links map[ts6.SID]*Link

	// advertised maps server to link to the path we announced, joined.
	advertised map[ts6.SID]map[ts6.SID]string
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, st *state.State, router *route.Router, seen *msgcache.Cache,
	bans policy.BanStore, metrics *Metrics, log *logrus.Entry) *Engine {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 32768
	}
	e := &Engine{
		cfg:        cfg,
		state:      st,
		router:     router,
		seen:       seen,
		bans:       bans,
		metrics:    metrics,
		log:        log,
		now:        time.Now,
		peers:      map[string]Peer{},
		links:      map[ts6.SID]*Link{},
		advertised: map[ts6.SID]map[ts6.SID]string{},
	}
	e.handshakeTimeout.Store(int64(cfg.HandshakeTimeout))
	return e
}

// SetHandshakeTimeout changes how long new links have to register. Links
// already handshaking keep their deadline.
func (e *Engine) SetHandshakeTimeout(d time.Duration) {
	if d <= 0 {
		d = 30 * time.Second
	}
	e.handshakeTimeout.Store(int64(d))
}

// HandshakeTimeout is how long a new link has to register.
func (e *Engine) HandshakeTimeout() time.Duration {
	return time.Duration(e.handshakeTimeout.Load())
}

// SetPeers replaces the configured peers. Established links are not
// touched.
func (e *Engine) SetPeers(peers []Peer) {
	m := make(map[string]Peer, len(peers))
	for _, p := range peers {
		m[state.CanonicalizeServer(p.Name)] = p
	}
	e.peersMu.Lock()
	defer e.peersMu.Unlock()
	e.peers = m
}

// Peers returns the configured peers sorted by name.
func (e *Engine) Peers() []Peer {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	peers := make([]Peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })
	return peers
}

// Peer finds a configured peer by name.
func (e *Engine) Peer(name string) (Peer, bool) {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	p, ok := e.peers[state.CanonicalizeServer(name)]
	return p, ok
}

// NewSession wraps a connection with our link limits.
func (e *Engine) NewSession(conn net.Conn) *session.Session {
	return session.New(conn, session.Config{
		QueueSize:    e.cfg.SendQueueSize,
		ReadTimeout:  e.cfg.DeadTime,
		WriteTimeout: e.cfg.DeadTime,
	}, e.log.WithField("remote", conn.RemoteAddr().String()))
}

// Run pings links and expires message ids until the context is done.
func (e *Engine) Run(ctx context.Context) error {
	go e.seen.Run(ctx)

	if e.cfg.PingTime <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(e.cfg.PingTime)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.mu.RLock()
			for _, l := range e.links {
				l.send(plain("", "PING", string(e.cfg.SID)))
			}
			e.mu.RUnlock()
		case <-ctx.Done():
			return nil
		}
	}
}

// Serve runs a link over conn until it ends. For outbound links peer is the
// peer we dialed; inbound links find theirs during the handshake. up is
// called once the handshake succeeds. The error is the handshake failure,
// or nil if the link was established.
func (e *Engine) Serve(ctx context.Context, conn session.Transport, dir Direction,
	peer *Peer, up func()) (err error) {
	l := newLink(e, conn, dir, peer)

	defer func() {
		if r := recover(); r != nil {
			l.log.Errorf("Panic: %v\n%s", r, debug.Stack())
			e.teardown(l, "Internal error")
			err = errors.Errorf("panic: %v", r)
		}
	}()

	if err := l.handshake(ctx); err != nil {
		l.log.Warnf("Link handshake failed: %s", err)
		l.fail(err)
		return err
	}

	if up != nil {
		up()
	}

	l.serve(ctx)
	return nil
}

// register makes an authenticated link live: it claims the SID, adds the
// server, sends our burst, and announces the server to our other links. It
// all happens under one lock so no relay reaches the link before its burst.
func (e *Engine) register(l *Link) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.links[l.sid]; exists {
		return errSIDLinked
	}

	o := e.state.AddServer(state.Server{
		SID:         l.sid,
		Name:        l.name,
		Description: l.desc,
	}, l.sid, nil)
	if o == state.Conflict {
		return errors.Errorf("server %s (%s) conflicts with a known server", l.name, l.sid)
	}

	e.links[l.sid] = l
	l.setState(Bursting)
	e.burstLocked(l)
	e.reconcileLocked("", l.sid)

	e.metrics.LinksActive.Inc()
	l.log.Infof("Established link to %s (%s).", l.name, l.sid)
	return nil
}

// teardown ends a link. Cleanup runs once however many times it is called.
// Servers only reachable through the link are split off and their users
// removed.
func (e *Engine) teardown(l *Link, reason string) {
	l.closeOnce.Do(func() {
		l.setState(Closed)
		l.conn.Close(errors.New(reason))

		e.mu.Lock()
		if e.links[l.sid] != l {
			e.mu.Unlock()
			return
		}
		delete(e.links, l.sid)
		for _, byLink := range e.advertised {
			delete(byLink, l.sid)
		}

		split := e.state.RemoveRoute(l.sid)
		e.reconcileAllLocked(e.cfg.Name + " " + l.name)
		e.mu.Unlock()

		e.metrics.LinksActive.Dec()
		l.log.Infof("Lost link to %s (%s): %s", l.name, l.sid, reason)
		e.announceSplit(split, e.cfg.Name+" "+l.name)
	})
}

// announceSplit tells local users about users a split removed.
func (e *Engine) announceSplit(split state.Split, reason string) {
	if len(split.Servers) == 0 {
		return
	}
	e.metrics.Netsplits.Inc()
	for _, srv := range split.Servers {
		e.log.Infof("Server %s (%s) split: %d users lost.", srv.Name, srv.SID,
			len(split.Users))
	}
	for _, u := range split.Users {
		e.router.ToFormerNeighbours(u, clientMessage(u.DisplayMask(), "QUIT", reason))
	}
	e.router.ToOpers(clientMessage(e.cfg.Name, "NOTICE", "*",
		"*** Netsplit: "+reason))
}

// pathToLocked is the path we would announce srv to l with, if any. We never
// announce a server to itself or over a route through the link we are
// announcing to.
func (e *Engine) pathToLocked(srv state.Server, l *Link) ([]ts6.SID, bool) {
	if srv.Local || srv.SID == l.sid {
		return nil, false
	}
	r, ok := srv.BestRoute(l.sid)
	if !ok {
		return nil, false
	}
	return append([]ts6.SID{e.cfg.SID}, r.Path...), true
}

// currentLocked reports whether l is still the registered link for its SID.
func (e *Engine) currentLocked(l *Link) bool {
	return e.links[l.sid] == l
}

// knowsLocked reports whether l has been told about the server.
func (e *Engine) knowsLocked(l *Link, sid ts6.SID) bool {
	if sid == e.cfg.SID || sid == l.sid {
		return true
	}
	return e.advertised[sid][l.sid] != ""
}

// reconcileAllLocked reconciles every server we know or have announced.
func (e *Engine) reconcileAllLocked(reason string) {
	seen := map[ts6.SID]struct{}{}
	var sids []ts6.SID
	for _, srv := range e.state.Servers() {
		seen[srv.SID] = struct{}{}
		sids = append(sids, srv.SID)
	}
	for sid := range e.advertised {
		if _, ok := seen[sid]; !ok {
			sids = append(sids, sid)
		}
	}
	e.reconcileLocked(reason, sids...)
}

// reconcileLocked brings what each link has been told about the servers in
// line with our routes: new routes are announced along with the server's
// users, changed routes are announced again, and lost routes get a SQUIT.
func (e *Engine) reconcileLocked(reason string, sids ...ts6.SID) {
	if reason == "" {
		reason = "Route lost"
	}

	for _, sid := range sids {
		srv, exists := e.state.Server(sid)
		for lsid, l := range e.links {
			want := ""
			var path []ts6.SID
			if exists {
				if p, ok := e.pathToLocked(srv, l); ok {
					path = p
					want = joinSIDs(p)
				}
			}

			had := e.advertised[sid][lsid]
			if want == had {
				continue
			}

			if want == "" {
				l.send(squitMessage(e.cfg.SID, sid, reason))
				delete(e.advertised[sid], lsid)
				continue
			}

			l.send(sidMessage(e.cfg.SID, srv, path))
			if e.advertised[sid] == nil {
				e.advertised[sid] = map[ts6.SID]string{}
			}
			e.advertised[sid][lsid] = want
			if had == "" && l.userSync {
				e.sendUsersLocked(l, sid)
			}
		}
		if !exists {
			delete(e.advertised, sid)
		}
	}
}

// sendUsersLocked introduces the users of a server to l along with their
// channel memberships.
func (e *Engine) sendUsersLocked(l *Link, sid ts6.SID) {
	users := e.state.UsersOn(sid)
	if len(users) == 0 {
		return
	}
	on := map[ts6.UID]struct{}{}
	for _, u := range users {
		l.send(uidMessage(e.cfg.SID, u, 2))
		on[u.UID] = struct{}{}
	}
	for _, ch := range e.state.Channels() {
		var members []state.Member
		for _, m := range ch.SortedMembers() {
			if _, ok := on[m.UID]; ok {
				members = append(members, m)
			}
		}
		for _, msg := range sjoinMessages(e.cfg.SID, ch, members) {
			l.send(msg)
		}
	}
}

// relay sends a message to every link except from. The link must know the
// origin server, and unless serverScoped is set it must sync users.
func (e *Engine) relay(m ircmsg.Message, from *Link, origin ts6.SID, serverScoped bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, l := range e.links {
		if l == from {
			continue
		}
		if !serverScoped && !l.userSync {
			continue
		}
		if !e.knowsLocked(l, origin) {
			continue
		}
		l.send(m)
	}
}

// relayUser introduces a user to every link that knows its server.
func (e *Engine) relayUser(u state.User, from *Link) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, l := range e.links {
		if l == from || !l.userSync || !e.knowsLocked(l, u.SID) {
			continue
		}
		hops := 1
		if u.SID != e.cfg.SID {
			hops = 2
		}
		l.send(uidMessage(e.cfg.SID, u, hops))
	}
}

// routeTo sends a message one hop towards a server, avoiding from.
func (e *Engine) routeTo(sid ts6.SID, m ircmsg.Message, from *Link) bool {
	srv, ok := e.state.Server(sid)
	if !ok {
		return false
	}
	avoid := ts6.SID("")
	if from != nil {
		avoid = from.sid
	}
	r, ok := srv.BestRoute(avoid)
	if !ok {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.links[r.Via]
	if !ok {
		return false
	}
	l.send(m)
	return true
}

// LinkInfo describes a link for LINKS and STATS.
type LinkInfo struct {
	SID       ts6.SID
	Name      string
	State     LinkState
	Direction Direction
	UserSync  bool
}

// Links lists established links sorted by SID.
func (e *Engine) Links() []LinkInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	infos := make([]LinkInfo, 0, len(e.links))
	for _, l := range e.links {
		infos = append(infos, LinkInfo{
			SID:       l.sid,
			Name:      l.name,
			State:     l.State(),
			Direction: l.dir,
			UserSync:  l.userSync,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].SID < infos[j].SID })
	return infos
}

// IsLinked reports whether we have a link to the peer, by SID or name.
func (e *Engine) IsLinked(sid ts6.SID, name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.links[sid]; ok && sid != "" {
		return true
	}
	for _, l := range e.links {
		if state.CanonicalizeServer(l.name) == state.CanonicalizeServer(name) {
			return true
		}
	}
	return false
}

// Squit drops our link to the named server.
func (e *Engine) Squit(name, reason string) bool {
	e.mu.RLock()
	var target *Link
	for _, l := range e.links {
		if state.CanonicalizeServer(l.name) == state.CanonicalizeServer(name) {
			target = l
		}
	}
	e.mu.RUnlock()

	if target == nil {
		return false
	}
	target.send(plain("", "ERROR", "Closing link: "+reason))
	e.teardown(target, reason)
	return true
}

// Close drops every link.
func (e *Engine) Close(reason string) {
	e.mu.RLock()
	links := make([]*Link, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	e.mu.RUnlock()

	for _, l := range links {
		l.send(plain("", "ERROR", reason))
		e.teardown(l, reason)
	}
}
