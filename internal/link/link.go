package link

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/horgh/meshcat/internal/session"
	"github.com/horgh/meshcat/internal/ts6"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LinkState is where a link is in its life.
type LinkState int

// Link states, in order.
const (
	Connecting LinkState = iota
	PassExchanged
	CapabExchanged
	ServerIntroduced
	Bursting
	Synced
	Closed
)

func (s LinkState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case PassExchanged:
		return "pass exchanged"
	case CapabExchanged:
		return "capab exchanged"
	case ServerIntroduced:
		return "server introduced"
	case Bursting:
		return "bursting"
	case Synced:
		return "synced"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Direction says who connected.
type Direction int

// Directions.
const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Handshake failures.
var (
	errBadPassword      = errors.New("bad link password")
	errHandshakeTimeout = errors.New("handshake timed out")
	errSIDLinked        = errors.New("SID already linked")
	errSIDLocal         = errors.New("SID collides with ours")
	errUnknownServer    = errors.New("no link block for server")
	errBadCapab         = errors.New("missing required capabilities")
)

// errSever marks a problem that ends a link rather than skipping a line.
var errSever = errors.New("link severed")

func sever(format string, args ...interface{}) error {
	return errors.Wrapf(errSever, format, args...)
}

// Link is one connection to a peer server.
type Link struct {
	e    *Engine
	conn session.Transport
	dir  Direction
	log  *logrus.Entry

	// Set by the handshake, then read only.
	peer      Peer
	havePeer  bool
	sid       ts6.SID
	name      string
	desc      string
	theirPass string
	capabs    map[string]struct{}
	userSync  bool

	mu      sync.Mutex
	state   LinkState
	sentEOB bool
	gotEOB  bool

	closeOnce sync.Once
}

func newLink(e *Engine, conn session.Transport, dir Direction, peer *Peer) *Link {
	l := &Link{
		e:      e,
		conn:   conn,
		dir:    dir,
		capabs: map[string]struct{}{},
		state:  Connecting,
	}
	fields := logrus.Fields{"direction": dir.String()}
	if addr := conn.RemoteAddr(); addr != nil {
		fields["remote"] = addr.String()
	}
	if peer != nil {
		l.peer = *peer
		l.havePeer = true
		fields["peer"] = peer.Name
	}
	l.log = e.log.WithFields(fields)
	return l
}

// State is the link's current state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s LinkState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

func (l *Link) send(m ircmsg.Message) {
	line, err := m.Line()
	if err != nil {
		l.log.Errorf("Unable to encode %s: %s", m.Command, err)
		return
	}
	if !l.conn.Send(line) {
		l.log.Debugf("Dropped %s: link closing", m.Command)
	}
}

// fail ends a link whose handshake failed, telling the peer why.
func (l *Link) fail(err error) {
	l.send(plain("", "ERROR", "Closing link: "+errors.Cause(err).Error()))
	l.e.teardown(l, err.Error())
}

// sendIntro sends our PASS, CAPAB and SERVER.
func (l *Link) sendIntro() {
	capabs := []string{Version, capabEOB}
	if l.peer.UserSync {
		capabs = append(capabs, capabUserSync)
	}
	l.send(plain("", "PASS", l.peer.Password, "TS", "6", string(l.e.cfg.SID)))
	l.send(plain("", "CAPAB", strings.Join(capabs, " ")))
	l.send(plain("", "SERVER", l.e.cfg.Name, "1", l.e.cfg.Description))
}

// handshake runs until the link is registered and bursting, or fails.
func (l *Link) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.e.HandshakeTimeout())
	defer cancel()

	if l.dir == Outbound {
		l.sendIntro()
	}

	for {
		select {
		case <-ctx.Done():
			return errHandshakeTimeout
		case <-l.conn.Done():
			return errors.Wrap(l.conn.Err(), "connection lost during handshake")
		case line, ok := <-l.conn.Lines():
			if !ok {
				return errors.Wrap(l.conn.Err(), "connection lost during handshake")
			}
			m, err := parseLine(line)
			if err != nil {
				return errors.Wrapf(err, "malformed handshake line %q", line)
			}
			done, err := l.handshakeMessage(m)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (l *Link) handshakeMessage(m ircmsg.Message) (bool, error) {
	switch m.Command {
	case "ERROR":
		reason := ""
		if len(m.Params) > 0 {
			reason = m.Params[0]
		}
		return false, errors.Errorf("peer sent ERROR: %s", reason)
	case "NOTICE", "PING", "PONG":
		return false, nil
	}

	switch l.State() {
	case Connecting:
		if m.Command != "PASS" {
			return false, errors.Errorf("expected PASS, got %s", m.Command)
		}
		if len(m.Params) < 4 || m.Params[1] != "TS" || m.Params[2] != "6" {
			return false, errors.New("malformed PASS")
		}
		if !ts6.IsValidSID(m.Params[3]) {
			return false, errors.Errorf("invalid SID: %s", m.Params[3])
		}
		l.theirPass = m.Params[0]
		l.sid = ts6.SID(m.Params[3])
		l.setState(PassExchanged)
		return false, nil

	case PassExchanged:
		if m.Command != "CAPAB" || len(m.Params) < 1 {
			return false, errors.Errorf("expected CAPAB, got %s", m.Command)
		}
		for _, c := range strings.Fields(m.Params[len(m.Params)-1]) {
			l.capabs[strings.ToUpper(c)] = struct{}{}
		}
		for _, c := range []string{Version, capabEOB} {
			if _, ok := l.capabs[c]; !ok {
				return false, errors.Wrapf(errBadCapab, "missing %s", c)
			}
		}
		l.setState(CapabExchanged)
		return false, nil

	case CapabExchanged:
		if m.Command != "SERVER" || len(m.Params) < 3 {
			return false, errors.Errorf("expected SERVER, got %s", m.Command)
		}
		if err := l.checkServer(m.Params[0], m.Params[2]); err != nil {
			return false, err
		}
		if l.dir == Inbound {
			l.sendIntro()
		}
		l.send(plain("", "SVINFO", "6", "6", "0", itoa(l.e.now().Unix())))
		l.setState(ServerIntroduced)
		return false, nil

	case ServerIntroduced:
		if m.Command != "SVINFO" || len(m.Params) < 4 {
			return false, errors.Errorf("expected SVINFO, got %s", m.Command)
		}
		if m.Params[0] != "6" || m.Params[1] != "6" {
			return false, errors.New("unsupported TS version")
		}
		theirs, err := parseTS(m.Params[3])
		if err != nil {
			return false, err
		}
		delta := l.e.now().Sub(time.Unix(theirs, 0))
		if delta > maxTimeDelta || delta < -maxTimeDelta {
			return false, errors.Errorf("time delta too large: %s", delta)
		}
		if err := l.e.register(l); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, errors.Errorf("unexpected %s", m.Command)
}

// checkServer validates the peer's SERVER line against our link config.
func (l *Link) checkServer(name, desc string) error {
	if l.havePeer {
		if !strings.EqualFold(l.peer.Name, name) {
			return errors.Errorf("expected server %s, got %s", l.peer.Name, name)
		}
	} else {
		p, ok := l.e.Peer(name)
		if !ok {
			return errors.Wrap(errUnknownServer, name)
		}
		l.peer = p
		l.havePeer = true
	}

	if !l.peer.CheckPassword(l.theirPass) {
		return errBadPassword
	}
	if l.sid == l.e.cfg.SID {
		return errSIDLocal
	}
	if l.peer.SID != "" && l.peer.SID != l.sid {
		return errors.Errorf("expected SID %s, got %s", l.peer.SID, l.sid)
	}
	if l.e.IsLinked(l.sid, name) {
		return errSIDLinked
	}

	_, theirSync := l.capabs[capabUserSync]
	l.userSync = l.peer.UserSync && theirSync
	l.name = name
	l.desc = desc
	l.log = l.log.WithFields(logrus.Fields{"peer": name, "sid": string(l.sid)})
	return nil
}

// serve handles the peer's lines in arrival order until the link ends.
func (l *Link) serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.send(plain("", "ERROR", "Server shutting down"))
			l.e.teardown(l, "Server shutting down")
			return
		case <-l.conn.Done():
			l.e.teardown(l, errReason(l.conn.Err()))
			return
		case line, ok := <-l.conn.Lines():
			if !ok {
				l.e.teardown(l, errReason(l.conn.Err()))
				return
			}
			if err := l.handleLine(line); err != nil {
				if errors.Cause(err) == errSever {
					l.log.Warnf("Dropping link: %s", err)
					l.send(plain("", "ERROR", err.Error()))
					l.e.teardown(l, err.Error())
					return
				}
				l.log.Warnf("Skipping line %q: %s", line, err)
			}
		}
	}
}

func errReason(err error) string {
	if err == nil {
		return "Connection closed"
	}
	return err.Error()
}

// markEOB records the end of a burst in one direction.
func (l *Link) markEOB(sent bool) {
	l.mu.Lock()
	if sent {
		l.sentEOB = true
	} else {
		l.gotEOB = true
	}
	synced := l.sentEOB && l.gotEOB && l.state == Bursting
	if synced {
		l.state = Synced
	}
	l.mu.Unlock()

	if synced {
		l.e.metrics.Bursts.Inc()
		l.log.Infof("Burst with %s over.", l.name)
	}
}
