package link

import (
	"context"
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/horgh/irc"
	"github.com/horgh/meshcat/internal/policy"
	"github.com/horgh/meshcat/internal/state"
	"github.com/horgh/meshcat/internal/ts6"
	"github.com/pkg/errors"
)

type handler func(*Link, ircmsg.Message) error

// handlers maps commands to their handler. userScoped handlers are only run
// for links that sync users.
var handlers = map[string]struct {
	fn         handler
	userScoped bool
	minParams  int
}{
	"PING":  {fn: (*Link).handlePing},
	"PONG":  {fn: func(*Link, ircmsg.Message) error { return nil }},
	"ERROR": {fn: (*Link).handleError},
	"EOB":   {fn: (*Link).handleEOB},
	"SID":   {fn: (*Link).handleSID, minParams: 5},
	"SQUIT": {fn: (*Link).handleSquit, minParams: 1},
	"ENCAP": {fn: (*Link).handleEncap, minParams: 2},

	"UID":     {fn: (*Link).handleUID, userScoped: true, minParams: 9},
	"SJOIN":   {fn: (*Link).handleSJoin, userScoped: true, minParams: 4},
	"JOIN":    {fn: (*Link).handleJoin, userScoped: true, minParams: 2},
	"PART":    {fn: (*Link).handlePart, userScoped: true, minParams: 1},
	"QUIT":    {fn: (*Link).handleQuit, userScoped: true},
	"KILL":    {fn: (*Link).handleKill, userScoped: true, minParams: 1},
	"NICK":    {fn: (*Link).handleNick, userScoped: true, minParams: 2},
	"TMODE":   {fn: (*Link).handleTMode, userScoped: true, minParams: 3},
	"MODE":    {fn: (*Link).handleUserMode, userScoped: true, minParams: 2},
	"TOPIC":   {fn: (*Link).handleTopic, userScoped: true, minParams: 1},
	"TB":      {fn: (*Link).handleTB, userScoped: true, minParams: 4},
	"BMASK":   {fn: (*Link).handleBMask, userScoped: true, minParams: 4},
	"PRIVMSG": {fn: (*Link).handleMessage, userScoped: true, minParams: 2},
	"NOTICE":  {fn: (*Link).handleMessage, userScoped: true, minParams: 2},
	"CHGHOST": {fn: (*Link).handleChgHost, userScoped: true, minParams: 2},
	"WALLOPS": {fn: (*Link).handleWallops, userScoped: true, minParams: 1},
}

// handleLine parses and acts on one line. Errors wrapping errSever end the
// link; others skip the line.
func (l *Link) handleLine(line string) error {
	// Lines read before a teardown are dropped. The routes they would add
	// could never be removed.
	if l.State() == Closed {
		return nil
	}

	m, err := parseLine(line)
	if err != nil {
		return err
	}

	if l.e.seen.Seen(msgID(&m)) {
		return nil
	}

	h, ok := handlers[m.Command]
	if !ok {
		return errors.Errorf("unknown command %s", m.Command)
	}
	if h.userScoped && !l.userSync {
		return nil
	}
	if len(m.Params) < h.minParams {
		return errors.Errorf("%s: not enough parameters", m.Command)
	}
	return h.fn(l, m)
}

// originOf is the server a message source belongs to.
func originOf(source string) ts6.SID {
	if ts6.IsValidUID(source) {
		return ts6.UID(source).SID()
	}
	return ts6.SID(source)
}

// sourceMask is how local clients see a message's source.
func (e *Engine) sourceMask(source string) string {
	if ts6.IsValidUID(source) {
		if u, ok := e.state.User(ts6.UID(source)); ok {
			return u.DisplayMask()
		}
	}
	if srv, ok := e.state.Server(ts6.SID(source)); ok {
		return srv.Name
	}
	return e.cfg.Name
}

func (l *Link) sourceUser(m ircmsg.Message) (state.User, error) {
	u, ok := l.e.state.User(ts6.UID(m.Source))
	if !ok {
		return state.User{}, errors.Errorf("%s: no such user %s", m.Command, m.Source)
	}
	return u, nil
}

// reoriginate copies a message as if we sent it.
func (e *Engine) reoriginate(m ircmsg.Message, params ...string) ircmsg.Message {
	if params == nil {
		params = m.Params
	}
	return plain(string(e.cfg.SID), m.Command, params...)
}

// relayTagged relays messages whose only protection against looping is
// their msgid. Without one they are not relayed.
func (l *Link) relayTagged(m ircmsg.Message, serverScoped bool) {
	if msgID(&m) == "" {
		l.log.Debugf("Not relaying %s without a msgid", m.Command)
		return
	}
	l.e.relay(m, l, originOf(m.Source), serverScoped)
}

func (l *Link) handlePing(m ircmsg.Message) error {
	origin := m.Source
	if len(m.Params) > 0 {
		origin = m.Params[0]
	}
	l.send(plain(string(l.e.cfg.SID), "PONG", l.e.cfg.Name, origin))
	return nil
}

func (l *Link) handleError(m ircmsg.Message) error {
	reason := "ERROR"
	if len(m.Params) > 0 {
		reason = m.Params[0]
	}
	l.log.Warnf("Peer sent ERROR: %s", reason)
	l.e.teardown(l, "Remote error: "+reason)
	return nil
}

func (l *Link) handleEOB(m ircmsg.Message) error {
	if m.Source != "" && ts6.SID(m.Source) != l.sid {
		return nil
	}
	l.markEOB(false)
	return nil
}

// handleSID takes a route to a server. A path through us withdraws the
// route.
func (l *Link) handleSID(m ircmsg.Message) error {
	name, sidParam, pathParam, desc := m.Params[0], m.Params[2], m.Params[3], m.Params[4]
	if !ts6.IsValidSID(sidParam) {
		return errors.Errorf("SID: invalid SID %s", sidParam)
	}
	sid := ts6.SID(sidParam)
	path, err := splitSIDs(pathParam)
	if err != nil {
		return err
	}
	if len(path) == 0 || path[0] != l.sid {
		return sever("SID %s: path %s does not start at %s", sid, pathParam, l.sid)
	}
	if sid == l.sid {
		return sever("SID: peer announced itself")
	}

	e := l.e
	for _, hop := range path {
		if hop == e.cfg.SID {
			e.withdraw(l, sid, "")
			return nil
		}
	}

	e.mu.Lock()
	if !e.currentLocked(l) {
		e.mu.Unlock()
		return nil
	}
	o := e.state.AddServer(state.Server{SID: sid, Name: name, Description: desc}, l.sid, path)
	if o == state.Conflict {
		e.mu.Unlock()
		return sever("server %s (%s) conflicts with a known server", name, sid)
	}
	e.reconcileLocked("", sid)
	e.mu.Unlock()

	if o == state.OK {
		l.log.Infof("Server %s (%s) introduced via %s.", name, sid, joinSIDs(path))
	}
	return nil
}

// withdraw drops the route to sid through l.
func (e *Engine) withdraw(l *Link, sid ts6.SID, reason string) {
	if reason == "" {
		reason = l.name
		if srv, ok := e.state.Server(sid); ok {
			reason = l.name + " " + srv.Name
		}
	}

	e.mu.Lock()
	split := e.state.RemoveRoute(l.sid, sid)
	e.reconcileLocked(reason, sid)
	e.mu.Unlock()

	e.announceSplit(split, reason)
}

func (l *Link) handleSquit(m ircmsg.Message) error {
	sid := ts6.SID(m.Params[0])
	reason := ""
	if len(m.Params) > 1 {
		reason = m.Params[1]
	}
	if sid == l.e.cfg.SID || sid == l.sid {
		l.e.teardown(l, "SQUIT: "+reason)
		return nil
	}
	l.e.withdraw(l, sid, "")
	return nil
}

// collided deals with a user removed by a nick collision: its neighbours
// see it quit, a local user is disconnected, and every link is told.
func (e *Engine) collided(killed state.User) {
	const reason = "Nick collision"
	e.metrics.NickCollisions.Inc()
	e.log.Infof("Nick collision: killed %s (%s).", killed.Nick, killed.UID)

	if killed.SID == e.cfg.SID {
		e.router.Disconnect(killed.UID, reason)
	}
	e.router.ToFormerNeighbours(killed, clientMessage(killed.DisplayMask(), "QUIT", reason))
	e.relay(e.tagged(string(e.cfg.SID), "KILL", string(killed.UID), e.cfg.Name+" ("+reason+")"),
		nil, e.cfg.SID, false)
}

func (l *Link) handleUID(m ircmsg.Message) error {
	if ts6.IsValidUID(m.Source) {
		return errors.New("UID: source must be a server")
	}
	u, err := parseUser(m)
	if err != nil {
		return errors.Wrap(err, "UID")
	}

	e := l.e
	e.mu.RLock()
	if !e.currentLocked(l) {
		e.mu.RUnlock()
		return nil
	}
	intro := e.state.IntroduceUser(u)
	e.mu.RUnlock()

	switch intro.Outcome {
	case state.Duplicate:
		return nil
	case state.NoSuchServer:
		return errors.Errorf("UID: unknown server for %s", u.UID)
	case state.Rejected:
		e.metrics.NickCollisions.Inc()
		e.log.Infof("Nick collision: rejected %s (%s).", u.Nick, u.UID)
		e.relay(e.tagged(string(e.cfg.SID), "KILL", string(u.UID),
			e.cfg.Name+" (Nick collision)"), nil, e.cfg.SID, false)
		return nil
	}

	if intro.Killed != nil {
		e.collided(*intro.Killed)
	}
	if added, ok := e.state.User(u.UID); ok {
		e.relayUser(added, l)
	}
	return nil
}

// announceJoins shows local members the members a burst or join added.
func (e *Engine) announceJoins(ch state.Channel, joined []state.Member) {
	for _, member := range joined {
		u, ok := e.state.User(member.UID)
		if !ok {
			continue
		}
		e.router.ToMembers(ch, clientMessage(u.DisplayMask(), "JOIN", ch.Name), member.UID)
		if member.Status == 0 {
			continue
		}
		var modes strings.Builder
		var args []string
		if member.Status&state.StatusOp != 0 {
			modes.WriteByte('o')
			args = append(args, u.Nick)
		}
		if member.Status&state.StatusVoice != 0 {
			modes.WriteByte('v')
			args = append(args, u.Nick)
		}
		params := append([]string{ch.Name, "+" + modes.String()}, args...)
		e.router.ToMembers(ch, clientMessage(e.cfg.Name, "MODE", params...), "")
	}
}

func (l *Link) handleSJoin(m ircmsg.Message) error {
	ts, err := parseTS(m.Params[0])
	if err != nil {
		return err
	}
	name := m.Params[1]
	modes := state.Modes{}
	for c := range state.ParseModes(m.Params[2]) {
		if strings.IndexByte(state.ChannelFlagModes, c) != -1 {
			modes[c] = struct{}{}
		}
	}

	e := l.e
	merge := e.state.MergeChannel(state.ChannelBurst{
		Name:    name,
		TS:      ts,
		Modes:   modes,
		Members: parseMembers(m.Params[len(m.Params)-1]),
	})
	if merge.Outcome != state.OK {
		return nil
	}
	if merge.Lowered {
		l.log.Debugf("Channel %s TS lowered to %d.", name, ts)
	}
	e.announceJoins(merge.Channel, merge.Joined)

	params := []string{m.Params[0], name, modes.String(), m.Params[len(m.Params)-1]}
	e.relay(e.reoriginate(m, params...), l, e.cfg.SID, false)
	return nil
}

func (l *Link) handleJoin(m ircmsg.Message) error {
	u, err := l.sourceUser(m)
	if err != nil {
		return err
	}
	ts, err := parseTS(m.Params[0])
	if err != nil {
		return err
	}

	merge := l.e.state.MergeChannel(state.ChannelBurst{
		Name:    m.Params[1],
		TS:      ts,
		Modes:   state.Modes{},
		Members: []state.Member{{UID: u.UID}},
	})
	if merge.Outcome != state.OK {
		return nil
	}
	l.e.announceJoins(merge.Channel, merge.Joined)
	l.e.relay(m, l, u.SID, false)
	return nil
}

func (l *Link) handlePart(m ircmsg.Message) error {
	u, err := l.sourceUser(m)
	if err != nil {
		return err
	}
	p := l.e.state.TryPartChannel(u.UID, m.Params[0])
	if p.Outcome != state.OK {
		return nil
	}
	params := []string{p.Channel.Name}
	if len(m.Params) > 1 {
		params = append(params, m.Params[1])
	}
	l.e.router.ToMembers(p.Channel, clientMessage(u.DisplayMask(), "PART", params...), u.UID)
	l.e.relay(m, l, u.SID, false)
	return nil
}

func (l *Link) handleQuit(m ircmsg.Message) error {
	u, ok := l.e.state.RemoveUser(ts6.UID(m.Source))
	if !ok {
		return nil
	}
	reason := ""
	if len(m.Params) > 0 {
		reason = m.Params[0]
	}
	l.e.router.ToFormerNeighbours(u, clientMessage(u.DisplayMask(), "QUIT", reason))
	l.e.relay(m, l, u.SID, false)
	return nil
}

func (l *Link) handleKill(m ircmsg.Message) error {
	e := l.e
	killer := e.sourceMask(m.Source)
	u, ok := e.state.RemoveUser(ts6.UID(m.Params[0]))
	if !ok {
		return nil
	}
	reason := killer
	if len(m.Params) > 1 {
		reason = m.Params[1]
	}
	quit := "Killed (" + reason + ")"
	if u.SID == e.cfg.SID {
		e.router.Disconnect(u.UID, quit)
	}
	e.router.ToFormerNeighbours(u, clientMessage(u.DisplayMask(), "QUIT", quit))
	e.relay(m, l, originOf(m.Source), false)
	return nil
}

func (l *Link) handleNick(m ircmsg.Message) error {
	ts, err := parseTS(m.Params[1])
	if err != nil {
		return err
	}
	e := l.e
	r := e.state.RenameUser(ts6.UID(m.Source), m.Params[0], ts, true)
	switch r.Outcome {
	case state.NoSuchUser:
		return errors.Errorf("NICK: no such user %s", m.Source)
	case state.Rejected:
		e.collided(*r.Killed)
		return nil
	}

	e.router.ToNeighbours(r.Old.UID, clientMessage(r.Old.DisplayMask(), "NICK", m.Params[0]), false)
	if r.Killed != nil {
		e.collided(*r.Killed)
	}
	e.relay(m, l, r.Old.SID, false)
	return nil
}

// modeArgsForClients replaces the UIDs in member mode changes with nicks.
func (e *Engine) modeArgsForClients(changes []state.ModeChange) []state.ModeChange {
	out := make([]state.ModeChange, len(changes))
	for i, c := range changes {
		out[i] = c
		if strings.IndexByte(state.ChannelMemberModes, c.Mode) == -1 {
			continue
		}
		if u, ok := e.state.User(ts6.UID(c.Arg)); ok {
			out[i].Arg = u.Nick
		}
	}
	return out
}

func (l *Link) handleTMode(m ircmsg.Message) error {
	ts, err := parseTS(m.Params[0])
	if err != nil {
		return err
	}
	e := l.e
	changes, _ := state.ParseModeChanges(m.Params[2], m.Params[3:])
	ch, applied, o := e.state.ApplyChannelModes(m.Params[1], ts, changes)
	if o != state.OK {
		return nil
	}

	modes, args := state.FormatModeChanges(e.modeArgsForClients(applied))
	params := append([]string{ch.Name, modes}, args...)
	e.router.ToMembers(ch, clientMessage(e.sourceMask(m.Source), "MODE", params...), "")
	e.relay(m, l, originOf(m.Source), false)
	return nil
}

func (l *Link) handleUserMode(m ircmsg.Message) error {
	if m.Params[0] != m.Source {
		return errors.New("MODE: may only change own modes")
	}
	u, applied, ok := l.e.state.SetUserModes(ts6.UID(m.Source), m.Params[1])
	if !ok || applied == "" {
		return nil
	}
	l.e.relay(m, l, u.SID, false)
	return nil
}

func (l *Link) handleTopic(m ircmsg.Message) error {
	u, err := l.sourceUser(m)
	if err != nil {
		return err
	}
	topic := ""
	if len(m.Params) > 1 {
		topic = m.Params[1]
	}
	ch, changed := l.e.state.SetTopic(m.Params[0], topic, u.DisplayMask(),
		l.e.now().Unix(), false)
	if !changed {
		return nil
	}
	l.e.router.ToMembers(ch, clientMessage(u.DisplayMask(), "TOPIC", ch.Name, topic), "")
	l.e.relay(m, l, u.SID, false)
	return nil
}

func (l *Link) handleTB(m ircmsg.Message) error {
	ts, err := parseTS(m.Params[1])
	if err != nil {
		return err
	}
	e := l.e
	ch, changed := e.state.SetTopic(m.Params[0], m.Params[3], m.Params[2], ts, true)
	if !changed {
		return nil
	}
	e.router.ToMembers(ch, clientMessage(m.Params[2], "TOPIC", ch.Name, m.Params[3]), "")
	e.relay(e.reoriginate(m), l, e.cfg.SID, false)
	return nil
}

func (l *Link) handleBMask(m ircmsg.Message) error {
	ts, err := parseTS(m.Params[0])
	if err != nil {
		return err
	}
	kind := m.Params[2]
	if kind != "b" && kind != "e" {
		return errors.Errorf("BMASK: unknown list %s", kind)
	}

	e := l.e
	added := e.state.AddListMasks(m.Params[1], ts, kind[0], strings.Fields(m.Params[3]))
	if len(added) == 0 {
		return nil
	}
	ch, ok := e.state.Channel(m.Params[1])
	if !ok {
		return nil
	}
	for _, mask := range added {
		e.router.ToMembers(ch, clientMessage(e.sourceMask(m.Source), "MODE", ch.Name,
			"+"+kind, mask), "")
	}
	e.relay(e.reoriginate(m, m.Params[0], ch.Name, kind, strings.Join(added, " ")),
		l, e.cfg.SID, false)
	return nil
}

func isChannel(target string) bool {
	return strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&")
}

func (l *Link) handleMessage(m ircmsg.Message) error {
	e := l.e
	target, text := m.Params[0], m.Params[1]
	from := e.sourceMask(m.Source)

	if isChannel(target) {
		if ch, ok := e.state.Channel(target); ok {
			e.router.ToMembers(ch, clientMessage(from, m.Command, ch.Name, text),
				ts6.UID(m.Source))
		}
		l.relayTagged(m, false)
		return nil
	}

	if !ts6.IsValidUID(target) {
		return errors.Errorf("%s: invalid target %s", m.Command, target)
	}
	uid := ts6.UID(target)
	u, ok := e.state.User(uid)
	if !ok {
		return nil
	}
	if u.SID == e.cfg.SID {
		e.router.ToUser(uid, clientMessage(from, m.Command, u.Nick, text))
		return nil
	}
	if !e.routeTo(u.SID, m, l) {
		l.log.Debugf("%s: no route to %s", m.Command, u.SID)
	}
	return nil
}

func (l *Link) handleChgHost(m ircmsg.Message) error {
	u, ok := l.e.state.SetUserHost(ts6.UID(m.Params[0]), m.Params[1])
	if !ok {
		return nil
	}
	l.log.Debugf("Host of %s is now %s.", u.Nick, u.Host)
	l.relayTagged(m, false)
	return nil
}

func (l *Link) handleWallops(m ircmsg.Message) error {
	l.e.router.ToLocal(clientMessage(l.e.sourceMask(m.Source), "WALLOPS", m.Params[0]),
		func(u state.User) bool { return u.Modes.Has('w') })
	l.relayTagged(m, false)
	return nil
}

// handleEncap handles ENCAP <target> <command> ... Commands we don't know
// are still passed along.
func (l *Link) handleEncap(m ircmsg.Message) error {
	target, sub := m.Params[0], strings.ToUpper(m.Params[1])
	forUs := target == "*" || state.CanonicalizeServer(target) == state.CanonicalizeServer(l.e.cfg.Name)

	if forUs {
		var err error
		switch sub {
		case "KLINE":
			err = l.encapKLine(m)
		case "UNKLINE":
			err = l.encapUnKLine(m)
		}
		if err != nil {
			return err
		}
	}

	if target != "*" && forUs {
		return nil
	}
	l.relayTagged(m, true)
	return nil
}

// encapKLine handles ENCAP * KLINE <seconds> <user> <host> :<reason>.
func (l *Link) encapKLine(m ircmsg.Message) error {
	if len(m.Params) < 6 {
		return errors.New("KLINE: not enough parameters")
	}
	secs, err := parseTS(m.Params[2])
	if err != nil {
		return err
	}
	k := policy.KLine{
		UserMask: m.Params[3],
		HostMask: m.Params[4],
		Reason:   m.Params[5],
		Setter:   l.e.sourceMask(m.Source),
	}
	if secs > 0 {
		k.Expires = l.e.now().Add(time.Duration(secs) * time.Second)
	}
	return l.e.applyKLine(k)
}

func (l *Link) encapUnKLine(m ircmsg.Message) error {
	if len(m.Params) < 4 {
		return errors.New("UNKLINE: not enough parameters")
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := l.e.bans.Remove(ctx, m.Params[2], m.Params[3]); err != nil {
		return errors.Wrap(err, "unable to remove K-line")
	}
	l.log.Infof("K-line on %s@%s removed by %s.", m.Params[2], m.Params[3],
		l.e.sourceMask(m.Source))
	return nil
}

// storeTimeout bounds ban store calls.
const storeTimeout = 5 * time.Second

// applyKLine stores a K-line and disconnects the local users it matches.
func (e *Engine) applyKLine(k policy.KLine) error {
	if !policy.ValidMask(k.UserMask) || !policy.ValidMask(k.HostMask) {
		return errors.Wrapf(policy.ErrBadMask, "%s@%s", k.UserMask, k.HostMask)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := e.bans.Add(ctx, k); err != nil {
		return errors.Wrap(err, "unable to store K-line")
	}
	e.log.Infof("K-line on %s@%s added by %s: %s", k.UserMask, k.HostMask, k.Setter,
		k.Reason)

	for _, u := range e.state.UsersOn(e.cfg.SID) {
		if k.Matches(u.Username, u.RealHost) || k.Matches(u.Username, u.IP) {
			e.router.Disconnect(u.UID, "K-Lined: "+k.Reason)
		}
	}
	e.router.ToOpers(noticeAll(e.cfg.Name, "*** K-line added for "+k.UserMask+"@"+
		k.HostMask+" by "+k.Setter))
	return nil
}

func noticeAll(from, text string) irc.Message {
	return clientMessage(from, "NOTICE", "*", text)
}
