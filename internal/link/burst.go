package link

import (
	"github.com/horgh/meshcat/internal/state"
	"github.com/horgh/meshcat/internal/ts6"
)

// burstLocked sends l everything we know that it should: the servers we can
// reach other than through it, then if it syncs users, the users on those
// servers and ours, and their channels. It ends with EOB.
func (e *Engine) burstLocked(l *Link) {
	for _, srv := range e.state.Servers() {
		path, ok := e.pathToLocked(srv, l)
		if !ok {
			continue
		}
		l.send(sidMessage(e.cfg.SID, srv, path))
		if e.advertised[srv.SID] == nil {
			e.advertised[srv.SID] = map[ts6.SID]string{}
		}
		e.advertised[srv.SID][l.sid] = joinSIDs(path)
	}

	if l.userSync {
		e.burstUsersLocked(l)
	}

	l.send(plain(string(e.cfg.SID), "EOB"))
	l.markEOB(true)
}

func (e *Engine) burstUsersLocked(l *Link) {
	sent := map[ts6.UID]struct{}{}
	for _, u := range e.state.Users() {
		if u.SID == l.sid || !e.knowsLocked(l, u.SID) {
			continue
		}
		hops := 1
		if u.SID != e.cfg.SID {
			hops = 2
		}
		l.send(uidMessage(e.cfg.SID, u, hops))
		sent[u.UID] = struct{}{}
	}

	for _, ch := range e.state.Channels() {
		var members []state.Member
		for _, m := range ch.SortedMembers() {
			if _, ok := sent[m.UID]; ok {
				members = append(members, m)
			}
		}
		if len(members) == 0 {
			continue
		}
		for _, msg := range sjoinMessages(e.cfg.SID, ch, members) {
			l.send(msg)
		}
		if ch.Topic != "" {
			l.send(plain(string(e.cfg.SID), "TB", ch.Name, itoa(ch.TopicTS),
				ch.TopicSetter, ch.Topic))
		}
		if len(ch.Bans) > 0 {
			for _, msg := range bmaskMessages(e.cfg.SID, ch, 'b', ch.Bans) {
				l.send(msg)
			}
		}
		if len(ch.Excepts) > 0 {
			for _, msg := range bmaskMessages(e.cfg.SID, ch, 'e', ch.Excepts) {
				l.send(msg)
			}
		}
	}
}
