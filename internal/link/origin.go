package link

import (
	"context"
	"strconv"
	"time"

	"github.com/horgh/meshcat/internal/policy"
	"github.com/horgh/meshcat/internal/state"
	"github.com/horgh/meshcat/internal/ts6"
	"github.com/pkg/errors"
)

// The functions here tell the network about changes our own users made. The
// caller has already applied the change to state and told local clients.

// LocalUser introduces a user that registered with us.
func (e *Engine) LocalUser(u state.User) {
	e.relayUser(u, nil)
}

// LocalJoin announces a join. A channel the join created goes out as an
// SJOIN so its TS and our op status travel with it.
func (e *Engine) LocalJoin(uid ts6.UID, j state.Join) {
	if j.Created {
		members := []state.Member{{UID: uid, Status: j.Channel.Members[uid]}}
		for _, m := range sjoinMessages(e.cfg.SID, j.Channel, members) {
			e.relay(m, nil, e.cfg.SID, false)
		}
		return
	}
	e.relay(e.tagged(string(uid), "JOIN", itoa(j.Channel.TS), j.Channel.Name, "+"),
		nil, e.cfg.SID, false)
}

// LocalPart announces a part.
func (e *Engine) LocalPart(uid ts6.UID, channel, reason string) {
	params := []string{channel}
	if reason != "" {
		params = append(params, reason)
	}
	e.relay(e.tagged(string(uid), "PART", params...), nil, e.cfg.SID, false)
}

// LocalNick announces a nick change.
func (e *Engine) LocalNick(uid ts6.UID, nick string, ts int64) {
	e.relay(e.tagged(string(uid), "NICK", nick, itoa(ts)), nil, e.cfg.SID, false)
}

// LocalQuit announces a quit.
func (e *Engine) LocalQuit(uid ts6.UID, reason string) {
	e.relay(e.tagged(string(uid), "QUIT", reason), nil, e.cfg.SID, false)
}

// LocalMessage sends a PRIVMSG or NOTICE to a channel's remote members or
// towards a remote user.
func (e *Engine) LocalMessage(uid ts6.UID, command, target, text string) {
	if isChannel(target) {
		e.relay(e.tagged(string(uid), command, target, text), nil, e.cfg.SID, false)
		return
	}
	to, ok := e.state.UserByNick(target)
	if !ok || to.SID == e.cfg.SID {
		return
	}
	if !e.routeTo(to.SID, e.tagged(string(uid), command, string(to.UID), text), nil) {
		e.log.Debugf("%s: no route to %s", command, to.SID)
	}
}

// LocalTopic announces a topic change.
func (e *Engine) LocalTopic(uid ts6.UID, channel, topic string) {
	e.relay(e.tagged(string(uid), "TOPIC", channel, topic), nil, e.cfg.SID, false)
}

// LocalChannelModes announces channel mode changes. Member mode arguments
// are UIDs.
func (e *Engine) LocalChannelModes(source string, ch state.Channel, applied []state.ModeChange) {
	if len(applied) == 0 {
		return
	}
	modes, args := state.FormatModeChanges(applied)
	params := append([]string{itoa(ch.TS), ch.Name, modes}, args...)
	e.relay(e.tagged(source, "TMODE", params...), nil, e.cfg.SID, false)
}

// LocalUserModes announces a user's mode changes, e.g. +o.
func (e *Engine) LocalUserModes(uid ts6.UID, applied string) {
	if applied == "" {
		return
	}
	e.relay(e.tagged(string(uid), "MODE", string(uid), applied), nil, e.cfg.SID, false)
}

// KillUser removes a user from the network. source is a UID or our SID.
// Channel neighbours see the user quit and a local user is disconnected.
func (e *Engine) KillUser(source string, uid ts6.UID, reason string) bool {
	u, ok := e.state.RemoveUser(uid)
	if !ok {
		return false
	}
	killer := e.sourceMask(source)
	quit := "Killed (" + killer + " (" + reason + "))"
	if u.SID == e.cfg.SID {
		e.router.Disconnect(uid, quit)
	}
	e.router.ToFormerNeighbours(u, clientMessage(u.DisplayMask(), "QUIT", quit))
	e.relay(e.tagged(source, "KILL", string(uid), killer+" ("+reason+")"), nil, e.cfg.SID,
		false)
	return true
}

// LocalWallops sends WALLOPS to every server.
func (e *Engine) LocalWallops(source, text string) {
	e.relay(e.tagged(source, "WALLOPS", text), nil, e.cfg.SID, false)
}

// ChangeHost changes the host a user is seen with everywhere.
func (e *Engine) ChangeHost(source string, uid ts6.UID, host string) (state.User, bool) {
	u, ok := e.state.SetUserHost(uid, host)
	if !ok {
		return state.User{}, false
	}
	e.relay(e.tagged(source, "CHGHOST", string(uid), host), nil, e.cfg.SID, false)
	return u, true
}

// AddKLine bans a mask here and on every server. A zero duration is
// permanent.
func (e *Engine) AddKLine(source string, k policy.KLine, d time.Duration) error {
	if d > 0 {
		k.Expires = e.now().Add(d)
	}
	if k.Setter == "" {
		k.Setter = e.sourceMask(source)
	}
	if err := e.applyKLine(k); err != nil {
		return err
	}
	secs := strconv.FormatInt(int64(d/time.Second), 10)
	e.relay(e.tagged(source, "ENCAP", "*", "KLINE", secs, k.UserMask, k.HostMask, k.Reason),
		nil, e.cfg.SID, true)
	return nil
}

// RemoveKLine lifts a ban here and on every server. It reports whether we
// had it.
func (e *Engine) RemoveKLine(source, userMask, hostMask string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	removed, err := e.bans.Remove(ctx, userMask, hostMask)
	if err != nil {
		return false, errors.Wrap(err, "unable to remove K-line")
	}
	e.relay(e.tagged(source, "ENCAP", "*", "UNKLINE", userMask, hostMask), nil, e.cfg.SID,
		true)
	return removed, nil
}
