package link

import (
	"strconv"
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/google/uuid"
	"github.com/horgh/irc"
	"github.com/horgh/meshcat/internal/state"
	"github.com/horgh/meshcat/internal/ts6"
	"github.com/pkg/errors"
)

// Version is the protocol grammar we speak. Peers must advertise it in
// CAPAB.
const Version = "MESH1"

// Capabilities.
const (
	capabEOB      = "EOB"
	capabUserSync = "USERSYNC"
)

const msgidTag = "msgid"

// sjoinChunk bounds the members per SJOIN so lines stay short.
const sjoinChunk = 12

// parseLine decodes a link line. The command is upper cased.
func parseLine(line string) (ircmsg.Message, error) {
	m, err := ircmsg.ParseLine(line)
	if err != nil {
		return m, errors.Wrap(err, "unable to parse line")
	}
	if m.Command == "" {
		return m, errors.New("no command")
	}
	m.Command = strings.ToUpper(m.Command)
	return m, nil
}

func msgID(m *ircmsg.Message) string {
	_, id := m.GetTag(msgidTag)
	return id
}

// plain builds an untagged message.
func plain(source, command string, params ...string) ircmsg.Message {
	return ircmsg.MakeMessage(nil, source, command, params...)
}

// tagged builds a message carrying a fresh msgid. The id is recorded as seen
// so the message is dropped if it comes back to us.
func (e *Engine) tagged(source, command string, params ...string) ircmsg.Message {
	id := uuid.NewString()
	e.seen.Seen(id)
	return ircmsg.MakeMessage(map[string]string{msgidTag: id}, source, command, params...)
}

// clientMessage converts a link message for delivery to local clients.
func clientMessage(prefix, command string, params ...string) irc.Message {
	return irc.Message{Prefix: prefix, Command: command, Params: params}
}

func joinSIDs(sids []ts6.SID) string {
	s := make([]string, len(sids))
	for i, sid := range sids {
		s[i] = string(sid)
	}
	return strings.Join(s, ",")
}

func splitSIDs(s string) ([]ts6.SID, error) {
	var sids []ts6.SID
	for _, part := range strings.Split(s, ",") {
		if !ts6.IsValidSID(part) {
			return nil, errors.Errorf("invalid SID in path: %s", part)
		}
		sids = append(sids, ts6.SID(part))
	}
	return sids, nil
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func parseTS(s string) (int64, error) {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ts < 0 {
		return 0, errors.Errorf("invalid TS: %s", s)
	}
	return ts, nil
}

// sidMessage introduces srv with the path we reach it by.
func sidMessage(from ts6.SID, srv state.Server, path []ts6.SID) ircmsg.Message {
	return plain(string(from), "SID", srv.Name, strconv.Itoa(len(path)+1),
		string(srv.SID), joinSIDs(path), srv.Description)
}

func squitMessage(from, sid ts6.SID, reason string) ircmsg.Message {
	return plain(string(from), "SQUIT", string(sid), reason)
}

func uidMessage(from ts6.SID, u state.User, hops int) ircmsg.Message {
	ip := u.IP
	if ip == "" {
		ip = "0"
	}
	return plain(string(from), "UID", u.Nick, strconv.Itoa(hops), itoa(u.NickTS),
		u.Modes.String(), u.Username, u.Host, ip, string(u.UID), u.RealName)
}

// sjoinMessages describes a channel and the given members, split over as
// many lines as needed.
func sjoinMessages(from ts6.SID, ch state.Channel, members []state.Member) []ircmsg.Message {
	var msgs []ircmsg.Message
	for len(members) > 0 {
		n := sjoinChunk
		if n > len(members) {
			n = len(members)
		}
		parts := make([]string, n)
		for i, m := range members[:n] {
			parts[i] = m.Status.Prefix() + string(m.UID)
		}
		msgs = append(msgs, plain(string(from), "SJOIN", itoa(ch.TS), ch.Name,
			ch.Modes.String(), strings.Join(parts, " ")))
		members = members[n:]
	}
	return msgs
}

// parseUser reads a UID line.
func parseUser(m ircmsg.Message) (state.User, error) {
	if len(m.Params) < 9 {
		return state.User{}, errors.New("not enough parameters")
	}
	ts, err := parseTS(m.Params[2])
	if err != nil {
		return state.User{}, err
	}
	uid := m.Params[7]
	if !ts6.IsValidUID(uid) {
		return state.User{}, errors.Errorf("invalid UID: %s", uid)
	}
	if m.Params[0] == "" {
		return state.User{}, errors.New("blank nick")
	}
	ip := m.Params[6]
	if ip == "0" {
		ip = ""
	}
	modes := state.ParseModes(m.Params[3])
	return state.User{
		UID:       ts6.UID(uid),
		Nick:      m.Params[0],
		NickTS:    ts,
		Modes:     modes,
		Username:  m.Params[4],
		Host:      m.Params[5],
		IP:        ip,
		RealName:  m.Params[8],
		IsService: modes.Has('S'),
	}, nil
}

// parseMembers reads an SJOIN member list.
func parseMembers(s string) []state.Member {
	var members []state.Member
	for _, f := range strings.Fields(s) {
		st, uid := state.ParseStatusPrefix(f)
		if !ts6.IsValidUID(uid) {
			continue
		}
		members = append(members, state.Member{UID: ts6.UID(uid), Status: st})
	}
	return members
}

// bmaskMessages lists a channel's ban or exception masks.
func bmaskMessages(from ts6.SID, ch state.Channel, kind byte, masks []string) []ircmsg.Message {
	var msgs []ircmsg.Message
	for len(masks) > 0 {
		n := sjoinChunk
		if n > len(masks) {
			n = len(masks)
		}
		msgs = append(msgs, plain(string(from), "BMASK", itoa(ch.TS), ch.Name,
			string(kind), strings.Join(masks[:n], " ")))
		masks = masks[n:]
	}
	return msgs
}
