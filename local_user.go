package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/horgh/irc"
	"github.com/horgh/meshcat/internal/link"
	"github.com/horgh/meshcat/internal/policy"
	"github.com/horgh/meshcat/internal/state"
	"github.com/horgh/meshcat/internal/ts6"
)

// LocalUser holds information relevant only to a regular user (non-server)
// client.
type LocalUser struct {
	*LocalClient

	UID ts6.UID
}

// NewLocalUser makes a LocalUser from a LocalClient.
func NewLocalUser(c *LocalClient, uid ts6.UID) *LocalUser {
	return &LocalUser{
		LocalClient: c,
		UID:         uid,
	}
}

func (u *LocalUser) String() string {
	return fmt.Sprintf("%s: %s", u.UID, u.LocalClient.String())
}

// self is the user as state has it now.
func (u *LocalUser) self() (state.User, bool) {
	return u.m.state.User(u.UID)
}

func (u *LocalUser) nick() string {
	su, ok := u.self()
	if !ok {
		return "*"
	}
	return su.Nick
}

// Send an IRC message to the client. Appears to be from the server.
func (u *LocalUser) messageFromServer(command string, params []string) {
	// For numeric messages, we need to prepend the nick.
	if isNumericCommand(command) {
		params = append([]string{u.nick()}, params...)
	}
	u.Deliver(u.m.serverMessage(command, params...))
}

func (u *LocalUser) serverNotice(s string) {
	u.messageFromServer("NOTICE", []string{u.nick(), "*** Notice --- " + s})
}

// fromUser builds a message with the user as its source.
func fromUser(su state.User, command string, params ...string) irc.Message {
	return irc.Message{
		Prefix:  su.DisplayMask(),
		Command: command,
		Params:  params,
	}
}

// The user sent us a message. Deal with it.
func (u *LocalUser) handleMessage(m irc.Message) {
	// Clients SHOULD NOT (section 2.3) send a prefix. I'm going to disallow it
	// completely for all commands.
	if m.Prefix != "" {
		u.messageFromServer("ERROR", []string{"Do not send a prefix"})
		return
	}

	if m.Command != "PING" && m.Command != "PONG" {
		u.m.state.TouchUser(u.UID, time.Now())
	}

	switch m.Command {
	case "CAP":
		// Non-RFC command that appears to be widely supported. Just ignore it
		// for now.
	case "NICK":
		u.nickCommand(m)
	case "USER":
		// 462 ERR_ALREADYREGISTRED
		u.messageFromServer("462", []string{"Unauthorized command (already registered)"})
	case "JOIN":
		u.joinCommand(m)
	case "PART":
		u.partCommand(m)
	// Per RFC these commands are near identical.
	case "PRIVMSG", "NOTICE":
		u.privmsgCommand(m)
	case "NAMES":
		u.namesCommand(m)
	case "TOPIC":
		u.topicCommand(m)
	case "MODE":
		u.modeCommand(m)
	case "WHOIS":
		u.whoisCommand(m)
	case "LUSERS":
		u.lusersCommand()
	case "MOTD":
		u.motdCommand()
	case "QUIT":
		u.quitCommand(m)
	case "PING":
		u.pingCommand(m)
	case "PONG":
		// Not doing anything with this. Just accept it.
	case "OPER":
		u.operCommand(m)
	case "KILL":
		u.killCommand(m)
	case "KLINE":
		u.klineCommand(m)
	case "UNKLINE":
		u.unklineCommand(m)
	case "CONNECT":
		u.connectCommand(m)
	case "SQUIT":
		u.squitCommand(m)
	case "LINKS":
		u.linksCommand()
	case "WALLOPS":
		u.wallopsCommand(m)
	case "CHGHOST":
		u.chghostCommand(m)
	case "REHASH":
		u.rehashCommand()
	case "DIE":
		u.dieCommand()
	default:
		// 421 ERR_UNKNOWNCOMMAND
		u.messageFromServer("421", []string{m.Command, "Unknown command"})
	}
}

// The NICK command after registration.
func (u *LocalUser) nickCommand(m irc.Message) {
	if len(m.Params) == 0 {
		// 431 ERR_NONICKNAMEGIVEN
		u.messageFromServer("431", []string{"No nickname given"})
		return
	}
	nick := m.Params[0]

	if !isValidNick(u.m.config().MaxNickLength, nick) {
		// 432 ERR_ERRONEUSNICKNAME
		u.messageFromServer("432", []string{nick, "Erroneous nickname"})
		return
	}

	if nick == u.nick() {
		return
	}

	ts := time.Now().Unix()
	r := u.m.state.RenameUser(u.UID, nick, ts, false)
	switch r.Outcome {
	case state.OK:
	case state.NickInUse:
		// 433 ERR_NICKNAMEINUSE
		u.messageFromServer("433", []string{nick, "Nickname is already in use"})
		return
	default:
		return
	}

	// Tell the user, and everyone on a channel with them. Only local users.
	// Servers tell their own.
	u.m.router.ToNeighbours(u.UID, fromUser(r.Old, "NICK", nick), true)
	u.m.engine.LocalNick(u.UID, nick, ts)
}

func (u *LocalUser) joinCommand(m irc.Message) {
	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"JOIN", "Not enough parameters"})
		return
	}

	for _, name := range strings.Split(m.Params[0], ",") {
		u.join(name)
	}
}

// join tries to put the user on the channel.
func (u *LocalUser) join(name string) {
	if !isValidChannel(name) {
		// 403 ERR_NOSUCHCHANNEL. Used to indicate channel name is invalid.
		u.messageFromServer("403", []string{name, "Invalid channel name"})
		return
	}

	su, ok := u.self()
	if !ok {
		return
	}

	if ch, exists := u.m.state.Channel(name); exists {
		if ch.HasMember(u.UID) {
			return
		}
		if ch.Modes.Has('i') {
			// 473 ERR_INVITEONLYCHAN
			u.messageFromServer("473", []string{ch.Name, "Cannot join channel (+i)"})
			return
		}
		if isBanned(ch, su) {
			// 474 ERR_BANNEDFROMCHAN
			u.messageFromServer("474", []string{ch.Name, "Cannot join channel (+b)"})
			return
		}
	}

	j := u.m.state.TryJoinChannel(u.UID, name, time.Now().Unix(), true)
	if j.Outcome != state.OK {
		return
	}

	if j.Created {
		ch, _, _ := u.m.state.ApplyChannelModes(name, 0, []state.ModeChange{
			{Add: true, Mode: 'n'},
			{Add: true, Mode: 't'},
		})
		if ch.Name != "" {
			j.Channel = ch
		}
	}

	// Tell the user and each local member.
	u.m.router.ToMembers(j.Channel, fromUser(su, "JOIN", j.Channel.Name), "")

	if j.Channel.Topic != "" {
		u.sendTopic(j.Channel)
	}
	u.sendNames(j.Channel)

	u.m.engine.LocalJoin(u.UID, j)
}

// isBanned checks the channel's bans and exceptions against a user.
func isBanned(ch state.Channel, su state.User) bool {
	mask := su.DisplayMask()
	banned := false
	for _, ban := range ch.Bans {
		if policy.MatchMask(ban, mask) {
			banned = true
			break
		}
	}
	if !banned {
		return false
	}
	for _, except := range ch.Excepts {
		if policy.MatchMask(except, mask) {
			return false
		}
	}
	return true
}

func (u *LocalUser) partCommand(m irc.Message) {
	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"PART", "Not enough parameters"})
		return
	}

	reason := ""
	if len(m.Params) >= 2 {
		reason = m.Params[1]
	}

	for _, name := range strings.Split(m.Params[0], ",") {
		u.part(name, reason)
	}
}

// part tries to remove the client from the channel.
func (u *LocalUser) part(name, reason string) {
	su, ok := u.self()
	if !ok {
		return
	}

	p := u.m.state.TryPartChannel(u.UID, name)
	switch p.Outcome {
	case state.OK:
	case state.NotOnChannel:
		// 442 ERR_NOTONCHANNEL
		u.messageFromServer("442", []string{name, "You're not on that channel"})
		return
	default:
		// 403 ERR_NOSUCHCHANNEL
		u.messageFromServer("403", []string{name, "No such channel"})
		return
	}

	params := []string{p.Channel.Name}
	if reason != "" {
		params = append(params, reason)
	}

	// The snapshot still has the user, so they hear about it too.
	u.m.router.ToMembers(p.Channel, fromUser(su, "PART", params...), "")
	u.m.engine.LocalPart(u.UID, p.Channel.Name, reason)
}

// privmsgCommand handles both PRIVMSG and NOTICE. NOTICE never gets an
// error reply.
func (u *LocalUser) privmsgCommand(m irc.Message) {
	notice := m.Command == "NOTICE"
	reply := func(command string, params []string) {
		if !notice {
			u.messageFromServer(command, params)
		}
	}

	if len(m.Params) == 0 {
		// 411 ERR_NORECIPIENT
		reply("411", []string{fmt.Sprintf("No recipient given (%s)", m.Command)})
		return
	}
	if len(m.Params) == 1 || m.Params[1] == "" {
		// 412 ERR_NOTEXTTOSEND
		reply("412", []string{"No text to send"})
		return
	}
	target, text := m.Params[0], m.Params[1]

	su, ok := u.self()
	if !ok {
		return
	}

	if strings.HasPrefix(target, "#") {
		ch, exists := u.m.state.Channel(target)
		if !exists {
			// 403 ERR_NOSUCHCHANNEL
			reply("403", []string{target, "No such channel"})
			return
		}
		if !canSend(ch, su) {
			// 404 ERR_CANNOTSENDTOCHAN
			reply("404", []string{ch.Name, "Cannot send to channel"})
			return
		}
		u.m.router.ToMembers(ch, fromUser(su, m.Command, ch.Name, text), u.UID)
		u.m.engine.LocalMessage(u.UID, m.Command, ch.Name, text)
		return
	}

	to, exists := u.m.state.UserByNick(target)
	if !exists {
		// 401 ERR_NOSUCHNICK
		reply("401", []string{target, "No such nick/channel"})
		return
	}

	if !to.IsRemote {
		u.m.router.ToUser(to.UID, fromUser(su, m.Command, to.Nick, text))
		return
	}
	u.m.engine.LocalMessage(u.UID, m.Command, to.Nick, text)
}

// canSend checks +n, +m and bans.
func canSend(ch state.Channel, su state.User) bool {
	st, member := ch.Members[su.UID]
	if !member && ch.Modes.Has('n') {
		return false
	}
	if st != 0 {
		return true
	}
	if ch.Modes.Has('m') {
		return false
	}
	return !isBanned(ch, su)
}

func (u *LocalUser) namesCommand(m irc.Message) {
	if len(m.Params) == 0 {
		// 366 RPL_ENDOFNAMES
		u.messageFromServer("366", []string{"*", "End of NAMES list"})
		return
	}

	for _, name := range strings.Split(m.Params[0], ",") {
		ch, exists := u.m.state.Channel(name)
		if !exists {
			u.messageFromServer("366", []string{name, "End of NAMES list"})
			continue
		}
		u.sendNames(ch)
	}
}

// sendNames sends RPL_NAMREPLY lines and RPL_ENDOFNAMES.
func (u *LocalUser) sendNames(ch state.Channel) {
	// = is a public channel. @ is secret. * is private.
	kind := "="
	if ch.Modes.Has('s') {
		kind = "@"
	} else if ch.Modes.Has('p') {
		kind = "*"
	}

	var names []string
	flush := func() {
		if len(names) == 0 {
			return
		}
		// 353 RPL_NAMREPLY
		u.messageFromServer("353", []string{kind, ch.Name, strings.Join(names, " ")})
		names = nil
	}

	for _, member := range ch.SortedMembers() {
		mu, ok := u.m.state.User(member.UID)
		if !ok {
			continue
		}
		names = append(names, member.Status.Prefix()+mu.Nick)
		if len(names) == 20 {
			flush()
		}
	}
	flush()

	// 366 RPL_ENDOFNAMES
	u.messageFromServer("366", []string{ch.Name, "End of NAMES list"})
}

func (u *LocalUser) sendTopic(ch state.Channel) {
	if ch.Topic == "" {
		// 331 RPL_NOTOPIC
		u.messageFromServer("331", []string{ch.Name, "No topic is set"})
		return
	}
	// 332 RPL_TOPIC
	u.messageFromServer("332", []string{ch.Name, ch.Topic})
	// 333 RPL_TOPICWHOTIME
	u.messageFromServer("333", []string{ch.Name, ch.TopicSetter,
		strconv.FormatInt(ch.TopicTS, 10)})
}

func (u *LocalUser) topicCommand(m irc.Message) {
	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"TOPIC", "Not enough parameters"})
		return
	}

	ch, exists := u.m.state.Channel(m.Params[0])
	if !exists {
		// 403 ERR_NOSUCHCHANNEL
		u.messageFromServer("403", []string{m.Params[0], "No such channel"})
		return
	}

	if len(m.Params) == 1 {
		u.sendTopic(ch)
		return
	}

	st, member := ch.Members[u.UID]
	if !member {
		// 442 ERR_NOTONCHANNEL
		u.messageFromServer("442", []string{ch.Name, "You're not on that channel"})
		return
	}
	if ch.Modes.Has('t') && st&state.StatusOp == 0 {
		// 482 ERR_CHANOPRIVSNEEDED
		u.messageFromServer("482", []string{ch.Name, "You're not channel operator"})
		return
	}

	topic := m.Params[1]
	if len(topic) > maxTopicLength {
		topic = topic[:maxTopicLength]
	}

	su, ok := u.self()
	if !ok {
		return
	}
	ch, changed := u.m.state.SetTopic(ch.Name, topic, su.DisplayMask(), time.Now().Unix(),
		false)
	if !changed {
		return
	}

	u.m.router.ToMembers(ch, fromUser(su, "TOPIC", ch.Name, topic), "")
	u.m.engine.LocalTopic(u.UID, ch.Name, topic)
}

func (u *LocalUser) modeCommand(m irc.Message) {
	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"MODE", "Not enough parameters"})
		return
	}

	if strings.HasPrefix(m.Params[0], "#") {
		u.channelModeCommand(m.Params[0], m.Params[1:])
		return
	}
	u.userModeCommand(m.Params[0], m.Params[1:])
}

// userModeCommand handles MODE <nick> [modes]. Users can set +i and +w,
// and drop those and +o. Only OPER gives +o.
func (u *LocalUser) userModeCommand(target string, args []string) {
	su, ok := u.self()
	if !ok {
		return
	}

	if state.CanonicalizeNick(target) != state.CanonicalizeNick(su.Nick) {
		// 502 ERR_USERSDONTMATCH
		u.messageFromServer("502", []string{"Cannot change mode for other users"})
		return
	}

	if len(args) == 0 {
		// 221 RPL_UMODEIS
		u.messageFromServer("221", []string{su.Modes.String()})
		return
	}

	var sb strings.Builder
	unknown := false
	add := true
	for i := 0; i < len(args[0]); i++ {
		c := args[0][i]
		switch {
		case c == '+':
			add = true
		case c == '-':
			add = false
		case c == 'i' || c == 'w' || (c == 'o' && !add):
			if add {
				sb.WriteByte('+')
			} else {
				sb.WriteByte('-')
			}
			sb.WriteByte(c)
		case c == 'o':
		default:
			unknown = true
		}
	}

	if unknown {
		// 501 ERR_UMODEUNKNOWNFLAG
		u.messageFromServer("501", []string{"Unknown MODE flag"})
	}

	after, applied, ok := u.m.state.SetUserModes(u.UID, sb.String())
	if !ok || applied == "" {
		return
	}

	u.Deliver(fromUser(after, "MODE", after.Nick, applied))
	u.m.engine.LocalUserModes(u.UID, applied)
}

func (u *LocalUser) channelModeCommand(name string, args []string) {
	ch, exists := u.m.state.Channel(name)
	if !exists {
		// 403 ERR_NOSUCHCHANNEL
		u.messageFromServer("403", []string{name, "No such channel"})
		return
	}

	if len(args) == 0 {
		// 324 RPL_CHANNELMODEIS
		u.messageFromServer("324", []string{ch.Name, ch.Modes.String()})
		// 329 RPL_CREATIONTIME
		u.messageFromServer("329", []string{ch.Name, strconv.FormatInt(ch.TS, 10)})
		return
	}

	// Listing bans or exceptions.
	if len(args) == 1 {
		switch strings.TrimPrefix(args[0], "+") {
		case "b":
			for _, mask := range ch.Bans {
				// 367 RPL_BANLIST
				u.messageFromServer("367", []string{ch.Name, mask})
			}
			// 368 RPL_ENDOFBANLIST
			u.messageFromServer("368", []string{ch.Name, "End of channel ban list"})
			return
		case "e":
			for _, mask := range ch.Excepts {
				// 348 RPL_EXCEPTLIST
				u.messageFromServer("348", []string{ch.Name, mask})
			}
			// 349 RPL_ENDOFEXCEPTLIST
			u.messageFromServer("349", []string{ch.Name, "End of channel exception list"})
			return
		}
	}

	su, ok := u.self()
	if !ok {
		return
	}

	if ch.Members[u.UID]&state.StatusOp == 0 && !su.IsOper() {
		// 482 ERR_CHANOPRIVSNEEDED
		u.messageFromServer("482", []string{ch.Name, "You're not channel operator"})
		return
	}

	changes, unknown := state.ParseModeChanges(args[0], args[1:])
	for _, c := range unknown {
		// 472 ERR_UNKNOWNMODE
		u.messageFromServer("472", []string{string(c), "is unknown mode char to me"})
	}

	// Member modes name nicks. State wants UIDs.
	var resolved []state.ModeChange
	for _, c := range changes {
		switch {
		case strings.IndexByte(state.ChannelMemberModes, c.Mode) != -1:
			target, exists := u.m.state.UserByNick(c.Arg)
			if !exists {
				// 401 ERR_NOSUCHNICK
				u.messageFromServer("401", []string{c.Arg, "No such nick/channel"})
				continue
			}
			if !ch.HasMember(target.UID) {
				// 441 ERR_USERNOTINCHANNEL
				u.messageFromServer("441", []string{target.Nick, ch.Name,
					"They aren't on that channel"})
				continue
			}
			c.Arg = string(target.UID)
		case strings.IndexByte(state.ChannelListModes, c.Mode) != -1:
			if !validChannelMask(c.Arg) {
				continue
			}
		}
		resolved = append(resolved, c)
	}

	ch, applied, outcome := u.m.state.ApplyChannelModes(ch.Name, 0, resolved)
	if outcome != state.OK {
		return
	}

	// Clients see nicks.
	shown := make([]state.ModeChange, 0, len(applied))
	for _, c := range applied {
		if strings.IndexByte(state.ChannelMemberModes, c.Mode) != -1 {
			if target, exists := u.m.state.User(ts6.UID(c.Arg)); exists {
				c.Arg = target.Nick
			}
		}
		shown = append(shown, c)
	}
	modes, modeArgs := state.FormatModeChanges(shown)
	params := append([]string{ch.Name, modes}, modeArgs...)

	u.m.router.ToMembers(ch, fromUser(su, "MODE", params...), "")
	u.m.engine.LocalChannelModes(string(u.UID), ch, applied)
}

// validChannelMask checks a ban or exception mask: nick!user@host with
// wildcards.
func validChannelMask(mask string) bool {
	bang := strings.IndexByte(mask, '!')
	at := strings.IndexByte(mask, '@')
	if bang < 1 || at < bang+2 || at == len(mask)-1 {
		return false
	}
	return policy.ValidMask(mask)
}

func (u *LocalUser) whoisCommand(m irc.Message) {
	if len(m.Params) == 0 {
		// 431 ERR_NONICKNAMEGIVEN
		u.messageFromServer("431", []string{"No nickname given"})
		return
	}

	// WHOIS [server] <nick>. Everything is known everywhere, so answer
	// ourselves.
	nick := m.Params[len(m.Params)-1]

	target, exists := u.m.state.UserByNick(nick)
	if !exists {
		// 401 ERR_NOSUCHNICK
		u.messageFromServer("401", []string{nick, "No such nick/channel"})
		// 318 RPL_ENDOFWHOIS
		u.messageFromServer("318", []string{nick, "End of WHOIS list"})
		return
	}

	// 311 RPL_WHOISUSER
	u.messageFromServer("311", []string{target.Nick, target.Username, target.Host, "*",
		target.RealName})

	var channels []string
	for _, name := range target.ChannelNames() {
		ch, exists := u.m.state.Channel(name)
		if !exists {
			continue
		}
		if ch.Modes.Has('s') && !ch.HasMember(u.UID) {
			continue
		}
		channels = append(channels, ch.Members[target.UID].Prefix()+ch.Name)
	}
	if len(channels) > 0 {
		// 319 RPL_WHOISCHANNELS
		u.messageFromServer("319", []string{target.Nick, strings.Join(channels, " ")})
	}

	if srv, exists := u.m.state.Server(target.SID); exists {
		// 312 RPL_WHOISSERVER
		u.messageFromServer("312", []string{target.Nick, srv.Name, srv.Description})
	}

	if target.IsOper() {
		// 313 RPL_WHOISOPERATOR
		u.messageFromServer("313", []string{target.Nick, "is an IRC operator"})
	}

	if !target.IsRemote {
		// 317 RPL_WHOISIDLE
		idle := time.Since(target.LastActive) / time.Second
		u.messageFromServer("317", []string{target.Nick,
			strconv.FormatInt(int64(idle), 10),
			strconv.FormatInt(target.SignonTime.Unix(), 10),
			"seconds idle, signon time"})
	}

	// 318 RPL_ENDOFWHOIS
	u.messageFromServer("318", []string{target.Nick, "End of WHOIS list"})
}

func (u *LocalUser) lusersCommand() {
	counts := u.m.state.Counts()

	// 251 RPL_LUSERCLIENT
	u.messageFromServer("251", []string{
		fmt.Sprintf("There are %d users and %d invisible on %d servers",
			counts.Users-counts.Invisible, counts.Invisible, counts.Servers),
	})

	// 252 RPL_LUSEROP
	u.messageFromServer("252", []string{strconv.Itoa(counts.Opers),
		"operator(s) online"})

	// 254 RPL_LUSERCHANNELS
	u.messageFromServer("254", []string{strconv.Itoa(counts.Channels),
		"channels formed"})

	// 255 RPL_LUSERME
	u.messageFromServer("255", []string{
		fmt.Sprintf("I have %d clients and %d servers", counts.LocalUsers,
			len(u.m.engine.Links())),
	})
}

func (u *LocalUser) motdCommand() {
	cfg := u.m.config()

	// 375 RPL_MOTDSTART
	u.messageFromServer("375", []string{
		fmt.Sprintf("- %s Message of the day - ", cfg.ServerName),
	})

	// 372 RPL_MOTD
	for _, line := range strings.Split(cfg.MOTD, "\n") {
		u.messageFromServer("372", []string{"- " + line})
	}

	// 376 RPL_ENDOFMOTD
	u.messageFromServer("376", []string{"End of MOTD command"})
}

func (u *LocalUser) quitCommand(m irc.Message) {
	msg := "Quit:"
	if len(m.Params) > 0 {
		msg += " " + m.Params[0]
	}
	u.quit(msg)
}

func (u *LocalUser) pingCommand(m irc.Message) {
	// Parameters: <server> (I choose to not support forwarding)
	if len(m.Params) == 0 {
		// 409 ERR_NOORIGIN
		u.messageFromServer("409", []string{"No origin specified"})
		return
	}

	u.messageFromServer("PONG", []string{u.m.config().ServerName, m.Params[0]})
}

func (u *LocalUser) operCommand(m irc.Message) {
	// Parameters: <name> <password>
	if len(m.Params) < 2 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"OPER", "Not enough parameters"})
		return
	}

	su, ok := u.self()
	if !ok {
		return
	}

	if su.IsOper() {
		// 381 RPL_YOUREOPER
		u.messageFromServer("381", []string{"You are already an IRC operator"})
		return
	}

	// Host matching is not supported.
	want, exists := u.m.config().Opers[m.Params[0]]
	if !exists || !link.CheckPassword(want, m.Params[1]) {
		// 464 ERR_PASSWDMISMATCH
		u.messageFromServer("464", []string{"Password incorrect"})
		return
	}

	after, applied, ok := u.m.state.SetUserModes(u.UID, "+o")
	if !ok {
		return
	}

	// 381 RPL_YOUREOPER
	u.messageFromServer("381", []string{"You are now an IRC operator"})
	u.Deliver(fromUser(after, "MODE", after.Nick, applied))
	u.m.engine.LocalUserModes(u.UID, applied)

	u.m.noticeOpers(fmt.Sprintf("%s is now an operator (%s)", after.DisplayMask(),
		m.Params[0]))
}

// requireOper tells non-operators no.
func (u *LocalUser) requireOper() bool {
	su, ok := u.self()
	if ok && su.IsOper() {
		return true
	}
	// 481 ERR_NOPRIVILEGES
	u.messageFromServer("481", []string{"Permission Denied- You're not an IRC operator"})
	return false
}

func (u *LocalUser) killCommand(m irc.Message) {
	if !u.requireOper() {
		return
	}

	// KILL <nick> <comment>
	if len(m.Params) < 2 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"KILL", "Not enough parameters"})
		return
	}

	target, exists := u.m.state.UserByNick(m.Params[0])
	if !exists {
		// 401 ERR_NOSUCHNICK
		u.messageFromServer("401", []string{m.Params[0], "No such nick/channel"})
		return
	}

	if !u.m.engine.KillUser(string(u.UID), target.UID, m.Params[1]) {
		return
	}

	u.m.noticeOpers(fmt.Sprintf("Received KILL message for %s. From %s (%s)",
		target.DisplayMask(), u.nick(), m.Params[1]))
}

// klineCommand handles KLINE [minutes] <user@host> <reason>. Without a
// duration the K-line is permanent.
func (u *LocalUser) klineCommand(m irc.Message) {
	if !u.requireOper() {
		return
	}

	params := m.Params
	var d time.Duration
	if len(params) > 0 {
		if minutes, err := strconv.Atoi(params[0]); err == nil {
			if minutes < 0 {
				u.serverNotice("Invalid duration")
				return
			}
			d = time.Duration(minutes) * time.Minute
			params = params[1:]
		}
	}

	if len(params) < 2 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"KLINE", "Not enough parameters"})
		return
	}

	userMask, hostMask, ok := splitUserHost(params[0])
	if !ok {
		u.serverNotice("Invalid user mask")
		return
	}

	err := u.m.engine.AddKLine(string(u.UID), policy.KLine{
		UserMask: userMask,
		HostMask: hostMask,
		Reason:   params[1],
	}, d)
	if err != nil {
		u.serverNotice(fmt.Sprintf("Unable to add K-line: %s", err))
		return
	}

	u.serverNotice(fmt.Sprintf("Added K-line for %s@%s.", userMask, hostMask))
}

func (u *LocalUser) unklineCommand(m irc.Message) {
	if !u.requireOper() {
		return
	}

	// UNKLINE <user@host>
	if len(m.Params) < 1 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"UNKLINE", "Not enough parameters"})
		return
	}

	userMask, hostMask, ok := splitUserHost(m.Params[0])
	if !ok {
		u.serverNotice("Invalid user mask")
		return
	}

	removed, err := u.m.engine.RemoveKLine(string(u.UID), userMask, hostMask)
	if err != nil {
		u.serverNotice(fmt.Sprintf("Unable to remove K-line: %s", err))
		return
	}
	if !removed {
		u.serverNotice(fmt.Sprintf("No K-line for %s@%s here. Removing it elsewhere.",
			userMask, hostMask))
		return
	}
	u.serverNotice(fmt.Sprintf("Removed K-line for %s@%s.", userMask, hostMask))
}

// splitUserHost splits user@host.
func splitUserHost(mask string) (string, string, bool) {
	at := strings.IndexByte(mask, '@')
	if at < 1 || at == len(mask)-1 {
		return "", "", false
	}
	user, host := mask[:at], mask[at+1:]
	if !policy.ValidMask(user) || !policy.ValidMask(host) {
		return "", "", false
	}
	return user, host, true
}

func (u *LocalUser) connectCommand(m irc.Message) {
	if !u.requireOper() {
		return
	}

	// CONNECT <target server>
	if len(m.Params) < 1 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"CONNECT", "Not enough parameters"})
		return
	}
	name := m.Params[0]

	peer, exists := u.m.engine.Peer(name)
	if !exists {
		// 402 ERR_NOSUCHSERVER
		u.messageFromServer("402", []string{name, "No such server"})
		return
	}

	if u.m.engine.IsLinked(peer.SID, peer.Name) {
		u.serverNotice(fmt.Sprintf("%s is already linked.", peer.Name))
		return
	}

	if !peer.Outbound {
		u.serverNotice(fmt.Sprintf("%s has no outbound address.", peer.Name))
		return
	}

	if !u.m.manager.Connect(u.ctx, peer.Name) {
		u.serverNotice(fmt.Sprintf("Already connecting to %s.", peer.Name))
		return
	}

	u.m.noticeOpers(fmt.Sprintf("%s issued CONNECT to %s", u.nick(), peer.Name))
}

func (u *LocalUser) squitCommand(m irc.Message) {
	if !u.requireOper() {
		return
	}

	// SQUIT <server> [comment]
	if len(m.Params) < 1 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"SQUIT", "Not enough parameters"})
		return
	}

	reason := u.nick()
	if len(m.Params) > 1 {
		reason = m.Params[1]
	}

	if !u.m.engine.Squit(m.Params[0], reason) {
		// 402 ERR_NOSUCHSERVER
		u.messageFromServer("402", []string{m.Params[0], "No such server"})
		return
	}

	u.m.noticeOpers(fmt.Sprintf("%s issued SQUIT for %s (%s)", u.nick(), m.Params[0],
		reason))
}

// linksCommand lists every server we know of. The hub is the server we
// reach it through.
func (u *LocalUser) linksCommand() {
	cfg := u.m.config()

	for _, srv := range u.m.state.Servers() {
		hub := cfg.ServerName
		if route, ok := srv.BestRoute(""); ok && !srv.Local && len(route.Path) > 0 {
			if via, exists := u.m.state.Server(route.Path[len(route.Path)-1]); exists {
				hub = via.Name
			}
		}
		// 364 RPL_LINKS
		u.messageFromServer("364", []string{srv.Name, hub,
			fmt.Sprintf("%d %s", srv.Hops(), srv.Description)})
	}

	// 365 RPL_ENDOFLINKS
	u.messageFromServer("365", []string{"*", "End of LINKS list"})
}

func (u *LocalUser) wallopsCommand(m irc.Message) {
	if !u.requireOper() {
		return
	}

	if len(m.Params) == 0 || m.Params[0] == "" {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"WALLOPS", "Not enough parameters"})
		return
	}

	su, ok := u.self()
	if !ok {
		return
	}

	u.m.router.ToLocal(fromUser(su, "WALLOPS", m.Params[0]), func(to state.User) bool {
		return to.Modes.Has('w')
	})
	u.m.engine.LocalWallops(string(u.UID), m.Params[0])
}

func (u *LocalUser) chghostCommand(m irc.Message) {
	if !u.requireOper() {
		return
	}

	// CHGHOST <nick> <host>
	if len(m.Params) < 2 {
		// 461 ERR_NEEDMOREPARAMS
		u.messageFromServer("461", []string{"CHGHOST", "Not enough parameters"})
		return
	}

	if !isValidHost(m.Params[1]) {
		u.serverNotice("Invalid host")
		return
	}

	target, exists := u.m.state.UserByNick(m.Params[0])
	if !exists {
		// 401 ERR_NOSUCHNICK
		u.messageFromServer("401", []string{m.Params[0], "No such nick/channel"})
		return
	}

	after, changed := u.m.engine.ChangeHost(string(u.UID), target.UID, m.Params[1])
	if !changed {
		return
	}

	if !after.IsRemote {
		// 396 RPL_VISIBLEHOST
		u.m.router.ToUser(after.UID, u.m.serverMessage("396", after.Nick, after.Host,
			"is now your visible host"))
	}
	u.serverNotice(fmt.Sprintf("Changed host of %s to %s.", after.Nick, after.Host))
}

func (u *LocalUser) rehashCommand() {
	if !u.requireOper() {
		return
	}

	if err := u.m.rehash(); err != nil {
		u.serverNotice(fmt.Sprintf("Rehash failed: %s", err))
		return
	}

	// 382 RPL_REHASHING
	u.messageFromServer("382", []string{u.m.ConfigFile, "Rehashing"})
	u.m.noticeOpers(fmt.Sprintf("%s is rehashing the configuration", u.nick()))
}

func (u *LocalUser) dieCommand() {
	if !u.requireOper() {
		return
	}

	u.m.noticeOpers(fmt.Sprintf("Received DIE command from %s", u.nick()))

	// Shutdown tells every client and link why.
	if u.m.shutdown != nil {
		u.m.shutdown()
	}
}

