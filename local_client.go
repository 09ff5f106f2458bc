package main

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"github.com/horgh/irc"
	"github.com/horgh/meshcat/internal/policy"
	"github.com/horgh/meshcat/internal/session"
	"github.com/horgh/meshcat/internal/state"
	"github.com/horgh/meshcat/internal/ts6"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LocalClient holds state about a local connection.
// All connections are in this state until they register as a user. Servers
// link on their own port and never become clients.
type LocalClient struct {
	m *Meshcat

	// Locally unique identifier.
	ID uint64

	sess *session.Session
	log  *logrus.Entry

	// ctx is the context serve was called with. Things the client starts,
	// such as CONNECT, end with it.
	ctx context.Context

	flood *policy.Flood

	ConnectionStartTime time.Time
	LastActivityTime    time.Time

	// Set when we sent a PING and are waiting to hear anything.
	pinged bool

	// Info client may send us before we complete its registration.

	// NICK
	PreRegDisplayNick string

	// USER
	PreRegUser     string
	PreRegRealName string

	// user is set once the client registers.
	user *LocalUser

	// quitReason is what we tell channels when the client leaves. If blank
	// we work it out from why the connection closed.
	quitReason string
}

// NewLocalClient creates a LocalClient
func NewLocalClient(m *Meshcat, id uint64, conn net.Conn) *LocalClient {
	cfg := m.config()
	now := time.Now()
	return &LocalClient{
		m:  m,
		ID: id,
		sess: session.New(conn, session.Config{
			QueueSize:    cfg.SendQueueSize,
			ReadTimeout:  cfg.DeadTime,
			WriteTimeout: cfg.DeadTime,
		}, m.log.WithField("client", id)),
		log:                 m.log.WithFields(logrus.Fields{"client": id, "remote": conn.RemoteAddr().String()}),
		flood:               policy.NewFlood(cfg.FloodRate, cfg.FloodBurst),
		ConnectionStartTime: now,
		LastActivityTime:    now,
	}
}

func (c *LocalClient) String() string {
	return fmt.Sprintf("%d %s", c.ID, c.sess.RemoteAddr())
}

// host is the client's IP. Without a TCP address we use whatever the
// connection calls its remote end.
func (c *LocalClient) host() string {
	if ip := c.sess.IP(); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(c.sess.RemoteAddr().String())
	if err != nil {
		return c.sess.RemoteAddr().String()
	}
	return host
}

// Deliver queues a message to the client. It won't block. If the client's
// queue is full the session closes itself.
func (c *LocalClient) Deliver(m irc.Message) bool {
	buf, err := m.Encode()
	if err != nil && err != irc.ErrTruncated {
		c.log.Debugf("Unable to encode message: %s: %s", m, err)
		return false
	}
	return c.sess.Send(buf)
}

// Disconnect tells the client why we're closing its connection and closes
// it. It is safe to call from any goroutine.
func (c *LocalClient) Disconnect(reason string) {
	c.Deliver(irc.Message{
		Command: "ERROR",
		Params:  []string{fmt.Sprintf("Closing Link: %s (%s)", c.host(), reason)},
	})
	c.sess.Close(errors.New(reason))
}

// quit means the client is quitting. Tell it why and clean up. Only the
// client's own goroutine calls this.
func (c *LocalClient) quit(msg string) {
	if c.quitReason == "" {
		c.quitReason = msg
	}
	c.Disconnect(msg)
}

// serve reads and handles the client's messages until the connection ends.
func (c *LocalClient) serve(ctx context.Context) {
	c.ctx = ctx
	c.sess.Start(ctx)
	c.log.Debugf("Client connected.")

	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("Panic serving client: %v\n%s", r, debug.Stack())
			c.sess.Close(errors.New("Internal error"))
			c.cleanup()
		}
	}()

	wakeup := c.m.config().WakeupTime
	if wakeup <= 0 {
		wakeup = 10 * time.Second
	}
	ticker := time.NewTicker(wakeup)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-c.sess.Lines():
			if !ok {
				c.cleanup()
				return
			}
			c.handleLine(line)
		case <-c.sess.Done():
			c.cleanup()
			return
		case now := <-ticker.C:
			c.checkIdle(now)
		}
	}
}

func (c *LocalClient) handleLine(line string) {
	now := time.Now()
	c.LastActivityTime = now
	c.pinged = false

	if !c.flood.Allow(now) {
		c.quit("Excess Flood")
		return
	}

	m, err := irc.ParseMessage(line + "\r\n")
	if err != nil && err != irc.ErrTruncated {
		// Silently ignore malformed messages.
		c.log.Debugf("Invalid message: %s: %s", line, err)
		return
	}

	c.handleMessage(m)
}

// checkIdle pings a quiet client. The session's read timeout drops it if it
// stays quiet.
func (c *LocalClient) checkIdle(now time.Time) {
	if c.user == nil || c.pinged {
		return
	}
	if now.Sub(c.LastActivityTime) < c.m.config().PingTime {
		return
	}
	c.Deliver(irc.Message{Command: "PING", Params: []string{c.m.config().ServerName}})
	c.pinged = true
}

// cleanup forgets the client once its connection is gone. If nothing else
// removed the user already (a KILL or collision), its channels and the
// network hear it quit.
func (c *LocalClient) cleanup() {
	c.log.Debugf("Client gone: %v", c.sess.Err())

	if c.user == nil {
		return
	}
	uid := c.user.UID
	c.m.router.Unregister(uid)

	u, ok := c.m.state.RemoveUser(uid)
	if !ok {
		return
	}

	reason := c.quitReason
	if reason == "" {
		reason = c.m.errorToQuitMessage(c.sess.Err())
	}

	c.m.router.ToFormerNeighbours(u, irc.Message{
		Prefix:  u.DisplayMask(),
		Command: "QUIT",
		Params:  []string{reason},
	})
	c.m.engine.LocalQuit(uid, reason)

	c.m.noticeOpers(fmt.Sprintf("CLIEXIT %s %s %s %s (%s)", u.Nick, u.Username, u.Host,
		u.IP, reason))
}

// handleMessage handles a message from a client that has not registered.
func (c *LocalClient) handleMessage(m irc.Message) {
	if c.user != nil {
		c.user.handleMessage(m)
		return
	}

	// Clients SHOULD NOT (section 2.3) send a prefix. I'm going to disallow it
	// completely for all commands.
	if m.Prefix != "" {
		c.messageFromServer("ERROR", []string{"Do not send a prefix"})
		return
	}

	switch m.Command {
	case "CAP", "PASS":
		// Non-RFC command that appears to be widely supported. Just ignore it
		// for now. PASS is for servers and they use another port.
	case "NICK":
		c.nickCommand(m)
	case "USER":
		c.userCommand(m)
	case "PING":
		if len(m.Params) == 0 {
			// 409 ERR_NOORIGIN
			c.messageFromServer("409", []string{"No origin specified"})
			return
		}
		c.messageFromServer("PONG", []string{c.m.config().ServerName, m.Params[0]})
	case "PONG":
	case "QUIT":
		c.quit("Client Quit")
	default:
		// 451 ERR_NOTREGISTERED
		c.messageFromServer("451", []string{"You have not registered"})
	}
}

// The NICK command before registration.
func (c *LocalClient) nickCommand(m irc.Message) {
	// We should have one parameter: The nick they want.
	if len(m.Params) == 0 {
		// 431 ERR_NONICKNAMEGIVEN
		c.messageFromServer("431", []string{"No nickname given"})
		return
	}
	nick := m.Params[0]

	if !isValidNick(c.m.config().MaxNickLength, nick) {
		// 432 ERR_ERRONEUSNICKNAME
		c.messageFromServer("432", []string{nick, "Erroneous nickname"})
		return
	}

	// The nick is only claimed when registration completes, but tell them
	// early if it's taken.
	if _, exists := c.m.state.UserByNick(nick); exists {
		// 433 ERR_NICKNAMEINUSE
		c.messageFromServer("433", []string{nick, "Nickname is already in use"})
		return
	}

	c.PreRegDisplayNick = nick

	if c.PreRegUser != "" {
		c.registerUser()
	}
}

// The USER command before registration.
func (c *LocalClient) userCommand(m irc.Message) {
	// USER <username> <hostname> <servername> <realname>
	if len(m.Params) != 4 {
		// 461 ERR_NEEDMOREPARAMS
		c.messageFromServer("461", []string{"USER", "Not enough parameters"})
		return
	}

	user := m.Params[0]
	if !isValidUser(maxUserLength, user) {
		// There isn't an appropriate response in the RFC. ircd-ratbox sends an
		// ERROR message. Do that.
		c.messageFromServer("ERROR", []string{"Invalid username"})
		return
	}

	realName := m.Params[3]
	if !isValidRealName(realName) {
		c.messageFromServer("ERROR", []string{"Invalid realname"})
		return
	}

	c.PreRegUser = user
	c.PreRegRealName = realName

	if c.PreRegDisplayNick != "" {
		c.registerUser()
	}
}

func (c *LocalClient) registerUser() {
	cfg := c.m.config()
	host := c.host()
	username := "~" + c.PreRegUser

	// Check if they're klined. Don't accept further if so.
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	kline, banned, err := c.m.bans.Match(ctx, username, host)
	cancel()
	if err != nil {
		c.log.Warnf("Unable to check K-lines: %s", err)
	}
	if banned {
		// 465 ERR_YOUREBANNEDCREEP
		c.messageFromServer("465", []string{"You are banned from this server"})
		c.m.noticeOpers(fmt.Sprintf(
			"Rejecting user registration for %s!%s@%s. K-lined: %s",
			c.PreRegDisplayNick, username, host, kline.Reason))
		c.quit(fmt.Sprintf("Connection closed: %s", kline.Reason))
		return
	}

	uid, err := ts6.MakeUID(cfg.TS6SID, c.ID)
	if err != nil {
		c.log.Errorf("Unable to make UID: %s", err)
		c.quit("Server full")
		return
	}

	now := time.Now()
	u := state.User{
		UID:        uid,
		Nick:       c.PreRegDisplayNick,
		Username:   username,
		Host:       host,
		IP:         host,
		RealName:   c.PreRegRealName,
		Modes:      state.Modes{'i': {}},
		NickTS:     now.Unix(),
		SignonTime: now,
		LastActive: now,
	}

	switch o := c.m.state.AddUser(u); o {
	case state.OK:
	case state.NickInUse:
		// The nick was taken while they were registering.
		// 433 ERR_NICKNAMEINUSE
		c.messageFromServer("433", []string{u.Nick, "Nickname is already in use"})
		c.PreRegDisplayNick = ""
		return
	default:
		c.log.Errorf("Unable to add user %s: %s", u.Nick, o)
		c.quit("Internal error")
		return
	}

	lu := NewLocalUser(c, uid)
	c.user = lu
	c.m.router.Register(uid, c)

	// Tell linked servers about this new client.
	if added, ok := c.m.state.User(uid); ok {
		c.m.engine.LocalUser(added)
	}

	// RFC 2813 specifies messages to send upon registration.

	// 001 RPL_WELCOME
	lu.messageFromServer("001", []string{
		fmt.Sprintf("Welcome to the Internet Relay Network %s", u.DisplayMask()),
	})

	// 002 RPL_YOURHOST
	lu.messageFromServer("002", []string{
		fmt.Sprintf("Your host is %s, running version %s", cfg.ServerName, cfg.Version),
	})

	// 003 RPL_CREATED
	lu.messageFromServer("003", []string{
		fmt.Sprintf("This server was created %s", cfg.CreatedDate),
	})

	// 004 RPL_MYINFO
	// <servername> <version> <available user modes> <available channel modes>
	lu.messageFromServer("004", []string{
		cfg.ServerName,
		cfg.Version,
		state.UserModes,
		state.ChannelFlagModes + state.ChannelMemberModes + state.ChannelListModes,
	})

	lu.lusersCommand()
	lu.motdCommand()

	c.Deliver(irc.Message{
		Prefix:  u.DisplayMask(),
		Command: "MODE",
		Params:  []string{u.Nick, "+i"},
	})

	c.m.noticeOpers(fmt.Sprintf("CLICONN %s %s %s %s %s", u.Nick, u.Username, u.Host,
		u.IP, u.RealName))
}

// Send an IRC message to a client. Appears to be from the server.
func (c *LocalClient) messageFromServer(command string, params []string) {
	// For numeric messages, we need to prepend the nick.
	// Use * for the nick in cases where the client doesn't have one yet.
	// This is what ircd-ratbox does. Maybe not RFC...
	if isNumericCommand(command) {
		nick := "*"
		if len(c.PreRegDisplayNick) > 0 {
			nick = c.PreRegDisplayNick
		}
		params = append([]string{nick}, params...)
	}

	c.Deliver(c.m.serverMessage(command, params...))
}

// serverMessage builds a message from our server.
func (m *Meshcat) serverMessage(command string, params ...string) irc.Message {
	return irc.Message{
		Prefix:  m.config().ServerName,
		Command: command,
		Params:  params,
	}
}
