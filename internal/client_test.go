package internal

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/horgh/irc"
)

// Client is a user connection to a harnessed server.
type Client struct {
	nick string
	addr string

	writeTimeout time.Duration
	readTimeout  time.Duration

	conn net.Conn
	rw   *bufio.ReadWriter

	// Writes come from the test and from the reader answering PINGs.
	writeMu sync.Mutex

	recvChan chan irc.Message
	doneChan chan struct{}
	wg       sync.WaitGroup
}

// NewClient creates a Client.
func NewClient(nick, serverHost string, serverPort uint16) *Client {
	return &Client{
		nick: nick,
		addr: net.JoinHostPort(serverHost, strconv.Itoa(int(serverPort))),

		writeTimeout: 30 * time.Second,
		readTimeout:  100 * time.Millisecond,
	}
}

// Start connects and registers. It returns the channel every message from
// the server arrives on. The client answers PINGs itself.
//
// The caller must call Stop() to clean up the client.
func (c *Client) Start() (<-chan irc.Message, error) {
	conn, err := net.DialTimeout("tcp", c.addr, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("error dialing: %s", err)
	}
	c.conn = conn
	c.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	if err := c.Send("NICK", c.nick); err != nil {
		_ = c.conn.Close()
		return nil, err
	}
	if err := c.Send("USER", c.nick, "0", "*", c.nick); err != nil {
		_ = c.conn.Close()
		return nil, err
	}

	c.recvChan = make(chan irc.Message, 512)
	c.doneChan = make(chan struct{})

	c.wg.Add(1)
	go c.reader()

	return c.recvChan, nil
}

func (c *Client) reader() {
	defer c.wg.Done()
	defer close(c.recvChan)

	for {
		select {
		case <-c.doneChan:
			return
		default:
		}

		m, err := c.readMessage()
		if err != nil {
			// We time out reads often so we notice doneChan.
			if strings.Contains(err.Error(), "i/o timeout") {
				continue
			}
			log.Printf("client %s: %s", c.nick, err)
			return
		}

		if m.Command == "PING" && len(m.Params) > 0 {
			if err := c.Send("PONG", m.Params[0]); err != nil {
				log.Printf("client %s: error sending PONG: %s", c.nick, err)
				return
			}
		}

		select {
		case c.recvChan <- m:
		case <-c.doneChan:
			return
		}
	}
}

// Send writes a message to the server.
func (c *Client) Send(command string, params ...string) error {
	buf, err := irc.Message{Command: command, Params: params}.Encode()
	if err != nil && err != irc.ErrTruncated {
		return fmt.Errorf("unable to encode message: %s", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("unable to set deadline: %s", err)
	}
	if _, err := c.rw.WriteString(buf); err != nil {
		return err
	}
	if err := c.rw.Flush(); err != nil {
		return fmt.Errorf("flush error: %s", err)
	}

	log.Printf("client %s: sent: %s", c.nick, strings.TrimRight(buf, "\r\n"))
	return nil
}

// readMessage reads a line from the connection and parses it as an IRC message.
func (c *Client) readMessage() (irc.Message, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return irc.Message{}, fmt.Errorf("unable to set deadline: %s", err)
	}

	line, err := c.rw.ReadString('\n')
	if err != nil {
		return irc.Message{}, err
	}

	log.Printf("client %s: read: %s", c.nick, strings.TrimRight(line, "\r\n"))

	m, err := irc.ParseMessage(line)
	if err != nil && err != irc.ErrTruncated {
		return irc.Message{}, fmt.Errorf("unable to parse message: %s: %s", line, err)
	}

	return m, nil
}

// Stop shuts down the client and cleans up.
func (c *Client) Stop() {
	close(c.doneChan)
	c.wg.Wait()
	_ = c.conn.Close()
}

// GetNick retrieves the client's nick.
func (c *Client) GetNick() string { return c.nick }

// poll sends a command until the reply is want rather than fail. It gives up
// after waiting 10 seconds.
func (c *Client) poll(t *testing.T, want, fail string, command string,
	params ...string) *irc.Message {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := c.Send(command, params...); err != nil {
			t.Fatalf("error sending %s: %s", command, err)
		}

	Reply:
		for {
			select {
			case m, ok := <-c.recvChan:
				if !ok {
					t.Fatalf("client %s: connection closed", c.nick)
				}
				if m.Command == want {
					return &m
				}
				if m.Command == fail {
					break Reply
				}
			case <-time.After(time.Until(deadline)):
				return nil
			}
		}

		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// sourceNick is the nick part of a nick!user@host prefix.
func sourceNick(prefix string) string {
	if i := strings.IndexByte(prefix, '!'); i != -1 {
		return prefix[:i]
	}
	return prefix
}
