// Package session is the line transport under both client connections and
// peer links. Each session has a reader goroutine feeding an inbound channel
// and a writer goroutine draining a bounded outbound queue, so a slow socket
// never blocks whoever is sending to it.
package session

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrSendQueueExceeded closes a session whose outbound queue filled up.
var ErrSendQueueExceeded = errors.New("SendQ exceeded")

// ErrClosed is the close reason when none was given.
var ErrClosed = errors.New("connection closed")

// Transport is what connection handlers need from a session.
type Transport interface {
	// Lines delivers inbound lines without their line endings. It is closed
	// when reading stops.
	Lines() <-chan string

	// Send queues a line. It never blocks. It returns false if the session is
	// closed or the queue was full, in which case the session is closed.
	Send(line string) bool

	// Close stops the session. Lines already queued are still written. Only
	// the first reason sticks.
	Close(reason error)

	// Done is closed once Close is called.
	Done() <-chan struct{}

	// Err is the reason the session closed.
	Err() error

	RemoteAddr() net.Addr
}

// Config holds a session's limits.
type Config struct {
	// QueueSize bounds the outbound queue.
	QueueSize int

	// ReadTimeout is how long a read may block. Hitting it closes the session.
	ReadTimeout time.Duration

	// WriteTimeout bounds each write.
	WriteTimeout time.Duration
}

// Session is a line oriented connection.
type Session struct {
	conn net.Conn
	rw   *bufio.ReadWriter
	cfg  Config
	log  *logrus.Entry

	lines chan string
	queue chan string
	done  chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error

	writerDone chan struct{}
}

// New wraps a connection. Call Start to begin reading and writing.
func New(conn net.Conn, cfg Config, log *logrus.Entry) *Session {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Session{
		conn:       conn,
		rw:         bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		cfg:        cfg,
		log:        log,
		lines:      make(chan string),
		queue:      make(chan string, cfg.QueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Start launches the reader and writer. Cancelling the context closes the
// session.
func (s *Session) Start(ctx context.Context) {
	go s.readLoop()
	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close(ctx.Err())
		case <-s.done:
		}
	}()
}

// Lines implements Transport.
func (s *Session) Lines() <-chan string { return s.lines }

// Done implements Transport.
func (s *Session) Done() <-chan struct{} { return s.done }

// WriterDone is closed after the writer has flushed and closed the socket.
func (s *Session) WriterDone() <-chan struct{} { return s.writerDone }

// RemoteAddr implements Transport.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// IP is the remote IP, or blank if the connection has none.
func (s *Session) IP() string {
	addr, ok := s.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}

// Err implements Transport.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send implements Transport.
func (s *Session) Send(line string) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.queue <- line:
		return true
	default:
		s.Close(ErrSendQueueExceeded)
		return false
	}
}

// Close implements Transport.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrClosed
		}
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Session) readLoop() {
	defer close(s.lines)

	for {
		if s.cfg.ReadTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
				// There may still be buffered data to read.
				s.log.Debugf("Error setting read deadline: %s", err)
			}
		}

		line, err := s.rw.ReadString('\n')
		if err != nil {
			s.Close(errors.Wrap(err, "error reading"))
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		select {
		case s.lines <- line:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.log.Debugf("Problem closing connection: %s", err)
		}
	}()

	for {
		select {
		case line := <-s.queue:
			if err := s.write(line); err != nil {
				s.Close(err)
				return
			}
		case <-s.done:
			s.drain()
			return
		}
	}
}

// drain writes whatever is still queued, so a final ERROR reaches the peer.
func (s *Session) drain() {
	for {
		select {
		case line := <-s.queue:
			if err := s.write(line); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(line string) error {
	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return errors.Wrap(err, "error setting write deadline")
		}
	}

	if !strings.HasSuffix(line, "\n") {
		line += "\r\n"
	}
	if _, err := s.rw.WriteString(line); err != nil {
		return errors.Wrap(err, "error writing")
	}

	// Batch writes while more lines are waiting.
	if len(s.queue) > 0 {
		return nil
	}
	if err := s.rw.Flush(); err != nil {
		return errors.Wrap(err, "flush error")
	}
	return nil
}
