package link

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Acceptor takes inbound link connections.
type Acceptor struct {
	e        *Engine
	listener net.Listener
	log      *logrus.Entry
	wg       sync.WaitGroup
}

// NewAcceptor creates an Acceptor for an open listener.
func NewAcceptor(e *Engine, ln net.Listener, log *logrus.Entry) *Acceptor {
	return &Acceptor{e: e, listener: ln, log: log}
}

// Run accepts connections until the context is done. Each connection is
// handshaked and served on its own goroutine.
func (a *Acceptor) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = a.listener.Close()
	}()
	defer a.wg.Wait()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				a.log.Warnf("Temporary error accepting link: %s", err)
				continue
			}
			return errors.Wrap(err, "error accepting link connection")
		}

		a.log.Debugf("Link connection from %s", conn.RemoteAddr())
		sess := a.e.NewSession(conn)
		sess.Start(ctx)

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			_ = a.e.Serve(ctx, sess, Inbound, nil, nil)
		}()
	}
}
