package ewexport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Listener accepts client connections with a bounded wait.
// Accept must return an error satisfying net.Error with Timeout() == true when
// no client arrived within timeout, and must return promptly once ctx is done.
// A connection returned alongside an error is half-open and gets closed by the
// caller.
type Listener interface {
	Accept(ctx context.Context, timeout time.Duration) (net.Conn, error)
	Close() error
	Addr() net.Addr
}

type tcpListener struct {
	l *net.TCPListener
}

// Listen binds a TCP listener on all interfaces at port. Zero picks a free port.
func Listen(port int) (Listener, error) {
	return ListenAddr(&net.TCPAddr{Port: port})
}

// ListenAddr binds a TCP listener on addr.
func ListenAddr(addr *net.TCPAddr) (Listener, error) {
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, configError(errors.Wrapf(err, "listen on %s", addr))
	}
	return &tcpListener{l: l}, nil
}

func (t *tcpListener) Accept(ctx context.Context, timeout time.Duration) (net.Conn, error) {
	// Set a deadline so a missing client surfaces as a timeout
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.l.SetDeadline(deadline)

	// Cancellation expires the deadline early.
	stop := context.AfterFunc(ctx, func() {
		_ = t.l.SetDeadline(time.Now())
	})
	defer stop()

	conn, err := t.l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = conn.SetNoDelay(true)
	return conn, nil
}

func (t *tcpListener) Close() error {
	return t.l.Close()
}

func (t *tcpListener) Addr() net.Addr {
	return t.l.Addr()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
