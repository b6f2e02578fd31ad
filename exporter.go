// Package ewexport streams Earthworm framed messages to a single downstream
// consumer over TCP. It frames payloads with byte-stuffing, sends periodic
// heartbeats, splits oversized trace buffers and waits for a new consumer
// whenever the current one goes away.
package ewexport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by exporter operations.
var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("exporter closed")
	// ErrClientDisconnected matches any write failure on the attached client.
	// The client has already been released when it is returned.
	ErrClientDisconnected = errors.New("client disconnected")
	// ErrConfiguration matches fatal setup failures.
	ErrConfiguration = errors.New("invalid exporter configuration")
)

type configErr struct {
	err error
}

func configError(err error) error {
	return &configErr{err: err}
}

func (e *configErr) Error() string        { return "configuration: " + e.err.Error() }
func (e *configErr) Unwrap() error        { return e.err }
func (e *configErr) Is(target error) bool { return target == ErrConfiguration }

type disconnectErr struct {
	addr net.Addr
	err  error
}

func (e *disconnectErr) Error() string {
	return "client " + addrString(e.addr) + " disconnected: " + e.err.Error()
}
func (e *disconnectErr) Unwrap() error        { return e.err }
func (e *disconnectErr) Is(target error) bool { return target == ErrClientDisconnected }

func addrString(addr net.Addr) string {
	if addr == nil {
		return "<nil>"
	}
	return addr.String()
}

// State is the connection state of an Exporter.
type State int

const (
	// StateListening means no client is attached.
	StateListening State = iota
	// StateConnected means exactly one client is attached.
	StateConnected
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// client is the attached consumer.
type client struct {
	conn net.Conn
	in   *bufio.Reader
	addr net.Addr
}

// Exporter owns a listening socket and at most one attached client.
// Export is called by a single producer; a background goroutine sends
// heartbeats while a client is attached.
type Exporter struct {
	listener Listener
	logger   Logger
	opts     options

	// mu guards state and client, and is held for every frame written so
	// frames never interleave on the wire.
	mu       sync.Mutex
	state    State
	client   *client
	composer *composer

	// acceptMu serialises WaitForClient callers.
	acceptMu sync.Mutex

	// group runs the heartbeat loop and every drain goroutine; Close waits
	// for all of them.
	group     errgroup.Group
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New binds a TCP listener on port and returns a started Exporter.
// Returns an error matching ErrConfiguration if the port cannot be bound or
// the options are invalid.
func New(port int, opt ...Option) (*Exporter, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}

	l, err := Listen(port)
	if err != nil {
		return nil, err
	}

	return newExporter(l, opts), nil
}

// NewWithListener returns a started Exporter that accepts clients from l.
// The Exporter takes ownership of l.
func NewWithListener(l Listener, opt ...Option) (*Exporter, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}
	return newExporter(l, opts), nil
}

func buildOptions(opt []Option) (options, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return options{}, err
	}
	return opts, nil
}

func newExporter(l Listener, opts options) *Exporter {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Exporter{
		listener: l,
		logger:   opts.logger,
		opts:     opts,
		state:    StateListening,
		composer: newComposer(opts),
		cancel:   cancel,
	}

	e.logger.Info("exporter listening", "addr", l.Addr(),
		"institution", opts.institution,
		"module", opts.module,
		"heartbeat_interval", opts.heartbeatInterval,
		"max_tracebuf_size", opts.maxTraceBufSize)

	e.group.Go(func() error {
		e.heartbeatLoop(ctx)
		return nil
	})
	return e
}

// Addr returns the listener's network address.
func (e *Exporter) Addr() net.Addr {
	return e.listener.Addr()
}

// State returns the current connection state.
func (e *Exporter) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// WaitForClient blocks until a client is attached. Each accept attempt is
// bounded by the accept timeout; on timeout any half-open client resources are
// released and the attempt is retried. A newly accepted client receives one
// heartbeat before WaitForClient returns.
//
// Returns ErrClosed after Close, or ctx.Err() once ctx is done, including
// while an accept attempt is in progress.
func (e *Exporter) WaitForClient(ctx context.Context) error {
	e.acceptMu.Lock()
	defer e.acceptMu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch e.State() {
		case StateClosed:
			return ErrClosed
		case StateConnected:
			return nil
		}

		conn, err := e.listener.Accept(ctx, e.opts.acceptTimeout)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				if conn != nil {
					_ = conn.Close()
				}
				return ctxErr
			}
			if isTimeout(err) {
				if conn != nil {
					_ = conn.Close()
				}
				e.CloseClient()
				e.logger.Debug("no client yet", "addr", e.listener.Addr(), "timeout", e.opts.acceptTimeout)
				e.opts.onEvent(Event{Kind: EventAcceptTimeout})
				continue
			}
			if e.State() == StateClosed {
				return ErrClosed
			}
			e.logger.Error("accept error", "error", err)
			return errors.Wrap(err, "accept")
		}

		return e.attach(conn)
	}
}

// attach makes conn the active client and validates it with a heartbeat.
// EventClientConnected is emitted before the validation heartbeat, so a client
// that fails validation still produces a connected/closed pair.
func (e *Exporter) attach(conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateClosed {
		_ = conn.Close()
		return ErrClosed
	}

	cl := &client{
		conn: conn,
		in:   bufio.NewReader(conn),
		addr: conn.RemoteAddr(),
	}
	e.client = cl
	e.composer.attach(conn)
	e.state = StateConnected

	e.logger.Info("accepted connection", "addr", cl.addr)
	e.opts.onEvent(Event{Kind: EventClientConnected, Addr: cl.addr})

	e.group.Go(func() error {
		e.drain(cl)
		return nil
	})

	return e.heartbeatLocked(e.opts.heartbeatText)
}

// drain reads whatever the consumer sends back until the connection closes.
func (e *Exporter) drain(cl *client) {
	fr := NewFrameReader(cl.in, defaultMaxInboundFrame)
	for {
		payload, err := fr.ReadFrame()
		if errors.Is(err, ErrFrameTooLarge) {
			e.logger.Debug("dropping oversized inbound frame", "addr", cl.addr, "limit", defaultMaxInboundFrame)
			continue
		}
		if err != nil {
			e.logger.Debug("inbound stream ended", "addr", cl.addr, "error", err)
			return
		}
		msg, err := ParseMessage(payload)
		if err != nil {
			e.logger.Debug("ignoring inbound frame", "addr", cl.addr, "error", err)
			continue
		}
		e.logger.Debug("inbound message", "addr", cl.addr, "type", msg.Header.Type, "length", msg.Length())
		e.opts.onEvent(Event{Kind: EventInboundMessage, Addr: cl.addr, Message: msg})
	}
}

// CloseClient releases the attached client, if any, and returns to the
// listening state. Safe to call multiple times.
func (e *Exporter) CloseClient() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeClientLocked()
}

func (e *Exporter) closeClientLocked() {
	cl := e.client
	e.client = nil
	e.composer.detach()
	if e.state != StateClosed {
		e.state = StateListening
	}
	if cl == nil {
		return
	}

	// Closing the connection releases both the inbound reader and the frame writer.
	_ = cl.conn.Close()

	e.logger.Info("connection closed", "addr", cl.addr)
	e.opts.onEvent(Event{Kind: EventClientClosed, Addr: cl.addr})
}

// Close releases the client and the listener, then waits for the heartbeat
// and inbound goroutines to exit. The Exporter cannot be reused. Safe to call
// multiple times.
func (e *Exporter) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()

		e.mu.Lock()
		e.closeClientLocked()
		e.state = StateClosed
		e.closeErr = e.listener.Close()
		e.mu.Unlock()

		_ = e.group.Wait()
		e.logger.Info("exporter stopped", "addr", e.listener.Addr())
	})
	return e.closeErr
}

// Export sends tb to the attached client, waiting for one first if needed.
// Buffers larger than the maximum trace buffer size are split; all chunks of
// one buffer are written without a heartbeat in between.
//
// A write failure releases the client and returns an error matching
// ErrClientDisconnected; calling Export again waits for a new client.
func (e *Exporter) Export(ctx context.Context, tb *TraceBuf) error {
	bodies, err := e.composer.encodeTraceBuf(tb)
	if err != nil {
		return errors.Wrapf(err, "encode %s", tb)
	}

	for {
		e.mu.Lock()
		switch e.state {
		case StateClosed:
			e.mu.Unlock()
			return ErrClosed
		case StateConnected:
			err := e.exportLocked(bodies)
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()

		if err := e.WaitForClient(ctx); err != nil {
			return err
		}
	}
}

func (e *Exporter) exportLocked(bodies [][]byte) error {
	cl := e.client
	_ = cl.conn.SetWriteDeadline(time.Now().Add(e.opts.writeTimeout))

	n, err := e.composer.sendTraceBuf(bodies)
	if len(bodies) > 1 {
		e.logger.Debug("split trace buffer", "addr", cl.addr, "chunks", len(bodies), "written", n)
		e.opts.onEvent(Event{Kind: EventTraceBufSplit, Addr: cl.addr, Chunks: len(bodies)})
	}
	if err != nil {
		e.logger.Warn("export failed", "addr", cl.addr, "error", err)
		e.opts.onEvent(Event{Kind: EventExportFailed, Addr: cl.addr, Err: err})
		return e.failLocked(cl, err)
	}
	return nil
}

// failLocked releases cl after a failed write. API misuse is returned as is so
// it never reads as a disconnect worth retrying.
func (e *Exporter) failLocked(cl *client, err error) error {
	e.closeClientLocked()
	if errors.Is(err, ErrProtocolUsage) {
		return err
	}
	return &disconnectErr{addr: cl.addr, err: err}
}

// Heartbeat sends a heartbeat carrying text. It is a no-op when no client is
// attached. A write failure releases the client and returns an error matching
// ErrClientDisconnected.
func (e *Exporter) Heartbeat(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateConnected {
		return nil
	}
	return e.heartbeatLocked(text)
}

func (e *Exporter) heartbeatLocked(text string) error {
	cl := e.client
	_ = cl.conn.SetWriteDeadline(time.Now().Add(e.opts.writeTimeout))

	if err := e.composer.sendHeartbeat(text); err != nil {
		e.logger.Warn("heartbeat failed", "addr", cl.addr, "error", err)
		e.opts.onEvent(Event{Kind: EventHeartbeatFailed, Addr: cl.addr, Err: err})
		return e.failLocked(cl, err)
	}
	return nil
}

// heartbeatLoop fires shortly after construction and then every heartbeat
// interval until ctx is canceled. Failures never stop it.
func (e *Exporter) heartbeatLoop(ctx context.Context) {
	timer := time.NewTimer(e.opts.heartbeatDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// The client is already released on failure; the next Export reconnects.
		_ = e.Heartbeat(e.opts.heartbeatText)

		timer.Reset(e.opts.heartbeatInterval)
	}
}

// Sent returns the number of trace buffer messages written.
func (e *Exporter) Sent() uint64 {
	return e.composer.sent.Load()
}

// SplitSent returns the number of oversized trace buffers that were split.
func (e *Exporter) SplitSent() uint64 {
	return e.composer.splitSent.Load()
}

// Heartbeats returns the number of heartbeats written.
func (e *Exporter) Heartbeats() uint64 {
	return e.composer.heartbeats.Load()
}

// Stats is a snapshot of an exporter's counters.
type Stats struct {
	State      State
	Client     net.Addr
	Sent       uint64
	SplitSent  uint64
	Heartbeats uint64
}

// Stats returns a snapshot of the exporter's state and counters.
func (e *Exporter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		State:      e.state,
		Sent:       e.composer.sent.Load(),
		SplitSent:  e.composer.splitSent.Load(),
		Heartbeats: e.composer.heartbeats.Load(),
	}
	if e.client != nil {
		s.Client = e.client.addr
	}
	return s
}
