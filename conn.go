// Package chat provides stream framing for command/response text protocols
// such as FTP, SMTP and NNTP.
// A Framer splits the inbound byte stream on a configurable terminator, an
// OutboundQueue serializes replies, and Conn ties both to a net.Conn.
package chat

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/ziutek/telnet"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/transform"
)

// Errors returned by connection operations.
var (
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotConnected is returned by Run before a transport is attached.
	ErrNotConnected = errors.New("connection not established")
	// ErrAlreadyConnected is returned when attaching a second transport.
	ErrAlreadyConnected = errors.New("connection already established")
	// ErrCloseFailure wraps transport close errors other than "already closed".
	ErrCloseFailure = errors.New("close failed")
)

// defaultReadBufferSize is the default size of a single transport read.
const defaultReadBufferSize = 4096

// Conn drives a Framer and an OutboundQueue over a network connection.
//
// Payloads may be pushed before the connection is established; they are
// written in push order once Attach or Dial succeeds. Consumer callbacks run
// on the goroutine executing Run.
type Conn struct {
	framer *Framer
	logger Logger
	opts   options

	// mu guards the transport, the queue, cancel and written.
	// No user hook runs while it is held.
	mu      sync.Mutex
	rawConn net.Conn
	reader  io.Reader
	queue   *OutboundQueue
	cancel  context.CancelFunc
	written [][]byte

	closed atomic.Bool
}

// NewConn creates an unconnected Conn delivering frames to consumer.
// Returns ErrNotImplemented if consumer is nil, or ErrInvalidTerminator if
// the configured terminator is malformed.
func NewConn(consumer Consumer, opt ...Option) (*Conn, error) {
	if consumer == nil {
		return nil, ErrNotImplemented
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	framer, err := NewFramer(consumer, opts.terminator)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		framer: framer,
		logger: opts.logger,
		opts:   opts,
	}
	c.queue = NewOutboundQueue(connTransport{c})

	return c, nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if !opts.terminatorSet {
		opts.terminator = CRLF
	}

	if err := opts.terminator.Validate(); err != nil {
		return err
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	if opts.writeTimeout < 0 {
		opts.writeTimeout = 0
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.traffic == nil {
		opts.traffic = debugTraffic(opts.logger)
	}

	return nil
}

// Attach binds an established network connection, sends every payload
// pushed so far and fires the connect callback.
func (c *Conn) Attach(raw net.Conn) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	if c.opts.telnet {
		tc, err := telnet.NewConn(raw)
		if err != nil {
			return errors.Wrap(err, "telnet")
		}
		raw = tc
	}

	var reader io.Reader = raw
	if c.opts.encoding != nil {
		reader = transform.NewReader(raw, c.opts.encoding.NewDecoder())
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.rawConn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.rawConn = raw
	c.reader = reader
	pending := c.queue.Len()
	err := c.queue.OnConnect()
	c.unlockAndReport()

	c.logger.Info("connection established", "addr", raw.RemoteAddr(), "pending", pending)

	if err != nil {
		c.handleError(err)
		return err
	}

	if c.opts.onConnect != nil {
		c.opts.onConnect()
	}

	return nil
}

// Dial connects to address and attaches the resulting connection.
func (c *Conn) Dial(ctx context.Context, network, address string) error {
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, address)
	if err != nil {
		return errors.Wrapf(err, "dial %s", address)
	}

	if err := c.Attach(raw); err != nil {
		_ = raw.Close()
		return err
	}

	return nil
}

// Run reads from the connection and feeds the framer until the context is
// canceled, the peer closes the connection or an unrecoverable error occurs.
// The connection is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	raw, reader := c.rawConn, c.reader
	if raw == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.logger.Debug("connection options", "addr", raw.RemoteAddr(),
		"terminator", c.framer.Terminator().String(),
		"read_buffer_size", c.opts.readBufferSize,
		"idle_timeout", c.opts.idleTimeout,
		"write_timeout", c.opts.writeTimeout)

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child, raw, reader)
	})

	group.Go(func() error {
		<-child.Done()
		// unblocks the pending read
		_ = raw.Close()
		return child.Err()
	})

	err := group.Wait()
	c.framer.Close()

	if closeErr := c.Close(); closeErr != nil {
		c.logger.Warn("close failed", "addr", raw.RemoteAddr(), "error", closeErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", raw.RemoteAddr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", raw.RemoteAddr())
	}

	return err
}

// readLoop hands every chunk read from r to the framer.
// Consumer errors end the loop; read errors go through onError.
func (c *Conn) readLoop(ctx context.Context, raw net.Conn, r io.Reader) error {
	buf := make([]byte, c.opts.readBufferSize)
	for {
		if c.opts.idleTimeout > 0 {
			_ = raw.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
		}

		n, err := r.Read(buf)
		if n > 0 {
			c.opts.traffic(Inbound, buf[:n])
			if ferr := c.framer.OnData(buf[:n]); ferr != nil {
				c.logger.Debug("consumer error", "addr", raw.RemoteAddr(), "error", ferr)
				return ferr
			}
		}

		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return err
		}

		c.logger.Debug("read error", "addr", raw.RemoteAddr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}
}

// Push queues payload for writing. Before the connection is established the
// payload is held; afterwards it is written immediately. Transport failures
// are passed to the error callback and returned.
func (c *Conn) Push(payload []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	err := c.queue.Push(payload)
	c.unlockAndReport()

	if err != nil {
		if errors.Is(err, ErrQueueClosed) {
			return ErrConnectionClosed
		}
		c.handleError(err)
		return err
	}

	return nil
}

// PushString queues s for writing.
func (c *Conn) PushString(s string) error {
	return c.Push([]byte(s))
}

// Flush retries payloads left queued by an earlier transport failure.
func (c *Conn) Flush() error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	err := c.queue.Flush()
	c.unlockAndReport()

	if err != nil {
		c.handleError(err)
	}
	return err
}

// Pending returns the number of payloads not yet handed to the transport.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// SetTerminator changes how the inbound stream is split. Call it from a
// consumer callback or before Run.
func (c *Conn) SetTerminator(t Terminator) error {
	return c.framer.SetTerminator(t)
}

// Terminator returns the current terminator.
func (c *Conn) Terminator() Terminator {
	return c.framer.Terminator()
}

// Close closes the connection. Safe to call multiple times, and on a
// connection that was never established.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}

	c.mu.Lock()
	c.queue.Close()
	raw, cancel := c.rawConn, c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if raw == nil {
		return nil
	}

	if err := raw.Close(); err != nil && !isBenignCloseError(err) {
		return errors.WithMessagef(ErrCloseFailure, "%v", err)
	}

	return nil
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// IsConnected returns true while payloads are written immediately.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Connected()
}

// Addr returns the remote address, or nil before the connection is established.
func (c *Conn) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rawConn == nil {
		return nil
	}
	return c.rawConn.RemoteAddr()
}

// handleError logs err and applies the error callback.
func (c *Conn) handleError(err error) {
	c.logger.Error("connection error", "addr", c.Addr(), "error", err)
	if c.opts.onError(err) != Disconnect {
		return
	}
	if closeErr := c.Close(); closeErr != nil {
		c.logger.Warn("close failed", "error", closeErr)
	}
}

// connTransport writes queued payloads to the connection. Called with mu held,
// so it only records what was written; hooks run after mu is released.
type connTransport struct {
	c *Conn
}

func (t connTransport) Send(payload []byte) error {
	return t.c.send(payload)
}

func (c *Conn) send(payload []byte) error {
	if c.rawConn == nil {
		return ErrTransportUnavailable
	}

	data := payload
	if c.opts.encoding != nil {
		encoded, err := c.opts.encoding.NewEncoder().Bytes(payload)
		if err != nil {
			return errors.Wrap(err, "encode payload")
		}
		data = encoded
	}

	if c.opts.writeTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}

	if _, err := c.rawConn.Write(data); err != nil {
		return errors.WithMessagef(ErrTransportUnavailable, "write: %v", err)
	}

	c.written = append(c.written, data)
	return nil
}

// unlockAndReport releases mu, then passes the payloads written while it
// was held to the traffic hook.
func (c *Conn) unlockAndReport() {
	written := c.written
	c.written = nil
	c.mu.Unlock()

	for _, data := range written {
		c.opts.traffic(Outbound, data)
	}
}

// isBenignCloseError reports errors meaning the transport was already gone.
func isBenignCloseError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, syscall.EBADF)
}
