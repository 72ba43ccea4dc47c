package chat

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Handler is the interface for handling accepted connections.
// Handle typically wraps conn with NewConn and Attach, then calls Run.
type Handler interface {
	// Handle is called on its own goroutine for each accepted connection.
	// ctx is canceled when the server stops.
	Handle(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn net.Conn)

// Handle calls f(ctx, conn).
func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Server accepts TCP connections for a chat-style protocol.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // closed by Close to bypass the shutdown timeout
	closeOnce   sync.Once
	active      sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server waits up to this duration for
// running handlers to return before closing the listener.
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// New creates a new TCP server bound to the specified address.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve accepts connections and dispatches them to handler until ctx is
// canceled or Close is called. Handlers receive a context derived from ctx.
// With a shutdown timeout, Serve stops accepting as soon as ctx is canceled
// and then waits for running handlers before returning.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	connCtx, cancelConns := context.WithCancel(ctx)
	defer cancelConns()

	go func() {
		<-connCtx.Done()
		s.stopAccepting()
	}()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				if ctx.Err() != nil {
					s.drain()
					s.logger.Info("server stopped", "addr", s.listener.Addr())
					return ctx.Err()
				}
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		// Add is ordered before any drain Wait by mu
		s.active.Add(1)
		s.mu.Unlock()

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		go func() {
			defer s.active.Done()
			handler.Handle(connCtx, conn)
		}()
	}
}

// stopAccepting marks the server as shut down and unblocks Accept.
func (s *Server) stopAccepting() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	_ = s.listener.SetDeadline(time.Now())
}

// drain waits for running handlers, bounded by the shutdown timeout.
// It must only be called once no more handlers can be added.
func (s *Server) drain() {
	if s.shutdownTimeout <= 0 {
		return
	}

	s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
	drained := make(chan struct{})
	go func() {
		s.active.Wait()
		close(drained)
	}()

	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-drained:
	case <-timer.C:
		s.logger.Warn("shutdown timeout exceeded, handlers still running")
	case <-s.shutdownNow:
		s.logger.Debug("shutdown timeout bypassed via Close()")
	}
}

// Close stops the server by closing the underlying listener.
// If a shutdown timeout is configured, Close bypasses the remaining timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.shutdownNow) })

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
