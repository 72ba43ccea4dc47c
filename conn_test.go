package chat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// lineCollector gathers segments into lines and publishes each line on
// FoundTerminator.
type lineCollector struct {
	line  []byte
	lines chan string
}

func newLineCollector() *lineCollector {
	return &lineCollector{lines: make(chan string, 16)}
}

func (c *lineCollector) CollectIncomingData(data []byte) error {
	c.line = append(c.line, data...)
	return nil
}

func (c *lineCollector) FoundTerminator() error {
	c.lines <- string(c.line)
	c.line = nil
	return nil
}

func (c *lineCollector) next(t *testing.T) string {
	t.Helper()

	select {
	case line := <-c.lines:
		return line
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for line")
		return ""
	}
}

// fakeNetConn is a net.Conn whose Write and Close results are scripted.
type fakeNetConn struct {
	net.Conn
	mu       sync.Mutex
	writeErr error
	closeErr error
	written  bytes.Buffer
}

func (f *fakeNetConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.written.Write(p)
}

func (f *fakeNetConn) Close() error {
	return f.closeErr
}

func (f *fakeNetConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 21}
}

func (f *fakeNetConn) SetWriteDeadline(time.Time) error {
	return nil
}

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	clientChan := make(chan net.Conn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

func newTestConn(t *testing.T, consumer Consumer, opt ...Option) *Conn {
	t.Helper()

	opt = append([]Option{LoggerOption(&mockLogger{})}, opt...)
	conn, err := NewConn(consumer, opt...)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	return conn
}

func runConn(conn *Conn, ctx context.Context) chan error {
	done := make(chan error, 1)
	go func() {
		done <- conn.Run(ctx)
	}()
	return done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to complete")
		return nil
	}
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	return buf
}

func TestNewConn(t *testing.T) {
	conn := newTestConn(t, newLineCollector())

	if conn.IsConnected() {
		t.Error("new conn should not be connected")
	}
	if conn.Addr() != nil {
		t.Error("Addr should be nil before Attach")
	}
	if conn.Terminator().String() != CRLF.String() {
		t.Errorf("terminator = %v, want %v", conn.Terminator(), CRLF)
	}
}

func TestNewConn_NilConsumer(t *testing.T) {
	_, err := NewConn(nil)
	if err != ErrNotImplemented {
		t.Errorf("expected ErrNotImplemented, got %v", err)
	}
}

func TestNewConn_InvalidTerminator(t *testing.T) {
	_, err := NewConn(newLineCollector(), TerminatorOption(Literal("")))
	if !errors.Is(err, ErrInvalidTerminator) {
		t.Errorf("expected ErrInvalidTerminator, got %v", err)
	}
}

func TestConn_PushBeforeConnect(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	connected := make(chan struct{}, 1)
	conn := newTestConn(t, newLineCollector(), OnConnectOption(func() {
		connected <- struct{}{}
	}))
	defer conn.Close()

	for _, p := range []string{"P1", "P2", "P3"} {
		if err := conn.PushString(p); err != nil {
			t.Fatalf("Push(%s) failed: %v", p, err)
		}
	}
	if conn.Pending() != 3 {
		t.Errorf("Pending = %d, want 3", conn.Pending())
	}

	if err := conn.Attach(serverConn); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	select {
	case <-connected:
	default:
		t.Error("connect callback not fired")
	}

	if got := string(readExactly(t, clientConn, 6)); got != "P1P2P3" {
		t.Errorf("received = %q, want %q", got, "P1P2P3")
	}
	if conn.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", conn.Pending())
	}
	if !conn.IsConnected() {
		t.Error("expected connected after Attach")
	}
}

func TestConn_AttachTwice(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn := newTestConn(t, newLineCollector())
	defer conn.Close()

	if err := conn.Attach(serverConn); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := conn.Attach(&fakeNetConn{}); err != ErrAlreadyConnected {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestConn_Run_NotConnected(t *testing.T) {
	conn := newTestConn(t, newLineCollector())

	if err := conn.Run(context.Background()); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestConn_Run_ReadFrames(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	lines := newLineCollector()
	conn := newTestConn(t, lines)
	if err := conn.Attach(serverConn); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runConn(conn, ctx)

	clientConn.Write([]byte("abc\r"))
	time.Sleep(20 * time.Millisecond)
	clientConn.Write([]byte("\ndef\r\n"))

	if got := lines.next(t); got != "abc" {
		t.Errorf("line = %q, want abc", got)
	}
	if got := lines.next(t); got != "def" {
		t.Errorf("line = %q, want def", got)
	}

	cancel()
	if err := waitDone(t, done); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if !conn.IsClosed() {
		t.Error("conn should be closed after Run returns")
	}
}

func TestConn_Run_PeerClose(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	conn := newTestConn(t, newLineCollector())
	if err := conn.Attach(serverConn); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	done := runConn(conn, context.Background())

	clientConn.Close()

	if err := waitDone(t, done); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestConn_Run_ConsumerError(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn := newTestConn(t, ConsumerFuncs{})
	if err := conn.Attach(serverConn); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	done := runConn(conn, context.Background())

	clientConn.Write([]byte("220 ready\r\n"))

	if err := waitDone(t, done); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("expected ErrNotImplemented, got %v", err)
	}
}

func TestConn_Run_IdleTimeout(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn := newTestConn(t, newLineCollector(), IdleTimeoutOption(50*time.Millisecond))
	if err := conn.Attach(serverConn); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	err := waitDone(t, runConn(conn, context.Background()))
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestConn_CloseDuringRun(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn := newTestConn(t, newLineCollector())
	if err := conn.Attach(serverConn); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	done := runConn(conn, context.Background())

	time.Sleep(20 * time.Millisecond)
	if err := conn.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if err := waitDone(t, done); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestConn_Close_Idempotent(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn := newTestConn(t, newLineCollector())
	if err := conn.Attach(serverConn); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if !conn.IsClosed() {
		t.Error("expected IsClosed to return true after Close")
	}
	if conn.IsConnected() {
		t.Error("closed conn reports connected")
	}

	if err := conn.PushString("QUIT\r\n"); err != ErrConnectionClosed {
		t.Errorf("Push after close: expected ErrConnectionClosed, got %v", err)
	}
	if err := conn.Run(context.Background()); err != ErrConnectionClosed {
		t.Errorf("Run after close: expected ErrConnectionClosed, got %v", err)
	}
	if err := conn.Attach(&fakeNetConn{}); err != ErrConnectionClosed {
		t.Errorf("Attach after close: expected ErrConnectionClosed, got %v", err)
	}

	if _, err := serverConn.Write([]byte("test")); err == nil {
		t.Error("expected error writing to closed transport")
	}
}

func TestConn_Close_NeverConnected(t *testing.T) {
	conn := newTestConn(t, newLineCollector())

	if err := conn.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestConn_Close_Errors(t *testing.T) {
	tests := []struct {
		name     string
		closeErr error
		wantFail bool
	}{
		{"already closed", net.ErrClosed, false},
		{"not connected", syscall.ENOTCONN, false},
		{"bad descriptor", os.NewSyscallError("close", syscall.EBADF), false},
		{"other", errors.New("device busy"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newTestConn(t, newLineCollector())
			if err := conn.Attach(&fakeNetConn{closeErr: tt.closeErr}); err != nil {
				t.Fatalf("Attach failed: %v", err)
			}

			err := conn.Close()
			if tt.wantFail && !errors.Is(err, ErrCloseFailure) {
				t.Errorf("expected ErrCloseFailure, got %v", err)
			}
			if !tt.wantFail && err != nil {
				t.Errorf("expected nil, got %v", err)
			}
		})
	}
}

func TestConn_Push_TransportFailure_Disconnects(t *testing.T) {
	logger := &mockLogger{}
	raw := &fakeNetConn{writeErr: syscall.EPIPE}

	conn, err := NewConn(newLineCollector(), LoggerOption(logger))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	if err := conn.Attach(raw); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	err = conn.PushString("RETR file\r\n")
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Errorf("expected ErrTransportUnavailable, got %v", err)
	}
	if !conn.IsClosed() {
		t.Error("default error path should close the connection")
	}
	if !logger.logged("error", "connection error") {
		t.Error("error not logged")
	}
}

func TestConn_Push_TransportFailure_Continue(t *testing.T) {
	raw := &fakeNetConn{writeErr: syscall.EPIPE}

	var reported []error
	conn := newTestConn(t, newLineCollector(), OnErrorOption(func(err error) ErrorAction {
		reported = append(reported, err)
		return Continue
	}))
	if err := conn.Attach(raw); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if err := conn.PushString("A"); err == nil {
		t.Fatal("expected push error")
	}
	conn.PushString("B")

	if len(reported) != 2 {
		t.Errorf("reported %d errors, want 2", len(reported))
	}
	if conn.IsClosed() {
		t.Fatal("Continue should keep the connection open")
	}
	if conn.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", conn.Pending())
	}

	raw.mu.Lock()
	raw.writeErr = nil
	raw.mu.Unlock()

	if err := conn.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := raw.written.String(); got != "AB" {
		t.Errorf("written = %q, want AB", got)
	}
}

func TestConn_Dial(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := listener.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn := newTestConn(t, newLineCollector())
	conn.PushString("USER anonymous\r\n")

	if err := conn.Dial(context.Background(), "tcp", listener.Addr().String()); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if conn.Addr() == nil {
		t.Error("Addr returned nil")
	}

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for accept")
	}
	defer peer.Close()

	if got := string(readExactly(t, peer, 16)); got != "USER anonymous\r\n" {
		t.Errorf("received = %q", got)
	}
}

func TestConn_Dial_Refused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	conn := newTestConn(t, newLineCollector())
	if err := conn.Dial(context.Background(), "tcp", addr); err == nil {
		t.Error("expected dial error")
	}
	if conn.IsConnected() {
		t.Error("failed dial left conn connected")
	}
}

func TestConn_TerminatorChangeFromCallback(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	var conn *Conn
	var header, body bytes.Buffer
	frames := make(chan struct{}, 2)
	inBody := false

	consumer := ConsumerFuncs{
		Collect: func(data []byte) error {
			if inBody {
				body.Write(data)
			} else {
				header.Write(data)
			}
			return nil
		},
		Found: func() error {
			frames <- struct{}{}
			if inBody {
				inBody = false
				return conn.SetTerminator(CRLF)
			}
			inBody = true
			return conn.SetTerminator(ByteCount(4))
		},
	}

	conn = newTestConn(t, consumer)
	if err := conn.Attach(serverConn); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runConn(conn, ctx)

	clientConn.Write([]byte("LEN 4\r\n\r\n\r\n"))

	for i := 0; i < 2; i++ {
		select {
		case <-frames:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for frame")
		}
	}

	cancel()
	waitDone(t, done)

	if header.String() != "LEN 4" {
		t.Errorf("header = %q", header.String())
	}
	if body.String() != "\r\n\r\n" {
		t.Errorf("body = %q", body.String())
	}
}

func TestConn_TrafficHook(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	var mu sync.Mutex
	traffic := map[Direction]*bytes.Buffer{Inbound: {}, Outbound: {}}
	hook := func(dir Direction, data []byte) {
		mu.Lock()
		traffic[dir].Write(data)
		mu.Unlock()
	}

	lines := newLineCollector()
	conn := newTestConn(t, lines, TrafficOption(hook))
	if err := conn.Attach(serverConn); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runConn(conn, ctx)

	clientConn.Write([]byte("220 hi\r\n"))
	lines.next(t)
	conn.PushString("QUIT\r\n")
	readExactly(t, clientConn, 6)

	cancel()
	waitDone(t, done)

	mu.Lock()
	defer mu.Unlock()
	if got := traffic[Inbound].String(); got != "220 hi\r\n" {
		t.Errorf("inbound = %q", got)
	}
	if got := traffic[Outbound].String(); got != "QUIT\r\n" {
		t.Errorf("outbound = %q", got)
	}
}

func TestConn_Encoding(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	lines := newLineCollector()
	conn := newTestConn(t, lines, EncodingOption(charmap.ISO8859_1))
	if err := conn.Attach(serverConn); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runConn(conn, ctx)

	clientConn.Write([]byte{'2', '5', '7', ' ', 'c', 'a', 'f', 0xE9, '\r', '\n'})
	if got := lines.next(t); got != "257 café" {
		t.Errorf("line = %q, want %q", got, "257 café")
	}

	if err := conn.PushString("CWD café\r\n"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	want := []byte{'C', 'W', 'D', ' ', 'c', 'a', 'f', 0xE9, '\r', '\n'}
	if got := readExactly(t, clientConn, len(want)); !bytes.Equal(got, want) {
		t.Errorf("received = %q, want %q", got, want)
	}

	cancel()
	waitDone(t, done)
}

func TestConn_Telnet(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	lines := newLineCollector()
	conn := newTestConn(t, lines, TelnetOption())
	if err := conn.Attach(serverConn); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runConn(conn, ctx)

	clientConn.Write([]byte("login: N0CALL\r\n"))
	if got := lines.next(t); got != "login: N0CALL" {
		t.Errorf("line = %q", got)
	}

	conn.PushString("bye\r\n")
	if got := string(readExactly(t, clientConn, 5)); got != "bye\r\n" {
		t.Errorf("received = %q", got)
	}

	cancel()
	waitDone(t, done)
}

func TestConn_TrafficHookMayUseConn(t *testing.T) {
	raw := &fakeNetConn{}

	var conn *Conn
	var pending []int
	conn = newTestConn(t, newLineCollector(), TrafficOption(func(dir Direction, data []byte) {
		if dir != Outbound {
			return
		}
		pending = append(pending, conn.Pending())
		_ = conn.Addr()
		if string(data) == "A" {
			_ = conn.PushString("B")
		}
	}))
	conn.PushString("A")

	done := make(chan error, 1)
	go func() {
		done <- conn.Attach(raw)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Attach deadlocked in the traffic hook")
	}

	if got := raw.written.String(); got != "AB" {
		t.Errorf("written = %q, want AB", got)
	}
	if len(pending) != 2 || pending[0] != 0 || pending[1] != 0 {
		t.Errorf("pending seen by hook = %v, want [0 0]", pending)
	}
}

func TestConn_AttachAfterClose(t *testing.T) {
	conn := newTestConn(t, newLineCollector())
	conn.PushString("A")
	conn.Close()

	raw := &fakeNetConn{}
	if err := conn.Attach(raw); err != ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if conn.IsConnected() {
		t.Error("closed conn must not be connected")
	}
	if raw.written.Len() != 0 {
		t.Errorf("written = %q, want nothing", raw.written.String())
	}
}
