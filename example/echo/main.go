package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zereker/chat"
)

// session echoes every line back in upper case until the peer sends QUIT.
type session struct {
	id   string
	conn *chat.Conn
	line []byte
}

func (s *session) CollectIncomingData(data []byte) error {
	s.line = append(s.line, data...)
	return nil
}

func (s *session) FoundTerminator() error {
	line := string(s.line)
	s.line = s.line[:0]
	linesTotal.Inc()

	if strings.EqualFold(line, "QUIT") {
		_ = s.conn.PushString("221 bye\r\n")
		return s.conn.Close()
	}
	return s.conn.PushString("200 " + strings.ToUpper(line) + "\r\n")
}

type echoServer struct {
	telnet bool

	sync.RWMutex
	sessions map[string]*session
}

func newEchoServer(telnet bool) *echoServer {
	return &echoServer{telnet: telnet, sessions: make(map[string]*session)}
}

func (e *echoServer) Handle(ctx context.Context, raw net.Conn) {
	s := &session{id: uuid.NewString()}

	opts := []chat.Option{
		chat.OnErrorOption(func(err error) chat.ErrorAction {
			slog.Error("connection error", "session", s.id, "error", err)
			return chat.Disconnect
		}),
		chat.TrafficOption(recordTraffic),
	}
	if e.telnet {
		opts = append(opts, chat.TelnetOption())
	}

	conn, err := chat.NewConn(s, opts...)
	if err != nil {
		slog.Error("failed to create connection", "error", err)
		raw.Close()
		return
	}
	s.conn = conn

	// greeting is queued and sent as soon as the transport is attached
	_ = conn.PushString("220 echo ready\r\n")
	if err := conn.Attach(raw); err != nil {
		slog.Error("failed to attach connection", "error", err)
		return
	}

	e.add(s)
	defer e.remove(s.id)

	_ = conn.Run(ctx)
}

func (e *echoServer) add(s *session) {
	e.Lock()
	defer e.Unlock()

	slog.Info("add session", "session", s.id, "addr", s.conn.Addr())
	e.sessions[s.id] = s
	activeSessions.Inc()
}

func (e *echoServer) remove(id string) {
	e.Lock()
	defer e.Unlock()

	delete(e.sessions, id)
	activeSessions.Dec()
}

// count returns the number of open sessions.
func (e *echoServer) count() int {
	e.RLock()
	defer e.RUnlock()
	return len(e.sessions)
}

func main() {
	address := flag.String("addr", "127.0.0.1:12345", "listen address")
	telnet := flag.Bool("telnet", false, "handle telnet IAC sequences")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this address")
	flag.Parse()

	registerMetrics()
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	addr, err := net.ResolveTCPAddr("tcp", *address)
	if err != nil {
		slog.Error("failed to resolve address", "error", err)
		os.Exit(1)
	}

	server, err := chat.New(addr)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Serve(ctx, newEchoServer(*telnet)); err != nil && ctx.Err() == nil {
		slog.Error("server error", "error", err)
	}
}
