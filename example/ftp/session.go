package main

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/time/rate"

	"github.com/Zereker/chat"
	"github.com/Zereker/chat/reply"
	"github.com/Zereker/chat/zaplog"
)

var (
	errLoginFailed = errors.New("login failed")
	errUnexpected  = errors.New("unexpected reply")
	errIncomplete  = errors.New("connection closed before QUIT completed")
)

type state int

const (
	stateGreeting state = iota
	stateUser
	statePass
	stateCommands
	stateDone
)

// session walks an FTP control connection through login and a fixed
// list of commands.
type session struct {
	cfg    clientConfig
	conn   *chat.Conn
	logger *zap.Logger

	state   state
	next    int
	replies []reply.Reply
}

func newSession(cfg clientConfig, logger *zap.Logger) *session {
	return &session{cfg: cfg, logger: logger}
}

func (s *session) handle(r reply.Reply) error {
	s.replies = append(s.replies, r)
	s.logger.Info("reply", zap.Int("code", r.Code), zap.String("text", r.Text()))

	// 1xx never advances the dialogue
	if r.Class() == reply.Preliminary {
		return nil
	}

	switch s.state {
	case stateGreeting:
		if r.Code != 220 {
			return errors.Wrapf(errUnexpected, "greeting %d", r.Code)
		}
		s.state = stateUser
		return s.conn.PushString("USER " + s.cfg.User + "\r\n")

	case stateUser:
		switch r.Code {
		case 230:
			return s.sendNext()
		case 331:
			s.state = statePass
			return s.conn.PushString("PASS " + s.cfg.Password + "\r\n")
		}
		return errors.Wrapf(errLoginFailed, "USER: %d %s", r.Code, r.Text())

	case statePass:
		if r.Code == 230 || r.Code == 202 {
			return s.sendNext()
		}
		return errors.Wrapf(errLoginFailed, "PASS: %d %s", r.Code, r.Text())

	case stateCommands:
		if s.next < len(s.cfg.Commands) {
			return s.sendNext()
		}
		s.state = stateDone
		return s.conn.Close()
	}

	return nil
}

func (s *session) sendNext() error {
	if s.next >= len(s.cfg.Commands) {
		s.state = stateDone
		return s.conn.Close()
	}

	cmd := s.cfg.Commands[s.next]
	s.next++
	s.state = stateCommands
	s.logger.Debug("command", zap.String("cmd", cmd))
	return s.conn.PushString(cmd + "\r\n")
}

// finish maps the error returned by Run to the session outcome.
func (s *session) finish(err error) error {
	if s.state == stateDone {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return errIncomplete
	}
	return err
}

// runSession dials the server once and drives a full session.
func runSession(ctx context.Context, cfg clientConfig, logger *zap.Logger) ([]reply.Reply, error) {
	var in, out atomic.Uint64
	traffic := func(dir chat.Direction, data []byte) {
		if dir == chat.Inbound {
			in.Add(uint64(len(data)))
		} else {
			out.Add(uint64(len(data)))
		}
	}

	s := newSession(cfg, logger)

	opts := []chat.Option{
		chat.LoggerOption(zaplog.New(logger)),
		chat.TrafficOption(traffic),
		chat.IdleTimeoutOption(cfg.IdleTimeout),
	}
	if cfg.Latin1 {
		opts = append(opts, chat.EncodingOption(charmap.ISO8859_1))
	}

	conn, err := chat.NewConn(reply.New(s.handle, reply.MaxLineLength(4096)), opts...)
	if err != nil {
		return nil, err
	}
	s.conn = conn

	if err := conn.Dial(ctx, "tcp", cfg.Address); err != nil {
		return nil, err
	}

	err = s.finish(conn.Run(ctx))

	logger.Info("session finished",
		zap.String("addr", cfg.Address),
		zap.String("received", humanize.Bytes(in.Load())),
		zap.String("sent", humanize.Bytes(out.Load())),
		zap.Int("replies", len(s.replies)),
		zap.Error(err))

	return s.replies, err
}

// run retries runSession at most once per reconnect interval.
// A rejected login is never retried.
func run(ctx context.Context, cfg clientConfig, logger *zap.Logger) error {
	limiter := rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1)

	var err error
	for attempt := 1; cfg.MaxAttempts <= 0 || attempt <= cfg.MaxAttempts; attempt++ {
		if werr := limiter.Wait(ctx); werr != nil {
			return errors.WithMessage(werr, "waiting to reconnect")
		}

		_, err = runSession(ctx, cfg, logger)
		if err == nil {
			return nil
		}
		if errors.Is(err, errLoginFailed) || ctx.Err() != nil {
			return err
		}

		logger.Warn("session failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	return errors.WithMessagef(err, "giving up after %d attempts", cfg.MaxAttempts)
}
