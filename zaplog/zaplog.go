// Package zaplog adapts go.uber.org/zap to chat.Logger.
package zaplog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Zereker/chat"
)

// Init installs a production zap logger at level as the global logger.
func Init(level zapcore.Level) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return
	}
	zap.ReplaceGlobals(logger)
}

// Logger implements chat.Logger on top of a sugared zap logger.
// Key/value pairs are passed through as loosely typed fields.
type Logger struct {
	s *zap.SugaredLogger
}

var _ chat.Logger = (*Logger)(nil)

// New wraps l. A nil l uses the global logger.
func New(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.L()
	}
	return &Logger{s: l.Sugar()}
}

func (l *Logger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }
