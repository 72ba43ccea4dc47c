package chat

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// Direction tells a TrafficHook which way bytes travelled.
type Direction int

const (
	// Inbound bytes were read from the transport.
	Inbound Direction = iota
	// Outbound bytes were handed to the transport.
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

// TrafficHook observes raw protocol traffic. data must not be retained.
type TrafficHook func(dir Direction, data []byte)

// debugTraffic logs the size of every chunk at debug level.
func debugTraffic(logger Logger) TrafficHook {
	return func(dir Direction, data []byte) {
		logger.Debug("traffic", "dir", dir.String(), "bytes", len(data))
	}
}
