package chat

import (
	"time"

	"golang.org/x/text/encoding"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	terminator Terminator
	logger     Logger
	traffic    TrafficHook
	encoding   encoding.Encoding
	telnet     bool

	// onError is called when a transport error occurs.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError   func(error) ErrorAction
	onConnect func()

	terminatorSet  bool
	readBufferSize int           // size of a single transport read
	idleTimeout    time.Duration // read deadline, zero disables
	writeTimeout   time.Duration // write deadline, zero disables
}

// Option is a function that configures connection options.
type Option func(*options)

// TerminatorOption sets the initial terminator. Defaults to CRLF.
func TerminatorOption(t Terminator) Option {
	return func(o *options) {
		o.terminator = t
		o.terminatorSet = true
	}
}

// ReadBufferSizeOption sets how many bytes a single transport read may return.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// IdleTimeoutOption closes the connection when nothing is read for d.
// Zero disables the read deadline.
func IdleTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WriteTimeoutOption sets a deadline on every transport write.
func WriteTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked when a read/write error occurs.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnConnectOption sets a callback fired once the transport is attached and
// payloads pushed before the connection have been handed to it.
func OnConnectOption(cb func()) Option {
	return func(o *options) {
		o.onConnect = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// TrafficOption installs a hook observing every inbound chunk and outbound
// payload. Without it, chunk sizes are logged at debug level.
func TrafficOption(hook TrafficHook) Option {
	return func(o *options) {
		o.traffic = hook
	}
}

// EncodingOption decodes the inbound stream from enc to UTF-8 before framing
// and encodes outbound payloads from UTF-8 to enc.
func EncodingOption(enc encoding.Encoding) Option {
	return func(o *options) {
		o.encoding = enc
	}
}

// TelnetOption wraps the transport in a telnet connection that handles IAC
// command sequences.
func TelnetOption() Option {
	return func(o *options) {
		o.telnet = true
	}
}
