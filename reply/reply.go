// Package reply assembles numbered server replies, as used by FTP, SMTP and
// NNTP, on top of a line-framed chat.Conn.
//
// A reply is a single line "ddd text", or a multiline block opened by
// "ddd-text" and closed by a line starting with the same code and a space.
package reply

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Zereker/chat"
)

var (
	// ErrMalformedReply is returned for a line that does not start with a reply code.
	ErrMalformedReply = errors.New("malformed reply")
	// ErrLineTooLong is returned when a line exceeds the configured maximum.
	ErrLineTooLong = errors.New("reply line too long")
)

// Class is the first digit of a reply code.
type Class int

const (
	// Preliminary (1xx): the command was accepted, another reply follows.
	Preliminary Class = 1
	// Completion (2xx): the command succeeded.
	Completion Class = 2
	// Intermediate (3xx): more input is needed, such as a password.
	Intermediate Class = 3
	// TransientNegative (4xx): the command failed but may be retried.
	TransientNegative Class = 4
	// PermanentNegative (5xx): the command failed and should not be retried.
	PermanentNegative Class = 5
)

// Reply is a complete server reply.
type Reply struct {
	Code  int
	Lines []string
}

// Class returns the reply class.
func (r Reply) Class() Class {
	return Class(r.Code / 100)
}

// Text joins the reply text without the codes on the first and last line.
func (r Reply) Text() string {
	if len(r.Lines) == 0 {
		return ""
	}
	lines := make([]string, len(r.Lines))
	copy(lines, r.Lines)
	lines[0] = stripCode(lines[0])
	if len(lines) > 1 {
		lines[len(lines)-1] = stripCode(lines[len(lines)-1])
	}
	return strings.Join(lines, "\n")
}

func (r Reply) String() string {
	return strings.Join(r.Lines, "\n")
}

// Handler receives each complete reply. A non-nil error is returned to the framer.
type Handler func(Reply) error

// Option configures an Assembler.
type Option func(*Assembler)

// MaxLineLength caps the length of a single line. Zero means unlimited.
func MaxLineLength(n int) Option {
	return func(a *Assembler) {
		a.maxLine = n
	}
}

// Assembler is a chat.Consumer turning lines into replies.
type Assembler struct {
	handler  Handler
	maxLine  int
	line     []byte
	dropping bool

	pending *Reply
}

var _ chat.Consumer = (*Assembler)(nil)

// New creates an Assembler delivering replies to handler.
func New(handler Handler, opts ...Option) *Assembler {
	a := &Assembler{handler: handler}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CollectIncomingData implements chat.Consumer.
func (a *Assembler) CollectIncomingData(data []byte) error {
	if a.dropping {
		return nil
	}
	if a.maxLine > 0 && len(a.line)+len(data) > a.maxLine {
		length := len(a.line) + len(data)
		a.line = a.line[:0]
		a.dropping = true
		return errors.Wrapf(ErrLineTooLong, "%d bytes", length)
	}
	a.line = append(a.line, data...)
	return nil
}

// FoundTerminator implements chat.Consumer.
func (a *Assembler) FoundTerminator() error {
	if a.dropping {
		a.dropping = false
		return nil
	}

	line := strings.TrimSuffix(string(a.line), "\r")
	a.line = a.line[:0]

	if a.pending != nil {
		a.pending.Lines = append(a.pending.Lines, line)
		if code, sep, ok := parseCode(line); ok && code == a.pending.Code && sep != '-' {
			return a.deliver()
		}
		return nil
	}

	code, sep, ok := parseCode(line)
	if !ok {
		return errors.Wrapf(ErrMalformedReply, "%q", line)
	}

	a.pending = &Reply{Code: code, Lines: []string{line}}
	if sep == '-' {
		return nil
	}
	return a.deliver()
}

// InProgress reports whether a multiline reply is being assembled.
func (a *Assembler) InProgress() bool {
	return a.pending != nil
}

func (a *Assembler) deliver() error {
	r := *a.pending
	a.pending = nil
	if a.handler == nil {
		return errors.WithMessage(chat.ErrNotImplemented, "reply handler")
	}
	return a.handler(r)
}

// parseCode reads a three digit code followed by ' ', '-' or end of line.
// sep is 0 at end of line.
func parseCode(line string) (code int, sep byte, ok bool) {
	if len(line) < 3 {
		return 0, 0, false
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, 0, false
		}
	}
	code, _ = strconv.Atoi(line[:3])
	if len(line) == 3 {
		return code, 0, true
	}
	switch line[3] {
	case ' ', '-':
		return code, line[3], true
	}
	return 0, 0, false
}

func stripCode(line string) string {
	if _, _, ok := parseCode(line); !ok {
		return line
	}
	if len(line) <= 4 {
		return ""
	}
	return line[4:]
}
