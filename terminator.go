package chat

import (
	"strconv"

	"github.com/pkg/errors"
)

// ErrInvalidTerminator is returned when a terminator is malformed:
// an empty literal sequence or a negative byte count.
var ErrInvalidTerminator = errors.New("invalid terminator")

// TerminatorKind identifies how a Terminator delimits frames.
type TerminatorKind int

const (
	// KindNone delivers every byte as it arrives and never fires FoundTerminator.
	KindNone TerminatorKind = iota
	// KindByteCount delivers exactly N bytes as one frame.
	KindByteCount
	// KindLiteral delivers everything up to the first occurrence of a byte sequence.
	KindLiteral
)

func (k TerminatorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindByteCount:
		return "count"
	case KindLiteral:
		return "literal"
	default:
		return "unknown"
	}
}

// Terminator defines frame boundaries in the inbound stream.
// The zero value is NoTerminator.
type Terminator struct {
	kind    TerminatorKind
	count   int
	literal []byte
}

// Common line terminators.
var (
	CRLF = Literal("\r\n")
	LF   = Literal("\n")
)

// NoTerminator disables framing.
func NoTerminator() Terminator {
	return Terminator{kind: KindNone}
}

// ByteCount frames the next n bytes. A count of zero behaves like NoTerminator.
func ByteCount(n int) Terminator {
	return Terminator{kind: KindByteCount, count: n}
}

// Literal frames on the given sequence.
func Literal(seq string) Terminator {
	return LiteralBytes([]byte(seq))
}

// LiteralBytes frames on the given sequence. The slice is copied.
func LiteralBytes(seq []byte) Terminator {
	return Terminator{kind: KindLiteral, literal: append([]byte(nil), seq...)}
}

// Kind returns the terminator kind.
func (t Terminator) Kind() TerminatorKind { return t.kind }

// Count returns the remaining byte count in KindByteCount mode.
func (t Terminator) Count() int { return t.count }

// Bytes returns a copy of the literal sequence in KindLiteral mode.
func (t Terminator) Bytes() []byte { return append([]byte(nil), t.literal...) }

// Validate reports whether the terminator can be installed on a Framer.
func (t Terminator) Validate() error {
	switch t.kind {
	case KindNone:
		return nil
	case KindByteCount:
		if t.count < 0 {
			return errors.Wrapf(ErrInvalidTerminator, "negative byte count %d", t.count)
		}
		return nil
	case KindLiteral:
		if len(t.literal) == 0 {
			return errors.Wrap(ErrInvalidTerminator, "empty literal")
		}
		return nil
	default:
		return errors.Wrapf(ErrInvalidTerminator, "unknown kind %d", t.kind)
	}
}

// unterminated reports whether the scan should pass everything through.
func (t Terminator) unterminated() bool {
	return t.kind == KindNone || (t.kind == KindByteCount && t.count == 0)
}

func (t Terminator) String() string {
	switch t.kind {
	case KindByteCount:
		return "count(" + strconv.Itoa(t.count) + ")"
	case KindLiteral:
		return strconv.Quote(string(t.literal))
	default:
		return t.kind.String()
	}
}
