package chat

import (
	"bytes"

	"github.com/pkg/errors"
)

// ErrFramerClosed is returned when data is fed to a closed Framer.
var ErrFramerClosed = errors.New("framer closed")

// Framer splits a chunked byte stream into frames according to its current
// Terminator and hands them to a Consumer.
//
// A Framer is not safe for concurrent use. Consumer hooks run on the caller
// of OnData and may call SetTerminator, but must not call OnData.
type Framer struct {
	consumer   Consumer
	terminator Terminator
	buf        bytes.Buffer
	closed     bool
}

// NewFramer creates a Framer delivering to consumer.
func NewFramer(consumer Consumer, t Terminator) (*Framer, error) {
	if consumer == nil {
		return nil, ErrNotImplemented
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Framer{consumer: consumer, terminator: t}, nil
}

// SetTerminator installs t. It takes effect on the next scan pass,
// including passes over data that is already buffered.
func (f *Framer) SetTerminator(t Terminator) error {
	if err := t.Validate(); err != nil {
		return err
	}
	f.terminator = t
	return nil
}

// Terminator returns the current terminator. In byte-count mode the count
// reflects the bytes still expected.
func (f *Framer) Terminator() Terminator {
	return f.terminator
}

// Buffered returns the number of bytes held back waiting for more data.
func (f *Framer) Buffered() int {
	return f.buf.Len()
}

// Close discards buffered data. Further OnData calls fail with ErrFramerClosed.
func (f *Framer) Close() {
	f.closed = true
	f.buf.Reset()
}

// OnData appends chunk to the inbound buffer and extracts every frame the
// buffer now holds. Bytes are removed from the buffer only once the consumer
// accepted them, so after a consumer error the undelivered frame, including
// its terminator, is still buffered.
func (f *Framer) OnData(chunk []byte) error {
	if f.closed {
		return ErrFramerClosed
	}
	f.buf.Write(chunk)

	for f.buf.Len() > 0 {
		t := f.terminator
		data := f.buf.Bytes()
		n := len(data)

		if t.unterminated() {
			return f.deliver(n, 0)
		}

		if t.kind == KindByteCount {
			if n < t.count {
				f.terminator.count -= n
				if err := f.deliver(n, 0); err != nil {
					f.restoreCount(t)
					return err
				}
				return nil
			}
			f.terminator.count = 0
			if err := f.deliver(t.count, 0); err != nil {
				f.restoreCount(t)
				return err
			}
			if err := f.consumer.FoundTerminator(); err != nil {
				return err
			}
			continue
		}

		// literal
		if i := bytes.Index(data, t.literal); i >= 0 {
			if err := f.deliver(i, len(t.literal)); err != nil {
				return err
			}
			if err := f.consumer.FoundTerminator(); err != nil {
				return err
			}
			continue
		}

		// keep a partial terminator at the tail until more data arrives
		p := partialTerminator(data, t.literal)
		return f.deliver(n-p, 0)
	}

	return nil
}

// deliver hands the first n buffered bytes to the consumer, then drops them
// together with the skip bytes that follow.
func (f *Framer) deliver(n, skip int) error {
	if err := f.collect(f.buf.Bytes()[:n]); err != nil {
		return err
	}
	f.buf.Next(n + skip)
	return nil
}

// restoreCount undoes a count update after a failed delivery, unless the
// consumer installed a different terminator meanwhile.
func (f *Framer) restoreCount(t Terminator) {
	if f.terminator.kind == KindByteCount {
		f.terminator = t
	}
}

func (f *Framer) collect(segment []byte) error {
	if len(segment) == 0 {
		return nil
	}
	return f.consumer.CollectIncomingData(segment)
}

// partialTerminator returns the length of the longest suffix of data that is
// a proper prefix of term, or 0.
func partialTerminator(data, term []byte) int {
	l := len(term) - 1
	if l > len(data) {
		l = len(data)
	}
	for ; l > 0; l-- {
		if bytes.HasSuffix(data, term[:l]) {
			return l
		}
	}
	return 0
}
