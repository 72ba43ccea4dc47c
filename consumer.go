package chat

import "github.com/pkg/errors"

// ErrNotImplemented is returned when a required consumer hook is missing.
var ErrNotImplemented = errors.New("consumer hook not implemented")

// Consumer receives the frames extracted by a Framer.
//
// CollectIncomingData is called with payload bytes in receipt order and is
// never called with an empty segment. The slice aliases the framer's buffer
// and must not be retained after the call returns.
//
// FoundTerminator is called once per matched terminator, after the payload
// preceding it has been delivered. It may install a new terminator; the
// framer honors it on the very next scan.
//
// A non-nil error from either hook aborts the current OnData call and is
// returned to its caller.
type Consumer interface {
	CollectIncomingData(data []byte) error
	FoundTerminator() error
}

// ConsumerFuncs adapts two functions to the Consumer interface.
// A nil field makes the corresponding hook return ErrNotImplemented.
type ConsumerFuncs struct {
	Collect func(data []byte) error
	Found   func() error
}

// CollectIncomingData calls f.Collect.
func (f ConsumerFuncs) CollectIncomingData(data []byte) error {
	if f.Collect == nil {
		return errors.WithMessage(ErrNotImplemented, "CollectIncomingData")
	}
	return f.Collect(data)
}

// FoundTerminator calls f.Found.
func (f ConsumerFuncs) FoundTerminator() error {
	if f.Found == nil {
		return errors.WithMessage(ErrNotImplemented, "FoundTerminator")
	}
	return f.Found()
}
