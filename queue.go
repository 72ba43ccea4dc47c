package chat

import "github.com/pkg/errors"

var (
	// ErrTransportUnavailable is returned when a payload cannot be handed to the transport.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrQueueClosed is returned when pushing to a closed queue.
	ErrQueueClosed = errors.New("outbound queue closed")
)

// Transport accepts outbound payloads. Send returning nil means the payload
// was handed off; flushing to the wire is the transport's business.
type Transport interface {
	Send(payload []byte) error
}

// OutboundQueue serializes outbound payloads onto a Transport in push order.
// Payloads pushed before the connection is established are held until
// OnConnect. The queue is not safe for concurrent use.
//
// A failed send leaves its payload at the head and stalls the queue: later
// pushes are queued behind it and report the failure without touching the
// transport. Nothing is resent until Flush or OnConnect.
type OutboundQueue struct {
	transport Transport
	fifo      [][]byte
	connected bool
	closed    bool
	stalled   error
}

// NewOutboundQueue creates a disconnected queue writing to transport.
func NewOutboundQueue(transport Transport) *OutboundQueue {
	return &OutboundQueue{transport: transport}
}

// Push appends payload and attempts to hand the head of the queue to the
// transport. The caller must not modify payload afterwards.
func (q *OutboundQueue) Push(payload []byte) error {
	if q.closed {
		return ErrQueueClosed
	}
	q.fifo = append(q.fifo, payload)
	if q.stalled != nil && q.connected {
		return errors.WithMessage(q.stalled, "queued behind a failed payload")
	}
	return q.drainOne()
}

// drainOne hands the head payload to the transport. While disconnected the
// payload stays queued. A failed send leaves it at the head.
func (q *OutboundQueue) drainOne() error {
	if len(q.fifo) == 0 || !q.connected {
		return nil
	}
	if q.transport == nil {
		q.stalled = ErrTransportUnavailable
		return ErrTransportUnavailable
	}
	if err := q.transport.Send(q.fifo[0]); err != nil {
		q.stalled = err
		return err
	}
	q.fifo[0] = nil
	q.fifo = q.fifo[1:]
	if len(q.fifo) == 0 {
		q.fifo = nil
	}
	return nil
}

// OnConnect marks the queue connected and sends every deferred payload.
func (q *OutboundQueue) OnConnect() error {
	q.connected = true
	return q.Flush()
}

// Disconnect marks the queue disconnected. Queued payloads are kept.
func (q *OutboundQueue) Disconnect() {
	q.connected = false
}

// Flush sends queued payloads until the queue is empty or a send fails.
// It is the only way to resend a payload whose send failed.
func (q *OutboundQueue) Flush() error {
	if !q.connected {
		return nil
	}
	q.stalled = nil
	for len(q.fifo) > 0 {
		if err := q.drainOne(); err != nil {
			return err
		}
	}
	return nil
}

// Close disconnects the queue and rejects further pushes. Pending payloads
// remain available through Pending.
func (q *OutboundQueue) Close() {
	q.connected = false
	q.closed = true
}

// Stalled returns the send failure holding the queue, or nil.
func (q *OutboundQueue) Stalled() error {
	return q.stalled
}

// Connected reports whether payloads are handed to the transport immediately.
func (q *OutboundQueue) Connected() bool {
	return q.connected
}

// Len returns the number of queued payloads.
func (q *OutboundQueue) Len() int {
	return len(q.fifo)
}

// Pending returns the queued payloads in send order.
func (q *OutboundQueue) Pending() [][]byte {
	out := make([][]byte, len(q.fifo))
	copy(out, q.fifo)
	return out
}
