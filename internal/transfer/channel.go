package transfer

import "errors"

// ErrChannelClosed is returned by Send after the channel has closed.
var ErrChannelClosed = errors.New("channel closed")

// EventKind identifies a channel event.
type EventKind int

const (
	// EventOpen is delivered once when the channel becomes usable.
	EventOpen EventKind = iota + 1
	// EventMessage carries one inbound message.
	EventMessage
	// EventError reports a transport fault. A close event follows.
	EventError
	// EventClose is the last event; the events channel is closed after it.
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is one channel lifecycle notification.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Channel is a reliable, ordered, message-based, bidirectional link between
// two peers. Events are delivered in order on a single Go channel so that a
// consumer can run one sequential state machine per Channel.
type Channel interface {
	// Events returns the inbound event stream.
	Events() <-chan Event
	// Send transmits one message. The slice may be retained until Send returns.
	Send(msg []byte) error
	// IsOpen reports whether Send can currently succeed.
	IsOpen() bool
	// Close tears the channel down. It is safe to call more than once.
	Close() error
}

// BufferedAmounter is implemented by channels that expose how many bytes are
// queued for sending but not yet on the wire.
type BufferedAmounter interface {
	BufferedAmount() uint64
}
