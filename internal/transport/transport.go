// Package transport carries control-channel traffic between the station and
// its controllers, and provides implementations for production (TCP) and
// testing (in-memory).
package transport

import (
	"log/slog"

	"github.com/ham-lab-isu/K2craft/internal/logging"
)

var log = logging.Disabled()

// UseLogger sets the logger used by the package. It must be called before any
// transport is started.
func UseLogger(logger *slog.Logger) {
	log = logger
}

// EventKind tells what an Event reports.
type EventKind uint8

const (
	// EventData carries one decoded inbound message.
	EventData EventKind = iota
	// EventPeerOpened reports an accepted connection.
	EventPeerOpened
	// EventPeerClosed reports a connection that went away.
	EventPeerClosed
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventPeerOpened:
		return "opened"
	case EventPeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered on the Incoming channel.
type Event struct {
	Kind   EventKind
	Conn   uint64
	Remote string
	Data   []byte
}

// PeerInfo describes one live connection.
type PeerInfo struct {
	ID     uint64
	Remote string
	Queued int // outbound bytes not yet accepted by the OS
}

// Stats is a point-in-time copy of transport counters.
type Stats struct {
	Peers         int
	Registered    int // connection descriptors in the readiness set
	Accepted      uint64
	Closed        uint64
	BytesIn       uint64
	BytesOut      uint64
	Broadcasts    uint64
	DroppedEvents uint64
	Overflows     uint64
}

// Transport abstracts the station's control channel.
// The station uses this interface exclusively so that tests can inject an
// in-memory transport without real sockets.
type Transport interface {
	// Start begins accepting controller connections.
	Start() error

	// Broadcast queues data for every live connection. It fails with
	// ErrNoActiveConnection when nobody is connected.
	Broadcast(data []byte) error

	// Incoming returns the channel of inbound messages and peer events. It is
	// closed once the transport has shut down.
	Incoming() <-chan Event

	// Connected reports whether at least one peer is connected. Safe to call
	// from any goroutine; the value may be momentarily stale.
	Connected() bool

	// PeerCount returns the number of live connections.
	PeerCount() int

	// Peers returns a snapshot of the live connections ordered by ID.
	Peers() []PeerInfo

	// Stats returns a snapshot of the transport counters.
	Stats() Stats

	// Done is closed when the transport has stopped, and Err then reports
	// why: nil after Close, a *FatalServerError otherwise.
	Done() <-chan struct{}
	Err() error

	// Close shuts down the transport and all peer connections. Idempotent.
	Close() error
}

var (
	_ Transport = (*TCPTransport)(nil)
	_ Transport = (*MemoryTransport)(nil)
)
