package transport

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryTransport is an in-process transport for tests.
// Call Dial to attach a simulated controller; the returned MemoryPeer sends
// telemetry into the transport and receives its broadcasts.
type MemoryTransport struct {
	incoming chan Event
	done     chan struct{}

	mu         sync.Mutex
	peers      map[uint64]*MemoryPeer
	nextID     uint64
	closed     bool
	broadcasts uint64
	dropped    uint64
}

// MemoryPeer is the far end of a MemoryTransport connection.
type MemoryPeer struct {
	id       uint64
	remote   string
	tr       *MemoryTransport
	received chan []byte
}

// NewMemory creates an empty MemoryTransport.
func NewMemory() *MemoryTransport {
	return &MemoryTransport{
		incoming: make(chan Event, 1024),
		done:     make(chan struct{}),
		peers:    make(map[uint64]*MemoryPeer),
	}
}

func (t *MemoryTransport) Start() error { return nil }

// Dial attaches a new peer and reports it as opened.
func (t *MemoryTransport) Dial() (*MemoryPeer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.nextID++
	p := &MemoryPeer{
		id:       t.nextID,
		remote:   fmt.Sprintf("mem-%d", t.nextID),
		tr:       t,
		received: make(chan []byte, 1024),
	}
	t.peers[p.id] = p
	t.emitLocked(Event{Kind: EventPeerOpened, Conn: p.id, Remote: p.remote})
	return p, nil
}

func (t *MemoryTransport) Broadcast(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if len(t.peers) == 0 {
		return ErrNoActiveConnection
	}
	t.broadcasts++
	for _, p := range t.peers {
		b := make([]byte, len(data))
		copy(b, data)
		select {
		case p.received <- b:
		default:
			t.dropped++
		}
	}
	return nil
}

func (t *MemoryTransport) Incoming() <-chan Event { return t.incoming }

func (t *MemoryTransport) Connected() bool { return t.PeerCount() > 0 }

func (t *MemoryTransport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

func (t *MemoryTransport) Peers() []PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, PeerInfo{ID: p.id, Remote: p.remote})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *MemoryTransport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Peers:         len(t.peers),
		Registered:    len(t.peers),
		Accepted:      t.nextID,
		Closed:        t.nextID - uint64(len(t.peers)),
		Broadcasts:    t.broadcasts,
		DroppedEvents: t.dropped,
	}
}

func (t *MemoryTransport) Done() <-chan struct{} { return t.done }

func (t *MemoryTransport) Err() error { return nil }

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	for id, p := range t.peers {
		delete(t.peers, id)
		t.emitLocked(Event{Kind: EventPeerClosed, Conn: p.id, Remote: p.remote})
	}
	t.closed = true
	close(t.incoming)
	close(t.done)
	return nil
}

func (t *MemoryTransport) emitLocked(ev Event) {
	select {
	case t.incoming <- ev:
	default:
		t.dropped++
	}
}

// ID returns the connection ID the transport assigned to p.
func (p *MemoryPeer) ID() uint64 { return p.id }

// Send delivers data to the transport as one inbound message.
func (p *MemoryPeer) Send(data []byte) error {
	t := p.tr
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, ok := t.peers[p.id]; !ok {
		return fmt.Errorf("transport: memory peer %d is closed", p.id)
	}
	b := make([]byte, len(data))
	copy(b, data)
	t.emitLocked(Event{Kind: EventData, Conn: p.id, Remote: p.remote, Data: b})
	return nil
}

// Received returns the broadcasts delivered to p.
func (p *MemoryPeer) Received() <-chan []byte { return p.received }

// Close detaches p and reports it as closed.
func (p *MemoryPeer) Close() {
	t := p.tr
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[p.id]; !ok || t.closed {
		return
	}
	delete(t.peers, p.id)
	t.emitLocked(Event{Kind: EventPeerClosed, Conn: p.id, Remote: p.remote})
}
