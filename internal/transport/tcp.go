package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ham-lab-isu/K2craft/internal/poller"
	"github.com/ham-lab-isu/K2craft/internal/protocol"
	"golang.org/x/sys/unix"
)

const (
	recvChunk = 1024 // bytes per read attempt

	defaultPort            = 10000
	defaultMaxOutbound     = 1 << 20
	defaultMaxInbound      = protocol.DefaultMaxLine
	defaultSendQueueDepth  = 256
	defaultEventQueueDepth = 1024
)

// Overflow is the policy applied when a connection's outbound buffer would
// exceed MaxOutboundBufferBytes.
type Overflow string

const (
	// OverflowDisconnect drops the slow peer.
	OverflowDisconnect Overflow = "disconnect"
	// OverflowDropNewest keeps the peer and discards the payload that did not fit.
	OverflowDropNewest Overflow = "drop-newest"
)

// TCPConfig configures a TCPTransport. Zero sizes select defaults.
type TCPConfig struct {
	BindAddress            string
	Port                   int
	MaxOutboundBufferBytes int
	MaxInboundBufferBytes  int
	Overflow               Overflow
	Framing                protocol.Framing
	NoEcho                 bool // do not echo received bytes back to their sender
	SendQueueDepth         int
	EventQueueDepth        int
}

// DefaultTCPConfig listens on every interface on port 10000 with raw framing
// and echo enabled.
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		BindAddress:            "0.0.0.0",
		Port:                   defaultPort,
		MaxOutboundBufferBytes: defaultMaxOutbound,
		MaxInboundBufferBytes:  defaultMaxInbound,
		Overflow:               OverflowDisconnect,
		Framing:                protocol.FramingRaw,
		SendQueueDepth:         defaultSendQueueDepth,
		EventQueueDepth:        defaultEventQueueDepth,
	}
}

type serverState uint8

const (
	serverIdle serverState = iota
	serverListening
	serverServing
	serverClosed
)

type counters struct {
	accepted      atomic.Uint64
	closed        atomic.Uint64
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64
	broadcasts    atomic.Uint64
	droppedEvents atomic.Uint64
	overflows     atomic.Uint64
}

// TCPTransport is the control-channel server: one listening socket and every
// accepted connection multiplexed by a single goroutine blocked in poll(2).
//
// The loop goroutine is the only writer of the connection set and of every
// connection buffer. Other goroutines reach it through Broadcast, which hands
// the payload over a bounded queue and wakes the poller, and observe it
// through the atomic connectivity flag and snapshots.
type TCPTransport struct {
	cfg     TCPConfig
	decoder protocol.Decoder

	// Owned by the loop goroutine once serving.
	lfd     int
	poller  *poller.Poller
	conns   map[int]*conn
	nextID  uint64
	events  []poller.Event
	recvBuf []byte

	addr     *net.TCPAddr
	intents  chan []byte
	incoming chan Event

	connected  atomic.Bool
	peerCount  atomic.Int64
	registered atomic.Int64
	peers      atomic.Value // []PeerInfo
	stats      counters

	stopping  atomic.Bool
	closeOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}

	mu    sync.Mutex
	state serverState
	err   error
}

// NewTCP creates a TCPTransport. Nothing is bound until Listen or Start.
func NewTCP(cfg TCPConfig) (*TCPTransport, error) {
	def := DefaultTCPConfig()
	if cfg.MaxOutboundBufferBytes <= 0 {
		cfg.MaxOutboundBufferBytes = def.MaxOutboundBufferBytes
	}
	if cfg.MaxInboundBufferBytes <= 0 {
		cfg.MaxInboundBufferBytes = def.MaxInboundBufferBytes
	}
	if cfg.Overflow == "" {
		cfg.Overflow = def.Overflow
	}
	if cfg.SendQueueDepth <= 0 {
		cfg.SendQueueDepth = def.SendQueueDepth
	}
	if cfg.EventQueueDepth <= 0 {
		cfg.EventQueueDepth = def.EventQueueDepth
	}
	switch cfg.Overflow {
	case OverflowDisconnect, OverflowDropNewest:
	default:
		return nil, fmt.Errorf("transport: unknown overflow policy %q", cfg.Overflow)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("transport: port %d out of range", cfg.Port)
	}
	dec, err := protocol.NewDecoder(cfg.Framing, cfg.MaxInboundBufferBytes)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	return &TCPTransport{
		cfg:      cfg,
		decoder:  dec,
		lfd:      -1,
		conns:    make(map[int]*conn),
		recvBuf:  make([]byte, recvChunk),
		intents:  make(chan []byte, cfg.SendQueueDepth),
		incoming: make(chan Event, cfg.EventQueueDepth),
		done:     make(chan struct{}),
	}, nil
}

// Listen binds and listens on BindAddress:Port. It fails with *BindError when
// the address is unavailable or already in use.
func (t *TCPTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case serverClosed:
		return ErrClosed
	case serverIdle:
	default:
		return fmt.Errorf("transport: already listening on %s", t.addr)
	}

	addr := net.JoinHostPort(t.cfg.BindAddress, strconv.Itoa(t.cfg.Port))
	fd, bound, err := listenTCP(addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	p, err := poller.New()
	if err != nil {
		unix.Close(fd)
		return &FatalServerError{Op: "poller", Err: err}
	}
	if err := p.Add(fd, poller.Readable); err != nil {
		p.Close()
		unix.Close(fd)
		return &FatalServerError{Op: "poller", Err: err}
	}
	t.lfd, t.addr, t.poller = fd, bound, p
	t.state = serverListening
	log.Info("transport: listening", "addr", bound.String())
	return nil
}

// Serve runs the readiness loop until Close is called, returning nil, or
// until the readiness primitive fails, returning a *FatalServerError. All
// sockets are closed before it returns.
func (t *TCPTransport) Serve() error {
	t.mu.Lock()
	switch t.state {
	case serverClosed:
		t.mu.Unlock()
		return ErrClosed
	case serverIdle:
		t.mu.Unlock()
		return errors.New("transport: Serve called before Listen")
	case serverServing:
		t.mu.Unlock()
		return errors.New("transport: already serving")
	}
	t.state = serverServing
	t.mu.Unlock()

	err := t.loop()
	if err != nil {
		log.Error("transport: loop stopped", "err", err)
	}
	t.teardown()
	t.finish(err)
	return err
}

// Start binds and runs Serve on its own goroutine.
func (t *TCPTransport) Start() error {
	if err := t.Listen(); err != nil {
		return err
	}
	go t.Serve() //nolint:errcheck
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (t *TCPTransport) Addr() *net.TCPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

// Broadcast queues data for every live connection. The loop copies it into
// each connection's outbound buffer at the top of its next iteration.
func (t *TCPTransport) Broadcast(data []byte) error {
	if t.stopping.Load() {
		return ErrClosed
	}
	if !t.connected.Load() {
		return ErrNoActiveConnection
	}
	p := make([]byte, len(data))
	copy(p, data)
	select {
	case t.intents <- p:
	default:
		return ErrSendQueueFull
	}
	if err := t.poller.Wake(); err != nil && !errors.Is(err, poller.ErrClosed) {
		return fmt.Errorf("transport: wake loop: %w", err)
	}
	return nil
}

func (t *TCPTransport) Incoming() <-chan Event { return t.incoming }

func (t *TCPTransport) Connected() bool { return t.connected.Load() }

func (t *TCPTransport) PeerCount() int { return int(t.peerCount.Load()) }

func (t *TCPTransport) Peers() []PeerInfo {
	snap, _ := t.peers.Load().([]PeerInfo)
	out := make([]PeerInfo, len(snap))
	copy(out, snap)
	return out
}

func (t *TCPTransport) Stats() Stats {
	return Stats{
		Peers:         t.PeerCount(),
		Registered:    int(t.registered.Load()),
		Accepted:      t.stats.accepted.Load(),
		Closed:        t.stats.closed.Load(),
		BytesIn:       t.stats.bytesIn.Load(),
		BytesOut:      t.stats.bytesOut.Load(),
		Broadcasts:    t.stats.broadcasts.Load(),
		DroppedEvents: t.stats.droppedEvents.Load(),
		Overflows:     t.stats.overflows.Load(),
	}
}

func (t *TCPTransport) Done() <-chan struct{} { return t.done }

func (t *TCPTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close stops the loop and waits for it to close every socket. When the loop
// is not running the caller tears down instead. Safe to call concurrently
// and more than once.
func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.stopping.Store(true)
		t.mu.Lock()
		prev := t.state
		t.state = serverClosed
		t.mu.Unlock()

		if prev == serverServing {
			t.poller.Wake() //nolint:errcheck
			<-t.done
			return
		}
		t.teardown()
		t.finish(nil)
	})
	return nil
}

func (t *TCPTransport) finish(err error) {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.incoming)
		close(t.done)
	})
}

// ─── loop ────────────────────────────────────────────────────────────────────

func (t *TCPTransport) loop() error {
	for {
		if t.stopping.Load() {
			return nil
		}
		t.drainIntents()
		t.publishPeers()

		var err error
		t.events, err = t.poller.Wait(t.events[:0], -1)
		if err != nil {
			return &FatalServerError{Op: "poll", Err: err}
		}
		if t.stopping.Load() {
			return nil
		}

		// Connection events first: accepts may reuse descriptors closed here.
		listenerReady := false
		for _, ev := range t.events {
			if ev.Fd == t.lfd {
				if ev.Hangup && !ev.Readable {
					t.listenerFailed()
					return &FatalServerError{Op: "listener", Err: errors.New("listening socket failed")}
				}
				listenerReady = true
				continue
			}
			c, ok := t.conns[ev.Fd]
			if !ok {
				continue
			}
			if ev.Readable || ev.Hangup {
				t.readFrom(c)
			}
			if c.state == stateOpen && ev.Writable {
				t.writeTo(c)
			}
		}
		if listenerReady {
			if err := t.acceptAll(); err != nil {
				return &FatalServerError{Op: "listener", Err: err}
			}
		}
	}
}

func (t *TCPTransport) drainIntents() {
	for {
		select {
		case p := <-t.intents:
			t.stats.broadcasts.Add(1)
			for _, c := range t.conns {
				t.enqueue(c, p)
			}
		default:
			return
		}
	}
}

// acceptAll returns an error only when the listening socket itself is
// unusable.
func (t *TCPTransport) acceptAll() error {
	for {
		nfd, sa, err := unix.Accept(t.lfd)
		if err != nil {
			switch {
			case isTransient(err):
				return nil
			case errors.Is(err, unix.ECONNABORTED):
				continue
			case errors.Is(err, unix.EBADF), errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOTSOCK):
				t.listenerFailed()
				return &ConnError{Op: OpAccept, Err: err}
			}
			log.Warn("transport: accept failed", "err", &ConnError{Op: OpAccept, Err: err})
			return nil
		}
		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			log.Warn("transport: accept failed", "err", &ConnError{Op: OpAccept, Err: err})
			continue
		}
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1) //nolint:errcheck

		t.nextID++
		c := &conn{id: t.nextID, fd: nfd, remote: sockaddrString(sa), state: stateAccepted}
		if err := t.poller.Add(nfd, poller.Readable); err != nil {
			unix.Close(nfd)
			log.Warn("transport: accept failed", "err", &ConnError{Op: OpAccept, Conn: c.id, Remote: c.remote, Err: err})
			continue
		}
		c.interest = poller.Readable
		c.state = stateOpen
		t.conns[nfd] = c
		t.stats.accepted.Add(1)
		t.refresh()

		log.Info("transport: peer connected", "conn", c.id, "remote", c.remote)
		t.emit(Event{Kind: EventPeerOpened, Conn: c.id, Remote: c.remote})
	}
}

func (t *TCPTransport) readFrom(c *conn) {
	n, err := unix.Read(c.fd, t.recvBuf)
	if err != nil {
		if isTransient(err) {
			return
		}
		log.Debug("transport: read failed", "err", &ConnError{Op: OpRead, Conn: c.id, Remote: c.remote, Err: err})
		t.closeConn(c, err)
		return
	}
	if n == 0 {
		t.closeConn(c, io.EOF)
		return
	}
	data := t.recvBuf[:n]
	t.stats.bytesIn.Add(uint64(n))

	c.inbound = append(c.inbound, data...)
	msgs, rest := t.decoder.Decode(c.inbound)
	c.inbound = rest
	for _, m := range msgs {
		t.emit(Event{Kind: EventData, Conn: c.id, Remote: c.remote, Data: m})
	}

	if !t.cfg.NoEcho {
		t.enqueue(c, data)
	}
}

func (t *TCPTransport) writeTo(c *conn) {
	n, err := c.flush(func(p []byte) (int, error) {
		return unix.Write(c.fd, p)
	})
	if n > 0 {
		t.stats.bytesOut.Add(uint64(n))
	}
	if err != nil && !isTransient(err) {
		log.Debug("transport: send failed", "err", &ConnError{Op: OpSend, Conn: c.id, Remote: c.remote, Err: err})
		t.closeConn(c, err)
		return
	}
	t.updateInterest(c)
}

// enqueue queues p on c's outbound buffer, applying the overflow policy.
func (t *TCPTransport) enqueue(c *conn, p []byte) {
	if c.state != stateOpen {
		return
	}
	if c.queue(p, t.cfg.MaxOutboundBufferBytes) {
		t.updateInterest(c)
		return
	}
	t.stats.overflows.Add(1)
	if t.cfg.Overflow == OverflowDropNewest {
		log.Warn("transport: outbound buffer full, dropping payload",
			"conn", c.id, "remote", c.remote, "queued", len(c.outbound), "dropped", len(p))
		return
	}
	log.Warn("transport: outbound buffer full, disconnecting",
		"conn", c.id, "remote", c.remote, "queued", len(c.outbound))
	t.closeConn(c, errOutboundOverflow)
}

func (t *TCPTransport) updateInterest(c *conn) {
	want := c.wantInterest()
	if want == c.interest {
		return
	}
	if err := t.poller.Modify(c.fd, want); err != nil {
		log.Warn("transport: update interest", "conn", c.id, "err", err)
		return
	}
	c.interest = want
}

func (t *TCPTransport) closeConn(c *conn, reason error) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	t.poller.Remove(c.fd)
	unix.Close(c.fd)
	delete(t.conns, c.fd)
	c.inbound, c.outbound = nil, nil
	t.stats.closed.Add(1)
	t.refresh()

	log.Info("transport: peer closed", "conn", c.id, "remote", c.remote, "reason", reason)
	t.emit(Event{Kind: EventPeerClosed, Conn: c.id, Remote: c.remote})
}

// refresh recomputes the cross-goroutine view right after the connection set
// changed.
func (t *TCPTransport) refresh() {
	n := len(t.conns)
	t.connected.Store(n > 0)
	t.peerCount.Store(int64(n))
	t.registered.Store(int64(t.poller.Len() - 1))
	t.publishPeers()
}

func (t *TCPTransport) publishPeers() {
	snap := make([]PeerInfo, 0, len(t.conns))
	for _, c := range t.conns {
		snap = append(snap, PeerInfo{ID: c.id, Remote: c.remote, Queued: len(c.outbound)})
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })
	t.peers.Store(snap)
}

// emit never blocks the loop; when the consumer falls behind the event is
// dropped and counted.
func (t *TCPTransport) emit(ev Event) {
	select {
	case t.incoming <- ev:
	default:
		t.stats.droppedEvents.Add(1)
		log.Warn("transport: event queue full, dropping", "kind", ev.Kind.String(), "conn", ev.Conn)
	}
}

// listenerFailed forgets the listening descriptor once it is no longer open.
func (t *TCPTransport) listenerFailed() {
	if _, err := unix.FcntlInt(uintptr(t.lfd), unix.F_GETFD, 0); errors.Is(err, unix.EBADF) {
		t.poller.Remove(t.lfd)
		t.lfd = -1
	}
}

func (t *TCPTransport) teardown() {
	for _, c := range t.conns {
		t.closeConn(c, errShutdown)
	}
	if t.lfd >= 0 {
		t.poller.Remove(t.lfd)
		if err := unix.Close(t.lfd); err != nil {
			log.Debug("transport: close listener", "fd", t.lfd, "err", err)
		}
		t.lfd = -1
	}
	if t.poller != nil {
		t.poller.Close()
	}
	t.connected.Store(false)
	t.peerCount.Store(0)
	t.registered.Store(0)
	t.peers.Store([]PeerInfo{})
}

// ─── sockets ─────────────────────────────────────────────────────────────────

func listenTCP(addr string) (int, *net.TCPAddr, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, err
	}
	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := ta.IP.To4(); ta.IP == nil || ip4 != nil {
		s4 := &unix.SockaddrInet4{Port: ta.Port}
		copy(s4.Addr[:], ip4)
		sa = s4
	} else {
		family = unix.AF_INET6
		s6 := &unix.SockaddrInet6{Port: ta.Port}
		copy(s6.Addr[:], ta.IP.To16())
		if ta.Zone != "" {
			if ifi, err := net.InterfaceByName(ta.Zone); err == nil {
				s6.ZoneId = uint32(ifi.Index)
			}
		}
		sa = s6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(fd)
	fail := func(err error) (int, *net.TCPAddr, error) {
		unix.Close(fd)
		return -1, nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail(err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail(err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail(err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail(err)
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		return fail(err)
	}
	return fd, sockaddrTCP(local), nil
}

func sockaddrTCP(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3]), Port: a.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		addr := &net.TCPAddr{IP: ip, Port: a.Port}
		if a.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(a.ZoneId)); err == nil {
				addr.Zone = ifi.Name
			}
		}
		return addr
	default:
		return &net.TCPAddr{}
	}
}

func sockaddrString(sa unix.Sockaddr) string {
	if sa == nil {
		return "unknown"
	}
	return sockaddrTCP(sa).String()
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
