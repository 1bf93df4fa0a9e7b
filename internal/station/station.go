// Package station is the connectivity bridge between the control channel and
// the rest of the station (panel, camera pipeline, console).
//
// Design:
//   - The transport's loop goroutine owns every socket. The station never
//     touches them; it only calls Broadcast and reads the Incoming channel.
//   - One dispatch goroutine drains Incoming and runs the registered
//     callbacks, so collaborator code never runs on the loop goroutine.
//   - Connectivity is read straight from the transport's atomic flag.
package station

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ham-lab-isu/K2craft/internal/logging"
	"github.com/ham-lab-isu/K2craft/internal/mirror"
	"github.com/ham-lab-isu/K2craft/internal/protocol"
	"github.com/ham-lab-isu/K2craft/internal/transport"
)

var log = logging.Disabled()

// UseLogger sets the logger used by the package.
func UseLogger(logger *slog.Logger) {
	log = logger
}

var (
	// ErrNoActiveConnection is returned by Send when no controller is
	// connected. Nothing was queued.
	ErrNoActiveConnection = transport.ErrNoActiveConnection

	// ErrSendQueueFull is returned by Send when the transport has not caught
	// up with earlier commands.
	ErrSendQueueFull = transport.ErrSendQueueFull

	// ErrClosed is returned by Send after Shutdown.
	ErrClosed = transport.ErrClosed
)

// Config configures a Station.
type Config struct {
	Transport transport.Transport
	Mirror    mirror.Publisher // optional; telemetry and connectivity copies
}

// Station is the connectivity bridge.
type Station struct {
	tr     transport.Transport
	mirror mirror.Publisher

	onReceive    func(text string)
	onPeerOpened func(Peer)
	onPeerClosed func(Peer)

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopOnce sync.Once
	done     chan struct{}
	err      error

	lastConnected bool // dispatch goroutine only
}

// New creates a Station on top of cfg.Transport. Nothing is started.
func New(cfg Config) (*Station, error) {
	if cfg.Transport == nil {
		return nil, errors.New("station: no transport")
	}
	if cfg.Mirror == nil {
		cfg.Mirror = mirror.Nop{}
	}
	return &Station{
		tr:     cfg.Transport,
		mirror: cfg.Mirror,
		done:   make(chan struct{}),
	}, nil
}

// OnReceive registers fn to be called with every inbound message from any
// controller. Must be called before Start.
func (s *Station) OnReceive(fn func(text string)) { s.onReceive = fn }

// OnPeerOpened registers fn to be called when a controller connects. Must be
// called before Start.
func (s *Station) OnPeerOpened(fn func(Peer)) { s.onPeerOpened = fn }

// OnPeerClosed registers fn to be called when a controller goes away. Must
// be called before Start.
func (s *Station) OnPeerClosed(fn func(Peer)) { s.onPeerClosed = fn }

// Start starts the transport and the dispatch goroutine.
func (s *Station) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrClosed
	}
	if s.started {
		return errors.New("station: already started")
	}
	if err := s.tr.Start(); err != nil {
		return fmt.Errorf("station: transport start: %w", err)
	}
	s.started = true
	go s.dispatchLoop()
	return nil
}

// Send queues command for every connected controller. When nobody is
// connected it logs a warning and returns ErrNoActiveConnection.
func (s *Station) Send(command string) error {
	if !s.tr.Connected() {
		log.Warn("station: no active connection, command not sent", "command", strings.TrimSpace(command))
		return ErrNoActiveConnection
	}
	err := s.tr.Broadcast([]byte(command))
	switch {
	case err == nil:
		log.Debug("station: command queued", "command", strings.TrimSpace(command))
		return nil
	case errors.Is(err, transport.ErrNoActiveConnection):
		log.Warn("station: no active connection, command not sent", "command", strings.TrimSpace(command))
	default:
		log.Warn("station: command not sent", "command", strings.TrimSpace(command), "err", err)
	}
	return err
}

// SetOutput encodes a SET_OUTPUT command and sends it.
func (s *Station) SetOutput(channel, pin int, on bool) error {
	b, err := protocol.Command{Channel: channel, Pin: pin, Value: on}.Encode()
	if err != nil {
		return err
	}
	return s.Send(string(b))
}

// IsConnected reports whether at least one controller is connected.
func (s *Station) IsConnected() bool { return s.tr.Connected() }

// Peers returns the connected controllers ordered by connection ID.
func (s *Station) Peers() []Peer {
	infos := s.tr.Peers()
	out := make([]Peer, len(infos))
	for i, p := range infos {
		out[i] = Peer{ID: p.ID, Remote: p.Remote}
	}
	return out
}

// Transport returns the underlying transport.
func (s *Station) Transport() transport.Transport { return s.tr }

// Shutdown closes the transport and every controller connection. Callbacks
// already queued are still delivered before Done is closed. Idempotent.
func (s *Station) Shutdown() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		started := s.started
		s.mu.Unlock()

		if err := s.tr.Close(); err != nil {
			log.Warn("station: transport close", "err", err)
		}
		if !started {
			close(s.done)
		}
		log.Info("station: shut down")
	})
}

// Done is closed once the station has stopped, either through Shutdown or
// because the transport failed. Err then reports the failure, if any.
func (s *Station) Done() <-chan struct{} { return s.done }

func (s *Station) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// dispatchLoop runs until the transport closes its Incoming channel.
func (s *Station) dispatchLoop() {
	for ev := range s.tr.Incoming() {
		s.handleEvent(ev)
	}
	err := s.tr.Err()
	if err != nil {
		log.Error("station: transport failed", "err", err)
	}
	if s.lastConnected {
		s.lastConnected = false
		s.publishConnectivity()
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

func (s *Station) handleEvent(ev transport.Event) {
	peer := peerFromEvent(ev)
	switch ev.Kind {
	case transport.EventData:
		text := string(ev.Data)
		log.Debug("station: received", "peer", peer, "bytes", len(ev.Data))
		if err := s.mirror.Telemetry(peer.Remote, text); err != nil {
			log.Warn("station: mirror telemetry", "err", err)
		}
		if s.onReceive != nil {
			s.onReceive(text)
		}

	case transport.EventPeerOpened:
		log.Info("station: controller connected", "peer", peer)
		s.connectivityChanged()
		if s.onPeerOpened != nil {
			s.onPeerOpened(peer)
		}

	case transport.EventPeerClosed:
		log.Info("station: controller disconnected", "peer", peer)
		s.connectivityChanged()
		if s.onPeerClosed != nil {
			s.onPeerClosed(peer)
		}
	}
}

// connectivityChanged mirrors every peer-set change; edges of the connected
// flag are also logged.
func (s *Station) connectivityChanged() {
	now := s.tr.Connected()
	if now != s.lastConnected {
		log.Info("station: connectivity changed", "connected", now)
		s.lastConnected = now
	}
	s.publishConnectivity()
}

func (s *Station) publishConnectivity() {
	if err := s.mirror.Connectivity(s.tr.Connected(), s.tr.PeerCount()); err != nil {
		log.Warn("station: mirror connectivity", "err", err)
	}
}
