package station

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ham-lab-isu/K2craft/internal/transport"
)

const waitTimeout = 2 * time.Second

type recordingMirror struct {
	mu           sync.Mutex
	telemetry    []string
	connectivity []bool
}

func (m *recordingMirror) Telemetry(_ string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry = append(m.telemetry, text)
	return nil
}

func (m *recordingMirror) Connectivity(connected bool, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectivity = append(m.connectivity, connected)
	return nil
}

func (m *recordingMirror) Output(int, int, bool) error { return nil }

func (m *recordingMirror) Close() error { return nil }

func (m *recordingMirror) snapshot() ([]string, []bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.telemetry...), append([]bool(nil), m.connectivity...)
}

func newTCPStation(t *testing.T, mutate func(*transport.TCPConfig)) (*Station, *transport.TCPTransport) {
	t.Helper()
	cfg := transport.DefaultTCPConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	if mutate != nil {
		mutate(&cfg)
	}
	tr, err := transport.NewTCP(cfg)
	require.NoError(t, err)
	s, err := New(Config{Transport: tr})
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s, tr
}

func dial(t *testing.T, tr *transport.TCPTransport) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", tr.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitConnected(t *testing.T, s *Station, want bool) {
	t.Helper()
	require.Eventually(t, func() bool { return s.IsConnected() == want }, waitTimeout, 5*time.Millisecond,
		"IsConnected never became %v", want)
}

func readN(t *testing.T, c net.Conn, n int) string {
	t.Helper()
	buf := make([]byte, n)
	c.SetReadDeadline(time.Now().Add(waitTimeout)) //nolint:errcheck
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestSendWithoutController(t *testing.T) {
	s, _ := newTCPStation(t, nil)
	require.NoError(t, s.Start())

	assert.False(t, s.IsConnected())
	assert.ErrorIs(t, s.Send("SET_OUTPUT:1:9:1\n"), ErrNoActiveConnection)
	assert.ErrorIs(t, s.SetOutput(3, 9, true), ErrNoActiveConnection)
}

func TestSetOutputReachesController(t *testing.T) {
	s, tr := newTCPStation(t, nil)
	require.NoError(t, s.Start())
	c := dial(t, tr)
	waitConnected(t, s, true)

	require.NoError(t, s.SetOutput(1, 9, true))
	assert.Equal(t, "SET_OUTPUT:1:9:1\n", readN(t, c, len("SET_OUTPUT:1:9:1\n")))

	c.SetReadDeadline(time.Now().Add(50 * time.Millisecond)) //nolint:errcheck
	n, _ := c.Read(make([]byte, 1))
	assert.Zero(t, n, "no bytes beyond the command")
}

func TestSetOutputRejectsInvalidPin(t *testing.T) {
	s, tr := newTCPStation(t, nil)
	require.NoError(t, s.Start())
	dial(t, tr)
	waitConnected(t, s, true)

	assert.Error(t, s.SetOutput(0, 9, true))
	assert.Error(t, s.SetOutput(3, -1, false))
}

func TestTwoControllersOneLeaves(t *testing.T) {
	s, tr := newTCPStation(t, nil)
	require.NoError(t, s.Start())
	a := dial(t, tr)
	b := dial(t, tr)
	require.Eventually(t, func() bool { return len(s.Peers()) == 2 }, waitTimeout, 5*time.Millisecond)

	a.Close()
	require.Eventually(t, func() bool { return len(s.Peers()) == 1 }, waitTimeout, 5*time.Millisecond)
	assert.True(t, s.IsConnected())
	require.NoError(t, s.Send("SET_OUTPUT:3:1:1\n"))
	assert.Equal(t, "SET_OUTPUT:3:1:1\n", readN(t, b, len("SET_OUTPUT:3:1:1\n")))

	b.Close()
	waitConnected(t, s, false)
	assert.ErrorIs(t, s.Send("SET_OUTPUT:3:1:0\n"), ErrNoActiveConnection)
}

func TestReceiveAndEcho(t *testing.T) {
	s, tr := newTCPStation(t, nil)
	got := make(chan string, 1)
	s.OnReceive(func(text string) { got <- text })
	require.NoError(t, s.Start())

	c := dial(t, tr)
	_, err := c.Write([]byte("PING"))
	require.NoError(t, err)

	select {
	case text := <-got:
		assert.Equal(t, "PING", text)
	case <-time.After(waitTimeout):
		t.Fatal("OnReceive not called")
	}
	assert.Equal(t, "PING", readN(t, c, 4))
}

func TestPeerCallbacksAndMirror(t *testing.T) {
	tr := transport.NewMemory()
	m := &recordingMirror{}
	s, err := New(Config{Transport: tr, Mirror: m})
	require.NoError(t, err)

	opened := make(chan Peer, 4)
	closed := make(chan Peer, 4)
	s.OnPeerOpened(func(p Peer) { opened <- p })
	s.OnPeerClosed(func(p Peer) { closed <- p })
	require.NoError(t, s.Start())

	peer, err := tr.Dial()
	require.NoError(t, err)
	p := <-opened
	assert.Equal(t, peer.ID(), p.ID)

	require.NoError(t, peer.Send([]byte("IN:1:3:1")))
	peer.Close()
	assert.Equal(t, peer.ID(), (<-closed).ID)

	telemetry, connectivity := m.snapshot()
	assert.Equal(t, []string{"IN:1:3:1"}, telemetry)
	assert.Equal(t, []bool{true, false}, connectivity)

	s.Shutdown()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Done not closed")
	}
	assert.NoError(t, s.Err())
}

// failingTransport stops the way a transport whose loop hit a fatal error does.
type failingTransport struct {
	*transport.MemoryTransport
	err error
}

func (t *failingTransport) fail(err error) {
	t.err = err
	t.MemoryTransport.Close()
}

func (t *failingTransport) Err() error { return t.err }

func TestTransportFailureEndsStation(t *testing.T) {
	tr := &failingTransport{MemoryTransport: transport.NewMemory()}
	m := &recordingMirror{}
	s, err := New(Config{Transport: tr, Mirror: m})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	_, err = tr.Dial()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, connectivity := m.snapshot()
		return len(connectivity) == 1
	}, waitTimeout, 5*time.Millisecond)

	tr.fail(&transport.FatalServerError{Op: "listener", Err: errors.New("listening socket failed")})
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Done not closed")
	}

	var fe *transport.FatalServerError
	require.ErrorAs(t, s.Err(), &fe)
	assert.Equal(t, "listener", fe.Op)
	assert.False(t, s.IsConnected())
	_, connectivity := m.snapshot()
	assert.Equal(t, []bool{true, false}, connectivity)

	s.Shutdown()
	require.ErrorAs(t, s.Err(), &fe)
}

func TestShutdownIdempotent(t *testing.T) {
	s, tr := newTCPStation(t, nil)
	require.NoError(t, s.Start())
	c := dial(t, tr)
	waitConnected(t, s, true)

	s.Shutdown()
	s.Shutdown()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Done not closed")
	}
	assert.False(t, s.IsConnected())
	assert.ErrorIs(t, s.Start(), ErrClosed)

	c.SetReadDeadline(time.Now().Add(waitTimeout)) //nolint:errcheck
	_, err := c.Read(make([]byte, 1))
	assert.Error(t, err, "controller socket should be closed")
}

func TestShutdownBeforeStart(t *testing.T) {
	s, err := New(Config{Transport: transport.NewMemory()})
	require.NoError(t, err)
	s.Shutdown()
	<-s.Done()
}

func TestStartBindFailure(t *testing.T) {
	first, tr := newTCPStation(t, nil)
	require.NoError(t, first.Start())

	cfg := transport.DefaultTCPConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = tr.Addr().Port
	tr2, err := transport.NewTCP(cfg)
	require.NoError(t, err)
	second, err := New(Config{Transport: tr2})
	require.NoError(t, err)
	defer second.Shutdown()

	var be *transport.BindError
	assert.True(t, errors.As(second.Start(), &be))
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
