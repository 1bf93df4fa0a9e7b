package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func newTestTransport(t *testing.T, mutate func(*TCPConfig)) *TCPTransport {
	t.Helper()
	cfg := DefaultTCPConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	if mutate != nil {
		mutate(&cfg)
	}
	tr, err := NewTCP(cfg)
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	t.Cleanup(func() { tr.Close() })
	return tr
}

func dialPeer(t *testing.T, tr *TCPTransport) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", tr.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// nextEvent returns the next event of the given kind, skipping others.
func nextEvent(t *testing.T, tr Transport, kind EventKind) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-tr.Incoming():
			require.True(t, ok, "incoming closed while waiting for %s", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", kind)
		}
	}
}

func waitPeers(t *testing.T, tr Transport, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.PeerCount() == n }, waitTimeout, 5*time.Millisecond,
		"expected %d peers", n)
}

func readExactly(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	c.SetReadDeadline(time.Now().Add(waitTimeout)) //nolint:errcheck
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

func assertSilent(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(50 * time.Millisecond)) //nolint:errcheck
	var b [1]byte
	n, err := c.Read(b[:])
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "expected silence, got %d bytes, err %v", n, err)
}

func TestConnectedTracksPeers(t *testing.T) {
	tr := newTestTransport(t, nil)
	assert.False(t, tr.Connected())

	a := dialPeer(t, tr)
	b := dialPeer(t, tr)
	waitPeers(t, tr, 2)
	assert.True(t, tr.Connected())

	a.Close()
	waitPeers(t, tr, 1)
	assert.True(t, tr.Connected(), "one peer left, still connected")

	b.Close()
	waitPeers(t, tr, 0)
	assert.False(t, tr.Connected())
	assert.ErrorIs(t, tr.Broadcast([]byte("SET_OUTPUT:1:9:1\n")), ErrNoActiveConnection)
}

func TestBroadcastWithoutPeers(t *testing.T) {
	tr := newTestTransport(t, nil)
	err := tr.Broadcast([]byte("SET_OUTPUT:1:9:1\n"))
	assert.ErrorIs(t, err, ErrNoActiveConnection)
	assert.Zero(t, tr.Stats().Broadcasts)
}

func TestSendExactBytes(t *testing.T) {
	tr := newTestTransport(t, nil)
	c := dialPeer(t, tr)
	waitPeers(t, tr, 1)

	require.NoError(t, tr.Broadcast([]byte("SET_OUTPUT:1:9:1\n")))
	assert.Equal(t, "SET_OUTPUT:1:9:1\n", string(readExactly(t, c, len("SET_OUTPUT:1:9:1\n"))))
	assertSilent(t, c)
}

func TestBroadcastReachesEveryPeer(t *testing.T) {
	tr := newTestTransport(t, nil)
	const n = 5
	peers := make([]net.Conn, n)
	for i := range peers {
		peers[i] = dialPeer(t, tr)
	}
	waitPeers(t, tr, n)

	cmds := []string{"SET_OUTPUT:3:1:1\n", "SET_OUTPUT:3:2:0\n", "SET_OUTPUT:3:9:1\n"}
	var want []byte
	for _, cmd := range cmds {
		require.NoError(t, tr.Broadcast([]byte(cmd)))
		want = append(want, cmd...)
	}
	for i, p := range peers {
		assert.Equal(t, want, readExactly(t, p, len(want)), "peer %d", i)
	}
}

func TestReceiveDeliversAndEchoes(t *testing.T) {
	tr := newTestTransport(t, nil)
	c := dialPeer(t, tr)
	opened := nextEvent(t, tr, EventPeerOpened)
	assert.Equal(t, c.LocalAddr().String(), opened.Remote)

	_, err := c.Write([]byte("PING"))
	require.NoError(t, err)

	ev := nextEvent(t, tr, EventData)
	assert.Equal(t, "PING", string(ev.Data))
	assert.Equal(t, opened.Conn, ev.Conn)
	assert.Equal(t, "PING", string(readExactly(t, c, 4)))
}

func TestNoEcho(t *testing.T) {
	tr := newTestTransport(t, func(c *TCPConfig) { c.NoEcho = true })
	c := dialPeer(t, tr)
	waitPeers(t, tr, 1)

	_, err := c.Write([]byte("PING"))
	require.NoError(t, err)
	assert.Equal(t, "PING", string(nextEvent(t, tr, EventData).Data))
	assertSilent(t, c)
}

func TestEchoOnlyToSender(t *testing.T) {
	tr := newTestTransport(t, nil)
	a := dialPeer(t, tr)
	b := dialPeer(t, tr)
	waitPeers(t, tr, 2)

	_, err := a.Write([]byte("PING"))
	require.NoError(t, err)
	assert.Equal(t, "PING", string(readExactly(t, a, 4)))
	assertSilent(t, b)
}

func TestLineFraming(t *testing.T) {
	tr := newTestTransport(t, func(c *TCPConfig) {
		c.Framing = "line"
		c.NoEcho = true
	})
	c := dialPeer(t, tr)
	waitPeers(t, tr, 1)

	_, err := c.Write([]byte("IN:1:3:1\nIN:"))
	require.NoError(t, err)
	assert.Equal(t, "IN:1:3:1", string(nextEvent(t, tr, EventData).Data))

	time.Sleep(20 * time.Millisecond)
	_, err = c.Write([]byte("1:4:0\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "IN:1:4:0", string(nextEvent(t, tr, EventData).Data))
}

func TestLargeBroadcastArrivesIntact(t *testing.T) {
	tr := newTestTransport(t, func(c *TCPConfig) { c.MaxOutboundBufferBytes = 16 << 20 })
	c := dialPeer(t, tr)
	waitPeers(t, tr, 1)

	var want bytes.Buffer
	for i := 0; i < 64; i++ {
		chunk := bytes.Repeat([]byte(strconv.Itoa(i%10)), 64*1024)
		want.Write(chunk)
		require.NoError(t, tr.Broadcast(chunk))
	}

	got := make([]byte, want.Len())
	c.SetReadDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
	_, err := io.ReadFull(c, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want.Bytes(), got), "stream corrupted")
	assertSilent(t, c)
}

func TestOverflowDisconnects(t *testing.T) {
	tr := newTestTransport(t, func(c *TCPConfig) { c.MaxOutboundBufferBytes = 1024 })
	dialPeer(t, tr)
	waitPeers(t, tr, 1)

	require.NoError(t, tr.Broadcast(make([]byte, 2048)))
	nextEvent(t, tr, EventPeerClosed)
	assert.False(t, tr.Connected())
	assert.Equal(t, uint64(1), tr.Stats().Overflows)
}

func TestOverflowDropNewest(t *testing.T) {
	tr := newTestTransport(t, func(c *TCPConfig) {
		c.MaxOutboundBufferBytes = 1024
		c.Overflow = OverflowDropNewest
	})
	c := dialPeer(t, tr)
	waitPeers(t, tr, 1)

	require.NoError(t, tr.Broadcast(make([]byte, 2048)))
	require.NoError(t, tr.Broadcast([]byte("SET_OUTPUT:3:1:1\n")))
	assert.Equal(t, "SET_OUTPUT:3:1:1\n", string(readExactly(t, c, len("SET_OUTPUT:3:1:1\n"))))
	assert.True(t, tr.Connected())
	assert.Equal(t, uint64(1), tr.Stats().Overflows)
}

func TestPeerEOFDropsRegistration(t *testing.T) {
	tr := newTestTransport(t, nil)
	c := dialPeer(t, tr)
	require.Eventually(t, func() bool { return tr.Stats().Registered == 1 }, waitTimeout, 5*time.Millisecond)

	c.Close()
	nextEvent(t, tr, EventPeerClosed)
	assert.Equal(t, 0, tr.PeerCount())
	assert.Equal(t, 0, tr.Stats().Registered)
	assert.Empty(t, tr.Peers())
}

func TestPeersSnapshot(t *testing.T) {
	tr := newTestTransport(t, nil)
	a := dialPeer(t, tr)
	b := dialPeer(t, tr)
	waitPeers(t, tr, 2)

	require.Eventually(t, func() bool { return len(tr.Peers()) == 2 }, waitTimeout, 5*time.Millisecond)
	peers := tr.Peers()
	assert.Less(t, peers[0].ID, peers[1].ID)
	remotes := []string{peers[0].Remote, peers[1].Remote}
	assert.ElementsMatch(t, []string{a.LocalAddr().String(), b.LocalAddr().String()}, remotes)
}

func TestBindError(t *testing.T) {
	first := newTestTransport(t, nil)

	cfg := DefaultTCPConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = first.Addr().Port
	second, err := NewTCP(cfg)
	require.NoError(t, err)
	defer second.Close()

	err = second.Start()
	var be *BindError
	require.True(t, errors.As(err, &be), "got %v", err)
	assert.Contains(t, be.Addr, strconv.Itoa(cfg.Port))
}

func TestBindErrorBadAddress(t *testing.T) {
	cfg := DefaultTCPConfig()
	cfg.BindAddress = "192.0.2.1" // TEST-NET-1, never local
	cfg.Port = 0
	tr, err := NewTCP(cfg)
	require.NoError(t, err)
	defer tr.Close()

	var be *BindError
	assert.True(t, errors.As(tr.Listen(), &be))
}

func TestCloseTearsDown(t *testing.T) {
	tr := newTestTransport(t, nil)
	c := dialPeer(t, tr)
	waitPeers(t, tr, 1)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	select {
	case <-tr.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Done not closed")
	}
	assert.NoError(t, tr.Err())
	assert.False(t, tr.Connected())
	assert.ErrorIs(t, tr.Broadcast([]byte("x")), ErrClosed)
	assert.ErrorIs(t, tr.Serve(), ErrClosed)

	c.SetReadDeadline(time.Now().Add(waitTimeout)) //nolint:errcheck
	_, err := c.Read(make([]byte, 1))
	assert.Error(t, err, "peer socket should be closed by the server")

	// Incoming is closed once drained.
	for range tr.Incoming() {
	}
}

func TestCloseConcurrentWithBroadcast(t *testing.T) {
	tr := newTestTransport(t, nil)
	dialPeer(t, tr)
	waitPeers(t, tr, 1)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				tr.Broadcast([]byte("SET_OUTPUT:1:1:1\n")) //nolint:errcheck
			}
		}
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.Close())
	close(stop)
	<-tr.Done()
}

func TestCloseBeforeServe(t *testing.T) {
	cfg := DefaultTCPConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	tr, err := NewTCP(cfg)
	require.NoError(t, err)
	require.NoError(t, tr.Listen())
	require.NoError(t, tr.Close())

	select {
	case <-tr.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, tr.Listen(), ErrClosed)
}

func TestNewTCPValidates(t *testing.T) {
	_, err := NewTCP(TCPConfig{Overflow: "drop-oldest"})
	assert.Error(t, err)
	_, err = NewTCP(TCPConfig{Framing: "json"})
	assert.Error(t, err)
	_, err = NewTCP(TCPConfig{Port: 70000})
	assert.Error(t, err)
}
