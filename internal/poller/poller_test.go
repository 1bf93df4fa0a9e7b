//go:build linux || darwin || freebsd || netbsd || openbsd

package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newSocketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestPoller(t *testing.T) *Poller {
	t.Helper()
	p, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestReadableEvent(t *testing.T) {
	p := newTestPoller(t)
	a, b := newSocketPair(t)
	require.NoError(t, p.Add(a, Readable))

	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)

	events, err := p.Wait(nil, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, a, events[0].Fd)
	assert.True(t, events[0].Readable)
	assert.False(t, events[0].Writable)
}

func TestWritableOnlyWhenAsked(t *testing.T) {
	p := newTestPoller(t)
	a, _ := newSocketPair(t)
	require.NoError(t, p.Add(a, Readable))

	events, err := p.Wait(nil, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events, "idle socket with read interest must not be ready")

	require.NoError(t, p.Modify(a, Readable|Writable))
	events, err = p.Wait(nil, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Writable)
}

func TestWakeInterruptsWait(t *testing.T) {
	p := newTestPoller(t)
	a, _ := newSocketPair(t)
	require.NoError(t, p.Add(a, Readable))

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Wake() //nolint:errcheck
	}()

	done := make(chan error, 1)
	go func() {
		events, err := p.Wait(nil, -1)
		if err == nil && len(events) != 0 {
			t.Errorf("wake-up produced events: %+v", events)
		}
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Wake")
	}
}

func TestRepeatedWakeCoalesces(t *testing.T) {
	p := newTestPoller(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Wake())
	}
	_, err := p.Wait(nil, time.Second)
	require.NoError(t, err)

	// The pipe was drained, so a second wait times out.
	start := time.Now()
	_, err = p.Wait(nil, 30*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestHangupReported(t *testing.T) {
	p := newTestPoller(t)
	a, b := newSocketPair(t)
	require.NoError(t, p.Add(a, Readable))
	unix.Shutdown(b, unix.SHUT_RDWR) //nolint:errcheck

	events, err := p.Wait(nil, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Readable || events[0].Hangup)
}

func TestRegistration(t *testing.T) {
	p := newTestPoller(t)
	a, b := newSocketPair(t)

	require.NoError(t, p.Add(a, Readable))
	assert.Error(t, p.Add(a, Readable), "double registration")
	assert.Error(t, p.Modify(b, Readable), "modify unknown fd")

	require.NoError(t, p.Add(b, Readable))
	assert.Equal(t, 2, p.Len())

	p.Remove(a)
	p.Remove(a)
	assert.False(t, p.Registered(a))
	assert.True(t, p.Registered(b))
	assert.Equal(t, 1, p.Len())
}

func TestWakeAfterClose(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Wake(), ErrClosed)
}
