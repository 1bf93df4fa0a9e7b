//go:build linux || darwin || freebsd || netbsd || openbsd

// Package poller wraps poll(2) as the readiness primitive of the control
// channel server.
//
// A Poller is owned by a single goroutine, which registers descriptors and
// blocks in Wait. Wake is the only method safe to call from other goroutines:
// it writes to an internal pipe so that a blocked Wait returns, which is how a
// stop request or a newly queued broadcast reaches the loop.
package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is the set of readiness conditions a descriptor is watched for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event reports the readiness of one registered descriptor.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	// Hangup is set for POLLHUP, POLLERR and POLLNVAL.
	Hangup bool
}

// ErrClosed is returned by operations on a closed Poller.
var ErrClosed = errors.New("poller: closed")

// Poller multiplexes readiness across registered descriptors.
type Poller struct {
	wakeR int
	wakeW int

	order    []int
	interest map[int]Interest
	pfds     []unix.PollFd

	mu     sync.Mutex // guards closed against Wake
	closed bool
}

// New creates a Poller with its wake pipe.
func New() (*Poller, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("poller: wake pipe: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("poller: wake pipe: %w", err)
		}
	}
	return &Poller{
		wakeR:    fds[0],
		wakeW:    fds[1],
		interest: make(map[int]Interest),
	}, nil
}

// Add registers fd with the given interest.
func (p *Poller) Add(fd int, in Interest) error {
	if _, ok := p.interest[fd]; ok {
		return fmt.Errorf("poller: fd %d already registered", fd)
	}
	p.interest[fd] = in
	p.order = append(p.order, fd)
	return nil
}

// Modify replaces the interest of a registered fd.
func (p *Poller) Modify(fd int, in Interest) error {
	if _, ok := p.interest[fd]; !ok {
		return fmt.Errorf("poller: fd %d not registered", fd)
	}
	p.interest[fd] = in
	return nil
}

// Remove drops fd from the watch set. Removing an unknown fd is a no-op.
func (p *Poller) Remove(fd int) {
	if _, ok := p.interest[fd]; !ok {
		return
	}
	delete(p.interest, fd)
	for i, f := range p.order {
		if f == fd {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Registered reports whether fd is in the watch set.
func (p *Poller) Registered(fd int) bool {
	_, ok := p.interest[fd]
	return ok
}

// Len returns the number of registered descriptors, not counting the wake pipe.
func (p *Poller) Len() int {
	return len(p.order)
}

// Wait blocks until a registered descriptor is ready, Wake is called, or
// timeout elapses (a negative timeout waits forever). Ready descriptors are
// appended to events. A wake-up alone returns no events and a nil error.
func (p *Poller) Wait(events []Event, timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	p.pfds = p.pfds[:0]
	p.pfds = append(p.pfds, unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
	for _, fd := range p.order {
		var ev int16
		in := p.interest[fd]
		if in&Readable != 0 {
			ev |= unix.POLLIN
		}
		if in&Writable != 0 {
			ev |= unix.POLLOUT
		}
		p.pfds = append(p.pfds, unix.PollFd{Fd: int32(fd), Events: ev})
	}

	for {
		_, err := unix.Poll(p.pfds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return events, fmt.Errorf("poller: poll: %w", err)
		}
		break
	}

	if p.pfds[0].Revents != 0 {
		p.drain()
	}
	for _, pfd := range p.pfds[1:] {
		r := pfd.Revents
		if r == 0 {
			continue
		}
		events = append(events, Event{
			Fd:       int(pfd.Fd),
			Readable: r&unix.POLLIN != 0,
			Writable: r&unix.POLLOUT != 0,
			Hangup:   r&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0,
		})
	}
	return events, nil
}

// Wake interrupts a blocked Wait. Safe for concurrent use.
func (p *Poller) Wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	_, err := unix.Write(p.wakeW, []byte{1})
	if err == unix.EAGAIN {
		// Pipe full: a wake-up is already pending.
		return nil
	}
	return err
}

func (p *Poller) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases the wake pipe. Registered descriptors are not closed.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.interest = make(map[int]Interest)
	p.order = nil
	err := unix.Close(p.wakeR)
	if err2 := unix.Close(p.wakeW); err == nil {
		err = err2
	}
	return err
}
