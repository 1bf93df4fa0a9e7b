package transport

import "github.com/ham-lab-isu/K2craft/internal/poller"

type connState uint8

const (
	stateAccepted connState = iota
	stateOpen
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateOpen:
		return "open"
	default:
		return "closed"
	}
}

// conn is the loop's state for one accepted peer. Only the loop goroutine
// touches it.
type conn struct {
	id     uint64
	fd     int
	remote string
	state  connState

	inbound  []byte // undecoded remainder
	outbound []byte // queued, not yet written

	interest poller.Interest
}

// queue appends p to the outbound buffer unless that would take it past max
// bytes (max <= 0 means unbounded). It reports whether p was queued.
func (c *conn) queue(p []byte, max int) bool {
	if max > 0 && len(c.outbound)+len(p) > max {
		return false
	}
	c.outbound = append(c.outbound, p...)
	return true
}

// flush makes one write attempt with whatever is queued and drops the
// accepted prefix. write has the semantics of a non-blocking write(2).
func (c *conn) flush(write func([]byte) (int, error)) (int, error) {
	if len(c.outbound) == 0 {
		return 0, nil
	}
	n, err := write(c.outbound)
	if n > 0 {
		c.outbound = c.outbound[n:]
		if len(c.outbound) == 0 {
			c.outbound = nil
		}
	} else {
		n = 0
	}
	return n, err
}

// wantInterest is read always, write only while something is queued.
func (c *conn) wantInterest() poller.Interest {
	if len(c.outbound) > 0 {
		return poller.Readable | poller.Writable
	}
	return poller.Readable
}
