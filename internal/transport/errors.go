package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveConnection is returned by Broadcast when no peer is
	// connected. It is not fatal; the caller decides whether to retry.
	ErrNoActiveConnection = errors.New("transport: no active connection")

	// ErrSendQueueFull is returned by Broadcast when the loop has not yet
	// drained earlier broadcasts.
	ErrSendQueueFull = errors.New("transport: send queue full")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")

	errOutboundOverflow = errors.New("outbound buffer limit exceeded")
	errShutdown         = errors.New("shutdown")
)

// BindError reports that the listening socket could not be created or bound.
// It is fatal to startup.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("transport: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// FatalServerError reports a failure of the loop's own infrastructure, such
// as the readiness wait itself failing. The owner decides whether to restart.
type FatalServerError struct {
	Op  string
	Err error
}

func (e *FatalServerError) Error() string {
	return fmt.Sprintf("transport: fatal %s: %v", e.Op, e.Err)
}

func (e *FatalServerError) Unwrap() error { return e.Err }

// Connection-level operations reported through ConnError.
const (
	OpAccept = "accept"
	OpRead   = "read"
	OpSend   = "send"
)

// ConnError describes a per-connection failure. These never leave the loop;
// they are logged and the connection is dropped (or, for accept, skipped).
type ConnError struct {
	Op     string
	Conn   uint64
	Remote string
	Err    error
}

func (e *ConnError) Error() string {
	if e.Remote == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %s %s (conn %d): %v", e.Op, e.Remote, e.Conn, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }
