package transfer

import (
	"context"
	"io"
	"net"
	"time"
)

// Listener accepts incoming connections whose handshake has completed.
// A closed Listener returns an error wrapping ErrListenerClosed.
type Listener interface {
	// Accept waits for the next connection.
	Accept(ctx context.Context) (Conn, error)

	// Addr returns the local network address the listener is bound to.
	Addr() net.Addr

	// Close stops accepting connections. Already accepted connections stay open.
	Close() error
}

// Conn represents a secure multiplexed connection to one remote peer.
// It provides the ability to open and accept unidirectional streams.
// Streams are independent and can be used concurrently.
type Conn interface {
	// OpenUniStream opens a new send-only stream to the remote peer.
	// It blocks while the peer's stream limit is reached.
	OpenUniStream(ctx context.Context) (SendStream, error)

	// AcceptUniStream waits for the next receive-only stream opened by the peer.
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr

	// Context is cancelled as soon as the connection is closed.
	Context() context.Context

	// CloseReason returns a *CloseError describing why the connection
	// terminated, or nil while it is still open.
	CloseReason() error

	// CloseWithError closes the connection and all its streams,
	// sending code and msg to the peer.
	CloseWithError(code ErrorCode, msg string) error
}

// ReceiveStream is the read side of a unidirectional stream.
type ReceiveStream interface {
	io.Reader

	StreamID() uint64

	// CancelRead aborts reading and asks the sender to stop with code.
	CancelRead(code ErrorCode)

	// SetReadDeadline makes pending and future reads fail once t has passed.
	// A zero value disables the deadline.
	SetReadDeadline(t time.Time) error
}

// SendStream is the write side of a unidirectional stream.
type SendStream interface {
	io.Writer

	StreamID() uint64

	// Close finishes the stream, signalling end-of-data to the receiver.
	Close() error

	// CancelWrite abandons the stream, resetting it with code.
	CancelWrite(code ErrorCode)
}
