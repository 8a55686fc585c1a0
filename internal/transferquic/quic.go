package transferquic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/quicdrop/internal/transfer"
)

var (
	_ transfer.Listener      = (*QUICListener)(nil)
	_ transfer.Conn          = (*QUICConn)(nil)
	_ transfer.SendStream    = (*QUICSendStream)(nil)
	_ transfer.ReceiveStream = (*QUICReceiveStream)(nil)
)

// QUICListener wraps a quic.Listener and implements transfer.Listener.
type QUICListener struct {
	listener *quic.Listener
	logger   *slog.Logger
}

// NewListener wraps an existing QUIC listener.
func NewListener(listener *quic.Listener, logger *slog.Logger) *QUICListener {
	return &QUICListener{listener: listener, logger: logger}
}

// Accept waits for the next connection whose handshake has completed.
// Failed handshakes are dropped inside quic-go and never surface here.
func (l *QUICListener) Accept(ctx context.Context) (transfer.Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, fmt.Errorf("%w: %w", transfer.ErrListenerClosed, err)
		}
		return nil, fmt.Errorf("failed to accept QUIC connection: %w", err)
	}

	l.logger.Debug("QUIC connection accepted", "remote_addr", conn.RemoteAddr())
	return NewConn(conn, l.logger), nil
}

func (l *QUICListener) Addr() net.Addr { return l.listener.Addr() }

// Close stops accepting. Established connections are left open.
func (l *QUICListener) Close() error {
	if err := l.listener.Close(); err != nil {
		return fmt.Errorf("failed to close QUIC listener: %w", err)
	}
	return nil
}

// QUICConn wraps a quic.Conn and implements transfer.Conn.
type QUICConn struct {
	conn   *quic.Conn
	logger *slog.Logger
}

// NewConn wraps an established QUIC connection.
func NewConn(conn *quic.Conn, logger *slog.Logger) *QUICConn {
	return &QUICConn{conn: conn, logger: logger}
}

// OpenUniStream opens a send-only stream, waiting while the peer's
// stream limit is reached.
func (c *QUICConn) OpenUniStream(ctx context.Context) (transfer.SendStream, error) {
	stream, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QUIC stream: %w", TranslateError(err))
	}

	c.logger.Debug("QUIC stream opened", "stream_id", stream.StreamID())
	return &QUICSendStream{stream: stream}, nil
}

// AcceptUniStream waits for the next send-only stream opened by the peer.
func (c *QUICConn) AcceptUniStream(ctx context.Context) (transfer.ReceiveStream, error) {
	stream, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept QUIC stream: %w", TranslateError(err))
	}

	c.logger.Debug("QUIC stream accepted", "stream_id", stream.StreamID())
	return &QUICReceiveStream{stream: stream}, nil
}

func (c *QUICConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *QUICConn) Context() context.Context { return c.conn.Context() }

func (c *QUICConn) CloseReason() error {
	ctx := c.conn.Context()
	if ctx.Err() == nil {
		return nil
	}
	return TranslateError(context.Cause(ctx))
}

// CloseWithError closes the connection and all associated streams.
func (c *QUICConn) CloseWithError(code transfer.ErrorCode, msg string) error {
	if err := c.conn.CloseWithError(quic.ApplicationErrorCode(code), msg); err != nil {
		return fmt.Errorf("failed to close QUIC connection: %w", err)
	}
	return nil
}

// QUICSendStream wraps a quic.SendStream and implements transfer.SendStream.
type QUICSendStream struct {
	stream *quic.SendStream
}

func (s *QUICSendStream) Write(p []byte) (int, error) {
	n, err := s.stream.Write(p)
	return n, TranslateError(err)
}

func (s *QUICSendStream) StreamID() uint64 { return uint64(s.stream.StreamID()) }

// Close finishes the stream. Data already written is still delivered.
func (s *QUICSendStream) Close() error {
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("failed to finish QUIC stream: %w", TranslateError(err))
	}
	return nil
}

func (s *QUICSendStream) CancelWrite(code transfer.ErrorCode) {
	s.stream.CancelWrite(quic.StreamErrorCode(code))
}

// QUICReceiveStream wraps a quic.ReceiveStream and implements transfer.ReceiveStream.
type QUICReceiveStream struct {
	stream *quic.ReceiveStream
}

func (s *QUICReceiveStream) Read(p []byte) (int, error) {
	n, err := s.stream.Read(p)
	return n, TranslateError(err)
}

func (s *QUICReceiveStream) StreamID() uint64 { return uint64(s.stream.StreamID()) }

func (s *QUICReceiveStream) CancelRead(code transfer.ErrorCode) {
	s.stream.CancelRead(quic.StreamErrorCode(code))
}

func (s *QUICReceiveStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

// TranslateError maps quic-go stream and connection errors onto
// transfer.StreamError and transfer.CloseError. Other errors, including
// io.EOF and deadline errors, are returned unchanged.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}

	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return &transfer.StreamError{
			StreamID: uint64(streamErr.StreamID),
			Code:     transfer.ErrorCode(streamErr.ErrorCode),
			Remote:   streamErr.Remote,
		}
	}

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return &transfer.CloseError{
			Remote:  appErr.Remote,
			Code:    transfer.ErrorCode(appErr.ErrorCode),
			Message: appErr.ErrorMessage,
		}
	}

	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) {
		return &transfer.CloseError{Remote: transportErr.Remote, Code: transfer.CodeAborted, Err: err}
	}

	var idleErr *quic.IdleTimeoutError
	var handshakeErr *quic.HandshakeTimeoutError
	if errors.As(err, &idleErr) || errors.As(err, &handshakeErr) {
		return &transfer.CloseError{Code: transfer.CodeAborted, Err: err}
	}

	return err
}
