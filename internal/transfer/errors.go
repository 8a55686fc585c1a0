package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrBind            = errors.New("bind failed")
	ErrHandshake       = errors.New("handshake failed")
	ErrListenerClosed  = errors.New("listener closed")
	ErrStreamAccept    = errors.New("stream accept failed")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrSinkWrite       = errors.New("sink write failed")
	ErrSend            = errors.New("send failed")
	ErrStreamTimeout   = errors.New("stream timed out")
	ErrStreamAborted   = errors.New("stream aborted")
	ErrConnClosed      = errors.New("connection closed")
)

// ErrorCode is an application error code carried by stream resets,
// STOP_SENDING and connection close frames, and by receipts.
type ErrorCode uint64

const (
	CodeOK          ErrorCode = 0x00
	CodeTooLarge    ErrorCode = 0x10
	CodeTimeout     ErrorCode = 0x11
	CodeSinkFailure ErrorCode = 0x12
	CodeAborted     ErrorCode = 0x13
	CodeShutdown    ErrorCode = 0x14
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeTooLarge:
		return "too_large"
	case CodeTimeout:
		return "timeout"
	case CodeSinkFailure:
		return "sink_failure"
	case CodeAborted:
		return "aborted"
	case CodeShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("code_0x%x", uint64(c))
	}
}

// CodeFor maps a stream outcome to the code reported to the sender.
func CodeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrPayloadTooLarge):
		return CodeTooLarge
	case errors.Is(err, ErrStreamTimeout):
		return CodeTimeout
	case errors.Is(err, ErrSinkWrite):
		return CodeSinkFailure
	default:
		return CodeAborted
	}
}

// ErrorForCode is the inverse of CodeFor. It returns nil for CodeOK.
func ErrorForCode(code ErrorCode) error {
	switch code {
	case CodeOK:
		return nil
	case CodeTooLarge:
		return ErrPayloadTooLarge
	case CodeTimeout:
		return ErrStreamTimeout
	case CodeSinkFailure:
		return ErrSinkWrite
	default:
		return ErrStreamAborted
	}
}

// StreamError reports that a stream was reset or stopped.
type StreamError struct {
	StreamID uint64
	Code     ErrorCode
	Remote   bool
}

func (e *StreamError) Error() string {
	who := "locally"
	if e.Remote {
		who = "by peer"
	}
	return fmt.Sprintf("stream %d cancelled %s (%s)", e.StreamID, who, e.Code)
}

// CloseError describes why a connection terminated. Err is set when the
// connection was lost below the application layer (idle timeout, transport
// error); otherwise Code and Message come from the closing side.
type CloseError struct {
	Remote  bool
	Code    ErrorCode
	Message string
	Err     error
}

func (e *CloseError) Error() string {
	if e.Err != nil {
		return "connection lost: " + e.Err.Error()
	}
	who := "locally"
	if e.Remote {
		who = "by peer"
	}
	if e.Message != "" {
		return fmt.Sprintf("connection closed %s (%s: %s)", who, e.Code, e.Message)
	}
	return fmt.Sprintf("connection closed %s (%s)", who, e.Code)
}

func (e *CloseError) Is(target error) bool { return target == ErrConnClosed }

func (e *CloseError) Unwrap() error { return e.Err }

// Graceful reports whether the connection was closed on purpose with CodeOK.
func (e *CloseError) Graceful() bool {
	return e.Err == nil && e.Code == CodeOK
}
