package transport

import (
	"net"
	"strings"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024

	// DefaultUDPBuffer is what quic-go asks for on its own sockets.
	DefaultUDPBuffer = 7 * 1024 * 1024
)

// UdpTuneResult reports the socket buffer sizes requested for a UDP socket.
type UdpTuneResult struct {
	Requested int
	Status    string
	Err       string
}

// ApplyUDPBuffers sets the read and write buffers of conn on a best-effort
// basis. Kernels may silently cap the value; a refusal is reported, never fatal.
func ApplyUDPBuffers(conn *net.UDPConn, size int) UdpTuneResult {
	result := UdpTuneResult{
		Requested: clampUDPBuffer(size),
		Status:    StatusOK,
	}
	if conn == nil {
		result.Status = StatusNA
		result.Err = "no access to underlying UDPConn"
		return result
	}

	var errs []string
	if err := conn.SetReadBuffer(result.Requested); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(result.Requested); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	if len(errs) > 0 {
		result.Status = StatusDenied
		result.Err = strings.Join(errs, "; ")
	}
	return result
}

func clampUDPBuffer(n int) int {
	if n < minUDPBuffer {
		return minUDPBuffer
	}
	if n > maxUDPBuffer {
		return maxUDPBuffer
	}
	return n
}
