package transport

import (
	"net"
	"testing"
)

func TestClampUDPBuffer(t *testing.T) {
	if got := clampUDPBuffer(-1); got != minUDPBuffer {
		t.Fatalf("expected clamp to min, got %d", got)
	}
	if got := clampUDPBuffer(minUDPBuffer); got != minUDPBuffer {
		t.Fatalf("expected min to stay, got %d", got)
	}
	if got := clampUDPBuffer(maxUDPBuffer + 1); got != maxUDPBuffer {
		t.Fatalf("expected clamp to max, got %d", got)
	}
}

func TestApplyUDPUnavailable(t *testing.T) {
	result := ApplyUDPBuffers(nil, 0)
	if result.Status != StatusNA {
		t.Fatalf("expected NA status, got %s", result.Status)
	}
	if result.Requested != minUDPBuffer {
		t.Fatalf("expected clamped request, got %d", result.Requested)
	}
}

func TestApplyUDPBuffersLoopback(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	result := ApplyUDPBuffers(conn, DefaultUDPBuffer)
	if result.Requested != DefaultUDPBuffer {
		t.Fatalf("expected request %d, got %d", DefaultUDPBuffer, result.Requested)
	}
	if result.Status != StatusOK && result.Status != StatusDenied {
		t.Fatalf("unexpected status %q", result.Status)
	}
}
