package transport

import "github.com/quic-go/quic-go"

const (
	defaultInitialConnWindow = 2 * 1024 * 1024
	minQuicConnWindow        = 1 * 1024 * 1024
	maxQuicConnWindow        = 1024 * 1024 * 1024
	minQuicStreamWindow      = 1 * 1024 * 1024
	maxQuicStreamWindow      = 256 * 1024 * 1024
	minQuicMaxUniStreams     = 1
	maxQuicMaxUniStreams     = 2048
)

// QuicTuneResult reports the values actually applied by BuildQuicConfig.
type QuicTuneResult struct {
	ConnWin       int
	StreamWin     int
	MaxUniStreams int
	Status        string
}

// BuildQuicConfig copies base and applies clamped receive windows and the
// limit on concurrent incoming unidirectional streams. A zero window keeps
// the value from base. base is never modified.
func BuildQuicConfig(base *quic.Config, connWin, streamWin, maxUniStreams int) (*quic.Config, QuicTuneResult) {
	cfg := &quic.Config{}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}

	res := QuicTuneResult{Status: StatusOK}

	if connWin > 0 {
		conn := clampQuicConnWindow(connWin)
		initialConn := defaultInitialConnWindow
		if initialConn > conn {
			initialConn = conn
		}
		cfg.InitialConnectionReceiveWindow = uint64(initialConn)
		cfg.MaxConnectionReceiveWindow = uint64(conn)
	}
	res.ConnWin = int(cfg.MaxConnectionReceiveWindow)

	if streamWin > 0 {
		stream := clampQuicStreamWindow(streamWin)
		if cfg.InitialStreamReceiveWindow == 0 || cfg.InitialStreamReceiveWindow > uint64(stream) {
			cfg.InitialStreamReceiveWindow = uint64(stream)
		}
		cfg.MaxStreamReceiveWindow = uint64(stream)
	}
	res.StreamWin = int(cfg.MaxStreamReceiveWindow)

	maxUni := clampQuicMaxUniStreams(maxUniStreams)
	cfg.MaxIncomingUniStreams = int64(maxUni)
	res.MaxUniStreams = maxUni

	return cfg, res
}

func clampQuicConnWindow(n int) int {
	if n < minQuicConnWindow {
		return minQuicConnWindow
	}
	if n > maxQuicConnWindow {
		return maxQuicConnWindow
	}
	return n
}

func clampQuicStreamWindow(n int) int {
	if n < minQuicStreamWindow {
		return minQuicStreamWindow
	}
	if n > maxQuicStreamWindow {
		return maxQuicStreamWindow
	}
	return n
}

func clampQuicMaxUniStreams(n int) int {
	if n < minQuicMaxUniStreams {
		return minQuicMaxUniStreams
	}
	if n > maxQuicMaxUniStreams {
		return maxQuicMaxUniStreams
	}
	return n
}
