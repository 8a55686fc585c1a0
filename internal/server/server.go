package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sheerbytes/quicdrop/internal/bufpool"
	"github.com/sheerbytes/quicdrop/internal/identity"
	"github.com/sheerbytes/quicdrop/internal/metrics"
	"github.com/sheerbytes/quicdrop/internal/quictransport"
	"github.com/sheerbytes/quicdrop/internal/sink"
	"github.com/sheerbytes/quicdrop/internal/transfer"
	"github.com/sheerbytes/quicdrop/internal/transferquic"
	"github.com/sheerbytes/quicdrop/internal/transport"
)

const (
	DefaultAddr          = "0.0.0.0:33333"
	DefaultMaxPayload    = 64 * 1024 * 1024
	DefaultStreamTimeout = 2 * time.Minute

	acceptRetryDelay = 50 * time.Millisecond
)

// Options configures an Endpoint. It is copied at Bind time and never
// modified afterwards, so every connection and stream goroutine shares it.
type Options struct {
	Identity identity.Identity
	Addr     string

	// MaxConcurrentStreams bounds open unidirectional streams per connection.
	// The transport enforces it by withholding stream credit.
	MaxConcurrentStreams int

	// MaxPayload is the largest accepted stream payload in bytes.
	MaxPayload int64

	// StreamTimeout bounds the time to receive one stream. Negative disables it.
	StreamTimeout time.Duration

	ConnWindow   int
	StreamWindow int
	UDPBuffer    int
	ReadChunk    int

	Sink    sink.Sink
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.MaxConcurrentStreams <= 0 {
		o.MaxConcurrentStreams = quictransport.DefaultMaxIncomingUniStreams
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = DefaultMaxPayload
	}
	if o.StreamTimeout == 0 {
		o.StreamTimeout = DefaultStreamTimeout
	}
	if o.StreamTimeout < 0 {
		o.StreamTimeout = 0
	}
	if o.UDPBuffer <= 0 {
		o.UDPBuffer = transport.DefaultUDPBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Endpoint is a bound server. Serve runs its accept loop.
type Endpoint struct {
	opts     Options
	listener transfer.Listener
	udpConn  net.PacketConn
	pool     *bufpool.Pool

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Bind configures QUIC with the identity and the stream limit, binds the
// UDP socket and starts listening. Every failure wraps transfer.ErrBind.
func Bind(opts Options) (*Endpoint, error) {
	opts = opts.withDefaults()
	if opts.Sink == nil {
		return nil, fmt.Errorf("%w: no sink configured", transfer.ErrBind)
	}
	logger := opts.Logger

	tlsConfig, err := quictransport.ServerConfig(opts.Identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transfer.ErrBind, err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", transfer.ErrBind, opts.Addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", transfer.ErrBind, opts.Addr, err)
	}

	udpTune := transport.ApplyUDPBuffers(udpConn, opts.UDPBuffer)
	quicConfig, quicTune := transport.BuildQuicConfig(
		quictransport.DefaultServerQUICConfig(opts.MaxConcurrentStreams),
		opts.ConnWindow,
		opts.StreamWindow,
		opts.MaxConcurrentStreams,
	)

	ql, err := quictransport.Listen(udpConn, tlsConfig, quicConfig, logger)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("%w: %w", transfer.ErrBind, err)
	}

	logger.Info("listening",
		"addr", udpConn.LocalAddr().String(),
		"max_streams", quicTune.MaxUniStreams,
		"max_payload", transport.FormatBytes(opts.MaxPayload),
		"stream_timeout", opts.StreamTimeout,
		"conn_window", transport.FormatBytes(int64(quicTune.ConnWin)),
		"stream_window", transport.FormatBytes(int64(quicTune.StreamWin)),
		"udp_buffers", udpTune.Status,
	)
	if udpTune.Err != "" {
		logger.Debug("udp buffer tuning refused", "requested", transport.FormatBytes(int64(udpTune.Requested)), "error", udpTune.Err)
	}

	e := NewEndpoint(transferquic.NewListener(ql, logger), opts)
	e.udpConn = udpConn
	return e, nil
}

// NewEndpoint serves connections from an existing listener.
func NewEndpoint(listener transfer.Listener, opts Options) *Endpoint {
	opts = opts.withDefaults()
	return &Endpoint{
		opts:     opts,
		listener: listener,
		pool:     bufpool.New(opts.ReadChunk),
	}
}

// Addr returns the bound local address.
func (e *Endpoint) Addr() net.Addr {
	return e.listener.Addr()
}

// Serve accepts connections until the endpoint is closed or ctx is done,
// running each connection in its own goroutine. It never waits on a
// connection's lifetime and returns nil on a normal stop.
func (e *Endpoint) Serve(ctx context.Context) error {
	logger := e.opts.Logger
	for {
		conn, err := e.listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, transfer.ErrListenerClosed) || ctx.Err() != nil {
				return nil
			}
			logger.Warn("accept failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting and releases the socket. Connections still open are
// torn down with it; cancel the Serve context first for a clean shutdown.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.listener.Close()
		if e.udpConn != nil {
			if err := e.udpConn.Close(); err != nil && e.closeErr == nil {
				e.closeErr = err
			}
		}
	})
	return e.closeErr
}

// Wait blocks until every connection and stream goroutine has returned.
func (e *Endpoint) Wait() {
	e.wg.Wait()
}
