package client

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sheerbytes/quicdrop/internal/progress"
	"github.com/sheerbytes/quicdrop/internal/quictransport"
	"github.com/sheerbytes/quicdrop/internal/transfer"
	"github.com/sheerbytes/quicdrop/internal/transferquic"
	"github.com/sheerbytes/quicdrop/internal/transport"
)

const (
	DefaultServerName  = "localhost"
	DefaultDialTimeout = 10 * time.Second
)

// Options configures Connect.
type Options struct {
	Addr       string
	ServerName string

	// TrustAnchor holds the only certificates the server may present.
	TrustAnchor *x509.CertPool

	DialTimeout  time.Duration
	ConnWindow   int
	StreamWindow int
	UDPBuffer    int

	Logger *slog.Logger
}

// Result describes one acknowledged send.
type Result struct {
	StreamID uint64
	Size     int64
	Duration time.Duration
}

// Session is a client connection to one server. SendFile may be called
// concurrently; each call uses its own stream.
type Session struct {
	conn     transfer.Conn
	udpConn  net.PacketConn
	logger   *slog.Logger
	receipts *transfer.ReceiptRegistry
	meter    *progress.Meter

	readerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// Connect dials the server and verifies its certificate against
// opts.TrustAnchor. Any failure to establish the connection wraps
// transfer.ErrHandshake.
func Connect(ctx context.Context, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TrustAnchor == nil {
		return nil, fmt.Errorf("%w: no trust anchor", transfer.ErrHandshake)
	}
	serverName := opts.ServerName
	if serverName == "" {
		serverName = DefaultServerName
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	udpBuffer := opts.UDPBuffer
	if udpBuffer <= 0 {
		udpBuffer = transport.DefaultUDPBuffer
	}

	remote, err := net.ResolveUDPAddr("udp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", transfer.ErrHandshake, opts.Addr, err)
	}
	local := &net.UDPAddr{IP: net.IPv4zero}
	if remote.IP.To4() == nil {
		local = &net.UDPAddr{IP: net.IPv6unspecified}
	}
	udpConn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("%w: listen: %w", transfer.ErrHandshake, err)
	}
	udpTune := transport.ApplyUDPBuffers(udpConn, udpBuffer)
	if udpTune.Err != "" {
		logger.Debug("udp buffer tuning refused", "requested", transport.FormatBytes(int64(udpTune.Requested)), "error", udpTune.Err)
	}

	quicConfig, _ := transport.BuildQuicConfig(quictransport.DefaultClientQUICConfig(), opts.ConnWindow, opts.StreamWindow, 1)
	tlsConfig := quictransport.ClientConfig(opts.TrustAnchor, serverName)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	qc, err := quictransport.Dial(dialCtx, udpConn, remote, tlsConfig, quicConfig, logger)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("%w: %w", transfer.ErrHandshake, err)
	}

	logger.Info("connected", "remote_addr", remote.String(), "local_addr", udpConn.LocalAddr().String())
	s := NewSession(transferquic.NewConn(qc, logger), logger)
	s.udpConn = udpConn
	return s, nil
}

// NewSession runs a session over an established connection.
func NewSession(conn transfer.Conn, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		conn:       conn,
		logger:     logger,
		receipts:   transfer.NewReceiptRegistry(),
		meter:      progress.NewMeter(),
		readerDone: make(chan struct{}),
	}
	go s.readReceipts()
	return s
}

// readReceipts consumes the server's receipt stream until the connection ends.
func (s *Session) readReceipts() {
	defer close(s.readerDone)

	stream, err := s.conn.AcceptUniStream(s.conn.Context())
	if err != nil {
		s.receipts.Fail(s.connErr(err))
		return
	}
	for {
		rc, err := transfer.ReadReceipt(stream)
		if err != nil {
			if err == io.EOF {
				err = errors.New("receipt stream finished by server")
			}
			s.receipts.Fail(s.connErr(err))
			return
		}
		s.receipts.Deliver(rc)
	}
}

// connErr prefers the connection close reason over the error that
// surfaced it.
func (s *Session) connErr(err error) error {
	if reason := s.conn.CloseReason(); reason != nil {
		return reason
	}
	return err
}

// SendFile sends payload on a new stream and waits for the server to
// acknowledge it. Every failure, including a rejection by the server,
// wraps transfer.ErrSend together with the cause.
func (s *Session) SendFile(ctx context.Context, payload []byte) (Result, error) {
	start := time.Now()

	stream, err := s.conn.OpenUniStream(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: open stream: %w", transfer.ErrSend, s.connErr(err))
	}
	id := stream.StreamID()

	if len(payload) > 0 {
		if _, err := stream.Write(payload); err != nil {
			stream.CancelWrite(transfer.CodeAborted)
			s.receipts.Discard(id)
			return Result{}, sendError(id, "write", err)
		}
	}
	if err := stream.Close(); err != nil {
		s.receipts.Discard(id)
		return Result{}, sendError(id, "finish", err)
	}

	rc, err := s.receipts.Wait(ctx, id)
	if err != nil {
		s.receipts.Discard(id)
		return Result{}, fmt.Errorf("%w: stream %d: awaiting receipt: %w", transfer.ErrSend, id, err)
	}
	if err := rc.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: stream %d rejected by server (%s): %w", transfer.ErrSend, id, rc.Code, err)
	}
	if rc.Size != uint64(len(payload)) {
		return Result{}, fmt.Errorf("%w: stream %d: server stored %d of %d bytes", transfer.ErrSend, id, rc.Size, len(payload))
	}

	res := Result{StreamID: id, Size: int64(len(payload)), Duration: time.Since(start)}
	s.logger.Debug("stream acknowledged", "stream_id", id, "bytes", res.Size, "duration", res.Duration)
	return res, nil
}

// sendError wraps a stream failure, surfacing the sentinel behind a code
// sent by the server.
func sendError(id uint64, op string, err error) error {
	var streamErr *transfer.StreamError
	if errors.As(err, &streamErr) && streamErr.Remote {
		if cause := transfer.ErrorForCode(streamErr.Code); cause != nil {
			return fmt.Errorf("%w: stream %d: %s: %w: %w", transfer.ErrSend, id, op, cause, err)
		}
	}
	return fmt.Errorf("%w: stream %d: %s: %w", transfer.ErrSend, id, op, err)
}

// SendPath reads a local file and sends its contents.
func (s *Session) SendPath(ctx context.Context, path string) (Result, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", transfer.ErrSend, err)
	}
	res, err := s.SendFile(ctx, payload)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}

// SendAll sends every payload on its own stream concurrently. Results are
// in payload order; failed sends leave a zero Result and their errors are
// joined.
func (s *Session) SendAll(ctx context.Context, payloads [][]byte) ([]Result, error) {
	var total int64
	for _, p := range payloads {
		total += int64(len(p))
	}
	return s.sendEach(total, len(payloads), func(i int) (Result, error) {
		res, err := s.SendFile(ctx, payloads[i])
		if err != nil {
			return Result{}, fmt.Errorf("payload %d: %w", i, err)
		}
		return res, nil
	})
}

// SendPaths sends every file concurrently, each on its own stream, with the
// same result and error contract as SendAll. A file that cannot be read
// fails on its own.
func (s *Session) SendPaths(ctx context.Context, paths []string) ([]Result, error) {
	var total int64
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil {
			total += info.Size()
		}
	}
	return s.sendEach(total, len(paths), func(i int) (Result, error) {
		return s.SendPath(ctx, paths[i])
	})
}

func (s *Session) sendEach(total int64, n int, send func(i int) (Result, error)) ([]Result, error) {
	s.meter.Start(total)

	results := make([]Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := send(i)
			if err != nil {
				s.meter.Fail()
				errs[i] = err
				return
			}
			s.meter.Complete(res.Size)
			results[i] = res
		}(i)
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

// Stats reports progress of the most recent SendAll.
func (s *Session) Stats() progress.Stats {
	return s.meter.Snapshot()
}

// RemoteAddr returns the server address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close closes the connection with CodeOK and waits until the transport
// reports it closed before releasing the socket. Sends still in flight fail.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if err := s.conn.CloseWithError(transfer.CodeOK, ""); err != nil {
			s.closeErr = err
		}
		select {
		case <-s.conn.Context().Done():
		case <-ctx.Done():
			if s.closeErr == nil {
				s.closeErr = ctx.Err()
			}
		}
		select {
		case <-s.readerDone:
		case <-ctx.Done():
		}
		if s.udpConn != nil {
			if err := s.udpConn.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
		s.logger.Debug("session closed", "remote_addr", s.conn.RemoteAddr().String())
	})
	return s.closeErr
}
