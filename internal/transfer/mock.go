package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// MockListener is an in-memory Listener for tests. Dial hands the server
// side of a new connection pair to Accept and returns the client side.
type MockListener struct {
	addr      net.Addr
	acceptCh  chan *mockConn
	closed    chan struct{}
	closeOnce sync.Once
	nextPort  atomic.Int32
}

var (
	_ Listener      = (*MockListener)(nil)
	_ Conn          = (*mockConn)(nil)
	_ SendStream    = (*mockSendStream)(nil)
	_ ReceiveStream = (*mockRecvStream)(nil)
)

// NewMockListener creates a listener that pretends to be bound to 127.0.0.1:33333.
func NewMockListener() *MockListener {
	l := &MockListener{
		addr:     &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 33333},
		acceptCh: make(chan *mockConn, 16),
		closed:   make(chan struct{}),
	}
	l.nextPort.Store(40000)
	return l
}

// Dial creates a connection pair and queues the server side for Accept.
func (l *MockListener) Dial(ctx context.Context) (Conn, error) {
	select {
	case <-l.closed:
		return nil, fmt.Errorf("%w: mock listener closed", ErrHandshake)
	default:
	}

	clientAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(l.nextPort.Add(1))}
	client, server := newMockConnPair(clientAddr, l.addr)

	select {
	case l.acceptCh <- server:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, fmt.Errorf("%w: mock listener closed", ErrHandshake)
	}
}

// Accept waits for a connection created by Dial.
func (l *MockListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.acceptCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrListenerClosed
	}
}

func (l *MockListener) Addr() net.Addr { return l.addr }

func (l *MockListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// NewMockPair creates two connected in-memory connections. The first one
// plays the client role for stream numbering.
func NewMockPair() (Conn, Conn) {
	client, server := newMockConnPair(
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 33333},
	)
	return client, server
}

// mockLink is the state shared by both ends of a connection.
type mockLink struct {
	mu     sync.Mutex
	closed bool
	pipes  map[*mockPipe]struct{}
}

type mockConn struct {
	link     *mockLink
	peer     *mockConn
	incoming chan *mockRecvStream
	local    net.Addr
	remote   net.Addr
	ctx      context.Context
	cancel   context.CancelCauseFunc
	idBase   uint64
	opened   atomic.Uint64
}

// mockPipe carries one unidirectional stream. opener writes, its peer reads.
type mockPipe struct {
	id     uint64
	opener *mockConn
	pr     *io.PipeReader
	pw     *io.PipeWriter

	mu       sync.Mutex
	readErr  error
	writeErr error
}

// closeConn fails both ends of the pipe with the connection close errors.
func (p *mockPipe) closeConn(readErr, writeErr error) {
	p.mu.Lock()
	p.readErr, p.writeErr = readErr, writeErr
	p.mu.Unlock()
	p.pw.CloseWithError(readErr)
	p.pr.CloseWithError(writeErr)
}

// connErr replaces io.ErrClosedPipe with the connection close error, if any.
func (p *mockPipe) connErr(err error, reader bool) error {
	if err != io.ErrClosedPipe {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if reader && p.readErr != nil {
		return p.readErr
	}
	if !reader && p.writeErr != nil {
		return p.writeErr
	}
	return err
}

func newMockConnPair(clientAddr, serverAddr net.Addr) (*mockConn, *mockConn) {
	link := &mockLink{pipes: make(map[*mockPipe]struct{})}
	client := &mockConn{
		link:     link,
		incoming: make(chan *mockRecvStream, 64),
		local:    clientAddr,
		remote:   serverAddr,
		idBase:   2, // client-initiated unidirectional
	}
	server := &mockConn{
		link:     link,
		incoming: make(chan *mockRecvStream, 64),
		local:    serverAddr,
		remote:   clientAddr,
		idBase:   3, // server-initiated unidirectional
	}
	client.ctx, client.cancel = context.WithCancelCause(context.Background())
	server.ctx, server.cancel = context.WithCancelCause(context.Background())
	client.peer = server
	server.peer = client
	return client, server
}

func (c *mockConn) OpenUniStream(ctx context.Context) (SendStream, error) {
	if err := c.CloseReason(); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	p := &mockPipe{
		id:     c.idBase + 4*(c.opened.Add(1)-1),
		opener: c,
		pr:     pr,
		pw:     pw,
	}

	c.link.mu.Lock()
	if c.link.closed {
		c.link.mu.Unlock()
		return nil, c.CloseReason()
	}
	c.link.pipes[p] = struct{}{}
	c.link.mu.Unlock()

	select {
	case c.peer.incoming <- &mockRecvStream{pipe: p}:
		return &mockSendStream{pipe: p}, nil
	case <-ctx.Done():
		pw.CloseWithError(ctx.Err())
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.CloseReason()
	}
}

func (c *mockConn) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	select {
	case s := <-c.incoming:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.CloseReason()
	}
}

func (c *mockConn) RemoteAddr() net.Addr { return c.remote }

func (c *mockConn) Context() context.Context { return c.ctx }

func (c *mockConn) CloseReason() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return context.Cause(c.ctx)
}

// CloseWithError tears down both ends and every stream of the connection.
func (c *mockConn) CloseWithError(code ErrorCode, msg string) error {
	c.link.mu.Lock()
	if c.link.closed {
		c.link.mu.Unlock()
		return nil
	}
	c.link.closed = true
	pipes := c.link.pipes
	c.link.pipes = nil
	c.link.mu.Unlock()

	errFor := func(side *mockConn) error {
		return &CloseError{Remote: side != c, Code: code, Message: msg}
	}
	for p := range pipes {
		// Readers live on the opener's peer, writers on the opener.
		p.closeConn(errFor(p.opener.peer), errFor(p.opener))
	}
	c.cancel(errFor(c))
	c.peer.cancel(errFor(c.peer))
	return nil
}

type mockSendStream struct {
	pipe *mockPipe
}

func (s *mockSendStream) Write(p []byte) (int, error) {
	n, err := s.pipe.pw.Write(p)
	return n, s.pipe.connErr(err, false)
}

func (s *mockSendStream) StreamID() uint64 { return s.pipe.id }

func (s *mockSendStream) Close() error { return s.pipe.pw.Close() }

func (s *mockSendStream) CancelWrite(code ErrorCode) {
	s.pipe.pw.CloseWithError(&StreamError{StreamID: s.pipe.id, Code: code, Remote: true})
}

type mockRecvStream struct {
	pipe *mockPipe

	mu    sync.Mutex
	timer *time.Timer
}

func (s *mockRecvStream) Read(p []byte) (int, error) {
	n, err := s.pipe.pr.Read(p)
	return n, s.pipe.connErr(err, true)
}

func (s *mockRecvStream) StreamID() uint64 { return s.pipe.id }

func (s *mockRecvStream) CancelRead(code ErrorCode) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.pipe.pr.CloseWithError(&StreamError{StreamID: s.pipe.id, Code: code, Remote: true})
}

// SetReadDeadline fails reads once t has passed. Unlike a real stream the
// expiry is permanent.
func (s *mockRecvStream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if t.IsZero() {
		return nil
	}
	s.timer = time.AfterFunc(time.Until(t), func() {
		s.pipe.pw.CloseWithError(fmt.Errorf("mock stream %d: %w", s.pipe.id, os.ErrDeadlineExceeded))
	})
	return nil
}
