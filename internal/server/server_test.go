package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/quicdrop/internal/bufpool"
	"github.com/sheerbytes/quicdrop/internal/identity"
	"github.com/sheerbytes/quicdrop/internal/metrics"
	"github.com/sheerbytes/quicdrop/internal/sink"
	"github.com/sheerbytes/quicdrop/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startMockServer serves a MockListener until the test ends.
func startMockServer(t *testing.T, opts Options) (*transfer.MockListener, *Endpoint) {
	t.Helper()
	listener := transfer.NewMockListener()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	ep := NewEndpoint(listener, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ep.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.NoError(t, ep.Close())
		ep.Wait()
	})
	return listener, ep
}

// collectReceipts reads the server's receipt stream on the client side.
func collectReceipts(conn transfer.Conn) <-chan transfer.Receipt {
	ch := make(chan transfer.Receipt, 16)
	go func() {
		defer close(ch)
		stream, err := conn.AcceptUniStream(context.Background())
		if err != nil {
			return
		}
		for {
			rc, err := transfer.ReadReceipt(stream)
			if err != nil {
				return
			}
			ch <- rc
		}
	}()
	return ch
}

func nextReceipt(t *testing.T, ch <-chan transfer.Receipt) transfer.Receipt {
	t.Helper()
	select {
	case rc, ok := <-ch:
		require.True(t, ok, "receipt stream ended")
		return rc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for receipt")
		return transfer.Receipt{}
	}
}

func writeStream(conn transfer.Conn, payload []byte) (uint64, error) {
	stream, err := conn.OpenUniStream(context.Background())
	if err != nil {
		return 0, err
	}
	if len(payload) > 0 {
		if _, err := stream.Write(payload); err != nil {
			return 0, err
		}
	}
	return stream.StreamID(), stream.Close()
}

func send(t *testing.T, conn transfer.Conn, payload []byte) uint64 {
	t.Helper()
	id, err := writeStream(conn, payload)
	require.NoError(t, err)
	return id
}

func TestDrainRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 100, bufpool.DefaultBufSize, 3*bufpool.DefaultBufSize + 7}
	for _, size := range sizes {
		client, server := transfer.NewMockPair()
		payload := bytes.Repeat([]byte{0xAB}, size)

		sent := make(chan error, 1)
		go func() {
			_, err := writeStream(client, payload)
			sent <- err
		}()

		stream, err := server.AcceptUniStream(context.Background())
		require.NoError(t, err)
		got, err := Drain(context.Background(), stream, int64(size), time.Second, nil)
		require.NoError(t, err, "size %d", size)
		assert.NotNil(t, got)
		assert.Equal(t, payload, got, "size %d", size)
		require.NoError(t, <-sent)

		client.CloseWithError(transfer.CodeOK, "")
	}
}

func TestDrainPayloadTooLarge(t *testing.T) {
	client, server := transfer.NewMockPair()
	defer client.CloseWithError(transfer.CodeOK, "")

	writeErr := make(chan error, 1)
	go func() {
		stream, err := client.OpenUniStream(context.Background())
		if err != nil {
			writeErr <- err
			return
		}
		_, err = stream.Write(bytes.Repeat([]byte("x"), 80))
		writeErr <- err
	}()

	stream, err := server.AcceptUniStream(context.Background())
	require.NoError(t, err)
	got, err := Drain(context.Background(), stream, 63, 0, bufpool.New(16))
	require.ErrorIs(t, err, transfer.ErrPayloadTooLarge)
	assert.Nil(t, got)

	err = <-writeErr
	var streamErr *transfer.StreamError
	require.True(t, errors.As(err, &streamErr), "sender should see STOP_SENDING, got %v", err)
	assert.Equal(t, transfer.CodeTooLarge, streamErr.Code)
}

func TestDrainCapacityStaysWithinMaxSize(t *testing.T) {
	sizes := []int{5*bufpool.DefaultBufSize + 3, 1<<20 + 17}
	for _, size := range sizes {
		client, server := transfer.NewMockPair()
		payload := bytes.Repeat([]byte{0x5A}, size)

		sent := make(chan error, 1)
		go func() {
			_, err := writeStream(client, payload)
			sent <- err
		}()

		stream, err := server.AcceptUniStream(context.Background())
		require.NoError(t, err)
		got, err := Drain(context.Background(), stream, int64(size), time.Second, nil)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, payload, got, "size %d", size)
		assert.LessOrEqual(t, cap(got), size, "buffer grew past max size")
		require.NoError(t, <-sent)

		client.CloseWithError(transfer.CodeOK, "")
	}
}

func TestAppendCapped(t *testing.T) {
	p := appendCapped(nil, []byte("abc"), 10)
	assert.Equal(t, 3, cap(p))
	p = appendCapped(p, []byte("defg"), 10)
	assert.Equal(t, 7, cap(p))
	p = appendCapped(p, []byte("hij"), 10)
	assert.Equal(t, []byte("abcdefghij"), p)
	assert.Equal(t, 10, cap(p))
}

func TestDrainCountsBytesOnFailure(t *testing.T) {
	client, server := transfer.NewMockPair()
	defer client.CloseWithError(transfer.CodeOK, "")

	go func() {
		stream, err := client.OpenUniStream(context.Background())
		if err != nil {
			return
		}
		_, _ = stream.Write(bytes.Repeat([]byte("x"), 80))
	}()

	stream, err := server.AcceptUniStream(context.Background())
	require.NoError(t, err)
	got, read, err := drain(context.Background(), stream, 63, 0, bufpool.New(16))
	require.ErrorIs(t, err, transfer.ErrPayloadTooLarge)
	assert.Nil(t, got)
	assert.Equal(t, int64(64), read)
}

func TestDrainTimeout(t *testing.T) {
	client, server := transfer.NewMockPair()
	defer client.CloseWithError(transfer.CodeOK, "")

	_, err := client.OpenUniStream(context.Background())
	require.NoError(t, err)

	stream, err := server.AcceptUniStream(context.Background())
	require.NoError(t, err)
	_, err = Drain(context.Background(), stream, 1024, 20*time.Millisecond, nil)
	assert.ErrorIs(t, err, transfer.ErrStreamTimeout)
}

func TestDrainContextCancelled(t *testing.T) {
	client, server := transfer.NewMockPair()
	defer client.CloseWithError(transfer.CodeOK, "")

	_, err := client.OpenUniStream(context.Background())
	require.NoError(t, err)
	stream, err := server.AcceptUniStream(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = Drain(ctx, stream, 1024, 0, nil)
	assert.ErrorIs(t, err, transfer.ErrStreamAborted)
	assert.NotErrorIs(t, err, transfer.ErrStreamTimeout)
}

func TestDrainConnectionClosedMidStream(t *testing.T) {
	client, server := transfer.NewMockPair()

	go func() {
		stream, err := client.OpenUniStream(context.Background())
		if err != nil {
			return
		}
		_, _ = stream.Write([]byte("partial"))
		client.CloseWithError(transfer.CodeOK, "")
	}()

	stream, err := server.AcceptUniStream(context.Background())
	require.NoError(t, err)
	got, err := Drain(context.Background(), stream, 1024, time.Second, nil)
	require.ErrorIs(t, err, transfer.ErrStreamAborted)
	assert.ErrorIs(t, err, transfer.ErrConnClosed)
	assert.Nil(t, got, "truncated data must not be returned")
}

func TestServeStoresConcurrentStreams(t *testing.T) {
	store := sink.NewMemorySink()
	rec := metrics.New()
	listener, _ := startMockServer(t, Options{Sink: store, Metrics: rec})

	conn, err := listener.Dial(context.Background())
	require.NoError(t, err)
	defer conn.CloseWithError(transfer.CodeOK, "")
	receipts := collectReceipts(conn)

	payloads := []string{"AAA", "BBBB", "C"}
	var wg sync.WaitGroup
	errs := make(chan error, len(payloads))
	for _, p := range payloads {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, err := writeStream(conn, []byte(p))
			errs <- err
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sizes := map[uint64]bool{}
	for range payloads {
		rc := nextReceipt(t, receipts)
		assert.Equal(t, transfer.CodeOK, rc.Code)
		sizes[rc.Size] = true
	}
	assert.Equal(t, map[uint64]bool{3: true, 4: true, 1: true}, sizes)
	assert.Equal(t, []string{"AAA", "BBBB", "C"}, store.Payloads())
}

func TestServeEmptyStream(t *testing.T) {
	store := sink.NewMemorySink()
	listener, _ := startMockServer(t, Options{Sink: store})

	conn, err := listener.Dial(context.Background())
	require.NoError(t, err)
	defer conn.CloseWithError(transfer.CodeOK, "")
	receipts := collectReceipts(conn)

	id := send(t, conn, nil)
	rc := nextReceipt(t, receipts)
	assert.Equal(t, id, rc.StreamID)
	assert.Equal(t, transfer.CodeOK, rc.Code)
	assert.Equal(t, uint64(0), rc.Size)
	assert.Equal(t, []string{""}, store.Payloads())
}

func TestServeRejectsOversizedWithoutStoring(t *testing.T) {
	store := sink.NewMemorySink()
	listener, _ := startMockServer(t, Options{Sink: store, MaxPayload: 4})

	conn, err := listener.Dial(context.Background())
	require.NoError(t, err)
	defer conn.CloseWithError(transfer.CodeOK, "")
	receipts := collectReceipts(conn)

	stream, err := conn.OpenUniStream(context.Background())
	require.NoError(t, err)
	_, err = stream.Write(bytes.Repeat([]byte("x"), 3*bufpool.DefaultBufSize))
	require.Error(t, err)

	rc := nextReceipt(t, receipts)
	assert.Equal(t, stream.StreamID(), rc.StreamID)
	assert.Equal(t, transfer.CodeTooLarge, rc.Code)
	assert.ErrorIs(t, rc.Err(), transfer.ErrPayloadTooLarge)

	// A sibling stream on the same connection is unaffected.
	send(t, conn, []byte("ok"))
	rc = nextReceipt(t, receipts)
	assert.Equal(t, transfer.CodeOK, rc.Code)
	assert.Equal(t, []string{"ok"}, store.Payloads())
}

// lockedBuffer is a bytes.Buffer safe for concurrent log writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServeFailureLogsBytesRead(t *testing.T) {
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	listener, _ := startMockServer(t, Options{Sink: sink.NewMemorySink(), MaxPayload: 40, ReadChunk: 16, Logger: logger})

	conn, err := listener.Dial(context.Background())
	require.NoError(t, err)
	defer conn.CloseWithError(transfer.CodeOK, "")
	receipts := collectReceipts(conn)

	_, err = writeStream(conn, bytes.Repeat([]byte("x"), 80))
	require.Error(t, err)
	assert.Equal(t, transfer.CodeTooLarge, nextReceipt(t, receipts).Code)

	out := logs.String()
	assert.Contains(t, out, `msg="stream failed"`)
	assert.Contains(t, out, "bytes=48")
}

type failingSink struct{}

func (failingSink) Store(ctx context.Context, t sink.Transfer) (sink.Result, error) {
	return sink.Result{}, errors.New("disk full")
}

func TestServeSinkFailureIsReported(t *testing.T) {
	listener, _ := startMockServer(t, Options{Sink: failingSink{}})

	conn, err := listener.Dial(context.Background())
	require.NoError(t, err)
	defer conn.CloseWithError(transfer.CodeOK, "")
	receipts := collectReceipts(conn)

	send(t, conn, []byte("data"))
	rc := nextReceipt(t, receipts)
	assert.Equal(t, transfer.CodeSinkFailure, rc.Code)

	send(t, conn, []byte("more"))
	rc = nextReceipt(t, receipts)
	assert.Equal(t, transfer.CodeSinkFailure, rc.Code, "connection keeps serving after a sink failure")
}

func TestServeConnectionClosedMidStreamStoresNothing(t *testing.T) {
	store := sink.NewMemorySink()
	listener, ep := startMockServer(t, Options{Sink: store})

	conn, err := listener.Dial(context.Background())
	require.NoError(t, err)

	stream, err := conn.OpenUniStream(context.Background())
	require.NoError(t, err)
	_, err = stream.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, conn.CloseWithError(transfer.CodeOK, ""))

	waitDone := make(chan struct{})
	go func() {
		ep.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("connection handler did not exit")
	}
	assert.Equal(t, 0, store.Len())
}

func TestServeIndependentConnections(t *testing.T) {
	store := sink.NewMemorySink()
	listener, _ := startMockServer(t, Options{Sink: store})

	a, err := listener.Dial(context.Background())
	require.NoError(t, err)
	b, err := listener.Dial(context.Background())
	require.NoError(t, err)
	defer b.CloseWithError(transfer.CodeOK, "")
	ra := collectReceipts(a)
	rb := collectReceipts(b)

	send(t, a, []byte("from-a"))
	assert.Equal(t, transfer.CodeOK, nextReceipt(t, ra).Code)
	require.NoError(t, a.CloseWithError(transfer.CodeOK, ""))

	send(t, b, []byte("from-b"))
	assert.Equal(t, transfer.CodeOK, nextReceipt(t, rb).Code)
	assert.Equal(t, []string{"from-a", "from-b"}, store.Payloads())
}

func TestServeReturnsWhenListenerClosed(t *testing.T) {
	listener := transfer.NewMockListener()
	ep := NewEndpoint(listener, Options{Sink: sink.NewMemorySink(), Logger: testLogger()})

	done := make(chan error, 1)
	go func() { done <- ep.Serve(context.Background()) }()

	require.NoError(t, ep.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestServeShutdownClosesConnections(t *testing.T) {
	listener := transfer.NewMockListener()
	ep := NewEndpoint(listener, Options{Sink: sink.NewMemorySink(), Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ep.Serve(ctx) }()

	conn, err := listener.Dial(context.Background())
	require.NoError(t, err)
	receipts := collectReceipts(conn)
	send(t, conn, []byte("before shutdown"))
	nextReceipt(t, receipts)

	cancel()
	require.NoError(t, <-done)
	ep.Wait()
	require.NoError(t, ep.Close())

	select {
	case <-conn.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not observe shutdown")
	}
	var closeErr *transfer.CloseError
	require.True(t, errors.As(conn.CloseReason(), &closeErr))
	assert.Equal(t, transfer.CodeShutdown, closeErr.Code)
	assert.True(t, closeErr.Remote)
}

func TestDescribeClose(t *testing.T) {
	assert.Equal(t, "closed by peer", describeClose(&transfer.CloseError{Remote: true}))
	assert.Equal(t, "closed locally", describeClose(&transfer.CloseError{}))
	assert.Equal(t, "unknown", describeClose(nil))
	assert.Contains(t, describeClose(&transfer.CloseError{Err: errors.New("idle timeout")}), "idle timeout")
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, metrics.OutcomeStored, outcomeFor(nil))
	assert.Equal(t, metrics.OutcomeTooLarge, outcomeFor(transfer.ErrPayloadTooLarge))
	assert.Equal(t, metrics.OutcomeTimeout, outcomeFor(transfer.ErrStreamTimeout))
	assert.Equal(t, metrics.OutcomeSinkErr, outcomeFor(transfer.ErrSinkWrite))
	assert.Equal(t, metrics.OutcomeAborted, outcomeFor(transfer.ErrStreamAborted))
}

func TestBindRequiresSink(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	_, err = Bind(Options{Identity: id, Addr: "127.0.0.1:0", Logger: testLogger()})
	assert.ErrorIs(t, err, transfer.ErrBind)
}

func TestBindAddressInUse(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	first, err := Bind(Options{Identity: id, Addr: "127.0.0.1:0", Sink: sink.NewMemorySink(), Logger: testLogger()})
	require.NoError(t, err)
	defer first.Close()

	_, err = Bind(Options{Identity: id, Addr: first.Addr().String(), Sink: sink.NewMemorySink(), Logger: testLogger()})
	assert.ErrorIs(t, err, transfer.ErrBind)
}

func TestBindRejectsEmptyIdentity(t *testing.T) {
	_, err := Bind(Options{Addr: "127.0.0.1:0", Sink: sink.NewMemorySink(), Logger: testLogger()})
	assert.ErrorIs(t, err, transfer.ErrBind)
}
