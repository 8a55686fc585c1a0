package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sheerbytes/quicdrop/internal/transfer"
)

// handleConn accepts streams until the connection goes away. Streams run in
// their own goroutines and are not cancelled when the connection closes;
// they observe the closure on their next read.
func (e *Endpoint) handleConn(ctx context.Context, conn transfer.Conn) {
	logger := e.opts.Logger.With("remote_addr", conn.RemoteAddr().String())
	logger.Info("connected")
	e.opts.Metrics.ConnectionOpened()
	defer e.opts.Metrics.ConnectionClosed()

	receipts := &receiptWriter{conn: conn, logger: logger}
	accepted := 0

	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			if conn.Context().Err() != nil {
				break
			}
			if ctx.Err() != nil {
				_ = conn.CloseWithError(transfer.CodeShutdown, "server shutting down")
				break
			}
			logger.Warn("stream accept failed", "error", fmt.Errorf("%w: %w", transfer.ErrStreamAccept, err))
			continue
		}

		accepted++
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleStream(ctx, conn, stream, receipts, logger)
		}()
	}

	logger.Info("connection closed", "reason", describeClose(conn.CloseReason()), "streams", accepted)
}

func describeClose(reason error) string {
	if reason == nil {
		return "unknown"
	}
	var closeErr *transfer.CloseError
	if errors.As(reason, &closeErr) && closeErr.Graceful() {
		if closeErr.Remote {
			return "closed by peer"
		}
		return "closed locally"
	}
	return reason.Error()
}

// receiptWriter lazily opens the connection's receipt stream and serialises
// receipt frames onto it. After the first failure receipts are dropped.
type receiptWriter struct {
	conn   transfer.Conn
	logger *slog.Logger

	mu     sync.Mutex
	stream transfer.SendStream
	err    error
}

func (w *receiptWriter) send(ctx context.Context, rc transfer.Receipt) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return
	}
	if w.stream == nil {
		stream, err := w.conn.OpenUniStream(ctx)
		if err != nil {
			w.err = err
			w.logger.Debug("receipt stream unavailable", "error", err)
			return
		}
		w.stream = stream
	}
	if err := transfer.WriteReceipt(w.stream, rc); err != nil {
		w.err = err
		w.logger.Debug("receipt not delivered", "stream_id", rc.StreamID, "error", err)
	}
}
