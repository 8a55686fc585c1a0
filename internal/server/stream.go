package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sheerbytes/quicdrop/internal/bufpool"
	"github.com/sheerbytes/quicdrop/internal/metrics"
	"github.com/sheerbytes/quicdrop/internal/sink"
	"github.com/sheerbytes/quicdrop/internal/transfer"
	"github.com/sheerbytes/quicdrop/internal/transport"
)

var defaultPool = bufpool.New(bufpool.DefaultBufSize)

// Drain reads stream to its end and returns the payload.
//
// Reading more than maxSize bytes fails with transfer.ErrPayloadTooLarge;
// the payload buffer never grows past maxSize. A positive timeout bounds the
// whole read and fails with transfer.ErrStreamTimeout. A reset stream, a lost
// connection or a cancelled ctx fail with transfer.ErrStreamAborted. On every
// failure no payload is returned and, where the stream is still readable,
// the sender is told to stop.
func Drain(ctx context.Context, stream transfer.ReceiveStream, maxSize int64, timeout time.Duration, pool *bufpool.Pool) ([]byte, error) {
	payload, _, err := drain(ctx, stream, maxSize, timeout, pool)
	return payload, err
}

// drain is Drain that also reports how many bytes came off the stream,
// including the chunk that crossed maxSize.
func drain(ctx context.Context, stream transfer.ReceiveStream, maxSize int64, timeout time.Duration, pool *bufpool.Pool) ([]byte, int64, error) {
	if pool == nil {
		pool = defaultPool
	}
	if timeout > 0 {
		if err := stream.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, 0, fmt.Errorf("set read deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = stream.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := pool.Get()
	defer pool.Put(buf)

	var payload []byte
	var read int64
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			read += int64(n)
			if read > maxSize {
				stream.CancelRead(transfer.CodeTooLarge)
				return nil, read, fmt.Errorf("%w: stream %d exceeds %d bytes", transfer.ErrPayloadTooLarge, stream.StreamID(), maxSize)
			}
			payload = appendCapped(payload, buf[:n], maxSize)
		}
		if err == io.EOF {
			if payload == nil {
				return []byte{}, read, nil
			}
			return payload, read, nil
		}
		if err != nil {
			return nil, read, classifyReadError(ctx, stream, err)
		}
	}
}

// appendCapped appends b to p, doubling capacity on growth but never past
// limit. len(p)+len(b) must not exceed limit.
func appendCapped(p, b []byte, limit int64) []byte {
	need := len(p) + len(b)
	if need <= cap(p) {
		return append(p, b...)
	}
	newCap := int64(max(2*cap(p), need))
	newCap = min(newCap, limit)
	grown := make([]byte, len(p), newCap)
	copy(grown, p)
	return append(grown, b...)
}

func classifyReadError(ctx context.Context, stream transfer.ReceiveStream, err error) error {
	id := stream.StreamID()
	switch {
	case ctx.Err() != nil:
		stream.CancelRead(transfer.CodeShutdown)
		return fmt.Errorf("%w: stream %d: %w", transfer.ErrStreamAborted, id, context.Cause(ctx))
	case isDeadline(err):
		stream.CancelRead(transfer.CodeTimeout)
		return fmt.Errorf("%w: stream %d: %w", transfer.ErrStreamTimeout, id, err)
	default:
		return fmt.Errorf("%w: stream %d: %w", transfer.ErrStreamAborted, id, err)
	}
}

func isDeadline(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if errors.Is(err, transfer.ErrConnClosed) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// handleStream drains one stream into the sink, then reports the outcome in
// a log line, in metrics and in a receipt to the sender. Failures stay local
// to the stream.
func (e *Endpoint) handleStream(ctx context.Context, conn transfer.Conn, stream transfer.ReceiveStream, receipts *receiptWriter, logger *slog.Logger) {
	start := time.Now()
	id := stream.StreamID()

	payload, read, err := drain(ctx, stream, e.opts.MaxPayload, e.opts.StreamTimeout, e.pool)
	var res sink.Result
	if err == nil {
		res, err = e.opts.Sink.Store(ctx, sink.Transfer{
			ID:         uuid.NewString(),
			StreamID:   id,
			RemoteAddr: conn.RemoteAddr().String(),
			Payload:    payload,
			ReceivedAt: time.Now(),
		})
		if err != nil {
			err = fmt.Errorf("%w: %w", transfer.ErrSinkWrite, err)
		}
	}

	elapsed := time.Since(start)
	outcome := outcomeFor(err)
	if err != nil {
		logger.Warn("stream failed",
			"stream_id", id,
			"bytes", read,
			"outcome", outcome,
			"duration", elapsed,
			"error", err,
		)
	} else {
		logger.Info("stream stored",
			"stream_id", id,
			"bytes", res.Size,
			"size", transport.FormatBytes(res.Size),
			"location", res.Location,
			"duration", elapsed,
		)
	}
	e.opts.Metrics.StreamDone(outcome, res.Size, elapsed)

	receipts.send(ctx, transfer.Receipt{
		StreamID: id,
		Code:     transfer.CodeFor(err),
		Size:     uint64(res.Size),
	})
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeStored
	case errors.Is(err, transfer.ErrPayloadTooLarge):
		return metrics.OutcomeTooLarge
	case errors.Is(err, transfer.ErrStreamTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, transfer.ErrSinkWrite):
		return metrics.OutcomeSinkErr
	default:
		return metrics.OutcomeAborted
	}
}
