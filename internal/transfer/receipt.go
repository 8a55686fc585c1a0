package transfer

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// ReceiptSize is the encoded size of a Receipt:
// stream id (u64) | code (u8) | stored bytes (u64), big endian.
const ReceiptSize = 8 + 1 + 8

// Receipt is sent by the receiver once a data stream has been handled,
// successfully or not.
type Receipt struct {
	StreamID uint64
	Code     ErrorCode
	Size     uint64
}

// Err returns the sentinel error matching the receipt code, or nil.
func (r Receipt) Err() error {
	return ErrorForCode(r.Code)
}

// WriteReceipt writes one encoded receipt to w.
func WriteReceipt(w io.Writer, r Receipt) error {
	if r.Code > 0xff {
		return fmt.Errorf("receipt code %d out of range", uint64(r.Code))
	}
	var buf [ReceiptSize]byte
	binary.BigEndian.PutUint64(buf[0:8], r.StreamID)
	buf[8] = byte(r.Code)
	binary.BigEndian.PutUint64(buf[9:17], r.Size)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write receipt: %w", err)
	}
	return nil
}

// ReadReceipt reads one encoded receipt from r. A clean end of stream
// before the first byte is returned as io.EOF.
func ReadReceipt(r io.Reader) (Receipt, error) {
	var buf [ReceiptSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			return Receipt{}, io.EOF
		}
		return Receipt{}, fmt.Errorf("read receipt: %w", err)
	}
	return Receipt{
		StreamID: binary.BigEndian.Uint64(buf[0:8]),
		Code:     ErrorCode(buf[8]),
		Size:     binary.BigEndian.Uint64(buf[9:17]),
	}, nil
}

// ReceiptRegistry matches receipts to the senders waiting for them.
// Receipts may arrive before the sender starts waiting.
type ReceiptRegistry struct {
	mu        sync.Mutex
	waiters   map[uint64]chan Receipt
	pending   map[uint64]Receipt
	discarded map[uint64]struct{}
	err       error
	done      chan struct{}
}

func NewReceiptRegistry() *ReceiptRegistry {
	return &ReceiptRegistry{
		waiters:   make(map[uint64]chan Receipt),
		pending:   make(map[uint64]Receipt),
		discarded: make(map[uint64]struct{}),
		done:      make(chan struct{}),
	}
}

// Wait blocks until the receipt for streamID is delivered, the registry
// fails, or ctx is done.
func (r *ReceiptRegistry) Wait(ctx context.Context, streamID uint64) (Receipt, error) {
	r.mu.Lock()
	if rc, ok := r.pending[streamID]; ok {
		delete(r.pending, streamID)
		r.mu.Unlock()
		return rc, nil
	}
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return Receipt{}, err
	}
	ch := make(chan Receipt, 1)
	r.waiters[streamID] = ch
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.waiters, streamID)
		r.mu.Unlock()
		return Receipt{}, ctx.Err()
	case rc := <-ch:
		return rc, nil
	case <-r.done:
		// A receipt may have raced the failure.
		select {
		case rc := <-ch:
			return rc, nil
		default:
		}
		r.mu.Lock()
		err := r.err
		r.mu.Unlock()
		return Receipt{}, err
	}
}

// Deliver hands a receipt to its waiter, or keeps it until someone waits.
func (r *ReceiptRegistry) Deliver(rc Receipt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.waiters[rc.StreamID]; ok {
		delete(r.waiters, rc.StreamID)
		ch <- rc
		return
	}
	if _, ok := r.discarded[rc.StreamID]; ok {
		delete(r.discarded, rc.StreamID)
		return
	}
	r.pending[rc.StreamID] = rc
}

// Discard drops the receipt for a stream nobody will wait for, whether it
// has already arrived or arrives later.
func (r *ReceiptRegistry) Discard(streamID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[streamID]; ok {
		delete(r.pending, streamID)
		return
	}
	if r.err == nil {
		r.discarded[streamID] = struct{}{}
	}
}

// Fail releases all current and future waiters without a pending receipt
// with err. Only the first call has an effect.
func (r *ReceiptRegistry) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return
	}
	r.err = err
	close(r.done)
}
