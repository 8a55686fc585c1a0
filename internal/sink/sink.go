// Package sink stores the payloads of completed streams.
//
// Every Store call writes to its own destination, so concurrent transfers
// never contend on shared state.
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transfer is one fully received stream payload.
type Transfer struct {
	ID         string
	StreamID   uint64
	RemoteAddr string
	Payload    []byte
	ReceivedAt time.Time
}

// Result describes where a payload was stored.
type Result struct {
	ID       string
	Location string
	Size     int64
}

// Sink durably stores completed transfers. Implementations must allow
// concurrent Store calls.
type Sink interface {
	Store(ctx context.Context, t Transfer) (Result, error)
}

// FileSink writes each transfer to <dir>/<id>.bin.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create sink dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Store writes the payload to a temporary file in the sink directory and
// renames it into place, so a partially written file is never visible under
// its final name. A transfer without ID gets a fresh uuid.
func (s *FileSink) Store(ctx context.Context, t Transfer) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	final := filepath.Join(s.dir, id+".bin")

	tmp, err := os.CreateTemp(s.dir, ".incoming-*")
	if err != nil {
		return Result{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(t.Payload); err != nil {
		cleanup()
		return Result{}, fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return Result{}, fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Result{}, fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return Result{}, fmt.Errorf("rename to %s: %w", final, err)
	}

	return Result{ID: id, Location: final, Size: int64(len(t.Payload))}, nil
}

// MemorySink keeps payloads in memory, keyed by transfer id.
type MemorySink struct {
	mu       sync.Mutex
	payloads map[string][]byte
}

func NewMemorySink() *MemorySink {
	return &MemorySink{payloads: make(map[string][]byte)}
}

func (s *MemorySink) Store(ctx context.Context, t Transfer) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	payload := make([]byte, len(t.Payload))
	copy(payload, t.Payload)

	s.mu.Lock()
	s.payloads[id] = payload
	s.mu.Unlock()

	return Result{ID: id, Location: "memory:" + id, Size: int64(len(payload))}, nil
}

// Len returns the number of stored payloads.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

// Get returns the payload stored under id.
func (s *MemorySink) Get(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payloads[id]
	return p, ok
}

// Payloads returns all stored payloads as strings, sorted.
func (s *MemorySink) Payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.payloads))
	for _, p := range s.payloads {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}
