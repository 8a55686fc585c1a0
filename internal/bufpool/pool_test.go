package bufpool

import (
	"sync"
	"testing"
)

func TestPool_GetPut(t *testing.T) {
	bufSize := 4096
	pool := New(bufSize)

	buf1 := pool.Get()
	if len(buf1) != bufSize {
		t.Errorf("expected buffer length %d, got %d", bufSize, len(buf1))
	}
	pool.Put(buf1)

	buf2 := pool.Get()
	if len(buf2) != bufSize {
		t.Errorf("expected buffer length %d, got %d", bufSize, len(buf2))
	}
	if pool.BufSize() != bufSize {
		t.Errorf("expected BufSize %d, got %d", bufSize, pool.BufSize())
	}
}

func TestPool_DefaultSize(t *testing.T) {
	pool := New(0)
	if pool.BufSize() != DefaultBufSize {
		t.Fatalf("expected default size %d, got %d", DefaultBufSize, pool.BufSize())
	}
	if got := len(pool.Get()); got != DefaultBufSize {
		t.Fatalf("expected buffer length %d, got %d", DefaultBufSize, got)
	}
}

func TestPool_DropsSmallBuffers(t *testing.T) {
	pool := New(1024)
	pool.Put(make([]byte, 16))
	if got := len(pool.Get()); got != 1024 {
		t.Fatalf("expected buffer length 1024, got %d", got)
	}
}

func TestPool_Concurrent(t *testing.T) {
	pool := New(512)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(fill byte) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				buf := pool.Get()
				if len(buf) != 512 {
					t.Errorf("expected buffer length 512, got %d", len(buf))
					return
				}
				buf[0] = fill
				pool.Put(buf)
			}
		}(byte(i))
	}
	wg.Wait()
}
