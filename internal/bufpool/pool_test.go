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

func TestPool_DiscardsUndersized(t *testing.T) {
	pool := New(1024)
	pool.Put(make([]byte, 10))

	for i := 0; i < 5; i++ {
		if buf := pool.Get(); len(buf) != 1024 {
			t.Fatalf("expected buffer length 1024, got %d", len(buf))
		}
	}
}

func TestPool_NewPanicsOnInvalidSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero buffer size")
		}
	}()
	New(0)
}

func TestForSize_SharesPools(t *testing.T) {
	a := ForSize(256 * 1024)
	b := ForSize(256 * 1024)
	if a != b {
		t.Error("ForSize returned distinct pools for the same size")
	}
	if c := ForSize(1024); c == a {
		t.Error("ForSize returned the same pool for different sizes")
	}
}

func TestForSize_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	pools := make([]*Pool, 16)
	for i := range pools {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pools[i] = ForSize(8192)
			buf := pools[i].Get()
			pools[i].Put(buf)
		}(i)
	}
	wg.Wait()
	for _, p := range pools[1:] {
		if p != pools[0] {
			t.Fatal("concurrent ForSize calls returned different pools")
		}
	}
}
