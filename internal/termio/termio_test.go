package termio

import (
	"bytes"
	"sync"
	"testing"
)

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

func TestWriterPreservesOrderAndFlushes(t *testing.T) {
	out := &lockedBuffer{}
	w := newWriter(out)

	scratch := []byte("one ")
	w.Write(scratch)
	copy(scratch, "XXXX")
	w.Write([]byte("two "))
	w.Write(nil)
	w.Write([]byte("three"))
	w.flush()

	if got := out.String(); got != "one two three" {
		t.Fatalf("got %q", got)
	}
	if w.File() != nil {
		t.Fatal("expected nil File for a non-file writer")
	}
}
