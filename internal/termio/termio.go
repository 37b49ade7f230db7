package termio

import (
	"io"
	"os"
	"sync"
)

// writer hands writes to one goroutine; Write never blocks on the terminal.
type writer struct {
	file    io.Writer
	ch      chan []byte
	pending sync.WaitGroup
}

func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.pending.Add(1)
	w.ch <- buf
	return len(p), nil
}

// File returns the underlying file, or nil when the writer wraps something else.
func (w *writer) File() *os.File {
	f, _ := w.file.(*os.File)
	return f
}

func (w *writer) flush() {
	w.pending.Wait()
}

type manager struct {
	once   sync.Once
	stdout *writer
	stderr *writer
}

var global manager

func Init() {
	global.once.Do(func() {
		global.stdout = newWriter(os.Stdout)
		global.stderr = newWriter(os.Stderr)
	})
}

func newWriter(out io.Writer) *writer {
	w := &writer{
		file: out,
		ch:   make(chan []byte, 1024),
	}
	go func() {
		for buf := range w.ch {
			_, _ = w.file.Write(buf)
			w.pending.Done()
		}
	}()
	return w
}

func Stdout() io.Writer {
	Init()
	return global.stdout
}

func Stderr() io.Writer {
	Init()
	return global.stderr
}

// Flush blocks until everything written so far reached the terminal.
func Flush() {
	Init()
	global.stdout.flush()
	global.stderr.flush()
}
