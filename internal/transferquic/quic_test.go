package transferquic

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sheerbytes/sharelink/internal/transfer"
)

const testTimeout = 5 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connectPair(t *testing.T) (sharing, receiving transfer.Channel) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0", quietLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	accepted := make(chan transfer.Channel, 1)
	go ln.Serve(ctx, func(ch transfer.Channel, remote string) {
		if remote == "" {
			t.Error("empty remote address")
		}
		accepted <- ch
	})
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})

	dialCtx, dialCancel := context.WithTimeout(context.Background(), testTimeout)
	defer dialCancel()
	d := &Dialer{Logger: quietLogger()}
	receiving, err = d.Connect(dialCtx, ln.Addr().String())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { receiving.Close() })

	select {
	case sharing = <-accepted:
	case <-time.After(testTimeout):
		t.Fatal("no channel accepted")
	}
	t.Cleanup(func() { sharing.Close() })

	expectKind(t, receiving, transfer.EventOpen)
	expectKind(t, sharing, transfer.EventOpen)
	return sharing, receiving
}

func expectKind(t *testing.T, ch transfer.Channel, kind transfer.EventKind) transfer.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatalf("events closed, want %v", kind)
		}
		if ev.Kind != kind {
			t.Fatalf("event %v (%v), want %v", ev.Kind, ev.Err, kind)
		}
		return ev
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %v", kind)
		return transfer.Event{}
	}
}

func TestChannelRoundTrip(t *testing.T) {
	sharing, receiving := connectPair(t)

	if err := receiving.Send([]byte("start")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ev := expectKind(t, sharing, transfer.EventMessage); string(ev.Data) != "start" {
		t.Fatalf("got %q", ev.Data)
	}

	frames := [][]byte{
		bytes.Repeat([]byte{1}, transfer.ChunkSize+13),
		[]byte("done"),
	}
	for _, f := range frames {
		if err := sharing.Send(f); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for _, want := range frames {
		ev := expectKind(t, receiving, transfer.EventMessage)
		if !bytes.Equal(ev.Data, want) {
			t.Fatalf("frame mismatch: got %d bytes, want %d", len(ev.Data), len(want))
		}
	}
}

func TestChannelClosePropagates(t *testing.T) {
	sharing, receiving := connectPair(t)

	if err := sharing.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sharing.IsOpen() {
		t.Fatal("closed channel reports open")
	}
	if err := sharing.Send([]byte("x")); err == nil {
		t.Fatal("Send after Close succeeded")
	}
	expectKind(t, sharing, transfer.EventClose)

	// An orderly close surfaces as a plain close on the remote side.
	expectKind(t, receiving, transfer.EventClose)
	if receiving.IsOpen() {
		t.Fatal("remote channel still open")
	}
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	sharing, _ := connectPair(t)
	if err := sharing.Send(make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}

func TestConnectNoListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	d := &Dialer{Logger: quietLogger()}
	if _, err := d.Connect(ctx, "127.0.0.1:1"); err == nil {
		t.Fatal("expected dial failure")
	}
}
