package wsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/sharelink/pkg/protocol"
)

func TestURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:3000", "ws://localhost:3000/ws?peer_id=p1"},
		{"https://share.example.com/", "wss://share.example.com/ws?peer_id=p1"},
		{"wss://share.example.com/base", "wss://share.example.com/base/ws?peer_id=p1"},
	}
	for _, tt := range tests {
		got, err := URL(tt.in, "p1")
		if err != nil {
			t.Fatalf("URL(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("URL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"ftp://x", "http://", "::"} {
		if _, err := URL(bad, "p1"); err == nil {
			t.Fatalf("URL(%q) expected error", bad)
		}
	}
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestSendAndReadLoop(t *testing.T) {
	ts := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	got := make(chan protocol.Envelope, 1)
	go c.ReadLoop(ctx, func(env protocol.Envelope) { got <- env })

	sent := protocol.MustEnvelope(protocol.TypeJoinID, protocol.ShareRef{ID: "abc123"})
	if err := c.Send(sent); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case env := <-got:
		if env.MsgID != sent.MsgID || env.Type != protocol.TypeJoinID {
			t.Fatalf("echo mismatch: %+v", env)
		}
	case <-ctx.Done():
		t.Fatal("no echo")
	}
}

func TestSendAfterClose(t *testing.T) {
	ts := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.Send(protocol.MustEnvelope(protocol.TypeJoinID, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
}
