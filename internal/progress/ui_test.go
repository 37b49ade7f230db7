package progress

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:               "0 B",
		1023:            "1023 B",
		1024:            "1.0 KiB",
		700000:          "683.6 KiB",
		5 * 1024 * 1024: "5.0 MiB",
		3 << 30:         "3.0 GiB",
	}
	for in, want := range tests {
		if got := FormatBytes(in); got != want {
			t.Fatalf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatETA(t *testing.T) {
	if got := formatETA(0); got != "--:--:--" {
		t.Fatalf("formatETA(0) = %q", got)
	}
	if got := formatETA(3723 * time.Second); got != "01:02:03" {
		t.Fatalf("formatETA = %q", got)
	}
}

func TestRenderBarClamps(t *testing.T) {
	if got := renderBar(150, 4); got != "[████]" {
		t.Fatalf("renderBar(150) = %q", got)
	}
	if got := renderBar(-3, 4); got != "[░░░░]" {
		t.Fatalf("renderBar(-3) = %q", got)
	}
}

func TestRenderSenderPlain(t *testing.T) {
	var buf bytes.Buffer
	stop := RenderSender(context.Background(), &buf, func() SenderView {
		return SenderView{
			Header: "sharing report.pdf",
			Rows: []SenderRow{
				{Peer: "p1", Status: "streaming", Stats: Stats{Percent: 42.5, RateBps: 2048}},
			},
		}
	})
	stop()
	stop()

	out := buf.String()
	if !strings.Contains(out, "sharing report.pdf") {
		t.Fatalf("missing header in %q", out)
	}
	if !strings.Contains(out, "peer=p1 status=streaming 42.5% 2 KB/s") {
		t.Fatalf("unexpected row in %q", out)
	}
}

func TestRenderReceiverPlain(t *testing.T) {
	var buf bytes.Buffer
	stop := RenderReceiver(context.Background(), &buf, func() ReceiverView {
		return ReceiverView{FileName: "a.bin", Stage: "downloading", Stats: Stats{Percent: 100, Complete: true}}
	})
	stop()
	if !strings.Contains(buf.String(), "100.0%") || !strings.Contains(buf.String(), "file=a.bin") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
