package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type ReceiverView struct {
	FileName string
	OutPath  string
	Stage    string
	Stats    Stats
}

type SenderRow struct {
	Peer   string
	Status string
	Stats  Stats
}

type SenderView struct {
	Header string
	Rows   []SenderRow
}

const (
	colorReset = "\033[0m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

// IsTTY reports whether w is a terminal. Writers that wrap a file may expose
// it through a File method.
func IsTTY(w io.Writer) bool {
	var f *os.File
	switch v := w.(type) {
	case *os.File:
		f = v
	case interface{ File() *os.File }:
		f = v.File()
	}
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// RenderReceiver redraws the receiver view until the returned stop func is
// called. Non-terminal writers get one plain line per second.
func RenderReceiver(ctx context.Context, w io.Writer, view func() ReceiverView) func() {
	isTTY := IsTTY(w)
	lastLines := 0
	return renderLoop(ctx, w, isTTY, 100*time.Millisecond, func() {
		v := view()
		if !isTTY {
			fmt.Fprintf(w, "%s stage=%s file=%s\n", formatReceiverLine(v.Stats), v.Stage, v.FileName)
			return
		}
		clearLines(w, lastLines)
		lines := 0
		if v.OutPath != "" {
			fmt.Fprintf(w, "saving to %s\n", v.OutPath)
			lines++
		}
		fmt.Fprintln(w, colorize(fmt.Sprintf("%s: %s", v.Stage, v.FileName), colorCyan, isTTY))
		lines++
		fmt.Fprintln(w, colorize(formatReceiverLine(v.Stats), colorGreen, isTTY))
		lines++
		lastLines = lines
	})
}

// RenderSender redraws one table row per participant.
func RenderSender(ctx context.Context, w io.Writer, view func() SenderView) func() {
	isTTY := IsTTY(w)
	lastLines := 0
	return renderLoop(ctx, w, isTTY, 250*time.Millisecond, func() {
		v := view()
		if !isTTY {
			writeHeader(w, v.Header, false)
			for _, row := range v.Rows {
				fmt.Fprintf(w, "peer=%s status=%s %.1f%% %s ETA %s\n",
					row.Peer,
					row.Status,
					row.Stats.Percent,
					formatRate(row.Stats.RateBps),
					formatETA(row.Stats.ETA),
				)
			}
			return
		}
		clearLines(w, lastLines)
		lines := writeHeader(w, v.Header, isTTY)
		headers := []string{"peer", "status", "%", "rate", "ETA"}
		widths := []int{10, 14, 5, 10, 9}
		rows := make([][]string, 0, len(v.Rows))
		for _, row := range v.Rows {
			rows = append(rows, []string{
				row.Peer,
				row.Status,
				fmt.Sprintf("%.1f", row.Stats.Percent),
				formatRate(row.Stats.RateBps),
				formatETA(row.Stats.ETA),
			})
		}
		lines += renderTable(w, headers, rows, widths)
		lastLines = lines
	})
}

func renderLoop(ctx context.Context, w io.Writer, isTTY bool, every time.Duration, render func()) func() {
	if !isTTY {
		every = time.Second
	} else {
		fmt.Fprint(w, "\033[?25l")
	}
	ticker := time.NewTicker(every)
	stop := make(chan struct{})
	var renderMu sync.Mutex
	renderOnce := func() {
		renderMu.Lock()
		defer renderMu.Unlock()
		render()
	}

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				renderOnce()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			renderOnce()
			if isTTY {
				fmt.Fprint(w, "\033[?25h")
			}
		})
	}
}

func clearLines(w io.Writer, n int) {
	if n > 0 {
		fmt.Fprintf(w, "\033[%dA", n)
		fmt.Fprint(w, "\033[J")
	}
}

func writeHeader(w io.Writer, header string, isTTY bool) int {
	header = strings.TrimSuffix(header, "\n")
	if header == "" {
		return 0
	}
	lines := strings.Split(header, "\n")
	for _, line := range lines {
		fmt.Fprintln(w, colorize(line, colorCyan, isTTY))
	}
	return len(lines)
}

func formatReceiverLine(s Stats) string {
	return fmt.Sprintf("%s %5.1f%%  %s  ETA %s  (%s/%s)",
		renderBar(s.Percent, 20),
		s.Percent,
		formatRate(s.RateBps),
		formatETA(s.ETA),
		FormatBytes(s.BytesDone),
		FormatBytes(s.Total),
	)
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int((percent / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func renderTable(w io.Writer, headers []string, rows [][]string, widths []int) int {
	border := buildBorder(widths)
	fmt.Fprintln(w, border)
	fmt.Fprintln(w, buildRow(headers, widths))
	fmt.Fprintln(w, border)
	for _, row := range rows {
		fmt.Fprintln(w, buildRow(row, widths))
	}
	fmt.Fprintln(w, border)
	return len(rows) + 4
}

func buildBorder(widths []int) string {
	var b strings.Builder
	b.WriteString("+")
	for _, width := range widths {
		b.WriteString(strings.Repeat("-", width+2))
		b.WriteString("+")
	}
	return b.String()
}

func buildRow(values []string, widths []int) string {
	var b strings.Builder
	b.WriteString("|")
	for i, width := range widths {
		cell := ""
		if i < len(values) {
			cell = values[i]
		}
		b.WriteString(" ")
		b.WriteString(padRight(cell, width))
		b.WriteString(" |")
	}
	return b.String()
}

func padRight(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func formatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
