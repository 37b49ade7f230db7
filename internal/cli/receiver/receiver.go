package receiver

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sheerbytes/sharelink/internal/assembler"
	"github.com/sheerbytes/sharelink/internal/cli/transport"
	"github.com/sheerbytes/sharelink/internal/config"
	"github.com/sheerbytes/sharelink/internal/logging"
	"github.com/sheerbytes/sharelink/internal/peer"
	"github.com/sheerbytes/sharelink/internal/progress"
	"github.com/sheerbytes/sharelink/internal/signaling"
	"github.com/sheerbytes/sharelink/internal/termio"
	"github.com/sheerbytes/sharelink/pkg/protocol"
)

const maxNameAttempts = 1000

// Options configures Receive.
type Options struct {
	Config config.ClientConfig
	Stdout io.Writer
	// Prompt supplies the answer to the accept question when Config.Yes is unset.
	Prompt io.Reader
	Logger *slog.Logger
}

// Run implements `sharelink recv`.
func Run(args []string) {
	if hasHelpFlag(args) {
		printReceiverUsage()
		return
	}
	fs := flag.NewFlagSet("recv", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, err := config.ParseClientConfig(fs, args)
	if err != nil {
		fmt.Fprintln(termio.Stderr(), err)
		printReceiverUsage()
		termio.Flush()
		os.Exit(2)
	}
	if len(cfg.Args) != 1 {
		printReceiverUsage()
		termio.Flush()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewWithWriter(termio.Stderr(), "sharelink", cfg.LogLevel)
	path, err := Receive(ctx, cfg.Args[0], Options{
		Config: cfg,
		Stdout: termio.Stdout(),
		Prompt: os.Stdin,
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "receive failed: %v\n", err)
		termio.Flush()
		os.Exit(1)
	}
	fmt.Fprintf(termio.Stdout(), "Saved %s\n", path)
	termio.Flush()
}

// Receive downloads the file behind target, a share link or bare identifier,
// into Config.OutDir and returns the written path.
func Receive(ctx context.Context, target string, opts Options) (string, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := opts.Stdout
	if out == nil {
		out = io.Discard
	}

	id, err := peer.ParseShareTarget(target)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, err := signaling.Dial(ctx, cfg.ServerURL, cfg.PeerID, logger)
	if err != nil {
		return "", err
	}
	defer client.Close()

	accept := func(info protocol.FileInfo) bool {
		fmt.Fprintf(out, "Incoming file: %s (%s, %s)\n", info.Name, progress.FormatBytes(info.Size), info.FileType)
		if cfg.Yes {
			return true
		}
		return confirm(out, opts.Prompt)
	}

	r := peer.NewReceiver(client, transport.Connector(cfg, client, logger), peer.ReceiverOptions{
		ConnectTimeout: cfg.ConnectTimeout,
		StallTimeout:   cfg.StallTimeout,
		MaxFileSize:    cfg.MaxFileSize,
		Accept:         accept,
		Logger:         logger,
	})

	stopRender := progress.RenderReceiver(ctx, out, func() progress.ReceiverView {
		info := r.Info()
		return progress.ReceiverView{
			FileName: info.Name,
			Stage:    r.State().String(),
			Stats:    r.Progress(),
		}
	})
	artifact, err := r.Run(ctx, id)
	stopRender()
	if err != nil {
		return "", err
	}
	if artifact.Degraded {
		fmt.Fprintln(out, "warning: the sender did not report a chunk count; the file may be incomplete")
	}
	return writeArtifact(cfg.OutDir, artifact)
}

func confirm(out io.Writer, in io.Reader) bool {
	if in == nil {
		return false
	}
	fmt.Fprint(out, "Download? [y/N] ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func writeArtifact(dir string, artifact assembler.Artifact) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := sanitizeName(artifact.Name)
	for i := 0; i < maxNameAttempts; i++ {
		path := filepath.Join(dir, candidateName(name, i))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(artifact.Data); err != nil {
			f.Close()
			os.Remove(path)
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for %s in %s", name, dir)
}

// sanitizeName strips directories and characters that are unsafe in file
// names. The sender controls the name, so it is never trusted as a path.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(`<>:"|?*`, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "download"
	}
	return name
}

// candidateName returns name for i == 0 and "base (i).ext" otherwise.
func candidateName(name string, i int) string {
	if i == 0 {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}
	return fmt.Sprintf("%s (%d)%s", base, i, ext)
}

func printReceiverUsage() {
	w := termio.Stderr()
	fmt.Fprintln(w, "usage: sharelink recv [flags] LINK|ID")
	fmt.Fprintln(w, "  --server URL            signaling server URL (default http://localhost:3000)")
	fmt.Fprintln(w, "  --out DIR               output directory (default .)")
	fmt.Fprintln(w, "  --yes, -y               accept the offered file without asking")
	fmt.Fprintln(w, "  --transport NAME        webrtc (default) or quic; must match the sender")
	fmt.Fprintln(w, "  --stun-server URLS      STUN server URLs (repeatable, comma-separated)")
	fmt.Fprintln(w, "  --turn-server URLS      TURN server URLs (repeatable; the server may issue more)")
	fmt.Fprintln(w, "  --loopback              allow same-host WebRTC peers")
	fmt.Fprintln(w, "  --connect-timeout D     give up connecting after D (default 30s)")
	fmt.Fprintln(w, "  --stall-timeout D       give up when no data arrives for D (default 60s)")
	fmt.Fprintln(w, "  --max-size BYTES        refuse larger files (default 2 GiB)")
	fmt.Fprintln(w, "  --log-level LEVEL       debug, info, warn (default), error")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}
