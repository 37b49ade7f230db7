package sender

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/sheerbytes/sharelink/internal/cli/transport"
	"github.com/sheerbytes/sharelink/internal/config"
	"github.com/sheerbytes/sharelink/internal/logging"
	"github.com/sheerbytes/sharelink/internal/peer"
	"github.com/sheerbytes/sharelink/internal/progress"
	"github.com/sheerbytes/sharelink/internal/signaling"
	"github.com/sheerbytes/sharelink/internal/termio"
	"github.com/sheerbytes/sharelink/internal/transfer"
	"github.com/sheerbytes/sharelink/pkg/protocol"
)

// Options configures Share.
type Options struct {
	Config config.ClientConfig
	Stdout io.Writer
	Logger *slog.Logger
	// OnShare is called once the identifier is registered.
	OnShare func(id, link string)
}

// Run implements `sharelink send`.
func Run(args []string) {
	if hasHelpFlag(args) {
		printSenderUsage()
		return
	}
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, err := config.ParseClientConfig(fs, args)
	if err != nil {
		fmt.Fprintln(termio.Stderr(), err)
		printSenderUsage()
		termio.Flush()
		os.Exit(2)
	}
	if len(cfg.Args) != 1 {
		printSenderUsage()
		termio.Flush()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewWithWriter(termio.Stderr(), "sharelink", cfg.LogLevel)
	err = Share(ctx, cfg.Args[0], Options{Config: cfg, Stdout: termio.Stdout(), Logger: logger})
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "send failed: %v\n", err)
		termio.Flush()
		os.Exit(1)
	}
	termio.Flush()
}

// Share offers the file at path until ctx ends or the share is ended by the
// signaling service.
func Share(ctx context.Context, path string, opts Options) error {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := opts.Stdout
	if out == nil {
		out = io.Discard
	}

	file, closeFile, err := openFile(path)
	if err != nil {
		return err
	}
	defer closeFile()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, err := signaling.Dial(ctx, cfg.ServerURL, cfg.PeerID, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var sharer *peer.Sharer
	ready := make(chan struct{})
	attach := func(ch transfer.Channel, participantID string) {
		select {
		case <-ready:
		case <-ctx.Done():
			ch.Close()
			return
		}
		if err := sharer.Attach(ch, participantID); err != nil {
			logger.Warn("rejecting channel", "participant", participantID, "error", err)
		}
	}
	accepter, err := transport.Listen(ctx, cfg, client, logger, attach)
	if err != nil {
		return err
	}
	defer accepter.Close()

	sharer = peer.NewSharer(client, peer.SharerOptions{
		OwnerAddress: accepter.OwnerAddress,
		Origin:       cfg.Origin,
		Logger:       logger,
	})
	defer sharer.Wait()
	defer sharer.Stop()
	close(ready)

	client.OnPeerJoined(func(ev protocol.PeerEvent) { sharer.HandlePeerJoined(ev.PeerID) })
	client.OnPeerLeft(func(ev protocol.PeerEvent) { sharer.HandlePeerLeft(ev.PeerID) })
	ended := make(chan struct{})
	var endOnce sync.Once
	client.OnShareEnded(func(id string) {
		if id == sharer.ID() {
			endOnce.Do(func() { close(ended) })
		}
	})

	if err := sharer.SelectFile(file); err != nil {
		return err
	}
	id, err := sharer.Share(ctx)
	if err != nil {
		return err
	}
	link := sharer.Link()
	fmt.Fprintf(out, "Sharing %s (%s)\n", file.Name, progress.FormatBytes(file.Size))
	fmt.Fprintf(out, "Link: %s\n", link)
	fmt.Fprintf(out, "Identifier: %s\n", id)
	if opts.OnShare != nil {
		opts.OnShare(id, link)
	}

	stopRender := progress.RenderSender(ctx, out, func() progress.SenderView {
		sharer.SampleProgress()
		return senderView(id, sharer.Participants())
	})

	var result error
	select {
	case <-ctx.Done():
	case <-ended:
		result = errors.New("the share expired")
	case <-client.Done():
		if ctx.Err() == nil {
			result = client.Err()
		}
	}
	stopRender()
	fmt.Fprintln(out, sharer.Summary())
	return result
}

func openFile(path string) (peer.File, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return peer.File{}, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return peer.File{}, nil, err
	}
	if info.IsDir() {
		f.Close()
		return peer.File{}, nil, fmt.Errorf("%s is a directory; only single files can be shared", path)
	}
	file := peer.File{
		Name:   filepath.Base(path),
		Size:   info.Size(),
		Type:   mime.TypeByExtension(filepath.Ext(path)),
		Reader: f,
	}
	return file, func() { f.Close() }, nil
}

func senderView(id string, participants []peer.ParticipantInfo) progress.SenderView {
	view := progress.SenderView{Header: "Share " + id}
	for _, p := range participants {
		status := p.State.String()
		if p.Err != nil {
			status += ": " + p.Err.Error()
		}
		view.Rows = append(view.Rows, progress.SenderRow{
			Peer:   p.ID,
			Status: status,
			Stats:  p.Progress,
		})
	}
	return view
}

func printSenderUsage() {
	w := termio.Stderr()
	fmt.Fprintln(w, "usage: sharelink send [flags] FILE")
	fmt.Fprintln(w, "  --server URL            signaling server URL (default http://localhost:3000)")
	fmt.Fprintln(w, "  --origin URL            base URL for share links (default: server URL)")
	fmt.Fprintln(w, "  --transport NAME        webrtc (default) or quic")
	fmt.Fprintln(w, "  --stun-server URLS      STUN server URLs (repeatable, comma-separated)")
	fmt.Fprintln(w, "  --turn-server URLS      TURN server URLs (repeatable; the server may issue more)")
	fmt.Fprintln(w, "  --loopback              allow same-host WebRTC peers")
	fmt.Fprintln(w, "  --quic-listen ADDR      QUIC listen address (default :0)")
	fmt.Fprintln(w, "  --quic-advertise ADDR   QUIC address announced to receivers")
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
