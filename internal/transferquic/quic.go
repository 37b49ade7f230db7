package transferquic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/sharelink/internal/peer"
	"github.com/sheerbytes/sharelink/internal/transfer"
)

// MaxFrameSize bounds one length-prefixed message on the stream.
const MaxFrameSize = 4 << 20

const (
	lengthPrefixSize = 4
	// closeLinger bounds how long Close waits for the peer to drain the stream.
	closeLinger = 2 * time.Second
)

var (
	_ transfer.Channel = (*Channel)(nil)
	_ peer.Connector   = (*Dialer)(nil)
)

// ErrFrameTooLarge is reported when a peer announces a frame over MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Channel is a transfer.Channel over one bidirectional QUIC stream. Messages
// are framed with a big-endian uint32 length prefix. It owns its connection.
type Channel struct {
	conn      *quic.Conn
	stream    *quic.Stream
	q         *transfer.EventQueue
	logger    *slog.Logger
	writeMu   sync.Mutex
	open      atomic.Bool
	closeOnce sync.Once
	readDone  chan struct{}
}

func newChannel(conn *quic.Conn, stream *quic.Stream, logger *slog.Logger) *Channel {
	c := &Channel{
		conn:     conn,
		stream:   stream,
		q:        transfer.NewEventQueue(),
		logger:   logger,
		readDone: make(chan struct{}),
	}
	c.open.Store(true)
	c.q.Push(transfer.Event{Kind: transfer.EventOpen})
	go c.readLoop()
	return c
}

func (c *Channel) readLoop() {
	defer close(c.readDone)
	var header [lengthPrefixSize]byte
	for {
		if _, err := io.ReadFull(c.stream, header[:]); err != nil {
			c.shutdown(readError(err))
			return
		}
		n := binary.BigEndian.Uint32(header[:])
		if n == 0 {
			continue
		}
		if n > MaxFrameSize {
			c.shutdown(fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n))
			return
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(c.stream, msg); err != nil {
			c.shutdown(readError(err))
			return
		}
		c.q.Push(transfer.Event{Kind: transfer.EventMessage, Data: msg})
	}
}

// readError filters out orderly shutdowns so only faults surface as EventError.
func readError(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		return nil
	}
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) && streamErr.ErrorCode == 0 {
		return nil
	}
	return err
}

// Events returns the inbound event stream.
func (c *Channel) Events() <-chan transfer.Event {
	return c.q.Events()
}

// Send writes one framed message. It blocks while QUIC flow control is exhausted.
func (c *Channel) Send(msg []byte) error {
	if !c.open.Load() {
		return transfer.ErrChannelClosed
	}
	if len(msg) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(msg))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrame(msg)
}

func (c *Channel) writeFrame(msg []byte) error {
	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(msg)))
	if _, err := c.stream.Write(header[:]); err != nil {
		return fmt.Errorf("%w: %v", transfer.ErrChannelClosed, err)
	}
	if len(msg) == 0 {
		return nil
	}
	if _, err := c.stream.Write(msg); err != nil {
		return fmt.Errorf("%w: %v", transfer.ErrChannelClosed, err)
	}
	return nil
}

// IsOpen reports whether the stream is still usable.
func (c *Channel) IsOpen() bool {
	return c.open.Load()
}

// RemoteAddr returns the peer's UDP address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close finishes the stream so queued frames still reach the peer, waits
// briefly for the peer to hang up, then closes the connection with code 0.
func (c *Channel) Close() error {
	if c.open.Swap(false) {
		c.writeMu.Lock()
		_ = c.stream.Close()
		c.writeMu.Unlock()
		select {
		case <-c.readDone:
		case <-time.After(closeLinger):
		}
	}
	c.shutdown(nil)
	return nil
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		if cause != nil {
			c.logger.Debug("quic channel failed", "error", cause)
			c.q.Push(transfer.Event{Kind: transfer.EventError, Err: cause})
		}
		c.q.Push(transfer.Event{Kind: transfer.EventClose})
		_ = c.conn.CloseWithError(0, "")
	})
}

// Listener accepts channels from receivers on the sharing side.
type Listener struct {
	listener *quic.Listener
	logger   *slog.Logger
}

// Listen binds a QUIC listener on addr (host:port; port 0 picks one).
func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tlsConfig, err := ServerTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	ln, err := quic.ListenAddr(addr, tlsConfig, DefaultQUICConfig())
	if err != nil {
		logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, err
	}
	logger.Info("QUIC listener created", "local_addr", ln.Addr())
	return &Listener{listener: ln, logger: logger}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve accepts connections until ctx ends or the listener closes, calling
// onChannel with each channel and the remote address.
func (l *Listener) Serve(ctx context.Context, onChannel func(ch transfer.Channel, remote string)) error {
	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("accept QUIC connection: %w", err)
		}
		go l.accept(ctx, conn, onChannel)
	}
}

func (l *Listener) accept(ctx context.Context, conn *quic.Conn, onChannel func(ch transfer.Channel, remote string)) {
	// The dialer writes an empty frame right after opening, so the stream
	// becomes visible here immediately.
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.logger.Warn("failed to accept QUIC stream", "error", err, "remote_addr", conn.RemoteAddr())
		_ = conn.CloseWithError(1, "no stream")
		return
	}
	l.logger.Debug("QUIC channel accepted", "remote_addr", conn.RemoteAddr())
	onChannel(newChannel(conn, stream, l.logger), conn.RemoteAddr().String())
}

// Close stops accepting and closes every channel accepted through l.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Dialer connects to a sharer's QUIC listener. The owner address is host:port.
type Dialer struct {
	Logger *slog.Logger
}

// Connect dials ownerAddress and opens the channel stream.
func (d *Dialer) Connect(ctx context.Context, ownerAddress string) (transfer.Channel, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := quic.DialAddr(ctx, ownerAddress, ClientTLSConfig(), DefaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ownerAddress, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	ch := newChannel(conn, stream, logger)
	ch.writeMu.Lock()
	err = ch.writeFrame(nil)
	ch.writeMu.Unlock()
	if err != nil {
		ch.Close()
		return nil, err
	}
	logger.Info("QUIC connection established", "remote_addr", conn.RemoteAddr())
	return ch, nil
}
