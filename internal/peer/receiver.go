package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/sharelink/internal/assembler"
	"github.com/sheerbytes/sharelink/internal/progress"
	"github.com/sheerbytes/sharelink/internal/transfer"
	"github.com/sheerbytes/sharelink/pkg/protocol"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultStallTimeout   = 60 * time.Second
	// DefaultMaxFileSize bounds an accepted offer; the artifact is held in memory.
	DefaultMaxFileSize int64 = 2 << 30
)

var (
	// ErrShareEnded is returned when the sender stopped sharing mid-download.
	ErrShareEnded = errors.New("the sender stopped sharing")
	// ErrStalled is returned when no data arrived within the stall timeout.
	ErrStalled = errors.New("transfer stalled")
	// ErrConnectTimeout is returned when the channel did not open in time.
	ErrConnectTimeout = errors.New("timed out connecting to sender")
	// ErrDeclined is returned when the offered file was not accepted.
	ErrDeclined = errors.New("download declined")
	// ErrCancelled is returned after Cancel.
	ErrCancelled = errors.New("download cancelled")
	// ErrPeerDisconnected is returned when the channel closed before completion.
	ErrPeerDisconnected = errors.New("sender disconnected")
	// ErrFileTooLarge is returned when the offer exceeds MaxFileSize.
	ErrFileTooLarge = errors.New("offered file is too large")
	// ErrRemote wraps an error message reported by the sender.
	ErrRemote = errors.New("sender error")
)

// Resolution is the result of resolving an identifier.
type Resolution struct {
	ID           string
	OwnerAddress string
	// Ended is closed when the signaling service reports share-ended.
	Ended <-chan struct{}
}

// Resolver maps an identifier to the sender's channel address.
type Resolver interface {
	ResolveSession(ctx context.Context, id string) (Resolution, error)
}

// Connector opens a transfer channel to a sender address.
type Connector interface {
	Connect(ctx context.Context, ownerAddress string) (transfer.Channel, error)
}

// ReceiverState is the state of a Receiver.
type ReceiverState int

const (
	ReceiverIdle ReceiverState = iota
	Resolving
	Connecting
	AwaitingMetadata
	Offered
	Downloading
	ReceiverComplete
	Failed
	Cancelled
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverIdle:
		return "idle"
	case Resolving:
		return "resolving"
	case Connecting:
		return "connecting"
	case AwaitingMetadata:
		return "awaiting-metadata"
	case Offered:
		return "offered"
	case Downloading:
		return "downloading"
	case ReceiverComplete:
		return "complete"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	ConnectTimeout time.Duration
	StallTimeout   time.Duration
	SampleInterval time.Duration
	// MaxFileSize rejects larger offers before anything is allocated.
	MaxFileSize int64
	// Accept decides whether to download the offered file. Nil accepts everything.
	Accept     func(protocol.FileInfo) bool
	OnProgress func(progress.Stats)
	Logger     *slog.Logger
}

// Receiver is the receiver role. Run drives one download to a terminal state.
type Receiver struct {
	resolver  Resolver
	connector Connector
	opts      ReceiverOptions
	logger    *slog.Logger

	mu       sync.Mutex
	state    ReceiverState
	info     protocol.FileInfo
	stats    progress.Stats
	cancelCh chan struct{}
	once     sync.Once
}

// NewReceiver returns an idle Receiver.
func NewReceiver(resolver Resolver, connector Connector, opts ReceiverOptions) *Receiver {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		resolver:  resolver,
		connector: connector,
		opts:      opts,
		logger:    logger,
		cancelCh:  make(chan struct{}),
	}
}

// State returns the current state.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Info returns the offered metadata once received.
func (r *Receiver) Info() protocol.FileInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// Progress returns the last sampled progress.
func (r *Receiver) Progress() progress.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Cancel aborts the download. It may be called at any time and more than
// once; after completion it has no effect.
func (r *Receiver) Cancel() {
	r.once.Do(func() { close(r.cancelCh) })
}

func (r *Receiver) setState(s ReceiverState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// finish records a terminal state and returns err.
func (r *Receiver) finish(next ReceiverState, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = next
	if err != nil {
		r.logger.Info("download ended", "state", next, "error", err)
	}
	return err
}

func (r *Receiver) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// Run resolves id, connects to the sender, and downloads the offered file.
func (r *Receiver) Run(ctx context.Context, id string) (assembler.Artifact, error) {
	r.mu.Lock()
	if r.state != ReceiverIdle {
		r.mu.Unlock()
		return assembler.Artifact{}, ErrInvalidState
	}
	r.state = Resolving
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	res, err := r.resolver.ResolveSession(ctx, id)
	if err != nil {
		return assembler.Artifact{}, r.terminalErr(err)
	}
	r.logger.Debug("resolved", "id", id, "owner", res.OwnerAddress)

	r.setState(Connecting)
	ch, err := r.connect(ctx, res)
	if err != nil {
		return assembler.Artifact{}, r.terminalErr(err)
	}
	defer ch.Close()

	r.setState(AwaitingMetadata)
	info, err := r.awaitMetadata(ctx, ch, res.Ended)
	if err != nil {
		return assembler.Artifact{}, r.terminalErr(err)
	}

	r.mu.Lock()
	r.info = info
	r.state = Offered
	r.mu.Unlock()
	if r.opts.Accept != nil && !r.opts.Accept(info) {
		_ = ch.Send(protocol.EncodeControl(protocol.FrameCancel))
		return assembler.Artifact{}, r.finish(Cancelled, ErrDeclined)
	}
	if r.cancelled() {
		_ = ch.Send(protocol.EncodeControl(protocol.FrameCancel))
		return assembler.Artifact{}, r.finish(Cancelled, ErrCancelled)
	}

	r.setState(Downloading)
	return r.download(ctx, ch, info, res.Ended)
}

// terminalErr maps an error from a pre-download phase to Failed or Cancelled.
func (r *Receiver) terminalErr(err error) error {
	if r.cancelled() {
		return r.finish(Cancelled, ErrCancelled)
	}
	return r.finish(Failed, err)
}

func (r *Receiver) connect(ctx context.Context, res Resolution) (transfer.Channel, error) {
	connCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	ch, err := r.connector.Connect(connCtx, res.OwnerAddress)
	if err != nil {
		if errors.Is(connCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectTimeout
		}
		return nil, fmt.Errorf("connect: %w", err)
	}
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return nil, ErrPeerDisconnected
			}
			switch ev.Kind {
			case transfer.EventOpen:
				return ch, nil
			case transfer.EventError:
				r.logger.Warn("channel error while connecting", "error", ev.Err)
			case transfer.EventClose:
				return nil, ErrPeerDisconnected
			}
		case <-res.Ended:
			ch.Close()
			return nil, ErrShareEnded
		case <-connCtx.Done():
			ch.Close()
			if errors.Is(connCtx.Err(), context.DeadlineExceeded) {
				return nil, ErrConnectTimeout
			}
			return nil, connCtx.Err()
		}
	}
}

func (r *Receiver) awaitMetadata(ctx context.Context, ch transfer.Channel, ended <-chan struct{}) (protocol.FileInfo, error) {
	timer := time.NewTimer(r.opts.StallTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return protocol.FileInfo{}, ErrPeerDisconnected
			}
			switch ev.Kind {
			case transfer.EventMessage:
				frame, err := protocol.DecodeFrame(ev.Data)
				if err != nil {
					r.logger.Warn("bad frame from sender", "error", err)
					continue
				}
				switch frame.Type {
				case protocol.FrameFileInfo:
					info := frame.FileInfo
					if err := info.Validate(); err != nil {
						_ = ch.Send(protocol.EncodeControl(protocol.FrameCancel))
						return protocol.FileInfo{}, fmt.Errorf("file info: %w", err)
					}
					if info.Size > r.opts.MaxFileSize {
						_ = ch.Send(protocol.EncodeControl(protocol.FrameCancel))
						return protocol.FileInfo{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, info.Name, info.Size, r.opts.MaxFileSize)
					}
					return info, nil
				case protocol.FrameError:
					return protocol.FileInfo{}, remoteError(frame.Message)
				}
			case transfer.EventError:
				r.logger.Warn("channel error", "error", ev.Err)
			case transfer.EventClose:
				return protocol.FileInfo{}, ErrPeerDisconnected
			}
		case <-ended:
			return protocol.FileInfo{}, ErrShareEnded
		case <-timer.C:
			return protocol.FileInfo{}, ErrStalled
		case <-ctx.Done():
			return protocol.FileInfo{}, ctx.Err()
		}
	}
}

func remoteError(msg string) error {
	if msg == noFileMessage {
		return ErrNoFileSelected
	}
	return fmt.Errorf("%w: %s", ErrRemote, msg)
}

func (r *Receiver) download(ctx context.Context, ch transfer.Channel, info protocol.FileInfo, ended <-chan struct{}) (assembler.Artifact, error) {
	// The worker outlives ctx cancellation long enough to report it.
	worker := assembler.NewWorker(context.Background(), assembler.WorkerOptions{
		SampleInterval: r.opts.SampleInterval,
		Logger:         r.logger,
	})
	defer worker.Cancel()
	worker.Init(info)

	if err := ch.Send(protocol.EncodeControl(protocol.FrameStartTransfer)); err != nil {
		return assembler.Artifact{}, r.finish(Failed, fmt.Errorf("send start-transfer: %w", err))
	}

	stall := time.NewTimer(r.opts.StallTimeout)
	defer stall.Stop()

	events := ch.Events()
	ctxDone := ctx.Done()
	var (
		sawComplete bool
		abortErr    error
		abortState  ReceiverState
	)
	abort := func(state ReceiverState, err error) {
		if abortErr != nil {
			return
		}
		abortState, abortErr = state, err
		if ch.IsOpen() {
			_ = ch.Send(protocol.EncodeControl(protocol.FrameCancel))
		}
		worker.Cancel()
	}

	for {
		select {
		case ev, ok := <-worker.Events():
			if !ok {
				if abortErr == nil {
					abortState, abortErr = Failed, assembler.ErrCancelled
				}
				return assembler.Artifact{}, r.finish(abortState, abortErr)
			}
			switch ev.Kind {
			case assembler.EventProgress:
				r.publish(ev.Progress)
			case assembler.EventComplete:
				r.publish(ev.Progress)
				if ev.Artifact.Degraded {
					r.logger.Warn("file assembled without a chunk count, data may be incomplete")
				}
				return ev.Artifact, r.finish(ReceiverComplete, nil)
			case assembler.EventFailed:
				return assembler.Artifact{}, r.finish(Failed, ev.Err)
			case assembler.EventCancelled:
				if abortErr == nil {
					abortState, abortErr = Cancelled, ErrCancelled
				}
				return assembler.Artifact{}, r.finish(abortState, abortErr)
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				if !sawComplete {
					abort(Failed, ErrPeerDisconnected)
				}
				continue
			}
			switch ev.Kind {
			case transfer.EventMessage:
				stall.Reset(r.opts.StallTimeout)
				frame, err := protocol.DecodeFrame(ev.Data)
				if err != nil {
					r.logger.Warn("bad frame from sender", "error", err)
					continue
				}
				switch frame.Type {
				case protocol.FrameChunk:
					worker.Chunk(frame.Chunk.Sequence, frame.Chunk.TotalChunks, frame.Chunk.Payload)
				case protocol.FrameTransferComplete:
					sawComplete = true
					worker.TransferComplete()
				case protocol.FrameError:
					abort(Failed, remoteError(frame.Message))
				}
			case transfer.EventError:
				r.logger.Warn("channel error", "error", ev.Err)
			case transfer.EventClose:
				events = nil
				if !sawComplete {
					abort(Failed, ErrPeerDisconnected)
				}
			}

		case <-ended:
			ended = nil
			if !sawComplete {
				abort(Failed, ErrShareEnded)
			}

		case <-stall.C:
			if !sawComplete {
				abort(Failed, fmt.Errorf("%w: no data for %s", ErrStalled, r.opts.StallTimeout))
			}

		case <-ctxDone:
			ctxDone = nil
			if r.cancelled() {
				abort(Cancelled, ErrCancelled)
			} else {
				abort(Cancelled, ctx.Err())
			}
		}
	}
}

func (r *Receiver) publish(stats progress.Stats) {
	r.mu.Lock()
	r.stats = stats
	r.mu.Unlock()
	if r.opts.OnProgress != nil {
		r.opts.OnProgress(stats)
	}
}
