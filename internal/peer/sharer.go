// Package peer sequences the sender and receiver sides of a share: session
// registration or lookup, channel setup, metadata exchange and transfer.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/sharelink/internal/session"
	"github.com/sheerbytes/sharelink/internal/transfer"
	"github.com/sheerbytes/sharelink/pkg/protocol"
)

// maxShareAttempts bounds CreateSession retries on identifier collision.
const maxShareAttempts = 3

// noFileMessage is sent to participants that connect before a file is chosen.
const noFileMessage = "no file selected"

var (
	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrNoFileSelected is reported when the sharer has no file to offer.
	ErrNoFileSelected = errors.New(noFileMessage)
)

// Registrar creates sessions on the signaling service.
type Registrar interface {
	CreateSession(ctx context.Context, ownerAddress string) (string, error)
}

// SharerState is the top-level state of a Sharer.
type SharerState int

const (
	Idle SharerState = iota
	AwaitingIdentifier
	Sharing
	Stopped
)

func (s SharerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingIdentifier:
		return "awaiting-identifier"
	case Sharing:
		return "sharing"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// File is the content a Sharer offers.
type File struct {
	Name   string
	Size   int64
	Type   string
	Reader io.ReaderAt
}

// SharerOptions configures a Sharer.
type SharerOptions struct {
	// OwnerAddress is the channel address receivers use to reach this sharer.
	OwnerAddress string
	// Origin is the base of share links, e.g. https://share.example.
	Origin    string
	ChunkSize int
	Send      transfer.SendOptions
	Logger    *slog.Logger
	Now       func() time.Time
}

// Sharer is the sender role. Each attached channel runs its own participant
// state machine; participants never affect each other.
type Sharer struct {
	registrar Registrar
	opts      SharerOptions
	logger    *slog.Logger
	table     *participantTable

	mu       sync.Mutex
	state    SharerState
	file     *File
	info     protocol.FileInfo
	id       string
	channels map[string]transfer.Channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSharer returns an idle Sharer.
func NewSharer(registrar Registrar, opts SharerOptions) *Sharer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = transfer.ChunkSize
	}
	if opts.Send.Logger == nil {
		opts.Send.Logger = logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sharer{
		registrar: registrar,
		opts:      opts,
		logger:    logger,
		table:     newParticipantTable(opts.Now),
		channels:  make(map[string]transfer.Channel),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SelectFile sets the file offered to participants that open a channel from
// now on. It does not start sharing.
func (s *Sharer) SelectFile(f File) error {
	info := transfer.NewFileInfo(f.Name, f.Size, f.Type, s.opts.ChunkSize)
	if err := info.Validate(); err != nil {
		return err
	}
	if f.Reader == nil {
		return fmt.Errorf("file %s: nil reader", f.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return ErrInvalidState
	}
	s.file = &f
	s.info = info
	return nil
}

// Share registers a session and moves to Sharing. It returns the identifier.
func (s *Sharer) Share(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		return "", fmt.Errorf("%w: share from %s", ErrInvalidState, state)
	}
	s.state = AwaitingIdentifier
	s.mu.Unlock()

	var (
		id  string
		err error
	)
	for attempt := 1; attempt <= maxShareAttempts; attempt++ {
		id, err = s.registrar.CreateSession(ctx, s.opts.OwnerAddress)
		if err == nil || !errors.Is(err, session.ErrIdentifierCollision) {
			break
		}
		s.logger.Warn("identifier collision, retrying", "attempt", attempt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != AwaitingIdentifier {
		return "", ErrInvalidState
	}
	if err != nil {
		s.state = Idle
		return "", fmt.Errorf("create session: %w", err)
	}
	s.id = id
	s.state = Sharing
	s.logger.Info("sharing", "id", id, "link", ShareLink(s.opts.Origin, id))
	return id, nil
}

// State returns the top-level state.
func (s *Sharer) State() SharerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the session identifier once Sharing.
func (s *Sharer) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Link returns the share link once Sharing.
func (s *Sharer) Link() string {
	id := s.ID()
	if id == "" {
		return ""
	}
	return ShareLink(s.opts.Origin, id)
}

// HandlePeerJoined records a participant announced by signaling before its
// channel is attached.
func (s *Sharer) HandlePeerJoined(participantID string) {
	s.table.join(participantID)
}

// HandlePeerLeft drops a participant that left signaling without attaching.
func (s *Sharer) HandlePeerLeft(participantID string) {
	s.table.leave(participantID)
}

// Attach starts the participant state machine for ch. The channel may still
// be handshaking; the metadata is sent once it reports open.
func (s *Sharer) Attach(ch transfer.Channel, participantID string) error {
	s.mu.Lock()
	if s.state != Sharing {
		state := s.state
		s.mu.Unlock()
		ch.Close()
		return fmt.Errorf("%w: attach in %s", ErrInvalidState, state)
	}
	p, err := s.table.attach(participantID)
	if err != nil {
		s.mu.Unlock()
		ch.Close()
		return err
	}
	s.channels[participantID] = ch
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.serve(ch, p)
	}()
	return nil
}

// Participants returns a snapshot of all known participants.
func (s *Sharer) Participants() []ParticipantInfo {
	return s.table.snapshot()
}

// SampleProgress closes the progress window of every participant.
func (s *Sharer) SampleProgress() {
	s.table.sample()
}

// Summary returns a short participant count line.
func (s *Sharer) Summary() string {
	return s.table.summary()
}

// Stop closes every participant channel and ends sharing.
func (s *Sharer) Stop() {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return
	}
	s.state = Stopped
	channels := make([]transfer.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	s.cancel()
	for _, ch := range channels {
		ch.Close()
	}
	s.wg.Wait()
	s.logger.Info("sharing stopped", "id", s.ID())
}

// Wait blocks until every participant state machine has exited.
func (s *Sharer) Wait() {
	s.wg.Wait()
}

func (s *Sharer) currentFile() (*File, protocol.FileInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file, s.info
}

func (s *Sharer) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, id)
}

type sendOutcome struct {
	res transfer.SendResult
	err error
}

// serve runs one participant: AwaitingOpen -> SentMetadata -> Streaming ->
// Complete, or Closed on channel close from any state.
func (s *Sharer) serve(ch transfer.Channel, p *participant) {
	logger := s.logger.With("participant", p.id)
	defer s.release(p.id)
	defer ch.Close()

	var (
		file     *File
		info     protocol.FileInfo
		sendDone chan sendOutcome
	)
	stopSend := context.CancelFunc(func() {})
	defer func() { stopSend() }()

	events := ch.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.table.setState(p, Closed, nil)
			return

		case out := <-sendDone:
			sendDone = nil
			if out.err != nil {
				logger.Error("transfer failed", "error", out.err)
				s.table.setState(p, Closed, out.err)
				return
			}
			if out.res.Completed {
				p.meter.MarkComplete()
				s.table.setState(p, Complete, nil)
				logger.Info("transfer complete", "chunks", out.res.ChunksSent, "bytes", out.res.BytesSent)
			}

		case ev, ok := <-events:
			if !ok {
				s.table.setState(p, Closed, nil)
				return
			}
			switch ev.Kind {
			case transfer.EventOpen:
				file, info = s.currentFile()
				if file == nil {
					logger.Warn("participant connected before a file was selected")
					_ = ch.Send(protocol.EncodeError(noFileMessage))
					s.table.setState(p, Closed, ErrNoFileSelected)
					return
				}
				frame, err := protocol.EncodeFileInfo(info)
				if err == nil {
					err = ch.Send(frame)
				}
				if err != nil {
					logger.Warn("send file info failed", "error", err)
					s.table.setState(p, Closed, err)
					return
				}
				p.meter.Start(info.Size)
				s.table.setState(p, SentMetadata, nil)
				logger.Debug("file info sent", "name", info.Name, "size", info.Size)

			case transfer.EventMessage:
				frame, err := protocol.DecodeFrame(ev.Data)
				if err != nil {
					logger.Warn("bad frame from participant", "error", err)
					continue
				}
				switch frame.Type {
				case protocol.FrameStartTransfer:
					if s.table.state(p) != SentMetadata {
						logger.Debug("ignoring start-transfer", "state", s.table.state(p))
						continue
					}
					s.table.setState(p, Streaming, nil)
					var sendCtx context.Context
					sendCtx, stopSend = context.WithCancel(s.ctx)
					sendDone = make(chan sendOutcome, 1)
					go s.stream(sendCtx, ch, file, info, p, sendDone)
				case protocol.FrameCancel:
					logger.Info("participant cancelled")
					s.table.setState(p, Closed, nil)
					return
				case protocol.FrameError:
					logger.Warn("participant reported error", "message", frame.Message)
				default:
					logger.Debug("ignoring frame", "type", frame.Type)
				}

			case transfer.EventError:
				logger.Warn("channel error", "error", ev.Err)

			case transfer.EventClose:
				if sendDone != nil {
					// Let the sender loop observe the closed channel and return.
					out := <-sendDone
					if out.res.Completed {
						p.meter.MarkComplete()
						s.table.setState(p, Complete, nil)
					}
				}
				s.table.setState(p, Closed, nil)
				logger.Debug("participant channel closed")
				return
			}
		}
	}
}

func (s *Sharer) stream(ctx context.Context, ch transfer.Channel, f *File, info protocol.FileInfo, p *participant, done chan<- sendOutcome) {
	opts := s.opts.Send
	onChunk := opts.OnChunk
	var last int64
	opts.OnChunk = func(seq int, sent int64) {
		p.meter.Add(int(sent - last))
		last = sent
		if onChunk != nil {
			onChunk(seq, sent)
		}
	}
	res, err := transfer.SendFile(ctx, ch, f.Reader, info, opts)
	done <- sendOutcome{res: res, err: err}
}
