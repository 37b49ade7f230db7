package assembler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sheerbytes/sharelink/internal/progress"
	"github.com/sheerbytes/sharelink/pkg/protocol"
)

// EventKind identifies a worker output.
type EventKind int

const (
	EventProgress EventKind = iota + 1
	EventComplete
	EventFailed
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventComplete:
		return "complete"
	case EventFailed:
		return "failed"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event is emitted by a Worker. Complete, Failed and Cancelled are terminal;
// the events channel is closed after one of them.
type Event struct {
	Kind     EventKind
	Progress progress.Stats
	Artifact Artifact
	Err      error
}

// ErrCancelled is carried by the cancellation event.
var ErrCancelled = errors.New("download cancelled")

type commandKind int

const (
	cmdInit commandKind = iota
	cmdChunk
	cmdTransferComplete
	cmdCancel
)

type command struct {
	kind     commandKind
	info     protocol.FileInfo
	sequence int
	total    int
	payload  []byte
}

// WorkerOptions tunes a Worker.
type WorkerOptions struct {
	// SampleInterval between progress events. Defaults to progress.DefaultSampleInterval.
	SampleInterval time.Duration
	// Queue is the inbound command buffer size.
	Queue  int
	Logger *slog.Logger
	Now    func() time.Time
}

// Worker runs an Assembly on its own goroutine. Callers hand it commands and
// read Events; they never touch the assembly directly.
type Worker struct {
	in       chan command
	events   chan Event
	done     chan struct{}
	interval time.Duration
	logger   *slog.Logger
	meter    *progress.Meter
	asm      Assembly
}

// NewWorker starts a worker. It stops after a terminal event or when ctx ends.
func NewWorker(ctx context.Context, opts WorkerOptions) *Worker {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = progress.DefaultSampleInterval
	}
	if opts.Queue <= 0 {
		opts.Queue = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	w := &Worker{
		in:       make(chan command, opts.Queue),
		events:   make(chan Event, 8),
		done:     make(chan struct{}),
		interval: opts.SampleInterval,
		logger:   opts.Logger,
		meter:    progress.NewMeterWithNow(opts.Now),
	}
	go w.run(ctx)
	return w
}

// Events returns the output stream.
func (w *Worker) Events() <-chan Event { return w.events }

// Done is closed when the worker goroutine exits.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Init starts an assembly for info.
func (w *Worker) Init(info protocol.FileInfo) {
	w.post(command{kind: cmdInit, info: info})
}

// Chunk hands one chunk to the worker. The caller must not modify payload
// afterwards.
func (w *Worker) Chunk(sequence, totalChunks int, payload []byte) {
	w.post(command{kind: cmdChunk, sequence: sequence, total: totalChunks, payload: payload})
}

// TransferComplete forwards the sender's completion marker.
func (w *Worker) TransferComplete() {
	w.post(command{kind: cmdTransferComplete})
}

// Cancel abandons the assembly. It is a no-op once the worker has finished.
func (w *Worker) Cancel() {
	w.post(command{kind: cmdCancel})
}

func (w *Worker) post(cmd command) {
	select {
	case <-w.done:
		return
	default:
	}
	select {
	case w.in <- cmd:
	case <-w.done:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	var tick <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.cancel(ctx, ctx.Err())
			return
		case <-tick:
			w.emitProgress(w.meter.Sample())
		case cmd := <-w.in:
			switch cmd.kind {
			case cmdInit:
				if err := w.asm.Init(cmd.info); err != nil {
					w.terminal(ctx, Event{Kind: EventFailed, Err: err})
					return
				}
				w.meter.Start(cmd.info.Size)
				if tick == nil {
					ticker := time.NewTicker(w.interval)
					defer ticker.Stop()
					tick = ticker.C
				}
				w.logger.Debug("assembly started", "name", cmd.info.Name, "size", cmd.info.Size, "chunks", cmd.info.TotalChunks)
				if w.asm.Complete() {
					w.complete(ctx, false)
					return
				}
			case cmdChunk:
				if w.accept(cmd) && w.asm.Complete() {
					w.complete(ctx, false)
					return
				}
			case cmdTransferComplete:
				if w.asm.Complete() {
					w.complete(ctx, false)
					return
				}
				if w.asm.TotalKnown() {
					w.fail(ctx)
					return
				}
				w.logger.Warn("transfer complete with unknown chunk count, assembling received chunks")
				w.complete(ctx, true)
				return
			case cmdCancel:
				w.cancel(ctx, ErrCancelled)
				return
			}
		}
	}
}

func (w *Worker) accept(cmd command) bool {
	if !w.asm.TotalKnown() && cmd.total > 0 {
		if err := w.asm.LearnTotal(cmd.total); err != nil {
			w.logger.Warn("ignoring chunk total", "total", cmd.total, "error", err)
		}
	}
	before := w.asm.BytesReceived()
	if err := w.asm.AcceptChunk(cmd.sequence, cmd.payload); err != nil {
		w.logger.Warn("dropping chunk", "sequence", cmd.sequence, "error", err)
		return false
	}
	w.meter.Add(int(w.asm.BytesReceived() - before))
	return true
}

func (w *Worker) complete(ctx context.Context, degraded bool) {
	var (
		art Artifact
		err error
	)
	if degraded {
		art, err = w.asm.Finish()
	} else {
		art, err = w.asm.Assemble()
	}
	if err != nil {
		w.terminal(ctx, Event{Kind: EventFailed, Err: err})
		return
	}
	w.meter.MarkComplete()
	stats := w.meter.Sample()
	w.emitProgress(stats)
	w.terminal(ctx, Event{Kind: EventComplete, Progress: stats, Artifact: art})
}

func (w *Worker) fail(ctx context.Context) {
	_, err := w.asm.Assemble()
	if err == nil {
		err = ErrAssemblyIncomplete
	}
	w.asm.Cancel()
	w.logger.Error("assembly failed", "error", err)
	w.terminal(ctx, Event{Kind: EventFailed, Progress: w.meter.Snapshot(), Err: err})
}

func (w *Worker) cancel(ctx context.Context, cause error) {
	w.asm.Cancel()
	w.terminal(ctx, Event{Kind: EventCancelled, Progress: w.meter.Snapshot(), Err: cause})
}

// emitProgress never blocks; a slow reader misses intermediate samples.
func (w *Worker) emitProgress(stats progress.Stats) {
	select {
	case w.events <- Event{Kind: EventProgress, Progress: stats}:
	default:
	}
}

func (w *Worker) terminal(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
		// Still deliver cancellation when the buffer has room.
		select {
		case w.events <- ev:
		default:
		}
	}
}
