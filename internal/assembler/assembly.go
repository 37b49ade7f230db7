// Package assembler rebuilds a file from sequenced chunks received over a
// transfer channel.
package assembler

import (
	"errors"
	"fmt"

	"github.com/sheerbytes/sharelink/pkg/protocol"
)

var (
	// ErrSequenceOutOfRange is returned for a chunk index outside [0, totalChunks).
	ErrSequenceOutOfRange = errors.New("sequence out of range")
	// ErrChunkSizeMismatch is returned when a payload does not fit its slot.
	ErrChunkSizeMismatch = errors.New("chunk size mismatch")
	// ErrAssemblyIncomplete is returned when completion is claimed with slots missing.
	ErrAssemblyIncomplete = errors.New("assembly incomplete")
	// ErrNotInitialized is returned before Init.
	ErrNotInitialized = errors.New("assembly not initialized")
	// ErrClosed is returned after the assembly completed or was cancelled.
	ErrClosed = errors.New("assembly closed")
)

// maxReportedMissing bounds the slot list included in ErrAssemblyIncomplete.
const maxReportedMissing = 8

// Artifact is the reconstructed file.
type Artifact struct {
	Name     string
	MIMEType string
	Data     []byte
	// Degraded marks a best-effort assembly from an unknown chunk count;
	// gaps were skipped and the data may be incomplete.
	Degraded bool
}

type state int

const (
	stateIdle state = iota
	stateActive
	stateDone
	stateCancelled
)

// Assembly tracks the chunk slots of one incoming file. It is not safe for
// concurrent use; the Worker owns it on a single goroutine.
type Assembly struct {
	state         state
	info          protocol.FileInfo
	chunkSize     int
	known         bool
	slots         [][]byte
	filled        *Bitmap
	bytesReceived int64
	receivedCount int
}

// Init resets the assembly for a new file. When info.TotalChunks is zero for a
// non-empty file the slot array grows as chunks arrive.
func (a *Assembly) Init(info protocol.FileInfo) error {
	if a.state == stateCancelled {
		return ErrClosed
	}
	if err := info.Validate(); err != nil {
		return err
	}
	if info.FileType == "" {
		info.FileType = protocol.DefaultFileType
	}
	*a = Assembly{
		state:     stateActive,
		info:      info,
		chunkSize: info.EffectiveChunkSize(),
		known:     info.TotalChunks > 0 || info.Size == 0,
	}
	a.slots = make([][]byte, info.TotalChunks)
	a.filled = NewBitmap(info.TotalChunks)
	return nil
}

// Info returns the metadata passed to Init.
func (a *Assembly) Info() protocol.FileInfo { return a.info }

// BytesReceived returns the payload bytes stored so far.
func (a *Assembly) BytesReceived() int64 { return a.bytesReceived }

// ReceivedCount returns the number of distinct slots filled.
func (a *Assembly) ReceivedCount() int { return a.receivedCount }

// TotalKnown reports whether the chunk count is known.
func (a *Assembly) TotalKnown() bool { return a.known }

// LearnTotal adopts a chunk count carried by chunk frames when the metadata
// did not announce one. Chunks already stored must fit the new layout.
func (a *Assembly) LearnTotal(total int) error {
	if a.state != stateActive {
		return a.closedErr()
	}
	if a.known || total <= 0 {
		return nil
	}
	info := a.info
	info.TotalChunks = total
	if err := info.Validate(); err != nil {
		return err
	}
	for i := 0; i < a.filled.LenBits(); i++ {
		if !a.filled.Get(i) {
			continue
		}
		if i >= total {
			return fmt.Errorf("%w: stored chunk %d beyond total %d", ErrSequenceOutOfRange, i, total)
		}
		if want := a.slotLen(i, total); len(a.slots[i]) != want {
			return fmt.Errorf("%w: stored chunk %d has %d bytes, want %d", ErrChunkSizeMismatch, i, len(a.slots[i]), want)
		}
	}
	for len(a.slots) < total {
		a.slots = append(a.slots, nil)
	}
	a.slots = a.slots[:total]
	a.filled.Grow(total)
	a.info = info
	a.known = true
	return nil
}

// AcceptChunk stores payload at slot sequence. A slot already filled is left
// untouched and the duplicate is ignored. The assembly takes ownership of
// payload.
func (a *Assembly) AcceptChunk(sequence int, payload []byte) error {
	if a.state != stateActive {
		return a.closedErr()
	}
	if a.known {
		if sequence < 0 || sequence >= a.info.TotalChunks {
			return fmt.Errorf("%w: %d not in [0, %d)", ErrSequenceOutOfRange, sequence, a.info.TotalChunks)
		}
		if a.filled.Get(sequence) {
			return nil
		}
		if want := a.slotLen(sequence, a.info.TotalChunks); len(payload) != want {
			return fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrChunkSizeMismatch, sequence, len(payload), want)
		}
	} else {
		if sequence < 0 || int64(sequence)*int64(a.chunkSize) >= a.info.Size {
			return fmt.Errorf("%w: %d beyond announced size %d", ErrSequenceOutOfRange, sequence, a.info.Size)
		}
		if a.filled.Get(sequence) {
			return nil
		}
		if len(payload) > a.chunkSize || a.bytesReceived+int64(len(payload)) > a.info.Size {
			return fmt.Errorf("%w: chunk %d has %d bytes", ErrChunkSizeMismatch, sequence, len(payload))
		}
		for len(a.slots) <= sequence {
			a.slots = append(a.slots, nil)
		}
		a.filled.Grow(len(a.slots))
	}
	a.filled.Set(sequence)
	a.slots[sequence] = payload
	a.bytesReceived += int64(len(payload))
	a.receivedCount++
	return nil
}

// Complete reports whether every slot of a known layout is filled. The
// received count and the slot bitmap must agree.
func (a *Assembly) Complete() bool {
	if a.state != stateActive || !a.known {
		return false
	}
	return a.receivedCount == a.info.TotalChunks && a.filled.Full()
}

// Missing returns up to limit unfilled slot indices.
func (a *Assembly) Missing(limit int) []int {
	if a.filled == nil {
		return nil
	}
	return a.filled.Missing(limit)
}

// Assemble concatenates all slots in order and releases chunk memory.
func (a *Assembly) Assemble() (Artifact, error) {
	if a.state != stateActive {
		return Artifact{}, a.closedErr()
	}
	if !a.Complete() {
		return Artifact{}, a.incompleteErr()
	}
	return a.build(false), nil
}

// Finish handles the sender's transfer-complete marker. With a known layout
// it behaves like Assemble. Without one it assembles the filled slots in
// order, skipping gaps, and flags the artifact as degraded.
func (a *Assembly) Finish() (Artifact, error) {
	if a.state != stateActive {
		return Artifact{}, a.closedErr()
	}
	if a.known {
		return a.Assemble()
	}
	return a.build(true), nil
}

// Cancel releases buffered chunks. Later calls on the assembly return
// ErrClosed. It reports whether the assembly was still open.
func (a *Assembly) Cancel() bool {
	if a.state == stateDone || a.state == stateCancelled {
		return false
	}
	a.release()
	a.state = stateCancelled
	return true
}

func (a *Assembly) build(degraded bool) Artifact {
	data := make([]byte, 0, a.bytesReceived)
	for i, slot := range a.slots {
		if a.filled.Get(i) {
			data = append(data, slot...)
		}
	}
	art := Artifact{
		Name:     a.info.Name,
		MIMEType: a.info.FileType,
		Data:     data,
		Degraded: degraded,
	}
	a.release()
	a.state = stateDone
	return art
}

func (a *Assembly) release() {
	a.slots = nil
	a.filled = NewBitmap(0)
}

func (a *Assembly) slotLen(sequence, total int) int {
	if sequence < total-1 {
		return a.chunkSize
	}
	return int(a.info.Size - int64(total-1)*int64(a.chunkSize))
}

func (a *Assembly) incompleteErr() error {
	missing := a.filled.Missing(maxReportedMissing)
	return fmt.Errorf("%w: %d of %d chunks received, missing %v", ErrAssemblyIncomplete, a.receivedCount, a.info.TotalChunks, missing)
}

func (a *Assembly) closedErr() error {
	if a.state == stateIdle {
		return ErrNotInitialized
	}
	return ErrClosed
}
