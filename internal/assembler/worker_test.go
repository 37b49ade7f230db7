package assembler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/sharelink/internal/transfer"
	"github.com/sheerbytes/sharelink/pkg/protocol"
)

// terminalEvent drains progress events and returns the first terminal one.
func terminalEvent(t *testing.T, w *Worker) (Event, []Event) {
	t.Helper()
	var progress []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			require.True(t, ok, "events closed before a terminal event")
			if ev.Kind == EventProgress {
				progress = append(progress, ev)
				continue
			}
			return ev, progress
		case <-timeout:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestWorkerAssemblesFile(t *testing.T) {
	data := makeData(5*testChunkSize + 2)
	info := transfer.NewFileInfo("photo.jpg", int64(len(data)), "image/jpeg", testChunkSize)

	w := NewWorker(context.Background(), WorkerOptions{SampleInterval: time.Millisecond})
	w.Init(info)
	for i := info.TotalChunks - 1; i >= 0; i-- {
		w.Chunk(i, info.TotalChunks, slice(data, i))
	}

	ev, _ := terminalEvent(t, w)
	require.Equal(t, EventComplete, ev.Kind, "err: %v", ev.Err)
	assert.Equal(t, data, ev.Artifact.Data)
	assert.Equal(t, "photo.jpg", ev.Artifact.Name)
	assert.Equal(t, "image/jpeg", ev.Artifact.MIMEType)
	assert.Equal(t, float64(100), ev.Progress.Percent)
	assert.Equal(t, int64(len(data)), ev.Progress.BytesDone)

	<-w.Done()
	_, open := <-w.Events()
	assert.False(t, open)

	// Cancel and late chunks after completion are no-ops.
	w.Cancel()
	w.Chunk(0, info.TotalChunks, slice(data, 0))
	w.TransferComplete()
}

func TestWorkerEmptyFileCompletesOnInit(t *testing.T) {
	w := NewWorker(context.Background(), WorkerOptions{})
	w.Init(transfer.NewFileInfo("empty.txt", 0, "text/plain", 0))

	ev, _ := terminalEvent(t, w)
	require.Equal(t, EventComplete, ev.Kind)
	assert.Empty(t, ev.Artifact.Data)
	assert.Equal(t, float64(100), ev.Progress.Percent)
}

func TestWorkerProgressNeverReports100BeforeCompletion(t *testing.T) {
	data := makeData(4 * testChunkSize)
	info := transfer.NewFileInfo("f", int64(len(data)), "", testChunkSize)

	w := NewWorker(context.Background(), WorkerOptions{SampleInterval: time.Millisecond})
	w.Init(info)
	for i := 0; i < info.TotalChunks-1; i++ {
		w.Chunk(i, info.TotalChunks, slice(data, i))
	}
	time.Sleep(20 * time.Millisecond)
	w.Chunk(info.TotalChunks-1, info.TotalChunks, slice(data, info.TotalChunks-1))

	ev, progress := terminalEvent(t, w)
	require.Equal(t, EventComplete, ev.Kind)
	require.NotEmpty(t, progress)
	for _, p := range progress {
		if !p.Progress.Complete {
			assert.Less(t, p.Progress.Percent, float64(100))
		}
	}
	assert.Equal(t, float64(100), ev.Progress.Percent)
}

func TestWorkerTransferCompleteWithMissingChunks(t *testing.T) {
	data := makeData(3 * testChunkSize)
	info := transfer.NewFileInfo("f", int64(len(data)), "", testChunkSize)

	w := NewWorker(context.Background(), WorkerOptions{})
	w.Init(info)
	w.Chunk(0, info.TotalChunks, slice(data, 0))
	w.Chunk(2, info.TotalChunks, slice(data, 2))
	w.TransferComplete()

	ev, _ := terminalEvent(t, w)
	require.Equal(t, EventFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrAssemblyIncomplete)
	assert.Contains(t, ev.Err.Error(), "[1]")
}

func TestWorkerDegradedFallback(t *testing.T) {
	data := makeData(3 * testChunkSize)
	info := protocol.FileInfo{Name: "f", Size: int64(len(data)), ChunkSize: testChunkSize}

	w := NewWorker(context.Background(), WorkerOptions{})
	w.Init(info)
	w.Chunk(0, 0, slice(data, 0))
	w.Chunk(1, 0, slice(data, 1))
	w.TransferComplete()

	ev, _ := terminalEvent(t, w)
	require.Equal(t, EventComplete, ev.Kind)
	assert.True(t, ev.Artifact.Degraded)
	assert.Equal(t, data[:2*testChunkSize], ev.Artifact.Data)
}

func TestWorkerLearnsTotalFromChunks(t *testing.T) {
	data := makeData(2*testChunkSize + 1)
	info := protocol.FileInfo{Name: "f", Size: int64(len(data)), ChunkSize: testChunkSize}

	w := NewWorker(context.Background(), WorkerOptions{})
	w.Init(info)
	for i := 0; i < 3; i++ {
		w.Chunk(i, 3, slice(data, i))
	}

	ev, _ := terminalEvent(t, w)
	require.Equal(t, EventComplete, ev.Kind)
	assert.False(t, ev.Artifact.Degraded)
	assert.Equal(t, data, ev.Artifact.Data)
}

func TestWorkerCancel(t *testing.T) {
	data := makeData(3 * testChunkSize)
	info := transfer.NewFileInfo("f", int64(len(data)), "", testChunkSize)

	w := NewWorker(context.Background(), WorkerOptions{})
	w.Init(info)
	w.Chunk(0, info.TotalChunks, slice(data, 0))
	w.Cancel()
	w.Cancel()

	ev, _ := terminalEvent(t, w)
	require.Equal(t, EventCancelled, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrCancelled)
	<-w.Done()
}

func TestWorkerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(ctx, WorkerOptions{})
	w.Init(transfer.NewFileInfo("f", 100, "", testChunkSize))
	cancel()

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerRejectsInvalidInfo(t *testing.T) {
	w := NewWorker(context.Background(), WorkerOptions{})
	w.Init(protocol.FileInfo{Name: "", Size: 1})

	ev, _ := terminalEvent(t, w)
	require.Equal(t, EventFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, protocol.ErrInvalidFileName)
}
