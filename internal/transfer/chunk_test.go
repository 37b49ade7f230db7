package transfer

import (
	"testing"

	"github.com/sheerbytes/sharelink/pkg/protocol"
)

func TestTotalChunks(t *testing.T) {
	tests := []struct {
		size int64
		cs   int
		want int
	}{
		{0, ChunkSize, 0},
		{1, ChunkSize, 1},
		{ChunkSize, ChunkSize, 1},
		{ChunkSize + 1, ChunkSize, 2},
		{700000, ChunkSize, 3},
		{10, 3, 4},
		{10, 0, 0},
	}
	for _, tt := range tests {
		if got := TotalChunks(tt.size, tt.cs); got != tt.want {
			t.Fatalf("TotalChunks(%d, %d) = %d, want %d", tt.size, tt.cs, got, tt.want)
		}
	}
}

func TestChunkBoundsCoverFile(t *testing.T) {
	const size = 700000
	total := TotalChunks(size, ChunkSize)
	want := []int64{262144, 262144, 175712}
	var sum int64
	var prevEnd int64
	for i := 0; i < total; i++ {
		start, end := ChunkBounds(i, size, ChunkSize)
		if start != prevEnd {
			t.Fatalf("chunk %d starts at %d, want %d", i, start, prevEnd)
		}
		if end-start != want[i] {
			t.Fatalf("chunk %d length = %d, want %d", i, end-start, want[i])
		}
		sum += end - start
		prevEnd = end
	}
	if sum != size {
		t.Fatalf("chunk lengths sum to %d, want %d", sum, size)
	}
}

func TestNewFileInfo(t *testing.T) {
	info := NewFileInfo("report.pdf", 700000, "", 0)
	if info.FileType != protocol.DefaultFileType {
		t.Fatalf("FileType = %q, want default", info.FileType)
	}
	if info.TotalChunks != 3 || info.ChunkSize != 0 {
		t.Fatalf("unexpected chunking: %+v", info)
	}
	if err := info.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	small := NewFileInfo("a.txt", 10, "text/plain", 4)
	if small.ChunkSize != 4 || small.TotalChunks != 3 {
		t.Fatalf("custom chunk size not recorded: %+v", small)
	}
	if small.EffectiveChunkSize() != 4 {
		t.Fatalf("EffectiveChunkSize = %d", small.EffectiveChunkSize())
	}

	empty := NewFileInfo("empty", 0, "", 0)
	if empty.TotalChunks != 0 {
		t.Fatalf("empty file TotalChunks = %d", empty.TotalChunks)
	}
}
