package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestChunkFrame(t *testing.T) {
	payload := []byte("hello chunk")
	frame, err := DecodeFrame(EncodeChunk(2, 3, payload))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if frame.Type != FrameChunk {
		t.Fatalf("Type = %s, want chunk", frame.Type)
	}
	if frame.Chunk.Sequence != 2 || frame.Chunk.TotalChunks != 3 {
		t.Errorf("chunk header = %d/%d, want 2/3", frame.Chunk.Sequence, frame.Chunk.TotalChunks)
	}
	if !bytes.Equal(frame.Chunk.Payload, payload) {
		t.Errorf("payload = %q, want %q", frame.Chunk.Payload, payload)
	}
}

func TestFileInfoFrameDefaultsFileType(t *testing.T) {
	raw, err := EncodeFileInfo(FileInfo{Name: "a.bin", Size: 10, TotalChunks: 1})
	if err != nil {
		t.Fatalf("EncodeFileInfo() error = %v", err)
	}
	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if frame.FileInfo.FileType != DefaultFileType {
		t.Errorf("FileType = %q, want %q", frame.FileInfo.FileType, DefaultFileType)
	}
	if frame.FileInfo.Name != "a.bin" || frame.FileInfo.Size != 10 {
		t.Errorf("FileInfo = %+v", frame.FileInfo)
	}
}

func TestControlAndErrorFrames(t *testing.T) {
	for _, ft := range []FrameType{FrameStartTransfer, FrameTransferComplete, FrameCancel} {
		frame, err := DecodeFrame(EncodeControl(ft))
		if err != nil {
			t.Fatalf("DecodeFrame(%s) error = %v", ft, err)
		}
		if frame.Type != ft {
			t.Errorf("Type = %s, want %s", frame.Type, ft)
		}
	}

	frame, err := DecodeFrame(EncodeError("No file is currently being shared."))
	if err != nil {
		t.Fatalf("DecodeFrame(error) error = %v", err)
	}
	if frame.Message != "No file is currently being shared." {
		t.Errorf("Message = %q", frame.Message)
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{name: "short", raw: []byte("SL"), want: ErrShortFrame},
		{name: "bad magic", raw: []byte("XXXX\x01{}"), want: ErrInvalidMagic},
		{name: "unknown type", raw: []byte("SLK1\x7f"), want: ErrUnknownFrame},
		{name: "truncated chunk", raw: []byte("SLK1\x03\x00\x00"), want: ErrShortFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.raw)
			if !errors.Is(err, tt.want) {
				t.Errorf("DecodeFrame() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFileInfoValidate(t *testing.T) {
	tests := []struct {
		name    string
		info    FileInfo
		wantErr error
	}{
		{name: "empty file", info: FileInfo{Name: "empty", Size: 0, TotalChunks: 0}},
		{name: "exact multiple", info: FileInfo{Name: "a", Size: 2 * DefaultChunkSize, TotalChunks: 2}},
		{name: "one over", info: FileInfo{Name: "a", Size: DefaultChunkSize + 1, TotalChunks: 2}},
		{name: "size only", info: FileInfo{Name: "a", Size: 700000}},
		{name: "too few chunks", info: FileInfo{Name: "a", Size: DefaultChunkSize + 1, TotalChunks: 1}, wantErr: ErrInvalidFileInfo},
		{name: "too many chunks", info: FileInfo{Name: "a", Size: 10, TotalChunks: 2}, wantErr: ErrInvalidFileInfo},
		{name: "negative size", info: FileInfo{Name: "a", Size: -1}, wantErr: ErrInvalidFileInfo},
		{name: "path traversal", info: FileInfo{Name: "../etc/passwd", Size: 1, TotalChunks: 1}, wantErr: ErrInvalidFileName},
		{name: "dot dot", info: FileInfo{Name: "..", Size: 1, TotalChunks: 1}, wantErr: ErrInvalidFileName},
		{name: "empty name", info: FileInfo{Size: 1, TotalChunks: 1}, wantErr: ErrInvalidFileName},
		{name: "at chunk limit", info: FileInfo{Name: "a", Size: MaxTotalChunks * DefaultChunkSize, TotalChunks: MaxTotalChunks}},
		{name: "huge consistent", info: FileInfo{Name: "x.bin", Size: 1 << 62, TotalChunks: (1 << 62) / DefaultChunkSize}, wantErr: ErrInvalidFileInfo},
		{name: "huge size only", info: FileInfo{Name: "x.bin", Size: 1 << 62}, wantErr: ErrInvalidFileInfo},
		{name: "tiny chunks", info: FileInfo{Name: "a", Size: 1 << 30, TotalChunks: 1 << 30, ChunkSize: 1}, wantErr: ErrInvalidFileInfo},
		{name: "chunk size too large", info: FileInfo{Name: "a", Size: 8 << 20, TotalChunks: 1, ChunkSize: 8 << 20}, wantErr: ErrInvalidFileInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.info.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
