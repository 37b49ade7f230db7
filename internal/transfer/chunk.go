package transfer

import (
	"github.com/sheerbytes/sharelink/pkg/protocol"
)

// ChunkSize is the default chunk payload size.
const ChunkSize = protocol.DefaultChunkSize

// TotalChunks returns ceil(size/chunkSize), zero for an empty file.
func TotalChunks(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	cs := int64(chunkSize)
	return int((size + cs - 1) / cs)
}

// ChunkBounds returns the [start, end) byte range of chunk index.
func ChunkBounds(index int, size int64, chunkSize int) (start, end int64) {
	start = int64(index) * int64(chunkSize)
	end = start + int64(chunkSize)
	if end > size {
		end = size
	}
	if start > size {
		start = size
	}
	return start, end
}

// NewFileInfo builds announced metadata for a file of the given size.
func NewFileInfo(name string, size int64, fileType string, chunkSize int) protocol.FileInfo {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	if fileType == "" {
		fileType = protocol.DefaultFileType
	}
	info := protocol.FileInfo{
		Name:        name,
		Size:        size,
		FileType:    fileType,
		TotalChunks: TotalChunks(size, chunkSize),
	}
	if chunkSize != ChunkSize {
		info.ChunkSize = chunkSize
	}
	return info
}
