package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Transfer-channel frame layout:
//
//	magic "SLK1" | type (1 byte) | body
//
// Chunk bodies are sequence (uint32 BE) | total chunks (uint32 BE) | payload.
// Every other body is JSON.
const (
	frameMagic      = "SLK1"
	frameHeaderSize = len(frameMagic) + 1
	chunkHeaderSize = 8

	// DefaultChunkSize is the payload size of every chunk except the last.
	DefaultChunkSize = 256 * 1024

	// DefaultFileType is used when the sender does not know the MIME type.
	DefaultFileType = "application/octet-stream"

	// MaxChunkSize bounds the chunk size a sender may announce.
	MaxChunkSize = 4 << 20
	// MaxTotalChunks bounds the slot count of one file.
	MaxTotalChunks = 1 << 20

	maxFileNameLength = 255
)

// FrameType identifies a transfer-channel message.
type FrameType byte

const (
	FrameFileInfo FrameType = iota + 1
	FrameStartTransfer
	FrameChunk
	FrameTransferComplete
	FrameError
	FrameCancel
)

func (t FrameType) String() string {
	switch t {
	case FrameFileInfo:
		return "file-info"
	case FrameStartTransfer:
		return "start-transfer"
	case FrameChunk:
		return "chunk"
	case FrameTransferComplete:
		return "transfer-complete"
	case FrameError:
		return "error"
	case FrameCancel:
		return "cancel"
	default:
		return fmt.Sprintf("frame(%d)", byte(t))
	}
}

var (
	// ErrInvalidMagic indicates the frame does not start with the protocol magic.
	ErrInvalidMagic = errors.New("invalid frame magic")
	// ErrShortFrame indicates the frame is shorter than its header.
	ErrShortFrame = errors.New("frame too short")
	// ErrUnknownFrame indicates an unsupported frame type.
	ErrUnknownFrame = errors.New("unknown frame type")
	// ErrInvalidFileName indicates the file name is empty, too long or contains a path.
	ErrInvalidFileName = errors.New("invalid file name")
	// ErrInvalidFileInfo indicates inconsistent size or chunk fields.
	ErrInvalidFileInfo = errors.New("invalid file info")
)

// FileInfo is the metadata a sender announces when a channel opens.
type FileInfo struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	FileType    string `json:"fileType"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int    `json:"chunkSize,omitempty"`
}

// EffectiveChunkSize returns ChunkSize or the protocol default.
func (f FileInfo) EffectiveChunkSize() int {
	if f.ChunkSize > 0 {
		return f.ChunkSize
	}
	return DefaultChunkSize
}

// Validate checks that the metadata is safe to act on. TotalChunks may be zero
// for a non-empty file when the sender never announced it.
func (f FileInfo) Validate() error {
	if f.Name == "" || f.Name == "." || f.Name == ".." ||
		strings.ContainsAny(f.Name, `/\`) || len(f.Name) > maxFileNameLength {
		return ErrInvalidFileName
	}
	if f.Size < 0 || f.TotalChunks < 0 || f.ChunkSize < 0 {
		return ErrInvalidFileInfo
	}
	if f.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d exceeds %d", ErrInvalidFileInfo, f.ChunkSize, MaxChunkSize)
	}
	cs := int64(f.EffectiveChunkSize())
	slots := f.Size / cs
	if f.Size%cs != 0 {
		slots++
	}
	if slots > MaxTotalChunks || f.TotalChunks > MaxTotalChunks {
		return fmt.Errorf("%w: more than %d chunks", ErrInvalidFileInfo, MaxTotalChunks)
	}
	if f.TotalChunks == 0 {
		return nil
	}
	if int64(f.TotalChunks)*cs < f.Size || int64(f.TotalChunks-1)*cs >= f.Size {
		return fmt.Errorf("%w: %d chunks of %d bytes cannot hold %d bytes", ErrInvalidFileInfo, f.TotalChunks, cs, f.Size)
	}
	return nil
}

// Chunk is one sequenced slice of the file.
type Chunk struct {
	Sequence    int
	TotalChunks int
	Payload     []byte
}

// Frame is a decoded transfer-channel message. Only the field matching Type is set.
type Frame struct {
	Type     FrameType
	FileInfo FileInfo
	Chunk    Chunk
	Message  string
}

type errorBody struct {
	Message string `json:"message"`
}

func header(t FrameType, bodyLen int) []byte {
	buf := make([]byte, frameHeaderSize, frameHeaderSize+bodyLen)
	copy(buf, frameMagic)
	buf[len(frameMagic)] = byte(t)
	return buf
}

// EncodeFileInfo encodes a file-info frame.
func EncodeFileInfo(info FileInfo) ([]byte, error) {
	body, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal file info: %w", err)
	}
	return append(header(FrameFileInfo, len(body)), body...), nil
}

// EncodeChunk encodes a chunk frame. The payload is copied.
func EncodeChunk(sequence, totalChunks int, payload []byte) []byte {
	buf := header(FrameChunk, chunkHeaderSize+len(payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(sequence))
	buf = binary.BigEndian.AppendUint32(buf, uint32(totalChunks))
	return append(buf, payload...)
}

// EncodeError encodes an error frame.
func EncodeError(message string) []byte {
	body, _ := json.Marshal(errorBody{Message: message})
	return append(header(FrameError, len(body)), body...)
}

// EncodeControl encodes a body-less frame (start-transfer, transfer-complete, cancel).
func EncodeControl(t FrameType) []byte {
	return append(header(t, 2), "{}"...)
}

// DecodeFrame parses a transfer-channel message. Chunk payloads alias b.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < frameHeaderSize {
		return Frame{}, ErrShortFrame
	}
	if string(b[:len(frameMagic)]) != frameMagic {
		return Frame{}, ErrInvalidMagic
	}
	f := Frame{Type: FrameType(b[len(frameMagic)])}
	body := b[frameHeaderSize:]

	switch f.Type {
	case FrameChunk:
		if len(body) < chunkHeaderSize {
			return Frame{}, ErrShortFrame
		}
		f.Chunk = Chunk{
			Sequence:    int(binary.BigEndian.Uint32(body[0:4])),
			TotalChunks: int(binary.BigEndian.Uint32(body[4:8])),
			Payload:     body[chunkHeaderSize:],
		}
	case FrameFileInfo:
		if err := json.Unmarshal(body, &f.FileInfo); err != nil {
			return Frame{}, fmt.Errorf("decode file info: %w", err)
		}
		if f.FileInfo.FileType == "" {
			f.FileInfo.FileType = DefaultFileType
		}
	case FrameError:
		var eb errorBody
		if err := json.Unmarshal(body, &eb); err != nil {
			return Frame{}, fmt.Errorf("decode error: %w", err)
		}
		f.Message = eb.Message
	case FrameStartTransfer, FrameTransferComplete, FrameCancel:
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownFrame, byte(f.Type))
	}
	return f, nil
}
