package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/sheerbytes/sharelink/internal/bufpool"
	"github.com/sheerbytes/sharelink/pkg/protocol"
)

const (
	// DefaultChunkInterval is the minimum spacing between chunk sends.
	DefaultChunkInterval = 10 * time.Millisecond
	// DefaultHighWaterMark pauses sending while the channel buffers more than this.
	DefaultHighWaterMark = 4 * 1024 * 1024

	drainPoll = 5 * time.Millisecond
)

// ErrReadFailed indicates the local file could not be read. It is not retried.
var ErrReadFailed = errors.New("read failed")

// SendOptions tunes SendFile.
type SendOptions struct {
	// Interval between chunks. Defaults to DefaultChunkInterval; negative disables pacing.
	Interval time.Duration
	// HighWaterMark for channels implementing BufferedAmounter. Defaults to DefaultHighWaterMark.
	HighWaterMark uint64
	// OnChunk is called after each chunk is handed to the channel.
	OnChunk func(sequence int, bytesSent int64)
	Logger  *slog.Logger
}

// SendResult summarizes a SendFile call.
type SendResult struct {
	ChunksSent int
	BytesSent  int64
	// Completed is true when transfer-complete was sent after the last chunk.
	Completed bool
}

// SendFile streams src as info.TotalChunks chunk frames over ch followed by a
// transfer-complete frame. If the channel closes mid-transfer the loop stops
// and SendFile returns without error; a local read error closes the channel.
func SendFile(ctx context.Context, ch Channel, src io.ReaderAt, info protocol.FileInfo, opts SendOptions) (SendResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval == 0 {
		interval = DefaultChunkInterval
	}
	highWater := opts.HighWaterMark
	if highWater == 0 {
		highWater = DefaultHighWaterMark
	}

	var limiter *rate.Limiter
	if interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	chunkSize := info.EffectiveChunkSize()
	pool := bufpool.ForSize(chunkSize)
	buf := pool.Get()
	defer pool.Put(buf)

	var res SendResult
	for i := 0; i < info.TotalChunks; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return res, err
			}
		}
		if err := waitDrained(ctx, ch, highWater); err != nil {
			return res, err
		}

		start, end := ChunkBounds(i, info.Size, chunkSize)
		n := int(end - start)
		read, err := src.ReadAt(buf[:n], start)
		if read < n || (err != nil && !errors.Is(err, io.EOF)) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			logger.Error("chunk read failed", "sequence", i, "error", err)
			ch.Close()
			return res, fmt.Errorf("%w: chunk %d: %v", ErrReadFailed, i, err)
		}

		if !ch.IsOpen() {
			logger.Info("channel closed, stopping transfer", "sent", res.ChunksSent, "total", info.TotalChunks)
			return res, nil
		}
		if err := ch.Send(protocol.EncodeChunk(i, info.TotalChunks, buf[:n])); err != nil {
			if !ch.IsOpen() || errors.Is(err, ErrChannelClosed) {
				logger.Info("channel closed during send", "sequence", i)
				return res, nil
			}
			return res, fmt.Errorf("send chunk %d: %w", i, err)
		}
		res.ChunksSent++
		res.BytesSent += int64(n)
		if opts.OnChunk != nil {
			opts.OnChunk(i, res.BytesSent)
		}
	}

	if !ch.IsOpen() {
		return res, nil
	}
	if err := ch.Send(protocol.EncodeControl(protocol.FrameTransferComplete)); err != nil {
		if !ch.IsOpen() {
			return res, nil
		}
		return res, fmt.Errorf("send transfer-complete: %w", err)
	}
	res.Completed = true
	return res, nil
}

// waitDrained blocks while the channel reports more than highWater bytes queued.
func waitDrained(ctx context.Context, ch Channel, highWater uint64) error {
	ba, ok := ch.(BufferedAmounter)
	if !ok {
		return nil
	}
	for ba.BufferedAmount() > highWater && ch.IsOpen() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPoll):
		}
	}
	return nil
}
