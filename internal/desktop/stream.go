package desktop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avaropoint/remotecast/internal/flowbuf"
	"github.com/avaropoint/remotecast/internal/metrics"
	"github.com/avaropoint/remotecast/internal/pipeline"
	"github.com/avaropoint/remotecast/internal/protocol"
)

// StreamOptions bounds the buffer between the pipeline and the stream
// socket.
type StreamOptions struct {
	Capacity     int
	MaxBytes     int64
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// DefaultStreamOptions matches the relay's per-stream buffer.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		Capacity:     512,
		MaxBytes:     8 << 20,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  time.Second,
	}
}

type binaryWriter interface {
	WriteBinary(data []byte) error
}

// streamWriter decouples the pipeline from the socket: whole wire frames
// queue in a flow-controlled buffer and pump splits each into chunks on
// the way out, so a rejected frame never leaves a partial one behind.
type streamWriter struct {
	conn binaryWriter
	buf  *flowbuf.Buffer[[]byte]
}

func newStreamWriter(conn binaryWriter, opts StreamOptions) *streamWriter {
	def := DefaultStreamOptions()
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	return &streamWriter{
		conn: conn,
		buf: flowbuf.New(flowbuf.Options[[]byte]{
			Capacity:     opts.Capacity,
			MaxDataSize:  opts.MaxBytes,
			SizeOf:       func(b []byte) int { return len(b) },
			WriteTimeout: opts.WriteTimeout,
			ReadTimeout:  opts.ReadTimeout,
		}),
	}
}

func (w *streamWriter) WriteFrame(ctx context.Context, frame []byte) error {
	if err := w.buf.TryWrite(ctx, frame); err != nil {
		metrics.RecordFlowReject("desktop", flowbuf.Reason(err))
		return err
	}
	return nil
}

// pump forwards buffered frames to the socket until ctx ends or a write
// fails. A failure after the first chunk of a frame leaves the stream
// unusable and is reported as pipeline.ErrPartialFrame.
func (w *streamWriter) pump(ctx context.Context) error {
	for {
		frame, err := w.buf.TryRead(ctx)
		if errors.Is(err, flowbuf.ErrReadTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		for i, chunk := range protocol.SplitChunks(frame, protocol.MaxStreamChunk) {
			if err := w.conn.WriteBinary(chunk); err != nil {
				if i > 0 {
					return fmt.Errorf("write stream: %w: %w", pipeline.ErrPartialFrame, err)
				}
				return fmt.Errorf("write stream: %w", err)
			}
		}
	}
}
