package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"time"
)

// FrameHeaderSize is the fixed header preceding every encoded region:
// int32 image size, four float32 region fields, int64 unix millis.
const FrameHeaderSize = 28

// MaxStreamChunk bounds one binary message on the desktop stream.
const MaxStreamChunk = 50_000

// maxFrameImage rejects corrupt headers before allocating.
const maxFrameImage = 64 << 20

// ErrCorruptFrame is returned when a header declares an impossible size.
var ErrCorruptFrame = errors.New("corrupt frame header")

// Frame is one encoded screen region decoded from the stream.
type Frame struct {
	Region    image.Rectangle
	Timestamp time.Time
	Image     []byte
}

// EncodeFrame builds the wire form of one encoded region.
func EncodeFrame(img []byte, region image.Rectangle, ts time.Time) []byte {
	buf := make([]byte, FrameHeaderSize+len(img))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(img)))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(float32(region.Min.X)))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(float32(region.Min.Y)))
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(float32(region.Dx())))
	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(float32(region.Dy())))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(ts.UnixMilli()))
	copy(buf[FrameHeaderSize:], img)
	return buf
}

// SplitChunks slices data into pieces of at most max bytes. The pieces
// alias data.
func SplitChunks(data []byte, max int) [][]byte {
	if max <= 0 || len(data) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+max-1)/max)
	for start := 0; start < len(data); start += max {
		end := start + max
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// FrameAssembler rebuilds frames from stream chunks. Chunks must be
// written in send order; the header's declared length is the only
// resynchronisation point.
type FrameAssembler struct {
	buf []byte
}

// Write appends one stream chunk.
func (a *FrameAssembler) Write(chunk []byte) {
	a.buf = append(a.buf, chunk...)
}

// Next returns the next complete frame, or false when more data is needed.
func (a *FrameAssembler) Next() (Frame, bool, error) {
	if len(a.buf) < FrameHeaderSize {
		return Frame{}, false, nil
	}
	size := int(binary.LittleEndian.Uint32(a.buf[0:4]))
	if size < 0 || size > maxFrameImage {
		a.buf = nil
		return Frame{}, false, fmt.Errorf("%w: image size %d", ErrCorruptFrame, size)
	}
	if len(a.buf) < FrameHeaderSize+size {
		return Frame{}, false, nil
	}

	x := math.Float32frombits(binary.LittleEndian.Uint32(a.buf[4:8]))
	y := math.Float32frombits(binary.LittleEndian.Uint32(a.buf[8:12]))
	w := math.Float32frombits(binary.LittleEndian.Uint32(a.buf[12:16]))
	h := math.Float32frombits(binary.LittleEndian.Uint32(a.buf[16:20]))
	ms := int64(binary.LittleEndian.Uint64(a.buf[20:28]))

	img := make([]byte, size)
	copy(img, a.buf[FrameHeaderSize:FrameHeaderSize+size])

	rest := len(a.buf) - FrameHeaderSize - size
	copy(a.buf, a.buf[FrameHeaderSize+size:])
	a.buf = a.buf[:rest]

	return Frame{
		Region:    image.Rect(int(x), int(y), int(x+w), int(y+h)),
		Timestamp: time.UnixMilli(ms),
		Image:     img,
	}, true, nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (a *FrameAssembler) Buffered() int { return len(a.buf) }
