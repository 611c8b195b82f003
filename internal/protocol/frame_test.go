package protocol

import (
	"bytes"
	"encoding/binary"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrame_HeaderLayout(t *testing.T) {
	ts := time.UnixMilli(1_700_000_123_456)
	img := []byte{1, 2, 3, 4, 5}
	wire := EncodeFrame(img, image.Rect(10, 20, 110, 70), ts)

	require.Len(t, wire, FrameHeaderSize+len(img))
	assert.EqualValues(t, len(img), binary.LittleEndian.Uint32(wire[0:4]))
	assert.EqualValues(t, ts.UnixMilli(), binary.LittleEndian.Uint64(wire[20:28]))
	assert.Equal(t, img, wire[FrameHeaderSize:])
}

func TestFrameAssembler_AcrossChunkBoundaries(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	regions := []image.Rectangle{
		image.Rect(0, 0, 1920, 1080),
		image.Rect(100, 200, 164, 264),
		image.Rect(5, 5, 6, 6),
	}
	var stream []byte
	for i, r := range regions {
		stream = append(stream, EncodeFrame(bytes.Repeat([]byte{byte(i + 1)}, 70_000*(i+1)), r, ts)...)
	}

	var a FrameAssembler
	var frames []Frame
	for _, chunk := range SplitChunks(stream, MaxStreamChunk) {
		require.LessOrEqual(t, len(chunk), MaxStreamChunk)
		a.Write(chunk)
		for {
			f, ok, err := a.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			frames = append(frames, f)
		}
	}

	require.Len(t, frames, len(regions))
	for i, f := range frames {
		assert.Equal(t, regions[i], f.Region)
		assert.Equal(t, ts.UnixMilli(), f.Timestamp.UnixMilli())
		assert.Len(t, f.Image, 70_000*(i+1))
		assert.Equal(t, byte(i+1), f.Image[0])
	}
	assert.Zero(t, a.Buffered())
}

func TestFrameAssembler_RejectsOversizedHeader(t *testing.T) {
	header := make([]byte, FrameHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], maxFrameImage+1)

	var a FrameAssembler
	a.Write(header)
	_, ok, err := a.Next()
	require.ErrorIs(t, err, ErrCorruptFrame)
	assert.False(t, ok)
	assert.Zero(t, a.Buffered())
}

func TestSplitChunks(t *testing.T) {
	assert.Nil(t, SplitChunks(nil, 10))
	assert.Nil(t, SplitChunks([]byte{1}, 0))

	chunks := SplitChunks(make([]byte, 25), 10)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 10)
	assert.Len(t, chunks[2], 5)
}
