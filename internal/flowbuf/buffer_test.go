package flowbuf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newByteBuffer(capacity int, maxData int64) *Buffer[[]byte] {
	return New(Options[[]byte]{
		Capacity:     capacity,
		MaxDataSize:  maxData,
		SizeOf:       func(b []byte) int { return len(b) },
		WriteTimeout: 50 * time.Millisecond,
		ReadTimeout:  50 * time.Millisecond,
	})
}

func TestTryWrite_FillsCapacityThenReportsFull(t *testing.T) {
	ctx := context.Background()
	buf := newByteBuffer(4, 0)

	for i := 0; i < 4; i++ {
		require.NoError(t, buf.TryWrite(ctx, []byte{byte(i)}))
	}
	assert.Equal(t, 4, buf.Len())

	err := buf.TryWrite(ctx, []byte{9})
	require.ErrorIs(t, err, ErrBufferFull)
}

func TestTryRead_ReturnsItemsInOrder(t *testing.T) {
	ctx := context.Background()
	buf := newByteBuffer(3, 0)

	// Wrap the ring twice to exercise the modulo cursors.
	for round := 0; round < 2; round++ {
		for i := 0; i < 3; i++ {
			require.NoError(t, buf.TryWrite(ctx, []byte{byte(round*10 + i)}))
		}
		for i := 0; i < 3; i++ {
			got, err := buf.TryRead(ctx)
			require.NoError(t, err)
			assert.Equal(t, []byte{byte(round*10 + i)}, got)
		}
	}
	assert.Zero(t, buf.Len())
	assert.Zero(t, buf.Size())
}

func TestTryRead_TimesOutWhenEmpty(t *testing.T) {
	buf := newByteBuffer(2, 0)

	start := time.Now()
	_, err := buf.TryRead(context.Background())
	require.ErrorIs(t, err, ErrReadTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestTryWrite_ByteBudgetBlocksUntilRead(t *testing.T) {
	ctx := context.Background()
	buf := New(Options[[]byte]{
		Capacity:     8,
		MaxDataSize:  10,
		SizeOf:       func(b []byte) int { return len(b) },
		WriteTimeout: time.Second,
		ReadTimeout:  time.Second,
	})

	require.NoError(t, buf.TryWrite(ctx, make([]byte, 6)))
	require.NoError(t, buf.TryWrite(ctx, make([]byte, 4)))
	assert.EqualValues(t, 10, buf.Size())

	done := make(chan error, 1)
	go func() { done <- buf.TryWrite(ctx, make([]byte, 5)) }()

	select {
	case err := <-done:
		t.Fatalf("write admitted over budget: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	got, err := buf.TryRead(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 6)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write not admitted after read freed budget")
	}
	assert.EqualValues(t, 9, buf.Size())
}

func TestTryWrite_ByteBudgetTimesOut(t *testing.T) {
	ctx := context.Background()
	buf := newByteBuffer(8, 10)

	require.NoError(t, buf.TryWrite(ctx, make([]byte, 8)))
	err := buf.TryWrite(ctx, make([]byte, 3))
	require.ErrorIs(t, err, ErrMaxDataSize)
}

func TestTryWrite_StaleOldestItem(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	buf := New(Options[int]{
		Capacity:     4,
		WriteTimeout: 30 * time.Millisecond,
		ReadTimeout:  30 * time.Millisecond,
		MaxItemAge:   time.Second,
		Now:          clock,
	})

	require.NoError(t, buf.TryWrite(ctx, 1))

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	assert.Equal(t, 2*time.Second, buf.ReadLag())
	require.ErrorIs(t, buf.TryWrite(ctx, 2), ErrItemTooStale)

	_, err := buf.TryRead(ctx)
	require.NoError(t, err)
	assert.Zero(t, buf.ReadLag())
	require.NoError(t, buf.TryWrite(ctx, 3))
}

func TestTryWrite_HonoursContext(t *testing.T) {
	buf := New(Options[int]{Capacity: 1, WriteTimeout: time.Minute})
	require.NoError(t, buf.TryWrite(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, buf.TryWrite(ctx, 2), context.Canceled)
}

func TestBuffer_ConcurrentProducerConsumer(t *testing.T) {
	ctx := context.Background()
	buf := New(Options[int]{
		Capacity:     16,
		WriteTimeout: time.Second,
		ReadTimeout:  time.Second,
	})

	const n = 2000
	go func() {
		for i := 0; i < n; i++ {
			if err := buf.TryWrite(ctx, i); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		got, err := buf.TryRead(ctx)
		require.NoError(t, err)
		require.Equal(t, i, got)
	}
}

func TestTryWrite_TimesOutWaitingForWriter(t *testing.T) {
	buf := newByteBuffer(4, 0)
	buf.writeSlot <- struct{}{}

	start := time.Now()
	err := buf.TryWrite(context.Background(), []byte("late"))
	require.ErrorIs(t, err, ErrWriteTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, "timeout", Reason(err))
	assert.Zero(t, buf.Len())

	<-buf.writeSlot
	require.NoError(t, buf.TryWrite(context.Background(), []byte("now")))
	assert.Equal(t, 1, buf.Len())
}

func TestTryWrite_CancelledWhileWaitingForWriter(t *testing.T) {
	buf := newByteBuffer(4, 0)
	buf.writeSlot <- struct{}{}
	defer func() { <-buf.writeSlot }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, buf.TryWrite(ctx, []byte("x")), context.Canceled)
}

func TestReason(t *testing.T) {
	tests := map[error]string{
		ErrBufferFull:             "full",
		ErrMaxDataSize:            "max_size",
		ErrItemTooStale:           "stale",
		ErrWriteTimeout:           "timeout",
		context.Canceled:          "cancelled",
		errors.New("socket gone"): "other",
	}
	for err, want := range tests {
		assert.Equal(t, want, Reason(fmt.Errorf("write: %w", err)))
	}
}
