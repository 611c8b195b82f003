// Package flowbuf provides a bounded ring buffer that decouples a fast
// producer from a slow consumer.
//
// A write is admitted only when all three limits hold: a free slot exists,
// the buffered byte total stays within MaxDataSize, and the oldest unread
// item is younger than MaxItemAge. Writers and readers poll until their
// condition holds or their timeout elapses.
//
// The buffer is single-writer, single-reader: concurrent writers serialise
// on the write slot, concurrent readers on the read mutex, and the two
// paths only meet through atomics. A writer's timeout also bounds its wait
// for the write slot.
package flowbuf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrBufferFull is returned when no ring slot frees up before the write timeout.
	ErrBufferFull = errors.New("buffer is full")
	// ErrMaxDataSize is returned when the byte budget stays exceeded until the write timeout.
	ErrMaxDataSize = errors.New("max data size exceeded")
	// ErrItemTooStale is returned when the oldest unread item stays older than MaxItemAge.
	ErrItemTooStale = errors.New("oldest item is too stale")
	// ErrWriteTimeout is returned when the write timeout passes while another
	// writer still holds the buffer, so no limit can be blamed.
	ErrWriteTimeout = errors.New("timed out writing to buffer")
	// ErrReadTimeout is returned when nothing becomes readable before the read timeout.
	ErrReadTimeout = errors.New("timed out waiting for data")
)

const defaultPollInterval = 2 * time.Millisecond

// Options configures a Buffer.
type Options[T any] struct {
	Capacity     int           // ring slots; must be > 0
	MaxDataSize  int64         // byte budget across buffered items; <= 0 disables
	SizeOf       func(T) int   // item size used against MaxDataSize
	WriteTimeout time.Duration // upper bound for TryWrite
	ReadTimeout  time.Duration // upper bound for TryRead
	MaxItemAge   time.Duration // oldest unread item age limit; <= 0 disables
	PollInterval time.Duration
	Now          func() time.Time
}

type slot[T any] struct {
	item    T
	created atomic.Int64 // unix nanos, 0 when empty
}

// Buffer is a bounded FIFO with blocking-with-timeout reads and writes.
type Buffer[T any] struct {
	opts  Options[T]
	slots []slot[T]

	readIdx  atomic.Int64
	writeIdx atomic.Int64
	count    atomic.Int64
	size     atomic.Int64

	readMu    sync.Mutex
	writeSlot chan struct{}
}

// New creates a Buffer. Capacity below one is raised to one.
func New[T any](opts Options[T]) *Buffer[T] {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	if opts.SizeOf == nil {
		opts.SizeOf = func(T) int { return 0 }
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Buffer[T]{
		opts:      opts,
		slots:     make([]slot[T], opts.Capacity),
		writeSlot: make(chan struct{}, 1),
	}
}

// TryWrite stores item once every admission limit is satisfied. On timeout
// it reports the limit that was still violated at the last check.
func (b *Buffer[T]) TryWrite(ctx context.Context, item T) error {
	deadline := time.NewTimer(b.opts.WriteTimeout)
	defer deadline.Stop()

	select {
	case b.writeSlot <- struct{}{}:
	default:
		select {
		case b.writeSlot <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrWriteTimeout
		}
	}
	defer func() { <-b.writeSlot }()

	itemSize := int64(b.opts.SizeOf(item))
	cause := b.admit(itemSize)
	if cause != nil {
		ticker := time.NewTicker(b.opts.PollInterval)
		defer ticker.Stop()

		for cause != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-deadline.C:
				return cause
			case <-ticker.C:
				cause = b.admit(itemSize)
			}
		}
	}

	idx := b.writeIdx.Load()
	s := &b.slots[idx]
	s.item = item
	s.created.Store(b.opts.Now().UnixNano())
	b.writeIdx.Store((idx + 1) % int64(len(b.slots)))
	b.size.Add(itemSize)
	b.count.Add(1)
	return nil
}

// admit returns nil when the item can be written now, otherwise the
// error naming the violated limit.
func (b *Buffer[T]) admit(itemSize int64) error {
	if b.count.Load() >= int64(len(b.slots)) {
		return ErrBufferFull
	}
	if b.opts.MaxDataSize > 0 && b.size.Load()+itemSize > b.opts.MaxDataSize {
		return ErrMaxDataSize
	}
	if b.opts.MaxItemAge > 0 && b.ReadLag() >= b.opts.MaxItemAge {
		return ErrItemTooStale
	}
	return nil
}

// TryRead returns the oldest item, waiting up to the read timeout for one
// to arrive.
func (b *Buffer[T]) TryRead(ctx context.Context) (T, error) {
	b.readMu.Lock()
	defer b.readMu.Unlock()

	var zero T
	if b.count.Load() == 0 {
		deadline := time.NewTimer(b.opts.ReadTimeout)
		defer deadline.Stop()
		ticker := time.NewTicker(b.opts.PollInterval)
		defer ticker.Stop()

		for b.count.Load() == 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-deadline.C:
				return zero, ErrReadTimeout
			case <-ticker.C:
			}
		}
	}

	idx := b.readIdx.Load()
	s := &b.slots[idx]
	item := s.item
	s.item = zero
	s.created.Store(0)
	b.readIdx.Store((idx + 1) % int64(len(b.slots)))
	b.size.Add(-int64(b.opts.SizeOf(item)))
	b.count.Add(-1)
	return item, nil
}

// ReadLag returns the age of the oldest unread item, or zero when empty.
func (b *Buffer[T]) ReadLag() time.Duration {
	if b.count.Load() == 0 {
		return 0
	}
	created := b.slots[b.readIdx.Load()].created.Load()
	if created == 0 {
		return 0
	}
	return b.opts.Now().Sub(time.Unix(0, created))
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int { return int(b.count.Load()) }

// Size returns the buffered byte total as measured by SizeOf.
func (b *Buffer[T]) Size() int64 { return b.size.Load() }

// Reason names a write error for metrics labels.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrBufferFull):
		return "full"
	case errors.Is(err, ErrMaxDataSize):
		return "max_size"
	case errors.Is(err, ErrItemTooStale):
		return "stale"
	case errors.Is(err, ErrWriteTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "other"
}
