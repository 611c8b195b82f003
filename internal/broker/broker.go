// Package broker matches a desktop's outbound byte stream to the viewer
// call that consumes it. Neither side calls the other: both meet at a
// signaler keyed by stream ID, whichever arrives first creating it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/metrics"
)

const (
	// DefaultReadyTimeout bounds how long a consumer waits for the producer.
	DefaultReadyTimeout = 30 * time.Second
	// DefaultMaxLifetime bounds how long a publisher stays attached.
	DefaultMaxLifetime = 8 * time.Hour
)

var (
	// ErrTimeout is returned when no stream is published in time.
	ErrTimeout = errors.New("request timed out")
	// ErrAlreadyPublished is returned when a stream ID is published twice.
	ErrAlreadyPublished = errors.New("stream already published")
	// ErrAlreadyConsumed is returned when a stream ID is consumed twice.
	ErrAlreadyConsumed = errors.New("stream already consumed")
)

// Stream is a finite, non-restartable sequence of byte chunks. Next
// returns io.EOF after the last chunk.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
}

// signaler is the rendezvous for one stream ID.
type signaler struct {
	streamID      string
	desktopConnID string
	stream        Stream
	published     bool
	consumed      bool

	ready     chan struct{}
	readyOnce sync.Once
	end       chan struct{}
	endOnce   sync.Once
}

func newSignaler(streamID string) *signaler {
	return &signaler{
		streamID: streamID,
		ready:    make(chan struct{}),
		end:      make(chan struct{}),
	}
}

func (s *signaler) signalReady() { s.readyOnce.Do(func() { close(s.ready) }) }
func (s *signaler) signalEnd()   { s.endOnce.Do(func() { close(s.end) }) }

// Options configures a Broker.
type Options struct {
	ReadyTimeout time.Duration
	MaxLifetime  time.Duration
	Logger       *zerolog.Logger
}

// Broker holds the live signalers.
type Broker struct {
	mu        sync.Mutex
	signalers map[string]*signaler
	opts      Options
	logger    zerolog.Logger
}

// New creates a Broker.
func New(opts Options) *Broker {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.MaxLifetime <= 0 {
		opts.MaxLifetime = DefaultMaxLifetime
	}
	logger := log.WithComponent("broker")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Broker{
		signalers: make(map[string]*signaler),
		opts:      opts,
		logger:    logger,
	}
}

func (b *Broker) getOrCreate(streamID string) *signaler {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.signalers[streamID]
	if !ok {
		s = newSignaler(streamID)
		b.signalers[streamID] = s
		metrics.ActiveStreams.Inc()
	}
	return s
}

func (b *Broker) remove(s *signaler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.signalers[s.streamID]; ok && cur == s {
		delete(b.signalers, s.streamID)
		metrics.ActiveStreams.Dec()
	}
}

// Publish attaches stream under streamID and blocks until the consumer
// finishes, ctx is done, or the maximum lifetime elapses.
func (b *Broker) Publish(ctx context.Context, streamID, desktopConnID string, stream Stream) error {
	s := b.getOrCreate(streamID)

	b.mu.Lock()
	if s.published {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyPublished, streamID)
	}
	s.published = true
	s.stream = stream
	s.desktopConnID = desktopConnID
	b.mu.Unlock()

	s.signalReady()
	b.logger.Debug().Str(log.FieldStreamID, streamID).Str(log.FieldConnectionID, desktopConnID).Msg("stream published")

	timer := time.NewTimer(b.opts.MaxLifetime)
	defer timer.Stop()

	select {
	case <-s.end:
		return nil
	case <-ctx.Done():
		b.abandon(s)
		return ctx.Err()
	case <-timer.C:
		b.logger.Warn().Str(log.FieldStreamID, streamID).Msg("stream reached maximum lifetime")
		b.abandon(s)
		return nil
	}
}

// abandon drops a signaler whose publisher left; a consumer still waiting
// for ready times out on its own.
func (b *Broker) abandon(s *signaler) {
	b.mu.Lock()
	consumed := s.consumed
	b.mu.Unlock()
	if !consumed {
		b.remove(s)
	}
}

// Consume waits for the stream published under streamID and hands it to
// fn. In every outcome the end signal is released and the entry removed.
func (b *Broker) Consume(ctx context.Context, streamID string, fn func(context.Context, Stream) error) error {
	s := b.getOrCreate(streamID)

	b.mu.Lock()
	if s.consumed {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConsumed, streamID)
	}
	s.consumed = true
	b.mu.Unlock()

	defer func() {
		s.signalEnd()
		b.remove(s)
	}()

	timer := time.NewTimer(b.opts.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		b.logger.Warn().Str(log.FieldStreamID, streamID).Msg("timed out waiting for desktop stream")
		return ErrTimeout
	}

	return fn(ctx, s.stream)
}

// Len returns the number of live signalers.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.signalers)
}
