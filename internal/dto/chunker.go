package dto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultMaxChunkSize bounds the payload bytes carried by one Wrapper.
const DefaultMaxChunkSize = 50_000

// DefaultPartialTTL is how long an incomplete message may wait for its
// remaining chunks before it is evicted.
const DefaultPartialTTL = 2 * time.Minute

// ErrChunkSize is returned for a non-positive chunk size.
var ErrChunkSize = errors.New("chunk size must be positive")

// Wrapper is the wire envelope for every control and data message.
// All chunks of one logical message share an InstanceID.
type Wrapper struct {
	Chunk        []byte `msgpack:"chunk"`
	DtoType      Type   `msgpack:"dto_type"`
	InstanceID   string `msgpack:"instance_id"`
	SequenceID   int    `msgpack:"sequence_id"`
	IsFirstChunk bool   `msgpack:"is_first_chunk"`
	IsLastChunk  bool   `msgpack:"is_last_chunk"`
	RequestID    string `msgpack:"request_id,omitempty"`
	ResponseID   string `msgpack:"response_id,omitempty"`
}

// Marshal encodes the wrapper into its relay byte form.
func (w Wrapper) Marshal() ([]byte, error) {
	return msgpack.Marshal(&w)
}

// UnmarshalWrapper decodes a wrapper from its relay byte form.
func UnmarshalWrapper(data []byte) (Wrapper, error) {
	var w Wrapper
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return Wrapper{}, fmt.Errorf("decode dto wrapper: %w", err)
	}
	return w, nil
}

// Chunk serializes payload and splits it into ordered wrappers of at most
// maxChunkSize bytes each. An empty encoding still yields one wrapper.
func Chunk(payload any, t Type, maxChunkSize int) ([]Wrapper, error) {
	if maxChunkSize <= 0 {
		return nil, ErrChunkSize
	}
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}

	instanceID := uuid.NewString()
	count := (len(data) + maxChunkSize - 1) / maxChunkSize
	if count == 0 {
		count = 1
	}

	wrappers := make([]Wrapper, 0, count)
	for seq := 0; seq < count; seq++ {
		start := seq * maxChunkSize
		end := start + maxChunkSize
		if end > len(data) {
			end = len(data)
		}
		wrappers = append(wrappers, Wrapper{
			Chunk:        data[start:end],
			DtoType:      t,
			InstanceID:   instanceID,
			SequenceID:   seq,
			IsFirstChunk: seq == 0,
			IsLastChunk:  seq == count-1,
		})
	}
	return wrappers, nil
}

// Message is a reassembled logical DTO awaiting typed decoding.
type Message struct {
	Type       Type
	Payload    []byte
	RequestID  string
	ResponseID string
}

// Decode unmarshals a reassembled payload into T.
func Decode[T any](m Message) (T, error) {
	var v T
	if err := msgpack.Unmarshal(m.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return v, nil
}

type partial struct {
	chunks  map[int]Wrapper // by SequenceID; a repeated chunk replaces the earlier copy
	lastSeq int             // -1 until the last chunk arrives
	updated time.Time
}

// Reassembler collects chunks per InstanceID until a message completes.
// Incomplete messages older than the TTL are dropped by Sweep.
type Reassembler struct {
	mu       sync.Mutex
	partials map[string]*partial
	ttl      time.Duration
	now      func() time.Time
}

// NewReassembler creates a Reassembler; ttl <= 0 selects DefaultPartialTTL.
func NewReassembler(ttl time.Duration) *Reassembler {
	if ttl <= 0 {
		ttl = DefaultPartialTTL
	}
	return &Reassembler{
		partials: make(map[string]*partial),
		ttl:      ttl,
		now:      time.Now,
	}
}

// TryComplete buffers w and, once every chunk up to the last one is
// present, returns the concatenated message and true.
func (r *Reassembler) TryComplete(w Wrapper) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w.SequenceID < 0 {
		return Message{}, false
	}
	p, ok := r.partials[w.InstanceID]
	if !ok {
		p = &partial{chunks: make(map[int]Wrapper), lastSeq: -1}
		r.partials[w.InstanceID] = p
	}
	p.chunks[w.SequenceID] = w
	p.updated = r.now()
	if w.IsLastChunk {
		p.lastSeq = w.SequenceID
	}

	if p.lastSeq < 0 {
		return Message{}, false
	}
	size := 0
	for seq := 0; seq <= p.lastSeq; seq++ {
		c, ok := p.chunks[seq]
		if !ok {
			return Message{}, false
		}
		size += len(c.Chunk)
	}

	delete(r.partials, w.InstanceID)

	payload := make([]byte, 0, size)
	msg := Message{Type: w.DtoType}
	for seq := 0; seq <= p.lastSeq; seq++ {
		c := p.chunks[seq]
		payload = append(payload, c.Chunk...)
		if c.RequestID != "" {
			msg.RequestID = c.RequestID
		}
		if c.ResponseID != "" {
			msg.ResponseID = c.ResponseID
		}
	}
	msg.Payload = payload
	return msg, true
}

// TryComplete is the typed form of Reassembler.TryComplete.
func TryComplete[T any](r *Reassembler, w Wrapper) (T, bool, error) {
	var zero T
	msg, ok := r.TryComplete(w)
	if !ok {
		return zero, false, nil
	}
	v, err := Decode[T](msg)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Pending returns the number of incomplete messages held.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partials)
}

// Sweep evicts incomplete messages that have not received a chunk within
// the TTL and returns how many were dropped.
func (r *Reassembler) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, p := range r.partials {
		if now.Sub(p.updated) > r.ttl {
			delete(r.partials, id)
			evicted++
		}
	}
	return evicted
}

// Run sweeps on every interval until ctx is done.
func (r *Reassembler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}
