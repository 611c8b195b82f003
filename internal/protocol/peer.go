package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrPeerClosed is returned by Invoke when the connection ends first.
var ErrPeerClosed = errors.New("peer closed")

// MessageConn is the transport a Peer runs over.
type MessageConn interface {
	WriteMessage(Message) error
	ReadMessage() (Message, error)
	Close() error
}

// Handler processes one inbound message. For invocations (non-empty ID)
// the returned value is sent back as the result payload.
type Handler func(ctx context.Context, msg Message) (any, error)

// Peer layers request/response correlation on top of a MessageConn.
// Events are handled in arrival order; invocations are handled on their
// own goroutine so a slow invocation never stalls the event stream.
type Peer struct {
	conn MessageConn

	mu      sync.Mutex
	pending map[string]chan Message

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// NewPeer creates a Peer over conn.
func NewPeer(conn MessageConn) *Peer {
	return &Peer{
		conn:    conn,
		pending: make(map[string]chan Message),
		done:    make(chan struct{}),
	}
}

// Send delivers a one-way event.
func (p *Peer) Send(event string, payload any) error {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return err
	}
	return p.conn.WriteMessage(msg)
}

// Invoke sends a request and waits for its result, decoding the result
// payload into out when out is non-nil.
func (p *Peer) Invoke(ctx context.Context, method string, payload, out any) error {
	msg, err := NewMessage(method, payload)
	if err != nil {
		return err
	}
	msg.ID = uuid.NewString()

	ch := make(chan Message, 1)
	p.mu.Lock()
	p.pending[msg.ID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, msg.ID)
		p.mu.Unlock()
	}()

	if err := p.conn.WriteMessage(msg); err != nil {
		return fmt.Errorf("invoke %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPeerClosed
	case reply := <-ch:
		if reply.Error != "" {
			return fmt.Errorf("invoke %s: %s", method, reply.Error)
		}
		if out == nil {
			return nil
		}
		return reply.Decode(out)
	}
}

// Serve reads messages until the connection fails or ctx is done. Errors
// returned by event handlers are ignored; handlers log their own failures.
// Serve cancels and then waits for in-flight invocation handlers before
// returning.
func (p *Peer) Serve(ctx context.Context, handler Handler) error {
	defer p.wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer p.shutdown()

	stop := context.AfterFunc(ctx, func() { _ = p.conn.Close() })
	defer stop()

	for {
		msg, err := p.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if msg.Type == TypeResult {
			p.resolve(msg)
			continue
		}

		if msg.ID == "" {
			_, _ = handler(ctx, msg)
			continue
		}

		p.wg.Add(1)
		go func(msg Message) {
			defer p.wg.Done()
			result, err := handler(ctx, msg)
			p.reply(msg.ID, result, err)
		}(msg)
	}
}

func (p *Peer) resolve(msg Message) {
	p.mu.Lock()
	ch, ok := p.pending[msg.ID]
	p.mu.Unlock()
	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (p *Peer) reply(id string, result any, handlerErr error) {
	msg := Message{Type: TypeResult, ID: id}
	if handlerErr != nil {
		msg.Error = handlerErr.Error()
	} else if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			msg.Error = err.Error()
		} else {
			msg.Payload = data
		}
	}
	_ = p.conn.WriteMessage(msg)
}

func (p *Peer) shutdown() {
	p.doneOnce.Do(func() { close(p.done) })
}

// Done is closed once Serve has stopped reading.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Close closes the underlying connection.
func (p *Peer) Close() error {
	return p.conn.Close()
}
