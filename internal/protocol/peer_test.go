package protocol

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// pipeConn is one end of an in-memory MessageConn pair.
type pipeConn struct {
	in     chan Message
	out    chan Message
	closed chan struct{}
	once   sync.Once
	peer   *pipeConn
}

func newPipe() (*pipeConn, *pipeConn) {
	ab := make(chan Message, 64)
	ba := make(chan Message, 64)
	a := &pipeConn{in: ba, out: ab, closed: make(chan struct{})}
	b := &pipeConn{in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeConn) WriteMessage(m Message) error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	case p.out <- m:
		return nil
	}
}

func (p *pipeConn) ReadMessage() (Message, error) {
	select {
	case <-p.closed:
		return Message{}, io.EOF
	case <-p.peer.closed:
		return Message{}, io.EOF
	case m := <-p.in:
		return m, nil
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestPeer_InvokeAndEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := newPipe()
	client := NewPeer(a)
	server := NewPeer(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan string, 8)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = server.Serve(ctx, func(_ context.Context, msg Message) (any, error) {
			switch msg.Type {
			case "Echo":
				var in StatusMessage
				if err := msg.Decode(&in); err != nil {
					return nil, err
				}
				return StatusMessage{Message: "echo:" + in.Message}, nil
			case "Fail":
				return nil, errors.New("boom")
			default:
				events <- msg.Type
				return nil, nil
			}
		})
	}()
	go func() {
		defer wg.Done()
		_ = client.Serve(ctx, func(context.Context, Message) (any, error) { return nil, nil })
	}()

	var out StatusMessage
	require.NoError(t, client.Invoke(ctx, "Echo", StatusMessage{Message: "hi"}, &out))
	assert.Equal(t, "echo:hi", out.Message)

	err := client.Invoke(ctx, "Fail", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	require.NoError(t, client.Send("First", nil))
	require.NoError(t, client.Send("Second", nil))
	assert.Equal(t, "First", <-events)
	assert.Equal(t, "Second", <-events)

	cancel()
	wg.Wait()
}

func TestPeer_InvokeTimesOut(t *testing.T) {
	a, b := newPipe()
	client := NewPeer(a)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := client.Invoke(ctx, "Nobody", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPeer_InvokeFailsWhenPeerCloses(t *testing.T) {
	a, b := newPipe()
	client := NewPeer(a)

	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = client.Serve(context.Background(), func(context.Context, Message) (any, error) { return nil, nil })
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- client.Invoke(context.Background(), "Slow", nil, nil) }()

	time.Sleep(10 * time.Millisecond)
	_ = b.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrPeerClosed)
	case <-time.After(time.Second):
		t.Fatal("invoke did not fail after peer closed")
	}
	<-served
}
