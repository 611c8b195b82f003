// Package viewer is a headless viewer: it asks the relay for a screen
// cast, composites the frames it receives and acknowledges every one so
// the desktop can pace itself.
package viewer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/avaropoint/remotecast/internal/dto"
	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/protocol"
)

const (
	connectTimeout  = 10 * time.Second
	reconnectDelay  = time.Second
	maxRetryDelay   = 30 * time.Second
	reassemblySweep = 30 * time.Second
)

var (
	// ErrCastRejected is returned by Run when the relay refuses the cast
	// request, e.g. for an unknown session or a denied prompt.
	ErrCastRejected = errors.New("screen cast rejected")
	// ErrSessionEnded is returned by Run when the host goes away for good
	// or removes this viewer.
	ErrSessionEnded = errors.New("session ended")
	// errStreamLost ends a hub connection whose desktop stream broke so
	// the cast is requested again on a fresh connection.
	errStreamLost = errors.New("desktop stream lost")
)

// Options configures a Client.
type Options struct {
	ServerURL     string
	TLS           *tls.Config
	SessionID     string
	AccessKey     string
	RequesterName string

	// SnapshotPath enables periodic PNG snapshots of the remote screen.
	SnapshotPath  string
	SnapshotEvery time.Duration

	// OnFrame is called after every frame region is drawn.
	OnFrame func(protocol.Frame)

	Logger *zerolog.Logger
}

// Stats summarises what the viewer has seen.
type Stats struct {
	Frames  int
	Screen  dto.ScreenData
	Metrics dto.SessionMetrics
}

// Client keeps one viewer attached to a session.
type Client struct {
	opts        Options
	canvas      *Canvas
	reassembler *dto.Reassembler
	logger      zerolog.Logger

	mu      sync.Mutex
	peer    *protocol.Peer
	screen  dto.ScreenData
	metrics dto.SessionMetrics
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	if opts.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	c := &Client{
		opts:        opts,
		canvas:      NewCanvas(),
		reassembler: dto.NewReassembler(0),
	}
	if opts.Logger != nil {
		c.logger = *opts.Logger
	} else {
		c.logger = log.WithComponent("viewer")
	}
	c.logger = c.logger.With().Str(log.FieldSessionID, opts.SessionID).Logger()
	return c, nil
}

// Canvas returns the composited remote screen.
func (c *Client) Canvas() *Canvas { return c.canvas }

// Stats returns a snapshot of what has been received so far.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Frames: c.canvas.Frames(), Screen: c.screen, Metrics: c.metrics}
}

// Run watches the session until ctx ends, the cast is rejected or the
// session ends. Lost relay connections are retried with backoff.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		c.reassembler.Run(runCtx, reassemblySweep)
		return nil
	})
	if c.opts.SnapshotPath != "" && c.opts.SnapshotEvery > 0 {
		g.Go(func() error {
			runSnapshots(runCtx, c.canvas, c.opts.SnapshotPath, c.opts.SnapshotEvery, c.logger)
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return c.loop(runCtx)
	})
	return g.Wait()
}

func (c *Client) loop(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectDelay
	b.MaxInterval = maxRetryDelay

	for {
		conn, err := backoff.Retry(ctx, func() (*protocol.Conn, error) {
			return protocol.Dial(ctx, c.opts.ServerURL, protocol.PathViewerHub, nil, c.opts.TLS)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logger.Warn().Err(err).Dur("retry_in", next).Msg("relay unreachable")
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = c.session(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrCastRejected) || errors.Is(err, ErrSessionEnded) {
			return err
		}
		c.logger.Warn().Err(err).Msg("relay connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// session serves one hub connection: it requests the cast, consumes the
// stream and returns when the connection or the session ends.
func (c *Client) session(ctx context.Context, conn *protocol.Conn) error {
	var streams sync.WaitGroup
	defer streams.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	peer := protocol.NewPeer(conn)
	s := &hubSession{
		client:    c,
		peer:      peer,
		connected: make(chan string, 1),
		ended:     make(chan error, 1),
		streams:   &streams,
	}
	served := make(chan error, 1)
	go func() { served <- peer.Serve(ctx, s.handle) }()

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case <-s.connected:
	case err := <-served:
		return err
	case <-timer.C:
		cancel()
		<-served
		return errors.New("relay did not assign a connection id")
	}

	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.peer = nil
		c.mu.Unlock()
	}()

	if err := s.requestCast(ctx); err != nil {
		cancel()
		<-served
		return err
	}

	select {
	case err := <-served:
		return err
	case err := <-s.ended:
		cancel()
		<-served
		return err
	}
}

// Send delivers a DTO to the desktop, e.g. input events.
func (c *Client) Send(t dto.Type, payload any) error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return protocol.ErrPeerClosed
	}
	return sendDto(peer, t, payload)
}

func sendDto(peer *protocol.Peer, t dto.Type, payload any) error {
	wrappers, err := dto.Chunk(payload, t, dto.DefaultMaxChunkSize)
	if err != nil {
		return err
	}
	for _, w := range wrappers {
		data, err := w.Marshal()
		if err != nil {
			return err
		}
		if err := peer.Send(protocol.MethodSendDtoToClient, protocol.DtoToClient{Dto: data}); err != nil {
			return err
		}
	}
	return nil
}

// hubSession is the state of one hub connection.
type hubSession struct {
	client    *Client
	peer      *protocol.Peer
	connID    string
	connected chan string
	ended     chan error
	streams   *sync.WaitGroup
}

func (s *hubSession) end(err error) {
	select {
	case s.ended <- err:
	default:
	}
}

func (s *hubSession) requestCast(ctx context.Context) error {
	c := s.client
	var res protocol.Result
	err := s.peer.Invoke(ctx, protocol.MethodSendScreenCastRequestToDevice, protocol.ScreenCastRequest{
		SessionID:     c.opts.SessionID,
		AccessKey:     c.opts.AccessKey,
		RequesterName: c.opts.RequesterName,
	}, &res)
	if err != nil {
		return fmt.Errorf("request screen cast: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrCastRejected, res.Reason)
	}
	c.logger.Info().Str(log.FieldConnectionID, s.connID).Msg("screen cast accepted")

	s.streams.Add(1)
	go func() {
		defer s.streams.Done()
		s.streamEnded(ctx, s.consume(ctx))
	}()
	return nil
}

// streamEnded handles the end of a desktop stream. A clean close leaves
// the hub to say what happened next (relaunch, removal or host gone); a
// broken stream cannot resume mid-frame, so the hub connection is
// recycled.
func (s *hubSession) streamEnded(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		s.client.logger.Info().Msg("desktop stream closed")
		return
	}
	s.client.logger.Warn().Err(err).Msg("desktop stream broken, requesting the cast again")
	s.end(fmt.Errorf("%w: %w", errStreamLost, err))
}

// consume reads the desktop stream, draws each frame and acknowledges it.
func (s *hubSession) consume(ctx context.Context) error {
	c := s.client
	conn, err := protocol.Dial(ctx, c.opts.ServerURL, protocol.PathViewerStream, url.Values{
		protocol.QueryConnectionID: {s.connID},
	}, c.opts.TLS)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	var assembler protocol.FrameAssembler
	for {
		chunk, err := conn.ReadBinary()
		if err != nil {
			if protocol.IsNormalClose(err) {
				return nil
			}
			return err
		}
		assembler.Write(chunk)
		for {
			frame, ok, err := assembler.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if err := sendDto(s.peer, dto.TypeFrameReceived, dto.FrameReceived{Timestamp: frame.Timestamp.UnixMilli()}); err != nil {
				return fmt.Errorf("acknowledge frame: %w", err)
			}
			if err := c.canvas.Apply(frame); err != nil {
				c.logger.Debug().Err(err).Msg("dropping undecodable frame")
				continue
			}
			if c.opts.OnFrame != nil {
				c.opts.OnFrame(frame)
			}
		}
	}
}

func (s *hubSession) handle(ctx context.Context, msg protocol.Message) (any, error) {
	c := s.client
	switch msg.Type {
	case protocol.EventConnected:
		var p protocol.ConnectedPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		s.connID = p.ConnectionID
		select {
		case s.connected <- p.ConnectionID:
		default:
		}

	case protocol.EventReceiveDto:
		var p protocol.DtoToViewer
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		c.receiveDto(p.Dto)

	case protocol.EventRelaunchedScreenCasterReady:
		c.logger.Info().Msg("desktop relaunched, requesting the cast again")
		s.streams.Add(1)
		go func() {
			defer s.streams.Done()
			if err := s.requestCast(ctx); err != nil && ctx.Err() == nil {
				s.end(err)
			}
		}()

	case protocol.EventScreenCasterDisconnected, protocol.EventViewerRemoved:
		var p protocol.StatusMessage
		_ = msg.Decode(&p)
		c.logger.Info().Str("status", p.Message).Msg("session over")
		s.end(fmt.Errorf("%w: %s", ErrSessionEnded, p.Message))

	case protocol.EventUnattendedSessionReady:
		c.logger.Info().Msg("unattended session is ready")

	case protocol.EventShowMessage, protocol.EventConnectionFailed, protocol.EventConnectionRequestDenied,
		protocol.EventUnauthorized, protocol.EventSessionIDNotFound:
		var p protocol.StatusMessage
		_ = msg.Decode(&p)
		c.logger.Info().Str(log.FieldEvent, msg.Type).Str("status", p.Message).Msg("relay status")

	default:
		c.logger.Debug().Str("type", msg.Type).Msg("unhandled hub message")
	}
	return nil, nil
}

func (c *Client) receiveDto(data []byte) {
	w, err := dto.UnmarshalWrapper(data)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping malformed dto")
		return
	}
	msg, ok := c.reassembler.TryComplete(w)
	if !ok {
		return
	}

	switch msg.Type {
	case dto.TypeScreenData:
		sd, err := dto.Decode[dto.ScreenData](msg)
		if err != nil {
			c.logger.Debug().Err(err).Msg("bad screen data")
			return
		}
		c.mu.Lock()
		c.screen = sd
		c.mu.Unlock()
		c.canvas.Resize(sd.ScreenWidth, sd.ScreenHeight)
		c.logger.Info().Str("machine", sd.MachineName).Int("width", sd.ScreenWidth).Int("height", sd.ScreenHeight).Msg("screen data")
	case dto.TypeScreenSize:
		size, err := dto.Decode[dto.ScreenSize](msg)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.screen.ScreenWidth, c.screen.ScreenHeight = size.Width, size.Height
		c.mu.Unlock()
		c.canvas.Resize(size.Width, size.Height)
	case dto.TypeSessionMetrics:
		m, err := dto.Decode[dto.SessionMetrics](msg)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.metrics = m
		c.mu.Unlock()
		c.logger.Debug().Float64("mbps", m.Mbps).Int("fps", m.FPS).Int("quality", m.ImageQuality).Msg("session metrics")
	case dto.TypeShowMessage:
		m, err := dto.Decode[dto.ShowMessage](msg)
		if err == nil {
			c.logger.Info().Str("message", m.Message).Msg("desktop message")
		}
	default:
		c.logger.Debug().Stringer("dto", msg.Type).Msg("unhandled dto")
	}
}
