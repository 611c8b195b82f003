// Package desktop is the desktop side of a remote control session: it
// registers with the relay, answers consent prompts and runs the
// streaming pipeline for every viewer the relay routes to it.
package desktop

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

	"github.com/avaropoint/remotecast/internal/capture"
	"github.com/avaropoint/remotecast/internal/dto"
	"github.com/avaropoint/remotecast/internal/input"
	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/pipeline"
	"github.com/avaropoint/remotecast/internal/protocol"
	"github.com/avaropoint/remotecast/internal/telemetry"
)

const (
	connectTimeout  = 10 * time.Second
	reconnectDelay  = time.Second
	maxRetryDelay   = 30 * time.Second
	reassemblySweep = 30 * time.Second
)

// ErrRegistrationRejected is returned by Run when the relay refuses the
// desktop's unattended identity. Retrying cannot succeed.
var ErrRegistrationRejected = errors.New("registration rejected")

// Options configures a Client.
type Options struct {
	ServerURL string
	TLS       *tls.Config

	Unattended       bool
	Identity         Identity // required when Unattended
	MachineName      string
	RequesterName    string
	OrganizationName string

	Consent      ConsentPrompter
	NewCapture   func() capture.Adapter
	Injector     input.Injector
	Reporter     telemetry.Reporter
	HostSessions pipeline.HostSessionsFunc
	Stream       StreamOptions

	// ExitOnLastViewer stops Run once the last viewer of an unattended
	// session leaves.
	ExitOnLastViewer bool
	// OnSessionID is called with the code of every attended session.
	OnSessionID func(code string)

	Logger *zerolog.Logger
}

// Client keeps one desktop connected to the relay.
type Client struct {
	opts        Options
	caster      *pipeline.ScreenCaster
	viewers     *pipeline.ViewerSet
	dispatcher  *pipeline.Dispatcher
	reassembler *dto.Reassembler
	logger      zerolog.Logger

	mu         sync.Mutex
	peer       *protocol.Peer
	connID     string
	sessionID  string
	relaunched []string
	stop       context.CancelFunc

	casts sync.WaitGroup
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	if opts.Unattended && (opts.Identity.SessionID == "" || opts.Identity.AccessKey == "") {
		return nil, errors.New("unattended mode needs a session id and access key")
	}

	c := &Client{opts: opts, reassembler: dto.NewReassembler(0)}
	if opts.Logger != nil {
		c.logger = *opts.Logger
	} else {
		c.logger = log.WithComponent("desktop")
	}
	if c.opts.Consent == nil {
		c.opts.Consent = AutoConsent{Logger: c.logger}
	}
	if c.opts.NewCapture == nil {
		c.opts.NewCapture = func() capture.Adapter { return capture.New(capture.Options{Logger: &c.logger}) }
	}

	c.viewers = pipeline.NewViewerSet()
	c.caster = pipeline.NewScreenCaster(pipeline.Options{
		Viewers:      c.viewers,
		Reporter:     opts.Reporter,
		Shutdown:     pipeline.ShutdownFunc(c.lastViewerLeft),
		HostSessions: opts.HostSessions,
		MachineName:  opts.MachineName,
		Logger:       &c.logger,
	})
	c.dispatcher = pipeline.NewDispatcher(c.viewers, opts.Injector, &c.logger)
	return c, nil
}

// SessionID returns the session this desktop is registered under.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Viewers returns the viewers currently being cast to.
func (c *Client) Viewers() *pipeline.ViewerSet { return c.viewers }

// Run connects, registers and serves the relay, reconnecting with
// exponential backoff until ctx ends or registration is rejected.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	c.mu.Lock()
	c.stop = cancel
	c.mu.Unlock()

	g.Go(func() error {
		c.reassembler.Run(runCtx, reassemblySweep)
		return nil
	})
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
			return protocol.Dial(ctx, c.opts.ServerURL, protocol.PathDesktopHub, nil, c.opts.TLS)
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
		if errors.Is(err, ErrRegistrationRejected) {
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

// session serves one hub connection and returns when it ends.
func (c *Client) session(ctx context.Context, conn *protocol.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	peer := protocol.NewPeer(conn)
	connected := make(chan string, 1)
	served := make(chan error, 1)
	go func() { served <- peer.Serve(ctx, c.handler(peer, connected)) }()

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	var connID string
	select {
	case connID = <-connected:
	case err := <-served:
		return err
	case <-timer.C:
		cancel()
		<-served
		return errors.New("relay did not assign a connection id")
	}

	c.mu.Lock()
	c.peer = peer
	c.connID = connID
	c.mu.Unlock()
	logger := c.logger.With().Str(log.FieldConnectionID, connID).Logger()
	logger.Info().Msg("connected to relay")

	if err := c.register(ctx, peer, logger); err != nil {
		cancel()
		<-served
		return err
	}

	err := <-served
	c.endSession()
	return err
}

func (c *Client) register(ctx context.Context, peer *protocol.Peer, logger zerolog.Logger) error {
	if !c.opts.Unattended {
		var res protocol.SessionIDResult
		if err := peer.Invoke(ctx, protocol.MethodGetSessionID, nil, &res); err != nil {
			return fmt.Errorf("get session id: %w", err)
		}
		if !res.Success {
			return fmt.Errorf("get session id: %s", res.Reason)
		}
		c.mu.Lock()
		c.sessionID = res.SessionID
		c.mu.Unlock()
		logger.Info().Str(log.FieldSessionID, res.SessionID).Msg("attended session ready")
		if c.opts.OnSessionID != nil {
			c.opts.OnSessionID(res.SessionID)
		}
		return nil
	}

	id := c.opts.Identity
	var res protocol.Result
	if err := peer.Invoke(ctx, protocol.MethodReceiveUnattendedSessionInfo, protocol.UnattendedSessionInfo{
		SessionID:        id.SessionID,
		AccessKey:        id.AccessKey,
		MachineName:      c.opts.MachineName,
		RequesterName:    c.opts.RequesterName,
		OrganizationName: c.opts.OrganizationName,
	}, &res); err != nil {
		return fmt.Errorf("register unattended session: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrRegistrationRejected, res.Reason)
	}
	c.mu.Lock()
	c.sessionID = id.SessionID
	relaunched := c.relaunched
	c.relaunched = nil
	c.mu.Unlock()
	logger = logger.With().Str(log.FieldSessionID, id.SessionID).Logger()

	if len(relaunched) > 0 {
		res = protocol.Result{}
		err := peer.Invoke(ctx, protocol.MethodNotifyViewersRelaunchedScreenCasterReady, protocol.ViewerIDs{ViewerIDs: relaunched}, &res)
		if err != nil || !res.Success {
			logger.Warn().Err(err).Str("reason", res.Reason).Msg("could not tell viewers about the relaunch")
		}
	} else {
		res = protocol.Result{}
		err := peer.Invoke(ctx, protocol.MethodNotifyRequesterUnattendedReady, nil, &res)
		if err != nil {
			logger.Warn().Err(err).Msg("could not announce unattended session")
		}
	}
	logger.Info().Int("relaunched_viewers", len(relaunched)).Msg("unattended session ready")
	return nil
}

// endSession stops every cast of the ended connection. An unattended
// desktop remembers its viewers so they can be told once it is back.
func (c *Client) endSession() {
	ids := c.viewers.IDs()
	c.mu.Lock()
	if c.opts.Unattended && len(ids) > 0 {
		c.relaunched = ids
	}
	c.peer = nil
	c.connID = ""
	c.mu.Unlock()

	c.viewers.DisconnectAll()
	c.casts.Wait()
}

func (c *Client) handler(peer *protocol.Peer, connected chan<- string) protocol.Handler {
	return func(ctx context.Context, msg protocol.Message) (any, error) {
		switch msg.Type {
		case protocol.EventConnected:
			var p protocol.ConnectedPayload
			if err := msg.Decode(&p); err != nil {
				return nil, err
			}
			select {
			case connected <- p.ConnectionID:
			default:
			}

		case protocol.EventPromptForAccess:
			var p protocol.AccessPrompt
			if err := msg.Decode(&p); err != nil {
				return nil, err
			}
			return protocol.AccessDecision{Allowed: c.opts.Consent.Prompt(ctx, p)}, nil

		case protocol.EventRequestScreenCast:
			var start protocol.StartCast
			if err := msg.Decode(&start); err != nil {
				c.logger.Warn().Err(err).Msg("bad screen cast request")
				return nil, err
			}
			c.casts.Add(1)
			go func() {
				defer c.casts.Done()
				c.cast(ctx, peer, start)
			}()

		case protocol.EventReceiveDto:
			var p protocol.DtoToClient
			if err := msg.Decode(&p); err != nil {
				return nil, err
			}
			c.receiveDto(p.ViewerID, p.Dto)

		case protocol.EventViewerDisconnected:
			var p protocol.ViewerEvent
			if err := msg.Decode(&p); err != nil {
				return nil, err
			}
			c.viewers.Disconnect(p.ViewerID)

		case protocol.MethodChangeWindowsSession:
			var p protocol.WindowsSessionChange
			if err := msg.Decode(&p); err != nil {
				return nil, err
			}
			c.logger.Info().Str("target", p.TargetSessionID).Msg("session switch requested")
			control := &hubControl{peer: peer}
			if err := control.SendDto(ctx, p.ViewerID, dto.TypeShowMessage, dto.ShowMessage{
				Message: "Switching host sessions is not supported on this desktop",
			}); err != nil {
				c.logger.Debug().Err(err).Msg("could not answer session switch")
			}

		case protocol.MethodInvokeCtrlAltDel:
			var p protocol.ViewerEvent
			if err := msg.Decode(&p); err != nil {
				return nil, err
			}
			if err := c.dispatcher.Dispatch(p.ViewerID, dto.Message{Type: dto.TypeCtrlAltDel}); err != nil {
				c.logger.Warn().Err(err).Msg("ctrl-alt-del failed")
			}

		default:
			c.logger.Debug().Str("type", msg.Type).Msg("unhandled hub message")
		}
		return nil, nil
	}
}

func (c *Client) receiveDto(viewerID string, data []byte) {
	w, err := dto.UnmarshalWrapper(data)
	if err != nil {
		c.logger.Debug().Err(err).Str(log.FieldViewerID, viewerID).Msg("dropping malformed dto")
		return
	}
	msg, ok := c.reassembler.TryComplete(w)
	if !ok {
		return
	}
	if err := c.dispatcher.Dispatch(viewerID, msg); err != nil {
		c.logger.Debug().Err(err).Str(log.FieldViewerID, viewerID).Stringer("dto", msg.Type).Msg("dto handling failed")
	}
}

// cast opens the stream for one accepted viewer and runs the pipeline
// until the viewer leaves or the hub connection ends.
func (c *Client) cast(ctx context.Context, peer *protocol.Peer, start protocol.StartCast) {
	c.mu.Lock()
	connID, sessionID := c.connID, c.sessionID
	c.mu.Unlock()
	logger := c.logger.With().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldViewerID, start.ViewerID).
		Str(log.FieldStreamID, start.StreamID).
		Logger()

	if start.NotifyUser {
		c.opts.Consent.Notify(fmt.Sprintf("%s is now viewing this screen", start.RequesterName))
	}

	conn, err := protocol.Dial(ctx, c.opts.ServerURL, protocol.PathDesktopStream, url.Values{
		protocol.QueryConnectionID: {connID},
		protocol.QueryStreamID:     {start.StreamID},
	}, c.opts.TLS)
	if err != nil {
		logger.Warn().Err(err).Msg("could not open desktop stream")
		return
	}
	defer conn.Close()

	viewer := pipeline.NewViewer(start.ViewerID, sessionID, pipeline.ViewerOptions{})
	writer := newStreamWriter(conn, c.opts.Stream)

	g, gctx := errgroup.WithContext(ctx)
	pumpCtx, stopPump := context.WithCancel(gctx)
	g.Go(func() error {
		if err := writer.pump(pumpCtx); err != nil && pumpCtx.Err() == nil {
			logger.Warn().Err(err).Msg("desktop stream failed")
			viewer.RequestDisconnect()
		}
		return nil
	})
	control := &hubControl{peer: peer}
	g.Go(func() error {
		defer stopPump()
		return c.caster.Cast(gctx, pipeline.CastRequest{
			Viewer:     viewer,
			Capture:    c.opts.NewCapture(),
			Stream:     writer,
			Control:    control,
			Unattended: start.Unattended,
			Teardown:   peer.Done(),
			Release: func(ctx context.Context) error {
				return control.DisconnectViewer(ctx, start.ViewerID)
			},
		})
	})
	if err := g.Wait(); err != nil {
		logger.Warn().Err(err).Msg("cast failed")
	}
}

func (c *Client) lastViewerLeft(sessionID string) {
	if !c.opts.ExitOnLastViewer {
		return
	}
	c.logger.Info().Str(log.FieldSessionID, sessionID).Msg("last viewer left, exiting")
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// hubControl sends DTOs to a viewer through the relay, chunked.
type hubControl struct {
	peer *protocol.Peer
}

func (h *hubControl) SendDto(_ context.Context, viewerID string, t dto.Type, payload any) error {
	wrappers, err := dto.Chunk(payload, t, dto.DefaultMaxChunkSize)
	if err != nil {
		return err
	}
	for _, w := range wrappers {
		data, err := w.Marshal()
		if err != nil {
			return err
		}
		if err := h.peer.Send(protocol.MethodSendDtoToViewer, protocol.DtoToViewer{Dto: data, ViewerID: viewerID}); err != nil {
			return err
		}
	}
	return nil
}

// DisconnectViewer removes a viewer whose cast ended on this side from
// the relay's session and tells it the stream is over. A viewer the relay
// already dropped is not an error.
func (h *hubControl) DisconnectViewer(ctx context.Context, viewerID string) error {
	select {
	case <-h.peer.Done():
		return nil
	default:
	}
	var res protocol.Result
	err := h.peer.Invoke(ctx, protocol.MethodDisconnectViewer, protocol.DisconnectViewerRequest{
		ViewerID: viewerID,
		Notify:   true,
	}, &res)
	if err != nil {
		return fmt.Errorf("disconnect viewer: %w", err)
	}
	if !res.Success && res.Reason != protocol.StatusSessionNotFound {
		return fmt.Errorf("disconnect viewer: %s", res.Reason)
	}
	return nil
}
