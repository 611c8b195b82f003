package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/avaropoint/remotecast/internal/capture"
	"github.com/avaropoint/remotecast/internal/dto"
	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/metrics"
	"github.com/avaropoint/remotecast/internal/protocol"
	"github.com/avaropoint/remotecast/internal/telemetry"
)

const (
	DefaultMetricsInterval = 3 * time.Second
	DefaultPacingTimeout   = 5 * time.Second

	releaseTimeout  = 5 * time.Second
	minFrameSpacing = 50 * time.Millisecond
	maxBacklogAge   = time.Second
	pollInterval    = 10 * time.Millisecond
	idleDelay       = 20 * time.Millisecond
)

// StreamWriter carries encoded wire frames to the relay in order. A
// frame is either accepted whole or rejected whole; a writer that has
// put part of a frame on the wire before failing must return an error
// wrapping ErrPartialFrame.
type StreamWriter interface {
	WriteFrame(ctx context.Context, frame []byte) error
}

// ErrPartialFrame reports that the stream holds a truncated frame and
// cannot carry any further frames.
var ErrPartialFrame = errors.New("frame partially written")

// ControlSender delivers DTOs to a viewer over the hub.
type ControlSender interface {
	SendDto(ctx context.Context, viewerID string, t dto.Type, payload any) error
}

// HostSessionsFunc lists the host's interactive sessions.
type HostSessionsFunc func(ctx context.Context) ([]dto.HostSession, error)

// Options configures a ScreenCaster.
type Options struct {
	Viewers         *ViewerSet
	Reporter        telemetry.Reporter
	Shutdown        ShutdownNotifier
	HostSessions    HostSessionsFunc
	MachineName     string
	MetricsInterval time.Duration
	PacingTimeout   time.Duration
	Logger          *zerolog.Logger
}

// CastRequest describes one accepted cast.
type CastRequest struct {
	Viewer     *Viewer
	Capture    capture.Adapter
	Stream     StreamWriter
	Control    ControlSender
	Unattended bool
	Teardown   <-chan struct{} // closed when the host session ends or switches

	// Release, when set, tells the relay the viewer is gone. It runs once
	// the viewer is deregistered and before the last-viewer shutdown.
	Release func(ctx context.Context) error
}

// ScreenCaster runs the capture-to-wire loop for each accepted cast.
type ScreenCaster struct {
	viewers         *ViewerSet
	reporter        telemetry.Reporter
	shutdown        ShutdownNotifier
	hostSessions    HostSessionsFunc
	machineName     string
	metricsInterval time.Duration
	pacingTimeout   time.Duration
	logger          zerolog.Logger
}

// NewScreenCaster creates a ScreenCaster.
func NewScreenCaster(opts Options) *ScreenCaster {
	c := &ScreenCaster{
		viewers:         opts.Viewers,
		reporter:        opts.Reporter,
		shutdown:        opts.Shutdown,
		hostSessions:    opts.HostSessions,
		machineName:     opts.MachineName,
		metricsInterval: opts.MetricsInterval,
		pacingTimeout:   opts.PacingTimeout,
	}
	if c.viewers == nil {
		c.viewers = NewViewerSet()
	}
	if c.reporter == nil {
		c.reporter = telemetry.PrometheusReporter{}
	}
	if c.metricsInterval <= 0 {
		c.metricsInterval = DefaultMetricsInterval
	}
	if c.pacingTimeout <= 0 {
		c.pacingTimeout = DefaultPacingTimeout
	}
	if opts.Logger != nil {
		c.logger = *opts.Logger
	} else {
		c.logger = log.WithComponent("pipeline")
	}
	return c
}

// Viewers returns the set of viewers being cast to.
func (c *ScreenCaster) Viewers() *ViewerSet { return c.viewers }

// Cast streams to req.Viewer until it disconnects, stalls, the host
// session is torn down or ctx ends. It always deregisters the viewer and
// closes the capture adapter before returning.
func (c *ScreenCaster) Cast(ctx context.Context, req CastRequest) error {
	if req.Viewer == nil || req.Capture == nil || req.Stream == nil || req.Control == nil {
		return errors.New("cast request is incomplete")
	}
	v := req.Viewer
	logger := c.logger.With().
		Str(log.FieldSessionID, v.SessionID).
		Str(log.FieldViewerID, v.ID).
		Logger()

	c.viewers.Add(v, req.Capture)
	defer c.end(ctx, v, req, logger)

	c.announce(ctx, v, req, logger)
	logger.Info().Bool("unattended", req.Unattended).Msg("cast started")

	castCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(castCtx)
	g.Go(func() error {
		defer cancel()
		c.stream(gctx, v, req, logger)
		return nil
	})
	g.Go(func() error {
		c.reportMetrics(gctx, v, req, logger)
		return nil
	})
	g.Go(func() error {
		c.watchScreen(gctx, v, req, logger)
		return nil
	})
	return g.Wait()
}

func (c *ScreenCaster) end(ctx context.Context, v *Viewer, req CastRequest, logger zerolog.Logger) {
	remaining := c.viewers.Remove(v)
	if err := req.Capture.Close(); err != nil {
		logger.Warn().Err(err).Msg("closing capture failed")
	}
	logger.Info().Int("remaining", remaining).Msg("cast ended")
	if req.Release != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		if err := req.Release(rctx); err != nil {
			logger.Debug().Err(err).Msg("releasing viewer failed")
		}
		cancel()
	}
	if req.Unattended && remaining == 0 && c.shutdown != nil {
		c.shutdown.LastViewerLeft(v.SessionID)
	}
}

// announce sends the initial screen metadata, cursor and host sessions.
func (c *ScreenCaster) announce(ctx context.Context, v *Viewer, req CastRequest, logger zerolog.Logger) {
	bounds := req.Capture.CurrentScreenBounds()
	c.send(ctx, v, req, dto.TypeScreenData, dto.ScreenData{
		SelectedDisplay: req.Capture.SelectedScreen(),
		DisplayNames:    req.Capture.Screens(),
		ScreenWidth:     bounds.Dx(),
		ScreenHeight:    bounds.Dy(),
		MachineName:     c.machineName,
	}, logger)
	c.send(ctx, v, req, dto.TypeCursorChange, dto.CursorChange{CSSStyle: "default"}, logger)

	if c.hostSessions == nil {
		return
	}
	sessions, err := c.hostSessions(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("listing host sessions failed")
		return
	}
	c.send(ctx, v, req, dto.TypeWindowsSessions, dto.WindowsSessions{Sessions: sessions}, logger)
}

func (c *ScreenCaster) send(ctx context.Context, v *Viewer, req CastRequest, t dto.Type, payload any, logger zerolog.Logger) {
	if err := req.Control.SendDto(ctx, v.ID, t, payload); err != nil {
		logger.Warn().Err(err).Stringer("dto", t).Msg("sending dto failed")
	}
}

// stop reports why the loop should end, or "" to keep going.
func (c *ScreenCaster) stop(ctx context.Context, v *Viewer, req CastRequest) string {
	if ctx.Err() != nil {
		return "cancelled"
	}
	if v.DisconnectRequested() {
		return "viewer disconnected"
	}
	if v.IsStalled() {
		metrics.StalledViewersTotal.Inc()
		return "viewer stalled"
	}
	if req.Teardown != nil {
		select {
		case <-req.Teardown:
			return "host session ended"
		default:
		}
	}
	return ""
}

func (c *ScreenCaster) stream(ctx context.Context, v *Viewer, req CastRequest, logger zerolog.Logger) {
	for {
		if reason := c.stop(ctx, v, req); reason != "" {
			logger.Info().Str("reason", reason).Msg("stopping cast")
			return
		}

		v.recordTick()
		v.raiseQuality()
		c.pace(ctx, v, logger)

		frame, err := req.Capture.GetNextFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug().Err(err).Msg("capture failed, skipping tick")
			}
			c.sleep(ctx, idleDelay)
			continue
		}

		regions := c.regions(frame, req.Capture)
		if len(regions) == 0 {
			c.sleep(ctx, idleDelay)
			continue
		}

		sent := false
		for _, r := range regions {
			if err := c.sendRegion(ctx, v, req, frame.Image, r); err != nil {
				if errors.Is(err, ErrPartialFrame) {
					logger.Error().Err(err).Msg("stream out of sync, disconnecting viewer")
					v.RequestDisconnect()
					break
				}
				logger.Warn().Err(err).Stringer("region", r).Msg("sending region failed")
				continue
			}
			sent = true
		}
		if sent && req.Capture.CaptureFullscreen() {
			req.Capture.SetCaptureFullscreen(false)
		}
	}
}

// pace applies the three best-effort waits on unacknowledged frames. A
// wait that times out is logged and the tick proceeds.
func (c *ScreenCaster) pace(ctx context.Context, v *Viewer, logger zerolog.Logger) {
	if !c.waitFor(ctx, func() bool {
		age, ok := v.OldestPending()
		return !ok || age > minFrameSpacing
	}) {
		logger.Warn().Msg("frame spacing wait timed out")
	}

	if !c.waitFor(ctx, func() bool {
		rtt := v.RoundTripLatency()
		return rtt <= 0 || float64(v.PendingFrames()) < 1/rtt.Seconds()
	}) {
		logger.Warn().Int("pending", v.PendingFrames()).Msg("in-flight wait timed out")
	}

	if !c.waitFor(ctx, func() bool {
		age, ok := v.OldestPending()
		return !ok || age < maxBacklogAge
	}) {
		v.lowerQuality()
		logger.Warn().Int("quality", v.ImageQuality()).Msg("backlog wait timed out")
	}
}

func (c *ScreenCaster) waitFor(ctx context.Context, cond func() bool) bool {
	if cond() {
		return true
	}
	deadline := time.NewTimer(c.pacingTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return cond()
		case <-ticker.C:
			if cond() {
				return true
			}
		}
	}
}

func (c *ScreenCaster) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// regions selects what to encode: the whole frame while the full-frame
// flag is set, else the adapter's dirty rectangles, else the diff area.
func (c *ScreenCaster) regions(frame *capture.Frame, adapter capture.Adapter) []image.Rectangle {
	bounds := frame.Image.Bounds()
	if adapter.CaptureFullscreen() {
		return []image.Rectangle{bounds}
	}

	var out []image.Rectangle
	for _, r := range frame.Dirty {
		if r = r.Intersect(bounds); !r.Empty() {
			out = append(out, r)
		}
	}
	if len(out) > 0 {
		return out
	}
	if diff := adapter.GetFrameDiffArea().Intersect(bounds); !diff.Empty() {
		return []image.Rectangle{diff}
	}
	return nil
}

func (c *ScreenCaster) sendRegion(ctx context.Context, v *Viewer, req CastRequest, img *image.RGBA, r image.Rectangle) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img.SubImage(r), &jpeg.Options{Quality: v.ImageQuality()}); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if buf.Len() == 0 {
		return nil
	}

	wire := protocol.EncodeFrame(buf.Bytes(), r, time.Now())
	v.FrameSent(buf.Len())
	if err := req.Stream.WriteFrame(ctx, wire); err != nil {
		v.frameDropped()
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *ScreenCaster) reportMetrics(ctx context.Context, v *Viewer, req CastRequest, logger zerolog.Logger) {
	ticker := time.NewTicker(c.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s := telemetry.Sample{
				SessionID:          v.SessionID,
				ViewerID:           v.ID,
				Mbps:               v.CurrentMbps(),
				FPS:                v.CurrentFPS(),
				RoundTripLatencyMs: float64(v.RoundTripLatency()) / float64(time.Millisecond),
				ImageQuality:       v.ImageQuality(),
				GPUAccelerated:     req.Capture.GPUAccelerated(),
				At:                 now,
			}
			if err := c.reporter.Report(s); err != nil {
				logger.Debug().Err(err).Msg("reporting metrics failed")
			}
			c.send(ctx, v, req, dto.TypeSessionMetrics, dto.SessionMetrics{
				Mbps:               s.Mbps,
				FPS:                s.FPS,
				RoundTripLatencyMs: s.RoundTripLatencyMs,
				ImageQuality:       s.ImageQuality,
				GPUAccelerated:     s.GPUAccelerated,
			}, logger)
		}
	}
}

// watchScreen re-announces the screen size whenever the captured
// display geometry changes.
func (c *ScreenCaster) watchScreen(ctx context.Context, v *Viewer, req CastRequest, logger zerolog.Logger) {
	changes := req.Capture.ScreenChanged()
	for {
		select {
		case <-ctx.Done():
			return
		case bounds := <-changes:
			c.send(ctx, v, req, dto.TypeScreenSize, dto.ScreenSize{
				Width:  bounds.Dx(),
				Height: bounds.Dy(),
			}, logger)
		}
	}
}
