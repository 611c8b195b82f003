package hub

import (
	"context"
	"errors"
	"strings"

	"github.com/avaropoint/remotecast/internal/broker"
	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/metrics"
	"github.com/avaropoint/remotecast/internal/protocol"
	"github.com/avaropoint/remotecast/internal/session"
	"github.com/avaropoint/remotecast/internal/store"
)

// ErrNoStream is returned by GetDesktopStream for a viewer with no
// accepted cast request.
var ErrNoStream = errors.New("no stream assigned to viewer")

// ViewerHub is the endpoint viewers call. viewerID is always the calling
// viewer's connection.
type ViewerHub struct {
	*core
}

// SendScreenCastRequestToDevice validates a cast request, waits for the
// session to be ready, runs the consent gate when the session requires
// it, and asks the desktop to start casting.
func (h *ViewerHub) SendScreenCastRequestToDevice(ctx context.Context, viewerID string, req protocol.ScreenCastRequest) protocol.Result {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		metrics.RecordCast("invalid")
		return protocol.Fail(protocol.StatusCastRequestInvalid)
	}

	route, err := h.registry.RequestCast(sessionID, req.AccessKey, viewerID, req.RequesterName)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionNotFound):
		metrics.RecordCast("not_found")
		h.notifyViewers([]string{viewerID}, protocol.EventSessionIDNotFound, protocol.StatusMessage{Message: protocol.StatusSessionNotFound})
		return protocol.Fail(protocol.StatusSessionNotFound)
	case errors.Is(err, session.ErrUnauthorized):
		metrics.RecordCast("unauthorized")
		h.logger.Warn().Str(log.FieldSessionID, sessionID).Str(log.FieldViewerID, viewerID).Msg("cast request with wrong access key")
		h.notifyViewers([]string{viewerID}, protocol.EventUnauthorized, protocol.StatusMessage{Message: protocol.StatusUnauthorized})
		return protocol.Fail(protocol.StatusUnauthorized)
	default:
		metrics.RecordCast("error")
		return protocol.Fail(err.Error())
	}

	logger := h.logger.With().Str(log.FieldSessionID, sessionID).Str(log.FieldViewerID, viewerID).Str(log.FieldStreamID, route.StreamID).Logger()

	readyCtx, cancel := context.WithTimeout(ctx, h.readyTimeout)
	err = h.registry.WaitReady(readyCtx, sessionID)
	cancel()
	if err != nil {
		metrics.RecordCast("not_ready")
		logger.Warn().Err(err).Msg("session not ready in time")
		h.notifyViewers([]string{viewerID}, protocol.EventConnectionFailed, protocol.StatusMessage{Message: protocol.StatusSessionNotReady})
		return protocol.Fail(protocol.StatusSessionNotReady)
	}

	// A relaunched desktop may have rebound the session while we waited.
	info, ok := h.registry.Get(sessionID)
	if !ok || info.DesktopConnectionID == "" {
		metrics.RecordCast("not_found")
		h.notifyViewers([]string{viewerID}, protocol.EventSessionIDNotFound, protocol.StatusMessage{Message: protocol.StatusSessionNotFound})
		return protocol.Fail(protocol.StatusSessionNotFound)
	}
	desktopConnID := info.DesktopConnectionID

	needsConsent := route.Mode == session.ModeAttended || h.enforceAccess
	if needsConsent && !h.askConsent(ctx, desktopConnID, route) {
		metrics.RecordCast("denied")
		logger.Info().Msg("cast request denied at desktop")
		h.notifyViewers([]string{viewerID}, protocol.EventConnectionRequestDenied, protocol.StatusMessage{Message: protocol.StatusConnectionDenied})
		h.record(sessionID, store.EventCastDenied, route.RequesterName)
		return protocol.Fail(protocol.StatusConnectionDenied)
	}

	start := protocol.StartCast{
		ViewerID:      viewerID,
		RequesterName: route.RequesterName,
		StreamID:      route.StreamID,
		Unattended:    route.Mode == session.ModeUnattended,
		NotifyUser:    route.Mode == session.ModeUnattended && !needsConsent,
	}
	if err := h.desktops.Send(desktopConnID, protocol.EventRequestScreenCast, start); err != nil {
		metrics.RecordCast("error")
		logger.Warn().Err(err).Msg("could not reach desktop")
		h.notifyViewers([]string{viewerID}, protocol.EventConnectionFailed, protocol.StatusMessage{Message: protocol.StatusHostDisconnected})
		return protocol.Fail(protocol.StatusHostDisconnected)
	}

	metrics.RecordCast("accepted")
	logger.Info().Msg("screen cast requested")
	h.record(sessionID, store.EventCastAccepted, route.RequesterName)
	return protocol.Ok()
}

// askConsent prompts the desktop user. A timeout, transport failure, or
// refusal all count as denial.
func (h *ViewerHub) askConsent(ctx context.Context, desktopConnID string, route session.CastRoute) bool {
	ctx, cancel := context.WithTimeout(ctx, h.consentTimeout)
	defer cancel()

	var decision protocol.AccessDecision
	err := h.desktops.Invoke(ctx, desktopConnID, protocol.EventPromptForAccess, protocol.AccessPrompt{
		RequesterName:    route.RequesterName,
		OrganizationName: route.OrganizationName,
	}, &decision)
	if err != nil {
		h.logger.Info().Err(err).Str(log.FieldSessionID, route.SessionID).Msg("consent prompt failed")
		return false
	}
	return decision.Allowed
}

// GetDesktopStream hands the desktop stream matched to the viewer's
// latest cast request to fn.
func (h *ViewerHub) GetDesktopStream(ctx context.Context, viewerID string, fn func(context.Context, broker.Stream) error) error {
	_, streamID, ok := h.registry.StreamFor(viewerID)
	if !ok {
		return ErrNoStream
	}
	return h.broker.Consume(ctx, streamID, fn)
}

// SendDtoToClient relays one serialized DTO wrapper to the viewer's desktop.
func (h *ViewerHub) SendDtoToClient(_ context.Context, viewerID string, dto []byte) protocol.Result {
	desktopConnID, res := h.desktopFor(viewerID)
	if !res.Success {
		return res
	}
	if err := h.desktops.Send(desktopConnID, protocol.EventReceiveDto, protocol.DtoToClient{Dto: dto, ViewerID: viewerID}); err != nil {
		return protocol.Fail(err.Error())
	}
	return protocol.Ok()
}

// ChangeWindowsSession asks the desktop to move to another host session.
func (h *ViewerHub) ChangeWindowsSession(_ context.Context, viewerID, targetSessionID string) protocol.Result {
	desktopConnID, res := h.desktopFor(viewerID)
	if !res.Success {
		return res
	}
	if err := h.desktops.Send(desktopConnID, protocol.MethodChangeWindowsSession, protocol.WindowsSessionChange{
		ViewerID:        viewerID,
		TargetSessionID: targetSessionID,
	}); err != nil {
		return protocol.Fail(err.Error())
	}
	return protocol.Ok()
}

// InvokeCtrlAltDel asks the desktop for a secure attention sequence.
func (h *ViewerHub) InvokeCtrlAltDel(_ context.Context, viewerID string) protocol.Result {
	desktopConnID, res := h.desktopFor(viewerID)
	if !res.Success {
		return res
	}
	if err := h.desktops.Send(desktopConnID, protocol.MethodInvokeCtrlAltDel, protocol.ViewerEvent{ViewerID: viewerID}); err != nil {
		return protocol.Fail(err.Error())
	}
	return protocol.Ok()
}

// OnDisconnected detaches the viewer and tells its desktop.
func (h *ViewerHub) OnDisconnected(viewerID string) {
	info, ok := h.registry.RemoveViewer(viewerID)
	if !ok {
		return
	}
	if info.DesktopConnectionID != "" {
		if err := h.desktops.Send(info.DesktopConnectionID, protocol.EventViewerDisconnected, protocol.ViewerEvent{ViewerID: viewerID}); err != nil {
			h.logger.Debug().Err(err).Str(log.FieldSessionID, info.ID).Msg("desktop not told about viewer disconnect")
		}
	}
	h.record(info.ID, store.EventViewerLeft, "")
}

func (h *ViewerHub) desktopFor(viewerID string) (string, protocol.Result) {
	info, ok := h.registry.FindByViewer(viewerID)
	if !ok {
		return "", protocol.Fail(protocol.StatusSessionNotFound)
	}
	if info.DesktopConnectionID == "" {
		return "", protocol.Fail(protocol.StatusHostReconnecting)
	}
	return info.DesktopConnectionID, protocol.Ok()
}
