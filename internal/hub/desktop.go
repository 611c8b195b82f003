package hub

import (
	"context"
	"errors"

	"github.com/avaropoint/remotecast/internal/broker"
	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/protocol"
	"github.com/avaropoint/remotecast/internal/session"
	"github.com/avaropoint/remotecast/internal/store"
)

// DesktopHub is the endpoint desktops call. connID is always the calling
// desktop's connection.
type DesktopHub struct {
	*core
}

// GetSessionID registers the caller as an attended desktop and returns
// its numeric code.
func (h *DesktopHub) GetSessionID(_ context.Context, connID string) protocol.SessionIDResult {
	code, err := h.registry.CreateAttended(connID)
	if err != nil {
		h.logger.Error().Err(err).Str(log.FieldConnectionID, connID).Msg("could not create attended session")
		return protocol.SessionIDResult{Result: protocol.Fail("could not allocate a session code")}
	}
	h.record(code, store.EventRegistered, "attended")
	return protocol.SessionIDResult{Result: protocol.Ok(), SessionID: code}
}

// ReceiveUnattendedSessionInfo registers or rebinds an unattended desktop.
func (h *DesktopHub) ReceiveUnattendedSessionInfo(ctx context.Context, connID string, info protocol.UnattendedSessionInfo) protocol.Result {
	err := h.registry.RegisterUnattended(ctx, session.UnattendedInfo{
		SessionID:           info.SessionID,
		AccessKey:           info.AccessKey,
		MachineName:         info.MachineName,
		RequesterName:       info.RequesterName,
		OrganizationName:    info.OrganizationName,
		DesktopConnectionID: connID,
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrAccessKeyMismatch):
		h.logger.Warn().Str(log.FieldSessionID, info.SessionID).Str(log.FieldConnectionID, connID).Msg("unattended registration rejected")
		return protocol.Fail(session.ErrAccessKeyMismatch.Error())
	case errors.Is(err, session.ErrAccessKeyRequired):
		return protocol.Fail(session.ErrAccessKeyRequired.Error())
	default:
		h.logger.Error().Err(err).Str(log.FieldSessionID, info.SessionID).Msg("unattended registration failed")
		return protocol.Fail("registration failed")
	}

	h.recovery.Resolve(info.SessionID)
	h.record(info.SessionID, store.EventRegistered, "unattended")
	return protocol.Ok()
}

// NotifyRequesterUnattendedReady tells the session's viewers that the
// unattended desktop is up.
func (h *DesktopHub) NotifyRequesterUnattendedReady(_ context.Context, connID string) protocol.Result {
	info, ok := h.registry.FindByDesktop(connID)
	if !ok {
		return protocol.Fail(protocol.StatusSessionNotFound)
	}
	h.notifyViewers(info.Viewers, protocol.EventUnattendedSessionReady, protocol.SessionEvent{SessionID: info.ID})
	return protocol.Ok()
}

// NotifyViewersRelaunchedScreenCasterReady tells the named viewers that a
// relaunched desktop is ready to cast again. Viewers not routed to the
// caller's session are ignored.
func (h *DesktopHub) NotifyViewersRelaunchedScreenCasterReady(_ context.Context, connID string, viewerIDs []string) protocol.Result {
	info, ok := h.registry.FindByDesktop(connID)
	if !ok {
		return protocol.Fail(protocol.StatusSessionNotFound)
	}
	h.recovery.Resolve(info.ID)

	var targets []string
	for _, v := range viewerIDs {
		if info.HasViewer(v) {
			targets = append(targets, v)
		}
	}
	h.notifyViewers(targets, protocol.EventRelaunchedScreenCasterReady, protocol.SessionEvent{SessionID: info.ID})
	h.record(info.ID, store.EventRecovered, "")
	return protocol.Ok()
}

// SendDtoToViewer relays one serialized DTO wrapper to a viewer of the
// caller's session.
func (h *DesktopHub) SendDtoToViewer(_ context.Context, connID string, req protocol.DtoToViewer) protocol.Result {
	info, ok := h.registry.FindByDesktop(connID)
	if !ok || !info.HasViewer(req.ViewerID) {
		return protocol.Fail(protocol.StatusSessionNotFound)
	}
	if err := h.viewers.Send(req.ViewerID, protocol.EventReceiveDto, protocol.DtoToViewer{Dto: req.Dto}); err != nil {
		return protocol.Fail(err.Error())
	}
	return protocol.Ok()
}

// SendDesktopStream publishes the caller's outbound stream under
// streamID and blocks until the viewer side is done with it.
func (h *DesktopHub) SendDesktopStream(ctx context.Context, connID, streamID string, stream broker.Stream) error {
	return h.broker.Publish(ctx, streamID, connID, stream)
}

// DisconnectViewer detaches a viewer from the caller's session.
func (h *DesktopHub) DisconnectViewer(_ context.Context, connID string, req protocol.DisconnectViewerRequest) protocol.Result {
	info, ok := h.registry.FindByDesktop(connID)
	if !ok || !info.HasViewer(req.ViewerID) {
		return protocol.Fail(protocol.StatusSessionNotFound)
	}
	h.registry.RemoveViewer(req.ViewerID)
	if req.Notify {
		h.notifyViewers([]string{req.ViewerID}, protocol.EventViewerRemoved, protocol.StatusMessage{Message: protocol.StatusViewerRemoved})
	}
	h.record(info.ID, store.EventViewerLeft, "removed by desktop")
	return protocol.Ok()
}

// OnDisconnected updates the registry after a desktop connection ends.
// unexpected is false when the desktop closed the connection cleanly.
func (h *DesktopHub) OnDisconnected(connID string, unexpected bool) {
	outcome, info := h.registry.RemoveOrRecover(connID, unexpected)
	if outcome == session.OutcomeNone {
		return
	}
	h.logger.Info().
		Str(log.FieldSessionID, info.ID).
		Str(log.FieldConnectionID, connID).
		Str("outcome", outcome.String()).
		Msg("desktop disconnected")

	switch outcome {
	case session.OutcomeRemoved:
		h.notifyViewers(info.Viewers, protocol.EventScreenCasterDisconnected, protocol.StatusMessage{Message: protocol.StatusHostDisconnected})
		h.record(info.ID, store.EventRemoved, "")
	case session.OutcomeRemovedSilently:
		h.record(info.ID, store.EventRemoved, "no viewers")
	case session.OutcomeRecovering:
		h.notifyViewers(info.Viewers, protocol.EventShowMessage, protocol.StatusMessage{Message: protocol.StatusHostReconnecting})
		h.recovery.Begin(info)
		h.record(info.ID, store.EventDesktopDisconnected, "awaiting relaunch")
	}
}
