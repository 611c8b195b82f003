package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/metrics"
	"github.com/avaropoint/remotecast/internal/protocol"
	"github.com/avaropoint/remotecast/internal/ratelimit"
)

// handleViewer serves one viewer hub connection for its lifetime.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	clientIP := ratelimit.ClientIP(r, s.cfg.TrustProxy)
	conn, err := protocol.Upgrade(w, r)
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldRemoteAddr, clientIP).Msg("viewer upgrade failed")
		return
	}

	connID := uuid.NewString()
	logger := s.logger.With().Str(log.FieldViewerID, connID).Logger()
	peer := protocol.NewPeer(conn)
	s.viewers.Add(connID, peer)
	logger.Info().Str(log.FieldRemoteAddr, clientIP).Msg("viewer connected")

	if err := peer.Send(protocol.EventConnected, protocol.ConnectedPayload{ConnectionID: connID}); err != nil {
		logger.Warn().Err(err).Msg("could not greet viewer")
	}
	err = peer.Serve(s.ctx, s.viewerHandler(connID, clientIP))

	s.viewers.Remove(connID)
	s.hub.Viewer.OnDisconnected(connID)
	logger.Info().Err(err).Msg("viewer disconnected")
}

func (s *Server) viewerHandler(connID, clientIP string) protocol.Handler {
	h := s.hub.Viewer
	return func(ctx context.Context, msg protocol.Message) (any, error) {
		switch msg.Type {
		case protocol.MethodSendScreenCastRequestToDevice:
			if !s.limiter.Allow(clientIP) {
				metrics.RecordCast("rate_limited")
				s.logger.Warn().Str(log.FieldRemoteAddr, clientIP).Msg("cast request rate limited")
				return protocol.Fail(protocol.StatusRateLimited), nil
			}
			var req protocol.ScreenCastRequest
			if err := msg.Decode(&req); err != nil {
				return nil, err
			}
			return h.SendScreenCastRequestToDevice(ctx, connID, req), nil

		case protocol.MethodSendDtoToClient:
			var req protocol.DtoToClient
			if err := msg.Decode(&req); err != nil {
				return nil, err
			}
			return h.SendDtoToClient(ctx, connID, req.Dto), nil

		case protocol.MethodChangeWindowsSession:
			var req protocol.WindowsSessionChange
			if err := msg.Decode(&req); err != nil {
				return nil, err
			}
			return h.ChangeWindowsSession(ctx, connID, req.TargetSessionID), nil

		case protocol.MethodInvokeCtrlAltDel:
			return h.InvokeCtrlAltDel(ctx, connID), nil
		}
		return nil, fmt.Errorf("unknown viewer method %q", msg.Type)
	}
}
