package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/protocol"
	"github.com/avaropoint/remotecast/internal/session"
)

// handleDesktop serves one desktop hub connection for its lifetime.
func (s *Server) handleDesktop(w http.ResponseWriter, r *http.Request) {
	conn, err := protocol.Upgrade(w, r)
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldRemoteAddr, r.RemoteAddr).Msg("desktop upgrade failed")
		return
	}

	connID := uuid.NewString()
	logger := s.logger.With().Str(log.FieldConnectionID, connID).Logger()
	peer := protocol.NewPeer(conn)
	s.desktops.Add(connID, peer)
	logger.Info().Str(log.FieldRemoteAddr, r.RemoteAddr).Msg("desktop connected")

	if err := peer.Send(protocol.EventConnected, protocol.ConnectedPayload{ConnectionID: connID}); err != nil {
		logger.Warn().Err(err).Msg("could not greet desktop")
	}
	err = peer.Serve(s.ctx, s.desktopHandler(connID))

	s.desktops.Remove(connID)
	info, owned := s.registry.FindByDesktop(connID)
	s.hub.Desktop.OnDisconnected(connID, !protocol.IsNormalClose(err))
	if owned && info.Mode == session.ModeUnattended && s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.TouchBinding(ctx, info.ID, time.Now()); err != nil {
			logger.Debug().Err(err).Msg("could not update binding last seen")
		}
		cancel()
	}
	logger.Info().Err(err).Msg("desktop disconnected")
}

func (s *Server) desktopHandler(connID string) protocol.Handler {
	h := s.hub.Desktop
	return func(ctx context.Context, msg protocol.Message) (any, error) {
		switch msg.Type {
		case protocol.MethodGetSessionID:
			return h.GetSessionID(ctx, connID), nil

		case protocol.MethodReceiveUnattendedSessionInfo:
			var info protocol.UnattendedSessionInfo
			if err := msg.Decode(&info); err != nil {
				return nil, err
			}
			return h.ReceiveUnattendedSessionInfo(ctx, connID, info), nil

		case protocol.MethodNotifyRequesterUnattendedReady:
			return h.NotifyRequesterUnattendedReady(ctx, connID), nil

		case protocol.MethodNotifyViewersRelaunchedScreenCasterReady:
			var ids protocol.ViewerIDs
			if err := msg.Decode(&ids); err != nil {
				return nil, err
			}
			return h.NotifyViewersRelaunchedScreenCasterReady(ctx, connID, ids.ViewerIDs), nil

		case protocol.MethodSendDtoToViewer:
			var req protocol.DtoToViewer
			if err := msg.Decode(&req); err != nil {
				return nil, err
			}
			return h.SendDtoToViewer(ctx, connID, req), nil

		case protocol.MethodDisconnectViewer:
			var req protocol.DisconnectViewerRequest
			if err := msg.Decode(&req); err != nil {
				return nil, err
			}
			return h.DisconnectViewer(ctx, connID, req), nil
		}
		return nil, fmt.Errorf("unknown desktop method %q", msg.Type)
	}
}
