package main

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/avaropoint/remotecast/internal/broker"
	"github.com/avaropoint/remotecast/internal/config"
	"github.com/avaropoint/remotecast/internal/flowbuf"
	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/metrics"
	"github.com/avaropoint/remotecast/internal/protocol"
)

// relayStream buffers one desktop stream between its socket reader and
// the broker consumer.
type relayStream struct {
	buf *flowbuf.Buffer[[]byte]

	// closed is cancelled once no more chunks will be pushed.
	closed context.Context
	finish context.CancelFunc
}

func newRelayStream(cfg config.StreamConfig) *relayStream {
	closed, finish := context.WithCancel(context.Background())
	return &relayStream{
		buf: flowbuf.New(flowbuf.Options[[]byte]{
			Capacity:     cfg.Capacity,
			MaxDataSize:  cfg.MaxBytes,
			SizeOf:       func(b []byte) int { return len(b) },
			WriteTimeout: cfg.WriteTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			MaxItemAge:   cfg.MaxItemAge,
		}),
		closed: closed,
		finish: finish,
	}
}

func (s *relayStream) push(ctx context.Context, chunk []byte) error {
	return s.buf.TryWrite(ctx, chunk)
}

// Next returns buffered chunks in order and io.EOF once the producer has
// finished and the buffer is drained.
func (s *relayStream) Next(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, s.finish)
	defer stop()

	for {
		chunk, err := s.buf.TryRead(s.closed)
		switch {
		case err == nil:
			metrics.StreamBytesTotal.Add(float64(len(chunk)))
			return chunk, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case s.closed.Err() != nil:
			return nil, io.EOF
		case errors.Is(err, flowbuf.ErrReadTimeout):
			// An unchanged screen sends nothing; keep waiting.
			continue
		}
		return nil, err
	}
}

// handleDesktopStream accepts the binary stream a desktop opens for one
// cast and publishes it until the viewer side is done.
func (s *Server) handleDesktopStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	connID, streamID := q.Get(protocol.QueryConnectionID), q.Get(protocol.QueryStreamID)
	peer, ok := s.desktops.Get(connID)
	if !ok || streamID == "" {
		http.Error(w, `{"error":"unknown desktop connection"}`, http.StatusForbidden)
		return
	}

	conn, err := protocol.Upgrade(w, r)
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldConnectionID, connID).Msg("desktop stream upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.logger.With().Str(log.FieldConnectionID, connID).Str(log.FieldStreamID, streamID).Logger()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-peer.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	stream := newRelayStream(s.cfg.Stream)
	go func() {
		defer stream.finish()
		for {
			chunk, err := conn.ReadBinary()
			if err != nil {
				return
			}
			if err := stream.push(ctx, chunk); err != nil {
				metrics.RecordFlowReject("server", flowbuf.Reason(err))
				logger.Warn().Err(err).Msg("dropping desktop stream")
				return
			}
		}
	}()

	if err := s.hub.Desktop.SendDesktopStream(ctx, connID, streamID, stream); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Msg("desktop stream ended")
		return
	}
	logger.Debug().Msg("desktop stream ended")
}

// handleViewerStream copies the desktop stream assigned to the viewer onto
// the viewer's binary socket.
func (s *Server) handleViewerStream(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get(protocol.QueryConnectionID)
	if _, ok := s.viewers.Get(connID); !ok {
		http.Error(w, `{"error":"unknown viewer connection"}`, http.StatusForbidden)
		return
	}

	conn, err := protocol.Upgrade(w, r)
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldViewerID, connID).Msg("viewer stream upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, err := conn.ReadBinary(); err != nil {
				return
			}
		}
	}()

	err = s.hub.Viewer.GetDesktopStream(ctx, connID, func(ctx context.Context, stream broker.Stream) error {
		for {
			chunk, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := conn.WriteBinary(chunk); err != nil {
				return err
			}
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Str(log.FieldViewerID, connID).Msg("viewer stream ended")
	}
}
