package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/remotecast/internal/config"
	"github.com/avaropoint/remotecast/internal/protocol"
	"github.com/avaropoint/remotecast/internal/session"
)

func newTestServer(t *testing.T, mutate func(*config.ServerConfig)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default().Server
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg, nil, nil, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

// dialHub connects a raw hub peer and waits for its connection ID.
func dialHub(t *testing.T, ctx context.Context, serverURL, path string) (*protocol.Peer, string) {
	t.Helper()
	conn, err := protocol.Dial(ctx, serverURL, path, nil, nil)
	require.NoError(t, err)
	peer := protocol.NewPeer(conn)

	connected := make(chan string, 1)
	go peer.Serve(ctx, func(_ context.Context, msg protocol.Message) (any, error) { //nolint:errcheck
		if msg.Type == protocol.EventConnected {
			var p protocol.ConnectedPayload
			if err := msg.Decode(&p); err == nil {
				connected <- p.ConnectionID
			}
		}
		return nil, nil
	})
	t.Cleanup(func() { peer.Close() })

	select {
	case id := <-connected:
		return peer, id
	case <-time.After(5 * time.Second):
		t.Fatal("no Connected event")
		return nil, ""
	}
}

func TestRouter_HealthAndAdminAuth(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.ServerConfig) { c.AdminToken = "secret" })

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])

	resp, err = http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestAPI_BindingsWithoutStore(t *testing.T) {
	_, ts := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/bindings/123", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/bindings")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `[]`, string(body))
}

func TestDesktopHub_AttendedRegistration(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	peer, connID := dialHub(t, ctx, ts.URL, protocol.PathDesktopHub)
	assert.NotEmpty(t, connID)

	var res protocol.SessionIDResult
	require.NoError(t, peer.Invoke(ctx, protocol.MethodGetSessionID, nil, &res))
	require.True(t, res.Success, res.Reason)
	assert.Len(t, res.SessionID, 9)

	info, ok := srv.registry.Get(res.SessionID)
	require.True(t, ok)
	assert.Equal(t, session.ModeAttended, info.Mode)
	assert.Equal(t, connID, info.DesktopConnectionID)

	require.NoError(t, peer.Close())
	assert.Eventually(t, func() bool {
		_, ok := srv.registry.Get(res.SessionID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond, "attended session ends with its desktop")
}

func TestViewerHub_UnknownSessionAndRateLimit(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.ServerConfig) {
		c.CastRate = 0.001
		c.CastBurst = 1
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	peer, _ := dialHub(t, ctx, ts.URL, protocol.PathViewerHub)
	req := protocol.ScreenCastRequest{SessionID: "000000000", RequesterName: "tester"}

	var res protocol.Result
	require.NoError(t, peer.Invoke(ctx, protocol.MethodSendScreenCastRequestToDevice, req, &res))
	assert.False(t, res.Success)
	assert.Equal(t, protocol.StatusSessionNotFound, res.Reason)

	res = protocol.Result{}
	require.NoError(t, peer.Invoke(ctx, protocol.MethodSendScreenCastRequestToDevice, req, &res))
	assert.False(t, res.Success)
	assert.Equal(t, protocol.StatusRateLimited, res.Reason)
}

func TestStreamEndpoints_RejectUnknownConnections(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, protocol.PathDesktopStream+"?connection_id=nope&stream_id=s", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, protocol.PathViewerStream+"?connection_id=nope", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRelayStream_DrainsThenEOF(t *testing.T) {
	cfg := config.Default().Server.Stream
	s := newRelayStream(cfg)
	ctx := context.Background()

	require.NoError(t, s.push(ctx, []byte("a")))
	require.NoError(t, s.push(ctx, []byte("bc")))
	s.finish()

	for _, want := range []string{"a", "bc"} {
		got, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRelayStream_ConsumerCancel(t *testing.T) {
	s := newRelayStream(config.Default().Server.Stream)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := s.Next(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after cancel")
	}
}
