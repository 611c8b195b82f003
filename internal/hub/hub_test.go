package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/avaropoint/remotecast/internal/broker"
	"github.com/avaropoint/remotecast/internal/protocol"
	"github.com/avaropoint/remotecast/internal/session"
	"github.com/avaropoint/remotecast/internal/store"
)

type sent struct {
	connID  string
	event   string
	payload any
}

// fakeClients records sends and answers invocations with respond.
type fakeClients struct {
	mu      sync.Mutex
	sent    []sent
	missing map[string]bool
	respond func(method string, payload any) (any, error)
}

func (f *fakeClients) Send(connID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[connID] {
		return ErrNotConnected
	}
	f.sent = append(f.sent, sent{connID, event, payload})
	return nil
}

func (f *fakeClients) Invoke(ctx context.Context, _ string, method string, payload, out any) error {
	if f.respond == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	res, err := f.respond(method, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (f *fakeClients) events(connID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.connID == connID {
			out = append(out, s.event)
		}
	}
	return out
}

func (f *fakeClients) last(connID string) (sent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].connID == connID {
			return f.sent[i], true
		}
	}
	return sent{}, false
}

type memAudit struct {
	mu     sync.Mutex
	events []store.SessionEvent
}

func (a *memAudit) RecordEvent(_ context.Context, e *store.SessionEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, *e)
	return nil
}

func (a *memAudit) kinds() []store.EventKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []store.EventKind
	for _, e := range a.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	hub      *Hub
	registry *session.Registry
	desktops *fakeClients
	viewers  *fakeClients
	audit    *memAudit
}

func allow(allowed bool) func(string, any) (any, error) {
	return func(method string, _ any) (any, error) {
		if method != protocol.EventPromptForAccess {
			return nil, errors.New("unexpected method " + method)
		}
		return protocol.AccessDecision{Allowed: allowed}, nil
	}
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	nop := zerolog.Nop()
	f := &fixture{
		registry: session.NewRegistry(session.Options{
			Logger: &nop,
			Codes:  session.CodeFunc(func() (string, error) { return "123456789", nil }),
		}),
		desktops: &fakeClients{},
		viewers:  &fakeClients{},
		audit:    &memAudit{},
	}
	opts := Options{
		Registry:       f.registry,
		Broker:         broker.New(broker.Options{ReadyTimeout: time.Second, Logger: &nop}),
		Desktops:       f.desktops,
		Viewers:        f.viewers,
		ConsentTimeout: 50 * time.Millisecond,
		ReadyTimeout:   50 * time.Millisecond,
		RecoveryGrace:  time.Minute,
		Audit:          f.audit,
		Logger:         &nop,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.hub = New(opts)
	t.Cleanup(f.hub.Close)
	return f
}

func (f *fixture) registerUnattended(t *testing.T, desk string) {
	t.Helper()
	res := f.hub.Desktop.ReceiveUnattendedSessionInfo(context.Background(), desk, protocol.UnattendedSessionInfo{
		SessionID: "S1", AccessKey: "K1", MachineName: "host",
	})
	require.True(t, res.Success, res.Reason)
}

func TestViewerHub_UnattendedCastStartsDesktop(t *testing.T) {
	f := newFixture(t, nil)
	f.registerUnattended(t, "desk-1")

	res := f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-1", protocol.ScreenCastRequest{
		SessionID: "S1", AccessKey: "K1", RequesterName: "req",
	})
	require.True(t, res.Success, res.Reason)

	s, ok := f.desktops.last("desk-1")
	require.True(t, ok)
	assert.Equal(t, protocol.EventRequestScreenCast, s.event)
	start := s.payload.(protocol.StartCast)
	assert.Equal(t, "viewer-1", start.ViewerID)
	assert.True(t, start.Unattended)
	assert.NotEmpty(t, start.StreamID)

	info, _ := f.registry.Get("S1")
	assert.True(t, info.HasViewer("viewer-1"))

	res = f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-2", protocol.ScreenCastRequest{
		SessionID: "S1", AccessKey: "WRONG",
	})
	assert.False(t, res.Success)
	assert.Equal(t, protocol.StatusUnauthorized, res.Reason)
	assert.Equal(t, []string{protocol.EventUnauthorized}, f.viewers.events("viewer-2"))

	assert.Contains(t, f.audit.kinds(), store.EventCastAccepted)
}

func TestViewerHub_SessionNotFound(t *testing.T) {
	f := newFixture(t, nil)

	res := f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-1", protocol.ScreenCastRequest{SessionID: "999"})
	assert.Equal(t, protocol.StatusSessionNotFound, res.Reason)
	assert.Equal(t, []string{protocol.EventSessionIDNotFound}, f.viewers.events("viewer-1"))

	res = f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-1", protocol.ScreenCastRequest{SessionID: "  "})
	assert.Equal(t, protocol.StatusCastRequestInvalid, res.Reason)
}

func TestViewerHub_ConsentGate(t *testing.T) {
	tests := []struct {
		name    string
		respond func(string, any) (any, error)
		want    bool
	}{
		{name: "allowed", respond: allow(true), want: true},
		{name: "denied", respond: allow(false), want: false},
		{name: "timeout", respond: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.desktops.respond = tt.respond

			code := f.hub.Desktop.GetSessionID(context.Background(), "desk-1")
			require.True(t, code.Success)

			res := f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-1", protocol.ScreenCastRequest{
				SessionID: code.SessionID, RequesterName: "Alice",
			})
			assert.Equal(t, tt.want, res.Success)

			if tt.want {
				assert.Equal(t, []string{protocol.EventRequestScreenCast}, f.desktops.events("desk-1"))
				return
			}
			assert.Equal(t, protocol.StatusConnectionDenied, res.Reason)
			assert.Empty(t, f.desktops.events("desk-1"))
			assert.Equal(t, []string{protocol.EventConnectionRequestDenied}, f.viewers.events("viewer-1"))
			assert.Contains(t, f.audit.kinds(), store.EventCastDenied)

			// Routing stays in place after a denial.
			info, _ := f.registry.Get(code.SessionID)
			assert.True(t, info.HasViewer("viewer-1"))
		})
	}
}

func TestViewerHub_EnforceAttendedAccessPromptsUnattended(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.EnforceAttendedAccess = true })
	f.desktops.respond = allow(false)
	f.registerUnattended(t, "desk-1")

	res := f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-1", protocol.ScreenCastRequest{
		SessionID: "S1", AccessKey: "K1",
	})
	assert.False(t, res.Success)
	assert.Equal(t, protocol.StatusConnectionDenied, res.Reason)
}

func TestViewerHub_ReadyGateWaitsForRelaunch(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ReadyTimeout = time.Second })
	f.registerUnattended(t, "desk-1")
	require.True(t, f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-1",
		protocol.ScreenCastRequest{SessionID: "S1", AccessKey: "K1"}).Success)

	f.hub.Desktop.OnDisconnected("desk-1", true)
	assert.Contains(t, f.viewers.events("viewer-1"), protocol.EventShowMessage)

	done := make(chan protocol.Result, 1)
	go func() {
		done <- f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-2",
			protocol.ScreenCastRequest{SessionID: "S1", AccessKey: "K1"})
	}()

	time.Sleep(20 * time.Millisecond)
	f.registerUnattended(t, "desk-2")

	res := <-done
	require.True(t, res.Success, res.Reason)
	assert.Equal(t, []string{protocol.EventRequestScreenCast}, f.desktops.events("desk-2"))
}

func TestViewerHub_ReadyGateTimesOut(t *testing.T) {
	f := newFixture(t, nil)
	f.registerUnattended(t, "desk-1")
	f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-1", protocol.ScreenCastRequest{SessionID: "S1", AccessKey: "K1"})
	f.hub.Desktop.OnDisconnected("desk-1", true)

	res := f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-2", protocol.ScreenCastRequest{SessionID: "S1", AccessKey: "K1"})
	assert.Equal(t, protocol.StatusSessionNotReady, res.Reason)
}

func TestDesktopHub_OnDisconnectedNotifiesViewers(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ConsentTimeout = time.Second })
	f.desktops.respond = allow(true)
	code := f.hub.Desktop.GetSessionID(context.Background(), "desk-1")
	require.True(t, f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-1",
		protocol.ScreenCastRequest{SessionID: code.SessionID}).Success)

	f.hub.Desktop.OnDisconnected("desk-1", false)

	s, ok := f.viewers.last("viewer-1")
	require.True(t, ok)
	assert.Equal(t, protocol.EventScreenCasterDisconnected, s.event)
	assert.Equal(t, protocol.StatusHostDisconnected, s.payload.(protocol.StatusMessage).Message)
	assert.Zero(t, f.registry.Len())
}

func TestGraceRecovery_ExpiresAndNotifies(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.RecoveryGrace = 20 * time.Millisecond })
	f.registerUnattended(t, "desk-1")
	f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-1", protocol.ScreenCastRequest{SessionID: "S1", AccessKey: "K1"})

	f.hub.Desktop.OnDisconnected("desk-1", true)
	require.Equal(t, 1, f.registry.Len())

	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		s, ok := f.viewers.last("viewer-1")
		return ok && s.event == protocol.EventScreenCasterDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestGraceRecovery_ResolvedByRelaunch(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.RecoveryGrace = 30 * time.Millisecond })
	f.registerUnattended(t, "desk-1")
	f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-1", protocol.ScreenCastRequest{SessionID: "S1", AccessKey: "K1"})
	f.hub.Desktop.OnDisconnected("desk-1", true)

	f.registerUnattended(t, "desk-2")
	res := f.hub.Desktop.NotifyViewersRelaunchedScreenCasterReady(context.Background(), "desk-2", []string{"viewer-1", "stranger"})
	require.True(t, res.Success)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, []string{protocol.EventShowMessage, protocol.EventRelaunchedScreenCasterReady}, f.viewers.events("viewer-1"))
	assert.Empty(t, f.viewers.events("stranger"))
}

func TestRelays(t *testing.T) {
	f := newFixture(t, nil)
	f.registerUnattended(t, "desk-1")
	f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-1", protocol.ScreenCastRequest{SessionID: "S1", AccessKey: "K1"})
	ctx := context.Background()

	require.True(t, f.hub.Viewer.SendDtoToClient(ctx, "viewer-1", []byte{1}).Success)
	require.True(t, f.hub.Viewer.ChangeWindowsSession(ctx, "viewer-1", "2").Success)
	require.True(t, f.hub.Viewer.InvokeCtrlAltDel(ctx, "viewer-1").Success)
	assert.Equal(t, []string{
		protocol.EventRequestScreenCast,
		protocol.EventReceiveDto,
		protocol.MethodChangeWindowsSession,
		protocol.MethodInvokeCtrlAltDel,
	}, f.desktops.events("desk-1"))

	require.True(t, f.hub.Desktop.SendDtoToViewer(ctx, "desk-1", protocol.DtoToViewer{Dto: []byte{2}, ViewerID: "viewer-1"}).Success)
	assert.False(t, f.hub.Desktop.SendDtoToViewer(ctx, "desk-1", protocol.DtoToViewer{ViewerID: "stranger"}).Success)
	assert.False(t, f.hub.Viewer.SendDtoToClient(ctx, "stranger", nil).Success)

	require.True(t, f.hub.Desktop.DisconnectViewer(ctx, "desk-1", protocol.DisconnectViewerRequest{ViewerID: "viewer-1", Notify: true}).Success)
	s, _ := f.viewers.last("viewer-1")
	assert.Equal(t, protocol.EventViewerRemoved, s.event)
	info, _ := f.registry.Get("S1")
	assert.False(t, info.HasViewer("viewer-1"))
}

func TestViewerHub_OnDisconnectedTellsDesktop(t *testing.T) {
	f := newFixture(t, nil)
	f.registerUnattended(t, "desk-1")
	f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-1", protocol.ScreenCastRequest{SessionID: "S1", AccessKey: "K1"})

	f.hub.Viewer.OnDisconnected("viewer-1")
	s, ok := f.desktops.last("desk-1")
	require.True(t, ok)
	assert.Equal(t, protocol.EventViewerDisconnected, s.event)
	assert.Equal(t, "viewer-1", s.payload.(protocol.ViewerEvent).ViewerID)
}

type chunkStream struct{ chunks [][]byte }

func (c *chunkStream) Next(context.Context) ([]byte, error) {
	if len(c.chunks) == 0 {
		return nil, io.EOF
	}
	next := c.chunks[0]
	c.chunks = c.chunks[1:]
	return next, nil
}

func TestDesktopStreamRendezvous(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil)
	f.registerUnattended(t, "desk-1")
	require.True(t, f.hub.Viewer.SendScreenCastRequestToDevice(context.Background(), "viewer-1",
		protocol.ScreenCastRequest{SessionID: "S1", AccessKey: "K1"}).Success)
	start := f.desktops.sent[0].payload.(protocol.StartCast)

	published := make(chan error, 1)
	go func() {
		published <- f.hub.Desktop.SendDesktopStream(context.Background(), "desk-1", start.StreamID,
			&chunkStream{chunks: [][]byte{[]byte("a"), []byte("b")}})
	}()

	var got []string
	err := f.hub.Viewer.GetDesktopStream(context.Background(), "viewer-1", func(ctx context.Context, s broker.Stream) error {
		for {
			c, err := s.Next(ctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			got = append(got, string(c))
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
	require.NoError(t, <-published)

	require.ErrorIs(t, f.hub.Viewer.GetDesktopStream(context.Background(), "nobody", nil), ErrNoStream)
}
