// Package hub implements the two RPC endpoints of the relay. DesktopHub
// serves desktops and ViewerHub serves viewers; both are thin
// orchestration over the session registry and the stream broker, and
// every operation a remote caller sees returns a protocol.Result.
package hub

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/avaropoint/remotecast/internal/broker"
	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/protocol"
	"github.com/avaropoint/remotecast/internal/session"
	"github.com/avaropoint/remotecast/internal/store"
)

const (
	// DefaultConsentTimeout bounds the wait for the desktop user's answer.
	DefaultConsentTimeout = 45 * time.Second
	// DefaultReadyTimeout bounds how long a cast request waits for a
	// session that is registered but not yet ready.
	DefaultReadyTimeout = 30 * time.Second

	auditTimeout = 5 * time.Second
)

// Auditor records session transitions.
type Auditor interface {
	RecordEvent(ctx context.Context, e *store.SessionEvent) error
}

// Options configures a Hub.
type Options struct {
	Registry *session.Registry
	Broker   *broker.Broker
	Desktops Clients
	Viewers  Clients

	ConsentTimeout time.Duration
	ReadyTimeout   time.Duration
	RecoveryGrace  time.Duration
	// EnforceAttendedAccess makes unattended sessions prompt the desktop
	// user as well.
	EnforceAttendedAccess bool

	// Recovery overrides the default GraceRecovery.
	Recovery Recovery
	Audit    Auditor
	Logger   *zerolog.Logger
}

// Hub bundles the desktop-facing and viewer-facing endpoints over shared
// state.
type Hub struct {
	Desktop *DesktopHub
	Viewer  *ViewerHub

	core *core
}

type core struct {
	registry *session.Registry
	broker   *broker.Broker
	desktops Clients
	viewers  Clients
	recovery Recovery
	audit    Auditor

	consentTimeout time.Duration
	readyTimeout   time.Duration
	enforceAccess  bool

	logger zerolog.Logger
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.ConsentTimeout <= 0 {
		opts.ConsentTimeout = DefaultConsentTimeout
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	logger := log.WithComponent("hub")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	c := &core{
		registry:       opts.Registry,
		broker:         opts.Broker,
		desktops:       opts.Desktops,
		viewers:        opts.Viewers,
		audit:          opts.Audit,
		consentTimeout: opts.ConsentTimeout,
		readyTimeout:   opts.ReadyTimeout,
		enforceAccess:  opts.EnforceAttendedAccess,
		logger:         logger,
	}
	c.recovery = opts.Recovery
	if c.recovery == nil {
		c.recovery = NewGraceRecovery(opts.Registry, opts.RecoveryGrace, c.recoveryExpired)
	}

	return &Hub{
		Desktop: &DesktopHub{core: c},
		Viewer:  &ViewerHub{core: c},
		core:    c,
	}
}

// Close cancels pending recoveries.
func (h *Hub) Close() {
	if g, ok := h.core.recovery.(*GraceRecovery); ok {
		g.Stop()
	}
}

// recoveryExpired tells the viewers of a session whose desktop never
// came back that the caster is gone.
func (c *core) recoveryExpired(info session.Info) {
	c.notifyViewers(info.Viewers, protocol.EventScreenCasterDisconnected, protocol.StatusMessage{Message: protocol.StatusHostDisconnected})
	c.record(info.ID, store.EventRemoved, "recovery expired")
}

func (c *core) notifyViewers(viewerIDs []string, event string, payload any) {
	for _, v := range viewerIDs {
		if err := c.viewers.Send(v, event, payload); err != nil {
			c.logger.Debug().Err(err).Str(log.FieldViewerID, v).Str(log.FieldEvent, event).Msg("viewer notification failed")
		}
	}
}

func (c *core) record(sessionID string, kind store.EventKind, detail string) {
	if c.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := c.audit.RecordEvent(ctx, &store.SessionEvent{SessionID: sessionID, Kind: kind, Detail: detail}); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("audit record failed")
	}
}
