package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/metrics"
	"github.com/avaropoint/remotecast/internal/session"
)

// DefaultRecoveryGrace is how long an unattended session with viewers
// waits for its desktop to come back.
const DefaultRecoveryGrace = 60 * time.Second

// Recovery keeps an unattended session alive across a desktop restart.
type Recovery interface {
	// Begin starts waiting for the desktop of info to re-register.
	Begin(info session.Info)
	// Resolve reports that sessionID's desktop is back.
	Resolve(sessionID string)
}

// GraceRecovery waits a fixed grace window for the relaunched desktop.
// When the window passes with the session still unbound, the session is
// removed and expired is called with its last snapshot.
type GraceRecovery struct {
	grace    time.Duration
	registry *session.Registry
	expired  func(session.Info)
	logger   zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewGraceRecovery creates a GraceRecovery.
func NewGraceRecovery(registry *session.Registry, grace time.Duration, expired func(session.Info)) *GraceRecovery {
	if grace <= 0 {
		grace = DefaultRecoveryGrace
	}
	return &GraceRecovery{
		grace:    grace,
		registry: registry,
		expired:  expired,
		logger:   log.WithComponent("recovery"),
		timers:   make(map[string]*time.Timer),
	}
}

func (g *GraceRecovery) Begin(info session.Info) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[info.ID]; ok {
		t.Stop()
	}
	id := info.ID
	g.timers[id] = time.AfterFunc(g.grace, func() { g.expire(id) })
	g.logger.Info().Str(log.FieldSessionID, id).Dur("grace", g.grace).Msg("waiting for desktop to relaunch")
}

func (g *GraceRecovery) Resolve(sessionID string) {
	g.mu.Lock()
	t, ok := g.timers[sessionID]
	delete(g.timers, sessionID)
	g.mu.Unlock()
	if ok && t.Stop() {
		metrics.SessionRecoveriesTotal.WithLabelValues("recovered").Inc()
		g.logger.Info().Str(log.FieldSessionID, sessionID).Msg("desktop relaunched")
	}
}

func (g *GraceRecovery) expire(sessionID string) {
	g.mu.Lock()
	delete(g.timers, sessionID)
	g.mu.Unlock()

	removed, ok := g.registry.RemoveIfDetached(sessionID)
	if !ok {
		return
	}
	metrics.SessionRecoveriesTotal.WithLabelValues("expired").Inc()
	g.logger.Warn().Str(log.FieldSessionID, sessionID).Msg("desktop did not relaunch in time")
	if g.expired != nil {
		g.expired(removed)
	}
}

// Pending returns the number of sessions awaiting their desktop.
func (g *GraceRecovery) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}

// Stop cancels every pending recovery.
func (g *GraceRecovery) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}
