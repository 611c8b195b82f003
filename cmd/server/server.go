package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/avaropoint/remotecast/internal/broker"
	"github.com/avaropoint/remotecast/internal/config"
	"github.com/avaropoint/remotecast/internal/hub"
	"github.com/avaropoint/remotecast/internal/protocol"
	"github.com/avaropoint/remotecast/internal/ratelimit"
	"github.com/avaropoint/remotecast/internal/security"
	"github.com/avaropoint/remotecast/internal/session"
	"github.com/avaropoint/remotecast/internal/store"
)

// limiterSweepInterval is how often idle rate limiter entries are dropped.
const limiterSweepInterval = time.Minute

// Server wires the hubs to their HTTP and WebSocket endpoints.
type Server struct {
	cfg      config.ServerConfig
	hub      *hub.Hub
	registry *session.Registry
	broker   *broker.Broker
	desktops *hub.ConnectionManager
	viewers  *hub.ConnectionManager
	store    store.Store
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger

	// ctx outlives individual requests; hijacked hub connections are
	// served under it so Close can end them.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a Server. sealer may be nil only when db is nil.
func NewServer(cfg config.ServerConfig, db store.Store, sealer session.Sealer, logger zerolog.Logger) *Server {
	regOpts := session.Options{Logger: &logger}
	if db != nil && sealer != nil {
		regOpts.Bindings = db
		regOpts.Sealer = sealer
	}
	registry := session.NewRegistry(regOpts)
	brk := broker.New(broker.Options{ReadyTimeout: cfg.StreamWaitTimeout, Logger: &logger})
	desktops := hub.NewConnectionManager("desktop")
	viewers := hub.NewConnectionManager("viewer")

	hubOpts := hub.Options{
		Registry:              registry,
		Broker:                brk,
		Desktops:              desktops,
		Viewers:               viewers,
		ConsentTimeout:        cfg.ConsentTimeout,
		ReadyTimeout:          cfg.ReadyTimeout,
		RecoveryGrace:         cfg.RecoveryGrace,
		EnforceAttendedAccess: cfg.EnforceAttendedAccess,
		Logger:                &logger,
	}
	if db != nil {
		hubOpts.Audit = db
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		hub:      hub.New(hubOpts),
		registry: registry,
		broker:   brk,
		desktops: desktops,
		viewers:  viewers,
		store:    db,
		limiter: ratelimit.New(ratelimit.Config{
			Rate:  rate.Limit(cfg.CastRate),
			Burst: cfg.CastBurst,
		}),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Router returns the HTTP handler for every endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get(protocol.PathDesktopHub, s.handleDesktop)
	r.Get(protocol.PathDesktopStream, s.handleDesktopStream)
	r.Get(protocol.PathViewerHub, s.handleViewer)
	r.Get(protocol.PathViewerStream, s.handleViewerStream)

	r.Route("/api", func(r chi.Router) {
		r.Use(security.RequireToken(s.cfg.AdminToken))
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}/events", s.handleSessionEvents)
		r.Get("/bindings", s.handleListBindings)
		r.Delete("/bindings/{id}", s.handleDeleteBinding)
	})
	return r
}

// RunMaintenance sweeps idle rate limiter entries until ctx ends.
func (s *Server) RunMaintenance(ctx context.Context) {
	s.limiter.Run(ctx, limiterSweepInterval)
}

// Close ends every hub connection and pending recovery.
func (s *Server) Close() {
	s.cancel()
	s.hub.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
