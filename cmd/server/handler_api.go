package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/avaropoint/remotecast/internal/session"
	"github.com/avaropoint/remotecast/internal/store"
	"github.com/avaropoint/remotecast/internal/version"
)

const defaultEventLimit = 100

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version.Version,
		"sessions": s.registry.Len(),
		"desktops": s.desktops.Len(),
		"viewers":  s.viewers.Len(),
		"streams":  s.broker.Len(),
	})
}

// handleListSessions returns a snapshot of every live session.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.registry.List()
	if sessions == nil {
		sessions = []session.Info{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleSessionEvents returns the audit trail of one session, newest first.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, `{"error":"audit trail disabled"}`, http.StatusNotFound)
		return
	}
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.store.ListEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list session events")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*store.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleListBindings returns every persisted unattended binding.
func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []*store.UnattendedBinding{})
		return
	}
	bindings, err := s.store.ListBindings(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list bindings")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if bindings == nil {
		bindings = []*store.UnattendedBinding{}
	}
	writeJSON(w, http.StatusOK, bindings)
}

// handleDeleteBinding forgets an unattended binding so its session ID can
// be registered again with a new access key.
func (s *Server) handleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	err := s.store.DeleteBinding(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case err != nil:
		s.logger.Error().Err(err).Msg("delete binding")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
