package pipeline

import (
	"sort"
	"sync"

	"github.com/avaropoint/remotecast/internal/capture"
)

// ShutdownNotifier is told when the last viewer of an unattended desktop
// has gone.
type ShutdownNotifier interface {
	LastViewerLeft(sessionID string)
}

// ShutdownFunc adapts a function to ShutdownNotifier.
type ShutdownFunc func(sessionID string)

func (f ShutdownFunc) LastViewerLeft(sessionID string) { f(sessionID) }

type member struct {
	viewer  *Viewer
	capture capture.Adapter
}

// ViewerSet tracks the viewers currently being cast to, together with
// the capture adapter serving each.
type ViewerSet struct {
	mu      sync.RWMutex
	members map[string]member
}

// NewViewerSet creates an empty set.
func NewViewerSet() *ViewerSet {
	return &ViewerSet{members: make(map[string]member)}
}

// Add registers a viewer, replacing any previous entry with the same ID.
func (s *ViewerSet) Add(v *Viewer, adapter capture.Adapter) {
	s.mu.Lock()
	s.members[v.ID] = member{viewer: v, capture: adapter}
	s.mu.Unlock()
}

// Remove deregisters v if it is still the registered viewer for its ID
// and returns how many viewers remain.
func (s *ViewerSet) Remove(v *Viewer) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[v.ID]; ok && m.viewer == v {
		delete(s.members, v.ID)
	}
	return len(s.members)
}

// Get returns the viewer and its capture adapter.
func (s *ViewerSet) Get(id string) (*Viewer, capture.Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[id]
	return m.viewer, m.capture, ok
}

// Disconnect asks viewer id to stop; it reports whether it was found.
func (s *ViewerSet) Disconnect(id string) bool {
	v, _, ok := s.Get(id)
	if ok {
		v.RequestDisconnect()
	}
	return ok
}

// DisconnectAll asks every viewer to stop.
func (s *ViewerSet) DisconnectAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		m.viewer.RequestDisconnect()
	}
}

// IDs returns the registered viewer IDs in sorted order.
func (s *ViewerSet) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered viewers.
func (s *ViewerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}
