// Package session holds the authoritative in-memory record of every
// registered desktop and the viewers routed to it.
package session

import (
	"sync"
	"time"
)

// Mode is how a desktop registered.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeAttended
	ModeUnattended
)

func (m Mode) String() string {
	switch m {
	case ModeAttended:
		return "attended"
	case ModeUnattended:
		return "unattended"
	default:
		return "unknown"
	}
}

// MarshalText renders the mode by name in JSON listings.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Info is an immutable snapshot of a session. It never carries the
// access key.
type Info struct {
	ID                  string    `json:"id"`
	Mode                Mode      `json:"mode"`
	DesktopConnectionID string    `json:"desktop_connection_id,omitempty"`
	Viewers             []string  `json:"viewers"`
	StreamID            string    `json:"stream_id,omitempty"`
	MachineName         string    `json:"machine_name,omitempty"`
	RequesterName       string    `json:"requester_name,omitempty"`
	OrganizationName    string    `json:"organization_name,omitempty"`
	StartTime           time.Time `json:"start_time"`
	Ready               bool      `json:"ready"`
}

// HasViewer reports whether viewerID is routed to the session.
func (i Info) HasViewer(viewerID string) bool {
	for _, v := range i.Viewers {
		if v == viewerID {
			return true
		}
	}
	return false
}

// remoteControlSession is one registry entry. id and mode are fixed at
// creation; everything else is guarded by mu.
type remoteControlSession struct {
	id   string
	mode Mode

	mu            sync.Mutex
	accessKey     string
	desktopConnID string
	viewers       map[string]struct{}
	streams       map[string]string // viewer id → stream id
	streamID      string
	machineName   string
	requesterName string
	orgName       string
	startTime     time.Time
	ready         bool
	readyCh       chan struct{}
}

func newSession(id string, mode Mode, desktopConnID string, now time.Time) *remoteControlSession {
	return &remoteControlSession{
		id:            id,
		mode:          mode,
		desktopConnID: desktopConnID,
		viewers:       make(map[string]struct{}),
		streams:       make(map[string]string),
		startTime:     now,
		readyCh:       make(chan struct{}),
	}
}

// markReadyLocked releases every WaitReady caller. Caller holds mu.
func (s *remoteControlSession) markReadyLocked() {
	if !s.ready {
		s.ready = true
		close(s.readyCh)
	}
}

// resetReadyLocked arms a fresh ready signal. Caller holds mu.
func (s *remoteControlSession) resetReadyLocked() {
	if s.ready {
		s.ready = false
		s.readyCh = make(chan struct{})
	}
}

func (s *remoteControlSession) snapshotLocked() Info {
	viewers := make([]string, 0, len(s.viewers))
	for v := range s.viewers {
		viewers = append(viewers, v)
	}
	return Info{
		ID:                  s.id,
		Mode:                s.mode,
		DesktopConnectionID: s.desktopConnID,
		Viewers:             viewers,
		StreamID:            s.streamID,
		MachineName:         s.machineName,
		RequesterName:       s.requesterName,
		OrganizationName:    s.orgName,
		StartTime:           s.startTime,
		Ready:               s.ready,
	}
}

func (s *remoteControlSession) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}
