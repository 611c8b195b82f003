package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avaropoint/remotecast/internal/log"
	"github.com/avaropoint/remotecast/internal/metrics"
	"github.com/avaropoint/remotecast/internal/security"
	"github.com/avaropoint/remotecast/internal/store"
)

var (
	ErrSessionNotFound    = errors.New("session ID not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrAccessKeyMismatch  = errors.New("access key mismatch")
	ErrAccessKeyRequired  = errors.New("access key required")
	ErrCodeSpaceExhausted = errors.New("no free session code")
)

// DefaultMaxCodeAttempts bounds collision retries in CreateAttended.
const DefaultMaxCodeAttempts = 100

// CodeSource yields candidate attended session codes.
type CodeSource interface {
	NextCode() (string, error)
}

// CodeFunc adapts a function to CodeSource.
type CodeFunc func() (string, error)

func (f CodeFunc) NextCode() (string, error) { return f() }

// RandomCodes draws uniformly random 9-digit codes from crypto/rand.
type RandomCodes struct{}

func (RandomCodes) NextCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%09d", n.Int64()+100_000_000), nil
}

// Bindings persists unattended session bindings across restarts.
type Bindings interface {
	GetBinding(ctx context.Context, sessionID string) (*store.UnattendedBinding, error)
	PutBinding(ctx context.Context, b *store.UnattendedBinding) error
}

// Sealer seals access keys before they are persisted.
type Sealer interface {
	SealAccessKey(sessionID, accessKey string) string
	VerifyAccessKey(sessionID, accessKey, sealed string) bool
}

// Options configures a Registry.
type Options struct {
	Codes           CodeSource
	MaxCodeAttempts int
	// Bindings and Sealer must be set together to persist unattended
	// bindings.
	Bindings Bindings
	Sealer   Sealer
	Now      func() time.Time
	Logger   *zerolog.Logger
}

// UnattendedInfo is what an unattended desktop presents on registration.
type UnattendedInfo struct {
	SessionID           string
	AccessKey           string
	MachineName         string
	RequesterName       string
	OrganizationName    string
	DesktopConnectionID string
}

// CastRoute is what the hub needs to reach the desktop for one cast.
type CastRoute struct {
	SessionID           string
	Mode                Mode
	DesktopConnectionID string
	ViewerID            string
	StreamID            string
	RequesterName       string
	OrganizationName    string
}

// Outcome is what RemoveOrRecover did with a disconnected desktop.
type Outcome int

const (
	// OutcomeNone means the connection owned no session.
	OutcomeNone Outcome = iota
	// OutcomeRemoved means the session was deleted and viewers must be told.
	OutcomeRemoved
	// OutcomeRemovedSilently means an unattended session with no viewers was deleted.
	OutcomeRemovedSilently
	// OutcomeRecovering means the session was kept for a relaunched desktop.
	OutcomeRecovering
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRemoved:
		return "removed"
	case OutcomeRemovedSilently:
		return "removed_silently"
	case OutcomeRecovering:
		return "recovering"
	default:
		return "none"
	}
}

// Registry is the session store. The registry-wide lock guards only the
// index maps; per-session fields are guarded by each session's own lock.
// Lock order is registry before session.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*remoteControlSession
	byDesktop map[string]string
	byViewer  map[string]string

	codes       CodeSource
	maxAttempts int
	bindings    Bindings
	sealer      Sealer
	now         func() time.Time
	logger      zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options) *Registry {
	if opts.Codes == nil {
		opts.Codes = RandomCodes{}
	}
	if opts.MaxCodeAttempts <= 0 {
		opts.MaxCodeAttempts = DefaultMaxCodeAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := log.WithComponent("session")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Registry{
		sessions:    make(map[string]*remoteControlSession),
		byDesktop:   make(map[string]string),
		byViewer:    make(map[string]string),
		codes:       opts.Codes,
		maxAttempts: opts.MaxCodeAttempts,
		bindings:    opts.Bindings,
		sealer:      opts.Sealer,
		now:         opts.Now,
		logger:      logger,
	}
}

// CreateAttended registers an attended desktop under a fresh numeric code.
// Colliding codes are redrawn.
func (r *Registry) CreateAttended(desktopConnID string) (string, error) {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		code, err := r.codes.NextCode()
		if err != nil {
			return "", fmt.Errorf("draw session code: %w", err)
		}

		r.mu.Lock()
		if _, taken := r.sessions[code]; taken {
			r.mu.Unlock()
			r.logger.Debug().Int("attempt", attempt).Msg("session code collision, retrying")
			continue
		}
		s := newSession(code, ModeAttended, desktopConnID, r.now())
		s.markReadyLocked()
		r.sessions[code] = s
		r.byDesktop[desktopConnID] = code
		r.mu.Unlock()

		metrics.ActiveSessions.WithLabelValues(ModeAttended.String()).Inc()
		r.logger.Info().Str(log.FieldSessionID, code).Str(log.FieldConnectionID, desktopConnID).Msg("attended session created")
		return code, nil
	}
	return "", ErrCodeSpaceExhausted
}

// RegisterUnattended inserts or rebinds an unattended session. A live or
// persisted entry under the same id must have been registered with the
// same access key.
func (r *Registry) RegisterUnattended(ctx context.Context, info UnattendedInfo) error {
	if info.SessionID == "" || info.AccessKey == "" {
		return ErrAccessKeyRequired
	}

	var persisted *store.UnattendedBinding
	if r.bindings != nil && r.sealer != nil {
		b, err := r.bindings.GetBinding(ctx, info.SessionID)
		if err != nil {
			return fmt.Errorf("load binding: %w", err)
		}
		if b != nil && !r.sealer.VerifyAccessKey(info.SessionID, info.AccessKey, b.SealedKey) {
			return ErrAccessKeyMismatch
		}
		persisted = b
	}

	r.mu.Lock()
	s, exists := r.sessions[info.SessionID]
	if exists {
		s.mu.Lock()
		if !security.EqualAccessKeys(s.accessKey, info.AccessKey) {
			s.mu.Unlock()
			r.mu.Unlock()
			return ErrAccessKeyMismatch
		}
		if s.desktopConnID != "" && s.desktopConnID != info.DesktopConnectionID {
			delete(r.byDesktop, s.desktopConnID)
		}
	} else {
		s = newSession(info.SessionID, ModeUnattended, info.DesktopConnectionID, r.now())
		s.mu.Lock()
		s.accessKey = info.AccessKey
		r.sessions[info.SessionID] = s
		metrics.ActiveSessions.WithLabelValues(ModeUnattended.String()).Inc()
	}
	s.desktopConnID = info.DesktopConnectionID
	s.machineName = info.MachineName
	s.requesterName = info.RequesterName
	s.orgName = info.OrganizationName
	s.markReadyLocked()
	r.byDesktop[info.DesktopConnectionID] = info.SessionID
	s.mu.Unlock()
	r.mu.Unlock()

	r.logger.Info().
		Str(log.FieldSessionID, info.SessionID).
		Str(log.FieldConnectionID, info.DesktopConnectionID).
		Bool("rebound", exists).
		Msg("unattended session registered")

	if r.bindings != nil && r.sealer != nil {
		now := r.now()
		b := &store.UnattendedBinding{
			SessionID:        info.SessionID,
			SealedKey:        r.sealer.SealAccessKey(info.SessionID, info.AccessKey),
			MachineName:      info.MachineName,
			OrganizationName: info.OrganizationName,
			CreatedAt:        now,
			LastSeen:         now,
		}
		if persisted != nil {
			b.CreatedAt = persisted.CreatedAt
		}
		if err := r.bindings.PutBinding(ctx, b); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldSessionID, info.SessionID).Msg("failed to persist unattended binding")
		}
	}
	return nil
}

// RequestCast routes viewerID to the session and assigns it a fresh
// stream id. Unattended sessions require the matching access key.
func (r *Registry) RequestCast(sessionID, accessKey, viewerID, requesterName string) (CastRoute, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return CastRoute{}, ErrSessionNotFound
	}

	if s.mode == ModeUnattended {
		s.mu.Lock()
		match := security.EqualAccessKeys(s.accessKey, accessKey)
		s.mu.Unlock()
		if !match {
			return CastRoute{}, ErrUnauthorized
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[sessionID]; !ok || cur != s {
		return CastRoute{}, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	streamID := uuid.NewString()
	s.viewers[viewerID] = struct{}{}
	s.streams[viewerID] = streamID
	s.streamID = streamID
	if requesterName != "" {
		s.requesterName = requesterName
	}
	r.byViewer[viewerID] = sessionID

	return CastRoute{
		SessionID:           sessionID,
		Mode:                s.mode,
		DesktopConnectionID: s.desktopConnID,
		ViewerID:            viewerID,
		StreamID:            streamID,
		RequesterName:       s.requesterName,
		OrganizationName:    s.orgName,
	}, nil
}

// WaitReady blocks until the session is ready or ctx is done.
func (r *Registry) WaitReady(ctx context.Context, sessionID string) error {
	s, ok := r.lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	ch := s.readyCh
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkReady releases callers waiting on the session.
func (r *Registry) MarkReady(sessionID string) error {
	s, ok := r.lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	s.markReadyLocked()
	s.mu.Unlock()
	return nil
}

// StreamFor returns the session and stream assigned to viewerID by its
// latest cast request.
func (r *Registry) StreamFor(viewerID string) (sessionID, streamID string, ok bool) {
	r.mu.RLock()
	sessionID, ok = r.byViewer[viewerID]
	s := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok || s == nil {
		return "", "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	streamID, ok = s.streams[viewerID]
	return sessionID, streamID, ok
}

// RemoveViewer detaches viewerID from its session and returns the
// session snapshot taken after removal.
func (r *Registry) RemoveViewer(viewerID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.byViewer[viewerID]
	if !ok {
		return Info{}, false
	}
	delete(r.byViewer, viewerID)
	s, ok := r.sessions[sessionID]
	if !ok {
		return Info{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.viewers, viewerID)
	delete(s.streams, viewerID)
	return s.snapshotLocked(), true
}

// RemoveOrRecover handles a desktop disconnect. Attended sessions are
// removed. Unattended sessions without viewers are removed silently; with
// viewers and an unexpected disconnect they are kept, unbound from the
// desktop and marked not ready, awaiting the relaunched desktop.
func (r *Registry) RemoveOrRecover(desktopConnID string, unexpected bool) (Outcome, Info) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.byDesktop[desktopConnID]
	if !ok {
		return OutcomeNone, Info{}
	}
	delete(r.byDesktop, desktopConnID)
	s, ok := r.sessions[sessionID]
	if !ok {
		return OutcomeNone, Info{}
	}

	s.mu.Lock()
	hasViewers := len(s.viewers) > 0
	if s.mode == ModeUnattended && hasViewers && unexpected {
		s.desktopConnID = ""
		s.resetReadyLocked()
		info := s.snapshotLocked()
		s.mu.Unlock()
		r.logger.Info().Str(log.FieldSessionID, sessionID).Int("viewers", len(info.Viewers)).Msg("desktop lost, awaiting relaunch")
		return OutcomeRecovering, info
	}
	info := s.snapshotLocked()
	s.mu.Unlock()

	r.removeLocked(s, info)
	if s.mode == ModeAttended || hasViewers {
		return OutcomeRemoved, info
	}
	return OutcomeRemovedSilently, info
}

// Remove deletes the session unconditionally.
func (r *Registry) Remove(sessionID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Info{}, false
	}
	info := s.snapshot()
	r.removeLocked(s, info)
	return info, true
}

// RemoveIfDetached deletes the session only while no desktop is bound to it.
func (r *Registry) RemoveIfDetached(sessionID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Info{}, false
	}
	info := s.snapshot()
	if info.DesktopConnectionID != "" {
		return Info{}, false
	}
	r.removeLocked(s, info)
	return info, true
}

// removeLocked drops s and its index entries. Caller holds r.mu.
func (r *Registry) removeLocked(s *remoteControlSession, info Info) {
	delete(r.sessions, s.id)
	if info.DesktopConnectionID != "" && r.byDesktop[info.DesktopConnectionID] == s.id {
		delete(r.byDesktop, info.DesktopConnectionID)
	}
	for _, v := range info.Viewers {
		if r.byViewer[v] == s.id {
			delete(r.byViewer, v)
		}
	}
	metrics.ActiveSessions.WithLabelValues(s.mode.String()).Dec()
	r.logger.Info().Str(log.FieldSessionID, s.id).Str(log.FieldMode, s.mode.String()).Msg("session removed")
}

// Get returns a snapshot of the session.
func (r *Registry) Get(sessionID string) (Info, bool) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return Info{}, false
	}
	return s.snapshot(), true
}

// FindByDesktop returns the session bound to a desktop connection.
func (r *Registry) FindByDesktop(desktopConnID string) (Info, bool) {
	r.mu.RLock()
	id, ok := r.byDesktop[desktopConnID]
	s := r.sessions[id]
	r.mu.RUnlock()
	if !ok || s == nil {
		return Info{}, false
	}
	return s.snapshot(), true
}

// FindByViewer returns the session a viewer is routed to.
func (r *Registry) FindByViewer(viewerID string) (Info, bool) {
	r.mu.RLock()
	id, ok := r.byViewer[viewerID]
	s := r.sessions[id]
	r.mu.RUnlock()
	if !ok || s == nil {
		return Info{}, false
	}
	return s.snapshot(), true
}

// List returns snapshots of every live session.
func (r *Registry) List() []Info {
	r.mu.RLock()
	all := make([]*remoteControlSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.snapshot())
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) lookup(sessionID string) (*remoteControlSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}
