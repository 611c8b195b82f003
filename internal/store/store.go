// Package store defines the persistence interface for the relay.
// Only unattended bindings and the session audit trail are durable;
// live routing state stays in memory.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when deleting a record that does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface. Implementations must be safe for
// concurrent use.
type Store interface {
	// Unattended bindings: session id → sealed access key.
	PutBinding(ctx context.Context, b *UnattendedBinding) error
	GetBinding(ctx context.Context, sessionID string) (*UnattendedBinding, error)
	TouchBinding(ctx context.Context, sessionID string, t time.Time) error
	ListBindings(ctx context.Context) ([]*UnattendedBinding, error)
	DeleteBinding(ctx context.Context, sessionID string) error

	// Audit trail.
	RecordEvent(ctx context.Context, e *SessionEvent) error
	ListEvents(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error)

	// Close releases database resources.
	Close() error
}

// UnattendedBinding is the durable record for an unattended desktop.
type UnattendedBinding struct {
	SessionID        string    `json:"session_id"`
	SealedKey        string    `json:"-"`
	MachineName      string    `json:"machine_name"`
	OrganizationName string    `json:"organization_name"`
	CreatedAt        time.Time `json:"created_at"`
	LastSeen         time.Time `json:"last_seen"`
}

// EventKind names an audited session transition.
type EventKind string

const (
	EventRegistered          EventKind = "registered"
	EventCastAccepted        EventKind = "cast_accepted"
	EventCastDenied          EventKind = "cast_denied"
	EventViewerLeft          EventKind = "viewer_left"
	EventDesktopDisconnected EventKind = "desktop_disconnected"
	EventRecovered           EventKind = "recovered"
	EventRemoved             EventKind = "removed"
)

// SessionEvent is one audit trail entry.
type SessionEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}
