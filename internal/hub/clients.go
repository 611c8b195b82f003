package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/avaropoint/remotecast/internal/metrics"
	"github.com/avaropoint/remotecast/internal/protocol"
)

// ErrNotConnected is returned when addressing an unknown connection.
var ErrNotConnected = errors.New("connection not found")

// Clients addresses connected peers by connection ID.
type Clients interface {
	Send(connID, event string, payload any) error
	Invoke(ctx context.Context, connID, method string, payload, out any) error
}

// ConnectionManager tracks the live peers of one role.
type ConnectionManager struct {
	role  string
	mu    sync.RWMutex
	peers map[string]*protocol.Peer
}

// NewConnectionManager creates an empty manager. role labels metrics.
func NewConnectionManager(role string) *ConnectionManager {
	return &ConnectionManager{role: role, peers: make(map[string]*protocol.Peer)}
}

// Add registers peer under connID.
func (m *ConnectionManager) Add(connID string, peer *protocol.Peer) {
	m.mu.Lock()
	m.peers[connID] = peer
	m.mu.Unlock()
	metrics.ConnectedPeers.WithLabelValues(m.role).Inc()
}

// Remove forgets connID.
func (m *ConnectionManager) Remove(connID string) {
	m.mu.Lock()
	_, ok := m.peers[connID]
	delete(m.peers, connID)
	m.mu.Unlock()
	if ok {
		metrics.ConnectedPeers.WithLabelValues(m.role).Dec()
	}
}

// Get returns the peer for connID.
func (m *ConnectionManager) Get(connID string) (*protocol.Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[connID]
	return p, ok
}

// Len returns the number of live peers.
func (m *ConnectionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

func (m *ConnectionManager) Send(connID, event string, payload any) error {
	p, ok := m.Get(connID)
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNotConnected, m.role, connID)
	}
	return p.Send(event, payload)
}

func (m *ConnectionManager) Invoke(ctx context.Context, connID, method string, payload, out any) error {
	p, ok := m.Get(connID)
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNotConnected, m.role, connID)
	}
	return p.Invoke(ctx, method, payload, out)
}
