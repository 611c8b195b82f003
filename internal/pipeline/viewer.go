// Package pipeline drives the desktop-side capture, encode and send loop
// for each viewer and keeps the per-viewer flow metrics that pace it.
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/avaropoint/remotecast/internal/metrics"
)

const (
	// MaxImageQuality is both the starting and the highest JPEG quality.
	MaxImageQuality = 80
	// MinImageQuality is the floor applied when backlog forces a drop.
	MinImageQuality = 20

	qualityStep     = 2
	qualityBackoff  = 10
	metricsWindow   = time.Second
	defaultStallAge = 15 * time.Second
)

// SentFrame records one encoded region handed to the transport.
type SentFrame struct {
	Size   int
	SentAt time.Time
}

// ViewerOptions configures a Viewer.
type ViewerOptions struct {
	StallTimeout time.Duration // unacknowledged age after which the viewer is stalled
	Now          func() time.Time
}

// Viewer is the desktop's view of one remote viewer: the frames it has
// not yet acknowledged and the rates derived from its acknowledgments.
type Viewer struct {
	ID        string
	SessionID string

	now          func() time.Time
	stallTimeout time.Duration

	mu       sync.Mutex
	pending  []SentFrame
	received []SentFrame // acknowledged within the last second, SentAt = ack time
	ticks    []time.Time
	rtt      time.Duration
	quality  int

	disconnect atomic.Bool
	control    atomic.Bool
}

// NewViewer creates a viewer with full quality and input control.
func NewViewer(id, sessionID string, opts ViewerOptions) *Viewer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = defaultStallAge
	}
	v := &Viewer{
		ID:           id,
		SessionID:    sessionID,
		now:          opts.Now,
		stallTimeout: opts.StallTimeout,
		quality:      MaxImageQuality,
	}
	v.control.Store(true)
	return v
}

// FrameSent queues an unacknowledged frame of size bytes.
func (v *Viewer) FrameSent(size int) {
	v.mu.Lock()
	v.pending = append(v.pending, SentFrame{Size: size, SentAt: v.now()})
	v.mu.Unlock()
}

// frameDropped withdraws the most recent FrameSent when the transport
// rejected the frame.
func (v *Viewer) frameDropped() {
	v.mu.Lock()
	if n := len(v.pending); n > 0 {
		v.pending = v.pending[:n-1]
	}
	v.mu.Unlock()
}

// FrameReceived handles one acknowledgment: the oldest pending frame is
// popped, the round trip measured, and its size counted toward Mbps.
func (v *Viewer) FrameReceived() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.pending) == 0 {
		return
	}
	frame := v.pending[0]
	v.pending[0] = SentFrame{}
	v.pending = v.pending[1:]

	now := v.now()
	v.rtt = now.Sub(frame.SentAt)
	v.received = append(v.received, SentFrame{Size: frame.Size, SentAt: now})
	v.pruneLocked(now)
	metrics.ViewerRoundTrip.Observe(v.rtt.Seconds())
}

// recordTick adds a capture tick to the FPS window.
func (v *Viewer) recordTick() {
	v.mu.Lock()
	now := v.now()
	v.ticks = append(v.ticks, now)
	v.pruneLocked(now)
	v.mu.Unlock()
}

func (v *Viewer) pruneLocked(now time.Time) {
	cutoff := now.Add(-metricsWindow)
	i := 0
	for i < len(v.ticks) && v.ticks[i].Before(cutoff) {
		i++
	}
	v.ticks = v.ticks[i:]

	j := 0
	for j < len(v.received) && v.received[j].SentAt.Before(cutoff) {
		j++
	}
	v.received = v.received[j:]
}

// CurrentFPS returns the number of ticks within the last second.
func (v *Viewer) CurrentFPS() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pruneLocked(v.now())
	return len(v.ticks)
}

// CurrentMbps returns the acknowledged throughput over the last second.
func (v *Viewer) CurrentMbps() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pruneLocked(v.now())
	total := 0
	for _, f := range v.received {
		total += f.Size
	}
	return float64(total) * 8 / 1_000_000
}

// RoundTripLatency returns the most recent acknowledgment latency.
func (v *Viewer) RoundTripLatency() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rtt
}

// PendingFrames returns the number of unacknowledged frames.
func (v *Viewer) PendingFrames() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

// OldestPending returns the age of the oldest unacknowledged frame and
// false when nothing is pending.
func (v *Viewer) OldestPending() (time.Duration, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.pending) == 0 {
		return 0, false
	}
	return v.now().Sub(v.pending[0].SentAt), true
}

// IsStalled reports whether the oldest pending frame has gone
// unacknowledged longer than the stall timeout.
func (v *Viewer) IsStalled() bool {
	age, ok := v.OldestPending()
	return ok && age > v.stallTimeout
}

// ImageQuality returns the JPEG quality for the next encode.
func (v *Viewer) ImageQuality() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.quality
}

func (v *Viewer) raiseQuality() {
	v.mu.Lock()
	v.quality = min(v.quality+qualityStep, MaxImageQuality)
	v.mu.Unlock()
}

func (v *Viewer) lowerQuality() {
	v.mu.Lock()
	v.quality = max(v.quality-qualityBackoff, MinImageQuality)
	v.mu.Unlock()
}

// RequestDisconnect asks the cast loop to stop at its next tick.
func (v *Viewer) RequestDisconnect() { v.disconnect.Store(true) }

// DisconnectRequested reports whether RequestDisconnect was called.
func (v *Viewer) DisconnectRequested() bool { return v.disconnect.Load() }

// HasControl reports whether the viewer's input is injected.
func (v *Viewer) HasControl() bool { return v.control.Load() }

// SetHasControl grants or revokes input control.
func (v *Viewer) SetHasControl(ok bool) { v.control.Store(ok) }
