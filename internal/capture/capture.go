// Package capture grabs screen frames for the streaming pipeline. The
// backend is picked once at startup; the pipeline only sees Adapter.
package capture

import (
	"context"
	"errors"
	"image"
	"os/exec"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/avaropoint/remotecast/internal/log"
)

// ErrUnknownScreen is returned when selecting a display that does not exist.
var ErrUnknownScreen = errors.New("unknown screen")

// Frame is one capture result. An empty Dirty list means the backend does
// not track damage; callers fall back to GetFrameDiffArea.
type Frame struct {
	Image *image.RGBA
	Dirty []image.Rectangle
}

// Adapter is the contract every capture backend satisfies.
type Adapter interface {
	GetNextFrame(ctx context.Context) (*Frame, error)
	// GetFrameDiffArea returns the bounding box of pixels that changed
	// between the last two frames, or the whole screen while
	// CaptureFullscreen is set.
	GetFrameDiffArea() image.Rectangle
	CaptureFullscreen() bool
	SetCaptureFullscreen(bool)
	CurrentScreenBounds() image.Rectangle
	SelectedScreen() string
	Screens() []string
	SetSelectedScreen(name string) error
	// ScreenChanged delivers the new bounds after a geometry change.
	ScreenChanged() <-chan image.Rectangle
	GPUAccelerated() bool
	Close() error
}

// Options configures New.
type Options struct {
	// ForceTestPattern skips probing for screenshot tools.
	ForceTestPattern bool
	Width, Height    int
	Logger           *zerolog.Logger
}

// New picks the best backend available on this host: a screenshot tool
// when one is installed, otherwise the synthetic test pattern.
func New(opts Options) Adapter {
	logger := log.WithComponent("capture")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if !opts.ForceTestPattern {
		if tool, ok := probeTool(runtime.GOOS); ok {
			logger.Info().Str("tool", tool.name).Msg("using screenshot capture")
			return newScreenshotAdapter(tool, logger)
		}
		logger.Warn().Msg("no screenshot tool found, streaming test pattern")
	}
	return NewTestPattern(opts.Width, opts.Height)
}

func probeTool(goos string) (screenshotTool, bool) {
	for _, t := range toolsFor(goos) {
		if _, err := exec.LookPath(t.binary); err == nil {
			return t, true
		}
	}
	return screenshotTool{}, false
}

// state carries what every backend shares: the differ, the full-frame
// flag, the selected screen, and the change notifications.
type state struct {
	mu         sync.Mutex
	differ     Differ
	fullscreen bool
	bounds     image.Rectangle
	screens    []string
	selected   int
	changed    chan image.Rectangle
}

func newState(screens []string) *state {
	if len(screens) == 0 {
		screens = []string{"Display 1"}
	}
	return &state{
		fullscreen: true,
		screens:    screens,
		changed:    make(chan image.Rectangle, 1),
	}
}

// observe records a newly captured frame. A change in geometry re-arms the
// full-frame flag and notifies subscribers.
func (s *state) observe(img *image.RGBA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.differ.Observe(img)
	if b := img.Bounds(); b != s.bounds {
		s.bounds = b
		s.fullscreen = true
		s.notifyLocked(b)
	}
}

func (s *state) notifyLocked(b image.Rectangle) {
	select {
	case s.changed <- b:
	default:
		// Replace a stale pending notification with the latest bounds.
		select {
		case <-s.changed:
		default:
		}
		select {
		case s.changed <- b:
		default:
		}
	}
}

func (s *state) GetFrameDiffArea() image.Rectangle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fullscreen {
		return s.bounds
	}
	return s.differ.Area()
}

func (s *state) CaptureFullscreen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullscreen
}

func (s *state) SetCaptureFullscreen(v bool) {
	s.mu.Lock()
	s.fullscreen = v
	s.mu.Unlock()
}

func (s *state) CurrentScreenBounds() image.Rectangle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds
}

func (s *state) SelectedScreen() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screens[s.selected]
}

func (s *state) Screens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.screens...)
}

func (s *state) SetSelectedScreen(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.screens {
		if n == name {
			if i != s.selected {
				s.selected = i
				s.fullscreen = true
				s.differ.Reset()
			}
			return nil
		}
	}
	return ErrUnknownScreen
}

func (s *state) selectedIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *state) ScreenChanged() <-chan image.Rectangle { return s.changed }
