package viewer

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"sync"

	"github.com/avaropoint/remotecast/internal/protocol"
)

// Canvas composites received frame regions into the remote screen.
type Canvas struct {
	mu      sync.Mutex
	img     *image.RGBA
	frames  int
	changed bool
}

// NewCanvas creates an empty canvas.
func NewCanvas() *Canvas {
	return &Canvas{img: image.NewRGBA(image.Rect(0, 0, 0, 0))}
}

// Resize sets the screen size, keeping what overlaps the old one.
func (c *Canvas) Resize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.img.Bounds().Dx() == width && c.img.Bounds().Dy() == height {
		return
	}
	next := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(next, c.img.Bounds(), c.img, image.Point{}, draw.Src)
	c.img = next
	c.changed = true
}

// Apply decodes one frame and draws it at its region. A region beyond
// the current bounds grows the canvas.
func (c *Canvas) Apply(f protocol.Frame) error {
	src, err := jpeg.Decode(bytes.NewReader(f.Image))
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !f.Region.In(c.img.Bounds()) {
		grown := image.NewRGBA(c.img.Bounds().Union(image.Rect(0, 0, f.Region.Max.X, f.Region.Max.Y)))
		draw.Draw(grown, c.img.Bounds(), c.img, c.img.Bounds().Min, draw.Src)
		c.img = grown
	}
	draw.Draw(c.img, f.Region, src, src.Bounds().Min, draw.Src)
	c.frames++
	c.changed = true
	return nil
}

// Frames returns how many regions have been drawn.
func (c *Canvas) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Bounds returns the current canvas bounds.
func (c *Canvas) Bounds() image.Rectangle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.img.Bounds()
}

// TakeSnapshot returns a copy of the canvas if it changed since the last
// call.
func (c *Canvas) TakeSnapshot() (*image.RGBA, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.changed || c.img.Bounds().Empty() {
		return nil, false
	}
	c.changed = false
	out := image.NewRGBA(c.img.Bounds())
	copy(out.Pix, c.img.Pix)
	return out, true
}
