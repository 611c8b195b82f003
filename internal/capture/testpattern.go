package capture

import (
	"context"
	"image"
	"sync/atomic"
)

const (
	defaultPatternWidth  = 800
	defaultPatternHeight = 600
	dotRadius            = 5
)

// TestPattern is a synthetic backend: a gradient with a grid and a dot
// that advances one step per frame. It reports the dot's damage directly.
type TestPattern struct {
	*state
	width, height int
	tick          atomic.Int64
	base          *image.RGBA
}

// NewTestPattern creates a test pattern backend of the given size.
func NewTestPattern(width, height int) *TestPattern {
	if width <= 0 {
		width = defaultPatternWidth
	}
	if height <= 0 {
		height = defaultPatternHeight
	}
	return &TestPattern{
		state:  newState([]string{"Test Pattern"}),
		width:  width,
		height: height,
		base:   renderBackground(width, height),
	}
}

func (p *TestPattern) GetNextFrame(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := int(p.tick.Add(1))

	img := image.NewRGBA(p.base.Rect)
	copy(img.Pix, p.base.Pix)
	prev := p.dotRect(n - 1)
	cur := p.dotRect(n)
	p.drawDot(img, n)

	p.observe(img)
	return &Frame{Image: img, Dirty: []image.Rectangle{prev.Union(cur)}}, nil
}

func (p *TestPattern) dotRect(n int) image.Rectangle {
	cx, cy := p.dotCenter(n)
	return image.Rect(cx-dotRadius, cy-dotRadius, cx+dotRadius+1, cy+dotRadius+1).Intersect(p.base.Rect)
}

func (p *TestPattern) dotCenter(n int) (int, int) {
	step := 4
	span := p.width - 2*dotRadius
	x := dotRadius + (n*step)%span
	return x, p.height / 2
}

func (p *TestPattern) drawDot(img *image.RGBA, n int) {
	cx, cy := p.dotCenter(n)
	for dy := -dotRadius; dy <= dotRadius; dy++ {
		for dx := -dotRadius; dx <= dotRadius; dx++ {
			if dx*dx+dy*dy > dotRadius*dotRadius {
				continue
			}
			px, py := cx+dx, cy+dy
			if px < 0 || px >= p.width || py < 0 || py >= p.height {
				continue
			}
			i := py*img.Stride + px*4
			img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 255, 100, 100, 255
		}
	}
}

func (p *TestPattern) GPUAccelerated() bool { return false }

func (p *TestPattern) Close() error { return nil }

// renderBackground draws the gradient and grid with direct pixel writes.
func renderBackground(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	pix := img.Pix
	stride := img.Stride

	for y := 0; y < height; y++ {
		g := uint8(50 + (y * 100 / height))
		off := y * stride
		for x := 0; x < width; x++ {
			i := off + x*4
			pix[i+0] = uint8(50 + (x * 100 / width))
			pix[i+1] = g
			pix[i+2] = 100
			pix[i+3] = 255
		}
	}

	for x := 0; x < width; x += 50 {
		for y := 0; y < height; y++ {
			i := y*stride + x*4
			pix[i], pix[i+1], pix[i+2], pix[i+3] = 255, 255, 255, 100
		}
	}
	for y := 0; y < height; y += 50 {
		off := y * stride
		for x := 0; x < width; x++ {
			i := off + x*4
			pix[i], pix[i+1], pix[i+2], pix[i+3] = 255, 255, 255, 100
		}
	}
	return img
}
