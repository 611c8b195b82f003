package capture

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestDiffer_ReportsBoundingBox(t *testing.T) {
	var d Differ
	base := solid(100, 80, color.RGBA{10, 10, 10, 255})

	d.Observe(base)
	assert.Equal(t, base.Bounds(), d.Area(), "first frame is fully changed")

	same := solid(100, 80, color.RGBA{10, 10, 10, 255})
	d.Observe(same)
	assert.True(t, d.Area().Empty())

	changed := solid(100, 80, color.RGBA{10, 10, 10, 255})
	changed.SetRGBA(20, 30, color.RGBA{255, 0, 0, 255})
	changed.SetRGBA(60, 45, color.RGBA{0, 255, 0, 255})
	d.Observe(changed)
	assert.Equal(t, image.Rect(20, 30, 61, 46), d.Area())

	resized := solid(50, 50, color.RGBA{10, 10, 10, 255})
	d.Observe(resized)
	assert.Equal(t, resized.Bounds(), d.Area())

	d.Reset()
	assert.True(t, d.Area().Empty())
}

func TestTestPattern_FramesAndDamage(t *testing.T) {
	p := NewTestPattern(200, 100)
	ctx := context.Background()

	select {
	case <-p.ScreenChanged():
		t.Fatal("no change before first frame")
	default:
	}

	f1, err := p.GetNextFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 200, 100), f1.Image.Bounds())
	assert.True(t, p.CaptureFullscreen())
	assert.Equal(t, f1.Image.Bounds(), p.GetFrameDiffArea())
	assert.Equal(t, f1.Image.Bounds(), <-p.ScreenChanged())

	p.SetCaptureFullscreen(false)
	f2, err := p.GetNextFrame(ctx)
	require.NoError(t, err)
	require.Len(t, f2.Dirty, 1)

	diff := p.GetFrameDiffArea()
	assert.False(t, diff.Empty())
	assert.True(t, diff.In(f2.Dirty[0]), "diff %v within dirty %v", diff, f2.Dirty[0])

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.GetNextFrame(cancelled)
	require.ErrorIs(t, err, context.Canceled)
}

func TestState_SelectScreen(t *testing.T) {
	s := newState([]string{"Display 1", "Display 2"})
	s.SetCaptureFullscreen(false)

	assert.Equal(t, "Display 1", s.SelectedScreen())
	require.NoError(t, s.SetSelectedScreen("Display 2"))
	assert.Equal(t, "Display 2", s.SelectedScreen())
	assert.Equal(t, 1, s.selectedIndex())
	assert.True(t, s.CaptureFullscreen())

	require.ErrorIs(t, s.SetSelectedScreen("Display 9"), ErrUnknownScreen)
	assert.Equal(t, []string{"Display 1", "Display 2"}, s.Screens())
}

func TestNew_ForceTestPattern(t *testing.T) {
	a := New(Options{ForceTestPattern: true, Width: 64, Height: 48})
	_, ok := a.(*TestPattern)
	require.True(t, ok)
	assert.False(t, a.GPUAccelerated())
	assert.NoError(t, a.Close())
}
