package capture

import (
	"bytes"
	"image"
)

// Differ keeps the previous frame and reports the bounding box of pixels
// that changed in the latest one.
type Differ struct {
	prev *image.RGBA
	area image.Rectangle
}

// Observe compares img against the previous frame and keeps a copy of it.
// The first frame, or one whose bounds differ, is reported as fully changed.
func (d *Differ) Observe(img *image.RGBA) {
	b := img.Bounds()
	if d.prev == nil || d.prev.Bounds() != b {
		d.area = b
	} else {
		d.area = changedArea(d.prev, img)
	}
	if d.prev == nil || d.prev.Bounds() != b {
		d.prev = image.NewRGBA(b)
	}
	rowBytes := b.Dx() * 4
	for y := 0; y < b.Dy(); y++ {
		copy(d.prev.Pix[y*d.prev.Stride:y*d.prev.Stride+rowBytes], img.Pix[y*img.Stride:y*img.Stride+rowBytes])
	}
}

// Area returns the changed region found by the last Observe.
func (d *Differ) Area() image.Rectangle { return d.area }

// Reset forgets the previous frame.
func (d *Differ) Reset() {
	d.prev = nil
	d.area = image.Rectangle{}
}

// changedArea scans rows for the first and last differing lines, then
// narrows the columns within them.
func changedArea(a, b *image.RGBA) image.Rectangle {
	bounds := b.Bounds()
	rowBytes := bounds.Dx() * 4

	top, bottom := -1, -1
	for y := 0; y < bounds.Dy(); y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+rowBytes]
		rb := b.Pix[y*b.Stride : y*b.Stride+rowBytes]
		if !bytes.Equal(ra, rb) {
			if top < 0 {
				top = y
			}
			bottom = y
		}
	}
	if top < 0 {
		return image.Rectangle{}
	}

	left, right := bounds.Dx(), -1
	for y := top; y <= bottom; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+rowBytes]
		rb := b.Pix[y*b.Stride : y*b.Stride+rowBytes]
		for x := 0; x < left; x++ {
			if !bytes.Equal(ra[x*4:x*4+4], rb[x*4:x*4+4]) {
				left = x
				break
			}
		}
		for x := bounds.Dx() - 1; x > right; x-- {
			if !bytes.Equal(ra[x*4:x*4+4], rb[x*4:x*4+4]) {
				right = x
				break
			}
		}
	}

	return image.Rect(left, top, right+1, bottom+1).Add(bounds.Min)
}
