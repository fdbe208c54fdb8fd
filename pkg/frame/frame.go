// Package frame holds the raw pixel data model shared by the sharer and the
// viewer: frames, rectangles and dirty regions.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// PixelFormat describes the channel count and order of raw pixels.
type PixelFormat uint8

const (
	FormatBGRA PixelFormat = iota + 1 // what ScreenCaptureKit and most OS grabbers hand out
	FormatRGBA
	FormatRGB
	FormatGray
)

// Channels returns bytes per pixel, or 0 for an unknown format.
func (f PixelFormat) Channels() int {
	switch f {
	case FormatBGRA, FormatRGBA:
		return 4
	case FormatRGB:
		return 3
	case FormatGray:
		return 1
	default:
		return 0
	}
}

// Valid reports whether f is a known format.
func (f PixelFormat) Valid() bool { return f.Channels() > 0 }

func (f PixelFormat) String() string {
	switch f {
	case FormatBGRA:
		return "bgra"
	case FormatRGBA:
		return "rgba"
	case FormatRGB:
		return "rgb"
	case FormatGray:
		return "gray"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

var (
	// ErrInvalidFrame is returned for frames whose buffer does not match their geometry.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrOutOfBounds is returned when a rectangle does not fit inside a frame.
	ErrOutOfBounds = errors.New("rectangle out of frame bounds")
)

// Frame is a captured screen image. Pixel rows are tightly packed
// (stride == Width * channels). A Frame is treated as immutable once it
// leaves the capture collaborator.
type Frame struct {
	Width    int
	Height   int
	Format   PixelFormat
	Seq      uint64
	Captured time.Time
	Pix      []byte
}

// New allocates a zeroed frame.
func New(width, height int, format PixelFormat) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Format: format,
		Pix:    make([]byte, width*height*format.Channels()),
	}
}

// Stride returns the number of bytes per row.
func (f *Frame) Stride() int { return f.Width * f.Format.Channels() }

// Bounds returns the rectangle covering the whole frame.
func (f *Frame) Bounds() Rect { return Rect{W: f.Width, H: f.Height} }

// Validate checks the buffer against the declared geometry.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if !f.Format.Valid() {
		return fmt.Errorf("%w: unknown pixel format %d", ErrInvalidFrame, f.Format)
	}
	if want := f.Stride() * f.Height; len(f.Pix) != want {
		return fmt.Errorf("%w: buffer is %d bytes, want %d", ErrInvalidFrame, len(f.Pix), want)
	}
	return nil
}

// SameGeometry reports whether two frames can be diffed against each other.
func (f *Frame) SameGeometry(o *Frame) bool {
	return f != nil && o != nil && f.Width == o.Width && f.Height == o.Height && f.Format == o.Format
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Pix = bytes.Clone(f.Pix)
	return &c
}

// Equal compares geometry and pixels, ignoring Seq and Captured.
func (f *Frame) Equal(o *Frame) bool {
	return f.SameGeometry(o) && bytes.Equal(f.Pix, o.Pix)
}

// Extract copies the pixels of r into a new tightly packed buffer.
func (f *Frame) Extract(r Rect) ([]byte, error) {
	if r.Empty() || !f.Bounds().Contains(r) {
		return nil, fmt.Errorf("%w: %s in %dx%d", ErrOutOfBounds, r, f.Width, f.Height)
	}
	ch := f.Format.Channels()
	rowLen := r.W * ch
	out := make([]byte, rowLen*r.H)
	stride := f.Stride()
	for y := 0; y < r.H; y++ {
		src := (r.Y+y)*stride + r.X*ch
		copy(out[y*rowLen:(y+1)*rowLen], f.Pix[src:src+rowLen])
	}
	return out, nil
}

// Patch writes tightly packed pixels into r, in place. Only frames owned by
// the caller (the reconstructor's private buffer, synthetic sources) may be
// patched.
func (f *Frame) Patch(r Rect, pix []byte) error {
	if r.Empty() || !f.Bounds().Contains(r) {
		return fmt.Errorf("%w: %s in %dx%d", ErrOutOfBounds, r, f.Width, f.Height)
	}
	ch := f.Format.Channels()
	rowLen := r.W * ch
	if len(pix) != rowLen*r.H {
		return fmt.Errorf("%w: region %s carries %d bytes, want %d", ErrInvalidFrame, r, len(pix), rowLen*r.H)
	}
	stride := f.Stride()
	for y := 0; y < r.H; y++ {
		dst := (r.Y+y)*stride + r.X*ch
		copy(f.Pix[dst:dst+rowLen], pix[y*rowLen:(y+1)*rowLen])
	}
	return nil
}

// Fill paints r with a single pixel value (len(px) == channels).
func (f *Frame) Fill(r Rect, px []byte) {
	ch := f.Format.Channels()
	if len(px) != ch {
		return
	}
	r = clip(r, f.Bounds())
	stride := f.Stride()
	for y := r.Y; y < r.Bottom(); y++ {
		row := f.Pix[y*stride : (y+1)*stride]
		for x := r.X; x < r.Right(); x++ {
			copy(row[x*ch:x*ch+ch], px)
		}
	}
}

func clip(r, bounds Rect) Rect {
	x0, y0 := max(r.X, bounds.X), max(r.Y, bounds.Y)
	x1, y1 := min(r.Right(), bounds.Right()), min(r.Bottom(), bounds.Bottom())
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}
