package frame

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// ToImage converts f into a standard library image for encoding or display.
// RGBA and Gray share f's buffer; BGRA and RGB are converted into a copy.
func ToImage(f *Frame) (image.Image, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Format {
	case FormatRGBA:
		return &image.RGBA{Pix: f.Pix, Stride: f.Stride(), Rect: rect}, nil
	case FormatGray:
		return &image.Gray{Pix: f.Pix, Stride: f.Stride(), Rect: rect}, nil
	case FormatBGRA:
		img := image.NewRGBA(rect)
		for i := 0; i+3 < len(f.Pix); i += 4 {
			img.Pix[i+0] = f.Pix[i+2]
			img.Pix[i+1] = f.Pix[i+1]
			img.Pix[i+2] = f.Pix[i+0]
			img.Pix[i+3] = f.Pix[i+3]
		}
		return img, nil
	case FormatRGB:
		img := image.NewRGBA(rect)
		for s, d := 0, 0; s+2 < len(f.Pix); s, d = s+3, d+4 {
			img.Pix[d+0] = f.Pix[s+0]
			img.Pix[d+1] = f.Pix[s+1]
			img.Pix[d+2] = f.Pix[s+2]
			img.Pix[d+3] = 0xff
		}
		return img, nil
	}
	return nil, fmt.Errorf("%w: unknown pixel format %d", ErrInvalidFrame, f.Format)
}

// FromImage converts img into a frame of the given format.
func FromImage(img image.Image, format PixelFormat) (*Frame, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidFrame)
	}
	f := New(b.Dx(), b.Dy(), format)
	switch format {
	case FormatGray:
		dst := &image.Gray{Pix: f.Pix, Stride: f.Stride(), Rect: image.Rect(0, 0, f.Width, f.Height)}
		draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
		return f, nil
	case FormatRGBA, FormatBGRA, FormatRGB:
	default:
		return nil, fmt.Errorf("%w: unknown pixel format %d", ErrInvalidFrame, format)
	}

	rgba := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
	switch format {
	case FormatRGBA:
		copy(f.Pix, rgba.Pix)
	case FormatBGRA:
		for i := 0; i+3 < len(rgba.Pix); i += 4 {
			f.Pix[i+0] = rgba.Pix[i+2]
			f.Pix[i+1] = rgba.Pix[i+1]
			f.Pix[i+2] = rgba.Pix[i+0]
			f.Pix[i+3] = rgba.Pix[i+3]
		}
	case FormatRGB:
		for s, d := 0, 0; s+3 < len(rgba.Pix); s, d = s+4, d+3 {
			copy(f.Pix[d:d+3], rgba.Pix[s:s+3])
		}
	}
	return f, nil
}

// Pixel returns the colour at (x, y), for tests and the dashboard preview.
func (f *Frame) Pixel(x, y int) color.Color {
	ch := f.Format.Channels()
	i := y*f.Stride() + x*ch
	p := f.Pix[i : i+ch]
	switch f.Format {
	case FormatBGRA:
		return color.RGBA{R: p[2], G: p[1], B: p[0], A: p[3]}
	case FormatRGBA:
		return color.RGBA{R: p[0], G: p[1], B: p[2], A: p[3]}
	case FormatRGB:
		return color.RGBA{R: p[0], G: p[1], B: p[2], A: 0xff}
	default:
		return color.Gray{Y: p[0]}
	}
}
