package frame

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// ScaledSize returns the dimensions of a w×h frame at the given scale,
// never below 1×1.
func ScaledSize(w, h int, scale float64) (int, int) {
	if scale <= 0 || scale >= 1 {
		return w, h
	}
	sw, sh := int(float64(w)*scale), int(float64(h)*scale)
	return max(sw, 1), max(sh, 1)
}

// Scale returns a resampled copy of f. Scale factors >= 1 return f itself.
// Four-channel and gray frames go through x/image/draw's bilinear
// resampler; RGB has no image.Image counterpart and uses nearest neighbour.
func Scale(f *Frame, scale float64) (*Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	w, h := ScaledSize(f.Width, f.Height, scale)
	if w == f.Width && h == f.Height {
		return f, nil
	}

	out := New(w, h, f.Format)
	out.Seq = f.Seq
	out.Captured = f.Captured

	switch f.Format {
	case FormatBGRA, FormatRGBA:
		// Channel order is irrelevant to per-channel interpolation, so BGRA
		// rides through image.RGBA unchanged.
		src := &image.RGBA{Pix: f.Pix, Stride: f.Stride(), Rect: image.Rect(0, 0, f.Width, f.Height)}
		dst := &image.RGBA{Pix: out.Pix, Stride: out.Stride(), Rect: image.Rect(0, 0, w, h)}
		draw.ApproxBiLinear.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)
	case FormatGray:
		src := &image.Gray{Pix: f.Pix, Stride: f.Stride(), Rect: image.Rect(0, 0, f.Width, f.Height)}
		dst := &image.Gray{Pix: out.Pix, Stride: out.Stride(), Rect: image.Rect(0, 0, w, h)}
		draw.ApproxBiLinear.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)
	case FormatRGB:
		nearest(out, f)
	default:
		return nil, fmt.Errorf("%w: cannot scale %s", ErrInvalidFrame, f.Format)
	}
	return out, nil
}

func nearest(dst, src *Frame) {
	ch := src.Format.Channels()
	for y := 0; y < dst.Height; y++ {
		sy := y * src.Height / dst.Height
		for x := 0; x < dst.Width; x++ {
			sx := x * src.Width / dst.Width
			s := sy*src.Stride() + sx*ch
			d := y*dst.Stride() + x*ch
			copy(dst.Pix[d:d+ch], src.Pix[s:s+ch])
		}
	}
}
