package frame

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	f := New(4, 2, FormatBGRA)
	require.NoError(t, f.Validate())

	f.Pix = f.Pix[:len(f.Pix)-1]
	assert.ErrorIs(t, f.Validate(), ErrInvalidFrame)

	assert.ErrorIs(t, (&Frame{Width: 2, Height: 2, Format: 0, Pix: make([]byte, 4)}).Validate(), ErrInvalidFrame)
	assert.ErrorIs(t, (*Frame)(nil).Validate(), ErrInvalidFrame)
}

func TestExtractPatchRoundTrip(t *testing.T) {
	src := New(8, 8, FormatRGB)
	for i := range src.Pix {
		src.Pix[i] = byte(i)
	}
	r := Rect{X: 2, Y: 3, W: 4, H: 2}

	pix, err := src.Extract(r)
	require.NoError(t, err)
	assert.Len(t, pix, 4*2*3)

	dst := New(8, 8, FormatRGB)
	require.NoError(t, dst.Patch(r, pix))

	got, err := dst.Extract(r)
	require.NoError(t, err)
	assert.Equal(t, pix, got)

	// Pixels outside r stay zero.
	outside, err := dst.Extract(Rect{X: 0, Y: 0, W: 8, H: 3})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8*3*3), outside)
}

func TestPatchRejectsBadInput(t *testing.T) {
	f := New(4, 4, FormatGray)
	assert.ErrorIs(t, f.Patch(Rect{X: 3, Y: 3, W: 2, H: 2}, make([]byte, 4)), ErrOutOfBounds)
	assert.ErrorIs(t, f.Patch(Rect{W: 2, H: 2}, make([]byte, 3)), ErrInvalidFrame)
}

func TestRectOps(t *testing.T) {
	a := Rect{X: 0, Y: 0, W: 16, H: 16}
	b := Rect{X: 16, Y: 0, W: 16, H: 16}
	assert.False(t, a.Overlaps(b))
	assert.Equal(t, Rect{W: 32, H: 16}, a.Union(b))
	assert.True(t, a.Union(b).Contains(b))
	assert.True(t, a.Less(b))
	assert.True(t, Rect{X: 8, Y: 8, W: 16, H: 16}.Overlaps(a))
}

func TestScale(t *testing.T) {
	for _, format := range []PixelFormat{FormatBGRA, FormatGray, FormatRGB} {
		t.Run(format.String(), func(t *testing.T) {
			f := New(64, 32, format)
			f.Seq = 9
			f.Fill(f.Bounds(), make([]byte, format.Channels()))

			half, err := Scale(f, 0.5)
			require.NoError(t, err)
			assert.Equal(t, 32, half.Width)
			assert.Equal(t, 16, half.Height)
			assert.Equal(t, uint64(9), half.Seq)
			require.NoError(t, half.Validate())

			same, err := Scale(f, 1)
			require.NoError(t, err)
			assert.Same(t, f, same)
		})
	}
}

func TestImageConversionRoundTrip(t *testing.T) {
	for _, format := range []PixelFormat{FormatBGRA, FormatRGBA, FormatRGB, FormatGray} {
		f := New(5, 3, format)
		for i := range f.Pix {
			f.Pix[i] = byte(i * 7)
		}
		if format == FormatBGRA || format == FormatRGBA {
			// Opaque pixels survive the premultiplied round trip exactly.
			for i := 3; i < len(f.Pix); i += 4 {
				f.Pix[i] = 0xff
			}
		}
		img, err := ToImage(f)
		require.NoError(t, err)
		back, err := FromImage(img, format)
		require.NoError(t, err)
		assert.Equal(t, f.Pix, back.Pix, format.String())
	}
}

func TestPixel(t *testing.T) {
	f := New(2, 1, FormatBGRA)
	copy(f.Pix[4:], []byte{1, 2, 3, 4})
	assert.Equal(t, color.RGBA{R: 3, G: 2, B: 1, A: 4}, f.Pixel(1, 0))
}
