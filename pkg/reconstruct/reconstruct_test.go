package reconstruct

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/peepcast/pkg/codec"
	"github.com/tomaslejdung/peepcast/pkg/frame"
	"github.com/tomaslejdung/peepcast/pkg/pcc"
)

func full(seq uint64, f *frame.Frame) *codec.Update {
	return &codec.Update{Seq: seq, Width: f.Width, Height: f.Height, Format: f.Format, FullFrame: true,
		Regions: []frame.DirtyRegion{{Rect: f.Bounds(), Pix: append([]byte(nil), f.Pix...)}}}
}

func patch(seq uint64, w, h int, r frame.Rect, px byte) *codec.Update {
	pix := make([]byte, r.W*r.H)
	for i := range pix {
		pix[i] = px
	}
	return &codec.Update{Seq: seq, Width: w, Height: h, Format: frame.FormatGray,
		Regions: []frame.DirtyRegion{{Rect: r, Pix: pix}}}
}

func TestPatchBeforeFullFrame(t *testing.T) {
	r := New()
	_, err := r.Apply(patch(1, 8, 8, frame.Rect{W: 2, H: 2}, 1))
	assert.ErrorIs(t, err, ErrNoBaseline)
	assert.Nil(t, r.Frame())
}

func TestApplyInOrderAndDropStale(t *testing.T) {
	r := New()
	base := frame.New(8, 8, frame.FormatGray)

	ok, err := r.Apply(full(1, base))
	require.NoError(t, err)
	require.True(t, ok)
	first := r.Frame()

	ok, err = r.Apply(patch(2, 8, 8, frame.Rect{X: 2, Y: 2, W: 2, H: 2}, 9))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Apply(patch(2, 8, 8, frame.Rect{W: 8, H: 8}, 5))
	require.NoError(t, err)
	assert.False(t, ok, "duplicate sequence must be ignored")
	ok, _ = r.Apply(patch(1, 8, 8, frame.Rect{W: 8, H: 8}, 5))
	assert.False(t, ok, "older sequence must be ignored")

	got := r.Frame()
	assert.Equal(t, uint64(2), r.LastSeq())
	assert.Equal(t, uint64(2), got.Seq)
	assert.Equal(t, byte(9), got.Pix[2*8+2])
	assert.Equal(t, byte(0), got.Pix[0])
	assert.Equal(t, byte(0), first.Pix[2*8+2], "published snapshot was mutated")
}

func TestOutOfBoundsRejected(t *testing.T) {
	r := New()
	_, err := r.Apply(full(1, frame.New(8, 8, frame.FormatGray)))
	require.NoError(t, err)

	_, err = r.Apply(patch(2, 8, 8, frame.Rect{X: 6, Y: 6, W: 4, H: 4}, 1))
	assert.ErrorIs(t, err, ErrRegionOutOfBounds)

	_, err = r.Apply(patch(3, 16, 8, frame.Rect{W: 2, H: 2}, 1))
	assert.ErrorIs(t, err, ErrRegionOutOfBounds)
	assert.Equal(t, uint64(1), r.LastSeq())
}

func TestFullFrameReplacesDimensions(t *testing.T) {
	r := New()
	_, err := r.Apply(full(1, frame.New(8, 8, frame.FormatGray)))
	require.NoError(t, err)
	_, err = r.Apply(full(2, frame.New(4, 2, frame.FormatRGB)))
	require.NoError(t, err)

	f := r.Frame()
	assert.Equal(t, 4, f.Width)
	assert.Equal(t, 2, f.Height)
	assert.Equal(t, frame.FormatRGB, f.Format)
}

// Diffing a sequence of frames and applying the results reproduces the last
// frame exactly.
func TestDiffApplyReproducesFrames(t *testing.T) {
	d := pcc.NewDifferencer(pcc.WithBlockSize(8))
	r := New()
	cur := frame.New(64, 48, frame.FormatBGRA)
	cur.Fill(cur.Bounds(), []byte{1, 2, 3, 255})

	for seq := uint64(1); seq <= 20; seq++ {
		next := cur.Clone()
		next.Fill(frame.Rect{X: int(seq*3) % 60, Y: int(seq*5) % 44, W: 4, H: 4}, []byte{byte(seq), 0, 0, 255})
		res, err := d.Diff(next)
		require.NoError(t, err)

		u := &codec.Update{Seq: seq, Width: next.Width, Height: next.Height, Format: next.Format,
			FullFrame: res.FullFrame, Regions: res.Regions}
		_, err = r.Apply(u)
		require.NoError(t, err)
		require.Equal(t, next.Pix, r.Frame().Pix, "seq %d", seq)
		cur = next
	}
}

func TestConcurrentReaders(t *testing.T) {
	r := New()
	_, err := r.Apply(full(1, frame.New(32, 32, frame.FormatGray)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				f := r.Frame()
				_ = f.Pix[len(f.Pix)-1]
			}
		}()
	}
	for seq := uint64(2); seq < 200; seq++ {
		_, err := r.Apply(patch(seq, 32, 32, frame.Rect{X: int(seq % 30), W: 2, H: 2}, byte(seq)))
		require.NoError(t, err)
	}
	wg.Wait()
}
