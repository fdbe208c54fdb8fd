package pcc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/peepcast/pkg/frame"
)

var (
	colorA = []byte{10, 20, 30, 255}
	colorB = []byte{200, 100, 50, 255}
)

func solid(w, h int, px []byte) *frame.Frame {
	f := frame.New(w, h, frame.FormatBGRA)
	f.Fill(f.Bounds(), px)
	return f
}

func primed(t *testing.T, d *Differencer, f *frame.Frame) {
	t.Helper()
	res, err := d.Diff(f)
	require.NoError(t, err)
	require.True(t, res.FullFrame)
}

func TestFirstDiffIsFullFrame(t *testing.T) {
	d := NewDifferencer()
	f := solid(64, 48, colorA)

	res, err := d.Diff(f)
	require.NoError(t, err)
	assert.True(t, res.FullFrame)
	require.Len(t, res.Regions, 1)
	assert.Equal(t, f.Bounds(), res.Regions[0].Rect)
	assert.Equal(t, f.Pix, res.Regions[0].Pix)
	assert.Same(t, f, d.Baseline())
}

func TestIdenticalFrameYieldsNoRegions(t *testing.T) {
	d := NewDifferencer()
	f := solid(640, 480, colorA)
	primed(t, d, f)

	res, err := d.Diff(f.Clone())
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.False(t, res.FullFrame)
	assert.Equal(t, 0, res.DirtyBlocks)
	assert.Equal(t, 40*30, res.TotalBlocks)
}

func TestSingleBlockChange(t *testing.T) {
	d := NewDifferencer()
	old := solid(640, 480, colorA)
	primed(t, d, old)

	cur := old.Clone()
	block := frame.Rect{X: 320, Y: 240, W: 16, H: 16}
	cur.Fill(block, colorB)

	res, err := d.Diff(cur)
	require.NoError(t, err)
	require.Len(t, res.Regions, 1)
	assert.Equal(t, block, res.Regions[0].Rect)

	want, err := cur.Extract(block)
	require.NoError(t, err)
	assert.Equal(t, want, res.Regions[0].Pix)
}

func TestUnalignedChangeIsBlockAligned(t *testing.T) {
	d := NewDifferencer()
	old := solid(100, 70, colorA)
	primed(t, d, old)

	cur := old.Clone()
	cur.Fill(frame.Rect{X: 30, Y: 30, W: 5, H: 5}, colorB)

	res, err := d.Diff(cur)
	require.NoError(t, err)
	require.Len(t, res.Regions, 1)
	assert.Equal(t, frame.Rect{X: 16, Y: 16, W: 32, H: 32}, res.Regions[0].Rect)
}

func TestEdgeBlocksAreClipped(t *testing.T) {
	d := NewDifferencer()
	old := solid(100, 70, colorA)
	primed(t, d, old)

	cur := old.Clone()
	cur.Fill(frame.Rect{X: 99, Y: 69, W: 1, H: 1}, colorB)

	res, err := d.Diff(cur)
	require.NoError(t, err)
	require.Len(t, res.Regions, 1)
	assert.Equal(t, frame.Rect{X: 96, Y: 64, W: 4, H: 6}, res.Regions[0].Rect)
}

func TestRoundTripRandomEdits(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, sparse := range []float64{0, 1} {
		d := NewDifferencer(WithSparseRatio(sparse), WithWorkers(3))
		old := solid(320, 200, colorA)
		primed(t, d, old)
		shadow := old.Clone()

		for i := 0; i < 40; i++ {
			cur := d.Baseline().Clone()
			edits := 1 + rng.Intn(6)
			for e := 0; e < edits; e++ {
				r := frame.Rect{X: rng.Intn(300), Y: rng.Intn(180), W: 1 + rng.Intn(60), H: 1 + rng.Intn(40)}
				cur.Fill(r, []byte{byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256)), 255})
			}

			res, err := d.Diff(cur)
			require.NoError(t, err)
			assert.True(t, frame.Disjoint(res.Regions), "regions overlap")
			for k := 1; k < len(res.Regions); k++ {
				assert.False(t, res.Regions[k].Less(res.Regions[k-1].Rect), "regions out of scan order")
			}

			require.NoError(t, frame.Apply(shadow, res.Regions))
			require.True(t, shadow.Equal(cur), "edit %d: reconstructed frame differs", i)
		}
	}
}

func TestSparseBiasEmitsTightRuns(t *testing.T) {
	// An L-shape: dense mode merges it into one bounding box, sparse mode
	// keeps it as two rectangles.
	old := solid(256, 256, colorA)
	cur := old.Clone()
	cur.Fill(frame.Rect{X: 0, Y: 0, W: 64, H: 16}, colorB)
	cur.Fill(frame.Rect{X: 0, Y: 16, W: 16, H: 48}, colorB)

	dense := NewDifferencer(WithSparseRatio(0))
	primed(t, dense, old)
	res, err := dense.Diff(cur)
	require.NoError(t, err)
	require.Len(t, res.Regions, 1)
	assert.Equal(t, frame.Rect{W: 64, H: 64}, res.Regions[0].Rect)

	sparse := NewDifferencer(WithSparseRatio(1))
	primed(t, sparse, old)
	res, err = sparse.Diff(cur)
	require.NoError(t, err)
	require.Len(t, res.Regions, 2)
	assert.Equal(t, frame.Rect{W: 64, H: 16}, res.Regions[0].Rect)
	assert.Equal(t, frame.Rect{Y: 16, W: 16, H: 48}, res.Regions[1].Rect)
}

func TestOverlappingBoundingBoxesAreCoalesced(t *testing.T) {
	// Two separate components whose bounding boxes intersect.
	old := solid(128, 128, colorA)
	cur := old.Clone()
	// component 1: L from (0,0) across to (48,0) and down to (0,48)
	cur.Fill(frame.Rect{X: 0, Y: 0, W: 64, H: 16}, colorB)
	cur.Fill(frame.Rect{X: 0, Y: 16, W: 16, H: 48}, colorB)
	// component 2: isolated block inside component 1's bounding box
	cur.Fill(frame.Rect{X: 48, Y: 48, W: 16, H: 16}, colorB)

	d := NewDifferencer(WithSparseRatio(0))
	primed(t, d, old)
	res, err := d.Diff(cur)
	require.NoError(t, err)
	require.Len(t, res.Regions, 1)
	assert.Equal(t, frame.Rect{W: 64, H: 64}, res.Regions[0].Rect)
}

func TestResizeEmitsFullFrame(t *testing.T) {
	d := NewDifferencer()
	primed(t, d, solid(64, 64, colorA))

	res, err := d.Diff(solid(32, 32, colorA))
	require.NoError(t, err)
	assert.True(t, res.FullFrame)
	require.Len(t, res.Regions, 1)
	assert.Equal(t, frame.Rect{W: 32, H: 32}, res.Regions[0].Rect)

	res, err = d.Diff(solid(32, 32, colorA))
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestInvalidFrameIsRejected(t *testing.T) {
	d := NewDifferencer()
	good := solid(32, 32, colorA)
	primed(t, d, good)

	bad := solid(32, 32, colorB)
	bad.Pix = bad.Pix[:10]
	_, err := d.Diff(bad)
	assert.ErrorIs(t, err, ErrInvalidFrame)
	assert.ErrorIs(t, err, frame.ErrInvalidFrame)
	assert.Same(t, good, d.Baseline())
}

func TestThresholdIgnoresNoise(t *testing.T) {
	d := NewDifferencer(WithThreshold(5))
	old := solid(32, 32, colorA)
	primed(t, d, old)

	noisy := old.Clone()
	noisy.Fill(frame.Rect{W: 8, H: 8}, []byte{13, 24, 27, 255})
	res, err := d.Diff(noisy)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	changed := noisy.Clone()
	changed.Fill(frame.Rect{W: 8, H: 8}, colorB)
	res, err = d.Diff(changed)
	require.NoError(t, err)
	assert.Len(t, res.Regions, 1)
}

func TestThresholdDriftIsEventuallySent(t *testing.T) {
	d := NewDifferencer(WithThreshold(5))
	cur := solid(32, 32, colorA)
	primed(t, d, cur)
	held := cur.Clone()

	var sent int
	for step := 1; step <= 10; step++ {
		cur = solid(32, 32, []byte{colorA[0] + byte(2*step), colorA[1], colorA[2], 255})
		res, err := d.Diff(cur)
		require.NoError(t, err)
		require.NoError(t, frame.Apply(held, res.Regions))
		if !res.Empty() {
			sent++
		}

		for i := range held.Pix {
			diff := int(held.Pix[i]) - int(cur.Pix[i])
			require.LessOrEqual(t, diff*diff, 25, "step %d byte %d drifted past the threshold", step, i)
		}
		assert.True(t, held.Equal(d.Baseline()), "baseline must match what was sent")
	}
	assert.Equal(t, 3, sent)
}

func TestForceKeyframeAndReset(t *testing.T) {
	d := NewDifferencer()
	f := solid(32, 32, colorA)
	primed(t, d, f)

	d.ForceKeyframe()
	res, err := d.Diff(f)
	require.NoError(t, err)
	assert.True(t, res.FullFrame)

	res, err = d.Diff(f)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	d.Reset()
	assert.Nil(t, d.Baseline())
	res, err = d.Diff(f)
	require.NoError(t, err)
	assert.True(t, res.FullFrame)
}

func BenchmarkDiff1080p(b *testing.B) {
	d := NewDifferencer()
	old := solid(1920, 1080, colorA)
	cur := old.Clone()
	cur.Fill(frame.Rect{X: 400, Y: 300, W: 200, H: 120}, colorB)
	frames := []*frame.Frame{old, cur}
	_, _ = d.Diff(old)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.Diff(frames[(i+1)%2]); err != nil {
			b.Fatal(err)
		}
	}
}
