// Package pcc implements the Pixel Change Check: block-granular differencing
// of successive frames into a minimal set of dirty rectangles.
package pcc

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/tomaslejdung/peepcast/pkg/frame"
)

const (
	DefaultBlockSize   = 16
	DefaultSparseRatio = 0.10
)

// ErrInvalidFrame is returned when a frame fails validation. The baseline is
// left untouched.
var ErrInvalidFrame = errors.New("pcc: invalid frame")

// Option configures a Differencer.
type Option func(*Differencer)

// WithBlockSize sets the edge length of the comparison grid.
func WithBlockSize(n int) Option {
	return func(d *Differencer) {
		if n > 0 {
			d.blockSize = n
		}
	}
}

// WithThreshold sets the per-byte tolerance. A block is dirty only when some
// byte differs by more than t. Zero means exact comparison. With a tolerance
// the baseline keeps the last sent pixels of clean blocks, so slow drift is
// sent once it exceeds t.
func WithThreshold(t uint8) Option {
	return func(d *Differencer) { d.threshold = t }
}

// WithWorkers bounds how many goroutines compare block rows.
func WithWorkers(n int) Option {
	return func(d *Differencer) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithSparseRatio sets the dirty-block ratio below which regions are emitted
// as tight row-runs instead of merged bounding rectangles.
func WithSparseRatio(r float64) Option {
	return func(d *Differencer) {
		if r >= 0 && r <= 1 {
			d.sparseRatio = r
		}
	}
}

// Result is the outcome of one Diff call.
type Result struct {
	Regions     []frame.DirtyRegion
	FullFrame   bool
	DirtyBlocks int
	TotalBlocks int
}

// Empty reports whether nothing changed.
func (r Result) Empty() bool { return len(r.Regions) == 0 }

// Differencer owns the baseline of one capture session. It is not safe for
// concurrent use: frame N is diffed against frame N-1, so calls are
// inherently sequential.
type Differencer struct {
	blockSize   int
	threshold   uint8
	workers     int
	sparseRatio float64

	baseline *frame.Frame
	forceKey bool

	// grid scratch, reused across frames of equal geometry
	dirty  []bool
	parent []int32
}

// NewDifferencer creates a Differencer with no baseline. The first Diff
// always yields a full frame.
func NewDifferencer(opts ...Option) *Differencer {
	d := &Differencer{
		blockSize:   DefaultBlockSize,
		workers:     runtime.GOMAXPROCS(0),
		sparseRatio: DefaultSparseRatio,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// BlockSize returns the configured grid size.
func (d *Differencer) BlockSize() int { return d.blockSize }

// Baseline returns the frame the next Diff compares against, or nil.
func (d *Differencer) Baseline() *frame.Frame { return d.baseline }

// Reset drops the baseline; the next Diff emits a full frame.
func (d *Differencer) Reset() {
	d.baseline = nil
}

// ForceKeyframe makes the next Diff emit a full frame while keeping geometry.
func (d *Differencer) ForceKeyframe() {
	d.forceKey = true
}

// Diff compares cur with the baseline and advances the baseline to what the
// result describes: cur itself for exact comparison, or the old baseline
// patched with the emitted regions when a threshold is set.
func (d *Differencer) Diff(cur *frame.Frame) (Result, error) {
	if err := cur.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}

	cols := (cur.Width + d.blockSize - 1) / d.blockSize
	rows := (cur.Height + d.blockSize - 1) / d.blockSize
	total := cols * rows

	if d.forceKey || !cur.SameGeometry(d.baseline) {
		d.forceKey = false
		d.baseline = cur
		if d.threshold > 0 {
			d.baseline = cur.Clone()
		}
		return Result{
			Regions:     []frame.DirtyRegion{{Rect: cur.Bounds(), Pix: bytes.Clone(cur.Pix)}},
			FullFrame:   true,
			DirtyBlocks: total,
			TotalBlocks: total,
		}, nil
	}

	prev := d.baseline
	if d.threshold == 0 {
		d.baseline = cur
	}

	if cap(d.dirty) < total {
		d.dirty = make([]bool, total)
		d.parent = make([]int32, total)
	}
	dirty := d.dirty[:total]

	d.compare(prev, cur, dirty, cols, rows)

	count := 0
	for _, v := range dirty {
		if v {
			count++
		}
	}
	res := Result{DirtyBlocks: count, TotalBlocks: total}
	if count == 0 {
		return res, nil
	}

	var blockRects []blockRect
	if float64(count)/float64(total) < d.sparseRatio {
		blockRects = rowRuns(dirty, cols, rows)
	} else {
		blockRects = d.components(dirty, cols, rows)
	}

	bounds := cur.Bounds()
	res.Regions = make([]frame.DirtyRegion, 0, len(blockRects))
	for _, br := range blockRects {
		r := br.pixels(d.blockSize, bounds)
		pix, err := cur.Extract(r)
		if err != nil {
			// Cannot happen for a validated frame; treat as a broken invariant.
			return Result{}, fmt.Errorf("pcc: extract %s: %w", r, err)
		}
		res.Regions = append(res.Regions, frame.DirtyRegion{Rect: r, Pix: pix})
		if d.threshold > 0 {
			// prev is owned here; keep it equal to what the receiver holds.
			if err := prev.Patch(r, pix); err != nil {
				return Result{}, fmt.Errorf("pcc: patch %s: %w", r, err)
			}
		}
	}
	frame.SortRegions(res.Regions)
	return res, nil
}

// compare marks dirty blocks, splitting the block rows into one band per worker.
func (d *Differencer) compare(prev, cur *frame.Frame, dirty []bool, cols, rows int) {
	workers := min(d.workers, rows)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		lo, hi := w*rows/workers, (w+1)*rows/workers
		g.Go(func() error {
			for by := lo; by < hi; by++ {
				for bx := 0; bx < cols; bx++ {
					dirty[by*cols+bx] = d.blockDiffers(prev, cur, bx, by)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Differencer) blockDiffers(prev, cur *frame.Frame, bx, by int) bool {
	ch := cur.Format.Channels()
	stride := cur.Stride()
	x0 := bx * d.blockSize * ch
	x1 := min((bx+1)*d.blockSize, cur.Width) * ch
	y0 := by * d.blockSize
	y1 := min(y0+d.blockSize, cur.Height)

	for y := y0; y < y1; y++ {
		a := prev.Pix[y*stride+x0 : y*stride+x1]
		b := cur.Pix[y*stride+x0 : y*stride+x1]
		if d.threshold == 0 {
			if !bytes.Equal(a, b) {
				return true
			}
			continue
		}
		for i := range a {
			diff := int(a[i]) - int(b[i])
			if diff > int(d.threshold) || -diff > int(d.threshold) {
				return true
			}
		}
	}
	return false
}
