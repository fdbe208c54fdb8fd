package pcc

import "github.com/tomaslejdung/peepcast/pkg/frame"

// blockRect is a rectangle in block-grid coordinates, end-exclusive.
type blockRect struct {
	x0, y0, x1, y1 int
}

func (b blockRect) overlaps(o blockRect) bool {
	return b.x0 < o.x1 && o.x0 < b.x1 && b.y0 < o.y1 && o.y0 < b.y1
}

func (b blockRect) union(o blockRect) blockRect {
	return blockRect{min(b.x0, o.x0), min(b.y0, o.y0), max(b.x1, o.x1), max(b.y1, o.y1)}
}

// pixels converts to a pixel rectangle clipped to the frame.
func (b blockRect) pixels(size int, bounds frame.Rect) frame.Rect {
	x0, y0 := b.x0*size, b.y0*size
	x1, y1 := min(b.x1*size, bounds.W), min(b.y1*size, bounds.H)
	return frame.Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// components merges 4-connected dirty blocks with union-find over the
// index-addressed grid and returns their bounding rectangles, coalescing
// any bounding boxes that end up overlapping.
func (d *Differencer) components(dirty []bool, cols, rows int) []blockRect {
	parent := d.parent[:len(dirty)]
	for i := range parent {
		parent[i] = int32(i)
	}

	find := func(i int32) int32 {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int32) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	for by := 0; by < rows; by++ {
		for bx := 0; bx < cols; bx++ {
			i := by*cols + bx
			if !dirty[i] {
				continue
			}
			if bx > 0 && dirty[i-1] {
				union(int32(i), int32(i-1))
			}
			if by > 0 && dirty[i-cols] {
				union(int32(i), int32(i-cols))
			}
		}
	}

	index := make(map[int32]int)
	var rects []blockRect
	for by := 0; by < rows; by++ {
		for bx := 0; bx < cols; bx++ {
			i := by*cols + bx
			if !dirty[i] {
				continue
			}
			cell := blockRect{bx, by, bx + 1, by + 1}
			root := find(int32(i))
			if k, ok := index[root]; ok {
				rects[k] = rects[k].union(cell)
				continue
			}
			index[root] = len(rects)
			rects = append(rects, cell)
		}
	}
	return coalesce(rects)
}

// coalesce unions overlapping rectangles until all are disjoint.
func coalesce(rects []blockRect) []blockRect {
	for merged := true; merged; {
		merged = false
		for i := 0; i < len(rects) && !merged; i++ {
			for j := i + 1; j < len(rects); j++ {
				if rects[i].overlaps(rects[j]) {
					rects[i] = rects[i].union(rects[j])
					rects = append(rects[:j], rects[j+1:]...)
					merged = true
					break
				}
			}
		}
	}
	return rects
}

// rowRuns emits horizontal runs of dirty blocks, stacking runs with an
// identical column span in consecutive rows into one rectangle. Runs never
// overlap, so no coalescing is needed.
func rowRuns(dirty []bool, cols, rows int) []blockRect {
	var done, open []blockRect
	for by := 0; by < rows; by++ {
		var next []blockRect
		for bx := 0; bx < cols; {
			if !dirty[by*cols+bx] {
				bx++
				continue
			}
			start := bx
			for bx < cols && dirty[by*cols+bx] {
				bx++
			}
			run := blockRect{start, by, bx, by + 1}
			for k, o := range open {
				if o.x0 == run.x0 && o.x1 == run.x1 {
					run.y0 = o.y0
					open = append(open[:k], open[k+1:]...)
					break
				}
			}
			next = append(next, run)
		}
		done = append(done, open...)
		open = next
	}
	return append(done, open...)
}
